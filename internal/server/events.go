package server

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	auditdomain "github.com/acsk/AppCheckin-sub006/internal/audit/domain"
	notifdomain "github.com/acsk/AppCheckin-sub006/internal/notification/domain"
	reconciledomain "github.com/acsk/AppCheckin-sub006/internal/reconcile/domain"
)

// operatorAuth guards the diagnostics API with a static bearer token.
func (s *Server) operatorAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if s.cfg.OperatorToken == "" || token == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.OperatorToken)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// ListEvents returns stored notifications filtered by outcome, correlation
// token and received-at window.
func (s *Server) ListEvents(c *gin.Context) {
	filter := notifdomain.ListFilter{
		Outcome:          notifdomain.Outcome(strings.TrimSpace(c.Query("outcome"))),
		CorrelationToken: strings.TrimSpace(c.Query("correlation_token")),
	}

	from, err := parseOptionalTime(c.Query("from"))
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_time", "from must be RFC 3339"))
		return
	}
	filter.ReceivedFrom = from

	to, err := parseOptionalTime(c.Query("to"))
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_time", "to must be RFC 3339"))
		return
	}
	filter.ReceivedTo = to

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}
	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			AbortWithError(c, newValidationError("offset", "invalid_offset", "offset must be a non-negative integer"))
			return
		}
		filter.Offset = offset
	}

	events, err := s.eventRepo.List(c.Request.Context(), s.db, filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// GetEvent returns one stored notification, raw payload included.
func (s *Server) GetEvent(c *gin.Context) {
	eventID, ok := s.eventIDFromParam(c)
	if !ok {
		return
	}
	event, err := s.eventRepo.FindByID(c.Request.Context(), s.db, eventID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

// ReplayEvent synchronously reprocesses one stored notification.
func (s *Server) ReplayEvent(c *gin.Context) {
	eventID, ok := s.eventIDFromParam(c)
	if !ok {
		return
	}
	result, err := s.coordinator.ReplayEvent(c.Request.Context(), eventID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordReplayAudit(c, auditdomain.ActionEventReplayed, result)
	c.JSON(http.StatusOK, replayResponse(result))
}

type replayByObjectRequest struct {
	ExternalObjectID string `json:"external_object_id"`
}

// ReplayByObject reprocesses the latest delivery stored for a gateway
// object id.
func (s *Server) ReplayByObject(c *gin.Context) {
	var req replayByObjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	objectID := strings.TrimSpace(req.ExternalObjectID)
	if objectID == "" {
		AbortWithError(c, newValidationError("external_object_id", "required", "external_object_id is required"))
		return
	}

	result, err := s.coordinator.ReplayExternal(c.Request.Context(), objectID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordReplayAudit(c, auditdomain.ActionObjectReplayed, result)
	c.JSON(http.StatusOK, replayResponse(result))
}

func (s *Server) eventIDFromParam(c *gin.Context) (snowflake.ID, bool) {
	raw := strings.TrimSpace(c.Param("id"))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		AbortWithError(c, newValidationError("id", "invalid_id", "event id must be a positive integer"))
		return 0, false
	}
	return snowflake.ID(id), true
}

func replayResponse(result *reconciledomain.Result) gin.H {
	return gin.H{
		"event_id":              result.EventID.String(),
		"outcome":               result.Outcome,
		"transition":            result.Transition,
		"gateway_status":        result.GatewayStatus,
		"activated_enrollments": result.ActivatedEnrollments,
		"installments_created":  result.InstallmentsCreated,
		"error_detail":          result.ErrorDetail,
	}
}
