package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	auditdomain "github.com/acsk/AppCheckin-sub006/internal/audit/domain"
	reconciledomain "github.com/acsk/AppCheckin-sub006/internal/reconcile/domain"
)

// recordReplayAudit appends one audit entry for an operator-triggered
// replay. Audit failures are logged, never surfaced; the replay itself
// already happened.
func (s *Server) recordReplayAudit(c *gin.Context, action string, result *reconciledomain.Result) {
	target := result.EventID.String()
	ip := c.ClientIP()
	entry := &auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		ActorType:  auditdomain.ActorTypeOperator,
		Action:     action,
		TargetType: "notification_event",
		TargetID:   &target,
		Metadata: datatypes.JSONMap{
			"outcome":    string(result.Outcome),
			"transition": result.Transition,
		},
		IPAddress: &ip,
		CreatedAt: s.clock.Now(),
	}
	if err := s.auditRepo.Insert(c.Request.Context(), s.db, entry); err != nil {
		s.log.Warn("record audit entry", zap.Error(err))
	}
}

// ListAudit returns the operator action trail.
func (s *Server) ListAudit(c *gin.Context) {
	filter := auditdomain.ListFilter{
		Action:   strings.TrimSpace(c.Query("action")),
		TargetID: strings.TrimSpace(c.Query("target_id")),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}

	entries, err := s.auditRepo.List(c.Request.Context(), s.db, filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
