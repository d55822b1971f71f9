package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	notifdomain "github.com/acsk/AppCheckin-sub006/internal/notification/domain"
)

const signatureHeader = "X-Webhook-Signature"

// webhookEnvelope is the minimum the gateway guarantees in every delivery.
type webhookEnvelope struct {
	Type string `json:"type"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
	ExternalReference string `json:"external_reference"`
}

// HandleGatewayWebhook stores the delivery durably and acknowledges before
// any reconciliation work happens. The gateway only needs to know the
// notification is safe; everything after the insert is asynchronous.
func (s *Server) HandleGatewayWebhook(c *gin.Context) {
	if !s.webhookLimiter.Allow(c.ClientIP()) {
		AbortWithError(c, ErrRateLimited)
		return
	}

	maxBody := s.cfg.MaxWebhookBody
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBody))
	if err != nil {
		AbortWithError(c, newValidationError("body", "body_too_large", "request body exceeds the size limit"))
		return
	}

	if !s.verifySignature(body, c.GetHeader(signatureHeader)) {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	eventType := strings.TrimSpace(envelope.Type)
	objectID := strings.TrimSpace(envelope.Data.ID)
	if eventType == "" || objectID == "" {
		AbortWithError(c, newValidationError("type", "missing_fields", "type and data.id are required"))
		return
	}

	event := &notifdomain.NotificationEvent{
		ID:               s.genID.Generate(),
		EventType:        eventType,
		ExternalObjectID: objectID,
		CorrelationToken: strings.TrimSpace(envelope.ExternalReference),
		RawPayload:       datatypes.JSON(body),
		Outcome:          notifdomain.OutcomePending,
		ReceivedAt:       s.clock.Now(),
	}
	if err := s.eventRepo.Insert(c.Request.Context(), s.db, event); err != nil {
		s.log.Error("store webhook event", zap.Error(err))
		AbortWithError(c, err)
		return
	}

	if s.metrics != nil {
		s.metrics.IncWebhookReceived(eventType)
	}

	// Best effort: a full queue is fine, the replay loop reaches the
	// stored event regardless.
	s.dispatcher.Enqueue(event.ID)

	c.JSON(http.StatusOK, gin.H{"status": "ok", "event_id": event.ID.String()})
}

func (s *Server) verifySignature(body []byte, signature string) bool {
	signature = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if signature == "" || s.cfg.WebhookSecret == "" {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}
