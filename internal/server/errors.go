package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	billingdomain "github.com/acsk/AppCheckin-sub006/internal/billing/domain"
	notifdomain "github.com/acsk/AppCheckin-sub006/internal/notification/domain"
)

// apiError is the wire shape of every handler failure.
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (e *apiError) Error() string { return e.Code + ": " + e.Message }

var (
	ErrUnauthorized = &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "missing or invalid credentials"}
	ErrNotFound     = &apiError{Status: http.StatusNotFound, Code: "not_found", Message: "resource not found"}
	ErrRateLimited  = &apiError{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "too many requests"}
)

func invalidRequestError() *apiError {
	return &apiError{Status: http.StatusBadRequest, Code: "invalid_request", Message: "request body is invalid"}
}

func newValidationError(field, code, message string) *apiError {
	return &apiError{Status: http.StatusBadRequest, Code: code, Message: message, Field: field}
}

// AbortWithError translates domain errors into API responses.
func AbortWithError(c *gin.Context, err error) {
	var api *apiError
	if errors.As(err, &api) {
		c.AbortWithStatusJSON(api.Status, gin.H{"error": api})
		return
	}

	switch {
	case errors.Is(err, notifdomain.ErrEventNotFound),
		errors.Is(err, billingdomain.ErrContractNotFound),
		errors.Is(err, billingdomain.ErrEnrollmentNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": ErrNotFound})
	case errors.Is(err, billingdomain.ErrConflictingLink):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": &apiError{
			Code: "conflicting_link", Message: "entity is already linked to a different gateway object",
		}})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": &apiError{
			Code: "internal_error", Message: "internal server error",
		}})
	}
}

func parseOptionalTime(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}
