package gateway

import (
	"context"
	"errors"
	"time"
)

// Gateway-side statuses. The gateway is the source of truth; the pipeline
// only mirrors these into the domain model.
const (
	StatusApproved  = "approved"
	StatusPending   = "pending"
	StatusInProcess = "in_process"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
)

var (
	// ErrUnavailable wraps network errors, 5xx responses and timeouts after
	// retries are exhausted. Not evidence of rejection; the event stays
	// pending for replay.
	ErrUnavailable = errors.New("gateway_unavailable")
	// ErrObjectNotFound is a definitive 404 from the gateway.
	ErrObjectNotFound = errors.New("gateway_object_not_found")
	// ErrRequestRejected is any other non-retryable 4xx.
	ErrRequestRejected = errors.New("gateway_request_rejected")
)

// Payment is the authoritative state of a one-off payment.
type Payment struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	Amount            int64             `json:"transaction_amount"`
	Currency          string            `json:"currency_id"`
	ExternalReference string            `json:"external_reference"`
	Metadata          map[string]string `json:"metadata"`
	ApprovedAt        *time.Time        `json:"date_approved,omitempty"`
}

// RecurringCharge is the authoritative state of a gateway subscription.
type RecurringCharge struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	Amount            int64             `json:"transaction_amount"`
	ExternalReference string            `json:"external_reference"`
	Metadata          map[string]string `json:"metadata"`
}

// Client fetches authoritative object state from the payment gateway.
// All calls are read-only and safe to re-issue during replay.
type Client interface {
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetRecurringCharge(ctx context.Context, id string) (*RecurringCharge, error)
}
