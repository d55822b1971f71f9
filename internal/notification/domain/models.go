package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Outcome is the processing state of a stored notification.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Gateway notification topics the pipeline understands.
const (
	EventTypePayment         = "payment"
	EventTypeRecurringCharge = "recurring_charge"
)

// Result detail keys written by the reconciler.
const (
	ResultKeyEntityType           = "entity_type"
	ResultKeyEntityID             = "entity_id"
	ResultKeyTransition           = "transition"
	ResultKeyGatewayStatus        = "gateway_status"
	ResultKeyActivatedEnrollments = "activated_enrollments"
	ResultKeyInstallmentsCreated  = "installments_created"
)

// Transitions recorded in result detail.
const (
	TransitionNone      = "none"
	TransitionActivated = "activated"
	TransitionCancelled = "cancelled"
	TransitionLinked    = "linked"
	TransitionNoop      = "noop"
)

// NotificationEvent is one inbound webhook delivery. The raw payload is
// immutable after insert; only outcome, error_detail and result_detail are
// ever updated. Rows are never deleted.
type NotificationEvent struct {
	ID               snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID            *snowflake.ID     `gorm:"index" json:"org_id,omitempty"`
	EventType        string            `gorm:"type:text;not null" json:"event_type"`
	ExternalObjectID string            `gorm:"type:text;not null;index" json:"external_object_id"`
	CorrelationToken string            `gorm:"type:text;index" json:"correlation_token,omitempty"`
	RawPayload       datatypes.JSON    `gorm:"type:jsonb;not null" json:"raw_payload"`
	Outcome          Outcome           `gorm:"type:text;not null;default:'pending'" json:"outcome"`
	ErrorDetail      *string           `gorm:"type:text" json:"error_detail,omitempty"`
	ResultDetail     datatypes.JSONMap `gorm:"type:jsonb" json:"result_detail,omitempty"`
	ReceivedAt       time.Time         `gorm:"not null" json:"received_at"`
	ProcessedAt      *time.Time        `json:"processed_at,omitempty"`
	UpdatedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (NotificationEvent) TableName() string { return "notification_events" }

// OutcomeUpdate mutates the processing columns of one stored notification.
// The raw payload is deliberately absent.
type OutcomeUpdate struct {
	ID           snowflake.ID
	OrgID        *snowflake.ID
	Outcome      Outcome
	ErrorDetail  *string
	ResultDetail map[string]any
	ProcessedAt  *time.Time
}

// ListFilter narrows the diagnostic listing.
type ListFilter struct {
	Outcome          Outcome
	CorrelationToken string
	ReceivedFrom     *time.Time
	ReceivedTo       *time.Time
	Limit            int
	Offset           int
}
