package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ContractStatus is the lifecycle of a purchasable commitment.
type ContractStatus string

const (
	ContractStatusPending   ContractStatus = "pending"
	ContractStatusActive    ContractStatus = "active"
	ContractStatusCancelled ContractStatus = "cancelled"
	ContractStatusExpired   ContractStatus = "expired"
)

// EnrollmentStatus is the lifecycle of one beneficiary under a contract.
type EnrollmentStatus string

const (
	EnrollmentStatusPending   EnrollmentStatus = "pending"
	EnrollmentStatusActive    EnrollmentStatus = "active"
	EnrollmentStatusCancelled EnrollmentStatus = "cancelled"
	EnrollmentStatusExpired   EnrollmentStatus = "expired"
)

// RecurringChargeStatus is the lifecycle of an ongoing billing agreement.
type RecurringChargeStatus string

const (
	RecurringChargeStatusPendingPayment RecurringChargeStatus = "pending_payment"
	RecurringChargeStatusActive         RecurringChargeStatus = "active"
	RecurringChargeStatusPastDue        RecurringChargeStatus = "past_due"
	RecurringChargeStatusCancelled      RecurringChargeStatus = "cancelled"
)

// InstallmentStatus is the lifecycle of one scheduled payment instance.
type InstallmentStatus string

const (
	InstallmentStatusAwaiting  InstallmentStatus = "awaiting"
	InstallmentStatusPaid      InstallmentStatus = "paid"
	InstallmentStatusOverdue   InstallmentStatus = "overdue"
	InstallmentStatusCancelled InstallmentStatus = "cancelled"
)

// BillingContract is a purchasable commitment owned by one tenant. Its
// enrollment set is fixed at creation; reconciliation only moves state.
type BillingContract struct {
	ID                      snowflake.ID   `gorm:"primaryKey" json:"id"`
	OrgID                   snowflake.ID   `gorm:"not null;index" json:"org_id"`
	Description             string         `gorm:"type:text;not null;default:''" json:"description"`
	TotalAmount             int64          `gorm:"not null" json:"total_amount"`
	Currency                string         `gorm:"type:text;not null;default:'BRL'" json:"currency"`
	Status                  ContractStatus `gorm:"type:text;not null;default:'pending'" json:"status"`
	ExternalPreferenceID    *string        `gorm:"type:text;index" json:"external_preference_id,omitempty"`
	LinkedRecurringChargeID *string        `gorm:"type:text" json:"linked_recurring_charge_id,omitempty"`
	ActivatedAt             *time.Time     `json:"activated_at,omitempty"`
	CancelledAt             *time.Time     `json:"cancelled_at,omitempty"`
	CreatedAt               time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt               time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (BillingContract) TableName() string { return "billing_contracts" }

// Enrollment is one beneficiary under a BillingContract.
type Enrollment struct {
	ID          snowflake.ID     `gorm:"primaryKey" json:"id"`
	OrgID       snowflake.ID     `gorm:"not null;index" json:"org_id"`
	ContractID  snowflake.ID     `gorm:"not null;index" json:"contract_id"`
	MemberName  string           `gorm:"type:text;not null;default:''" json:"member_name"`
	Status      EnrollmentStatus `gorm:"type:text;not null;default:'pending'" json:"status"`
	ActivatedAt *time.Time       `json:"activated_at,omitempty"`
	CancelledAt *time.Time       `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt   time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Enrollment) TableName() string { return "enrollments" }

// RecurringCharge is an ongoing billing agreement tied to one Enrollment.
// ExternalID mirrors the gateway-side subscription id and is set once.
type RecurringCharge struct {
	ID           snowflake.ID          `gorm:"primaryKey" json:"id"`
	OrgID        snowflake.ID          `gorm:"not null;index" json:"org_id"`
	EnrollmentID snowflake.ID          `gorm:"not null;uniqueIndex" json:"enrollment_id"`
	ExternalID   *string               `gorm:"type:text" json:"external_id,omitempty"`
	Amount       int64                 `gorm:"not null;default:0" json:"amount"`
	Status       RecurringChargeStatus `gorm:"type:text;not null;default:'pending_payment'" json:"status"`
	ActivatedAt  *time.Time            `json:"activated_at,omitempty"`
	CreatedAt    time.Time             `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt    time.Time             `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (RecurringCharge) TableName() string { return "recurring_charges" }

// Installment is one scheduled payment instance. The unique key on
// (enrollment_id, due_date) makes creation idempotent by construction.
type Installment struct {
	ID                snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID             snowflake.ID      `gorm:"not null;index" json:"org_id"`
	EnrollmentID      snowflake.ID      `gorm:"not null;uniqueIndex:ux_installments_enrollment_due,priority:1" json:"enrollment_id"`
	RecurringChargeID *snowflake.ID     `gorm:"index" json:"recurring_charge_id,omitempty"`
	DueDate           time.Time         `gorm:"type:date;not null;uniqueIndex:ux_installments_enrollment_due,priority:2" json:"due_date"`
	Amount            int64             `gorm:"not null" json:"amount"`
	Status            InstallmentStatus `gorm:"type:text;not null;default:'awaiting'" json:"status"`
	PaidAt            *time.Time        `json:"paid_at,omitempty"`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Installment) TableName() string { return "installments" }
