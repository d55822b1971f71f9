package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrContractNotFound        = errors.New("contract_not_found")
	ErrEnrollmentNotFound      = errors.New("enrollment_not_found")
	ErrRecurringChargeNotFound = errors.New("recurring_charge_not_found")
	ErrConflictingLink         = errors.New("conflicting_link")
)

// Repository mutates the domain tables. All writes happen inside the
// reconciler's transaction; no other component touches these tables.
type Repository interface {
	LockContract(ctx context.Context, db *gorm.DB, id snowflake.ID) (*BillingContract, error)
	LockEnrollment(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Enrollment, error)
	ListEnrollmentsByContract(ctx context.Context, db *gorm.DB, contractID snowflake.ID) ([]Enrollment, error)

	UpdateContractStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status ContractStatus, now time.Time) error
	UpdateEnrollmentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status EnrollmentStatus, now time.Time) error

	// LinkRecurringCharge sets the contract's gateway link only when it is
	// currently NULL. A different existing link is ErrConflictingLink.
	LinkRecurringCharge(ctx context.Context, db *gorm.DB, contractID snowflake.ID, externalID string, now time.Time) error

	FindRecurringChargeByEnrollment(ctx context.Context, db *gorm.DB, enrollmentID snowflake.ID) (*RecurringCharge, error)
	// UpsertRecurringCharge creates or transitions the enrollment's
	// recurring charge. The gateway external id is set once; re-pointing is
	// ErrConflictingLink.
	UpsertRecurringCharge(ctx context.Context, db *gorm.DB, charge *RecurringCharge) error

	// InsertInstallment is idempotent on (enrollment_id, due_date); it
	// reports whether a row was actually created.
	InsertInstallment(ctx context.Context, db *gorm.DB, installment *Installment) (bool, error)
	ListInstallmentsByEnrollment(ctx context.Context, db *gorm.DB, enrollmentID snowflake.ID) ([]Installment, error)
}
