package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	billingdomain "github.com/acsk/AppCheckin-sub006/internal/billing/domain"
	pkgdb "github.com/acsk/AppCheckin-sub006/pkg/db"
)

type repositoryImpl struct{}

// Provide returns the billing repository.
func Provide() billingdomain.Repository {
	return &repositoryImpl{}
}

func (r *repositoryImpl) LockContract(ctx context.Context, db *gorm.DB, id snowflake.ID) (*billingdomain.BillingContract, error) {
	query := fmt.Sprintf(
		`SELECT *
		 FROM billing_contracts
		 WHERE id = ?
		 %s`,
		pkgdb.LockingClause(db),
	)

	var contract billingdomain.BillingContract
	if err := db.WithContext(ctx).Raw(query, id).Scan(&contract).Error; err != nil {
		return nil, err
	}
	if contract.ID == 0 {
		return nil, billingdomain.ErrContractNotFound
	}
	return &contract, nil
}

func (r *repositoryImpl) LockEnrollment(ctx context.Context, db *gorm.DB, id snowflake.ID) (*billingdomain.Enrollment, error) {
	query := fmt.Sprintf(
		`SELECT *
		 FROM enrollments
		 WHERE id = ?
		 %s`,
		pkgdb.LockingClause(db),
	)

	var enrollment billingdomain.Enrollment
	if err := db.WithContext(ctx).Raw(query, id).Scan(&enrollment).Error; err != nil {
		return nil, err
	}
	if enrollment.ID == 0 {
		return nil, billingdomain.ErrEnrollmentNotFound
	}
	return &enrollment, nil
}

func (r *repositoryImpl) ListEnrollmentsByContract(ctx context.Context, db *gorm.DB, contractID snowflake.ID) ([]billingdomain.Enrollment, error) {
	query := fmt.Sprintf(
		`SELECT *
		 FROM enrollments
		 WHERE contract_id = ?
		 ORDER BY id
		 %s`,
		pkgdb.LockingClause(db),
	)

	var enrollments []billingdomain.Enrollment
	if err := db.WithContext(ctx).Raw(query, contractID).Scan(&enrollments).Error; err != nil {
		return nil, err
	}
	return enrollments, nil
}

func (r *repositoryImpl) UpdateContractStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status billingdomain.ContractStatus, now time.Time) error {
	values := map[string]any{
		"status":     status,
		"updated_at": now,
	}
	switch status {
	case billingdomain.ContractStatusActive:
		values["activated_at"] = now
	case billingdomain.ContractStatusCancelled:
		values["cancelled_at"] = now
	}

	result := db.WithContext(ctx).
		Model(&billingdomain.BillingContract{}).
		Where("id = ?", id).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return billingdomain.ErrContractNotFound
	}
	return nil
}

func (r *repositoryImpl) UpdateEnrollmentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status billingdomain.EnrollmentStatus, now time.Time) error {
	values := map[string]any{
		"status":     status,
		"updated_at": now,
	}
	switch status {
	case billingdomain.EnrollmentStatusActive:
		values["activated_at"] = now
	case billingdomain.EnrollmentStatusCancelled:
		values["cancelled_at"] = now
	}

	result := db.WithContext(ctx).
		Model(&billingdomain.Enrollment{}).
		Where("id = ?", id).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return billingdomain.ErrEnrollmentNotFound
	}
	return nil
}

func (r *repositoryImpl) LinkRecurringCharge(ctx context.Context, db *gorm.DB, contractID snowflake.ID, externalID string, now time.Time) error {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return errors.New("missing_external_id")
	}

	result := db.WithContext(ctx).Exec(
		`UPDATE billing_contracts
		 SET linked_recurring_charge_id = ?, updated_at = ?
		 WHERE id = ? AND linked_recurring_charge_id IS NULL`,
		externalID,
		now,
		contractID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	// Nothing updated: either the contract is gone or it is already linked.
	var current *string
	if err := db.WithContext(ctx).Raw(
		`SELECT linked_recurring_charge_id
		 FROM billing_contracts
		 WHERE id = ?`,
		contractID,
	).Scan(&current).Error; err != nil {
		return err
	}
	if current == nil {
		return billingdomain.ErrContractNotFound
	}
	if *current == externalID {
		return nil
	}
	return billingdomain.ErrConflictingLink
}

func (r *repositoryImpl) FindRecurringChargeByEnrollment(ctx context.Context, db *gorm.DB, enrollmentID snowflake.ID) (*billingdomain.RecurringCharge, error) {
	query := fmt.Sprintf(
		`SELECT *
		 FROM recurring_charges
		 WHERE enrollment_id = ?
		 %s`,
		pkgdb.LockingClause(db),
	)

	var charge billingdomain.RecurringCharge
	if err := db.WithContext(ctx).Raw(query, enrollmentID).Scan(&charge).Error; err != nil {
		return nil, err
	}
	if charge.ID == 0 {
		return nil, billingdomain.ErrRecurringChargeNotFound
	}
	return &charge, nil
}

func (r *repositoryImpl) UpsertRecurringCharge(ctx context.Context, db *gorm.DB, charge *billingdomain.RecurringCharge) error {
	if charge == nil || charge.EnrollmentID == 0 {
		return errors.New("missing_enrollment_id")
	}

	existing, err := r.FindRecurringChargeByEnrollment(ctx, db, charge.EnrollmentID)
	if err != nil && !errors.Is(err, billingdomain.ErrRecurringChargeNotFound) {
		return err
	}

	if existing == nil {
		return db.WithContext(ctx).Create(charge).Error
	}

	if existing.ExternalID != nil && charge.ExternalID != nil && *existing.ExternalID != *charge.ExternalID {
		return billingdomain.ErrConflictingLink
	}

	values := map[string]any{
		"status":     charge.Status,
		"updated_at": charge.UpdatedAt,
	}
	if charge.Amount > 0 {
		values["amount"] = charge.Amount
	}
	if existing.ExternalID == nil && charge.ExternalID != nil {
		values["external_id"] = *charge.ExternalID
	}
	if charge.ActivatedAt != nil && existing.ActivatedAt == nil {
		values["activated_at"] = *charge.ActivatedAt
	}

	result := db.WithContext(ctx).
		Model(&billingdomain.RecurringCharge{}).
		Where("id = ?", existing.ID).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	charge.ID = existing.ID
	return nil
}

func (r *repositoryImpl) InsertInstallment(ctx context.Context, db *gorm.DB, installment *billingdomain.Installment) (bool, error) {
	if installment == nil || installment.EnrollmentID == 0 {
		return false, errors.New("missing_enrollment_id")
	}

	result := db.WithContext(ctx).Exec(
		`INSERT INTO installments (
			id, org_id, enrollment_id, recurring_charge_id, due_date, amount,
			status, paid_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (enrollment_id, due_date) DO NOTHING`,
		installment.ID,
		installment.OrgID,
		installment.EnrollmentID,
		installment.RecurringChargeID,
		installment.DueDate,
		installment.Amount,
		installment.Status,
		installment.PaidAt,
		installment.CreatedAt,
		installment.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repositoryImpl) ListInstallmentsByEnrollment(ctx context.Context, db *gorm.DB, enrollmentID snowflake.ID) ([]billingdomain.Installment, error) {
	var installments []billingdomain.Installment
	err := db.WithContext(ctx).
		Where("enrollment_id = ?", enrollmentID).
		Order("due_date ASC").
		Find(&installments).Error
	if err != nil {
		return nil, err
	}
	return installments, nil
}
