package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	billingdomain "github.com/acsk/AppCheckin-sub006/internal/billing/domain"
	"github.com/acsk/AppCheckin-sub006/internal/testdb"
)

func seedContract(t *testing.T, db *gorm.DB, node *snowflake.Node, total int64) snowflake.ID {
	t.Helper()
	if err := db.Exec(`INSERT INTO organizations (id, name, slug) VALUES (100, 'org', 'org') ON CONFLICT DO NOTHING`).Error; err != nil {
		t.Fatalf("seed org: %v", err)
	}
	id := node.Generate()
	err := db.Exec(`INSERT INTO billing_contracts (id, org_id, total_amount, status) VALUES (?, 100, ?, 'pending')`,
		int64(id), total).Error
	if err != nil {
		t.Fatalf("seed contract: %v", err)
	}
	return id
}

func seedEnrollment(t *testing.T, db *gorm.DB, node *snowflake.Node, contractID snowflake.ID) snowflake.ID {
	t.Helper()
	id := node.Generate()
	err := db.Exec(`INSERT INTO enrollments (id, org_id, contract_id, status) VALUES (?, 100, ?, 'pending')`,
		int64(id), int64(contractID)).Error
	if err != nil {
		t.Fatalf("seed enrollment: %v", err)
	}
	return id
}

func TestLinkRecurringChargeSetOnce(t *testing.T) {
	db := testdb.Open(t)
	node := testdb.Node(t)
	repo := Provide()
	ctx := context.Background()
	now := time.Now().UTC()

	contractID := seedContract(t, db, node, 30000)

	if err := repo.LinkRecurringCharge(ctx, db, contractID, "sub-1", now); err != nil {
		t.Fatalf("first link: %v", err)
	}
	// Same value again is a no-op.
	if err := repo.LinkRecurringCharge(ctx, db, contractID, "sub-1", now); err != nil {
		t.Fatalf("repeat link: %v", err)
	}
	// A different value is a conflict, and the stored link survives.
	err := repo.LinkRecurringCharge(ctx, db, contractID, "sub-2", now)
	if !errors.Is(err, billingdomain.ErrConflictingLink) {
		t.Fatalf("expected ErrConflictingLink, got %v", err)
	}

	contract, err := repo.LockContract(ctx, db, contractID)
	if err != nil {
		t.Fatalf("load contract: %v", err)
	}
	if contract.LinkedRecurringChargeID == nil || *contract.LinkedRecurringChargeID != "sub-1" {
		t.Fatalf("link = %v, want sub-1", contract.LinkedRecurringChargeID)
	}
}

func TestLinkRecurringChargeMissingContract(t *testing.T) {
	db := testdb.Open(t)
	repo := Provide()

	err := repo.LinkRecurringCharge(context.Background(), db, 999, "sub-1", time.Now().UTC())
	if !errors.Is(err, billingdomain.ErrContractNotFound) {
		t.Fatalf("expected ErrContractNotFound, got %v", err)
	}
}

func TestInsertInstallmentIdempotent(t *testing.T) {
	db := testdb.Open(t)
	node := testdb.Node(t)
	repo := Provide()
	ctx := context.Background()

	contractID := seedContract(t, db, node, 30000)
	enrollmentID := seedEnrollment(t, db, node, contractID)
	dueDate := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	first := &billingdomain.Installment{
		ID:           node.Generate(),
		OrgID:        100,
		EnrollmentID: enrollmentID,
		DueDate:      dueDate,
		Amount:       10000,
		Status:       billingdomain.InstallmentStatusPaid,
	}
	inserted, err := repo.InsertInstallment(ctx, db, first)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !inserted {
		t.Fatal("first insert reported no row created")
	}

	duplicate := &billingdomain.Installment{
		ID:           node.Generate(),
		OrgID:        100,
		EnrollmentID: enrollmentID,
		DueDate:      dueDate,
		Amount:       10000,
		Status:       billingdomain.InstallmentStatusPaid,
	}
	inserted, err = repo.InsertInstallment(ctx, db, duplicate)
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if inserted {
		t.Fatal("duplicate insert reported a row created")
	}

	installments, err := repo.ListInstallmentsByEnrollment(ctx, db, enrollmentID)
	if err != nil {
		t.Fatalf("list installments: %v", err)
	}
	if len(installments) != 1 {
		t.Fatalf("installments = %d, want 1", len(installments))
	}
}

func TestInsertInstallmentDifferentDueDates(t *testing.T) {
	db := testdb.Open(t)
	node := testdb.Node(t)
	repo := Provide()
	ctx := context.Background()

	contractID := seedContract(t, db, node, 30000)
	enrollmentID := seedEnrollment(t, db, node, contractID)

	for day := 1; day <= 3; day++ {
		installment := &billingdomain.Installment{
			ID:           node.Generate(),
			OrgID:        100,
			EnrollmentID: enrollmentID,
			DueDate:      time.Date(2026, 4, day, 0, 0, 0, 0, time.UTC),
			Amount:       10000,
			Status:       billingdomain.InstallmentStatusAwaiting,
		}
		inserted, err := repo.InsertInstallment(ctx, db, installment)
		if err != nil || !inserted {
			t.Fatalf("insert day %d: inserted=%v err=%v", day, inserted, err)
		}
	}

	installments, err := repo.ListInstallmentsByEnrollment(ctx, db, enrollmentID)
	if err != nil {
		t.Fatalf("list installments: %v", err)
	}
	if len(installments) != 3 {
		t.Fatalf("installments = %d, want 3", len(installments))
	}
}

func TestUpsertRecurringChargeExternalIDSetOnce(t *testing.T) {
	db := testdb.Open(t)
	node := testdb.Node(t)
	repo := Provide()
	ctx := context.Background()
	now := time.Now().UTC()

	contractID := seedContract(t, db, node, 30000)
	enrollmentID := seedEnrollment(t, db, node, contractID)

	external := "sub-1"
	charge := &billingdomain.RecurringCharge{
		ID:           node.Generate(),
		OrgID:        100,
		EnrollmentID: enrollmentID,
		ExternalID:   &external,
		Amount:       10000,
		Status:       billingdomain.RecurringChargeStatusActive,
		UpdatedAt:    now,
	}
	if err := repo.UpsertRecurringCharge(ctx, db, charge); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Transitioning status under the same external id is fine.
	update := &billingdomain.RecurringCharge{
		EnrollmentID: enrollmentID,
		ExternalID:   &external,
		Status:       billingdomain.RecurringChargeStatusCancelled,
		UpdatedAt:    now,
	}
	if err := repo.UpsertRecurringCharge(ctx, db, update); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Re-pointing to a different gateway subscription is not.
	other := "sub-2"
	conflict := &billingdomain.RecurringCharge{
		EnrollmentID: enrollmentID,
		ExternalID:   &other,
		Status:       billingdomain.RecurringChargeStatusActive,
		UpdatedAt:    now,
	}
	err := repo.UpsertRecurringCharge(ctx, db, conflict)
	if !errors.Is(err, billingdomain.ErrConflictingLink) {
		t.Fatalf("expected ErrConflictingLink, got %v", err)
	}

	stored, err := repo.FindRecurringChargeByEnrollment(ctx, db, enrollmentID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.ExternalID == nil || *stored.ExternalID != "sub-1" {
		t.Fatalf("external id = %v, want sub-1", stored.ExternalID)
	}
	if stored.Status != billingdomain.RecurringChargeStatusCancelled {
		t.Fatalf("status = %s, want cancelled", stored.Status)
	}
}
