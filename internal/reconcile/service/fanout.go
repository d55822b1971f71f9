package service

import (
	"context"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	billingdomain "github.com/acsk/AppCheckin-sub006/internal/billing/domain"
	"github.com/acsk/AppCheckin-sub006/internal/events"
	notifdomain "github.com/acsk/AppCheckin-sub006/internal/notification/domain"
)

// fanOutActivation activates every enrollment under an approved contract
// and records the paid installment that covers each one. The contract total
// is split evenly across enrollments; any remainder lands on the first. The
// whole pass is idempotent: status updates are guarded and installments are
// unique on (enrollment_id, due_date).
func (s *Service) fanOutActivation(ctx context.Context, tx *gorm.DB, contract *billingdomain.BillingContract, event *notifdomain.NotificationEvent, occurredAt time.Time) (activated, created int, err error) {
	enrollments, err := s.billing.ListEnrollmentsByContract(ctx, tx, contract.ID)
	if err != nil {
		return 0, 0, err
	}
	if len(enrollments) == 0 {
		return 0, 0, nil
	}

	// Deterministic order so the remainder always lands on the same
	// enrollment, no matter which delivery ran first.
	sort.Slice(enrollments, func(i, j int) bool { return enrollments[i].ID < enrollments[j].ID })

	// The split covers only enrollments that can still carry an
	// installment; terminal ones would swallow part of the total.
	eligible := make([]*billingdomain.Enrollment, 0, len(enrollments))
	for i := range enrollments {
		enrollment := &enrollments[i]
		if enrollment.Status == billingdomain.EnrollmentStatusCancelled || enrollment.Status == billingdomain.EnrollmentStatusExpired {
			continue
		}
		eligible = append(eligible, enrollment)
	}
	if len(eligible) == 0 {
		return 0, 0, nil
	}

	share := contract.TotalAmount / int64(len(eligible))
	remainder := contract.TotalAmount % int64(len(eligible))
	now := s.clock.Now()

	for i, enrollment := range eligible {
		if enrollment.Status == billingdomain.EnrollmentStatusPending {
			if err := s.billing.UpdateEnrollmentStatus(ctx, tx, enrollment.ID, billingdomain.EnrollmentStatusActive, now); err != nil {
				return activated, created, err
			}
			activated++
			if err := s.publishEnrollment(ctx, tx, events.EventEnrollmentActivated, enrollment, event); err != nil {
				return activated, created, err
			}
		}

		amount := share
		if i == 0 {
			amount += remainder
		}
		inserted, err := s.recordPaidInstallment(ctx, tx, enrollment, nil, amount, event, occurredAt)
		if err != nil {
			return activated, created, err
		}
		created += inserted
	}
	return activated, created, nil
}

// recordPaidInstallment inserts the installment a settled payment covers,
// already marked paid. A duplicate delivery hits the uniqueness guard and
// creates nothing.
func (s *Service) recordPaidInstallment(ctx context.Context, tx *gorm.DB, enrollment *billingdomain.Enrollment, chargeID *snowflake.ID, amount int64, event *notifdomain.NotificationEvent, occurredAt time.Time) (int, error) {
	paidAt := occurredAt
	now := s.clock.Now()
	installment := &billingdomain.Installment{
		ID:                s.genID.Generate(),
		OrgID:             enrollment.OrgID,
		EnrollmentID:      enrollment.ID,
		RecurringChargeID: chargeID,
		DueDate:           occurredAt.Truncate(24 * time.Hour),
		Amount:            amount,
		Status:            billingdomain.InstallmentStatusPaid,
		PaidAt:            &paidAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	inserted, err := s.billing.InsertInstallment(ctx, tx, installment)
	if err != nil {
		return 0, err
	}
	if !inserted {
		return 0, nil
	}

	err = s.outbox.PublishTx(ctx, tx, events.Event{
		OrgID: enrollment.OrgID,
		Type:  events.EventInstallmentCreated,
		Payload: map[string]any{
			"installment_id":        installment.ID.String(),
			"enrollment_id":         enrollment.ID.String(),
			"amount":                amount,
			"due_date":              installment.DueDate.Format("2006-01-02"),
			"notification_event_id": event.ID.String(),
		},
		DedupeKey: events.EventInstallmentCreated + ":" + enrollment.ID.String() + ":" + installment.DueDate.Format("2006-01-02"),
	})
	if err != nil {
		return 0, err
	}
	return 1, nil
}
