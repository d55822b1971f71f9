package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	billingdomain "github.com/acsk/AppCheckin-sub006/internal/billing/domain"
	billingrepo "github.com/acsk/AppCheckin-sub006/internal/billing/repository"
	"github.com/acsk/AppCheckin-sub006/internal/events"
	"github.com/acsk/AppCheckin-sub006/internal/gateway"
	notifdomain "github.com/acsk/AppCheckin-sub006/internal/notification/domain"
	notifrepo "github.com/acsk/AppCheckin-sub006/internal/notification/repository"
	"github.com/acsk/AppCheckin-sub006/internal/resolver"
	"github.com/acsk/AppCheckin-sub006/internal/testdb"
)

type fakeGateway struct {
	payments map[string]*gateway.Payment
	charges  map[string]*gateway.RecurringCharge
	err      error
}

func (f *fakeGateway) GetPayment(ctx context.Context, id string) (*gateway.Payment, error) {
	if f.err != nil {
		return nil, f.err
	}
	payment, ok := f.payments[id]
	if !ok {
		return nil, gateway.ErrObjectNotFound
	}
	return payment, nil
}

func (f *fakeGateway) GetRecurringCharge(ctx context.Context, id string) (*gateway.RecurringCharge, error) {
	if f.err != nil {
		return nil, f.err
	}
	charge, ok := f.charges[id]
	if !ok {
		return nil, gateway.ErrObjectNotFound
	}
	return charge, nil
}

// stepClock lets a test move time forward between passes.
type stepClock struct {
	instant time.Time
}

func (c *stepClock) Now() time.Time { return c.instant }

type fixture struct {
	db      *gorm.DB
	node    *snowflake.Node
	gateway *fakeGateway
	svc     *Service
	events  notifdomain.Repository
	billing billingdomain.Repository
	clk     *stepClock
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testdb.Open(t)
	node := testdb.Node(t)
	gw := &fakeGateway{
		payments: map[string]*gateway.Payment{},
		charges:  map[string]*gateway.RecurringCharge{},
	}
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	clk := &stepClock{instant: now}

	eventRepo := notifrepo.Provide()
	billingRepo := billingrepo.Provide()

	svc := NewService(ServiceParam{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		EventRepo:   eventRepo,
		BillingRepo: billingRepo,
		Gateway:     gw,
		Resolver:    resolver.New(db, zap.NewNop()),
		Outbox:      events.NewOutbox(db, node),
	}).(*Service)

	return &fixture{
		db:      db,
		node:    node,
		gateway: gw,
		svc:     svc,
		events:  eventRepo,
		billing: billingRepo,
		clk:     clk,
		now:     now,
	}
}

func (f *fixture) seedOrg(t *testing.T, id snowflake.ID) {
	t.Helper()
	err := f.db.Exec(`INSERT INTO organizations (id, name, slug) VALUES (?, ?, ?)`,
		int64(id), "org", id.String()).Error
	if err != nil {
		t.Fatalf("seed org: %v", err)
	}
}

func (f *fixture) seedContract(t *testing.T, orgID snowflake.ID, total int64, enrollments int) (snowflake.ID, []snowflake.ID) {
	t.Helper()
	contractID := f.node.Generate()
	err := f.db.Exec(
		`INSERT INTO billing_contracts (id, org_id, total_amount, status) VALUES (?, ?, ?, 'pending')`,
		int64(contractID), int64(orgID), total).Error
	if err != nil {
		t.Fatalf("seed contract: %v", err)
	}
	ids := make([]snowflake.ID, 0, enrollments)
	for i := 0; i < enrollments; i++ {
		id := f.node.Generate()
		err := f.db.Exec(
			`INSERT INTO enrollments (id, org_id, contract_id, member_name, status) VALUES (?, ?, ?, ?, 'pending')`,
			int64(id), int64(orgID), int64(contractID), "member").Error
		if err != nil {
			t.Fatalf("seed enrollment: %v", err)
		}
		ids = append(ids, id)
	}
	return contractID, ids
}

func (f *fixture) storeEvent(t *testing.T, eventType, objectID, token string) snowflake.ID {
	t.Helper()
	event := &notifdomain.NotificationEvent{
		ID:               f.node.Generate(),
		EventType:        eventType,
		ExternalObjectID: objectID,
		CorrelationToken: token,
		RawPayload:       datatypes.JSON([]byte(`{"type":"` + eventType + `"}`)),
		Outcome:          notifdomain.OutcomePending,
		ReceivedAt:       f.now,
	}
	if err := f.events.Insert(context.Background(), f.db, event); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	return event.ID
}

func (f *fixture) contractToken(contractID snowflake.ID) string {
	return "CONTRACT-" + contractID.String() + "-1757900000"
}

func (f *fixture) countInstallments(t *testing.T) int {
	t.Helper()
	var n int
	if err := f.db.Raw(`SELECT COUNT(*) FROM installments`).Scan(&n).Error; err != nil {
		t.Fatalf("count installments: %v", err)
	}
	return n
}

func (f *fixture) sumInstallments(t *testing.T) int64 {
	t.Helper()
	var total int64
	if err := f.db.Raw(`SELECT COALESCE(SUM(amount), 0) FROM installments`).Scan(&total).Error; err != nil {
		t.Fatalf("sum installments: %v", err)
	}
	return total
}

func TestApprovedPaymentActivatesContract(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, 100)
	contractID, enrollIDs := f.seedContract(t, 100, 30000, 3)

	f.gateway.payments["pay-1"] = &gateway.Payment{
		ID: "pay-1", Status: gateway.StatusApproved,
		Amount: 30000, ExternalReference: f.contractToken(contractID),
	}
	eventID := f.storeEvent(t, notifdomain.EventTypePayment, "pay-1", f.contractToken(contractID))

	result, err := f.svc.Process(context.Background(), eventID)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Outcome != notifdomain.OutcomeSucceeded {
		t.Fatalf("outcome = %s, want succeeded", result.Outcome)
	}
	if result.Transition != notifdomain.TransitionActivated {
		t.Fatalf("transition = %s, want activated", result.Transition)
	}
	if result.ActivatedEnrollments != 3 {
		t.Fatalf("activated = %d, want 3", result.ActivatedEnrollments)
	}
	if result.InstallmentsCreated != 3 {
		t.Fatalf("installments = %d, want 3", result.InstallmentsCreated)
	}

	contract, err := f.billing.LockContract(context.Background(), f.db, contractID)
	if err != nil {
		t.Fatalf("load contract: %v", err)
	}
	if contract.Status != billingdomain.ContractStatusActive {
		t.Fatalf("contract status = %s, want active", contract.Status)
	}
	for _, id := range enrollIDs {
		enrollment, err := f.billing.LockEnrollment(context.Background(), f.db, id)
		if err != nil {
			t.Fatalf("load enrollment: %v", err)
		}
		if enrollment.Status != billingdomain.EnrollmentStatusActive {
			t.Fatalf("enrollment %d status = %s, want active", id, enrollment.Status)
		}
	}
	if got := f.sumInstallments(t); got != 30000 {
		t.Fatalf("installment sum = %d, want contract total 30000", got)
	}
}

func TestRepeatedProcessingIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, 100)
	contractID, _ := f.seedContract(t, 100, 30000, 5)

	f.gateway.payments["pay-1"] = &gateway.Payment{
		ID: "pay-1", Status: gateway.StatusApproved,
		Amount: 30000, ExternalReference: f.contractToken(contractID),
	}
	eventID := f.storeEvent(t, notifdomain.EventTypePayment, "pay-1", f.contractToken(contractID))

	for i := 0; i < 3; i++ {
		if _, err := f.svc.Process(context.Background(), eventID); err != nil {
			t.Fatalf("Process #%d: %v", i+1, err)
		}
	}
	if got := f.countInstallments(t); got != 5 {
		t.Fatalf("installments after 3 passes = %d, want 5", got)
	}
	if got := f.sumInstallments(t); got != 30000 {
		t.Fatalf("installment sum = %d, want 30000", got)
	}
}

func TestDuplicateWebhookDoesNotDoubleCharge(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, 100)
	contractID, _ := f.seedContract(t, 100, 30000, 5)

	f.gateway.payments["pay-1"] = &gateway.Payment{
		ID: "pay-1", Status: gateway.StatusApproved,
		Amount: 30000, ExternalReference: f.contractToken(contractID),
	}
	// Two separate deliveries for the same payment.
	first := f.storeEvent(t, notifdomain.EventTypePayment, "pay-1", f.contractToken(contractID))
	second := f.storeEvent(t, notifdomain.EventTypePayment, "pay-1", f.contractToken(contractID))

	if _, err := f.svc.Process(context.Background(), first); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	result, err := f.svc.Process(context.Background(), second)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if result.Outcome != notifdomain.OutcomeSucceeded {
		t.Fatalf("second outcome = %s, want succeeded", result.Outcome)
	}
	if result.ActivatedEnrollments != 0 || result.InstallmentsCreated != 0 {
		t.Fatalf("second delivery changed state: activated=%d created=%d",
			result.ActivatedEnrollments, result.InstallmentsCreated)
	}
	if got := f.countInstallments(t); got != 5 {
		t.Fatalf("installments = %d, want 5 not 10", got)
	}
}

func TestRemainderLandsOnFirstEnrollment(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, 100)
	contractID, _ := f.seedContract(t, 100, 10000, 3)

	f.gateway.payments["pay-1"] = &gateway.Payment{
		ID: "pay-1", Status: gateway.StatusApproved,
		Amount: 10000, ExternalReference: f.contractToken(contractID),
	}
	eventID := f.storeEvent(t, notifdomain.EventTypePayment, "pay-1", f.contractToken(contractID))

	if _, err := f.svc.Process(context.Background(), eventID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	var amounts []int64
	err := f.db.Raw(`SELECT amount FROM installments ORDER BY enrollment_id`).Scan(&amounts).Error
	if err != nil {
		t.Fatalf("load amounts: %v", err)
	}
	want := []int64{3334, 3333, 3333}
	if len(amounts) != len(want) {
		t.Fatalf("installments = %d, want %d", len(amounts), len(want))
	}
	var sum int64
	for i, amount := range amounts {
		if amount != want[i] {
			t.Fatalf("amount[%d] = %d, want %d", i, amount, want[i])
		}
		sum += amount
	}
	if sum != 10000 {
		t.Fatalf("sum = %d, want exactly the contract total", sum)
	}
}

func TestUnsettledStatusKeepsEventPending(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, 100)
	contractID, _ := f.seedContract(t, 100, 30000, 2)

	f.gateway.payments["pay-1"] = &gateway.Payment{
		ID: "pay-1", Status: gateway.StatusPending,
		Amount: 30000, ExternalReference: f.contractToken(contractID),
	}
	eventID := f.storeEvent(t, notifdomain.EventTypePayment, "pay-1", f.contractToken(contractID))

	result, err := f.svc.Process(context.Background(), eventID)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Outcome != notifdomain.OutcomePending {
		t.Fatalf("outcome = %s, want pending", result.Outcome)
	}
	contract, _ := f.billing.LockContract(context.Background(), f.db, contractID)
	if contract.Status != billingdomain.ContractStatusPending {
		t.Fatalf("contract moved to %s on an unsettled payment", contract.Status)
	}

	// The payment settles; the same stored event now completes.
	f.gateway.payments["pay-1"].Status = gateway.StatusApproved
	result, err = f.svc.Process(context.Background(), eventID)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if result.Outcome != notifdomain.OutcomeSucceeded || result.ActivatedEnrollments != 2 {
		t.Fatalf("second pass: outcome=%s activated=%d", result.Outcome, result.ActivatedEnrollments)
	}
}

func TestGatewayOutageLeavesEventPending(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, 100)
	contractID, _ := f.seedContract(t, 100, 30000, 1)

	f.gateway.err = gateway.ErrUnavailable
	eventID := f.storeEvent(t, notifdomain.EventTypePayment, "pay-1", f.contractToken(contractID))

	result, err := f.svc.Process(context.Background(), eventID)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Outcome != notifdomain.OutcomePending {
		t.Fatalf("outcome = %s, want pending during outage", result.Outcome)
	}
	stored, err := f.events.FindByID(context.Background(), f.db, eventID)
	if err != nil {
		t.Fatalf("reload event: %v", err)
	}
	if stored.Outcome != notifdomain.OutcomePending {
		t.Fatalf("stored outcome = %s, want pending", stored.Outcome)
	}
	if stored.ProcessedAt != nil {
		t.Fatal("processed_at set for an unreconciled event")
	}
}

func TestRejectedPaymentCancelsContract(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, 100)
	contractID, enrollIDs := f.seedContract(t, 100, 30000, 2)

	f.gateway.payments["pay-1"] = &gateway.Payment{
		ID: "pay-1", Status: gateway.StatusRejected,
		ExternalReference: f.contractToken(contractID),
	}
	eventID := f.storeEvent(t, notifdomain.EventTypePayment, "pay-1", f.contractToken(contractID))

	result, err := f.svc.Process(context.Background(), eventID)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Transition != notifdomain.TransitionCancelled {
		t.Fatalf("transition = %s, want cancelled", result.Transition)
	}
	contract, _ := f.billing.LockContract(context.Background(), f.db, contractID)
	if contract.Status != billingdomain.ContractStatusCancelled {
		t.Fatalf("contract status = %s, want cancelled", contract.Status)
	}
	for _, id := range enrollIDs {
		enrollment, _ := f.billing.LockEnrollment(context.Background(), f.db, id)
		if enrollment.Status != billingdomain.EnrollmentStatusCancelled {
			t.Fatalf("enrollment status = %s, want cancelled", enrollment.Status)
		}
	}
	if got := f.countInstallments(t); got != 0 {
		t.Fatalf("rejected payment created %d installments", got)
	}
}

func TestLateApprovalAfterCancellationIsNoop(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, 100)
	contractID, _ := f.seedContract(t, 100, 30000, 2)

	f.gateway.payments["pay-1"] = &gateway.Payment{
		ID: "pay-1", Status: gateway.StatusRejected,
		ExternalReference: f.contractToken(contractID),
	}
	rejected := f.storeEvent(t, notifdomain.EventTypePayment, "pay-1", f.contractToken(contractID))
	if _, err := f.svc.Process(context.Background(), rejected); err != nil {
		t.Fatalf("rejection: %v", err)
	}

	f.gateway.payments["pay-2"] = &gateway.Payment{
		ID: "pay-2", Status: gateway.StatusApproved,
		Amount: 30000, ExternalReference: f.contractToken(contractID),
	}
	late := f.storeEvent(t, notifdomain.EventTypePayment, "pay-2", f.contractToken(contractID))
	result, err := f.svc.Process(context.Background(), late)
	if err != nil {
		t.Fatalf("late approval: %v", err)
	}
	if result.Transition != notifdomain.TransitionNoop {
		t.Fatalf("transition = %s, want noop", result.Transition)
	}
	contract, _ := f.billing.LockContract(context.Background(), f.db, contractID)
	if contract.Status != billingdomain.ContractStatusCancelled {
		t.Fatalf("late approval resurrected a cancelled contract: %s", contract.Status)
	}
}

func TestTenantMismatchFailsEvent(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, 100)
	f.seedOrg(t, 200)
	contractID, _ := f.seedContract(t, 100, 30000, 1)

	f.gateway.payments["pay-1"] = &gateway.Payment{
		ID: "pay-1", Status: gateway.StatusApproved,
		Amount: 30000, ExternalReference: f.contractToken(contractID),
	}
	eventID := f.storeEvent(t, notifdomain.EventTypePayment, "pay-1", f.contractToken(contractID))
	// The event was recorded under a different organization.
	otherOrg := int64(200)
	if err := f.db.Exec(`UPDATE notification_events SET org_id = ? WHERE id = ?`, otherOrg, int64(eventID)).Error; err != nil {
		t.Fatalf("set org hint: %v", err)
	}

	result, err := f.svc.Process(context.Background(), eventID)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Outcome != notifdomain.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed on cross-tenant reference", result.Outcome)
	}
	contract, _ := f.billing.LockContract(context.Background(), f.db, contractID)
	if contract.Status != billingdomain.ContractStatusPending {
		t.Fatalf("cross-tenant event mutated the contract: %s", contract.Status)
	}
}

func TestMetadataTenantHintIsEnforced(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, 100)
	f.seedOrg(t, 200)
	contractID, _ := f.seedContract(t, 100, 30000, 2)

	// The gateway object itself claims org 200 while pointing at an
	// org-100 contract. The first delivery has no stored org, so the
	// metadata claim is the only tenant signal.
	f.gateway.payments["pay-1"] = &gateway.Payment{
		ID: "pay-1", Status: gateway.StatusApproved,
		Amount: 30000,
		Metadata: map[string]string{
			"contract_id": contractID.String(),
			"org_id":      "200",
			"tenant_id":   "200",
		},
	}
	eventID := f.storeEvent(t, notifdomain.EventTypePayment, "pay-1", "")

	result, err := f.svc.Process(context.Background(), eventID)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Outcome != notifdomain.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed on a cross-tenant metadata claim", result.Outcome)
	}
	contract, _ := f.billing.LockContract(context.Background(), f.db, contractID)
	if contract.Status != billingdomain.ContractStatusPending {
		t.Fatalf("cross-tenant claim mutated the contract: %s", contract.Status)
	}
	if got := f.countInstallments(t); got != 0 {
		t.Fatalf("cross-tenant claim created %d installments", got)
	}
}

func TestReplayDaysLaterDoesNotDoubleCharge(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, 100)
	contractID, _ := f.seedContract(t, 100, 30000, 3)

	// No approval timestamp on the payment; the due date must still be
	// anchored to the delivery, not to whenever a replay happens to run.
	f.gateway.payments["pay-1"] = &gateway.Payment{
		ID: "pay-1", Status: gateway.StatusApproved,
		Amount: 30000, ExternalReference: f.contractToken(contractID),
	}
	eventID := f.storeEvent(t, notifdomain.EventTypePayment, "pay-1", f.contractToken(contractID))

	if _, err := f.svc.Process(context.Background(), eventID); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if got := f.countInstallments(t); got != 3 {
		t.Fatalf("installments after first pass = %d, want 3", got)
	}

	f.clk.instant = f.clk.instant.Add(48 * time.Hour)
	result, err := f.svc.Process(context.Background(), eventID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.InstallmentsCreated != 0 {
		t.Fatalf("replay created %d installments", result.InstallmentsCreated)
	}
	if got := f.countInstallments(t); got != 3 {
		t.Fatalf("installments after replay = %d, want 3 not 6", got)
	}
	if got := f.sumInstallments(t); got != 30000 {
		t.Fatalf("installment sum = %d, want 30000", got)
	}
}

func TestSplitCoversOnlyEligibleEnrollments(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, 100)
	contractID, enrollIDs := f.seedContract(t, 100, 10000, 3)

	// The lowest-id enrollment is already terminal before the payment
	// settles; the split must cover the remaining two in full.
	err := f.db.Exec(`UPDATE enrollments SET status = 'cancelled' WHERE id = ?`, int64(enrollIDs[0])).Error
	if err != nil {
		t.Fatalf("cancel enrollment: %v", err)
	}

	f.gateway.payments["pay-1"] = &gateway.Payment{
		ID: "pay-1", Status: gateway.StatusApproved,
		Amount: 10000, ExternalReference: f.contractToken(contractID),
	}
	eventID := f.storeEvent(t, notifdomain.EventTypePayment, "pay-1", f.contractToken(contractID))

	result, err := f.svc.Process(context.Background(), eventID)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.ActivatedEnrollments != 2 || result.InstallmentsCreated != 2 {
		t.Fatalf("activated=%d created=%d, want 2 and 2",
			result.ActivatedEnrollments, result.InstallmentsCreated)
	}

	var amounts []int64
	if err := f.db.Raw(`SELECT amount FROM installments ORDER BY enrollment_id`).Scan(&amounts).Error; err != nil {
		t.Fatalf("load amounts: %v", err)
	}
	want := []int64{5000, 5000}
	if len(amounts) != len(want) {
		t.Fatalf("installments = %d, want %d", len(amounts), len(want))
	}
	for i, amount := range amounts {
		if amount != want[i] {
			t.Fatalf("amount[%d] = %d, want %d", i, amount, want[i])
		}
	}
	if got := f.sumInstallments(t); got != 10000 {
		t.Fatalf("sum = %d, want the full contract total", got)
	}
}

func TestUnresolvableReferenceFails(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, 100)

	f.gateway.payments["pay-1"] = &gateway.Payment{
		ID: "pay-1", Status: gateway.StatusApproved,
		Amount: 30000, ExternalReference: "ORDER-42-1757900000",
	}
	eventID := f.storeEvent(t, notifdomain.EventTypePayment, "pay-1", "ORDER-42-1757900000")

	result, err := f.svc.Process(context.Background(), eventID)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Outcome != notifdomain.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", result.Outcome)
	}
	stored, _ := f.events.FindByID(context.Background(), f.db, eventID)
	if stored.ErrorDetail == nil || *stored.ErrorDetail == "" {
		t.Fatal("failed event carries no error detail")
	}
}

func TestRecurringChargeLinksContractOnce(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, 100)
	contractID, enrollIDs := f.seedContract(t, 100, 30000, 1)
	token := "SUB-" + enrollIDs[0].String() + "-1757900000"

	f.gateway.charges["sub-1"] = &gateway.RecurringCharge{
		ID: "sub-1", Status: gateway.StatusApproved,
		Amount: 10000, ExternalReference: token,
	}
	eventID := f.storeEvent(t, notifdomain.EventTypeRecurringCharge, "sub-1", token)

	result, err := f.svc.Process(context.Background(), eventID)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Transition != notifdomain.TransitionLinked {
		t.Fatalf("transition = %s, want linked", result.Transition)
	}

	contract, _ := f.billing.LockContract(context.Background(), f.db, contractID)
	if contract.LinkedRecurringChargeID == nil || *contract.LinkedRecurringChargeID != "sub-1" {
		t.Fatalf("contract link = %v, want sub-1", contract.LinkedRecurringChargeID)
	}

	// Same subscription again: idempotent.
	if _, err := f.svc.Process(context.Background(), eventID); err != nil {
		t.Fatalf("repeat: %v", err)
	}

	// A different subscription may not steal the link.
	otherToken := token
	f.gateway.charges["sub-2"] = &gateway.RecurringCharge{
		ID: "sub-2", Status: gateway.StatusApproved,
		Amount: 10000, ExternalReference: otherToken,
	}
	conflicting := f.storeEvent(t, notifdomain.EventTypeRecurringCharge, "sub-2", otherToken)
	result, err = f.svc.Process(context.Background(), conflicting)
	if err != nil {
		t.Fatalf("conflicting: %v", err)
	}
	if result.Outcome != notifdomain.OutcomeFailed {
		t.Fatalf("conflicting link outcome = %s, want failed", result.Outcome)
	}
	contract, _ = f.billing.LockContract(context.Background(), f.db, contractID)
	if *contract.LinkedRecurringChargeID != "sub-1" {
		t.Fatalf("link re-pointed to %s", *contract.LinkedRecurringChargeID)
	}
}

func TestRecurringChargeResolvedFromMetadata(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, 100)
	contractID, enrollIDs := f.seedContract(t, 100, 30000, 1)

	// No correlation token at all; the subscription names its enrollment
	// in metadata and must still take the charge path, not the bare
	// enrollment one.
	f.gateway.charges["sub-1"] = &gateway.RecurringCharge{
		ID: "sub-1", Status: gateway.StatusApproved,
		Amount:   10000,
		Metadata: map[string]string{"enrollment_id": enrollIDs[0].String()},
	}
	eventID := f.storeEvent(t, notifdomain.EventTypeRecurringCharge, "sub-1", "")

	result, err := f.svc.Process(context.Background(), eventID)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Transition != notifdomain.TransitionLinked {
		t.Fatalf("transition = %s, want linked", result.Transition)
	}

	charge, err := f.billing.FindRecurringChargeByEnrollment(context.Background(), f.db, enrollIDs[0])
	if err != nil {
		t.Fatalf("load charge: %v", err)
	}
	if charge.ExternalID == nil || *charge.ExternalID != "sub-1" {
		t.Fatalf("charge external id = %v, want sub-1", charge.ExternalID)
	}
	contract, _ := f.billing.LockContract(context.Background(), f.db, contractID)
	if contract.LinkedRecurringChargeID == nil || *contract.LinkedRecurringChargeID != "sub-1" {
		t.Fatalf("contract link = %v, want sub-1", contract.LinkedRecurringChargeID)
	}
}

func TestRecurringChargeCancellation(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, 100)
	_, enrollIDs := f.seedContract(t, 100, 30000, 1)
	token := "SUB-" + enrollIDs[0].String() + "-1757900000"

	f.gateway.charges["sub-1"] = &gateway.RecurringCharge{
		ID: "sub-1", Status: gateway.StatusApproved,
		Amount: 10000, ExternalReference: token,
	}
	activate := f.storeEvent(t, notifdomain.EventTypeRecurringCharge, "sub-1", token)
	if _, err := f.svc.Process(context.Background(), activate); err != nil {
		t.Fatalf("activate: %v", err)
	}

	f.gateway.charges["sub-1"].Status = gateway.StatusCancelled
	cancel := f.storeEvent(t, notifdomain.EventTypeRecurringCharge, "sub-1", token)
	result, err := f.svc.Process(context.Background(), cancel)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if result.Transition != notifdomain.TransitionCancelled {
		t.Fatalf("transition = %s, want cancelled", result.Transition)
	}
	enrollment, _ := f.billing.LockEnrollment(context.Background(), f.db, enrollIDs[0])
	if enrollment.Status != billingdomain.EnrollmentStatusCancelled {
		t.Fatalf("enrollment status = %s, want cancelled", enrollment.Status)
	}
	charge, err := f.billing.FindRecurringChargeByEnrollment(context.Background(), f.db, enrollIDs[0])
	if err != nil {
		t.Fatalf("load charge: %v", err)
	}
	if charge.Status != billingdomain.RecurringChargeStatusCancelled {
		t.Fatalf("charge status = %s, want cancelled", charge.Status)
	}
}

func TestOutboxEventsDeduplicateAcrossReplays(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, 100)
	contractID, _ := f.seedContract(t, 100, 30000, 2)

	f.gateway.payments["pay-1"] = &gateway.Payment{
		ID: "pay-1", Status: gateway.StatusApproved,
		Amount: 30000, ExternalReference: f.contractToken(contractID),
	}
	eventID := f.storeEvent(t, notifdomain.EventTypePayment, "pay-1", f.contractToken(contractID))

	for i := 0; i < 3; i++ {
		if _, err := f.svc.Process(context.Background(), eventID); err != nil {
			t.Fatalf("Process #%d: %v", i+1, err)
		}
	}

	var n int
	err := f.db.Raw(`SELECT COUNT(*) FROM billing_events WHERE event_type = ?`, events.EventContractActivated).Scan(&n).Error
	if err != nil {
		t.Fatalf("count billing events: %v", err)
	}
	if n != 1 {
		t.Fatalf("contract.activated published %d times, want 1", n)
	}
}
