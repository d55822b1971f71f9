package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	notifdomain "github.com/acsk/AppCheckin-sub006/internal/notification/domain"
	"github.com/acsk/AppCheckin-sub006/internal/testdb"
)

func insertEvent(t *testing.T, db *gorm.DB, node *snowflake.Node, repo notifdomain.Repository, objectID string, receivedAt time.Time) *notifdomain.NotificationEvent {
	t.Helper()
	event := &notifdomain.NotificationEvent{
		ID:               node.Generate(),
		EventType:        notifdomain.EventTypePayment,
		ExternalObjectID: objectID,
		CorrelationToken: "CONTRACT-42-1757900000",
		RawPayload:       datatypes.JSON([]byte(`{"type":"payment","data":{"id":"` + objectID + `"}}`)),
		Outcome:          notifdomain.OutcomePending,
		ReceivedAt:       receivedAt,
	}
	if err := repo.Insert(context.Background(), db, event); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	return event
}

func TestUpdateOutcomePreservesRawPayload(t *testing.T) {
	db := testdb.Open(t)
	node := testdb.Node(t)
	repo := Provide()
	ctx := context.Background()
	now := time.Now().UTC()

	event := insertEvent(t, db, node, repo, "pay-1", now)
	original := string(event.RawPayload)

	processedAt := now.Add(time.Second)
	err := repo.UpdateOutcome(ctx, db, notifdomain.OutcomeUpdate{
		ID:      event.ID,
		Outcome: notifdomain.OutcomeSucceeded,
		ResultDetail: map[string]any{
			notifdomain.ResultKeyTransition: notifdomain.TransitionActivated,
		},
		ProcessedAt: &processedAt,
	})
	if err != nil {
		t.Fatalf("update outcome: %v", err)
	}

	stored, err := repo.FindByID(ctx, db, event.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Outcome != notifdomain.OutcomeSucceeded {
		t.Fatalf("outcome = %s, want succeeded", stored.Outcome)
	}
	if string(stored.RawPayload) != original {
		t.Fatalf("raw payload changed: %s", stored.RawPayload)
	}
	if stored.ProcessedAt == nil {
		t.Fatal("processed_at not set")
	}
}

func TestUpdateOutcomeUnknownEvent(t *testing.T) {
	db := testdb.Open(t)
	repo := Provide()

	err := repo.UpdateOutcome(context.Background(), db, notifdomain.OutcomeUpdate{
		ID:      999,
		Outcome: notifdomain.OutcomeFailed,
	})
	if !errors.Is(err, notifdomain.ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestLockStalePendingHonorsCutoff(t *testing.T) {
	db := testdb.Open(t)
	node := testdb.Node(t)
	repo := Provide()
	ctx := context.Background()
	now := time.Now().UTC()

	stale := insertEvent(t, db, node, repo, "pay-old", now.Add(-time.Hour))
	insertEvent(t, db, node, repo, "pay-new", now.Add(-time.Minute))

	events, err := repo.LockStalePending(ctx, db, now.Add(-10*time.Minute), 10)
	if err != nil {
		t.Fatalf("lock stale pending: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("stale events = %d, want 1", len(events))
	}
	if events[0].ID != stale.ID {
		t.Fatalf("locked %d, want stale event %d", events[0].ID, stale.ID)
	}
}

func TestLockStalePendingSkipsSettled(t *testing.T) {
	db := testdb.Open(t)
	node := testdb.Node(t)
	repo := Provide()
	ctx := context.Background()
	now := time.Now().UTC()

	settled := insertEvent(t, db, node, repo, "pay-1", now.Add(-time.Hour))
	processedAt := now
	err := repo.UpdateOutcome(ctx, db, notifdomain.OutcomeUpdate{
		ID:          settled.ID,
		Outcome:     notifdomain.OutcomeSucceeded,
		ProcessedAt: &processedAt,
	})
	if err != nil {
		t.Fatalf("settle event: %v", err)
	}

	events, err := repo.LockStalePending(ctx, db, now.Add(-10*time.Minute), 10)
	if err != nil {
		t.Fatalf("lock stale pending: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("stale events = %d, want 0", len(events))
	}
}

func TestLockSilentFailuresFingerprint(t *testing.T) {
	db := testdb.Open(t)
	node := testdb.Node(t)
	repo := Provide()
	ctx := context.Background()
	now := time.Now().UTC()

	// Succeeded activation that visibly did nothing: the fingerprint.
	silent := insertEvent(t, db, node, repo, "pay-silent", now.Add(-time.Hour))
	processedAt := now
	err := repo.UpdateOutcome(ctx, db, notifdomain.OutcomeUpdate{
		ID:      silent.ID,
		Outcome: notifdomain.OutcomeSucceeded,
		ResultDetail: map[string]any{
			notifdomain.ResultKeyTransition:           notifdomain.TransitionActivated,
			notifdomain.ResultKeyActivatedEnrollments: "0",
		},
		ProcessedAt: &processedAt,
	})
	if err != nil {
		t.Fatalf("seed silent failure: %v", err)
	}

	// Healthy activation: same transition, nonzero count.
	healthy := insertEvent(t, db, node, repo, "pay-healthy", now.Add(-time.Hour))
	err = repo.UpdateOutcome(ctx, db, notifdomain.OutcomeUpdate{
		ID:      healthy.ID,
		Outcome: notifdomain.OutcomeSucceeded,
		ResultDetail: map[string]any{
			notifdomain.ResultKeyTransition:           notifdomain.TransitionActivated,
			notifdomain.ResultKeyActivatedEnrollments: "3",
		},
		ProcessedAt: &processedAt,
	})
	if err != nil {
		t.Fatalf("seed healthy event: %v", err)
	}

	events, err := repo.LockSilentFailures(ctx, db, 10)
	if err != nil {
		t.Fatalf("lock silent failures: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("silent failures = %d, want 1", len(events))
	}
	if events[0].ID != silent.ID {
		t.Fatalf("locked %d, want silent event %d", events[0].ID, silent.ID)
	}
}

func TestFindLatestByExternalObjectID(t *testing.T) {
	db := testdb.Open(t)
	node := testdb.Node(t)
	repo := Provide()
	ctx := context.Background()
	now := time.Now().UTC()

	insertEvent(t, db, node, repo, "pay-1", now.Add(-time.Hour))
	latest := insertEvent(t, db, node, repo, "pay-1", now.Add(-time.Minute))

	found, err := repo.FindLatestByExternalObjectID(ctx, db, "pay-1")
	if err != nil {
		t.Fatalf("find latest: %v", err)
	}
	if found.ID != latest.ID {
		t.Fatalf("found %d, want latest %d", found.ID, latest.ID)
	}

	if _, err := repo.FindLatestByExternalObjectID(ctx, db, "pay-ghost"); !errors.Is(err, notifdomain.ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestListFiltersAndCapsResults(t *testing.T) {
	db := testdb.Open(t)
	node := testdb.Node(t)
	repo := Provide()
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		insertEvent(t, db, node, repo, "pay-1", now.Add(-time.Duration(i)*time.Minute))
	}

	events, err := repo.List(ctx, db, notifdomain.ListFilter{Outcome: notifdomain.OutcomePending, Limit: 3})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want limit 3", len(events))
	}
	// Newest first.
	if events[0].ReceivedAt.Before(events[1].ReceivedAt) {
		t.Fatal("events not ordered newest first")
	}

	events, err = repo.List(ctx, db, notifdomain.ListFilter{Outcome: notifdomain.OutcomeFailed})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("failed events = %d, want 0", len(events))
	}
}
