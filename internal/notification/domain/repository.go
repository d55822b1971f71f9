package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrEventNotFound = errors.New("notification_event_not_found")
)

// Repository is the append-mostly event store. Raw payloads are written once
// by Insert and never touched again.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *NotificationEvent) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*NotificationEvent, error)
	// FindLatestByExternalObjectID returns the most recent delivery for a
	// gateway object id, used by the operator replay-by-object entry point.
	FindLatestByExternalObjectID(ctx context.Context, db *gorm.DB, externalObjectID string) (*NotificationEvent, error)
	UpdateOutcome(ctx context.Context, db *gorm.DB, update OutcomeUpdate) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]NotificationEvent, error)

	// LockStalePending locks pending events older than the cutoff for replay.
	LockStalePending(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]NotificationEvent, error)
	// LockSilentFailures locks succeeded contract activations whose fan-out
	// activated nothing. That fingerprint is the primary replay trigger for
	// bugs found after the fact.
	LockSilentFailures(ctx context.Context, db *gorm.DB, limit int) ([]NotificationEvent, error)
}
