package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// ListFilter narrows the audit listing.
type ListFilter struct {
	Action   string
	TargetID string
	StartAt  *time.Time
	EndAt    *time.Time
	Limit    int
}

// Repository appends and reads the audit trail. Entries are never updated
// or deleted.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]AuditLog, error)
}
