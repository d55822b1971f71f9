package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Organization is a tenant. Every billing entity and every resolved
// notification belongs to exactly one organization.
type Organization struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Name      string       `gorm:"type:text;not null"`
	Slug      string       `gorm:"type:text;not null;uniqueIndex"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Organization) TableName() string { return "organizations" }
