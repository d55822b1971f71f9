package db

import (
	"fmt"

	"gorm.io/gorm"
)

// LockingClause returns the pessimistic lock suffix for the active dialect.
// sqlite (used in tests) has no row locks; its single-writer model makes the
// clause unnecessary there.
func LockingClause(conn *gorm.DB) string {
	if conn != nil && conn.Dialector != nil && conn.Dialector.Name() == "postgres" {
		return "FOR UPDATE"
	}
	return ""
}

// SkipLockedClause is LockingClause plus SKIP LOCKED for worker batches.
func SkipLockedClause(conn *gorm.DB) string {
	if conn != nil && conn.Dialector != nil && conn.Dialector.Name() == "postgres" {
		return "FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// JSONTextField renders a dialect-correct expression extracting a JSON key
// as text from a jsonb/json column.
func JSONTextField(conn *gorm.DB, column, key string) string {
	if conn != nil && conn.Dialector != nil && conn.Dialector.Name() == "postgres" {
		return fmt.Sprintf("%s->>'%s'", column, key)
	}
	return fmt.Sprintf("json_extract(%s, '$.%s')", column, key)
}
