// Package testdb opens throwaway in-memory databases with the full
// application schema for repository and service tests.
package testdb

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var schema = []string{
	`CREATE TABLE organizations (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE notification_events (
		id INTEGER PRIMARY KEY,
		org_id INTEGER,
		event_type TEXT NOT NULL,
		external_object_id TEXT NOT NULL,
		correlation_token TEXT,
		raw_payload TEXT NOT NULL,
		outcome TEXT NOT NULL DEFAULT 'pending',
		error_detail TEXT,
		result_detail TEXT,
		received_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE billing_contracts (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		total_amount INTEGER NOT NULL,
		currency TEXT NOT NULL DEFAULT 'BRL',
		status TEXT NOT NULL DEFAULT 'pending',
		external_preference_id TEXT,
		linked_recurring_charge_id TEXT,
		activated_at TIMESTAMP,
		cancelled_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE enrollments (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		contract_id INTEGER NOT NULL,
		member_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		activated_at TIMESTAMP,
		cancelled_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE recurring_charges (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		enrollment_id INTEGER NOT NULL UNIQUE,
		external_id TEXT,
		amount INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending_payment',
		activated_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE installments (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		enrollment_id INTEGER NOT NULL,
		recurring_charge_id INTEGER,
		due_date DATE NOT NULL,
		amount INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'awaiting',
		paid_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (enrollment_id, due_date)
	)`,
	`CREATE TABLE audit_logs (
		id INTEGER PRIMARY KEY,
		org_id INTEGER,
		actor_type TEXT NOT NULL,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		ip_address TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE billing_events (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		dedupe_key TEXT,
		published BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (org_id, dedupe_key)
	)`,
}

// Open returns an in-memory database carrying the same tables as the
// production migrations.
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_pragma=foreign_keys(1)"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	t.Cleanup(func() {
		for _, table := range []string{
			"audit_logs", "billing_events", "installments", "recurring_charges",
			"enrollments", "billing_contracts", "notification_events", "organizations",
		} {
			db.Exec("DROP TABLE IF EXISTS " + table)
		}
	})
	return db
}

// Node returns a snowflake node for minting test ids.
func Node(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}
