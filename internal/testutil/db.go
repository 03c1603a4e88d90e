// Package testutil provides the shared sqlite fixture used by package tests.
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/snowflake"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// schema mirrors the production migrations closely enough for the service
// tests. Kept as plain SQL so the tests do not depend on the migration
// runner.
const schema = `
CREATE TABLE contracts (
	id INTEGER PRIMARY KEY,
	company_id INTEGER NOT NULL,
	contract_number TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	contract_amount NUMERIC NOT NULL DEFAULT 0,
	monthly_amount NUMERIC NOT NULL DEFAULT 0,
	total_paid NUMERIC NOT NULL DEFAULT 0,
	balance_due NUMERIC NOT NULL DEFAULT 0,
	late_fine_amount NUMERIC NOT NULL DEFAULT 0,
	days_overdue INTEGER NOT NULL DEFAULT 0,
	start_date DATETIME,
	end_date DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE payments (
	id INTEGER PRIMARY KEY,
	contract_id INTEGER NOT NULL REFERENCES contracts(id),
	amount NUMERIC NOT NULL,
	payment_date DATETIME NOT NULL,
	payment_status TEXT NOT NULL DEFAULT 'pending',
	processing_status TEXT NOT NULL DEFAULT 'new',
	processing_notes TEXT NOT NULL DEFAULT '',
	payment_method TEXT,
	payment_type TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX idx_payments_contract ON payments(contract_id);

CREATE TABLE invoices (
	id INTEGER PRIMARY KEY,
	company_id INTEGER NOT NULL,
	contract_id INTEGER NOT NULL REFERENCES contracts(id),
	invoice_number TEXT NOT NULL,
	billing_period DATETIME NOT NULL,
	amount NUMERIC NOT NULL,
	status TEXT NOT NULL DEFAULT 'draft',
	due_date DATETIME NOT NULL,
	replaced_by_id INTEGER,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX uq_invoices_contract_period
	ON invoices(contract_id, billing_period)
	WHERE status <> 'cancelled';

CREATE TABLE fine_settings (
	id INTEGER PRIMARY KEY,
	company_id INTEGER NOT NULL,
	fine_type TEXT NOT NULL,
	fine_rate NUMERIC NOT NULL DEFAULT 0,
	grace_period_days INTEGER NOT NULL DEFAULT 0,
	max_fine_amount NUMERIC,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE audit_logs (
	id INTEGER PRIMARY KEY,
	company_id INTEGER,
	actor_type TEXT NOT NULL,
	actor_id TEXT,
	action TEXT NOT NULL,
	target_type TEXT NOT NULL,
	target_id TEXT,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);
`

// OpenDB opens a fresh in-memory sqlite database with the full schema.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Exec(schema).Error; err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// NewIDGen builds a snowflake node for tests.
func NewIDGen(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}
