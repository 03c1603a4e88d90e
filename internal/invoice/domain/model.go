// Package domain contains the invoice model and the billing-period rules
// behind the one-active-invoice-per-contract-per-month guarantee.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "draft"
	InvoiceStatusIssued    InvoiceStatus = "issued"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

// Invoice is one billing document for a contract and period. At most one
// non-cancelled invoice may exist per (contract, billing period); the
// database enforces this with a partial unique index.
type Invoice struct {
	ID            snowflake.ID    `json:"id" gorm:"primaryKey"`
	CompanyID     snowflake.ID    `json:"company_id" gorm:"not null"`
	ContractID    snowflake.ID    `json:"contract_id" gorm:"not null;index"`
	InvoiceNumber string          `json:"invoice_number" gorm:"type:text;not null"`
	BillingPeriod time.Time       `json:"billing_period" gorm:"not null"`
	Amount        decimal.Decimal `json:"amount" gorm:"type:numeric(14,3);not null"`
	Status        InvoiceStatus   `json:"status" gorm:"type:text;not null;default:'draft'"`
	DueDate       time.Time       `json:"due_date" gorm:"not null"`
	ReplacedByID  *snowflake.ID   `json:"replaced_by_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt     time.Time       `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// BillingPeriodFor normalizes any timestamp to its billing period: midnight
// UTC on the first day of the month. Periods are compared by equality, so
// every writer must go through this.
func BillingPeriodFor(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// EnsureInvoiceRequest asks for the invoice of one contract and period,
// creating it if absent.
type EnsureInvoiceRequest struct {
	CompanyID  snowflake.ID
	ContractID snowflake.ID
	Amount     decimal.Decimal
	DueDate    time.Time
}

var (
	ErrInvoiceNotFound = errors.New("invoice_not_found")
	ErrInvalidInvoice  = errors.New("invalid_invoice")

	// ErrInvoiceMismatch marks a void request whose duplicate and kept
	// invoices do not share a contract and billing period.
	ErrInvoiceMismatch = errors.New("invoice_mismatch")

	// ErrInvalidStatus marks an operation illegal for the invoice's current
	// status, such as issuing a cancelled invoice.
	ErrInvalidStatus = errors.New("invalid_invoice_status")
)
