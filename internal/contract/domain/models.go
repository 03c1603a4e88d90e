// Package domain contains persistence models for rental contracts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// ContractStatus represents contract lifecycle states.
type ContractStatus string

const (
	ContractStatusActive     ContractStatus = "active"
	ContractStatusCompleted  ContractStatus = "completed"
	ContractStatusTerminated ContractStatus = "terminated"
)

// Contract is the subset of the rental contract the financial engine works
// with. TotalPaid and BalanceDue are cached derivations owned by the
// reconciliation job; DaysOverdue and LateFineAmount are owned by the
// late-fine calculator. Nothing else may write them.
type Contract struct {
	ID             snowflake.ID    `json:"id" gorm:"primaryKey"`
	CompanyID      snowflake.ID    `json:"company_id" gorm:"not null;index"`
	ContractNumber string          `json:"contract_number" gorm:"type:text;not null"`
	Status         ContractStatus  `json:"status" gorm:"type:text;not null;default:'active'"`
	ContractAmount decimal.Decimal `json:"contract_amount" gorm:"type:numeric(14,3);not null"`
	MonthlyAmount  decimal.Decimal `json:"monthly_amount" gorm:"type:numeric(14,3);not null"`
	TotalPaid      decimal.Decimal `json:"total_paid" gorm:"type:numeric(14,3);not null"`
	BalanceDue     decimal.Decimal `json:"balance_due" gorm:"type:numeric(14,3);not null"`
	LateFineAmount decimal.Decimal `json:"late_fine_amount" gorm:"type:numeric(14,3);not null"`
	DaysOverdue    int             `json:"days_overdue" gorm:"not null;default:0"`
	StartDate      *time.Time      `json:"start_date"`
	EndDate        *time.Time      `json:"end_date"`
	CreatedAt      time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt      time.Time       `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Contract) TableName() string { return "contracts" }
