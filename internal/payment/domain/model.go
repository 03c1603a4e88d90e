// Package domain contains the payment ledger model and its state machine.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the business-facing payment state.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// ProcessingStatus is the operational processing state.
type ProcessingStatus string

const (
	ProcessingStatusNew        ProcessingStatus = "new"
	ProcessingStatusProcessing ProcessingStatus = "processing"
	ProcessingStatusCompleted  ProcessingStatus = "completed"
	ProcessingStatusFailed     ProcessingStatus = "failed"
	ProcessingStatusRetrying   ProcessingStatus = "retrying"
	ProcessingStatusCancelled  ProcessingStatus = "cancelled"
)

// StatusPair is the combined lifecycle state of a payment. Only pairs present
// in the transition table below may ever be persisted.
type StatusPair struct {
	Payment    PaymentStatus
	Processing ProcessingStatus
}

func (p StatusPair) String() string {
	return string(p.Payment) + "/" + string(p.Processing)
}

var (
	PairPendingNew         = StatusPair{PaymentStatusPending, ProcessingStatusNew}
	PairPendingProcessing  = StatusPair{PaymentStatusPending, ProcessingStatusProcessing}
	PairCompletedCompleted = StatusPair{PaymentStatusCompleted, ProcessingStatusCompleted}
	PairFailedFailed       = StatusPair{PaymentStatusFailed, ProcessingStatusFailed}
	PairFailedRetrying     = StatusPair{PaymentStatusFailed, ProcessingStatusRetrying}
	PairCancelledCancelled = StatusPair{PaymentStatusCancelled, ProcessingStatusCancelled}
)

// legalTransitions is the full table of allowed lifecycle moves. Cancellation
// is reachable from every non-terminal pair; a completed payment is terminal
// and leaves only through the audited administrative cancellation path.
var legalTransitions = map[StatusPair][]StatusPair{
	PairPendingNew:        {PairPendingProcessing, PairCancelledCancelled},
	PairPendingProcessing: {PairCompletedCompleted, PairFailedFailed, PairCancelledCancelled},
	PairFailedFailed:      {PairFailedRetrying, PairCancelledCancelled},
	PairFailedRetrying:    {PairPendingProcessing, PairCancelledCancelled},
}

// ValidPair reports whether the pair appears anywhere in the transition table.
func ValidPair(p StatusPair) bool {
	if p == PairCompletedCompleted || p == PairCancelledCancelled {
		return true
	}
	_, ok := legalTransitions[p]
	return ok
}

// CanTransition reports whether from→to is in the legal transition table.
func CanTransition(from, to StatusPair) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no regular transition leaves the pair.
func IsTerminal(p StatusPair) bool {
	return len(legalTransitions[p]) == 0
}

// Payment is one row in the payment ledger. Rows are never physically
// deleted; the cancelled pair is the soft terminal state.
type Payment struct {
	ID               snowflake.ID     `json:"id" gorm:"primaryKey"`
	ContractID       snowflake.ID     `json:"contract_id" gorm:"not null;index"`
	Amount           decimal.Decimal  `json:"amount" gorm:"type:numeric(14,3);not null"`
	PaymentDate      time.Time        `json:"payment_date" gorm:"not null"`
	PaymentStatus    PaymentStatus    `json:"payment_status" gorm:"type:text;not null;default:'pending'"`
	ProcessingStatus ProcessingStatus `json:"processing_status" gorm:"type:text;not null;default:'new'"`
	ProcessingNotes  string           `json:"processing_notes" gorm:"type:text;not null"`
	PaymentMethod    string           `json:"payment_method" gorm:"type:text"`
	PaymentType      string           `json:"payment_type" gorm:"type:text"`
	CreatedAt        time.Time        `json:"created_at" gorm:"not null"`
	UpdatedAt        time.Time        `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Payment) TableName() string { return "payments" }

// Pair returns the payment's combined lifecycle state.
func (p Payment) Pair() StatusPair {
	return StatusPair{p.PaymentStatus, p.ProcessingStatus}
}

// TransitionRequest is a requested move of the state machine. Nil status
// fields keep the current value.
type TransitionRequest struct {
	PaymentStatus    *PaymentStatus
	ProcessingStatus *ProcessingStatus
	Note             string
}

// CreatePaymentRequest is the sanctioned way writers append to the ledger.
// New payments always start in (pending, new).
type CreatePaymentRequest struct {
	ContractID    snowflake.ID
	Amount        decimal.Decimal
	PaymentDate   time.Time
	PaymentMethod string
	PaymentType   string
	Note          string
}
