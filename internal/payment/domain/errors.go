package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPaymentNotFound  = errors.New("payment_not_found")
	ErrContractNotFound = errors.New("contract_not_found")
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrInvalidPayment   = errors.New("invalid_payment")

	// ErrInvalidTransition marks a requested move absent from the legal
	// transition table. It is a financial-rule rejection, not a transient
	// failure; retrying without a data correction will fail again.
	ErrInvalidTransition = errors.New("invalid_transition")

	// ErrTransitionConflict marks a lost race with a concurrent writer: the
	// payment changed between read and guarded update. Transient; the caller
	// may reload and retry.
	ErrTransitionConflict = errors.New("transition_conflict")
)

// InvalidTransitionError carries the offending pair so callers can explain
// the rejection.
type InvalidTransitionError struct {
	From StatusPair
	To   StatusPair
}

func NewInvalidTransitionError(from, to StatusPair) *InvalidTransitionError {
	return &InvalidTransitionError{From: from, To: to}
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid payment transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
