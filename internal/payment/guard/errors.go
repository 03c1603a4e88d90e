package guard

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// ErrOverpaymentRejected marks a payment write that would push a contract's
// completed total past its contracted amount. Financial-rule rejection;
// resolved by correcting the amount or by an audited bypass, never by retry.
var ErrOverpaymentRejected = errors.New("overpayment_rejected")

// OverpaymentError carries the excess over the contract amount.
type OverpaymentError struct {
	ContractID snowflake.ID
	Excess     decimal.Decimal
}

func NewOverpaymentError(contractID snowflake.ID, excess decimal.Decimal) *OverpaymentError {
	return &OverpaymentError{ContractID: contractID, Excess: excess}
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("overpayment rejected for contract %s: exceeds contract amount by %s", e.ContractID, e.Excess)
}

func (e *OverpaymentError) Is(target error) bool {
	return target == ErrOverpaymentRejected
}
