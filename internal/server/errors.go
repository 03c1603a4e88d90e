package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	invoicedomain "github.com/fleetgrid/fincore/internal/invoice/domain"
	paymentdomain "github.com/fleetgrid/fincore/internal/payment/domain"
	"github.com/fleetgrid/fincore/internal/payment/guard"
	"gorm.io/gorm"
)

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrNotFound       = errors.New("not_found")
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	// Retryable separates transient failures from financial-rule rejections,
	// which need a data correction before trying again.
	Retryable bool `json:"retryable"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case isRuleViolation(err):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:      "rule_violation",
			Message:   err.Error(),
			Retryable: false,
		}
	case errors.Is(err, paymentdomain.ErrTransitionConflict):
		return http.StatusConflict, errorPayload{
			Type:      "conflict",
			Message:   err.Error(),
			Retryable: true,
		}
	case errors.Is(err, guard.ErrBypassConsumed):
		return http.StatusConflict, errorPayload{
			Type:      "conflict",
			Message:   err.Error(),
			Retryable: false,
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:      "not_found",
			Message:   "not found",
			Retryable: false,
		}
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:      "validation_error",
			Message:   err.Error(),
			Retryable: false,
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:      "internal_error",
			Message:   "internal server error",
			Retryable: true,
		}
	}
}

// isRuleViolation covers rejections of the financial invariants: the request
// was understood but the ledger forbids it.
func isRuleViolation(err error) bool {
	switch {
	case errors.Is(err, paymentdomain.ErrInvalidTransition),
		errors.Is(err, guard.ErrOverpaymentRejected),
		errors.Is(err, invoicedomain.ErrInvalidStatus),
		errors.Is(err, invoicedomain.ErrInvoiceMismatch):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, paymentdomain.ErrPaymentNotFound),
		errors.Is(err, paymentdomain.ErrContractNotFound),
		errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, paymentdomain.ErrInvalidAmount),
		errors.Is(err, paymentdomain.ErrInvalidPayment),
		errors.Is(err, invoicedomain.ErrInvalidInvoice),
		errors.Is(err, guard.ErrInvalidBypass):
		return true
	default:
		return false
	}
}
