package guard

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
)

var (
	ErrInvalidBypass = errors.New("invalid_bypass")

	// ErrBypassConsumed marks reuse of a bypass token. A bypass is scoped to
	// exactly one corrective operation; there is no standing toggle.
	ErrBypassConsumed = errors.New("bypass_consumed")
)

// Bypass is a single-use token authorizing one corrective write past the
// overpayment invariant. The caller must run reconciliation for the affected
// contract immediately after the bypassed operation.
type Bypass struct {
	Reason     string
	OperatorID string

	used atomic.Bool
}

// NewBypass validates and builds a bypass token. Both the reason and the
// operator identity are required; they end up in the audit log.
func NewBypass(reason, operatorID string) (*Bypass, error) {
	reason = strings.TrimSpace(reason)
	operatorID = strings.TrimSpace(operatorID)
	if reason == "" || operatorID == "" {
		return nil, ErrInvalidBypass
	}
	return &Bypass{Reason: reason, OperatorID: operatorID}, nil
}

func (b *Bypass) consume() bool {
	return b.used.CompareAndSwap(false, true)
}

type bypassContextKey struct{}

// WithBypass attaches the bypass token to the context for the duration of a
// single corrective operation.
func WithBypass(ctx context.Context, b *Bypass) context.Context {
	return context.WithValue(ctx, bypassContextKey{}, b)
}

func bypassFromContext(ctx context.Context) (*Bypass, bool) {
	b, ok := ctx.Value(bypassContextKey{}).(*Bypass)
	return b, ok && b != nil
}
