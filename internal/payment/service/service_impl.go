package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/fleetgrid/fincore/internal/audit/domain"
	"github.com/fleetgrid/fincore/internal/clock"
	contractdomain "github.com/fleetgrid/fincore/internal/contract/domain"
	obsmetrics "github.com/fleetgrid/fincore/internal/observability/metrics"
	paymentdomain "github.com/fleetgrid/fincore/internal/payment/domain"
	"github.com/fleetgrid/fincore/internal/payment/guard"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Guard    *guard.Guard
	AuditSvc auditdomain.Service
	Clock    clock.Clock
}

// Service is the payment state machine. Every lifecycle mutation of a payment
// row goes through Transition or one of its named wrappers; callers never set
// status fields directly.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	guard    *guard.Guard
	auditSvc auditdomain.Service
	clock    clock.Clock
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("payment.service"),
		genID:    p.GenID,
		guard:    p.Guard,
		auditSvc: p.AuditSvc,
		clock:    p.Clock,
	}
}

// CreatePayment appends a new row to the ledger in (pending, new).
func (s *Service) CreatePayment(ctx context.Context, req paymentdomain.CreatePaymentRequest) (paymentdomain.Payment, error) {
	if req.ContractID == 0 {
		return paymentdomain.Payment{}, paymentdomain.ErrContractNotFound
	}
	if req.Amount.IsNegative() {
		return paymentdomain.Payment{}, paymentdomain.ErrInvalidAmount
	}

	var exists int64
	if err := s.db.WithContext(ctx).Model(&contractdomain.Contract{}).
		Where("id = ?", req.ContractID).Count(&exists).Error; err != nil {
		return paymentdomain.Payment{}, err
	}
	if exists == 0 {
		return paymentdomain.Payment{}, paymentdomain.ErrContractNotFound
	}

	now := s.clock.Now()
	paymentDate := req.PaymentDate
	if paymentDate.IsZero() {
		paymentDate = now
	}
	payment := paymentdomain.Payment{
		ID:               s.genID.Generate(),
		ContractID:       req.ContractID,
		Amount:           req.Amount,
		PaymentDate:      paymentDate,
		PaymentStatus:    paymentdomain.PaymentStatusPending,
		ProcessingStatus: paymentdomain.ProcessingStatusNew,
		ProcessingNotes:  formatNote(now, "payment recorded", req.Note),
		PaymentMethod:    req.PaymentMethod,
		PaymentType:      req.PaymentType,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.db.WithContext(ctx).Create(&payment).Error; err != nil {
		return paymentdomain.Payment{}, err
	}
	return payment, nil
}

// GetByID loads one payment.
func (s *Service) GetByID(ctx context.Context, paymentID snowflake.ID) (paymentdomain.Payment, error) {
	payment, err := s.loadPayment(ctx, s.db, paymentID)
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	if payment == nil {
		return paymentdomain.Payment{}, paymentdomain.ErrPaymentNotFound
	}
	return *payment, nil
}

// Transition validates the requested move against the legal table, runs the
// overpayment guard when entering completed, and persists the new pair with
// an appended note in one guarded update.
func (s *Service) Transition(ctx context.Context, paymentID snowflake.ID, req paymentdomain.TransitionRequest) (paymentdomain.Payment, error) {
	if req.PaymentStatus == nil && req.ProcessingStatus == nil {
		return paymentdomain.Payment{}, paymentdomain.ErrInvalidPayment
	}

	var result paymentdomain.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.loadPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return paymentdomain.ErrPaymentNotFound
		}

		from := payment.Pair()
		to := from
		if req.PaymentStatus != nil {
			to.Payment = *req.PaymentStatus
		}
		if req.ProcessingStatus != nil {
			to.Processing = *req.ProcessingStatus
		}

		if !paymentdomain.CanTransition(from, to) {
			obsmetrics.Default().IncPaymentTransition(obsmetrics.TransitionResultInvalid)
			return paymentdomain.NewInvalidTransitionError(from, to)
		}

		if to == paymentdomain.PairCompletedCompleted {
			if err := s.guard.CheckInvariant(ctx, tx, payment.ContractID, payment.Amount, payment.ID); err != nil {
				obsmetrics.Default().IncPaymentTransition(obsmetrics.TransitionResultRejected)
				return err
			}
		}

		now := s.clock.Now()
		note := formatNote(now, fmt.Sprintf("status change: %s -> %s", from, to), req.Note)
		applied, err := s.applyTransition(ctx, tx, payment.ID, from, to, note, now)
		if err != nil {
			return err
		}
		if !applied {
			obsmetrics.Default().IncPaymentTransition(obsmetrics.TransitionResultConflict)
			return paymentdomain.ErrTransitionConflict
		}

		result = *payment
		result.PaymentStatus = to.Payment
		result.ProcessingStatus = to.Processing
		result.ProcessingNotes += note
		result.UpdatedAt = now
		return nil
	})
	if err != nil {
		return paymentdomain.Payment{}, err
	}

	obsmetrics.Default().IncPaymentTransition(obsmetrics.TransitionResultApplied)
	return result, nil
}

// MarkAsProcessing moves a pending payment into processing.
func (s *Service) MarkAsProcessing(ctx context.Context, paymentID snowflake.ID) (paymentdomain.Payment, error) {
	return s.transitionTo(ctx, paymentID, paymentdomain.PairPendingProcessing, "processing started")
}

// MarkAsCompleted settles the payment. The overpayment guard runs first.
func (s *Service) MarkAsCompleted(ctx context.Context, paymentID snowflake.ID) (paymentdomain.Payment, error) {
	return s.transitionTo(ctx, paymentID, paymentdomain.PairCompletedCompleted, "payment completed")
}

// MarkAsFailed records a processing failure with its reason.
func (s *Service) MarkAsFailed(ctx context.Context, paymentID snowflake.ID, reason string) (paymentdomain.Payment, error) {
	note := "payment failed"
	if reason = strings.TrimSpace(reason); reason != "" {
		note += ": " + reason
	}
	return s.transitionTo(ctx, paymentID, paymentdomain.PairFailedFailed, note)
}

// MarkForRetry queues a failed payment for another attempt.
func (s *Service) MarkForRetry(ctx context.Context, paymentID snowflake.ID) (paymentdomain.Payment, error) {
	return s.transitionTo(ctx, paymentID, paymentdomain.PairFailedRetrying, "queued for retry")
}

// MarkAsCancelled soft-terminates a non-completed payment.
func (s *Service) MarkAsCancelled(ctx context.Context, paymentID snowflake.ID, reason string) (paymentdomain.Payment, error) {
	note := "payment cancelled"
	if reason = strings.TrimSpace(reason); reason != "" {
		note += ": " + reason
	}
	return s.transitionTo(ctx, paymentID, paymentdomain.PairCancelledCancelled, note)
}

// CancelCompleted is the audited administrative path out of the completed
// terminal state. The caller must run reconciliation for the returned
// payment's contract immediately afterward so the cached totals match the
// ledger again.
func (s *Service) CancelCompleted(ctx context.Context, paymentID snowflake.ID, reason, operatorID string) (paymentdomain.Payment, error) {
	reason = strings.TrimSpace(reason)
	operatorID = strings.TrimSpace(operatorID)
	if reason == "" || operatorID == "" {
		return paymentdomain.Payment{}, paymentdomain.ErrInvalidPayment
	}

	var result paymentdomain.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.loadPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return paymentdomain.ErrPaymentNotFound
		}
		from := payment.Pair()
		if from != paymentdomain.PairCompletedCompleted {
			return paymentdomain.NewInvalidTransitionError(from, paymentdomain.PairCancelledCancelled)
		}

		now := s.clock.Now()
		note := formatNote(now, fmt.Sprintf("administrative cancellation by %s: %s", operatorID, reason), "")
		applied, err := s.applyTransition(ctx, tx, payment.ID, from, paymentdomain.PairCancelledCancelled, note, now)
		if err != nil {
			return err
		}
		if !applied {
			obsmetrics.Default().IncPaymentTransition(obsmetrics.TransitionResultConflict)
			return paymentdomain.ErrTransitionConflict
		}

		result = *payment
		result.PaymentStatus = paymentdomain.PaymentStatusCancelled
		result.ProcessingStatus = paymentdomain.ProcessingStatusCancelled
		result.ProcessingNotes += note
		result.UpdatedAt = now
		return nil
	})
	if err != nil {
		return paymentdomain.Payment{}, err
	}

	obsmetrics.Default().IncPaymentTransition(obsmetrics.TransitionResultApplied)
	s.emitAudit(ctx, "payment.cancelled_completed", &result, map[string]any{
		"reason":      reason,
		"operator_id": operatorID,
		"amount":      result.Amount.String(),
	}, auditdomain.ActorTypeOperator, &operatorID)
	return result, nil
}

func (s *Service) transitionTo(ctx context.Context, paymentID snowflake.ID, to paymentdomain.StatusPair, note string) (paymentdomain.Payment, error) {
	return s.Transition(ctx, paymentID, paymentdomain.TransitionRequest{
		PaymentStatus:    &to.Payment,
		ProcessingStatus: &to.Processing,
		Note:             note,
	})
}

// applyTransition is a guarded compare-and-swap on the status pair: zero rows
// means a concurrent writer got there first.
func (s *Service) applyTransition(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID, from, to paymentdomain.StatusPair, note string, now time.Time) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`UPDATE payments
		 SET payment_status = ?,
		     processing_status = ?,
		     processing_notes = processing_notes || ?,
		     updated_at = ?
		 WHERE id = ?
		   AND payment_status = ?
		   AND processing_status = ?`,
		to.Payment,
		to.Processing,
		note,
		now,
		paymentID,
		from.Payment,
		from.Processing,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) loadPayment(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID) (*paymentdomain.Payment, error) {
	var payment paymentdomain.Payment
	err := tx.WithContext(ctx).Raw(
		`SELECT id, contract_id, amount, payment_date, payment_status,
		        processing_status, processing_notes, payment_method,
		        payment_type, created_at, updated_at
		 FROM payments
		 WHERE id = ?`,
		paymentID,
	).Scan(&payment).Error
	if err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, nil
	}
	return &payment, nil
}

func (s *Service) emitAudit(ctx context.Context, action string, payment *paymentdomain.Payment, metadata map[string]any, actorType string, actorID *string) {
	if s.auditSvc == nil || payment == nil {
		return
	}
	targetID := payment.ID.String()
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["contract_id"] = payment.ContractID.String()
	_ = s.auditSvc.AuditLog(ctx, nil, actorType, actorID, action, "payment", &targetID, metadata)
}

func formatNote(now time.Time, summary, extra string) string {
	line := now.UTC().Format(time.RFC3339) + " " + summary
	if extra = strings.TrimSpace(extra); extra != "" {
		line += " (" + extra + ")"
	}
	return line + "\n"
}
