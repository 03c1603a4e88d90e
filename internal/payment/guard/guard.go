// Package guard enforces the overpayment invariant: total recorded completed
// payments for a contract never silently exceed the contracted amount.
package guard

import (
	"context"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/fleetgrid/fincore/internal/audit/domain"
	"github.com/fleetgrid/fincore/internal/config"
	obsmetrics "github.com/fleetgrid/fincore/internal/observability/metrics"
	paymentdomain "github.com/fleetgrid/fincore/internal/payment/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	AuditSvc auditdomain.Service
	Cfg      config.Config
}

// Guard checks candidate completed payments against the contract amount plus
// a configured rounding tolerance.
type Guard struct {
	db        *gorm.DB
	log       *zap.Logger
	auditSvc  auditdomain.Service
	tolerance decimal.Decimal
}

func New(p Params) *Guard {
	return &Guard{
		db:        p.DB,
		log:       p.Log.Named("payment.guard"),
		auditSvc:  p.AuditSvc,
		tolerance: p.Cfg.OverpaymentTolerance,
	}
}

// Tolerance returns the configured rounding tolerance.
func (g *Guard) Tolerance() decimal.Decimal { return g.tolerance }

type contractRow struct {
	ID             snowflake.ID
	CompanyID      snowflake.ID
	ContractAmount decimal.Decimal
}

// CheckInvariant evaluates whether recording candidate as a completed payment
// for the contract would breach the invariant. excludePaymentID keeps the
// candidate's own row out of the current total when it is being re-completed.
// A single-use bypass carried in ctx skips the check, is audited, and obliges
// the caller to reconcile the contract immediately afterward.
func (g *Guard) CheckInvariant(ctx context.Context, tx *gorm.DB, contractID snowflake.ID, candidate decimal.Decimal, excludePaymentID snowflake.ID) error {
	if tx == nil {
		tx = g.db
	}

	contract, err := g.loadContract(ctx, tx, contractID)
	if err != nil {
		return err
	}
	if contract == nil {
		return paymentdomain.ErrContractNotFound
	}

	if bypass, ok := bypassFromContext(ctx); ok {
		return g.applyBypass(ctx, bypass, contract, candidate)
	}

	currentTotal, err := g.completedTotal(ctx, tx, contractID, excludePaymentID)
	if err != nil {
		return err
	}

	projected := currentTotal.Add(candidate)
	bound := contract.ContractAmount.Add(g.tolerance)
	if projected.GreaterThan(bound) {
		excess := projected.Sub(contract.ContractAmount)
		obsmetrics.Default().IncOverpaymentRejection()
		g.log.Warn("overpayment rejected",
			zap.String("contract_id", contractID.String()),
			zap.String("candidate", candidate.String()),
			zap.String("current_total", currentTotal.String()),
			zap.String("contract_amount", contract.ContractAmount.String()),
		)
		g.emitAudit(ctx, "overpayment.rejected", contract, map[string]any{
			"candidate_amount": candidate.String(),
			"current_total":    currentTotal.String(),
			"excess":           excess.String(),
		}, auditdomain.ActorTypeSystem, nil)
		return NewOverpaymentError(contractID, excess)
	}

	return nil
}

func (g *Guard) applyBypass(ctx context.Context, bypass *Bypass, contract *contractRow, candidate decimal.Decimal) error {
	if !bypass.consume() {
		return ErrBypassConsumed
	}
	obsmetrics.Default().IncOverpaymentBypass()
	operator := bypass.OperatorID
	g.log.Warn("overpayment invariant bypassed",
		zap.String("contract_id", contract.ID.String()),
		zap.String("reason", bypass.Reason),
		zap.String("operator_id", operator),
	)
	g.emitAudit(ctx, "overpayment.bypassed", contract, map[string]any{
		"reason":           bypass.Reason,
		"candidate_amount": candidate.String(),
	}, auditdomain.ActorTypeOperator, &operator)
	return nil
}

func (g *Guard) emitAudit(ctx context.Context, action string, contract *contractRow, metadata map[string]any, actorType string, actorID *string) {
	if g.auditSvc == nil {
		return
	}
	companyID := contract.CompanyID
	targetID := contract.ID.String()
	_ = g.auditSvc.AuditLog(ctx, &companyID, actorType, actorID, action, "contract", &targetID, metadata)
}

func (g *Guard) loadContract(ctx context.Context, tx *gorm.DB, contractID snowflake.ID) (*contractRow, error) {
	var contract contractRow
	err := tx.WithContext(ctx).Raw(
		`SELECT id, company_id, contract_amount
		 FROM contracts
		 WHERE id = ?`,
		contractID,
	).Scan(&contract).Error
	if err != nil {
		return nil, err
	}
	if contract.ID == 0 {
		return nil, nil
	}
	return &contract, nil
}

func (g *Guard) completedTotal(ctx context.Context, tx *gorm.DB, contractID, excludePaymentID snowflake.ID) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0)
		 FROM payments
		 WHERE contract_id = ?
		   AND payment_status = ?
		   AND id <> ?`,
		contractID,
		paymentdomain.PaymentStatusCompleted,
		excludePaymentID,
	).Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// Module provides the overpayment guard.
var Module = fx.Module("payment.guard",
	fx.Provide(New),
)
