// Package reconcile recomputes a contract's cached financial totals directly
// from the payment ledger. It is the only writer of total_paid and
// balance_due.
package reconcile

import (
	"context"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/fleetgrid/fincore/internal/audit/domain"
	"github.com/fleetgrid/fincore/internal/clock"
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
	Clock    clock.Clock
	AuditSvc auditdomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	auditSvc auditdomain.Service
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("reconcile"),
		clock:    p.Clock,
		auditSvc: p.AuditSvc,
	}
}

// ContractError records one contract that could not be reconciled.
type ContractError struct {
	ContractID snowflake.ID
	Err        error
}

// Result is the outcome of a batch run. Contracts are processed
// independently; a per-contract failure lands in Errors and the batch
// continues. Remaining lists contracts skipped because the context ended
// mid-batch.
type Result struct {
	Updated   int
	Errors    []ContractError
	Remaining []snowflake.ID
}

// ReconcileContract recomputes one contract's totals from the ledger:
// total_paid becomes the sum of completed payments, balance_due becomes
// contract_amount minus total_paid. Full recompute, safe to re-run.
func (s *Service) ReconcileContract(ctx context.Context, contractID snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var totalPaid decimal.Decimal
		err := tx.Raw(
			`SELECT COALESCE(SUM(amount), 0)
			 FROM payments
			 WHERE contract_id = ?
			   AND payment_status = ?`,
			contractID, paymentdomain.PaymentStatusCompleted,
		).Scan(&totalPaid).Error
		if err != nil {
			return err
		}

		result := tx.Exec(
			`UPDATE contracts
			 SET total_paid = ?,
			     balance_due = contract_amount - ?,
			     updated_at = ?
			 WHERE id = ?`,
			totalPaid, totalPaid, s.clock.Now(), contractID,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return paymentdomain.ErrContractNotFound
		}
		return nil
	})
}

// ReconcileContracts runs ReconcileContract over the batch, one contract at
// a time.
func (s *Service) ReconcileContracts(ctx context.Context, contractIDs []snowflake.ID) Result {
	var result Result
	for i, contractID := range contractIDs {
		if ctx.Err() != nil {
			result.Remaining = append(result.Remaining, contractIDs[i:]...)
			break
		}
		if err := s.ReconcileContract(ctx, contractID); err != nil {
			s.log.Warn("contract reconciliation failed",
				zap.String("contract_id", contractID.String()),
				zap.Error(err),
			)
			result.Errors = append(result.Errors, ContractError{ContractID: contractID, Err: err})
			continue
		}
		result.Updated++
	}
	obsmetrics.Default().AddContractsReconciled(result.Updated)
	return result
}

// ReconcileCompany reconciles every contract belonging to the company.
func (s *Service) ReconcileCompany(ctx context.Context, companyID snowflake.ID) (Result, error) {
	var contractIDs []snowflake.ID
	err := s.db.WithContext(ctx).Raw(
		`SELECT id FROM contracts WHERE company_id = ? ORDER BY id`,
		companyID,
	).Scan(&contractIDs).Error
	if err != nil {
		return Result{}, err
	}
	result := s.ReconcileContracts(ctx, contractIDs)

	targetID := companyID.String()
	auditErr := s.auditSvc.AuditLog(ctx, &companyID, auditdomain.ActorTypeSystem, nil,
		"reconcile.company_run", "company", &targetID, map[string]any{
			"contracts": len(contractIDs),
			"updated":   result.Updated,
			"failed":    len(result.Errors),
			"remaining": len(result.Remaining),
		})
	if auditErr != nil {
		s.log.Warn("audit write failed", zap.Error(auditErr))
	}
	return result, nil
}

// Module provides the reconciliation service.
var Module = fx.Module("reconcile",
	fx.Provide(NewService),
)
