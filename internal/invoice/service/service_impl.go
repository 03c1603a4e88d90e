package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/fleetgrid/fincore/internal/audit/domain"
	"github.com/fleetgrid/fincore/internal/clock"
	invoicedomain "github.com/fleetgrid/fincore/internal/invoice/domain"
	obsmetrics "github.com/fleetgrid/fincore/internal/observability/metrics"
	"github.com/fleetgrid/fincore/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	AuditSvc auditdomain.Service
	Clock    clock.Clock
}

// Service owns invoice creation and the duplicate guard. Creation is
// idempotent per (contract, billing period): concurrent callers all receive
// the same surviving invoice.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	auditSvc auditdomain.Service
	clock    clock.Clock
	locks    *keyedMutex
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("invoice.service"),
		genID:    p.GenID,
		auditSvc: p.AuditSvc,
		clock:    p.Clock,
		locks:    newKeyedMutex(),
	}
}

// EnsureMonthlyInvoice returns the invoice for the contract and the billing
// period of the due date, creating it when absent. The second return value
// reports whether this call created the row. Losing a creation race is not
// an error; the loser absorbs the winner's invoice.
func (s *Service) EnsureMonthlyInvoice(ctx context.Context, req invoicedomain.EnsureInvoiceRequest) (invoicedomain.Invoice, bool, error) {
	if req.ContractID == 0 || req.DueDate.IsZero() {
		return invoicedomain.Invoice{}, false, invoicedomain.ErrInvalidInvoice
	}
	if req.Amount.IsNegative() {
		return invoicedomain.Invoice{}, false, invoicedomain.ErrInvalidInvoice
	}

	period := invoicedomain.BillingPeriodFor(req.DueDate)

	// In-process serialization keeps racing goroutines from each paying the
	// insert-conflict round trip. The partial unique index remains the
	// authority across processes.
	unlock := s.locks.Lock(lockKey(req.ContractID, period))
	defer unlock()

	if existing, err := s.findActive(ctx, req.ContractID, period); err != nil {
		return invoicedomain.Invoice{}, false, err
	} else if existing != nil {
		obsmetrics.Default().IncInvoiceAbsorbed()
		return *existing, false, nil
	}

	now := s.clock.Now()
	invoice := invoicedomain.Invoice{
		ID:            s.genID.Generate(),
		CompanyID:     req.CompanyID,
		ContractID:    req.ContractID,
		BillingPeriod: period,
		Amount:        req.Amount,
		Status:        invoicedomain.InvoiceStatusDraft,
		DueDate:       req.DueDate.UTC(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	invoice.InvoiceNumber = invoiceNumber(period, invoice.ID)

	result := s.db.WithContext(ctx).Exec(
		`INSERT INTO invoices (id, company_id, contract_id, invoice_number, billing_period, amount, status, due_date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (contract_id, billing_period) WHERE status <> 'cancelled' DO NOTHING`,
		invoice.ID, invoice.CompanyID, invoice.ContractID, invoice.InvoiceNumber,
		invoice.BillingPeriod, invoice.Amount, invoice.Status, invoice.DueDate,
		invoice.CreatedAt, invoice.UpdatedAt,
	)
	if result.Error != nil {
		if !db.IsDuplicateKeyErr(result.Error) {
			return invoicedomain.Invoice{}, false, result.Error
		}
		result.RowsAffected = 0
	}
	if result.RowsAffected == 0 {
		winner, err := s.findActive(ctx, req.ContractID, period)
		if err != nil {
			return invoicedomain.Invoice{}, false, err
		}
		if winner == nil {
			return invoicedomain.Invoice{}, false, invoicedomain.ErrInvoiceNotFound
		}
		obsmetrics.Default().IncInvoiceAbsorbed()
		s.log.Info("duplicate invoice absorbed",
			zap.String("contract_id", req.ContractID.String()),
			zap.Time("billing_period", period),
			zap.String("surviving_invoice_id", winner.ID.String()),
		)
		return *winner, false, nil
	}

	obsmetrics.Default().IncInvoiceCreated()
	return invoice, true, nil
}

// IssueInvoice moves a draft invoice to issued.
func (s *Service) IssueInvoice(ctx context.Context, invoiceID snowflake.ID) (invoicedomain.Invoice, error) {
	invoice, err := s.GetByID(ctx, invoiceID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if invoice.Status != invoicedomain.InvoiceStatusDraft {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidStatus
	}

	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE invoices SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		invoicedomain.InvoiceStatusIssued, now, invoiceID, invoicedomain.InvoiceStatusDraft,
	)
	if result.Error != nil {
		return invoicedomain.Invoice{}, result.Error
	}
	if result.RowsAffected == 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidStatus
	}
	invoice.Status = invoicedomain.InvoiceStatusIssued
	invoice.UpdatedAt = now
	return invoice, nil
}

// VoidDuplicate cancels a duplicate invoice in favor of the kept one. Both
// must belong to the same contract and billing period. The cancelled row
// keeps a pointer to its replacement and the action is audited.
func (s *Service) VoidDuplicate(ctx context.Context, duplicateID, keepID snowflake.ID, reason, operatorID string) (invoicedomain.Invoice, error) {
	reason = strings.TrimSpace(reason)
	operatorID = strings.TrimSpace(operatorID)
	if duplicateID == keepID || reason == "" || operatorID == "" {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoice
	}

	duplicate, err := s.GetByID(ctx, duplicateID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	keep, err := s.GetByID(ctx, keepID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if duplicate.ContractID != keep.ContractID || !duplicate.BillingPeriod.Equal(keep.BillingPeriod) {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceMismatch
	}
	if duplicate.Status == invoicedomain.InvoiceStatusCancelled {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidStatus
	}
	if keep.Status == invoicedomain.InvoiceStatusCancelled {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidStatus
	}

	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE invoices SET status = ?, replaced_by_id = ?, updated_at = ? WHERE id = ? AND status <> ?`,
		invoicedomain.InvoiceStatusCancelled, keepID, now, duplicateID, invoicedomain.InvoiceStatusCancelled,
	)
	if result.Error != nil {
		return invoicedomain.Invoice{}, result.Error
	}
	if result.RowsAffected == 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidStatus
	}

	duplicate.Status = invoicedomain.InvoiceStatusCancelled
	duplicate.ReplacedByID = &keepID
	duplicate.UpdatedAt = now

	if s.auditSvc != nil {
		targetID := duplicateID.String()
		companyID := duplicate.CompanyID
		_ = s.auditSvc.AuditLog(ctx, &companyID, auditdomain.ActorTypeOperator, &operatorID,
			"invoice.voided_duplicate", "invoice", &targetID, map[string]any{
				"kept_invoice_id": keepID.String(),
				"contract_id":     duplicate.ContractID.String(),
				"reason":          reason,
			})
	}
	return duplicate, nil
}

// GetByID loads one invoice.
func (s *Service) GetByID(ctx context.Context, invoiceID snowflake.ID) (invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, company_id, contract_id, invoice_number, billing_period, amount,
		        status, due_date, replaced_by_id, created_at, updated_at
		 FROM invoices
		 WHERE id = ?`,
		invoiceID,
	).Scan(&invoice).Error
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if invoice.ID == 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	return invoice, nil
}

// ListByContract returns the contract's invoices, newest period first.
func (s *Service) ListByContract(ctx context.Context, contractID snowflake.ID) ([]invoicedomain.Invoice, error) {
	var invoices []invoicedomain.Invoice
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, company_id, contract_id, invoice_number, billing_period, amount,
		        status, due_date, replaced_by_id, created_at, updated_at
		 FROM invoices
		 WHERE contract_id = ?
		 ORDER BY billing_period DESC, id DESC`,
		contractID,
	).Scan(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (s *Service) findActive(ctx context.Context, contractID snowflake.ID, period time.Time) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, company_id, contract_id, invoice_number, billing_period, amount,
		        status, due_date, replaced_by_id, created_at, updated_at
		 FROM invoices
		 WHERE contract_id = ?
		   AND billing_period = ?
		   AND status <> ?`,
		contractID, period, invoicedomain.InvoiceStatusCancelled,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func lockKey(contractID snowflake.ID, period time.Time) string {
	return contractID.String() + ":" + period.Format("2006-01")
}

func invoiceNumber(period time.Time, id snowflake.ID) string {
	return fmt.Sprintf("INV-%s-%s", period.Format("200601"), id)
}
