// Package latefine computes overdue fines per contract from the owning
// company's fine settings. The computed fine is a pure function of how
// overdue the contract is today, so re-running never accumulates.
package latefine

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fleetgrid/fincore/internal/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type FineType string

const (
	FineTypePercentage FineType = "percentage"
	FineTypeFixedDaily FineType = "fixed_daily"
)

// FineSettings is the per-company fine policy. At most one active row per
// company is consulted.
type FineSettings struct {
	ID              snowflake.ID     `json:"id" gorm:"primaryKey"`
	CompanyID       snowflake.ID     `json:"company_id" gorm:"not null;index"`
	FineType        FineType         `json:"fine_type" gorm:"type:text;not null"`
	FineRate        decimal.Decimal  `json:"fine_rate" gorm:"type:numeric(14,3);not null"`
	GracePeriodDays int              `json:"grace_period_days" gorm:"not null;default:0"`
	MaxFineAmount   *decimal.Decimal `json:"max_fine_amount,omitempty" gorm:"type:numeric(14,3)"`
	IsActive        bool             `json:"is_active" gorm:"not null;default:true"`
	CreatedAt       time.Time        `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time        `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (FineSettings) TableName() string { return "fine_settings" }

// monetaryScale is the ledger-wide decimal precision.
const monetaryScale = 3

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func NewService(p Params) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("latefine"),
		clock: p.Clock,
	}
}

// ContractError records one contract whose fine could not be written.
type ContractError struct {
	ContractID snowflake.ID
	Err        error
}

type Result struct {
	UpdatedContracts int
	Errors           []ContractError
}

type overdueContract struct {
	ID             snowflake.ID
	ContractAmount decimal.Decimal
	MonthlyAmount  decimal.Decimal
	EndDate        time.Time
}

// CalculateFines recomputes days_overdue and late_fine_amount for every
// active contract of the company that is past its end date. A company with
// no active fine settings is a no-op, not an error.
func (s *Service) CalculateFines(ctx context.Context, companyID snowflake.ID) (Result, error) {
	settings, err := s.activeSettings(ctx, companyID)
	if err != nil {
		return Result{}, err
	}
	if settings == nil {
		s.log.Debug("no active fine settings", zap.String("company_id", companyID.String()))
		return Result{}, nil
	}

	now := s.clock.Now().UTC()
	var contracts []overdueContract
	err = s.db.WithContext(ctx).Raw(
		`SELECT id, contract_amount, monthly_amount, end_date
		 FROM contracts
		 WHERE company_id = ?
		   AND status = 'active'
		   AND end_date IS NOT NULL
		   AND end_date < ?`,
		companyID, now,
	).Scan(&contracts).Error
	if err != nil {
		return Result{}, err
	}

	var result Result
	for _, contract := range contracts {
		if ctx.Err() != nil {
			break
		}
		daysOverdue, fine := computeFine(*settings, contract, now)
		writeErr := s.db.WithContext(ctx).Exec(
			`UPDATE contracts SET days_overdue = ?, late_fine_amount = ?, updated_at = ? WHERE id = ?`,
			daysOverdue, fine, now, contract.ID,
		).Error
		if writeErr != nil {
			s.log.Warn("fine update failed",
				zap.String("contract_id", contract.ID.String()),
				zap.Error(writeErr),
			)
			result.Errors = append(result.Errors, ContractError{ContractID: contract.ID, Err: writeErr})
			continue
		}
		result.UpdatedContracts++
	}
	return result, nil
}

// computeFine derives the overdue day count and fine amount for one contract.
// Days within the grace period are recorded but carry no fine.
func computeFine(settings FineSettings, contract overdueContract, now time.Time) (int, decimal.Decimal) {
	daysOverdue := int(now.Sub(contract.EndDate.UTC()).Hours() / 24)
	if daysOverdue < 0 {
		daysOverdue = 0
	}
	if daysOverdue <= settings.GracePeriodDays {
		return daysOverdue, decimal.Zero
	}

	effectiveDays := decimal.NewFromInt(int64(daysOverdue - settings.GracePeriodDays))
	var fine decimal.Decimal
	switch settings.FineType {
	case FineTypePercentage:
		base := contract.MonthlyAmount
		if base.IsZero() {
			base = contract.ContractAmount
		}
		fine = base.Mul(settings.FineRate).Div(decimal.NewFromInt(100)).Mul(effectiveDays)
	case FineTypeFixedDaily:
		fine = settings.FineRate.Mul(effectiveDays)
	default:
		return daysOverdue, decimal.Zero
	}

	if settings.MaxFineAmount != nil && fine.GreaterThan(*settings.MaxFineAmount) {
		fine = *settings.MaxFineAmount
	}
	return daysOverdue, fine.Round(monetaryScale)
}

func (s *Service) activeSettings(ctx context.Context, companyID snowflake.ID) (*FineSettings, error) {
	var settings FineSettings
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, company_id, fine_type, fine_rate, grace_period_days, max_fine_amount, is_active, created_at, updated_at
		 FROM fine_settings
		 WHERE company_id = ?
		   AND is_active
		 ORDER BY id DESC
		 LIMIT 1`,
		companyID,
	).Scan(&settings).Error
	if err != nil {
		return nil, err
	}
	if settings.ID == 0 {
		return nil, nil
	}
	return &settings, nil
}

// Module provides the late-fine calculator.
var Module = fx.Module("latefine",
	fx.Provide(NewService),
)
