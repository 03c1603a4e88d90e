package latefine

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fleetgrid/fincore/internal/clock"
	"github.com/fleetgrid/fincore/internal/testutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc   *Service
	db    *gorm.DB
	clock *clock.FakeClock
	gen   *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	fakeClock := clock.NewFakeClock(time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC))
	svc := NewService(Params{DB: db, Log: zap.NewNop(), Clock: fakeClock})
	return &fixture{svc: svc, db: db, clock: fakeClock, gen: testutil.NewIDGen(t)}
}

func (f *fixture) seedContract(t *testing.T, companyID snowflake.ID, status string, monthlyAmount string, endedDaysAgo int) snowflake.ID {
	t.Helper()
	id := f.gen.Generate()
	endDate := f.clock.Now().AddDate(0, 0, -endedDaysAgo)
	err := f.db.Exec(
		`INSERT INTO contracts (id, company_id, contract_number, status, contract_amount, monthly_amount, end_date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 12000, ?, ?, ?, ?)`,
		id, companyID, "CTR-"+id.String(), status, monthlyAmount, endDate, f.clock.Now(), f.clock.Now(),
	).Error
	if err != nil {
		t.Fatalf("seed contract: %v", err)
	}
	return id
}

func (f *fixture) seedSettings(t *testing.T, companyID snowflake.ID, fineType FineType, rate string, graceDays int, maxFine *string, active bool) {
	t.Helper()
	var max any
	if maxFine != nil {
		max = *maxFine
	}
	err := f.db.Exec(
		`INSERT INTO fine_settings (id, company_id, fine_type, fine_rate, grace_period_days, max_fine_amount, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.gen.Generate(), companyID, fineType, rate, graceDays, max, active, f.clock.Now(), f.clock.Now(),
	).Error
	if err != nil {
		t.Fatalf("seed fine settings: %v", err)
	}
}

type fineRow struct {
	DaysOverdue    int
	LateFineAmount decimal.Decimal
}

func (f *fixture) fineRow(t *testing.T, contractID snowflake.ID) fineRow {
	t.Helper()
	var row fineRow
	err := f.db.Raw(`SELECT days_overdue, late_fine_amount FROM contracts WHERE id = ?`, contractID).Scan(&row).Error
	if err != nil {
		t.Fatalf("load fine row: %v", err)
	}
	return row
}

func TestFixedDailyFine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	companyID := f.gen.Generate()
	f.seedSettings(t, companyID, FineTypeFixedDaily, "5", 10, nil, true)
	contractID := f.seedContract(t, companyID, "active", "1000", 40)

	result, err := f.svc.CalculateFines(ctx, companyID)
	if err != nil {
		t.Fatalf("CalculateFines: %v", err)
	}
	if result.UpdatedContracts != 1 {
		t.Fatalf("updated = %d, want 1", result.UpdatedContracts)
	}

	row := f.fineRow(t, contractID)
	if row.DaysOverdue != 40 {
		t.Fatalf("days_overdue = %d, want 40", row.DaysOverdue)
	}
	if !row.LateFineAmount.Equal(decimal.RequireFromString("150")) {
		t.Fatalf("late_fine_amount = %s, want 150", row.LateFineAmount)
	}

	// Same day, same result.
	if _, err := f.svc.CalculateFines(ctx, companyID); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if again := f.fineRow(t, contractID); again.DaysOverdue != 40 || !again.LateFineAmount.Equal(row.LateFineAmount) {
		t.Fatalf("re-run changed result: %+v -> %+v", row, again)
	}
}

func TestPercentageFine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	companyID := f.gen.Generate()
	f.seedSettings(t, companyID, FineTypePercentage, "0.5", 10, nil, true)
	contractID := f.seedContract(t, companyID, "active", "1000", 40)

	if _, err := f.svc.CalculateFines(ctx, companyID); err != nil {
		t.Fatalf("CalculateFines: %v", err)
	}
	// 1000 * 0.5% * 30 effective days.
	if row := f.fineRow(t, contractID); !row.LateFineAmount.Equal(decimal.RequireFromString("150")) {
		t.Fatalf("late_fine_amount = %s, want 150", row.LateFineAmount)
	}
}

func TestPercentageFineFallsBackToContractAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	companyID := f.gen.Generate()
	f.seedSettings(t, companyID, FineTypePercentage, "0.1", 0, nil, true)
	contractID := f.seedContract(t, companyID, "active", "0", 5)

	if _, err := f.svc.CalculateFines(ctx, companyID); err != nil {
		t.Fatalf("CalculateFines: %v", err)
	}
	// contract_amount 12000 * 0.1% * 5 days.
	if row := f.fineRow(t, contractID); !row.LateFineAmount.Equal(decimal.RequireFromString("60")) {
		t.Fatalf("late_fine_amount = %s, want 60", row.LateFineAmount)
	}
}

func TestFineCappedAtMax(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	companyID := f.gen.Generate()
	max := "100"
	f.seedSettings(t, companyID, FineTypeFixedDaily, "5", 10, &max, true)
	contractID := f.seedContract(t, companyID, "active", "1000", 40)

	if _, err := f.svc.CalculateFines(ctx, companyID); err != nil {
		t.Fatalf("CalculateFines: %v", err)
	}
	if row := f.fineRow(t, contractID); !row.LateFineAmount.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("late_fine_amount = %s, want capped 100", row.LateFineAmount)
	}
}

func TestGracePeriodRecordsDaysWithoutFine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	companyID := f.gen.Generate()
	f.seedSettings(t, companyID, FineTypeFixedDaily, "5", 10, nil, true)
	contractID := f.seedContract(t, companyID, "active", "1000", 7)

	if _, err := f.svc.CalculateFines(ctx, companyID); err != nil {
		t.Fatalf("CalculateFines: %v", err)
	}
	row := f.fineRow(t, contractID)
	if row.DaysOverdue != 7 {
		t.Fatalf("days_overdue = %d, want 7", row.DaysOverdue)
	}
	if !row.LateFineAmount.Equal(decimal.Zero) {
		t.Fatalf("late_fine_amount = %s, want 0 within grace", row.LateFineAmount)
	}
}

func TestNoActiveSettingsIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	companyID := f.gen.Generate()
	contractID := f.seedContract(t, companyID, "active", "1000", 40)

	result, err := f.svc.CalculateFines(ctx, companyID)
	if err != nil {
		t.Fatalf("no settings: %v", err)
	}
	if result.UpdatedContracts != 0 {
		t.Fatalf("updated = %d, want 0", result.UpdatedContracts)
	}

	f.seedSettings(t, companyID, FineTypeFixedDaily, "5", 10, nil, false)
	result, err = f.svc.CalculateFines(ctx, companyID)
	if err != nil {
		t.Fatalf("inactive settings: %v", err)
	}
	if result.UpdatedContracts != 0 {
		t.Fatalf("updated = %d, want 0 with inactive settings", result.UpdatedContracts)
	}

	if row := f.fineRow(t, contractID); row.DaysOverdue != 0 || !row.LateFineAmount.Equal(decimal.Zero) {
		t.Fatalf("contract touched without active settings: %+v", row)
	}
}

func TestOnlyOverdueActiveContractsAreTouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	companyID := f.gen.Generate()
	f.seedSettings(t, companyID, FineTypeFixedDaily, "5", 0, nil, true)

	overdue := f.seedContract(t, companyID, "active", "1000", 3)
	terminated := f.seedContract(t, companyID, "terminated", "1000", 30)
	notDue := f.seedContract(t, companyID, "active", "1000", -10)

	result, err := f.svc.CalculateFines(ctx, companyID)
	if err != nil {
		t.Fatalf("CalculateFines: %v", err)
	}
	if result.UpdatedContracts != 1 {
		t.Fatalf("updated = %d, want 1", result.UpdatedContracts)
	}
	if row := f.fineRow(t, overdue); row.DaysOverdue != 3 {
		t.Fatalf("overdue contract days = %d, want 3", row.DaysOverdue)
	}
	for _, id := range []snowflake.ID{terminated, notDue} {
		if row := f.fineRow(t, id); row.DaysOverdue != 0 || !row.LateFineAmount.Equal(decimal.Zero) {
			t.Fatalf("contract %s touched: %+v", id, row)
		}
	}
}
