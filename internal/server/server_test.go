package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditservice "github.com/fleetgrid/fincore/internal/audit/service"
	"github.com/fleetgrid/fincore/internal/clock"
	"github.com/fleetgrid/fincore/internal/config"
	contractdomain "github.com/fleetgrid/fincore/internal/contract/domain"
	invoiceservice "github.com/fleetgrid/fincore/internal/invoice/service"
	"github.com/fleetgrid/fincore/internal/latefine"
	paymentdomain "github.com/fleetgrid/fincore/internal/payment/domain"
	"github.com/fleetgrid/fincore/internal/payment/guard"
	paymentservice "github.com/fleetgrid/fincore/internal/payment/service"
	"github.com/fleetgrid/fincore/internal/reconcile"
	"github.com/fleetgrid/fincore/internal/testutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	router *gin.Engine
	db     *gorm.DB
	clock  *clock.FakeClock
	gen    *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.OpenDB(t)
	gen := testutil.NewIDGen(t)
	log := zap.NewNop()
	fakeClock := clock.NewFakeClock(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	cfg := config.Config{OverpaymentTolerance: decimal.RequireFromString("0.005")}

	auditSvc := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: gen})
	overpaymentGuard := guard.New(guard.Params{DB: db, Log: log, AuditSvc: auditSvc, Cfg: cfg})
	paymentSvc := paymentservice.NewService(paymentservice.Params{
		DB: db, Log: log, GenID: gen, Guard: overpaymentGuard, AuditSvc: auditSvc, Clock: fakeClock,
	})
	invoiceSvc := invoiceservice.NewService(invoiceservice.Params{
		DB: db, Log: log, GenID: gen, AuditSvc: auditSvc, Clock: fakeClock,
	})
	reconcileSvc := reconcile.NewService(reconcile.Params{DB: db, Log: log, Clock: fakeClock, AuditSvc: auditSvc})
	lateFineSvc := latefine.NewService(latefine.Params{DB: db, Log: log, Clock: fakeClock})

	router := NewEngine()
	NewServer(ServerParams{
		Gin: router, Cfg: cfg, DB: db, Log: log,
		PaymentSvc: paymentSvc, InvoiceSvc: invoiceSvc,
		ReconcileSvc: reconcileSvc, LateFineSvc: lateFineSvc,
	})
	return &fixture{router: router, db: db, clock: fakeClock, gen: gen}
}

func (f *fixture) seedContract(t *testing.T, contractAmount string) snowflake.ID {
	t.Helper()
	id := f.gen.Generate()
	err := f.db.Exec(
		`INSERT INTO contracts (id, company_id, contract_number, status, contract_amount, monthly_amount, created_at, updated_at)
		 VALUES (?, ?, ?, 'active', ?, 1000, ?, ?)`,
		id, f.gen.Generate(), "CTR-"+id.String(), contractAmount, f.clock.Now(), f.clock.Now(),
	).Error
	if err != nil {
		t.Fatalf("seed contract: %v", err)
	}
	return id
}

func (f *fixture) seedPayment(t *testing.T, contractID snowflake.ID, amount string, pair paymentdomain.StatusPair) snowflake.ID {
	t.Helper()
	id := f.gen.Generate()
	err := f.db.Exec(
		`INSERT INTO payments (id, contract_id, amount, payment_date, payment_status, processing_status, processing_notes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, '', ?, ?)`,
		id, contractID, amount, f.clock.Now(), pair.Payment, pair.Processing, f.clock.Now(), f.clock.Now(),
	).Error
	if err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	return id
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp.Error
}

func TestCreateAndCompletePayment(t *testing.T) {
	f := newFixture(t)
	contractID := f.seedContract(t, "1000")

	rec := f.do(t, http.MethodPost, "/api/payments", gin.H{
		"contract_id": contractID.String(),
		"amount":      "400",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var payment paymentdomain.Payment
	if err := json.Unmarshal(rec.Body.Bytes(), &payment); err != nil {
		t.Fatalf("decode payment: %v", err)
	}

	if rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/payments/%s/process", payment.ID), nil); rec.Code != http.StatusOK {
		t.Fatalf("process status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/payments/%s/complete", payment.ID), nil); rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/payments/%s", payment.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payment); err != nil {
		t.Fatalf("decode payment: %v", err)
	}
	if payment.Pair() != paymentdomain.PairCompletedCompleted {
		t.Fatalf("pair = %s, want completed/completed", payment.Pair())
	}
}

func TestIllegalTransitionIsRuleViolation(t *testing.T) {
	f := newFixture(t)
	contractID := f.seedContract(t, "1000")
	paymentID := f.seedPayment(t, contractID, "100", paymentdomain.PairPendingNew)

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/payments/%s/complete", paymentID), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body %s", rec.Code, rec.Body.String())
	}
	payload := decodeError(t, rec)
	if payload.Type != "rule_violation" || payload.Retryable {
		t.Fatalf("payload = %+v, want non-retryable rule_violation", payload)
	}
}

func TestOverpaymentIsRuleViolation(t *testing.T) {
	f := newFixture(t)
	contractID := f.seedContract(t, "1450")
	f.seedPayment(t, contractID, "1450", paymentdomain.PairCompletedCompleted)
	paymentID := f.seedPayment(t, contractID, "1", paymentdomain.PairPendingProcessing)

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/payments/%s/complete", paymentID), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body %s", rec.Code, rec.Body.String())
	}
	if payload := decodeError(t, rec); payload.Type != "rule_violation" {
		t.Fatalf("type = %s, want rule_violation", payload.Type)
	}
}

func TestBypassedCompletionReconcilesContract(t *testing.T) {
	f := newFixture(t)
	contractID := f.seedContract(t, "500")
	f.seedPayment(t, contractID, "500", paymentdomain.PairCompletedCompleted)
	paymentID := f.seedPayment(t, contractID, "50", paymentdomain.PairPendingProcessing)

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/payments/%s/complete", paymentID), gin.H{
		"bypass": gin.H{"reason": "deposit refund correction", "operator_id": "ops-9"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var totals struct{ TotalPaid decimal.Decimal }
	if err := f.db.Raw(`SELECT total_paid FROM contracts WHERE id = ?`, contractID).Scan(&totals).Error; err != nil {
		t.Fatalf("load totals: %v", err)
	}
	if !totals.TotalPaid.Equal(decimal.RequireFromString("550")) {
		t.Fatalf("total_paid = %s, want ledger sum 550", totals.TotalPaid)
	}
}

func TestCancelCompletedReconcilesContract(t *testing.T) {
	f := newFixture(t)
	contractID := f.seedContract(t, "1000")
	paymentID := f.seedPayment(t, contractID, "500", paymentdomain.PairCompletedCompleted)

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/payments/%s/cancel-completed", paymentID), gin.H{
		"reason":      "duplicate bank transfer",
		"operator_id": "ops-4",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var totals struct {
		TotalPaid  decimal.Decimal
		BalanceDue decimal.Decimal
	}
	if err := f.db.Raw(`SELECT total_paid, balance_due FROM contracts WHERE id = ?`, contractID).Scan(&totals).Error; err != nil {
		t.Fatalf("load totals: %v", err)
	}
	if !totals.TotalPaid.Equal(decimal.Zero) || !totals.BalanceDue.Equal(decimal.RequireFromString("1000")) {
		t.Fatalf("totals = %+v, want cancelled payment excluded", totals)
	}
}

func TestEnsureInvoiceEndpointIsIdempotent(t *testing.T) {
	f := newFixture(t)
	contractID := f.seedContract(t, "12000")

	body := gin.H{"amount": "1000", "due_date": "2025-03-10T00:00:00Z"}
	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/contracts/%s/invoices", contractID), body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first status = %d, body %s", rec.Code, rec.Body.String())
	}
	var first ensureInvoiceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !first.Created {
		t.Fatal("first call reported created=false")
	}

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/contracts/%s/invoices", contractID), body)
	if rec.Code != http.StatusOK {
		t.Fatalf("second status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	var second ensureInvoiceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if second.Created || second.Invoice.ID != first.Invoice.ID {
		t.Fatalf("second call: created=%v id=%s, want absorbed %s", second.Created, second.Invoice.ID, first.Invoice.ID)
	}
}

func TestGetContract(t *testing.T) {
	f := newFixture(t)
	contractID := f.seedContract(t, "1000")
	f.seedPayment(t, contractID, "400", paymentdomain.PairCompletedCompleted)

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/contracts/%s/reconcile", contractID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reconcile status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/contracts/%s", contractID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var contract contractdomain.Contract
	if err := json.Unmarshal(rec.Body.Bytes(), &contract); err != nil {
		t.Fatalf("decode contract: %v", err)
	}
	if !contract.TotalPaid.Equal(decimal.RequireFromString("400")) {
		t.Fatalf("total_paid = %s, want 400", contract.TotalPaid)
	}
	if !contract.BalanceDue.Equal(decimal.RequireFromString("600")) {
		t.Fatalf("balance_due = %s, want 600", contract.BalanceDue)
	}

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/contracts/%s", f.gen.Generate()), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown contract status = %d, want 404", rec.Code)
	}
}

func TestUnknownPaymentIs404(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/payments/%s", f.gen.Generate()), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCompanyJobsEndpoints(t *testing.T) {
	f := newFixture(t)
	companyID := f.gen.Generate()
	contractID := f.gen.Generate()
	err := f.db.Exec(
		`INSERT INTO contracts (id, company_id, contract_number, status, contract_amount, monthly_amount, end_date, created_at, updated_at)
		 VALUES (?, ?, ?, 'active', 1000, 1000, ?, ?, ?)`,
		contractID, companyID, "CTR-1", f.clock.Now().AddDate(0, 0, -40), f.clock.Now(), f.clock.Now(),
	).Error
	if err != nil {
		t.Fatalf("seed contract: %v", err)
	}
	f.seedPayment(t, contractID, "250", paymentdomain.PairCompletedCompleted)
	err = f.db.Exec(
		`INSERT INTO fine_settings (id, company_id, fine_type, fine_rate, grace_period_days, is_active, created_at, updated_at)
		 VALUES (?, ?, 'fixed_daily', 5, 10, TRUE, ?, ?)`,
		f.gen.Generate(), companyID, f.clock.Now(), f.clock.Now(),
	).Error
	if err != nil {
		t.Fatalf("seed fine settings: %v", err)
	}

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/companies/%s/reconcile", companyID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reconcile status = %d, body %s", rec.Code, rec.Body.String())
	}
	var recResp reconcileResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &recResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if recResp.Updated != 1 {
		t.Fatalf("reconciled = %d, want 1", recResp.Updated)
	}

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/companies/%s/fines", companyID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fines status = %d, body %s", rec.Code, rec.Body.String())
	}

	var row struct {
		TotalPaid      decimal.Decimal
		LateFineAmount decimal.Decimal
	}
	if err := f.db.Raw(`SELECT total_paid, late_fine_amount FROM contracts WHERE id = ?`, contractID).Scan(&row).Error; err != nil {
		t.Fatalf("load contract: %v", err)
	}
	if !row.TotalPaid.Equal(decimal.RequireFromString("250")) {
		t.Fatalf("total_paid = %s, want 250", row.TotalPaid)
	}
	if !row.LateFineAmount.Equal(decimal.RequireFromString("150")) {
		t.Fatalf("late_fine_amount = %s, want 150", row.LateFineAmount)
	}
}
