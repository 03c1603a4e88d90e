package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	TransitionResultApplied  = "applied"
	TransitionResultInvalid  = "invalid"
	TransitionResultConflict = "conflict"
	TransitionResultRejected = "rejected"
	TransitionResultError    = "error"
)

// Metrics captures financial-engine health signals.
type Metrics struct {
	paymentTransitions    *prometheus.CounterVec
	overpaymentRejections prometheus.Counter
	overpaymentBypasses   prometheus.Counter
	invoicesCreated       prometheus.Counter
	invoicesAbsorbed      prometheus.Counter
	jobRuns               *prometheus.CounterVec
	jobErrors             *prometheus.CounterVec
	jobDuration           *prometheus.HistogramVec
	contractsReconciled   prometheus.Counter
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// Default returns the singleton metrics registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		metrics = newMetrics(prometheus.DefaultRegisterer)
	})
	return metrics
}

// ResetForTest resets the metrics singleton for tests.
func ResetForTest() {
	metricsOnce = sync.Once{}
	metrics = nil
}

func newMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		paymentTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fincore_payment_transitions_total",
			Help: "Payment state machine transitions by result.",
		}, []string{"result"}),
		overpaymentRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fincore_overpayment_rejections_total",
			Help: "Payment writes rejected by the overpayment invariant.",
		}),
		overpaymentBypasses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fincore_overpayment_bypasses_total",
			Help: "Audited administrative bypasses of the overpayment invariant.",
		}),
		invoicesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fincore_invoices_created_total",
			Help: "Invoices created by the duplicate-invoice guard.",
		}),
		invoicesAbsorbed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fincore_invoices_absorbed_total",
			Help: "Duplicate invoice attempts absorbed into idempotent success.",
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fincore_job_runs_total",
			Help: "Batch job runs by name.",
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fincore_job_errors_total",
			Help: "Batch job failures by name.",
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fincore_job_duration_seconds",
			Help:    "Batch job latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"job"}),
		contractsReconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fincore_contracts_reconciled_total",
			Help: "Contracts whose cached totals were recomputed from the ledger.",
		}),
	}

	for _, collector := range []prometheus.Collector{
		m.paymentTransitions,
		m.overpaymentRejections,
		m.overpaymentBypasses,
		m.invoicesCreated,
		m.invoicesAbsorbed,
		m.jobRuns,
		m.jobErrors,
		m.jobDuration,
		m.contractsReconciled,
	} {
		if err := registerer.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				_ = already
				continue
			}
		}
	}

	return m
}

func (m *Metrics) IncPaymentTransition(result string) {
	m.paymentTransitions.WithLabelValues(result).Inc()
}

func (m *Metrics) IncOverpaymentRejection() { m.overpaymentRejections.Inc() }
func (m *Metrics) IncOverpaymentBypass()    { m.overpaymentBypasses.Inc() }
func (m *Metrics) IncInvoiceCreated()       { m.invoicesCreated.Inc() }
func (m *Metrics) IncInvoiceAbsorbed()      { m.invoicesAbsorbed.Inc() }

func (m *Metrics) IncJobRun(job string)   { m.jobRuns.WithLabelValues(job).Inc() }
func (m *Metrics) IncJobError(job string) { m.jobErrors.WithLabelValues(job).Inc() }

func (m *Metrics) ObserveJobDuration(job string, d time.Duration) {
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *Metrics) AddContractsReconciled(n int) {
	if n > 0 {
		m.contractsReconciled.Add(float64(n))
	}
}
