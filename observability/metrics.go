package observability

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	lendingMetricsOnce sync.Once
	lendingRegistry    *LendingMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// API activity per route.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = newModuleMetrics(prometheus.DefaultRegisterer)
	})
	return moduleRegistry
}

func newModuleMetrics(reg prometheus.Registerer) *moduleMetrics {
	m := &moduleMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reservebank",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total HTTP API requests segmented by module, route and outcome.",
		}, []string{"module", "method", "outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reservebank",
			Subsystem: "api",
			Name:      "errors_total",
			Help:      "Total HTTP API errors segmented by module, route and status code.",
		}, []string{"module", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reservebank",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for HTTP API handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"module", "method"}),
		throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reservebank",
			Subsystem: "api",
			Name:      "throttles_total",
			Help:      "Count of API requests rejected due to throttling policies.",
		}, []string{"module", "reason"}),
	}
	reg.MustRegister(m.requests, m.errors, m.latency, m.throttles)
	return m
}

// Observe records the outcome of a request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" or
// "quota_exceeded" so dashboards and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// LendingMetrics records engine operation outcomes and per-bank gauges.
type LendingMetrics struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	depositIndex *prometheus.GaugeVec
	borrowIndex  *prometheus.GaugeVec
	utilisation  *prometheus.GaugeVec
}

// Lending returns the process-wide lending metrics registered with the
// default prometheus registerer.
func Lending() *LendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = NewLendingMetrics(prometheus.DefaultRegisterer)
	})
	return lendingRegistry
}

// NewLendingMetrics builds lending metrics registered with reg.
func NewLendingMetrics(reg prometheus.Registerer) *LendingMetrics {
	m := &LendingMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reservebank",
			Subsystem: "lending",
			Name:      "operations_total",
			Help:      "Lending engine operations segmented by operation and outcome code.",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reservebank",
			Subsystem: "lending",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution for lending engine operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		depositIndex: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "reservebank",
			Subsystem: "lending",
			Name:      "deposit_index",
			Help:      "Deposit index per bank after the last committed operation.",
		}, []string{"asset"}),
		borrowIndex: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "reservebank",
			Subsystem: "lending",
			Name:      "borrow_index",
			Help:      "Borrow index per bank after the last committed operation.",
		}, []string{"asset"}),
		utilisation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "reservebank",
			Subsystem: "lending",
			Name:      "utilisation_ratio",
			Help:      "Borrowed over supplied funds per bank.",
		}, []string{"asset"}),
	}
	reg.MustRegister(m.operations, m.latency, m.depositIndex, m.borrowIndex, m.utilisation)
	return m
}

// RecordOperation counts an engine call and its latency.
func (m *LendingMetrics) RecordOperation(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	op = strings.TrimSpace(op)
	if op == "" {
		op = "unknown"
	}
	if outcome == "" {
		outcome = "ok"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

var rayFloat = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil))

func rayToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), rayFloat).Float64()
	return f
}

// RecordBank publishes the bank's indices as multiples of one.
func (m *LendingMetrics) RecordBank(asset string, depositIndex, borrowIndex *big.Int, utilisation float64) {
	if m == nil {
		return
	}
	asset = strings.TrimSpace(asset)
	m.depositIndex.WithLabelValues(asset).Set(rayToFloat(depositIndex))
	m.borrowIndex.WithLabelValues(asset).Set(rayToFloat(borrowIndex))
	m.utilisation.WithLabelValues(asset).Set(utilisation)
}
