package observability

import (
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"reservebank/core/events"
)

func TestLendingMetricsRecordOperation(t *testing.T) {
	m := NewLendingMetrics(prometheus.NewRegistry())
	m.RecordOperation("deposit", "ok", 5*time.Millisecond)
	m.RecordOperation("deposit", "ok", time.Millisecond)
	m.RecordOperation("borrow", "exceeds_ltv", time.Millisecond)
	m.RecordOperation("", "", 0)

	require.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("deposit", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("borrow", "exceeds_ltv")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("unknown", "ok")))
	require.Equal(t, 3, testutil.CollectAndCount(m.latency))
}

func TestLendingMetricsRecordBank(t *testing.T) {
	m := NewLendingMetrics(prometheus.NewRegistry())
	ray := new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)
	borrow := new(big.Int).Mul(ray, big.NewInt(3))
	borrow.Quo(borrow, big.NewInt(2))

	m.RecordBank(" USDC", ray, borrow, 0.4)
	require.InDelta(t, 1.0, testutil.ToFloat64(m.depositIndex.WithLabelValues("USDC")), 1e-12)
	require.InDelta(t, 1.5, testutil.ToFloat64(m.borrowIndex.WithLabelValues("USDC")), 1e-12)
	require.InDelta(t, 0.4, testutil.ToFloat64(m.utilisation.WithLabelValues("USDC")), 1e-12)
}

func TestNilLendingMetricsIsSafe(t *testing.T) {
	var m *LendingMetrics
	m.RecordOperation("deposit", "ok", time.Second)
	m.RecordBank("USDC", nil, nil, 0)
}

func TestModuleMetricsObserve(t *testing.T) {
	m := newModuleMetrics(prometheus.NewRegistry())
	m.Observe("lending", "deposit", 200, time.Millisecond)
	m.Observe("lending", "deposit", 422, time.Millisecond)
	m.RecordThrottle("lending", "")

	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("lending", "deposit", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("lending", "deposit", "422")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.throttles.WithLabelValues("lending", "unspecified")))
}

type namedEvent string

func (e namedEvent) EventType() string { return string(e) }

func TestEventMetricsEmit(t *testing.T) {
	m := newEventMetrics(prometheus.NewRegistry())
	var emitter events.Emitter = m
	emitter.Emit(namedEvent("lending.deposited"))
	emitter.Emit(namedEvent("lending.deposited"))
	emitter.Emit(namedEvent(" "))
	emitter.Emit(nil)

	require.Equal(t, 2.0, testutil.ToFloat64(m.emitted.WithLabelValues("lending.deposited")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.emitted.WithLabelValues("unknown")))
}
