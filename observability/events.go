package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"reservebank/core/events"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry counting emitted lending events. It
// implements events.Emitter so it can sit in an emitter fan-out.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = newEventMetrics(prometheus.DefaultRegisterer)
	})
	return eventRegistry
}

func newEventMetrics(reg prometheus.Registerer) *eventMetrics {
	m := &eventMetrics{
		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reservebank",
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Count of emitted events segmented by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(m.emitted)
	return m
}

// Emit increments the counter for the event's type.
func (m *eventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	kind := strings.TrimSpace(evt.EventType())
	if kind == "" {
		kind = "unknown"
	}
	m.emitted.WithLabelValues(kind).Inc()
}
