package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics tracks the reconciliation engine's request and settlement
// activity plus the live shape of the open range.
type EngineMetrics struct {
	Dispatched     *prometheus.CounterVec
	Settled        *prometheus.CounterVec
	RangesOpened   prometheus.Counter
	PendingActions prometheus.Gauge
	RangeTurn      prometheus.Gauge
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics
)

// Engine returns the lazily-initialised engine metrics registry.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tally",
				Subsystem: "engine",
				Name:      "actions_dispatched_total",
				Help:      "Actions appended to the journal, segmented by kind.",
			}, []string{"kind"}),
			Settled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tally",
				Subsystem: "engine",
				Name:      "actions_settled_total",
				Help:      "Actions applied to the ledger, segmented by kind.",
			}, []string{"kind"}),
			RangesOpened: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tally",
				Subsystem: "engine",
				Name:      "ranges_opened_total",
				Help:      "Settlement ranges frozen for processing.",
			}),
			PendingActions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "tally",
				Subsystem: "engine",
				Name:      "pending_actions",
				Help:      "Actions remaining in the open range.",
			}),
			RangeTurn: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "tally",
				Subsystem: "engine",
				Name:      "range_turn",
				Help:      "Index of the next action to settle in the open range.",
			}),
		}
		prometheus.MustRegister(
			engineRegistry.Dispatched,
			engineRegistry.Settled,
			engineRegistry.RangesOpened,
			engineRegistry.PendingActions,
			engineRegistry.RangeTurn,
		)
	})
	return engineRegistry
}
