package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the bot's operational counters and gauges. The
// registry is handed to the embedding process; no scrape endpoint is
// served here.
type Metrics struct {
	CyclesTotal       prometheus.Counter
	TradesTotal       *prometheus.CounterVec
	DeviationPct      prometheus.Gauge
	ConsecutiveErrors prometheus.Gauge
	DailyVolumeUsed   prometheus.Gauge
	BreakerTripped    prometheus.Gauge
}

// New registers the bot metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pegkeeper",
			Name:      "cycles_total",
			Help:      "Decision cycles executed.",
		}),
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pegkeeper",
			Name:      "trades_total",
			Help:      "Execution attempts by terminal status.",
		}, []string{"status"}),
		DeviationPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pegkeeper",
			Name:      "deviation_pct",
			Help:      "Last observed peg deviation in percent.",
		}),
		ConsecutiveErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pegkeeper",
			Name:      "consecutive_errors",
			Help:      "Current consecutive cycle failures.",
		}),
		DailyVolumeUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pegkeeper",
			Name:      "daily_volume_used",
			Help:      "Quote-asset volume used in the current UTC day.",
		}),
		BreakerTripped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pegkeeper",
			Name:      "breaker_tripped",
			Help:      "1 while the safety breaker holds trading paused.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.CyclesTotal,
			m.TradesTotal,
			m.DeviationPct,
			m.ConsecutiveErrors,
			m.DailyVolumeUsed,
			m.BreakerTripped,
		)
	}
	return m
}
