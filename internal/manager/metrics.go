package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	liveContexts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "llamactx",
		Subsystem: "manager",
		Name:      "live_contexts",
		Help:      "Contexts currently live",
	})

	activeListeners = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "llamactx",
		Subsystem: "manager",
		Name:      "active_listeners",
		Help:      "Event subscriptions held by in-flight initializations and completions",
	})

	completionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llamactx",
			Subsystem: "manager",
			Name:      "completions_total",
			Help:      "Completions by outcome (ok, interrupted, error, rejected)",
		},
		[]string{"outcome"},
	)

	tokensTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "llamactx",
		Subsystem: "manager",
		Name:      "streamed_tokens_total",
		Help:      "Tokens delivered to completion callbacks",
	})

	initDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "llamactx",
		Subsystem: "manager",
		Name:      "init_duration_seconds",
		Help:      "Duration of context initialization in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
)

func init() {
	prometheus.MustRegister(liveContexts, activeListeners, completionsTotal, tokensTotal, initDuration)
}
