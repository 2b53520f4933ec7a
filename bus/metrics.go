package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts what the router does with received signals.
type Metrics struct {
	SignalsDispatched *prometheus.CounterVec
	ObserverErrors    prometheus.Counter
	WatchesActive     prometheus.Gauge
}

// NewMetrics creates the router metrics and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		SignalsDispatched: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "busproxy",
				Name:      "signals_dispatched_total",
				Help:      "Signals routed to proxies, by outcome",
			},
			[]string{"result"}, // result=handled/not_handled
		),
		ObserverErrors: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "busproxy",
				Name:      "observer_errors_total",
				Help:      "Signal handler failures reported by proxies",
			},
		),
		WatchesActive: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "busproxy",
				Name:      "watches_active",
				Help:      "Proxies currently watched by the router",
			},
		),
	}
}
