package session

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "coapbridge"
	metricsSubsystem = "session"
)

// tableMetrics mirrors Stats as Prometheus collectors.
type tableMetrics struct {
	admitted   prometheus.Counter
	duplicates prometheus.Counter
	evictions  *prometheus.CounterVec
}

func newTableMetrics(reg prometheus.Registerer, t *Table) (*tableMetrics, error) {
	m := &tableMetrics{
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "admitted_total",
			Help:      "Fresh exchanges admitted to the session table",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "duplicates_total",
			Help:      "Retransmissions matched to an existing exchange",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "evictions_total",
			Help:      "Entries removed before completion or after their lifetime",
		}, []string{"reason"}),
	}

	active := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "active",
		Help:      "Entries currently held in the session table",
	}, func() float64 { return float64(t.Len()) })

	for _, c := range []prometheus.Collector{m.admitted, m.duplicates, m.evictions, active} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering session metrics: %w", err)
		}
	}

	return m, nil
}
