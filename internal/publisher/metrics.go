package publisher

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "coapbridge"
	metricsSubsystem = "publisher"
)

type publisherMetrics struct {
	published prometheus.Counter
	dropped   prometheus.Counter
	errors    prometheus.Counter
	connected prometheus.Gauge
}

// newPublisherMetrics builds the collectors and registers them when reg is non-nil.
func newPublisherMetrics(reg prometheus.Registerer, q *Queue) (*publisherMetrics, error) {
	m := &publisherMetrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "published_total",
			Help:      "Records acknowledged by the broker",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "dropped_total",
			Help:      "Records dropped from a full outbound buffer",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "errors_total",
			Help:      "Failed publish attempts",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "connected",
			Help:      "1 while the broker link is open",
		}),
	}

	if reg == nil {
		return m, nil
	}

	depth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "queue_depth",
		Help:      "Records waiting in the outbound buffer",
	}, func() float64 { return float64(q.Len()) })

	for _, c := range []prometheus.Collector{m.published, m.dropped, m.errors, m.connected, depth} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering publisher metrics: %w", err)
		}
	}

	return m, nil
}
