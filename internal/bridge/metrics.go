package bridge

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "coapbridge"
	metricsSubsystem = "bridge"
)

type serverMetrics struct {
	received  prometheus.Counter
	decodeErr prometheus.Counter
	replayed  prometheus.Counter
	exchanges *prometheus.CounterVec
	duration  prometheus.Histogram
}

func newServerMetrics() *serverMetrics {
	return &serverMetrics{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "datagrams_received_total",
			Help:      "UDP datagrams read from the CoAP socket",
		}),
		decodeErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "decode_errors_total",
			Help:      "Datagrams dropped because they are not valid CoAP",
		}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "duplicates_replayed_total",
			Help:      "Retransmissions answered from the session cache",
		}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "exchanges_total",
			Help:      "Handled datagrams by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "exchange_duration_seconds",
			Help:      "Time from datagram receipt to reply",
			Buckets:   []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
		}),
	}
}

func (m *serverMetrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.received, m.decodeErr, m.replayed, m.exchanges, m.duration} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("registering bridge metrics: %w", err)
		}
	}
	return nil
}
