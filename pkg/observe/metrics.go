package observe

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	flowerrors "github.com/wehubfusion/Colony/pkg/errors"
	"github.com/wehubfusion/Colony/pkg/flow"
)

const metricsNamespace = "colony"

// MetricsObserver counts lifecycle events and records node latency.
//
// Metrics:
//   - colony_node_events_total{node,event}
//   - colony_node_latency_seconds{node,outcome}, observed on success and final failure
//   - colony_node_failures_total{node,code}
type MetricsObserver struct {
	EventsTotal    *prometheus.CounterVec
	LatencySeconds *prometheus.HistogramVec
	FailuresTotal  *prometheus.CounterVec
}

var _ flow.Observer = (*MetricsObserver)(nil)

// NewMetricsObserver creates the metrics and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewMetricsObserver(reg prometheus.Registerer) (*MetricsObserver, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &MetricsObserver{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "node_events_total",
				Help:      "Lifecycle events by node and event type",
			},
			[]string{"node", "event"},
		),
		LatencySeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "node_latency_seconds",
				Help:      "Node invocation latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"node", "outcome"},
		),
		FailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "node_failures_total",
				Help:      "Error records by node and error code",
			},
			[]string{"node", "code"},
		),
	}
	for _, c := range []prometheus.Collector{m.EventsTotal, m.LatencySeconds, m.FailuresTotal} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MetricsObserver) OnEvent(_ context.Context, ev flow.Event) {
	node := ev.NodeName
	if node == "" {
		node = "_flow"
	}
	m.EventsTotal.WithLabelValues(node, string(ev.Type)).Inc()

	switch ev.Type {
	case flow.EventNodeSuccess:
		m.LatencySeconds.WithLabelValues(node, "success").Observe(ev.Latency.Seconds())
	case flow.EventNodeFailed:
		m.LatencySeconds.WithLabelValues(node, "failed").Observe(ev.Latency.Seconds())
		m.FailuresTotal.WithLabelValues(node, flowerrors.Categorize(ev.Err)).Inc()
	}
}
