package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation results reported in metrics
const (
	resultCommitted = "committed"
	resultRejected  = "rejected"
	resultReplayed  = "replayed"
	resultError     = "error"
)

type Metrics struct {
	Operations           *prometheus.CounterVec
	OperationLatency     *prometheus.HistogramVec
	LiquidatablePosition prometheus.Gauge
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lending_operations_total",
				Help: "Total ledger operations by outcome.",
			},
			[]string{"operation", "result"},
		),
		OperationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lending_operation_duration_seconds",
				Help:    "Ledger operation duration in seconds, including custody transfer.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		LiquidatablePosition: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lending_liquidatable_positions",
				Help: "Positions whose debt exceeds half their collateral at the last health check.",
			},
		),
	}

	registry.MustRegister(m.Operations, m.OperationLatency, m.LiquidatablePosition)
	return m
}

func (m *Metrics) observe(operation, result string, start time.Time) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(operation, result).Inc()
	m.OperationLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) setLiquidatable(n int) {
	if m == nil {
		return
	}
	m.LiquidatablePosition.Set(float64(n))
}
