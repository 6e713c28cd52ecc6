// Package telemetry exposes Prometheus metrics for the rule engine: ingestion
// row counters, batch rollbacks, evaluation volume, and cache effectiveness.
package telemetry

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus instruments. A nil *Metrics is valid
// and records nothing, so components can be exercised without a registry.
type Metrics struct {
	rowsProcessed  prometheus.Counter
	rowsUpdated    prometheus.Counter
	rowErrors      prometheus.Counter
	batchRollbacks prometheus.Counter
	evaluations    prometheus.Counter
	alertsFired    *prometheus.CounterVec
}

// NewMetrics registers the engine's instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rowsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cdss", Subsystem: "ingest", Name: "rows_processed_total",
			Help: "Data rows read from bulk rule feeds.",
		}),
		rowsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cdss", Subsystem: "ingest", Name: "rows_updated_total",
			Help: "Rows durably upserted into the rule store.",
		}),
		rowErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cdss", Subsystem: "ingest", Name: "row_errors_total",
			Help: "Rows rejected by validation or lost to batch rollbacks.",
		}),
		batchRollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cdss", Subsystem: "ingest", Name: "batch_rollbacks_total",
			Help: "Batches rolled back by a store-level failure.",
		}),
		evaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cdss", Subsystem: "eval", Name: "evaluations_total",
			Help: "Evaluation calls served.",
		}),
		alertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdss", Subsystem: "eval", Name: "alerts_fired_total",
			Help: "Alerts emitted, by severity.",
		}, []string{"severity"}),
	}
	reg.MustRegister(m.rowsProcessed, m.rowsUpdated, m.rowErrors,
		m.batchRollbacks, m.evaluations, m.alertsFired)
	return m
}

func (m *Metrics) AddRowsProcessed(n int) {
	if m != nil {
		m.rowsProcessed.Add(float64(n))
	}
}

func (m *Metrics) AddRowsUpdated(n int) {
	if m != nil {
		m.rowsUpdated.Add(float64(n))
	}
}

func (m *Metrics) AddRowErrors(n int) {
	if m != nil {
		m.rowErrors.Add(float64(n))
	}
}

func (m *Metrics) IncBatchRollbacks() {
	if m != nil {
		m.batchRollbacks.Inc()
	}
}

func (m *Metrics) IncEvaluations() {
	if m != nil {
		m.evaluations.Inc()
	}
}

func (m *Metrics) IncAlertsFired(severity string) {
	if m != nil {
		m.alertsFired.WithLabelValues(severity).Inc()
	}
}

// RegisterCacheGauges wires the rule cache's counters into reg via gauge
// functions. The closures read live values; the cache itself stays unaware
// of Prometheus.
func RegisterCacheGauges(reg prometheus.Registerer, hits, misses, keys func() float64) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "cdss", Subsystem: "cache", Name: "hits",
			Help: "Rule cache hits since start.",
		}, hits),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "cdss", Subsystem: "cache", Name: "misses",
			Help: "Rule cache misses since start.",
		}, misses),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "cdss", Subsystem: "cache", Name: "keys",
			Help: "Entries currently cached.",
		}, keys),
	)
}

// Handler returns the /metrics endpoint for the given gatherer.
func Handler(g prometheus.Gatherer) echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
