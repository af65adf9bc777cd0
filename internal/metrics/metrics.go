// Package metrics exposes pipeline counters in the Prometheus text format.
//
// A batch run has no scrape endpoint, so the registry is flushed to a
// textfile for node_exporter's textfile collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors for one process.
type Metrics struct {
	Registry *prometheus.Registry

	stageTotal  *prometheus.CounterVec
	repairs     *prometheus.CounterVec
	duration    prometheus.Gauge
	lastSuccess prometheus.Gauge
	years       prometheus.Gauge
}

// New registers the pipeline collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		stageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronotiles_stage_total",
			Help: "Stage executions by stage and action (ran, skipped, failed).",
		}, []string{"stage", "action"}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronotiles_geometry_repairs_total",
			Help: "Geometries repaired, by the technique that succeeded.",
		}, []string{"technique"}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chronotiles_run_duration_seconds",
			Help: "Wall-clock duration of the last run.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chronotiles_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run.",
		}),
		years: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chronotiles_years_processed",
			Help: "Years selected by the last run.",
		}),
	}
	m.Registry.MustRegister(m.stageTotal, m.repairs, m.duration, m.lastSuccess, m.years)
	return m
}

// Stage counts one stage outcome.
func (m *Metrics) Stage(stage, action string) {
	if m == nil {
		return
	}
	m.stageTotal.WithLabelValues(stage, action).Inc()
}

// Repair counts one repaired geometry.
func (m *Metrics) Repair(technique string) {
	if m == nil {
		return
	}
	m.repairs.WithLabelValues(technique).Inc()
}

// Years records how many years a run selected.
func (m *Metrics) Years(n int) {
	if m == nil {
		return
	}
	m.years.Set(float64(n))
}

// Finish records the run duration and, on success, the completion time.
func (m *Metrics) Finish(started, finished time.Time, ok bool) {
	if m == nil {
		return
	}
	m.duration.Set(finished.Sub(started).Seconds())
	if ok {
		m.lastSuccess.Set(float64(finished.Unix()))
	}
}

// WriteTextfile atomically writes the registry to path. An empty path is a
// no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}
