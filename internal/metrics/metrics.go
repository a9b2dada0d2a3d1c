// Package metrics exposes Prometheus collectors for jobs, downloaded files
// and supervisor outcomes. A Metrics value is also a notify.Notifier so the
// scheduler feeds it the same events it sends everywhere else.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tdl-archive-manager/internal/notify"
	"tdl-archive-manager/internal/supervisor"
)

const namespace = "tdl_archive"

type Metrics struct {
	registry *prometheus.Registry

	jobs          *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	files         prometheus.Counter
	bytes         prometheus.Counter
	skipped       prometheus.Counter
	batches       prometheus.Counter
	batchFailures prometheus.Counter
	outcomes      *prometheus.CounterVec
	runDuration   prometheus.Histogram
}

// New builds a private registry with the Go and process collectors plus the
// archive collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Finished jobs by type, trigger and status.",
		}, []string{"job_type", "trigger", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of finished jobs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"job_type"}),
		files: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_files_total",
			Help:      "Files acquired by download jobs.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Bytes acquired by download jobs.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_files_total",
			Help:      "Exported files that were already on disk.",
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Scheduled batch runs.",
		}),
		batchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_job_failures_total",
			Help:      "Failed jobs inside scheduled batches.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "runs_total",
			Help:      "Supervised tool runs by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "run_duration_seconds",
			Help:      "Wall time of supervised tool runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobs, m.jobDuration, m.files, m.bytes, m.skipped,
		m.batches, m.batchFailures, m.outcomes, m.runDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TrackInFlight exports the size reported by fn as a gauge.
func (m *Metrics) TrackInFlight(fn func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_in_flight",
		Help:      "Jobs currently running.",
	}, func() float64 { return float64(fn()) }))
}

// ObserveOutcome is the supervisor's observe hook.
func (m *Metrics) ObserveOutcome(o supervisor.Outcome) {
	m.outcomes.WithLabelValues(string(o.Kind)).Inc()
	m.runDuration.Observe(o.Elapsed.Seconds())
}

func (m *Metrics) NotifyJob(_ context.Context, ev notify.JobEvent) {
	if ev.Phase != notify.PhaseCompleted && ev.Phase != notify.PhaseFailed {
		return
	}
	m.jobs.WithLabelValues(ev.JobType, ev.Trigger, ev.Phase).Inc()
	m.jobDuration.WithLabelValues(ev.JobType).Observe(ev.Duration.Seconds())
	m.files.Add(float64(ev.Files))
	m.bytes.Add(float64(ev.Bytes))
	m.skipped.Add(float64(ev.Skipped))
}

func (m *Metrics) NotifyBatch(_ context.Context, ev notify.BatchEvent) {
	m.batches.Inc()
	m.batchFailures.Add(float64(ev.Failures))
}
