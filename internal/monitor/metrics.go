package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the engine. It satisfies
// sandbox.Observer and session.Observer, and DroppedEvent is meant to be
// passed to stream.WithDropHook.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	PeakMemoryBytes   *prometheus.HistogramVec
	GovernorKills     *prometheus.CounterVec
	LaunchFailures    *prometheus.CounterVec
	SessionsTotal     *prometheus.CounterVec
	SessionDuration   *prometheus.HistogramVec
	QueueWait         *prometheus.HistogramVec
	ActiveSessions    *prometheus.GaugeVec
	StepsPublished    prometheus.Counter
	EventsDropped     prometheus.Counter
	HistoryDropped    prometheus.Counter
	ComplexityFits    *prometheus.CounterVec
	FitConfidence     prometheus.Histogram
	SecurityEvents    *prometheus.CounterVec
	RequestsInFlight  prometheus.Gauge
	RequestDuration   *prometheus.HistogramVec
	CodeSizeBytes     prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "algo",
				Name:      "executions_total",
				Help:      "Total sandboxed runs by language, backend and status.",
			},
			[]string{"language", "backend", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "algo",
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock duration of sandboxed runs in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"language"},
		),

		PeakMemoryBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "algo",
				Name:      "execution_peak_memory_bytes",
				Help:      "Peak resident memory observed per run.",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 10),
			},
			[]string{"language"},
		),

		GovernorKills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "algo",
				Subsystem: "governor",
				Name:      "kills_total",
				Help:      "Runs terminated by the resource governor, by breached limit.",
			},
			[]string{"limit"},
		),

		LaunchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "algo",
				Name:      "launch_failures_total",
				Help:      "Sandbox launches that failed before the code ran.",
			},
			[]string{"backend"},
		),

		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "algo",
				Subsystem: "session",
				Name:      "finished_total",
				Help:      "Sessions that reached a terminal state.",
			},
			[]string{"kind", "state"},
		),

		SessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "algo",
				Subsystem: "session",
				Name:      "duration_seconds",
				Help:      "Time from session creation to terminal state.",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"kind"},
		),

		QueueWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "algo",
				Subsystem: "session",
				Name:      "queue_wait_seconds",
				Help:      "Time a session spent pending before launch.",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"kind"},
		),

		ActiveSessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "algo",
				Subsystem: "session",
				Name:      "running",
				Help:      "Sessions currently running.",
			},
			[]string{"kind"},
		),

		StepsPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "algo",
				Subsystem: "stream",
				Name:      "steps_published_total",
				Help:      "Step events published to subscribers.",
			},
		),

		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "algo",
				Subsystem: "stream",
				Name:      "events_dropped_total",
				Help:      "Events evicted from slow subscriber buffers.",
			},
		),

		HistoryDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "algo",
				Subsystem: "history",
				Name:      "records_dropped_total",
				Help:      "Session records not persisted because the write buffer was full or retries ran out.",
			},
		),

		ComplexityFits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "algo",
				Subsystem: "complexity",
				Name:      "fits_total",
				Help:      "Complexity fits reported, by winning model.",
			},
			[]string{"model"},
		),

		FitConfidence: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "algo",
				Subsystem: "complexity",
				Name:      "fit_confidence",
				Help:      "Confidence score of reported fits.",
				Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
			},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "algo",
				Name:      "security_events_total",
				Help:      "Screening findings on submitted code, by pattern.",
			},
			[]string{"type"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "algo",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "algo",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by route and status code.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "code"},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "algo",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.PeakMemoryBytes,
		m.GovernorKills,
		m.LaunchFailures,
		m.SessionsTotal,
		m.SessionDuration,
		m.QueueWait,
		m.ActiveSessions,
		m.StepsPublished,
		m.EventsDropped,
		m.HistoryDropped,
		m.ComplexityFits,
		m.FitConfidence,
		m.SecurityEvents,
		m.RequestsInFlight,
		m.RequestDuration,
		m.CodeSizeBytes,
	)

	return m
}

func (m *Metrics) ObserveExecution(language, backend, status string, wall time.Duration, peakMemory int64) {
	m.ExecutionsTotal.WithLabelValues(language, backend, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(wall.Seconds())
	if peakMemory > 0 {
		m.PeakMemoryBytes.WithLabelValues(language).Observe(float64(peakMemory))
	}
}

func (m *Metrics) ObserveKill(limit string) {
	m.GovernorKills.WithLabelValues(limit).Inc()
}

func (m *Metrics) ObserveLaunchFailure(backend string) {
	m.LaunchFailures.WithLabelValues(backend).Inc()
}

func (m *Metrics) SessionStarted(kind string, queued time.Duration) {
	m.QueueWait.WithLabelValues(kind).Observe(queued.Seconds())
	m.ActiveSessions.WithLabelValues(kind).Inc()
}

func (m *Metrics) SessionFinished(kind, state string, started bool, d time.Duration) {
	m.SessionsTotal.WithLabelValues(kind, state).Inc()
	m.SessionDuration.WithLabelValues(kind).Observe(d.Seconds())
	if started {
		m.ActiveSessions.WithLabelValues(kind).Dec()
	}
}

func (m *Metrics) StepPublished() {
	m.StepsPublished.Inc()
}

func (m *Metrics) FitReported(model string, confidence float64) {
	m.ComplexityFits.WithLabelValues(model).Inc()
	m.FitConfidence.Observe(confidence)
}

// DroppedEvent counts one evicted event for the given topic.
func (m *Metrics) DroppedEvent(string) {
	m.EventsDropped.Inc()
}

// DroppedRecord counts one session record lost by the history writer.
func (m *Metrics) DroppedRecord() {
	m.HistoryDropped.Inc()
}

// RecordSecurityEvent records a screening finding.
func (m *Metrics) RecordSecurityEvent(pattern string) {
	m.SecurityEvents.WithLabelValues(pattern).Inc()
}
