// Package metrics exposes build and dispatch counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"notebook-builder/internal/domain"
)

const namespace = "notebook_builder"

// Build records pipeline metrics on a worker node.
type Build struct {
	started     prometheus.Counter
	finished    *prometheus.CounterVec
	inFlight    prometheus.Gauge
	duration    *prometheus.HistogramVec
	stage       *prometheus.HistogramVec
	pushRetries prometheus.Counter
}

// NewBuild creates the build collectors and registers them with reg.
func NewBuild(reg prometheus.Registerer) *Build {
	b := &Build{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "builds_started_total",
			Help: "Builds picked up by this node.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "builds_finished_total",
			Help: "Builds that reached a terminal status, by status.",
		}, []string{"status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "builds_in_flight",
			Help: "Builds currently running on this node.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "build_duration_seconds",
			Help:    "Wall time of a build, by terminal status.",
			Buckets: []float64{30, 60, 120, 300, 600, 900, 1200, 1800, 3600},
		}, []string{"status"}),
		stage: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "stage_duration_seconds",
			Help:    "Wall time of a pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"stage"}),
		pushRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "push_retries_total",
			Help: "Registry push attempts that were retried.",
		}),
	}
	reg.MustRegister(b.started, b.finished, b.inFlight, b.duration, b.stage, b.pushRetries)
	return b
}

// BuildStarted records a build picked up.
func (b *Build) BuildStarted() {
	b.started.Inc()
	b.inFlight.Inc()
}

// BuildFinished records a build reaching status after elapsed.
func (b *Build) BuildFinished(status domain.BuildStatus, elapsed time.Duration) {
	b.inFlight.Dec()
	b.finished.WithLabelValues(string(status)).Inc()
	b.duration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

// StageFinished records the duration of one stage.
func (b *Build) StageFinished(stage string, elapsed time.Duration) {
	b.stage.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// PushRetried records a retried push.
func (b *Build) PushRetried() { b.pushRetries.Inc() }

// Dispatch records dispatch bridge and worker queue metrics.
type Dispatch struct {
	sessions   prometheus.Gauge
	commands   *prometheus.CounterVec
	relayed    prometheus.Counter
	deliveries *prometheus.CounterVec
}

// NewDispatch creates the dispatch collectors and registers them with reg.
func NewDispatch(reg prometheus.Registerer) *Dispatch {
	d := &Dispatch{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "bridge_sessions",
			Help: "Open client sessions.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bridge_commands_total",
			Help: "Client commands handled, by command and result.",
		}, []string{"command", "result"}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bridge_events_relayed_total",
			Help: "Progress events relayed to clients.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_deliveries_total",
			Help: "Queue messages consumed by worker nodes, by command and result.",
		}, []string{"command", "result"}),
	}
	reg.MustRegister(d.sessions, d.commands, d.relayed, d.deliveries)
	return d
}

// SessionOpened records a new client session.
func (d *Dispatch) SessionOpened() { d.sessions.Inc() }

// SessionClosed records the end of a client session.
func (d *Dispatch) SessionClosed() { d.sessions.Dec() }

// Command records a client command and its result ("ok", "denied", "error").
func (d *Dispatch) Command(command, result string) {
	d.commands.WithLabelValues(command, result).Inc()
}

// Relayed records one progress event relayed to a client.
func (d *Dispatch) Relayed() { d.relayed.Inc() }

// Delivery records one queue message consumed by a worker node.
func (d *Dispatch) Delivery(command, result string) {
	d.deliveries.WithLabelValues(command, result).Inc()
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the metrics in reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
