package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the resource cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationGet records resource cache reads.
	CacheOperationGet CacheOperation = "get"
	// CacheOperationFetch records remote fetches issued on a miss.
	CacheOperationFetch CacheOperation = "fetch"
	// CacheOperationPersist records durable snapshot writes.
	CacheOperationPersist CacheOperation = "persist"
	// CacheOperationHydrate records the one-time durable hydration pass.
	CacheOperationHydrate CacheOperation = "hydrate"
)

const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultStale = "stale"
	ResultOK    = "ok"
	ResultError = "error"
)

// Recorder publishes Prometheus metrics for cache, dispatch, registration and
// worker activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec
	feedUpdates     *prometheus.CounterVec

	dispatches      *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec

	pushRegistrations *prometheus.CounterVec
	workerEvents      *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardpost",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Resource cache operations by class.",
	}, []string{"class", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "guardpost",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for resource cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"class", "operation", "result"})

	feedUpdates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardpost",
		Subsystem: "feed",
		Name:      "updates_total",
		Help:      "Live feed snapshots applied to the resource cache.",
	}, []string{"class"})

	dispatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardpost",
		Name:      "dispatch_total",
		Help:      "Notification dispatch calls by target kind and outcome.",
	}, []string{"target", "outcome"})

	dispatchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "guardpost",
		Name:      "dispatch_duration_seconds",
		Help:      "Latency distribution for notification dispatch calls.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"target", "outcome"})

	pushRegistrations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardpost",
		Subsystem: "push",
		Name:      "registrations_total",
		Help:      "Push registration operations by result.",
	}, []string{"operation", "result"})

	workerEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardpost",
		Subsystem: "worker",
		Name:      "events_total",
		Help:      "Background worker events handled by type and result.",
	}, []string{"event", "result"})

	reg.MustRegister(cacheOperations, cacheLatency, feedUpdates, dispatches, dispatchLatency, pushRegistrations, workerEvents)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:          reg,
		handler:           handler,
		cacheOperations:   cacheOperations,
		cacheLatency:      cacheLatency,
		feedUpdates:       feedUpdates,
		dispatches:        dispatches,
		dispatchLatency:   dispatchLatency,
		pushRegistrations: pushRegistrations,
		workerEvents:      workerEvents,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveCache records one resource cache operation.
func (r *Recorder) ObserveCache(class string, operation CacheOperation, result string, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationGet)
	}
	classLabel := normalizeLabel(class)
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(classLabel, opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(classLabel, opLabel, resLabel).Observe(duration.Seconds())
}

// ObserveFeedUpdate counts a live snapshot applied for class.
func (r *Recorder) ObserveFeedUpdate(class string) {
	if r == nil {
		return
	}
	r.feedUpdates.WithLabelValues(normalizeLabel(class)).Inc()
}

// ObserveDispatch records a dispatch call. target is all, users or role.
func (r *Recorder) ObserveDispatch(target, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	targetLabel := normalizeLabel(target)
	outcomeLabel := normalizeLabel(outcome)
	r.dispatches.WithLabelValues(targetLabel, outcomeLabel).Inc()
	r.dispatchLatency.WithLabelValues(targetLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObservePush records a register, restore or revoke outcome.
func (r *Recorder) ObservePush(operation, result string) {
	if r == nil {
		return
	}
	r.pushRegistrations.WithLabelValues(normalizeLabel(operation), normalizeLabel(result)).Inc()
}

// ObserveWorkerEvent records a background worker event.
func (r *Recorder) ObserveWorkerEvent(event, result string) {
	if r == nil {
		return
	}
	r.workerEvents.WithLabelValues(normalizeLabel(event), normalizeLabel(result)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
