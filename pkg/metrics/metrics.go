package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "evoseal",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evoseal",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "evoseal",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	workflowSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evoseal",
			Subsystem: "workflow",
			Name:      "steps_total",
			Help:      "Total number of workflow steps executed, by status.",
		},
		[]string{"step", "status"},
	)

	workflowStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "evoseal",
			Subsystem: "workflow",
			Name:      "step_duration_seconds",
			Help:      "Duration of workflow step executions.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"step", "status"},
	)

	adapterInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evoseal",
			Subsystem: "adapter",
			Name:      "invocations_total",
			Help:      "Total component adapter invocations, by adapter and status.",
		},
		[]string{"adapter", "status"},
	)

	adapterDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "evoseal",
			Subsystem: "adapter",
			Name:      "invocation_duration_seconds",
			Help:      "Duration of component adapter invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"adapter", "status"},
	)

	checkpointOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evoseal",
			Subsystem: "checkpoint",
			Name:      "operations_total",
			Help:      "Checkpoint store operations by op (create|restore) and result (checkpoint kind for create, ok|corrupt for restore).",
		},
		[]string{"op", "result"},
	)

	checkpointBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "evoseal",
			Subsystem: "checkpoint",
			Name:      "bytes",
			Help:      "Size in bytes of saved checkpoint artifacts.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 12),
		},
		[]string{"op"},
	)

	rollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evoseal",
			Subsystem: "rollback",
			Name:      "executions_total",
			Help:      "Total rollback executions by trigger (the rollback reason) and outcome (succeeded|failed).",
		},
		[]string{"trigger", "outcome"},
	)

	regressionDetections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evoseal",
			Subsystem: "regression",
			Name:      "detections_total",
			Help:      "Regression checks by metric name and verdict (severity: none|low|medium|high|critical).",
		},
		[]string{"metric", "verdict"},
	)

	trainingCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evoseal",
			Subsystem: "evolution",
			Name:      "cycles_total",
			Help:      "Completed training cycles by outcome (deployed|rolled_back|fine_tune_failed|validation_failed).",
		},
		[]string{"outcome"},
	)

	trainingCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "evoseal",
			Subsystem: "evolution",
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of a full training cycle.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		},
	)

	moduleReady = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "evoseal",
			Subsystem: "engine",
			Name:      "module_ready",
			Help:      "Current readiness of modules (1 ready, 0 otherwise).",
		},
		[]string{"module", "domain"},
	)

	moduleWaitingDeps = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "evoseal",
			Subsystem: "engine",
			Name:      "module_waiting_dependencies",
			Help:      "Whether a module is waiting for dependencies (1 yes, 0 no).",
		},
		[]string{"module", "domain"},
	)

	moduleStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "evoseal",
			Subsystem: "engine",
			Name:      "module_status",
			Help:      "Lifecycle status of modules (one-hot by status label).",
		},
		[]string{"module", "domain", "status"},
	)

	moduleStartSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "evoseal",
			Subsystem: "engine",
			Name:      "module_start_seconds",
			Help:      "Start duration for modules (seconds).",
		},
		[]string{"module", "domain"},
	)

	moduleStopSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "evoseal",
			Subsystem: "engine",
			Name:      "module_stop_seconds",
			Help:      "Stop duration for modules (seconds).",
		},
		[]string{"module", "domain"},
	)

	busFanout = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evoseal",
			Subsystem: "eventbus",
			Name:      "dispatch_total",
			Help:      "Count of event bus dispatches grouped by event type and result.",
		},
		[]string{"event_type", "result"},
	)

	busFanoutCounts = struct {
		mu    sync.Mutex
		count map[string]struct {
			ok  float64
			err float64
		}
	}{count: make(map[string]struct {
		ok  float64
		err float64
	})}

	busFanoutHistory = struct {
		mu     sync.Mutex
		points map[string][]fanoutPoint
	}{points: make(map[string][]fanoutPoint)}

	fanoutRetention = 10 * time.Minute

	observationCollectors sync.Map
)

// fanoutPoint captures a timestamped fan-out result for short-term windows.
type fanoutPoint struct {
	at    time.Time
	isErr bool
}

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		workflowSteps,
		workflowStepDuration,
		adapterInvocations,
		adapterDuration,
		checkpointOps,
		checkpointBytes,
		rollbacksTotal,
		regressionDetections,
		trainingCycles,
		trainingCycleDuration,
		moduleReady,
		moduleWaitingDeps,
		moduleStatus,
		moduleStartSeconds,
		moduleStopSeconds,
		externalHealthGauge,
		externalHealthLatency,
		busFanout,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordWorkflowStep records the outcome and duration of a single workflow step.
func RecordWorkflowStep(step, status string, duration time.Duration) {
	if step == "" {
		step = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	workflowSteps.WithLabelValues(step, status).Inc()
	workflowStepDuration.WithLabelValues(step, status).Observe(duration.Seconds())
}

// RecordAdapterInvocation records a component adapter call and its outcome.
func RecordAdapterInvocation(adapter, status string, duration time.Duration) {
	if adapter == "" {
		adapter = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	adapterInvocations.WithLabelValues(adapter, status).Inc()
	adapterDuration.WithLabelValues(adapter, status).Observe(duration.Seconds())
}

// RecordCheckpointOp records a checkpoint store operation and, when
// sizeBytes is positive, the artifact size in bytes.
func RecordCheckpointOp(op, result string, sizeBytes int64) {
	if op == "" {
		op = "unknown"
	}
	if result == "" {
		result = "unknown"
	}
	checkpointOps.WithLabelValues(op, result).Inc()
	if sizeBytes > 0 {
		checkpointBytes.WithLabelValues(op).Observe(float64(sizeBytes))
	}
}

// RecordRollback records a rollback execution and its trigger.
func RecordRollback(trigger, outcome string) {
	if trigger == "" {
		trigger = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	rollbacksTotal.WithLabelValues(trigger, outcome).Inc()
}

// RecordRegressionDetection records a regression check's verdict for a given metric.
func RecordRegressionDetection(metric, verdict string) {
	if metric == "" {
		metric = "unknown"
	}
	if verdict == "" {
		verdict = "unknown"
	}
	regressionDetections.WithLabelValues(metric, verdict).Inc()
}

// RecordTrainingCycle records the completion and duration of a full training cycle.
func RecordTrainingCycle(outcome string, duration time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	trainingCycles.WithLabelValues(outcome).Inc()
	if duration > 0 {
		trainingCycleDuration.Observe(duration.Seconds())
	}
}

// ModuleMetric captures lifecycle/readiness for engine modules used to populate Prometheus gauges.
type ModuleMetric struct {
	Name    string
	Domain  string
	Status  string
	Ready   string
	Waiting bool
}

// RecordModuleMetrics publishes module lifecycle/readiness gauges. It resets previous values to keep metrics
// aligned with the latest state and to avoid stale statuses lingering when a module transitions.
func RecordModuleMetrics(mods []ModuleMetric) {
	moduleReady.Reset()
	moduleWaitingDeps.Reset()
	moduleStatus.Reset()
	for _, m := range mods {
		ready := 0.0
		if strings.EqualFold(m.Ready, "ready") {
			ready = 1.0
		}
		waiting := 0.0
		if m.Waiting {
			waiting = 1.0
		}
		moduleReady.WithLabelValues(m.Name, m.Domain).Set(ready)
		moduleWaitingDeps.WithLabelValues(m.Name, m.Domain).Set(waiting)
		moduleStatus.WithLabelValues(m.Name, m.Domain, m.Status).Set(1)
	}
}

// ModuleTiming captures start/stop durations for engine modules.
type ModuleTiming struct {
	Name         string
	Domain       string
	StartSeconds float64
	StopSeconds  float64
}

// RecordModuleTimings publishes module start/stop durations (seconds).
func RecordModuleTimings(timings []ModuleTiming) {
	moduleStartSeconds.Reset()
	moduleStopSeconds.Reset()
	for _, t := range timings {
		if t.Name == "" {
			continue
		}
		moduleStartSeconds.WithLabelValues(t.Name, t.Domain).Set(t.StartSeconds)
		moduleStopSeconds.WithLabelValues(t.Name, t.Domain).Set(t.StopSeconds)
	}
}

// RecordBusFanout increments event bus dispatch counters by event type and
// result (ok|error), and keeps a short retention window for BusFanoutWindow.
func RecordBusFanout(eventType string, err error) {
	if eventType == "" {
		eventType = "unknown"
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	busFanout.WithLabelValues(eventType, result).Inc()
	busFanoutCounts.mu.Lock()
	entry := busFanoutCounts.count[eventType]
	if result == "error" {
		entry.err++
	} else {
		entry.ok++
	}
	busFanoutCounts.count[eventType] = entry
	busFanoutCounts.mu.Unlock()
	now := time.Now()
	busFanoutHistory.mu.Lock()
	points := append(busFanoutHistory.points[eventType], fanoutPoint{at: now, isErr: result == "error"})
	cutoff := now.Add(-fanoutRetention)
	pruned := points[:0]
	for _, p := range points {
		if p.at.After(cutoff) {
			pruned = append(pruned, p)
		}
	}
	busFanoutHistory.points[eventType] = pruned
	busFanoutHistory.mu.Unlock()
}

var externalHealthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "evoseal_external_health",
	Help: "Health of external dependencies (1=up,0=down)",
}, []string{"service", "name", "code"})

var externalHealthLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "evoseal_external_health_latency_seconds",
	Help:    "Latency of external dependency health checks",
	Buckets: prometheus.DefBuckets,
}, []string{"service", "name"})

// RecordExternalHealth records status/latency for external health checks.
// Expected check fields: name (string), state ("up"/"partial"/"down"), code (int/string), duration_ms (float/int).
func RecordExternalHealth(service string, checks []map[string]any) {
	for _, check := range checks {
		name := strings.TrimSpace(anyToString(check["name"]))
		code := strings.TrimSpace(anyToString(check["code"]))
		state := strings.ToLower(strings.TrimSpace(anyToString(check["state"])))
		val := 0.0
		if state == "up" {
			val = 1.0
		}
		externalHealthGauge.WithLabelValues(service, name, code).Set(val)
		if dur, ok := toFloat64(check["duration_ms"]); ok {
			externalHealthLatency.WithLabelValues(service, name).Observe(dur / 1000.0)
		}
	}
}

func anyToString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func toFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	case uint32:
		return float64(t), true
	default:
		return 0, false
	}
}

// BusFanoutSnapshot returns aggregate dispatch counts grouped by event type.
func BusFanoutSnapshot() map[string]struct {
	OK    float64 `json:"ok"`
	Error float64 `json:"error"`
} {
	busFanoutCounts.mu.Lock()
	defer busFanoutCounts.mu.Unlock()
	out := make(map[string]struct {
		OK    float64 `json:"ok"`
		Error float64 `json:"error"`
	}, len(busFanoutCounts.count))
	for kind, val := range busFanoutCounts.count {
		out[kind] = struct {
			OK    float64 `json:"ok"`
			Error float64 `json:"error"`
		}{OK: val.ok, Error: val.err}
	}
	return out
}

// BusFanoutWindow returns dispatch counts for the provided window (e.g., 5m).
func BusFanoutWindow(window time.Duration) map[string]struct {
	OK    float64 `json:"ok"`
	Error float64 `json:"error"`
} {
	if window <= 0 {
		window = 5 * time.Minute
	}
	now := time.Now()
	cutoff := now.Add(-window)
	busFanoutHistory.mu.Lock()
	defer busFanoutHistory.mu.Unlock()
	out := make(map[string]struct {
		OK    float64 `json:"ok"`
		Error float64 `json:"error"`
	}, len(busFanoutHistory.points))
	for kind, points := range busFanoutHistory.points {
		var ok, err float64
		var pruned []fanoutPoint
		for _, p := range points {
			if p.at.Before(now.Add(-fanoutRetention)) {
				continue
			}
			pruned = append(pruned, p)
			if p.at.Before(cutoff) {
				continue
			}
			if p.isErr {
				err++
			} else {
				ok++
			}
		}
		busFanoutHistory.points[kind] = pruned
		out[kind] = struct {
			OK    float64 `json:"ok"`
			Error float64 `json:"error"`
		}{OK: ok, Error: err}
	}
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 {
		return "/"
	}
	if parts[0] != "versions" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/versions"
	}
	if len(parts) == 2 {
		return "/versions/:id"
	}
	resource := parts[1]
	return "/versions/" + resource
}
