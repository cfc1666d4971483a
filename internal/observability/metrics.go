package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "extract_gateway_active_sessions",
		Help: "Number of active streaming sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "extract_gateway_sessions_total",
		Help: "Total number of streaming sessions opened",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "extract_gateway_session_duration_seconds",
		Help:    "Duration of streaming sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Engine pass metrics
	enginePasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extract_gateway_engine_passes_total",
		Help: "Total number of extraction passes against the engine",
	}, []string{"mode", "status"}) // mode: "batch", "single", "aggregate"

	enginePassLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "extract_gateway_engine_pass_latency_seconds",
		Help:    "Extraction pass latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	// Extraction diff metrics
	extractionsSurfaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "extract_gateway_extractions_surfaced_total",
		Help: "Total number of new extractions surfaced to callers",
	})

	duplicatesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "extract_gateway_duplicates_suppressed_total",
		Help: "Total number of already-seen extractions suppressed by dedup",
	})

	pendingChars = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "extract_gateway_pending_chars",
		Help: "Characters buffered across sessions awaiting an extraction pass",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extract_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "extract_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})
)

// Metrics tracks metrics for a single streaming session
type Metrics struct {
	sessionID     string
	startTime     time.Time
	passStartTime time.Time
	mu            sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a streaming session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a streaming session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordPassStart records the start of an extraction pass
func (m *Metrics) RecordPassStart() {
	m.mu.Lock()
	m.passStartTime = time.Now()
	m.mu.Unlock()
}

// RecordPassEnd records the end of an extraction pass
func (m *Metrics) RecordPassEnd(mode string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.passStartTime.IsZero() {
		enginePassLatency.Observe(time.Since(m.passStartTime).Seconds())
	}

	status := "success"
	if !success {
		status = "error"
	}
	enginePasses.WithLabelValues(mode, status).Inc()
}

// RecordDelta records the outcome of a dedup diff: how many extractions
// were surfaced as new and how many were suppressed as repeats
func (m *Metrics) RecordDelta(surfaced, suppressed int) {
	extractionsSurfaced.Add(float64(surfaced))
	duplicatesSuppressed.Add(float64(suppressed))
}

// RecordError records an error by type and component
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPendingChars adjusts the buffered-character gauge by delta
func RecordPendingChars(delta int) {
	pendingChars.Add(float64(delta))
}

// RecordCircuitBreakerState records the state of a circuit breaker
func RecordCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}
