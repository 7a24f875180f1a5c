package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "advisor_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Conversation metrics
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_turns_total",
			Help: "Total number of conversation turns by outcome",
		},
		[]string{"outcome"},
	)

	turnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "advisor_turn_duration_seconds",
			Help:    "Time from prompt receipt to the terminal stream event",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		},
	)

	streamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_stream_events_total",
			Help: "Stream events relayed to clients by kind",
		},
		[]string{"kind"},
	)

	activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "advisor_active_streams",
			Help: "Number of streams currently being relayed",
		},
	)

	// Memory metrics
	memoryWriteFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_memory_write_failures_total",
			Help: "Turn writes that failed and were skipped",
		},
		[]string{"role"},
	)

	registryConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "advisor_registry_conflicts_total",
			Help: "Session registry conditional writes that lost a race",
		},
	)

	// Retrieval metrics
	retrievalPassagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_retrieval_passages_total",
			Help: "Retrieved passages by filter decision",
		},
		[]string{"decision"},
	)

	// Handoff metrics
	handoffOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_handoff_outcomes_total",
			Help: "Handoff executions by terminal state",
		},
		[]string{"state"},
	)

	handoffStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_handoff_step_attempts_total",
			Help: "Handoff step attempts by step and status",
		},
		[]string{"step", "status"},
	)

	handoffStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "advisor_handoff_step_duration_seconds",
			Help:    "Handoff step duration in seconds, retries included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	// Messaging metrics
	outboundMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_outbound_messages_total",
			Help: "Outbound messages by stage and result",
		},
		[]string{"stage", "result"},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			turnsTotal,
			turnDuration,
			streamEventsTotal,
			activeStreams,
			memoryWriteFailuresTotal,
			registryConflictsTotal,
			retrievalPassagesTotal,
			handoffOutcomesTotal,
			handoffStepsTotal,
			handoffStepDuration,
			outboundMessagesTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTurn records a finished conversation turn. outcome is "final",
// "error" or "disconnected".
func RecordTurn(outcome string, duration time.Duration) {
	turnsTotal.WithLabelValues(outcome).Inc()
	turnDuration.Observe(duration.Seconds())
}

// RecordStreamEvent counts one relayed stream event.
func RecordStreamEvent(kind string) {
	streamEventsTotal.WithLabelValues(kind).Inc()
}

// StreamStarted increments the active streams gauge; call the returned func
// when the stream ends.
func StreamStarted() func() {
	activeStreams.Inc()
	return activeStreams.Dec
}

// RecordMemoryWriteFailure counts a skipped turn write.
func RecordMemoryWriteFailure(role string) {
	memoryWriteFailuresTotal.WithLabelValues(role).Inc()
}

// RecordRegistryConflict counts a lost compare-and-swap on a session record.
func RecordRegistryConflict() {
	registryConflictsTotal.Inc()
}

// RecordRetrievalFilter records how many passages the filter kept and dropped.
func RecordRetrievalFilter(kept, dropped int) {
	retrievalPassagesTotal.WithLabelValues("kept").Add(float64(kept))
	retrievalPassagesTotal.WithLabelValues("dropped").Add(float64(dropped))
}

// RecordHandoffOutcome counts a handoff execution reaching state.
func RecordHandoffOutcome(state string) {
	handoffOutcomesTotal.WithLabelValues(state).Inc()
}

// RecordHandoffStep records one handoff step run.
func RecordHandoffStep(step, status string, attempts int, duration time.Duration) {
	handoffStepsTotal.WithLabelValues(step, status).Add(float64(attempts))
	handoffStepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordOutbound counts an outbound message event. stage is "publish" or
// "deliver"; result is e.g. "ok", "duplicate" or "error".
func RecordOutbound(stage, result string) {
	outboundMessagesTotal.WithLabelValues(stage, result).Inc()
}
