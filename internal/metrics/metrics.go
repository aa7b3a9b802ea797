package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "touch_runs_started_total",
			Help: "Research runs started",
		},
		[]string{"mode"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "touch_runs_completed_total",
			Help: "Research runs finished, by outcome (ok, blocked, error)",
		},
		[]string{"mode", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "touch_run_duration_seconds",
			Help:    "End-to-end research run duration",
			Buckets: []float64{1, 2.5, 5, 10, 20, 45, 90, 180},
		},
		[]string{"classification"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "touch_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	Classifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "touch_classifications_total",
			Help: "Planner classifications by kind and source (heuristic, model, fallback)",
		},
		[]string{"kind", "source"},
	)

	// Tool loop metrics
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "touch_tool_calls_total",
			Help: "Tool invocations by tool and result",
		},
		[]string{"tool", "result"},
	)

	ToolLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "touch_tool_latency_seconds",
			Help:    "Tool invocation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	LoopOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "touch_loop_outcomes_total",
			Help: "Tool loop terminal states (finished, exhausted, cancelled)",
		},
		[]string{"kind", "state"},
	)

	ModelCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "touch_model_calls_total",
			Help: "Model service calls by purpose and result",
		},
		[]string{"purpose", "result"},
	)

	// Safety and sanitizer metrics
	SafetyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "touch_safety_decisions_total",
			Help: "Safety gate decisions by stage, outcome and deciding layer",
		},
		[]string{"stage", "outcome", "layer"},
	)

	InjectionRedactions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "touch_injection_redactions_total",
			Help: "Untrusted texts in which an injection pattern was redacted",
		},
	)

	// Streaming metrics
	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "touch_stream_events_total",
			Help: "Progress events delivered to stream consumers",
		},
		[]string{"type"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "touch_active_streams",
			Help: "Streams currently open",
		},
	)

	// Conversation store
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "touch_conversation_store_operations_total",
			Help: "Conversation store operations by backend, op and result",
		},
		[]string{"backend", "op", "result"},
	)

	// HTTP surface
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "touch_http_requests_total",
			Help: "HTTP requests by route, method and status code",
		},
		[]string{"route", "method", "code"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "touch_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "touch_rate_limited_requests_total",
			Help: "Requests rejected by the API rate limiter",
		},
	)
)
