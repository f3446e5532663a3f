package services

import (
	"time"

	"tradingagents/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	SessionsCreated  prometheus.Counter
	SessionsFinished *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec

	// Upstream metrics
	ToolRequests *prometheus.CounterVec
	LLMRequests  *prometheus.CounterVec
	LLMLatency   prometheus.Histogram

	// WebSocket metrics
	WebSocketConnections prometheus.Gauge
}

// NewMetrics registers the application metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradingagents_sessions_created_total",
			Help: "Total number of analysis sessions created",
		}),

		// outcome: "ok", "errors" or "cancelled"
		SessionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradingagents_sessions_finished_total",
			Help: "Total number of analysis sessions finalized by outcome",
		}, []string{"outcome"}),

		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradingagents_stage_duration_seconds",
			Help:    "Stage execution time in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}, // up to 5 minutes for LLM stages
		}, []string{"stage", "status"}),

		// result: "hit_memory", "hit_redis", "miss" or "error"
		ToolRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradingagents_tool_requests_total",
			Help: "Total number of data tool requests by result",
		}, []string{"tool", "result"}),

		LLMRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradingagents_llm_requests_total",
			Help: "Total number of LLM completions by model tier and status",
		}, []string{"tier", "status"}),

		LLMLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradingagents_llm_request_duration_seconds",
			Help:    "LLM completion latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),

		WebSocketConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tradingagents_websocket_connections_active",
			Help: "Number of active session watch WebSocket connections",
		}),
	}
}

// RegisterRunnerGauge exposes the live runner count through fn
func (m *Metrics) RegisterRunnerGauge(reg prometheus.Registerer, fn func() int) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "tradingagents_runners_active",
		Help: "Number of pipeline runners currently in flight",
	}, func() float64 {
		return float64(fn())
	})
}

// RecordSessionCreated records a new session
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// RecordSessionFinished records a finalized session
func (m *Metrics) RecordSessionFinished(outcome string) {
	if m == nil {
		return
	}
	m.SessionsFinished.WithLabelValues(outcome).Inc()
}

// RecordStage records how long a stage took to reach a terminal state
func (m *Metrics) RecordStage(stage string, status models.StageStatus, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage, string(status)).Observe(elapsed.Seconds())
}

// RecordToolRequest records a tool lookup
func (m *Metrics) RecordToolRequest(tool, result string) {
	if m == nil {
		return
	}
	m.ToolRequests.WithLabelValues(tool, result).Inc()
}

// RecordLLMRequest records an LLM completion
func (m *Metrics) RecordLLMRequest(tier models.ModelTier, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.LLMRequests.WithLabelValues(string(tier), status).Inc()
	m.LLMLatency.Observe(elapsed.Seconds())
}

// RecordWebSocketConnect records a new WebSocket connection
func (m *Metrics) RecordWebSocketConnect() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Inc()
}

// RecordWebSocketDisconnect records a WebSocket disconnection
func (m *Metrics) RecordWebSocketDisconnect() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Dec()
}
