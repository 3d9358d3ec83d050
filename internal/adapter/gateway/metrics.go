package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reskit/internal/domain"
)

const metricsNamespace = "reskit"

// Metrics holds the service's Prometheus collectors. Counters are fed from
// lifecycle events on the bus.
type Metrics struct {
	Registry     *prometheus.Registry
	Turns        *prometheus.CounterVec
	TurnDuration prometheus.Histogram
	ToolCalls    *prometheus.CounterVec
	ToolDuration *prometheus.HistogramVec
	LLMCalls     *prometheus.CounterVec
	Tokens       *prometheus.CounterVec
	Messages     *prometheus.CounterVec
	WSClients    prometheus.Gauge
}

// NewMetrics creates the collectors on a private registry together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "turns_total",
			Help:      "Agent turns by outcome.",
		}, []string{"outcome"}),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of completed and failed turns.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and error flag.",
		}, []string{"tool", "is_error"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		LLMCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "llm_calls_total",
			Help:      "Model gateway calls by gateway and finish reason.",
		}, []string{"gateway", "finish_reason"}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "llm_tokens_total",
			Help:      "Tokens reported by model gateways.",
		}, []string{"gateway", "kind"}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "client_events_total",
			Help:      "Client-facing events published, by type.",
		}, []string{"type"}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "ws_clients",
			Help:      "Connected websocket clients.",
		}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Turns, m.TurnDuration, m.ToolCalls, m.ToolDuration,
		m.LLMCalls, m.Tokens, m.Messages, m.WSClients,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Observe subscribes the collectors to the bus and returns the unsubscribe
// function.
func (m *Metrics) Observe(bus domain.EventBus) func() {
	return bus.SubscribeAll(m.record)
}

func (m *Metrics) record(_ context.Context, event domain.Event) {
	switch event.Type {
	case domain.EventTurnCompleted, domain.EventTurnFailed:
		var p domain.TurnEvent
		_ = json.Unmarshal(event.Payload, &p)
		outcome := "completed"
		if event.Type == domain.EventTurnFailed {
			outcome = "failed"
			if p.Code != "" {
				outcome = p.Code
			}
		}
		m.Turns.WithLabelValues(outcome).Inc()
		m.TurnDuration.Observe(p.DurationMS / 1000)
	case domain.EventToolCallCompleted:
		var p domain.ToolCallEvent
		if json.Unmarshal(event.Payload, &p) != nil {
			return
		}
		m.ToolCalls.WithLabelValues(p.Tool, strconv.FormatBool(p.IsError)).Inc()
		m.ToolDuration.WithLabelValues(p.Tool).Observe(p.DurationMS / 1000)
	case domain.EventLLMCallCompleted:
		var p domain.LLMCallEvent
		if json.Unmarshal(event.Payload, &p) != nil {
			return
		}
		reason := string(p.FinishReason)
		if p.Error != "" {
			reason = "error"
		}
		m.LLMCalls.WithLabelValues(p.Gateway, reason).Inc()
		m.Tokens.WithLabelValues(p.Gateway, "prompt").Add(float64(p.Usage.PromptTokens))
		m.Tokens.WithLabelValues(p.Gateway, "completion").Add(float64(p.Usage.CompletionTokens))
	case domain.EventNewMessage, domain.EventNewCard:
		m.Messages.WithLabelValues(string(event.Type)).Inc()
	}
}
