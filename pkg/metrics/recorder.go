// Package metrics exports engine events as Prometheus metrics and reads usage back
// from a Prometheus server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskorch/pkg/events"
)

// Event data keys read by the recorder.
const (
	KeyModel       = "model"
	KeyPhase       = "phase"
	KeyTokensIn    = "tokens_in"
	KeyTokensOut   = "tokens_out"
	KeyCost        = "cost"
	KeyStatus      = "status"
	KeyErrorCode   = "error_code"
	KeyFailureType = "failure_type"
	KeyScope       = "scope"
	KeyTo          = "to"
)

// Recorder is an events.Sink that keeps Prometheus counters in its own registry.
type Recorder struct {
	registry         *prometheus.Registry
	eventsTotal      *prometheus.CounterVec
	tokensTotal      *prometheus.CounterVec
	costsTotal       *prometheus.CounterVec
	tasksFinished    *prometheus.CounterVec
	retryDecisions   *prometheus.CounterVec
	clarifications   *prometheus.CounterVec
	circuitState     *prometheus.GaugeVec
	storeUnavailable prometheus.Counter
}

// NewRecorder creates a recorder with a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		eventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskorch_events_total",
				Help: "Events emitted by type",
			},
			[]string{"namespace", "type"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Total number of tokens used in LLM requests",
			},
			[]string{"namespace", "model", "phase", "type"},
		),
		costsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_costs_total",
				Help: "Total cost in USD for LLM requests",
			},
			[]string{"namespace", "model", "phase"},
		),
		tasksFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskorch_tasks_finished_total",
				Help: "Tasks that reached a terminal status",
			},
			[]string{"namespace", "status", "error_code"},
		),
		retryDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskorch_retry_decisions_total",
				Help: "Retry manager decisions by failure type",
			},
			[]string{"failure_type", "decision"},
		),
		clarifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskorch_clarifications_total",
				Help: "Clarification questions by outcome",
			},
			[]string{"namespace", "outcome"},
		),
		circuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "taskorch_circuit_state",
				Help: "Circuit breaker state per scope: 0 closed, 1 half open, 2 open",
			},
			[]string{"scope"},
		),
		storeUnavailable: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskorch_store_unavailable_total",
			Help: "Failed queue store calls seen by the dispatcher",
		}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Emit implements events.Sink.
func (r *Recorder) Emit(e events.Event) {
	r.eventsTotal.WithLabelValues(e.Namespace, string(e.Type)).Inc()

	switch e.Type {
	case events.ModelUsage:
		model, phase := str(e.Data, KeyModel), str(e.Data, KeyPhase)
		r.tokensTotal.WithLabelValues(e.Namespace, model, phase, "prompt").Add(num(e.Data, KeyTokensIn))
		r.tokensTotal.WithLabelValues(e.Namespace, model, phase, "completion").Add(num(e.Data, KeyTokensOut))
		r.costsTotal.WithLabelValues(e.Namespace, model, phase).Add(num(e.Data, KeyCost))
	case events.TaskFinished:
		r.tasksFinished.WithLabelValues(e.Namespace, str(e.Data, KeyStatus), str(e.Data, KeyErrorCode)).Inc()
	case events.RetryDecision:
		decision := "give_up"
		if b, _ := e.Data["retry"].(bool); b {
			decision = "retry"
		} else if b, _ := e.Data["escalate"].(bool); b {
			decision = "escalate"
		}
		r.retryDecisions.WithLabelValues(str(e.Data, KeyFailureType), decision).Inc()
	case events.ClarificationResolved:
		r.clarifications.WithLabelValues(e.Namespace, "resolved").Inc()
	case events.ClarificationEscalated:
		r.clarifications.WithLabelValues(e.Namespace, "escalated").Inc()
	case events.CircuitStateChanged:
		r.circuitState.WithLabelValues(str(e.Data, KeyScope)).Set(stateValue(str(e.Data, KeyTo)))
	case events.StoreUnavailable:
		r.storeUnavailable.Inc()
	}
}

func stateValue(s string) float64 {
	switch s {
	case "HALF_OPEN":
		return 1
	case "OPEN":
		return 2
	default:
		return 0
	}
}

func str(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}

// num reads a numeric value whether it came straight from the engine or through JSON.
func num(data map[string]any, key string) float64 {
	switch v := data[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	default:
		return 0
	}
}
