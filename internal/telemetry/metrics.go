package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors of the research service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	JobsTotal          *prometheus.CounterVec
	JobsRunning        prometheus.Gauge
	StageDuration      *prometheus.HistogramVec
	TopicsTotal        *prometheus.CounterVec
	ToolCalls          *prometheus.CounterVec
	ToolDuration       *prometheus.HistogramVec
	LLMRequests        *prometheus.CounterVec
	LLMTokens          *prometheus.CounterVec
	EventsPublished    *prometheus.CounterVec
	DroppedSubscribers prometheus.Counter
}

// NewMetrics creates and registers every collector on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockresearch", Name: "jobs_total",
			Help: "Research jobs by terminal status.",
		}, []string{"status"}),
		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stockresearch", Name: "jobs_running",
			Help: "Research jobs currently running.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stockresearch", Name: "stage_duration_seconds",
			Help:    "Duration of pipeline stages.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		TopicsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockresearch", Name: "topics_total",
			Help: "Researched sub-topics by outcome.",
		}, []string{"status"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockresearch", Name: "tool_calls_total",
			Help: "Tool adapter invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stockresearch", Name: "tool_call_duration_seconds",
			Help:    "Tool adapter latency including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		LLMRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockresearch", Name: "llm_requests_total",
			Help: "LLM completion attempts by outcome.",
		}, []string{"outcome"}),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockresearch", Name: "llm_tokens_total",
			Help: "LLM tokens reported by the provider.",
		}, []string{"kind"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockresearch", Name: "events_published_total",
			Help: "Job events fanned out to subscribers.",
		}, []string{"type"}),
		DroppedSubscribers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stockresearch", Name: "dropped_subscribers_total",
			Help: "Stream subscribers closed because their buffer was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.JobsTotal, m.JobsRunning, m.StageDuration, m.TopicsTotal, m.ToolCalls,
			m.ToolDuration, m.LLMRequests, m.LLMTokens, m.EventsPublished, m.DroppedSubscribers)
	}
	return m
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsRunning.Inc()
}

func (m *Metrics) JobFinished(status string, wasRunning bool) {
	if m == nil {
		return
	}
	if wasRunning {
		m.JobsRunning.Dec()
	}
	m.JobsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) TopicFinished(status string) {
	if m == nil {
		return
	}
	m.TopicsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveTool(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) ObserveLLM(outcome string, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequests.WithLabelValues(outcome).Inc()
	if promptTokens > 0 {
		m.LLMTokens.WithLabelValues("prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokens.WithLabelValues("completion").Add(float64(completionTokens))
	}
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.DroppedSubscribers.Inc()
}
