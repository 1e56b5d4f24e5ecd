package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the analyzer's Prometheus series. Hooks adapts them to EngineHooks.
type Metrics struct {
	Analyses         *prometheus.CounterVec
	AnalysisDuration *prometheus.HistogramVec
	RiskScore        *prometheus.HistogramVec
	ToolRounds       prometheus.Histogram

	LLMCalls    prometheus.Counter
	LLMTokens   *prometheus.CounterVec
	LLMDuration prometheus.Histogram

	ToolCalls    *prometheus.CounterVec
	ToolDuration *prometheus.HistogramVec
	ToolPayload  *prometheus.HistogramVec
}

// NewMetrics registers the analyzer metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certguard_triage_analyses_total",
			Help: "URL analyses by verdict and analyzer source.",
		}, []string{"threat_type", "source"}),
		AnalysisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "certguard_triage_analysis_duration_seconds",
			Help:    "Wall time of one URL analysis including tool rounds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 9), // 0.25s .. 64s
		}, []string{"source"}),
		RiskScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "certguard_triage_risk_score",
			Help:    "Distribution of assigned risk scores.",
			Buckets: prometheus.LinearBuckets(10, 10, 10), // 10 .. 100
		}, []string{"source"}),
		ToolRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "certguard_triage_tool_rounds",
			Help:    "Tool calls made while analysing one URL.",
			Buckets: prometheus.LinearBuckets(0, 1, MaxToolRounds+1),
		}),
		LLMCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "certguard_llm_calls_total",
			Help: "LLM provider calls.",
		}),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certguard_llm_tokens_total",
			Help: "LLM tokens consumed by direction.",
		}, []string{"direction"}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "certguard_llm_call_duration_seconds",
			Help:    "Duration of one LLM provider call.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 0.25s .. 32s
		}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certguard_tool_calls_total",
			Help: "Tool executions by tool and status.",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "certguard_tool_duration_seconds",
			Help:    "Duration of one tool execution.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms .. ~16s
		}, []string{"tool"}),
		ToolPayload: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "certguard_tool_payload_bytes",
			Help:    "Tool input and output sizes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 7), // 64B .. 256KB
		}, []string{"tool", "direction"}),
	}

	reg.MustRegister(
		m.Analyses, m.AnalysisDuration, m.RiskScore, m.ToolRounds,
		m.LLMCalls, m.LLMTokens, m.LLMDuration,
		m.ToolCalls, m.ToolDuration, m.ToolPayload,
	)
	return m
}

// Hooks returns EngineHooks that feed m.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnLLMCall: func(inputTokens, outputTokens int, duration float64) {
			m.LLMCalls.Inc()
			m.LLMTokens.WithLabelValues("input").Add(float64(inputTokens))
			m.LLMTokens.WithLabelValues("output").Add(float64(outputTokens))
			m.LLMDuration.Observe(duration)
		},
		OnToolCall: func(name string, duration float64, inputBytes, outputBytes int, isError bool) {
			status := "ok"
			if isError {
				status = "error"
			}
			m.ToolCalls.WithLabelValues(name, status).Inc()
			m.ToolDuration.WithLabelValues(name).Observe(duration)
			m.ToolPayload.WithLabelValues(name, "input").Observe(float64(inputBytes))
			m.ToolPayload.WithLabelValues(name, "output").Observe(float64(outputBytes))
		},
		OnComplete: func(e *CompleteEvent) {
			m.Analyses.WithLabelValues(string(e.ThreatType), string(e.Source)).Inc()
			m.AnalysisDuration.WithLabelValues(string(e.Source)).Observe(e.Duration)
			m.RiskScore.WithLabelValues(string(e.Source)).Observe(float64(e.RiskScore))
			m.ToolRounds.Observe(float64(e.ToolCalls))
		},
	}
}
