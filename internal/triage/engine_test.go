package triage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/certguard/internal/tools"
)

// mockProvider returns preconfigured responses in sequence.
type mockProvider struct {
	mu        sync.Mutex
	responses []*LLMResponse
	errs      []error
	requests  []*LLMRequest
	callIdx   int
}

const claudeTestModel = "claude-sonnet-4-20250514"

const phishingJSON = `{"riskScore": 82, "threatType": "phishing", "indicators": ["credential form", "lookalike domain"],
"confidence": 0.9, "recommendations": ["leave the page"], "analysis": "Lookalike bank login."}`

func (m *mockProvider) Send(_ context.Context, req *LLMRequest) (*LLMResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.callIdx
	m.callIdx++
	m.requests = append(m.requests, req)

	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	if idx < len(m.responses) {
		return m.responses[idx], nil
	}
	// fallback: end turn
	return &LLMResponse{
		Content:    []ContentBlock{{Type: "text", Text: "fallback"}},
		StopReason: StopEnd,
		Usage:      Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

// loopingProvider always asks for another tool call.
type loopingProvider struct {
	usage Usage
}

func (p *loopingProvider) Send(_ context.Context, _ *LLMRequest) (*LLMResponse, error) {
	return &LLMResponse{
		Content: []ContentBlock{
			{Type: "tool_use", ID: "loop", Name: "loop_tool", Input: json.RawMessage(`{}`)},
		},
		StopReason: StopToolUse,
		Usage:      p.usage,
	}, nil
}

// mockTool returns preconfigured Execute results.
type mockTool struct {
	name   string
	output json.RawMessage
	err    error
}

func (m *mockTool) Name() string                { return m.name }
func (m *mockTool) Description() string         { return "mock tool" }
func (m *mockTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (m *mockTool) Execute(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return m.output, m.err
}

func textResponse(text string, in, out int) *LLMResponse {
	return &LLMResponse{
		Content:    []ContentBlock{{Type: "text", Text: text}},
		StopReason: StopEnd,
		Usage:      Usage{InputTokens: in, OutputTokens: out},
		Model:      claudeTestModel,
	}
}

func TestAnalyze_SingleTurn(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{
		responses: []*LLMResponse{textResponse("Here you go:\n"+phishingJSON, 100, 50)},
	}
	engine := NewEngine(provider, tools.NewRegistry(), log.Nop(), EngineHooks{})

	res, err := engine.Analyze(context.Background(), "https://examp1e-bank.test/login", "Sign in to your bank")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RiskScore != 82 {
		t.Errorf("RiskScore = %d, want 82", res.RiskScore)
	}
	if res.ThreatType != ThreatPhishing {
		t.Errorf("ThreatType = %q, want %q", res.ThreatType, ThreatPhishing)
	}
	if res.Source != SourceLLM {
		t.Errorf("Source = %q, want %q", res.Source, SourceLLM)
	}
	if res.URL != "https://examp1e-bank.test/login" {
		t.Errorf("URL = %q", res.URL)
	}
	if len(res.Indicators) != 2 {
		t.Errorf("Indicators = %v, want 2 entries", res.Indicators)
	}
	if res.Analysis != "Lookalike bank login." {
		t.Errorf("Analysis = %q", res.Analysis)
	}

	req := provider.requests[0]
	if req.System == "" {
		t.Error("expected non-empty system prompt")
	}
	if req.MaxTokens != ResponseTokens {
		t.Errorf("MaxTokens = %d, want %d", req.MaxTokens, ResponseTokens)
	}
	if !strings.Contains(req.Messages[0].Content[0].Text, "Sign in to your bank") {
		t.Error("initial prompt should carry page context")
	}
}

func TestAnalyze_ToolUseLoop(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry()
	registry.Register(&mockTool{
		name:   "test_tool",
		output: json.RawMessage(`{"value":"42"}`),
	})

	provider := &mockProvider{
		responses: []*LLMResponse{
			{
				Content: []ContentBlock{
					{Type: "tool_use", ID: "call-1", Name: "test_tool", Input: json.RawMessage(`{"q":"test"}`)},
				},
				StopReason: StopToolUse,
				Usage:      Usage{InputTokens: 100, OutputTokens: 50},
			},
			textResponse(phishingJSON, 200, 100),
		},
	}
	engine := NewEngine(provider, registry, log.Nop(), EngineHooks{})

	res, err := engine.Analyze(context.Background(), "https://a.test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != SourceLLM {
		t.Errorf("Source = %q, want llm", res.Source)
	}

	if len(provider.requests) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(provider.requests))
	}
	// second request: user, assistant(tool_use), user(tool_result)
	msgs := provider.requests[1].Messages
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	tr := msgs[2].Content[0]
	if tr.Type != "tool_result" || tr.ToolUseID != "call-1" || tr.Content != `{"value":"42"}` {
		t.Errorf("tool result block = %+v", tr)
	}
}

func TestAnalyze_UnknownAndFailingTools(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry()
	registry.Register(&mockTool{
		name: "failing_tool",
		err:  errors.New("connection refused"),
	})

	provider := &mockProvider{
		responses: []*LLMResponse{
			{
				Content: []ContentBlock{
					{Type: "tool_use", ID: "call-1", Name: "nonexistent_tool", Input: json.RawMessage(`{}`)},
					{Type: "tool_use", ID: "call-2", Name: "failing_tool", Input: json.RawMessage(`{}`)},
				},
				StopReason: StopToolUse,
				Usage:      Usage{InputTokens: 50, OutputTokens: 30},
			},
			textResponse(phishingJSON, 100, 60),
		},
	}
	engine := NewEngine(provider, registry, log.Nop(), EngineHooks{})

	if _, err := engine.Analyze(context.Background(), "https://a.test", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	results := provider.requests[1].Messages[2].Content
	if len(results) != 2 {
		t.Fatalf("tool results = %d, want 2", len(results))
	}
	for _, r := range results {
		if !r.IsError {
			t.Errorf("result %s: expected IsError", r.ToolUseID)
		}
	}
	if !strings.Contains(results[0].Content, "unknown tool") {
		t.Errorf("unknown tool content = %q", results[0].Content)
	}
	if !strings.Contains(results[1].Content, "connection refused") {
		t.Errorf("failing tool content = %q", results[1].Content)
	}
}

func TestAnalyze_LLMError(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{
		errs: []error{errors.New("api key expired")},
	}
	engine := NewEngine(provider, nil, log.Nop(), EngineHooks{})

	res, err := engine.Analyze(context.Background(), "https://a.test", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if res != nil {
		t.Errorf("expected nil result, got %+v", res)
	}
	if !strings.Contains(err.Error(), "api key expired") {
		t.Errorf("error = %q, want it to wrap the provider error", err)
	}
}

func TestAnalyze_UnparseableFallsBackToConservative(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
	}{
		{"prose", "I think it is fine"},
		{"broken json", `{"riskScore": 90, "threatType": `},
		{"missing score", `{"threatType": "malicious"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			provider := &mockProvider{responses: []*LLMResponse{textResponse(tt.text, 1, 1)}}
			engine := NewEngine(provider, nil, log.Nop(), EngineHooks{})

			res, err := engine.Analyze(context.Background(), "https://a.test", "")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Source != SourceDefault {
				t.Errorf("Source = %q, want default", res.Source)
			}
			if res.RiskScore != 50 || res.ThreatType != ThreatSuspicious {
				t.Errorf("got score %d type %q, want conservative default", res.RiskScore, res.ThreatType)
			}
		})
	}
}

func TestAnalyze_MaxToolRoundsLimit(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry()
	registry.Register(&mockTool{name: "loop_tool", output: json.RawMessage(`{}`)})

	var toolHookCalls int
	engine := NewEngine(&loopingProvider{usage: Usage{InputTokens: 1, OutputTokens: 1}}, registry, log.Nop(), EngineHooks{
		OnToolCall: func(string, float64, int, int, bool) { toolHookCalls++ },
	})

	res, err := engine.Analyze(context.Background(), "https://a.test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != SourceDefault {
		t.Errorf("Source = %q, want default", res.Source)
	}
	if toolHookCalls != MaxToolRounds {
		t.Errorf("tool calls = %d, want %d", toolHookCalls, MaxToolRounds)
	}
}

func TestAnalyze_MaxTokensLimit(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry()
	registry.Register(&mockTool{name: "loop_tool", output: json.RawMessage(`{}`)})

	var llmCalls int
	engine := NewEngine(&loopingProvider{usage: Usage{InputTokens: MaxTokens, OutputTokens: 1}}, registry, log.Nop(), EngineHooks{
		OnLLMCall: func(int, int, float64) { llmCalls++ },
	})

	res, err := engine.Analyze(context.Background(), "https://a.test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != SourceDefault {
		t.Errorf("Source = %q, want default", res.Source)
	}
	if llmCalls != 1 {
		t.Errorf("llm calls = %d, want 1", llmCalls)
	}
}

func TestBuildInitialPrompt(t *testing.T) {
	t.Parallel()

	p := buildInitialPrompt("https://a.test", strings.Repeat("x", 5000))
	if !strings.Contains(p, "https://a.test") {
		t.Error("prompt missing url")
	}
	if strings.Count(p, "x") > 4001 {
		t.Error("page context should be truncated")
	}

	// 4000 is not a multiple of the 3-byte rune
	p = buildInitialPrompt("https://a.test", strings.Repeat("証", 2000))
	if !utf8.ValidString(p) {
		t.Error("prompt split a multibyte rune")
	}
}

func TestParseResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		text      string
		wantScore int
		wantType  ThreatType
		wantConf  float64
		wantErr   bool
	}{
		{"plain", `{"riskScore": 10, "threatType": "safe", "confidence": 0.8}`, 10, ThreatSafe, 0.8, false},
		{"fenced", "```json\n{\"riskScore\": 55.6, \"threatType\": \"Suspicious\"}\n```", 56, ThreatSuspicious, 0, false},
		{"clamped", `{"riskScore": 140, "threatType": "high_risk", "confidence": 3}`, 100, ThreatHighRisk, 1, false},
		{"unknown type", `{"riskScore": 20, "threatType": "weird"}`, 20, ThreatUnknown, 0, false},
		{"no object", "nothing here", 0, "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := ParseResult("u", tt.text)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.RiskScore != tt.wantScore {
				t.Errorf("RiskScore = %d, want %d", res.RiskScore, tt.wantScore)
			}
			if res.ThreatType != tt.wantType {
				t.Errorf("ThreatType = %q, want %q", res.ThreatType, tt.wantType)
			}
			if res.Confidence != tt.wantConf {
				t.Errorf("Confidence = %v, want %v", res.Confidence, tt.wantConf)
			}
			if res.Indicators == nil || res.Recommendations == nil {
				t.Error("expected non-nil slices")
			}
		})
	}
}

func TestAnalyze_HooksCalled(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry()
	registry.Register(&mockTool{
		name:   "hook_tool",
		output: json.RawMessage(`{"result":"ok"}`),
	})

	provider := &mockProvider{
		responses: []*LLMResponse{
			{
				Content: []ContentBlock{
					{Type: "tool_use", ID: "c-1", Name: "hook_tool", Input: json.RawMessage(`{"q":"x"}`)},
				},
				StopReason: StopToolUse,
				Usage:      Usage{InputTokens: 100, OutputTokens: 50},
				Model:      claudeTestModel,
			},
			textResponse(phishingJSON, 200, 80),
		},
	}

	var (
		mu             sync.Mutex
		llmCalls       int
		totalTokensIn  int
		totalTokensOut int
		toolCalls      int
		lastToolName   string
		lastToolErr    bool
		completeCalls  int
		complete       *CompleteEvent
	)

	hooks := EngineHooks{
		OnLLMCall: func(in, out int, _ float64) {
			mu.Lock()
			defer mu.Unlock()
			llmCalls++
			totalTokensIn += in
			totalTokensOut += out
		},
		OnToolCall: func(name string, _ float64, _, _ int, isErr bool) {
			mu.Lock()
			defer mu.Unlock()
			toolCalls++
			lastToolName = name
			lastToolErr = isErr
		},
		OnComplete: func(e *CompleteEvent) {
			mu.Lock()
			defer mu.Unlock()
			completeCalls++
			complete = e
		},
	}

	engine := NewEngine(provider, registry, log.Nop(), hooks)
	if _, err := engine.Analyze(context.Background(), "https://a.test", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if llmCalls != 2 {
		t.Errorf("llm hook calls = %d, want 2", llmCalls)
	}
	if totalTokensIn != 300 {
		t.Errorf("total tokens in = %d, want 300", totalTokensIn)
	}
	if totalTokensOut != 130 {
		t.Errorf("total tokens out = %d, want 130", totalTokensOut)
	}
	if toolCalls != 1 {
		t.Errorf("tool hook calls = %d, want 1", toolCalls)
	}
	if lastToolName != "hook_tool" {
		t.Errorf("last tool name = %q, want %q", lastToolName, "hook_tool")
	}
	if lastToolErr {
		t.Error("expected tool error = false")
	}
	if completeCalls != 1 {
		t.Fatalf("complete hook calls = %d, want 1", completeCalls)
	}
	if complete.ThreatType != ThreatPhishing || complete.Source != SourceLLM {
		t.Errorf("complete event = %+v", complete)
	}
	if complete.TokensIn != 300 || complete.TokensOut != 130 || complete.ToolCalls != 1 {
		t.Errorf("complete event totals = %+v", complete)
	}
	if complete.Model != claudeTestModel {
		t.Errorf("complete model = %q, want %q", complete.Model, claudeTestModel)
	}
}

func TestAnalyze_CreatesSpans(t *testing.T) { //nolint:gocognit // its a complex test and not worth the time to break down
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	registry := tools.NewRegistry()
	registry.Register(&mockTool{
		name:   "span_tool",
		output: json.RawMessage(`{"ok":true}`),
	})

	provider := &mockProvider{
		responses: []*LLMResponse{
			{
				Content: []ContentBlock{
					{Type: "tool_use", ID: "c-1", Name: "span_tool", Input: json.RawMessage(`{"q":"x"}`)},
				},
				StopReason: StopToolUse,
				Usage:      Usage{InputTokens: 100, OutputTokens: 50},
				Model:      claudeTestModel,
			},
			textResponse(phishingJSON, 200, 80),
		},
	}

	engine := NewEngine(provider, registry, log.Nop(), EngineHooks{})
	if _, err := engine.Analyze(context.Background(), "https://span.test", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spans := exporter.GetSpans()

	counts := make(map[string]int)
	for _, s := range spans {
		counts[s.Name]++
	}
	if counts["llm.call"] != 2 {
		t.Errorf("llm.call spans = %d, want 2", counts["llm.call"])
	}
	if counts["tool.execute"] != 1 {
		t.Errorf("tool.execute spans = %d, want 1", counts["tool.execute"])
	}

	var chatSpanIdx int
	for _, s := range spans {
		if s.Name != "llm.call" {
			continue
		}
		attrs := make(map[string]any)
		for _, a := range s.Attributes {
			attrs[string(a.Key)] = a.Value.AsInterface()
		}
		if v, ok := attrs["gen_ai.operation.name"]; !ok || v != "llm.call" {
			t.Errorf("llm.call span missing gen_ai.operation.name=llm.call, got %v", v)
		}
		if v, ok := attrs["gen_ai.response.model"]; !ok || v != claudeTestModel {
			t.Errorf("llm.call span missing gen_ai.response.model, got %v", v)
		}
		if v, ok := attrs["certguard.triage.url"]; !ok || v != "https://span.test" {
			t.Errorf("llm.call span certguard.triage.url = %v", v)
		}
		if v, ok := attrs["certguard.chat.seq"]; !ok || v != int64(chatSpanIdx) {
			t.Errorf("llm.call span certguard.chat.seq = %v, want %d", v, chatSpanIdx)
		}

		eventNames := make(map[string]bool)
		for _, ev := range s.Events {
			eventNames[ev.Name] = true
		}
		if !eventNames["llm.request"] {
			t.Errorf("llm.call span[%d] missing llm.request event", chatSpanIdx)
		}
		if !eventNames["llm.response"] {
			t.Errorf("llm.call span[%d] missing llm.response event", chatSpanIdx)
		}
		chatSpanIdx++
	}

	for _, s := range spans {
		if s.Name != "tool.execute" {
			continue
		}
		attrs := make(map[string]any)
		for _, a := range s.Attributes {
			attrs[string(a.Key)] = a.Value.AsInterface()
		}
		if v, ok := attrs["gen_ai.tool.name"]; !ok || v != "span_tool" {
			t.Errorf("tool span missing gen_ai.tool.name=span_tool, got %v", v)
		}
		if v, ok := attrs["certguard.tool.is_error"]; !ok || v != false {
			t.Errorf("tool span certguard.tool.is_error = %v, want false", v)
		}
		if v, ok := attrs["certguard.tool.input"]; !ok || v != `{"q":"x"}` {
			t.Errorf("tool span certguard.tool.input = %v", v)
		}

		events := make(map[string]map[string]string)
		for _, ev := range s.Events {
			evAttrs := make(map[string]string)
			for _, a := range ev.Attributes {
				evAttrs[string(a.Key)] = a.Value.AsString()
			}
			events[ev.Name] = evAttrs
		}
		if reqAttrs, ok := events["tool.request"]; !ok {
			t.Error("tool.execute span missing tool.request event")
		} else if reqAttrs["tool.request.body"] != `{"q":"x"}` {
			t.Errorf("tool.request body = %q", reqAttrs["tool.request.body"])
		}
		if resAttrs, ok := events["tool.result"]; !ok {
			t.Error("tool.execute span missing tool.result event")
		} else if resAttrs["tool.result.body"] != `{"ok":true}` {
			t.Errorf("tool.result body = %q", resAttrs["tool.result.body"])
		}
	}
}
