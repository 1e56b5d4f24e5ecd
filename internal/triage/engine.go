// internal/triage/engine.go
package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/certguard/internal/textutil"
	"github.com/linnemanlabs/certguard/internal/tools"
)

const (
	MaxToolRounds  = 5
	MaxTokens      = 20000
	ResponseTokens = 1024
)

const tracerName = "github.com/linnemanlabs/certguard/internal/triage"

var errNoJSON = errors.New("no json object in response")

// CompleteEvent summarises a finished analysis for metrics.
type CompleteEvent struct {
	ThreatType ThreatType
	Source     Source
	RiskScore  int
	Model      string
	Duration   float64
	LLMTime    float64
	ToolTime   float64
	TokensIn   int
	TokensOut  int
	ToolCalls  int
}

// EngineHooks are optional callbacks invoked during Analyze. Nil fields are skipped.
type EngineHooks struct {
	OnLLMCall  func(inputTokens, outputTokens int, duration float64)
	OnToolCall func(name string, duration float64, inputBytes, outputBytes int, isError bool)
	OnComplete func(e *CompleteEvent)
}

// Engine is the LLM-backed Analyzer. It holds no per-call state.
type Engine struct {
	provider Provider
	registry *tools.Registry
	logger   log.Logger
	hooks    EngineHooks
}

// NewEngine creates a new triage engine with the given dependencies. registry may be nil.
func NewEngine(provider Provider, registry *tools.Registry, logger log.Logger, hooks EngineHooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	return &Engine{
		provider: provider,
		registry: registry,
		logger:   logger,
		hooks:    hooks,
	}
}

// Analyze runs the model conversation for one URL. A provider failure is returned as an
// error; an unparseable answer yields the Conservative default instead.
func (e *Engine) Analyze(ctx context.Context, url, pageContext string) (*Result, error) {
	start := time.Now()
	L := e.logger.With("url", url)

	messages := []Message{
		{Role: "user", Content: []ContentBlock{
			{Type: "text", Text: buildInitialPrompt(url, pageContext)},
		}},
	}

	var (
		tokensIn, tokensOut int
		toolCalls           int
		llmTime             time.Duration
		toolTime            time.Duration
		model               string
		finalText           string
		exhausted           bool
	)

	for seq := 0; ; seq++ {
		if toolCalls >= MaxToolRounds {
			L.Warn(ctx, "triage hit tool call limit", "limit", MaxToolRounds)
			exhausted = true
			break
		}
		if tokensIn+tokensOut >= MaxTokens {
			L.Warn(ctx, "triage hit token limit", "limit", MaxTokens)
			exhausted = true
			break
		}

		resp, dur, err := e.callLLM(ctx, url, seq, &LLMRequest{
			MaxTokens: ResponseTokens,
			System:    systemPrompt,
			Messages:  messages,
			Tools:     e.registry.ToToolDefs(),
		})
		llmTime += dur
		if err != nil {
			L.Error(ctx, err, "llm call failed")
			return nil, fmt.Errorf("llm call: %w", err)
		}

		tokensIn += resp.Usage.InputTokens
		tokensOut += resp.Usage.OutputTokens
		if resp.Model != "" {
			model = resp.Model
		}

		messages = append(messages, Message{Role: "assistant", Content: resp.Content})

		if resp.StopReason != StopToolUse {
			finalText = TextOf(resp)
			break
		}

		var results []ContentBlock
		for _, block := range resp.Content {
			if block.Type != "tool_use" {
				continue
			}
			toolCalls++
			toolStart := time.Now()
			results = append(results, e.execTool(ctx, url, block))
			toolTime += time.Since(toolStart)
		}
		messages = append(messages, Message{Role: "user", Content: results})
	}

	var res *Result
	if exhausted {
		res = Conservative(url)
	} else {
		parsed, err := ParseResult(url, finalText)
		if err != nil {
			L.Warn(ctx, "unparseable triage response, using conservative default", "error", err)
			res = Conservative(url)
		} else {
			res = parsed
		}
	}

	if e.hooks.OnComplete != nil {
		e.hooks.OnComplete(&CompleteEvent{
			ThreatType: res.ThreatType,
			Source:     res.Source,
			RiskScore:  res.RiskScore,
			Model:      model,
			Duration:   time.Since(start).Seconds(),
			LLMTime:    llmTime.Seconds(),
			ToolTime:   toolTime.Seconds(),
			TokensIn:   tokensIn,
			TokensOut:  tokensOut,
			ToolCalls:  toolCalls,
		})
	}

	L.Info(ctx, "triage complete",
		"threat_type", res.ThreatType,
		"risk_score", res.RiskScore,
		"source", res.Source,
		"tokens_in", tokensIn,
		"tokens_out", tokensOut,
		"tool_calls", toolCalls,
	)
	return res, nil
}

func (e *Engine) callLLM(ctx context.Context, url string, seq int, req *LLMRequest) (*LLMResponse, time.Duration, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "llm.call"),
		attribute.String("certguard.triage.url", url),
		attribute.Int("certguard.chat.seq", seq),
	))
	defer span.End()

	span.AddEvent("llm.request", trace.WithAttributes(
		attribute.Int("llm.request.messages", len(req.Messages)),
		attribute.Int("llm.request.tools", len(req.Tools)),
	))

	start := time.Now()
	resp, err := e.provider.Send(ctx, req)
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, dur, err
	}

	span.SetAttributes(
		attribute.String("gen_ai.response.model", resp.Model),
		attribute.Int("gen_ai.usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.Usage.OutputTokens),
	)
	span.AddEvent("llm.response", trace.WithAttributes(
		attribute.String("llm.response.stop_reason", string(resp.StopReason)),
	))

	if e.hooks.OnLLMCall != nil {
		e.hooks.OnLLMCall(resp.Usage.InputTokens, resp.Usage.OutputTokens, dur.Seconds())
	}
	return resp, dur, nil
}

func (e *Engine) execTool(ctx context.Context, url string, block ContentBlock) ContentBlock {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "tool.execute"),
		attribute.String("gen_ai.tool.name", block.Name),
		attribute.String("certguard.triage.url", url),
		attribute.String("certguard.tool.input", string(block.Input)),
	))
	defer span.End()

	span.AddEvent("tool.request", trace.WithAttributes(
		attribute.String("tool.request.body", string(block.Input)),
	))

	start := time.Now()
	out := ContentBlock{Type: "tool_result", ToolUseID: block.ID}

	tool, ok := e.registry.Get(block.Name)
	if !ok {
		out.Content = fmt.Sprintf("unknown tool: %s", block.Name)
		out.IsError = true
	} else if output, err := tool.Execute(ctx, block.Input); err != nil {
		e.logger.Error(ctx, err, "tool execution failed", "tool", block.Name)
		out.Content = fmt.Sprintf("tool error: %v", err)
		out.IsError = true
	} else {
		out.Content = string(output)
	}

	span.SetAttributes(attribute.Bool("certguard.tool.is_error", out.IsError))
	span.AddEvent("tool.result", trace.WithAttributes(
		attribute.String("tool.result.body", out.Content),
	))
	if out.IsError {
		span.SetStatus(codes.Error, out.Content)
	}

	if e.hooks.OnToolCall != nil {
		e.hooks.OnToolCall(block.Name, time.Since(start).Seconds(), len(block.Input), len(out.Content), out.IsError)
	}
	return out
}

// ParseResult extracts the first JSON object from model output and converts it to a Result.
func ParseResult(url, text string) (*Result, error) {
	raw, err := extractJSONObject(text)
	if err != nil {
		return nil, err
	}

	var wire struct {
		RiskScore       *float64 `json:"riskScore"`
		ThreatType      string   `json:"threatType"`
		Indicators      []string `json:"indicators"`
		Confidence      *float64 `json:"confidence"`
		Recommendations []string `json:"recommendations"`
		Analysis        string   `json:"analysis"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("decode triage json: %w", err)
	}
	if wire.RiskScore == nil || math.IsNaN(*wire.RiskScore) {
		return nil, errors.New("triage json missing riskScore")
	}

	res := &Result{
		URL:             url,
		RiskScore:       int(math.Round(*wire.RiskScore)),
		ThreatType:      ParseThreatType(wire.ThreatType),
		Indicators:      wire.Indicators,
		Recommendations: wire.Recommendations,
		Analysis:        strings.TrimSpace(wire.Analysis),
		Source:          SourceLLM,
	}
	if wire.Confidence != nil {
		res.Confidence = *wire.Confidence
	}
	res.Clamp()
	return res, nil
}

func extractJSONObject(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", errNoJSON
	}
	return text[start : end+1], nil
}

const systemPrompt = `You are certguard, a web security triage assistant. You assess whether a URL is safe to visit.

You may call tools to look up known vulnerabilities that relate to the site or its technology.
Answer with a single JSON object and nothing else:
{
  "riskScore": 0-100,
  "threatType": "safe|suspicious|phishing|malicious|high-risk|critical",
  "indicators": ["short indicator", ...],
  "confidence": 0.0-1.0,
  "recommendations": ["action for the user", ...],
  "analysis": "two or three sentences"
}

Prefer under-reaction to false alarms: only use critical for clear, active exploitation.`

func buildInitialPrompt(url, pageContext string) string {
	pageContext = textutil.Truncate(pageContext, 4000)
	return fmt.Sprintf(`URL: %s

Page context:
%s

Assess this URL and answer with the JSON object described in your instructions.`, url, pageContext)
}
