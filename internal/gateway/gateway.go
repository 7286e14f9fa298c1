// Package gateway orchestrates AI requests end to end: quota, redaction,
// model selection, queued provider dispatch, tool execution, streaming,
// provider fallback, and usage recording.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lumenclass/aigateway/internal/auth"
	"github.com/lumenclass/aigateway/internal/catalog"
	"github.com/lumenclass/aigateway/internal/metrics"
	"github.com/lumenclass/aigateway/internal/provider"
	"github.com/lumenclass/aigateway/internal/queue"
	"github.com/lumenclass/aigateway/internal/quota"
	"github.com/lumenclass/aigateway/internal/tools"
	"github.com/lumenclass/aigateway/internal/usage"
)

// UsageRecorder accepts terminal usage records. Satisfied by *usage.Collector.
type UsageRecorder interface {
	Record(rec usage.Record)
}

// Deps are the collaborators a Gateway is constructed with. Primary must be
// set; Secondary may be nil, which disables fallback.
type Deps struct {
	Primary   provider.Client
	Secondary provider.Client
	Queue     *queue.Queue
	Quota     *quota.Checker
	Executor  *tools.Executor
	Usage     UsageRecorder
	Metrics   *metrics.Metrics
	MaxTokens int
}

// Gateway is the orchestrator behind POST /api/v1/ai.
type Gateway struct {
	primary   provider.Client
	secondary provider.Client
	queue     *queue.Queue
	quota     *quota.Checker
	executor  *tools.Executor
	usage     UsageRecorder
	metrics   *metrics.Metrics
	maxTokens int
	now       func() time.Time
}

// New creates a Gateway from its dependencies.
func New(deps Deps) *Gateway {
	return &Gateway{
		primary:   deps.Primary,
		secondary: deps.Secondary,
		queue:     deps.Queue,
		quota:     deps.Quota,
		executor:  deps.Executor,
		usage:     deps.Usage,
		metrics:   deps.Metrics,
		maxTokens: deps.MaxTokens,
		now:       time.Now,
	}
}

// outcome is the terminal result of a dispatched request, whatever the path.
type outcome struct {
	response       *provider.Response
	toolCalls      int
	toolNames      []string
	toolResults    []provider.ToolResult
	artifact       json.RawMessage
	providerName   string
	fallback       bool
	fallbackReason string
}

// dispatch runs a prepared provider request through the queue with a single
// bounded fallback attempt. Fallback is permitted only for transient error
// classes, never for streaming requests (handled elsewhere), and the fallback
// call bypasses the queue since it protects only the primary provider.
func (g *Gateway) dispatch(ctx context.Context, req *aiRequest, preq provider.Request, fallbackModel string, scope tools.Scope) (*outcome, error) {
	first, second := g.primary, g.secondary
	if req.PreferSecondary && g.secondary != nil {
		first, second = g.secondary, g.primary
	}

	// Each provider gets a model from its own family.
	reqFor := func(client provider.Client) provider.Request {
		p := preq
		if client != g.primary && fallbackModel != "" {
			p.Model = fallbackModel
		}
		return p
	}

	run := func(ctx context.Context, client provider.Client) (*tools.Outcome, error) {
		var out *tools.Outcome
		var err error
		call := func(ctx context.Context) error {
			started := g.now()
			p := reqFor(client)
			out, err = g.executor.Run(ctx, client, p, scope)
			g.metrics.ObserveProviderDuration(client.Name(), p.Model, g.now().Sub(started).Seconds())
			return err
		}
		// The queue exists to serialize primary-provider traffic only.
		if client == g.primary {
			if qerr := g.queue.Do(ctx, call); qerr != nil {
				return nil, qerr
			}
		} else if cerr := call(ctx); cerr != nil {
			return nil, cerr
		}
		return out, err
	}

	out, err := run(ctx, first)
	if err == nil {
		return g.finishOutcome(out, first.Name(), false, ""), nil
	}
	g.observeProviderError(first.Name(), err)

	if second == nil || !provider.IsFallbackEligible(err) {
		return nil, err
	}

	reason := errorCode(err)
	forced := preq.ToolChoice != nil && preq.ToolChoice.Type == "tool"

	var out2 *tools.Outcome
	var err2 error
	if forced && !second.SupportsTools() {
		out2, err2 = g.degradeForcedTool(ctx, second, reqFor(second), scope)
	} else {
		out2, err2 = run(ctx, second)
	}
	if err2 != nil {
		g.observeProviderError(second.Name(), err2)
		g.metrics.IncFallback(reason, "error")
		// The caller sees the fallback failure; the primary failure is in
		// the logs and metrics.
		return nil, err2
	}
	g.metrics.IncFallback(reason, "success")
	return g.finishOutcome(out2, second.Name(), true, reason), nil
}

func (g *Gateway) finishOutcome(out *tools.Outcome, providerName string, fellBack bool, reason string) *outcome {
	for _, name := range out.ToolNames {
		g.metrics.IncToolCall(name)
	}
	return &outcome{
		response:       out.Response,
		toolCalls:      out.ToolCalls,
		toolNames:      out.ToolNames,
		toolResults:    out.Results,
		artifact:       out.Artifact,
		providerName:   providerName,
		fallback:       fellBack,
		fallbackReason: reason,
	}
}

func (g *Gateway) observeProviderError(providerName string, err error) {
	g.metrics.IncProviderError(providerName, errorCode(err))
	slog.Error("provider call failed", "provider", providerName, "error", err)
}

// degradeForcedTool handles a forced tool call against a provider without
// native tool support: the model is prompted for a single JSON object
// matching the tool's input schema, and the reply is wrapped as a synthetic
// tool call.
func (g *Gateway) degradeForcedTool(ctx context.Context, client provider.Client, preq provider.Request, scope tools.Scope) (*tools.Outcome, error) {
	var def *provider.ToolDefinition
	for i := range preq.Tools {
		if preq.Tools[i].Name == preq.ToolChoice.Name {
			def = &preq.Tools[i]
			break
		}
	}
	if def == nil {
		return nil, fmt.Errorf("forced tool %q not in request tool set", preq.ToolChoice.Name)
	}

	degraded := preq
	degraded.Tools = nil
	degraded.ToolChoice = nil
	degraded.Prompt = fmt.Sprintf(
		"Respond with exactly one JSON object and nothing else. The object must conform to this JSON schema:\n%s\n\nTask: %s",
		def.InputSchema, preq.Prompt)

	resp, err := client.Complete(ctx, degraded)
	if err != nil {
		return nil, err
	}

	raw := extractJSONObject(resp.Content)
	if raw == nil {
		return nil, provider.NewError(client.Name(), 0, provider.CodeToolNotCalled,
			"degraded tool call did not produce a JSON object")
	}

	call := provider.ToolCall{ID: "degraded-" + uuid.NewString()[:8], Name: def.Name, Input: raw}
	out := &tools.Outcome{Response: resp, ToolCalls: 1, ToolNames: []string{def.Name}}
	if tools.Terminal(def.Name) {
		resp.Content = tools.RenderArtifact(raw)
		out.Artifact = raw
		return out, nil
	}

	result := g.executor.ExecuteCall(ctx, scope, call)
	resp.Content = ""
	resp.ToolCalls = []provider.ToolCall{call}
	out.Results = []provider.ToolResult{result}
	return out, nil
}

// extractJSONObject pulls the first top-level JSON object out of model prose,
// tolerating markdown code fences.
func extractJSONObject(text string) json.RawMessage {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil
	}
	candidate := text[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return nil
	}
	return json.RawMessage(candidate)
}

// errorCode maps an error to its stable caller-facing code.
func errorCode(err error) string {
	if pe := provider.AsError(err); pe != nil {
		switch pe.Code {
		case provider.CodeNetwork:
			return "ai_service_error"
		case provider.CodeUpstream:
			return "ai_service_error"
		default:
			return pe.Code
		}
	}
	if provider.IsTimeout(err) {
		return "timeout"
	}
	if err == queue.ErrQueueFull || err == queue.ErrClosed {
		return "ai_service_error"
	}
	return "internal_error"
}

// logger returns a request-scoped logger.
func (g *Gateway) logger(requestID string) *slog.Logger {
	return slog.With("request_id", requestID)
}

// effectiveTier resolves the caller's tier for this request.
func (g *Gateway) effectiveTier(caller *auth.Caller) string {
	tier := caller.EffectiveTier(g.now())
	if tier == "" {
		return catalog.TierFree
	}
	return tier
}
