package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/lumenclass/aigateway/internal/auth"
	"github.com/lumenclass/aigateway/internal/catalog"
	"github.com/lumenclass/aigateway/internal/provider"
	"github.com/lumenclass/aigateway/internal/quota"
	"github.com/lumenclass/aigateway/internal/redact"
	"github.com/lumenclass/aigateway/internal/stream"
	"github.com/lumenclass/aigateway/internal/tools"
	"github.com/lumenclass/aigateway/internal/usage"
)

const previewLen = 120

// successResponse is the wire shape of a completed request.
type successResponse struct {
	Success        bool             `json:"success"`
	RequestID      string           `json:"request_id"`
	Content        string           `json:"content"`
	ToolResults    []toolResultView `json:"tool_results,omitempty"`
	Usage          usageView        `json:"usage"`
	Model          string           `json:"model"`
	Provider       string           `json:"provider"`
	Fallback       bool             `json:"fallback,omitempty"`
	FallbackReason string           `json:"fallback_reason,omitempty"`
}

type usageView struct {
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	Cost      float64 `json:"cost"`
}

type toolResultView struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// errorResponse is the wire shape of a failed request.
type errorResponse struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

type errorBody struct {
	Code       string          `json:"code"`
	Message    string          `json:"message"`
	QuotaInfo  *quota.Decision `json:"quota_info,omitempty"`
	RetryAfter int             `json:"retry_after,omitempty"`
}

// HandleAI serves POST /api/v1/ai. Authentication and rate limiting run in
// middleware before this handler.
func (g *Gateway) HandleAI(w http.ResponseWriter, r *http.Request) {
	started := g.now()
	requestID := uuid.NewString()

	caller := auth.CallerFromContext(r.Context())
	if caller == nil {
		writeError(w, http.StatusUnauthorized, errorBody{
			Code: "unauthorized", Message: "caller identity could not be established"})
		return
	}

	req, verr := decodeRequest(r.Body)
	if verr != nil {
		writeError(w, http.StatusBadRequest, errorBody{Code: verr.code, Message: verr.message})
		return
	}

	tier := g.effectiveTier(caller)
	rec := usage.Record{
		RequestID:      requestID,
		CallerID:       caller.ID,
		OrganizationID: caller.OrganizationID,
		Timestamp:      started,
		Category:       req.Category,
		Streamed:       req.Stream,
	}

	decision, err := g.quota.Check(r.Context(), caller.ID, caller.OrganizationID, req.Category, tier)
	if err != nil {
		g.logger(requestID).Error("quota check failed", "error", err)
		writeError(w, http.StatusInternalServerError, errorBody{
			Code: "internal_error", Message: "could not evaluate quota"})
		return
	}
	if !decision.Allowed {
		g.metrics.IncQuotaRejection(tier, req.Category)
		g.metrics.IncAIRequest(req.Category, "", "quota_exceeded")
		rec.ErrorCode = "quota_exceeded"
		rec.LatencyMs = g.now().Sub(started).Milliseconds()
		g.usage.Record(rec)
		writeError(w, http.StatusTooManyRequests, errorBody{
			Code:      "quota_exceeded",
			Message:   "monthly quota for this service is exhausted",
			QuotaInfo: decision,
		})
		return
	}

	// Redaction runs before any provider sees caller text, system prompt and
	// history included.
	red := redact.Redact(req.Prompt)
	redactionCount := red.Count
	sys := redact.Redact(req.System)
	redactionCount += sys.Count
	history := make([]provider.Message, len(req.History))
	for i, m := range req.History {
		history[i] = m
		history[i].Content = make([]provider.Block, len(m.Content))
		for j, b := range m.Content {
			if b.Type == "text" && b.Text != "" {
				r := redact.Redact(b.Text)
				b.Text = r.Text
				redactionCount += r.Count
			}
			history[i].Content[j] = b
		}
	}
	g.metrics.AddRedactions(redactionCount)
	rec.RedactionCount = redactionCount
	rec.PromptPreview = preview(red.Text)

	model := catalog.Select(tier, req.hasImages())
	fallbackModel := catalog.FallbackModel(tier, req.hasImages())
	rec.Model = model

	preq := provider.Request{
		Model:     model,
		System:    sys.Text,
		Prompt:    red.Text,
		Images:    req.Images,
		History:   history,
		MaxTokens: g.maxTokens,
	}

	// Tool round trips only run on non-streaming requests.
	if req.EnableTools && !req.Stream {
		preq.Tools = tools.ForCaller(caller.Role, tier)
		if req.ToolChoice != nil && req.ToolChoice.Type == "tool" {
			if !tools.Known(caller.Role, tier, req.ToolChoice.Name) {
				writeError(w, http.StatusBadRequest, errorBody{
					Code:    "invalid_request",
					Message: "tool is not available for this caller"})
				return
			}
			preq.ToolChoice = req.ToolChoice
		}
	}

	scope := tools.Scope{
		CallerID:       caller.ID,
		OrganizationID: caller.OrganizationID,
		Role:           caller.Role,
	}

	if req.Stream {
		g.handleStream(w, r, req, preq, fallbackModel, caller, rec, started)
		return
	}

	out, err := g.dispatch(r.Context(), req, preq, fallbackModel, scope)
	rec.LatencyMs = g.now().Sub(started).Milliseconds()
	if err != nil {
		code := errorCode(err)
		rec.ErrorCode = code
		g.metrics.IncAIRequest(req.Category, model, code)
		g.usage.Record(rec)
		writeError(w, statusForCode(code), errorBody{
			Code:       code,
			Message:    messageForCode(code),
			RetryAfter: int(provider.RetryAfter(err).Seconds()),
		})
		return
	}

	rec.Success = true
	rec.Provider = out.providerName
	rec.Model = out.response.Model
	rec.InputTokens = int64(out.response.InputTokens)
	rec.OutputTokens = int64(out.response.OutputTokens)
	rec.Cost = out.response.Cost
	rec.Fallback = out.fallback
	rec.FallbackReason = out.fallbackReason
	rec.ToolCalls = out.toolCalls
	g.usage.Record(rec)

	if err := g.quota.Consume(r.Context(), caller.ID, caller.OrganizationID, req.Category); err != nil {
		g.logger(requestID).Error("quota consume failed", "error", err)
	}

	g.metrics.IncAIRequest(req.Category, rec.Model, "success")
	g.metrics.AddTokens(rec.Model, out.response.InputTokens, out.response.OutputTokens)

	resp := successResponse{
		Success:        true,
		RequestID:      requestID,
		Content:        out.response.Content,
		Usage:          usageView{TokensIn: out.response.InputTokens, TokensOut: out.response.OutputTokens, Cost: out.response.Cost},
		Model:          rec.Model,
		Provider:       out.providerName,
		Fallback:       out.fallback,
		FallbackReason: out.fallbackReason,
	}
	for _, tr := range out.toolResults {
		resp.ToolResults = append(resp.ToolResults, toolResultView{
			ToolUseID: tr.ToolCallID, Content: tr.Content, IsError: tr.IsError})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStream runs the streaming path. The stream holds its queue slot for
// its full duration so primary-provider serialization covers streamed calls
// too. Exactly one usage record is written, caller disconnect included.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request, req *aiRequest, preq provider.Request, fallbackModel string, caller *auth.Caller, rec usage.Record, started time.Time) {
	client := g.primary
	if req.PreferSecondary && g.secondary != nil {
		client = g.secondary
		if fallbackModel != "" {
			preq.Model = fallbackModel
			rec.Model = fallbackModel
		}
	}

	var res stream.Result
	var initErr error
	run := func(ctx context.Context) error {
		s, err := client.Stream(ctx, preq)
		if err != nil {
			initErr = err
			return err
		}
		defer s.Close()
		res = stream.Relay(w, s)
		return nil
	}

	var err error
	if client == g.primary {
		err = g.queue.Do(r.Context(), run)
	} else {
		err = run(r.Context())
	}

	rec.LatencyMs = g.now().Sub(started).Milliseconds()
	rec.Provider = client.Name()

	if err != nil {
		// The stream never started (run only fails before the first frame),
		// so a plain JSON error is still possible.
		if initErr != nil {
			err = initErr
		}
		code := errorCode(err)
		rec.ErrorCode = code
		g.metrics.IncAIRequest(req.Category, preq.Model, code)
		g.metrics.IncProviderError(client.Name(), code)
		g.usage.Record(rec)
		writeError(w, statusForCode(code), errorBody{
			Code:       code,
			Message:    messageForCode(code),
			RetryAfter: int(provider.RetryAfter(err).Seconds()),
		})
		return
	}

	rec.InputTokens = int64(res.InputTokens)
	rec.OutputTokens = int64(res.OutputTokens)
	rec.Cost = catalog.Cost(preq.Model, res.InputTokens, res.OutputTokens)
	if res.ClientGone {
		g.metrics.StreamDisconnects.Inc()
	}
	if res.Err != nil {
		rec.ErrorCode = errorCode(res.Err)
		g.metrics.IncAIRequest(req.Category, preq.Model, rec.ErrorCode)
		g.metrics.IncProviderError(client.Name(), rec.ErrorCode)
	} else {
		rec.Success = true
		g.metrics.IncAIRequest(req.Category, preq.Model, "success")
		g.metrics.AddTokens(preq.Model, res.InputTokens, res.OutputTokens)
		if cerr := g.quota.Consume(r.Context(), caller.ID, caller.OrganizationID, req.Category); cerr != nil {
			g.logger(rec.RequestID).Error("quota consume failed", "error", cerr)
		}
	}
	g.usage.Record(rec)
}

// HandleHealth serves GET /api/v1/ai/health without authentication.
func (g *Gateway) HandleHealth(w http.ResponseWriter, r *http.Request) {
	depth, inFlight := g.queue.Status()
	g.metrics.SetQueueStatus(depth, inFlight)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"queue": map[string]int{
			"depth":     depth,
			"in_flight": inFlight,
		},
	})
}

// preview truncates to previewLen bytes without splitting a multi-byte rune.
func preview(text string) string {
	if len(text) <= previewLen {
		return text
	}
	cut := previewLen
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func statusForCode(code string) int {
	switch code {
	case "unauthorized":
		return http.StatusUnauthorized
	case "quota_exceeded", "rate_limit", "upstream_quota":
		return http.StatusTooManyRequests
	case "invalid_request", "invalid_json":
		return http.StatusBadRequest
	case "timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func messageForCode(code string) string {
	switch code {
	case "rate_limit", "upstream_quota":
		return "the AI service is throttling requests, retry shortly"
	case "timeout":
		return "the AI service did not respond in time"
	case "tool_not_called":
		return "the model did not produce the required structured output, retry the request"
	case "ai_service_error":
		return "the AI service failed to process the request"
	default:
		return "the request could not be completed"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, errorResponse{Success: false, Error: body})
}
