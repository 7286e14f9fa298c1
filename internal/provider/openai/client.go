// Package openai implements the fallback provider client against the OpenAI
// Chat Completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lumenclass/aigateway/internal/catalog"
	"github.com/lumenclass/aigateway/internal/config"
	"github.com/lumenclass/aigateway/internal/provider"
)

const (
	providerName    = "openai"
	contentTypeJSON = "application/json"
)

// Client calls the OpenAI Chat Completions API.
type Client struct {
	apiKey    string
	endpoint  string
	timeout   time.Duration
	maxTokens int
	client    *http.Client
}

// New constructs an OpenAI client from provider configuration.
func New(cfg config.ProviderConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key must not be empty")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("openai base url must not be empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{
		apiKey:    cfg.APIKey,
		endpoint:  baseURL + "/v1/chat/completions",
		timeout:   timeout,
		maxTokens: maxTokens,
		client:    &http.Client{},
	}, nil
}

func (c *Client) Name() string { return providerName }

func (c *Client) SupportsTools() bool { return true }

// Complete performs a blocking chat completion call.
func (c *Client) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload := c.buildPayload(req, false)
	httpResp, err := c.do(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, parseAPIError(httpResp)
	}

	var resp completionResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, provider.NewError(providerName, httpResp.StatusCode, provider.CodeUpstream,
			fmt.Sprintf("decoding response: %v", err))
	}

	normalized, err := resp.normalize(req.Model)
	if err != nil {
		return nil, err
	}

	if req.ToolChoice != nil && req.ToolChoice.Type == "tool" && len(normalized.ToolCalls) == 0 {
		return nil, provider.NewError(providerName, httpResp.StatusCode,
			provider.CodeToolNotCalled,
			fmt.Sprintf("tool %q was required but not invoked", req.ToolChoice.Name))
	}

	return normalized, nil
}

// Stream starts a streaming chat completion call.
func (c *Client) Stream(ctx context.Context, req provider.Request) (provider.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	payload := c.buildPayload(req, true)
	httpResp, err := c.do(ctx, payload)
	if err != nil {
		cancel()
		return nil, err
	}
	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		cancel()
		return nil, parseAPIError(httpResp)
	}

	return newChunkStream(httpResp.Body, cancel), nil
}

func (c *Client) do(ctx context.Context, payload completionPayload) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, provider.NewError(providerName, 0, provider.CodeTimeout,
				fmt.Sprintf("call exceeded %s", c.timeout))
		}
		return nil, provider.NewError(providerName, 0, provider.CodeNetwork, err.Error())
	}
	return httpResp, nil
}

type completionPayload struct {
	Model         string          `json:"model"`
	Messages      []wireMessage   `json:"messages"`
	MaxTokens     int             `json:"max_completion_tokens,omitempty"`
	Tools         []wireTool      `json:"tools,omitempty"`
	ToolChoice    any             `json:"tool_choice,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// wireMessage covers all chat roles. Content is either a plain string or an
// array of content parts for multi-modal messages.
type wireMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func (c *Client) buildPayload(req provider.Request, stream bool) completionPayload {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	payload := completionPayload{
		Model:     req.Model,
		MaxTokens: maxTokens,
		Stream:    stream,
	}
	if stream {
		payload.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	if req.System != "" {
		payload.Messages = append(payload.Messages, wireMessage{Role: "system", Content: req.System})
	}
	if len(req.History) > 0 {
		payload.Messages = append(payload.Messages, translateHistory(req.History)...)
	} else {
		payload.Messages = append(payload.Messages, promptMessage(req))
	}

	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case "tool":
			payload.ToolChoice = map[string]any{
				"type":     "function",
				"function": map[string]string{"name": req.ToolChoice.Name},
			}
		default:
			payload.ToolChoice = "auto"
		}
	}

	return payload
}

func promptMessage(req provider.Request) wireMessage {
	if len(req.Images) == 0 {
		return wireMessage{Role: "user", Content: req.Prompt}
	}

	parts := make([]contentPart, 0, len(req.Images)+1)
	for _, img := range req.Images {
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: dataURL(img)},
		})
	}
	if req.Prompt != "" {
		parts = append(parts, contentPart{Type: "text", Text: req.Prompt})
	}
	return wireMessage{Role: "user", Content: parts}
}

func dataURL(img provider.Image) string {
	return "data:" + img.MediaType + ";base64," + img.Data
}

// translateHistory maps the provider-agnostic transcript to chat messages.
// Anthropic-style tool_use/tool_result blocks become assistant tool_calls and
// role "tool" messages.
func translateHistory(history []provider.Message) []wireMessage {
	var out []wireMessage
	for _, m := range history {
		var textParts []contentPart
		var toolCalls []wireToolCall
		var toolResults []wireMessage

		for _, b := range m.Content {
			switch b.Type {
			case "text":
				textParts = append(textParts, contentPart{Type: "text", Text: b.Text})
			case "image":
				if b.Image != nil {
					textParts = append(textParts, contentPart{
						Type:     "image_url",
						ImageURL: &imageURL{URL: dataURL(*b.Image)},
					})
				}
			case "tool_use":
				tc := wireToolCall{ID: b.ToolCallID, Type: "function"}
				tc.Function.Name = b.ToolName
				tc.Function.Arguments = string(b.ToolInput)
				toolCalls = append(toolCalls, tc)
			case "tool_result":
				toolResults = append(toolResults, wireMessage{
					Role:       "tool",
					ToolCallID: b.ToolCallID,
					Content:    b.ToolContent,
				})
			}
		}

		if len(textParts) > 0 || len(toolCalls) > 0 {
			wm := wireMessage{Role: m.Role, ToolCalls: toolCalls}
			switch {
			case len(textParts) == 1 && textParts[0].Type == "text":
				wm.Content = textParts[0].Text
			case len(textParts) > 0:
				wm.Content = textParts
			}
			out = append(out, wm)
		}
		out = append(out, toolResults...)
	}
	return out
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (r completionResponse) normalize(requestedModel string) (*provider.Response, error) {
	if len(r.Choices) == 0 {
		return nil, provider.NewError(providerName, 0, provider.CodeUpstream, "response contained no choices")
	}
	choice := r.Choices[0]

	var toolCalls []provider.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		toolCalls = append(toolCalls, provider.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}

	model := r.Model
	if model == "" {
		model = requestedModel
	}

	return &provider.Response{
		Content:      choice.Message.Content,
		ToolCalls:    toolCalls,
		Model:        model,
		InputTokens:  r.Usage.PromptTokens,
		OutputTokens: r.Usage.CompletionTokens,
		Cost:         catalog.Cost(model, r.Usage.PromptTokens, r.Usage.CompletionTokens),
		StopReason:   choice.FinishReason,
	}, nil
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func parseAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	message := strings.TrimSpace(string(body))
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		message = apiErr.Error.Message
	}

	code := provider.CodeUpstream
	switch {
	case apiErr.Error.Code == "insufficient_quota":
		code = provider.CodeQuota
	case resp.StatusCode == http.StatusTooManyRequests:
		code = provider.CodeRateLimit
	}

	pe := provider.NewError(providerName, resp.StatusCode, code, message)
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			pe.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return pe
}
