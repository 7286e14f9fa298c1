// Package anthropic implements the primary provider client against the
// Anthropic Messages API.
package anthropic

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
	providerName    = "anthropic"
	contentTypeJSON = "application/json"
	apiVersion      = "2023-06-01"
)

// Client calls the Anthropic Messages API.
type Client struct {
	apiKey    string
	endpoint  string
	timeout   time.Duration
	maxTokens int
	client    *http.Client
}

// New constructs an Anthropic client from provider configuration.
func New(cfg config.ProviderConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic api key must not be empty")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("anthropic base url must not be empty")
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
		endpoint:  baseURL + "/v1/messages",
		timeout:   timeout,
		maxTokens: maxTokens,
		// The http.Client carries no timeout of its own; the per-call
		// context deadline governs, so timeouts stay distinguishable.
		client: &http.Client{},
	}, nil
}

func (c *Client) Name() string { return providerName }

func (c *Client) SupportsTools() bool { return true }

// Complete performs a blocking Messages call.
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

	var resp messageResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, provider.NewError(providerName, httpResp.StatusCode, provider.CodeUpstream,
			fmt.Sprintf("decoding response: %v", err))
	}

	normalized := resp.normalize(req.Model)

	// A forced tool that produced no tool call is a broken response, not a
	// conversational answer.
	if req.ToolChoice != nil && req.ToolChoice.Type == "tool" && len(normalized.ToolCalls) == 0 {
		return nil, provider.NewError(providerName, httpResp.StatusCode,
			provider.CodeToolNotCalled,
			fmt.Sprintf("tool %q was required but not invoked", req.ToolChoice.Name))
	}

	return normalized, nil
}

// Stream starts a streaming Messages call and returns a pull-based handle.
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

	return newEventStream(httpResp.Body, cancel), nil
}

func (c *Client) do(ctx context.Context, payload messagePayload) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

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

type messagePayload struct {
	Model      string           `json:"model"`
	System     string           `json:"system,omitempty"`
	Messages   []wireMessage    `json:"messages"`
	MaxTokens  int              `json:"max_tokens"`
	Tools      []wireTool       `json:"tools,omitempty"`
	ToolChoice *wireToolChoice  `json:"tool_choice,omitempty"`
	Stream     bool             `json:"stream,omitempty"`
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content []wireBlock `json:"content"`
}

type wireBlock struct {
	Type string `json:"type"`

	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

func (c *Client) buildPayload(req provider.Request, stream bool) messagePayload {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	payload := messagePayload{
		Model:     req.Model,
		System:    req.System,
		MaxTokens: maxTokens,
		Stream:    stream,
	}

	if len(req.History) > 0 {
		payload.Messages = translateHistory(req.History)
	} else {
		payload.Messages = []wireMessage{promptMessage(req)}
	}

	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	if req.ToolChoice != nil {
		payload.ToolChoice = &wireToolChoice{Type: req.ToolChoice.Type, Name: req.ToolChoice.Name}
	}

	return payload
}

// promptMessage builds the single user message from the prompt and any image
// attachments. Images precede the text block, matching how the model reads
// multi-modal input.
func promptMessage(req provider.Request) wireMessage {
	blocks := make([]wireBlock, 0, len(req.Images)+1)
	for _, img := range req.Images {
		blocks = append(blocks, wireBlock{
			Type:   "image",
			Source: &imageSource{Type: "base64", MediaType: img.MediaType, Data: img.Data},
		})
	}
	if req.Prompt != "" || len(blocks) == 0 {
		blocks = append(blocks, wireBlock{Type: "text", Text: req.Prompt})
	}
	return wireMessage{Role: "user", Content: blocks}
}

func translateHistory(history []provider.Message) []wireMessage {
	out := make([]wireMessage, 0, len(history))
	for _, m := range history {
		wm := wireMessage{Role: m.Role}
		for _, b := range m.Content {
			switch b.Type {
			case "text":
				wm.Content = append(wm.Content, wireBlock{Type: "text", Text: b.Text})
			case "image":
				if b.Image != nil {
					wm.Content = append(wm.Content, wireBlock{
						Type:   "image",
						Source: &imageSource{Type: "base64", MediaType: b.Image.MediaType, Data: b.Image.Data},
					})
				}
			case "tool_use":
				wm.Content = append(wm.Content, wireBlock{
					Type:  "tool_use",
					ID:    b.ToolCallID,
					Name:  b.ToolName,
					Input: b.ToolInput,
				})
			case "tool_result":
				wm.Content = append(wm.Content, wireBlock{
					Type:      "tool_result",
					ToolUseID: b.ToolCallID,
					Content:   b.ToolContent,
					IsError:   b.ToolIsError,
				})
			}
		}
		out = append(out, wm)
	}
	return out
}

type messageResponse struct {
	ID         string          `json:"id"`
	Model      string          `json:"model"`
	Content    []responseBlock `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      usageBlock      `json:"usage"`
}

type responseBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type usageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// normalize converts the wire response into the provider-agnostic shape.
// Missing usage yields zero tokens and therefore zero cost.
func (r messageResponse) normalize(requestedModel string) *provider.Response {
	var text strings.Builder
	var toolCalls []provider.ToolCall

	for _, block := range r.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			toolCalls = append(toolCalls, provider.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}

	model := r.Model
	if model == "" {
		model = requestedModel
	}

	return &provider.Response{
		Content:      text.String(),
		ToolCalls:    toolCalls,
		Model:        model,
		InputTokens:  r.Usage.InputTokens,
		OutputTokens: r.Usage.OutputTokens,
		Cost:         catalog.Cost(model, r.Usage.InputTokens, r.Usage.OutputTokens),
		StopReason:   r.StopReason,
	}
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseAPIError converts a non-2xx response into a typed provider error.
// Rate-limit responses surface the Retry-After hint so the orchestrator can
// pass it through to the caller.
func parseAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	message := strings.TrimSpace(string(body))
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		message = apiErr.Error.Message
	}

	code := provider.CodeUpstream
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		code = provider.CodeRateLimit
	case resp.StatusCode == 529: // Anthropic "overloaded"
		code = provider.CodeRateLimit
	case apiErr.Error.Type == "rate_limit_error":
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
