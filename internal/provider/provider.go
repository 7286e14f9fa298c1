// Package provider defines the provider-agnostic request/response types and
// the Client interface implemented by each upstream AI provider.
package provider

import (
	"context"
	"encoding/json"
)

// Image is a base64-encoded inline image attachment.
type Image struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Message is one turn of a conversation transcript. Content blocks are
// provider-agnostic; each client translates them to its wire format.
type Message struct {
	Role    string  `json:"role"` // "user" or "assistant"
	Content []Block `json:"content"`
}

// Block is a single content block inside a message.
type Block struct {
	Type string `json:"type"` // "text", "image", "tool_use", "tool_result"

	Text  string `json:"text,omitempty"`
	Image *Image `json:"image,omitempty"`

	// tool_use fields
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`

	// tool_result fields
	ToolContent string `json:"tool_content,omitempty"`
	ToolIsError bool   `json:"tool_is_error,omitempty"`
}

// TextMessage builds a single-block text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: []Block{{Type: "text", Text: text}}}
}

// ToolDefinition describes a callable tool exposed to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolChoice directs the model's tool use. Type is "auto" or "tool"; Name is
// set when Type is "tool" to force a specific tool.
type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// ToolCall is a structured function invocation emitted by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult carries the outcome of executing one ToolCall back to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Request is a fully-prepared provider call. The prompt is already redacted
// by the time a Request is built; no code path hands raw caller text to a
// client. When History is non-empty it replaces the single Prompt message
// entirely (used for tool-call round trips).
type Request struct {
	Model      string
	System     string
	Prompt     string
	Images     []Image
	History    []Message
	Tools      []ToolDefinition
	ToolChoice *ToolChoice
	MaxTokens  int
}

// HasImages reports whether the request carries image input, either attached
// to the prompt or embedded in the history.
func (r Request) HasImages() bool {
	if len(r.Images) > 0 {
		return true
	}
	for _, m := range r.History {
		for _, b := range m.Content {
			if b.Type == "image" {
				return true
			}
		}
	}
	return false
}

// Response is the normalized result of a non-streaming provider call.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
	StopReason   string
}

// Chunk is one increment of a streaming response. Token counts are zero on
// text deltas and populated on the final usage chunk.
type Chunk struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Stream is a pull-based handle over a provider's incremental response. Next
// returns io.EOF after the final chunk. Close releases the underlying
// connection and is safe to call more than once.
type Stream interface {
	Next() (Chunk, error)
	Close() error
}

// Client is implemented by each upstream provider.
type Client interface {
	// Name identifies the provider in usage records and metrics.
	Name() string
	// Complete performs a blocking call and returns the full response.
	Complete(ctx context.Context, req Request) (*Response, error)
	// Stream starts a streaming call and returns a handle for the relay.
	Stream(ctx context.Context, req Request) (Stream, error)
	// SupportsTools reports whether the provider handles tool definitions
	// natively. The gateway degrades forced-tool fallback calls when false.
	SupportsTools() bool
}
