package gateway

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/lumenclass/aigateway/internal/auth"
	"github.com/lumenclass/aigateway/internal/provider"
)

// serviceCategories is the fixed set of request categories. Values outside
// the set are coerced to the default rather than rejected.
var serviceCategories = map[string]bool{
	"lesson_generation":  true,
	"homework_help":      true,
	"grading_assistance": true,
	"conversation":       true,
	"general":            true,
}

const defaultCategory = "general"

// maxPromptBytes bounds inbound prompt size before redaction.
const maxPromptBytes = 100_000

// apiRequest is the wire shape of POST /api/v1/ai.
type apiRequest struct {
	Scope       string      `json:"scope"`
	ServiceType string      `json:"service_type"`
	Payload     *apiPayload `json:"payload"`

	Stream                  bool                 `json:"stream,omitempty"`
	EnableTools             bool                 `json:"enable_tools,omitempty"`
	ToolChoice              *provider.ToolChoice `json:"tool_choice,omitempty"`
	PreferSecondaryProvider bool                 `json:"prefer_secondary_provider,omitempty"`
	Metadata                map[string]any       `json:"metadata,omitempty"`
}

type apiPayload struct {
	Prompt              string             `json:"prompt"`
	System              string             `json:"system,omitempty"`
	Images              []provider.Image   `json:"images,omitempty"`
	ConversationHistory []provider.Message `json:"conversationHistory,omitempty"`
}

// aiRequest is the validated, normalized form handed to the orchestrator.
// Immutable once accepted.
type aiRequest struct {
	Scope           string
	Category        string
	Prompt          string
	System          string
	Images          []provider.Image
	History         []provider.Message
	Stream          bool
	EnableTools     bool
	ToolChoice      *provider.ToolChoice
	PreferSecondary bool
}

// validationError is a caller-fault request defect.
type validationError struct {
	code    string
	message string
}

func (e *validationError) Error() string { return e.message }

func invalidRequest(format string, args ...any) *validationError {
	return &validationError{code: "invalid_request", message: fmt.Sprintf(format, args...)}
}

// decodeRequest parses and validates the request body. JSON defects return an
// invalid_json error; structural defects return invalid_request.
func decodeRequest(body io.Reader) (*aiRequest, *validationError) {
	var api apiRequest
	dec := json.NewDecoder(body)
	if err := dec.Decode(&api); err != nil {
		return nil, &validationError{code: "invalid_json", message: "request body is not valid JSON"}
	}

	switch api.Scope {
	case auth.RoleTeacher, auth.RolePrincipal, auth.RoleParent:
	case "":
		return nil, invalidRequest("scope is required")
	default:
		return nil, invalidRequest("scope must be one of teacher, principal, parent")
	}
	if api.ServiceType == "" {
		return nil, invalidRequest("service_type is required")
	}
	if api.Payload == nil || api.Payload.Prompt == "" {
		return nil, invalidRequest("payload.prompt is required")
	}
	if len(api.Payload.Prompt) > maxPromptBytes {
		return nil, invalidRequest("payload.prompt exceeds %d bytes", maxPromptBytes)
	}
	if api.ToolChoice != nil {
		switch api.ToolChoice.Type {
		case "auto":
		case "tool":
			if api.ToolChoice.Name == "" {
				return nil, invalidRequest("tool_choice.name is required when type is tool")
			}
		default:
			return nil, invalidRequest("tool_choice.type must be auto or tool")
		}
	}

	category := api.ServiceType
	if !serviceCategories[category] {
		category = defaultCategory
	}

	req := &aiRequest{
		Scope:           api.Scope,
		Category:        category,
		Prompt:          api.Payload.Prompt,
		System:          api.Payload.System,
		Images:          api.Payload.Images,
		History:         api.Payload.ConversationHistory,
		Stream:          api.Stream,
		EnableTools:     api.EnableTools,
		ToolChoice:      api.ToolChoice,
		PreferSecondary: api.PreferSecondaryProvider,
	}
	// Forcing a tool implies the tool path even if enable_tools was omitted.
	if req.ToolChoice != nil && req.ToolChoice.Type == "tool" {
		req.EnableTools = true
	}
	return req, nil
}

func (r *aiRequest) hasImages() bool {
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
