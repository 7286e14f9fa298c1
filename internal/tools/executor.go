package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lumenclass/aigateway/internal/provider"
)

const (
	// maxRounds caps tool round trips per request so a model that keeps
	// requesting tools cannot loop forever.
	maxRounds = 3
	// maxCallsPerRound caps tool executions within a single model response.
	maxCallsPerRound = 4
)

// Scope carries the caller identity a tool execution is constrained to. Tools
// only see data belonging to the caller's organization.
type Scope struct {
	CallerID       string
	OrganizationID string
	Role           string
}

// TenantReader provides read access to tenant data for tool execution.
type TenantReader interface {
	StudentProgress(ctx context.Context, orgID, studentID string) (*StudentProgress, error)
	ClassAttendance(ctx context.Context, orgID, classID, from, to string) (*AttendanceSummary, error)
}

// Executor resolves tool calls against tenant data and drives the model
// round-trip loop.
type Executor struct {
	reader TenantReader
}

// NewExecutor creates an Executor over the given tenant reader.
func NewExecutor(reader TenantReader) *Executor {
	return &Executor{reader: reader}
}

// Outcome is the result of running a request's tool loop to completion.
type Outcome struct {
	Response  *provider.Response
	ToolCalls int
	ToolNames []string
	// Results carries tool outputs that were not narrated by a final model
	// round, such as the degraded fallback path.
	Results []provider.ToolResult
	// Artifact holds the structured output of a terminal tool, when one ran.
	Artifact json.RawMessage
}

// Run sends req to the client and resolves any tool calls the model makes,
// feeding results back until the model produces a final answer, a terminal
// tool runs, or the round limit is reached. Token counts and cost accumulate
// across rounds.
func (e *Executor) Run(ctx context.Context, client provider.Client, req provider.Request, scope Scope) (*Outcome, error) {
	outcome := &Outcome{}
	forced := req.ToolChoice != nil && req.ToolChoice.Type == "tool"

	var totalIn, totalOut int
	var totalCost float64

	for round := 0; round < maxRounds; round++ {
		resp, err := client.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		totalIn += resp.InputTokens
		totalOut += resp.OutputTokens
		totalCost += resp.Cost

		if len(resp.ToolCalls) == 0 {
			resp.InputTokens, resp.OutputTokens, resp.Cost = totalIn, totalOut, totalCost
			outcome.Response = resp
			return outcome, nil
		}

		calls := resp.ToolCalls
		if len(calls) > maxCallsPerRound {
			slog.Warn("model requested too many tool calls in one round, truncating",
				"requested", len(calls), "limit", maxCallsPerRound)
			calls = calls[:maxCallsPerRound]
		}

		// A terminal tool ends the request with its artifact as the answer.
		for _, call := range calls {
			if !Terminal(call.Name) {
				continue
			}
			outcome.ToolCalls++
			outcome.ToolNames = append(outcome.ToolNames, call.Name)
			resp.InputTokens, resp.OutputTokens, resp.Cost = totalIn, totalOut, totalCost
			resp.Content = RenderArtifact(call.Input)
			outcome.Response = resp
			outcome.Artifact = call.Input
			return outcome, nil
		}

		results := make([]provider.ToolResult, 0, len(calls))
		for _, call := range calls {
			outcome.ToolCalls++
			outcome.ToolNames = append(outcome.ToolNames, call.Name)
			results = append(results, e.ExecuteCall(ctx, scope, call))
		}

		req.History = appendRound(req.History, resp, calls, results)

		// A forced tool has now run; let the model narrate the result in a
		// final unforced round.
		if forced {
			req.ToolChoice = nil
			forced = false
		}
	}

	// Round limit reached with the model still asking for tools. Ask once
	// more with tools disabled so the request ends with prose.
	req.Tools = nil
	req.ToolChoice = nil
	resp, err := client.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.InputTokens += totalIn
	resp.OutputTokens += totalOut
	resp.Cost += totalCost
	outcome.Response = resp
	return outcome, nil
}

// ExecuteCall resolves a single tool call. Failures become error results fed
// back to the model rather than request failures.
func (e *Executor) ExecuteCall(ctx context.Context, scope Scope, call provider.ToolCall) provider.ToolResult {
	content, err := e.dispatch(ctx, scope, call)
	if err != nil {
		slog.Warn("tool execution failed",
			"tool", call.Name, "caller_id", scope.CallerID, "error", err)
		return provider.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("tool error: %v", err),
			IsError:    true,
		}
	}
	return provider.ToolResult{ToolCallID: call.ID, Content: content}
}

func (e *Executor) dispatch(ctx context.Context, scope Scope, call provider.ToolCall) (string, error) {
	switch call.Name {
	case ToolStudentProgress:
		var in struct {
			StudentID string `json:"student_id"`
		}
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}
		if in.StudentID == "" {
			return "", fmt.Errorf("student_id is required")
		}
		progress, err := e.reader.StudentProgress(ctx, scope.OrganizationID, in.StudentID)
		if err != nil {
			return "", err
		}
		return marshalResult(progress)

	case ToolAttendanceSummary:
		var in struct {
			ClassID string `json:"class_id"`
			From    string `json:"from"`
			To      string `json:"to"`
		}
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}
		if in.ClassID == "" {
			return "", fmt.Errorf("class_id is required")
		}
		summary, err := e.reader.ClassAttendance(ctx, scope.OrganizationID, in.ClassID, in.From, in.To)
		if err != nil {
			return "", err
		}
		return marshalResult(summary)

	default:
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
}

func marshalResult(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding tool result: %w", err)
	}
	return string(data), nil
}

// appendRound extends the conversation history with the model's tool-use turn
// and the corresponding tool results.
func appendRound(history []provider.Message, resp *provider.Response, calls []provider.ToolCall, results []provider.ToolResult) []provider.Message {
	assistant := provider.Message{Role: "assistant"}
	if resp.Content != "" {
		assistant.Content = append(assistant.Content, provider.Block{Type: "text", Text: resp.Content})
	}
	for _, call := range calls {
		assistant.Content = append(assistant.Content, provider.Block{
			Type:       "tool_use",
			ToolCallID: call.ID,
			ToolName:   call.Name,
			ToolInput:  call.Input,
		})
	}

	user := provider.Message{Role: "user"}
	for _, res := range results {
		user.Content = append(user.Content, provider.Block{
			Type:        "tool_result",
			ToolCallID:  res.ToolCallID,
			ToolContent: res.Content,
			ToolIsError: res.IsError,
		})
	}

	return append(history, assistant, user)
}

// RenderArtifact produces the caller-facing text for a terminal tool's
// structured output.
func RenderArtifact(input json.RawMessage) string {
	var doc struct {
		Title      string   `json:"title"`
		Subject    string   `json:"subject"`
		Grade      string   `json:"grade"`
		Duration   string   `json:"duration"`
		Objectives []string `json:"objectives"`
		Sections   []struct {
			Heading string `json:"heading"`
			Body    string `json:"body"`
		} `json:"sections"`
	}
	if err := json.Unmarshal(input, &doc); err != nil || doc.Title == "" {
		return string(input)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", doc.Title)
	if doc.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", doc.Subject)
	}
	if doc.Grade != "" {
		fmt.Fprintf(&b, "Grade: %s\n", doc.Grade)
	}
	if doc.Duration != "" {
		fmt.Fprintf(&b, "Duration: %s\n", doc.Duration)
	}
	if len(doc.Objectives) > 0 {
		b.WriteString("\n## Objectives\n")
		for _, obj := range doc.Objectives {
			fmt.Fprintf(&b, "- %s\n", obj)
		}
	}
	for _, sec := range doc.Sections {
		fmt.Fprintf(&b, "\n## %s\n%s\n", sec.Heading, sec.Body)
	}
	return b.String()
}
