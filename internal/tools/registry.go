// Package tools defines the AI-callable tools exposed to platform callers and
// executes tool calls returned by the model against tenant data.
package tools

import (
	"encoding/json"

	"github.com/lumenclass/aigateway/internal/auth"
	"github.com/lumenclass/aigateway/internal/catalog"
	"github.com/lumenclass/aigateway/internal/provider"
)

// Tool names.
const (
	ToolStudentProgress   = "lookup_student_progress"
	ToolAttendanceSummary = "class_attendance_summary"
	ToolLessonDocument    = "generate_lesson_document"
)

var studentProgressDef = provider.ToolDefinition{
	Name:        ToolStudentProgress,
	Description: "Look up a student's recent progress: completed assignments, average grade, and subjects needing attention. Only students in the caller's own classes are visible.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"student_id": {"type": "string", "description": "Platform student identifier"}
		},
		"required": ["student_id"]
	}`),
}

var attendanceSummaryDef = provider.ToolDefinition{
	Name:        ToolAttendanceSummary,
	Description: "Summarize attendance for a class over a date range: present, absent, and late counts per student.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"class_id": {"type": "string", "description": "Platform class identifier"},
			"from":     {"type": "string", "description": "Start date, YYYY-MM-DD"},
			"to":       {"type": "string", "description": "End date, YYYY-MM-DD"}
		},
		"required": ["class_id"]
	}`),
}

var lessonDocumentDef = provider.ToolDefinition{
	Name:        ToolLessonDocument,
	Description: "Generate a structured lesson plan document. Produces the final artifact for the request; use when the caller asks for a complete lesson plan.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"title":     {"type": "string", "description": "Lesson title"},
			"subject":   {"type": "string", "description": "Subject area"},
			"grade":     {"type": "string", "description": "Grade level"},
			"duration":  {"type": "string", "description": "Lesson duration, e.g. 45 minutes"},
			"objectives": {
				"type": "array",
				"items": {"type": "string"},
				"description": "Learning objectives"
			},
			"sections": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"heading": {"type": "string"},
						"body":    {"type": "string"}
					},
					"required": ["heading", "body"]
				},
				"description": "Ordered lesson sections"
			}
		},
		"required": ["title", "subject", "sections"]
	}`),
}

// ForCaller returns the tool definitions available to a caller role at a
// subscription tier. Unknown role or tier combinations get no tools; callers
// without tools still get plain completions.
func ForCaller(role, tier string) []provider.ToolDefinition {
	switch role {
	case auth.RoleTeacher:
		defs := []provider.ToolDefinition{studentProgressDef}
		if tier == catalog.TierPremium || tier == catalog.TierEnterprise {
			defs = append(defs, lessonDocumentDef)
		}
		return defs
	case auth.RolePrincipal:
		return []provider.ToolDefinition{studentProgressDef, attendanceSummaryDef}
	default:
		return nil
	}
}

// Known reports whether name is a registered tool for the given role and tier.
func Known(role, tier, name string) bool {
	for _, def := range ForCaller(role, tier) {
		if def.Name == name {
			return true
		}
	}
	return false
}

// Terminal reports whether a tool produces the request's final artifact. A
// terminal tool call ends the conversation; its output is returned to the
// caller directly instead of being fed back to the model.
func Terminal(name string) bool {
	return name == ToolLessonDocument
}
