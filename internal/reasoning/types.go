// Package reasoning defines the boundary to the external reasoning service:
// request and response shapes, the stop-reason signal, and the error
// taxonomy the iteration engine maps onto iteration results.
package reasoning

import (
	"context"
	"encoding/json"
	"strings"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// StopReason is the service's signal for why a response ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// ToolCall is a tool invocation requested by the service.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of a ToolCall fed back to the service.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message is one entry of the conversation within an iteration.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolDefinition describes a tool the service may call.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one call to the reasoning service.
type Request struct {
	System    string           `json:"system,omitempty"`
	Messages  []Message        `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	MaxTokens int              `json:"max_tokens,omitempty"`
}

// Response is the service's answer to one Request.
type Response struct {
	Text       string     `json:"text"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason StopReason `json:"stop_reason"`
}

// Client sends requests to a reasoning service. Implementations return
// *RateLimitError, *TransportError or *ProtocolError on failure.
type Client interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// Transcript renders messages as plain text for services that accept a
// single prompt.
func Transcript(messages []Message) string {
	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		switch msg.Role {
		case RoleAssistant:
			b.WriteString("[Assistant]: ")
			b.WriteString(msg.Content)
			for _, call := range msg.ToolCalls {
				b.WriteString("\n[Tool Call ")
				b.WriteString(call.Name)
				b.WriteString("]: ")
				b.Write(call.Arguments)
			}
		case RoleTool:
			for j, res := range msg.ToolResults {
				if j > 0 {
					b.WriteString("\n")
				}
				prefix := "[Tool Result "
				if res.IsError {
					prefix = "[Tool Error "
				}
				b.WriteString(prefix)
				b.WriteString(res.Name)
				b.WriteString("]: ")
				b.WriteString(res.Content)
			}
		default:
			b.WriteString(msg.Content)
		}
	}
	return b.String()
}
