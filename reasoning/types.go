// Package reasoning reaches the structured reasoning backend: a
// provider-agnostic LLM client with retry, a typed error hierarchy, and the
// two-variant decision contract (call a capability, or give a final answer)
// that the inference loop depends on.
package reasoning

import (
	"encoding/json"
	"strings"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model-initiated capability invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult carries the rendered outcome of a tool call back to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// Message is one conversation entry. Assistant messages may carry tool calls;
// tool messages carry exactly one result.
type Message struct {
	Role       Role        `json:"role"`
	Text       string      `json:"text,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// SystemMessage creates a system Message.
func SystemMessage(text string) Message { return Message{Role: RoleSystem, Text: text} }

// UserMessage creates a user Message.
func UserMessage(text string) Message { return Message{Role: RoleUser, Text: text} }

// AssistantMessage creates an assistant Message with text content.
func AssistantMessage(text string) Message { return Message{Role: RoleAssistant, Text: text} }

// ToolCallMessage creates an assistant Message requesting one tool call.
func ToolCallMessage(call ToolCall) Message {
	return Message{Role: RoleAssistant, ToolCalls: []ToolCall{call}}
}

// ToolResultMessage creates a tool result Message.
func ToolResultMessage(callID, content string, isError bool) Message {
	return Message{Role: RoleTool, ToolResult: &ToolResult{ToolCallID: callID, Content: content, IsError: isError}}
}

// ToolDefinition is the serializable description of a callable tool.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolChoice controls whether and how the model uses tools.
type ToolChoice struct {
	Mode string `json:"mode"` // "auto", "none", "required"
}

// Request is the input of a completion.
type Request struct {
	Model       string           `json:"model"`
	Provider    string           `json:"provider,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  *ToolChoice      `json:"tool_choice,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
}

// Usage tracks (estimated) token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is the output of a completion.
type Response struct {
	ID           string     `json:"id"`
	Model        string     `json:"model"`
	Provider     string     `json:"provider"`
	Text         string     `json:"text,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"` // "stop", "tool_calls", "length", "error"
	Usage        Usage      `json:"usage"`
}

// TextContent returns the trimmed response text.
func (r *Response) TextContent() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Text)
}
