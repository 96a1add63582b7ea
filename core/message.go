package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author side of a conversation message.
type Role string

const (
	// RoleUser marks a message sent into an entity (by a human or by a
	// delegating entity).
	RoleUser Role = "user"
	// RoleAssistant marks a message produced by the entity's chat collaborator.
	RoleAssistant Role = "assistant"
	// RoleTool marks a message carrying tool execution results.
	RoleTool Role = "tool"
)

// Message is a single entry in a thread's ordered history. The three roles
// form a tagged union:
//   - user: Content + From (provenance: "human" or a calling entity's name)
//   - assistant: either Content, or ToolCalls with empty Content, never both
//   - tool: ToolResults for previously issued tool calls
//
// The constructors below enforce the shape; prefer them over literal values.
type Message struct {
	ID          string       `json:"id,omitempty"`
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	From        string       `json:"from,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// ToolCall describes a single capability invocation requested by the chat
// collaborator. Arguments holds the serialized JSON payload exactly as the
// provider produced it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolResult captures the outcome of one tool call, keyed back to the call id.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
}

// NewUserMessage creates a user message attributed to from.
func NewUserMessage(from, content string) Message {
	return Message{
		ID:        NewID(),
		Role:      RoleUser,
		Content:   content,
		From:      from,
		Timestamp: time.Now().UTC(),
	}
}

// NewAssistantMessage creates a plain assistant message with prose content.
func NewAssistantMessage(content string) Message {
	return Message{
		ID:        NewID(),
		Role:      RoleAssistant,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// NewToolCallMessage creates an assistant message carrying tool calls and no
// content. Keeping Content empty forces the next turn of the conversation
// loop to wait for tool results before producing prose.
func NewToolCallMessage(calls []ToolCall) Message {
	return Message{
		ID:        NewID(),
		Role:      RoleAssistant,
		ToolCalls: calls,
		Timestamp: time.Now().UTC(),
	}
}

// NewToolResultMessage creates a tool message with the given results.
func NewToolResultMessage(results []ToolResult) Message {
	return Message{
		ID:          NewID(),
		Role:        RoleTool,
		ToolResults: results,
		Timestamp:   time.Now().UTC(),
	}
}

// HasToolCalls reports whether the message requests tool execution.
func (m Message) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

// Args unmarshals the call's Arguments payload into a map. An empty payload
// yields an empty map rather than an error.
func (tc ToolCall) Args() (map[string]any, error) {
	if tc.Arguments == "" {
		return map[string]any{}, nil
	}
	args := map[string]any{}
	if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
		return nil, fmt.Errorf("tool call %s: invalid arguments: %w", tc.Name, err)
	}
	return args, nil
}

// ToolCallFromAny reconstructs a ToolCall from either a live value or a
// rehydrated-from-storage record (a generic map produced by JSON decoding).
// Map arguments may be a serialized string or a decoded object; objects are
// re-serialized so the runtime shape is uniform at every call site.
func ToolCallFromAny(v any) (ToolCall, error) {
	switch tc := v.(type) {
	case ToolCall:
		return tc, nil
	case *ToolCall:
		return *tc, nil
	case map[string]any:
		out := ToolCall{}
		if id, ok := tc["id"].(string); ok {
			out.ID = id
		}
		name, ok := tc["name"].(string)
		if !ok || name == "" {
			return ToolCall{}, fmt.Errorf("tool call record missing name: %v", tc)
		}
		out.Name = name
		switch args := tc["arguments"].(type) {
		case nil:
		case string:
			out.Arguments = args
		default:
			raw, err := json.Marshal(args)
			if err != nil {
				return ToolCall{}, fmt.Errorf("tool call %s: unencodable arguments: %w", name, err)
			}
			out.Arguments = string(raw)
		}
		return out, nil
	default:
		return ToolCall{}, fmt.Errorf("unsupported tool call representation %T", v)
	}
}

// NewID generates a unique identifier for messages, threads, requests and
// bus entries.
func NewID() string { return uuid.NewString() }
