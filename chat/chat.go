// Package chat defines the provider-agnostic abstraction for the runtime's
// single external reasoning collaborator.
//
// Core goals:
//   - One synchronous Complete call the conversation loop can block on
//   - Normalized tool definition / tool call representation
//   - Request/response shapes that stay minimal and transport independent
//   - Lightweight scripting for tests (ScriptedCompleter)
//
// Providers (OpenAI, Anthropic) implement the Completer interface in
// subpackages so higher layers remain decoupled from vendor SDKs.
package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/capmesh/capmesh/core"
)

// ToolDefinition declaratively exposes a callable capability to the model.
// Parameters is a JSON Schema object (minimal subset, already sanitized).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized input for one completion call.
type Request struct {
	System   string           `json:"system"`
	Messages []core.Message   `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// TokenUsage captures token accounting for a completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the provider's answer: either prose content, or one or more
// tool calls the loop must execute before the next turn.
type Completion struct {
	Content    string          `json:"content,omitempty"`
	ToolCalls  []core.ToolCall `json:"tool_calls,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Usage      *TokenUsage     `json:"usage,omitempty"`
}

// HasToolCalls reports whether the completion requests tool execution.
func (c *Completion) HasToolCalls() bool { return len(c.ToolCalls) > 0 }

// Info contains metadata about a completer implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "scripted", ...
	SupportsTools bool   `json:"supports_tools"`
}

// Completer is the minimal interface the conversation loop requires of the
// chat collaborator. Complete blocks until the provider answers; errors
// propagate uncaught out of the loop to the system boundary.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Completion, error)

	// Info returns information about the completer implementation.
	Info() Info
}

// ScriptedCompleter is an in-memory Completer for tests and examples. It
// replays a fixed sequence of completions and records every request it
// receives for later assertions. When the script is exhausted it echoes the
// last user message.
type ScriptedCompleter struct {
	mu       sync.Mutex
	script   []*Completion
	requests []Request
	err      error
}

// NewScriptedCompleter constructs a completer that replays turns in order.
func NewScriptedCompleter(turns ...*Completion) *ScriptedCompleter {
	return &ScriptedCompleter{script: turns}
}

// TextTurn is shorthand for a scripted prose completion.
func TextTurn(content string) *Completion {
	return &Completion{Content: content, StopReason: "stop"}
}

// ToolCallTurn is shorthand for a scripted tool-calling completion.
func ToolCallTurn(calls ...core.ToolCall) *Completion {
	return &Completion{ToolCalls: calls, StopReason: "tool_calls"}
}

// FailWith makes every subsequent Complete call return err.
func (s *ScriptedCompleter) FailWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Complete implements Completer by replaying the next scripted turn.
func (s *ScriptedCompleter) Complete(ctx context.Context, req Request) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)

	if s.err != nil {
		return nil, s.err
	}

	if len(s.script) > 0 {
		next := s.script[0]
		s.script = s.script[1:]
		return next, nil
	}

	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == core.RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	return &Completion{Content: fmt.Sprintf("Scripted response to: %s", last), StopReason: "stop"}, nil
}

// Requests returns a copy of every request received so far.
func (s *ScriptedCompleter) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// CallCount returns the number of Complete calls received.
func (s *ScriptedCompleter) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Info implements Completer.
func (s *ScriptedCompleter) Info() Info {
	return Info{Name: "scripted", Provider: "scripted", SupportsTools: true}
}
