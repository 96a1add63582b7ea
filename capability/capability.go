// Package capability implements the registry and invocation contract for the
// runtime's capabilities: named, schema-described units an entity can call.
// A capability is either a Primitive (deterministic, synchronous Go code) or
// an Entity (LLM-backed, implemented in the entity package), and both sides
// of that split satisfy the same Capability interface so the conversation
// loop never branches on kind.
package capability

import (
	"context"
	"fmt"

	"github.com/capmesh/capmesh/core"
	"github.com/capmesh/capmesh/internal/schemautil"
)

// Kind distinguishes deterministic primitives from LLM-backed entities.
type Kind string

const (
	// KindPrimitive marks deterministic, synchronous capabilities.
	KindPrimitive Kind = "primitive"
	// KindEntity marks LLM-backed capabilities.
	KindEntity Kind = "entity"
)

// State reflects what a capability is currently doing.
type State string

const (
	// StateIdle means the capability is not processing anything.
	StateIdle State = "idle"
	// StateWorking means the capability is processing a message.
	StateWorking State = "working"
	// StateAwaitingTools means an entity is waiting on tool results.
	StateAwaitingTools State = "awaiting_tool_results"
)

// Descriptor is the registry-facing identity of a capability: what it is
// called, what it does, and the JSON schema of its parameters.
//
// Invariant: Schema has an "items" field on every array-typed property,
// recursively. Constructors sanitize schemas up front (schemautil.Sanitize)
// because several chat APIs reject array schemas lacking items.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
	Kind        Kind           `json:"kind"`
}

// Capability is the common contract for primitives and entities.
//
// Receive takes the inbound message (natural language for entities, a JSON
// argument payload for primitives) plus the call Context and returns the
// response content. Implementations must be safe for concurrent Receive
// calls or serialize internally.
type Capability interface {
	// Descriptor returns the registry-facing identity. The returned schema
	// is always sanitized (see Descriptor).
	Descriptor() Descriptor

	// State reports the capability's current execution state.
	State() State

	// Receive processes one inbound message and returns the response.
	Receive(ctx context.Context, message string, callCtx *core.Context) (string, error)
}

// sanitizeSchema normalizes a possibly-nil schema into the canonical
// sanitized object form used by every Descriptor.
func sanitizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return schemautil.Sanitize(schema)
}

// CapabilityError represents errors raised while invoking a capability.
type CapabilityError struct {
	Capability string `json:"capability"`        // Name of the capability that failed
	Message    string `json:"message"`           // Error message
	Code       string `json:"code"`              // Error code for categorization
	Details    any    `json:"details,omitempty"` // Additional error details
}

// Error codes used across the runtime.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
	CodeUnknown    = "UNKNOWN_CAPABILITY"
	CodeNotAllowed = "NOT_ALLOWED"
)

func (e *CapabilityError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("capability error [%s] in %s: %s", e.Code, e.Capability, e.Message)
	}
	return fmt.Sprintf("capability error in %s: %s", e.Capability, e.Message)
}

// NewCapabilityError creates a new CapabilityError with the specified details.
func NewCapabilityError(capability, message, code string) *CapabilityError {
	return &CapabilityError{
		Capability: capability,
		Message:    message,
		Code:       code,
	}
}
