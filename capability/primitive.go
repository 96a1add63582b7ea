package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/capmesh/capmesh/core"
	"github.com/capmesh/capmesh/internal/schemautil"
	"github.com/capmesh/capmesh/logging"
)

// HandlerFunc is the implementation signature for a primitive capability.
// Arguments arrive already validated against the primitive's schema.
type HandlerFunc func(ctx context.Context, callCtx *core.Context, args map[string]any) (any, error)

// Primitive adapts a plain Go function into a deterministic capability.
//
// Responsibilities:
//   - Holds a JSON-Schema-like parameter specification, sanitized up front
//   - Validates supplied arguments against that schema before execution
//   - Normalizes error handling so callers receive *CapabilityError with
//     consistent codes (VALIDATION_ERROR for schema mismatches,
//     EXECUTION_ERROR for handler failures, custom codes preserved when the
//     handler returns *CapabilityError directly)
//   - Serializes non-string results to JSON for the tool-result content
//
// Concurrency: a Primitive has no mutable state besides the State flag and
// is safe for concurrent use by multiple goroutines.
type Primitive struct {
	name        string
	description string
	schema      map[string]any
	fn          HandlerFunc
	logger      logging.Logger

	mu    sync.Mutex
	state State
}

// PrimitiveOptions configures optional Primitive behavior.
type PrimitiveOptions struct {
	Logger logging.Logger
}

// NewPrimitive constructs a Primitive from an explicit schema and handler.
//
// Example:
//
//	sum := capability.NewPrimitive(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(ctx context.Context, callCtx *core.Context, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	)
func NewPrimitive(name, description string, schema map[string]any, fn HandlerFunc, optFns ...func(o *PrimitiveOptions)) *Primitive {
	opts := PrimitiveOptions{Logger: logging.NoOpLogger{}}
	for _, fnOpt := range optFns {
		fnOpt(&opts)
	}

	return &Primitive{
		name:        name,
		description: description,
		schema:      sanitizeSchema(schema),
		fn:          fn,
		logger:      logging.OrNoOp(opts.Logger),
		state:       StateIdle,
	}
}

// NewPrimitiveFromStruct derives the parameter schema from a struct using
// reflection, equivalent to schemautil.CreateSchema(structType).
func NewPrimitiveFromStruct(name, description string, structType any, fn HandlerFunc, optFns ...func(o *PrimitiveOptions)) *Primitive {
	return NewPrimitive(name, description, schemautil.CreateSchema(structType), fn, optFns...)
}

// Descriptor returns the primitive's registry identity.
func (p *Primitive) Descriptor() Descriptor {
	return Descriptor{
		Name:        p.name,
		Description: p.description,
		Schema:      p.schema,
		Kind:        KindPrimitive,
	}
}

// State reports idle or working.
func (p *Primitive) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Primitive) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Receive parses the message as a JSON argument payload, validates it
// against the declared schema, invokes the handler and serializes the
// result. Validation or execution failures are wrapped (or passed through)
// as *CapabilityError for uniform downstream handling.
func (p *Primitive) Receive(ctx context.Context, message string, callCtx *core.Context) (string, error) {
	start := time.Now()
	p.setState(StateWorking)
	defer p.setState(StateIdle)

	p.logger.Debug("primitive.call.start", "capability", p.name, "caller", callCtx.Sender(p.name))

	args := map[string]any{}
	if message != "" {
		if err := json.Unmarshal([]byte(message), &args); err != nil {
			p.logger.Warn("primitive.call.bad_payload", "capability", p.name, "error", err.Error())
			return "", &CapabilityError{
				Capability: p.name,
				Message:    fmt.Sprintf("arguments are not a JSON object: %v", err),
				Code:       CodeValidation,
			}
		}
	}

	if err := schemautil.ValidateParameters(args, p.schema); err != nil {
		p.logger.Warn("primitive.call.validation_failed", "capability", p.name, "error", err.Error())
		return "", &CapabilityError{
			Capability: p.name,
			Message:    fmt.Sprintf("parameter validation failed: %v", err),
			Code:       CodeValidation,
			Details:    err,
		}
	}

	result, err := p.fn(ctx, callCtx, args)
	if err != nil {
		if capErr, ok := err.(*CapabilityError); ok { // forward unchanged
			p.logger.Error("primitive.call.error", "capability", p.name, "error", capErr.Message)
			return "", capErr
		}
		p.logger.Error("primitive.call.error", "capability", p.name, "error", err.Error())
		return "", &CapabilityError{
			Capability: p.name,
			Message:    err.Error(),
			Code:       CodeExecution,
		}
	}

	p.logger.Info("primitive.call.success", "capability", p.name, "duration_ms", time.Since(start).Milliseconds())

	return encodeResult(result)
}

// encodeResult turns a handler result into tool-result content. Strings pass
// through untouched; everything else is JSON encoded.
func encodeResult(result any) (string, error) {
	switch r := result.(type) {
	case nil:
		return "", nil
	case string:
		return r, nil
	default:
		raw, err := json.Marshal(r)
		if err != nil {
			return "", fmt.Errorf("encode primitive result: %w", err)
		}
		return string(raw), nil
	}
}
