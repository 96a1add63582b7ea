package capability

import (
	"context"
	"errors"
	"fmt"

	"github.com/capmesh/capmesh/core"
	"github.com/capmesh/capmesh/humanq"
	"github.com/capmesh/capmesh/thread"
)

// DeclaredMutator is implemented by capabilities whose declared capability
// list can grow at runtime. The add_capability builtin uses it to extend the
// calling entity without this package depending on the entity package.
type DeclaredMutator interface {
	AddDeclared(name string) bool
}

// NewAskHuman builds the ask_human universal capability. Invoking it
// enqueues a question on the human queue and blocks the calling execution
// context until a different context supplies the answer via Respond.
func NewAskHuman(queue *humanq.Queue, optFns ...func(o *PrimitiveOptions)) *Primitive {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question": map[string]any{
				"type":        "string",
				"description": "The question to ask the human",
			},
			"options": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Optional multiple-choice answers",
			},
		},
		"required": []string{"question"},
	}

	return NewPrimitive(
		"ask_human",
		"Ask the human a question and wait for their answer. Use this whenever you need input, clarification or a decision you cannot make yourself.",
		schema,
		func(ctx context.Context, callCtx *core.Context, args map[string]any) (any, error) {
			question, _ := args["question"].(string)

			var options []string
			if raw, ok := args["options"].([]any); ok {
				for _, o := range raw {
					if s, ok := o.(string); ok {
						options = append(options, s)
					}
				}
			}

			req := queue.Enqueue(callCtx.Sender(""), question, options...)
			answer, err := queue.WaitForResponseContext(ctx, req)
			if err != nil {
				return nil, fmt.Errorf("waiting for human response: %w", err)
			}
			return answer, nil
		},
		optFns...,
	)
}

// NewAddCapability builds the add_capability universal capability. It grants
// the calling entity access to a registered capability by extending its
// declared list through the DeclaredMutator interface. An entity can never
// grant itself its own name.
func NewAddCapability(registry *Registry, optFns ...func(o *PrimitiveOptions)) *Primitive {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{
				"type":        "string",
				"description": "Name of the registered capability to gain access to",
			},
		},
		"required": []string{"name"},
	}

	return NewPrimitive(
		"add_capability",
		"Grant yourself access to a registered capability you do not currently have.",
		schema,
		func(ctx context.Context, callCtx *core.Context, args map[string]any) (any, error) {
			name, _ := args["name"].(string)

			target, ok := registry.Get(name)
			if !ok {
				return nil, NewCapabilityError(name, fmt.Sprintf("capability %q is not registered", name), CodeUnknown)
			}

			caller := callCtx.CallingEntity
			if caller == "" {
				return nil, NewCapabilityError("add_capability", "no calling entity to grant the capability to", CodeNotAllowed)
			}
			if name == caller {
				return nil, NewCapabilityError("add_capability", fmt.Sprintf("%q cannot grant itself as a capability", caller), CodeNotAllowed)
			}
			self, ok := registry.Get(caller)
			if !ok {
				return nil, NewCapabilityError("add_capability", fmt.Sprintf("calling entity %q is not registered", caller), CodeUnknown)
			}
			mutator, ok := self.(DeclaredMutator)
			if !ok {
				return nil, NewCapabilityError("add_capability", fmt.Sprintf("%q cannot take on new capabilities", caller), CodeNotAllowed)
			}

			if !mutator.AddDeclared(name) {
				return fmt.Sprintf("Capability %q was already available.", name), nil
			}
			return fmt.Sprintf("Capability %q added: %s", name, target.Descriptor().Description), nil
		},
		optFns...,
	)
}

// NewStoreEnvData builds the store_env_data universal capability. Entries
// are scoped to the root thread of the calling context, so every entity in
// the same delegation tree sees the same data and unrelated trees see none
// of it.
func NewStoreEnvData(store thread.Store, optFns ...func(o *PrimitiveOptions)) *Primitive {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key": map[string]any{
				"type":        "string",
				"description": "Unique key for the entry within this conversation",
			},
			"short_description": map[string]any{
				"type":        "string",
				"description": "One-line summary of what the value holds",
			},
			"value": map[string]any{
				"type":        "string",
				"description": "The data to store",
			},
		},
		"required": []string{"key", "short_description", "value"},
	}

	return NewPrimitive(
		"store_env_data",
		"Store a key/value entry shared with every entity working in this conversation.",
		schema,
		func(ctx context.Context, callCtx *core.Context, args map[string]any) (any, error) {
			rootID, err := rootThreadOf(store, callCtx)
			if err != nil {
				return nil, err
			}
			key, _ := args["key"].(string)
			desc, _ := args["short_description"].(string)
			value, _ := args["value"].(string)

			if err := store.StoreEnvData(rootID, key, desc, value, callCtx.Sender("")); err != nil {
				return nil, fmt.Errorf("store env data: %w", err)
			}
			return fmt.Sprintf("Stored %q.", key), nil
		},
		optFns...,
	)
}

// NewGetEnvData builds the get_env_data universal capability.
func NewGetEnvData(store thread.Store, optFns ...func(o *PrimitiveOptions)) *Primitive {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key": map[string]any{
				"type":        "string",
				"description": "Key of the entry to read",
			},
		},
		"required": []string{"key"},
	}

	return NewPrimitive(
		"get_env_data",
		"Read a shared key/value entry stored earlier in this conversation.",
		schema,
		func(ctx context.Context, callCtx *core.Context, args map[string]any) (any, error) {
			rootID, err := rootThreadOf(store, callCtx)
			if err != nil {
				return nil, err
			}
			key, _ := args["key"].(string)

			value, err := store.GetEnvData(rootID, key)
			if errors.Is(err, thread.ErrEnvDataNotFound) {
				return nil, NewCapabilityError("get_env_data", fmt.Sprintf("no entry stored under %q", key), CodeExecution)
			}
			if err != nil {
				return nil, fmt.Errorf("get env data: %w", err)
			}
			return value, nil
		},
		optFns...,
	)
}

// NewListEnvData builds the list_env_data universal capability. Values are
// omitted from the listing; get_env_data fetches them individually.
func NewListEnvData(store thread.Store, optFns ...func(o *PrimitiveOptions)) *Primitive {
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}

	return NewPrimitive(
		"list_env_data",
		"List the keys and descriptions of the shared entries stored in this conversation.",
		schema,
		func(ctx context.Context, callCtx *core.Context, args map[string]any) (any, error) {
			rootID, err := rootThreadOf(store, callCtx)
			if err != nil {
				return nil, err
			}

			entries, err := store.ListEnvData(rootID)
			if err != nil {
				return nil, fmt.Errorf("list env data: %w", err)
			}
			if len(entries) == 0 {
				return "No shared entries stored.", nil
			}

			out := make([]map[string]string, 0, len(entries))
			for _, e := range entries {
				out = append(out, map[string]string{
					"key":               e.Key,
					"short_description": e.ShortDescription,
					"stored_by":         e.StoredBy,
				})
			}
			return out, nil
		},
		optFns...,
	)
}

// rootThreadOf resolves the env-data scope for a call context.
func rootThreadOf(store thread.Store, callCtx *core.Context) (string, error) {
	if callCtx == nil || callCtx.ThreadID == "" {
		return "", NewCapabilityError("env_data", "no active thread in the call context", CodeExecution)
	}
	rootID, err := store.ResolveRootThread(callCtx.ThreadID)
	if err != nil {
		return "", fmt.Errorf("resolve root thread: %w", err)
	}
	return rootID, nil
}
