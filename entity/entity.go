// Package entity implements the LLM-backed capability: a named identity with
// a natural-language body, a declared capability list and a persistent
// per-thread conversation history, driven by a chat.Completer through a
// tool-calling conversation loop.
//
// An Entity is itself a capability.Capability, so entities appear in the
// registry next to primitives and can be invoked by other entities; such
// entity-to-entity calls run through the delegation mechanism in
// delegation.go, which isolates each call in a fresh child thread.
package entity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/capmesh/capmesh/bus"
	"github.com/capmesh/capmesh/capability"
	"github.com/capmesh/capmesh/chat"
	"github.com/capmesh/capmesh/core"
	"github.com/capmesh/capmesh/logging"
	"github.com/capmesh/capmesh/thread"
)

// Config is the declarative part of an entity definition: identity plus the
// names of the capabilities it may call. Metadata carries arbitrary
// deployment-specific values the runtime itself never interprets.
type Config struct {
	Name         string         `yaml:"name" json:"name"`
	Description  string         `yaml:"description" json:"description"`
	Capabilities []string       `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Metadata     map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Options configures optional entity collaborators.
type Options struct {
	// Store persists threads and history. Without a store the entity keeps
	// history in memory only and delegation runs without thread isolation.
	Store thread.Store

	// Bus receives a published copy of inbound messages and final responses.
	Bus *bus.Bus

	// Observers receive real-time history and delegation notifications.
	Observers []Observer

	// Logger defaults to a no-op logger.
	Logger logging.Logger
}

// Entity is a Capability backed by a chat collaborator.
//
// Concurrency: a single mutex serializes Receive (and the thread-switching
// operations) per entity, so two execution contexts can never interleave
// mutations of history or the active thread. State reads stay cheap through
// a separate mutex so monitors can poll State during a long conversation.
type Entity struct {
	config    Config
	body      string
	registry  *capability.Registry
	completer chat.Completer
	store     thread.Store
	bus       *bus.Bus
	observers []Observer
	logger    logging.Logger

	mu              sync.Mutex // serializes Receive and thread switches
	history         []core.Message
	currentThreadID string

	declaredMu sync.Mutex
	declared   []string

	stateMu sync.Mutex
	state   capability.State
}

var (
	_ capability.Capability      = (*Entity)(nil)
	_ capability.DeclaredMutator = (*Entity)(nil)
)

// New creates an entity from its config and body. The registry resolves the
// entity's tools at call time; the completer produces its turns.
func New(cfg Config, body string, registry *capability.Registry, completer chat.Completer, optFns ...func(o *Options)) *Entity {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	declared := make([]string, len(cfg.Capabilities))
	copy(declared, cfg.Capabilities)

	return &Entity{
		config:    cfg,
		body:      body,
		registry:  registry,
		completer: completer,
		store:     opts.Store,
		bus:       opts.Bus,
		observers: opts.Observers,
		logger:    logging.OrNoOp(opts.Logger),
		declared:  declared,
		state:     capability.StateIdle,
	}
}

// Name returns the entity's registered name.
func (e *Entity) Name() string { return e.config.Name }

// Config returns a copy of the entity's configuration.
func (e *Entity) Config() Config {
	cfg := e.config
	cfg.Capabilities = e.Declared()
	return cfg
}

// Body returns the entity's natural-language identity text.
func (e *Entity) Body() string { return e.body }

// Descriptor returns the entity's registry identity. Entities take a single
// free-text message, so the schema is a one-property object.
func (e *Entity) Descriptor() capability.Descriptor {
	return capability.Descriptor{
		Name:        e.config.Name,
		Description: e.config.Description,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{
					"type":        "string",
					"description": "The message or task to send to this entity",
				},
			},
			"required": []string{"message"},
		},
		Kind: capability.KindEntity,
	}
}

// State reports the conversation loop's current state.
func (e *Entity) State() capability.State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

func (e *Entity) setState(s capability.State) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

// ResetIdle forces the state back to idle. Boundaries call this after
// catching an error that escaped the conversation loop.
func (e *Entity) ResetIdle() { e.setState(capability.StateIdle) }

// Declared returns a copy of the entity's declared capability names.
func (e *Entity) Declared() []string {
	e.declaredMu.Lock()
	defer e.declaredMu.Unlock()
	out := make([]string, len(e.declared))
	copy(out, e.declared)
	return out
}

// AddDeclared extends the declared capability list at runtime. It reports
// false when the name was already declared.
func (e *Entity) AddDeclared(name string) bool {
	e.declaredMu.Lock()
	defer e.declaredMu.Unlock()
	for _, n := range e.declared {
		if n == name {
			return false
		}
	}
	e.declared = append(e.declared, name)
	return true
}

// allowed returns the entity's allowed set: declared plus universal names.
func (e *Entity) allowed() map[string]bool {
	set := make(map[string]bool)
	for _, n := range e.Declared() {
		set[n] = true
	}
	for _, n := range e.registry.UniversalNames() {
		set[n] = true
	}
	return set
}

// Receive runs one full conversation turn on the entity's active thread.
//
// The loop requests completions until the collaborator answers without tool
// calls; tool-calling turns execute their calls (guarded, see
// executeToolCall) and feed the results back as a tool message. Errors from
// the collaborator or from tool execution are not caught here; they
// propagate to the caller with the entity left in a non-idle state, and the
// boundary decides how to report and reset.
func (e *Entity) Receive(ctx context.Context, message string, callCtx *core.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureThread(); err != nil {
		return "", err
	}
	return e.converse(ctx, message, callCtx)
}

// ensureThread lazily creates a root thread on first use. Callers hold e.mu.
func (e *Entity) ensureThread() error {
	if e.store == nil || e.currentThreadID != "" {
		return nil
	}
	id, err := e.store.CreateThread(thread.Spec{Owner: e.config.Name, Type: thread.TypeRoot})
	if err != nil {
		return fmt.Errorf("create root thread: %w", err)
	}
	e.currentThreadID = id
	return nil
}

// converse is the conversation loop proper. Callers hold e.mu.
func (e *Entity) converse(ctx context.Context, message string, callCtx *core.Context) (string, error) {
	sender := callCtx.Sender(e.config.Name)

	e.logger.Info("entity.receive", "entity", e.config.Name, "from", sender, "thread_id", e.currentThreadID)

	e.appendMessage(core.NewUserMessage(sender, message))
	e.publish(sender, e.config.Name, message)
	e.setState(capability.StateWorking)

	loopCtx := callCtx.Clone()
	loopCtx.CallingEntity = e.config.Name
	loopCtx.ThreadID = e.currentThreadID

	for {
		completion, err := e.completer.Complete(ctx, chat.Request{
			System:   e.systemPrompt(),
			Messages: e.history,
			Tools:    e.toolDefinitions(),
		})
		if err != nil {
			return "", fmt.Errorf("chat completion for %s: %w", e.config.Name, err)
		}

		if !completion.HasToolCalls() {
			e.appendMessage(core.NewAssistantMessage(completion.Content))
			e.publish(e.config.Name, sender, completion.Content)
			e.setState(capability.StateIdle)
			return completion.Content, nil
		}

		// Tool-calling turn: the assistant message carries only the calls,
		// never prose, so the next turn must wait for results.
		e.appendMessage(core.NewToolCallMessage(completion.ToolCalls))
		e.setState(capability.StateAwaitingTools)

		results := make([]core.ToolResult, 0, len(completion.ToolCalls))
		for _, call := range completion.ToolCalls {
			content, err := e.executeToolCall(ctx, call, loopCtx)
			if err != nil {
				return "", err
			}
			results = append(results, core.ToolResult{
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    content,
			})
		}

		e.appendMessage(core.NewToolResultMessage(results))
		e.setState(capability.StateWorking)
	}
}

// executeToolCall resolves and runs one tool call.
//
// Unknown and disallowed names never execute and come back as actionable
// tool-result content so the loop can continue. Execution errors from an
// allowed capability propagate unchanged.
func (e *Entity) executeToolCall(ctx context.Context, call core.ToolCall, loopCtx *core.Context) (string, error) {
	// A self-call would re-enter e.mu and deadlock, so it is rejected even
	// when the entity's own name made it into the declared set.
	if call.Name == e.config.Name {
		e.logger.Warn("entity.tool.self", "entity", e.config.Name)
		return fmt.Sprintf(
			"You cannot call %q: that is you. Answer directly or delegate to a different entity.",
			call.Name,
		), nil
	}

	if !e.allowed()[call.Name] {
		e.logger.Warn("entity.tool.denied", "entity", e.config.Name, "capability", call.Name)
		return fmt.Sprintf(
			"You are not allowed to use %q. Use add_capability to gain access to it first. Your declared capabilities are: %s",
			call.Name, strings.Join(e.Declared(), ", "),
		), nil
	}

	target, ok := e.registry.Get(call.Name)
	if !ok {
		e.logger.Warn("entity.tool.unknown", "entity", e.config.Name, "capability", call.Name)
		return fmt.Sprintf("No capability named %q is registered.", call.Name), nil
	}

	callCtx := loopCtx.Clone()
	callCtx.Capability = call.Name

	if other, ok := target.(*Entity); ok {
		return e.delegate(ctx, other, call, callCtx)
	}

	e.logger.Debug("entity.tool.call", "entity", e.config.Name, "capability", call.Name)
	return target.Receive(ctx, call.Arguments, callCtx)
}

// appendMessage adds a message to the active history, persists it when a
// store is attached and notifies observers. Persistence failures are logged
// and do not abort the in-memory append. Callers hold e.mu.
func (e *Entity) appendMessage(msg core.Message) {
	e.history = append(e.history, msg)

	if e.store != nil && e.currentThreadID != "" {
		if _, err := e.store.AddMessage(e.currentThreadID, msg); err != nil {
			e.logger.Warn("entity.persist.failed", "entity", e.config.Name, "thread_id", e.currentThreadID, "error", err.Error())
		}
	}

	for _, obs := range e.observers {
		e.safeNotify(func() { obs.HistoryUpdated(e.config.Name, e.currentThreadID, msg) })
	}
}

func (e *Entity) safeNotify(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("entity.observer.panic", "entity", e.config.Name, "panic", rec)
		}
	}()
	fn()
}

// publish mirrors a message onto the bus, scoped to the active thread.
func (e *Entity) publish(from, to, message string) {
	if e.bus == nil || message == "" {
		return
	}
	e.bus.PublishScoped(from, to, message, e.currentThreadID)
}

// systemPrompt combines the entity's body with a generated context block
// listing the capabilities it can call right now.
func (e *Entity) systemPrompt() string {
	var sb strings.Builder
	sb.WriteString(e.body)

	declared := e.Declared()
	universal := e.registry.UniversalNames()

	sb.WriteString("\n\n## Your capabilities\n")
	if len(declared) == 0 {
		sb.WriteString("You have no declared capabilities.\n")
	} else {
		sb.WriteString("Declared:\n")
		for _, name := range declared {
			if c, ok := e.registry.Get(name); ok {
				sb.WriteString(fmt.Sprintf("- %s: %s\n", name, c.Descriptor().Description))
			} else {
				sb.WriteString(fmt.Sprintf("- %s\n", name))
			}
		}
	}
	if len(universal) > 0 {
		sb.WriteString(fmt.Sprintf("Always available: %s\n", strings.Join(universal, ", ")))
	}

	return sb.String()
}

// toolDefinitions resolves the allowed set into chat tool definitions,
// sorted by name for stable prompts.
func (e *Entity) toolDefinitions() []chat.ToolDefinition {
	allowed := e.allowed()
	delete(allowed, e.config.Name) // an entity never calls itself

	names := make([]string, 0, len(allowed))
	for name := range allowed {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]chat.ToolDefinition, 0, len(names))
	for _, name := range names {
		c, ok := e.registry.Get(name)
		if !ok {
			continue
		}
		desc := c.Descriptor()
		defs = append(defs, chat.ToolDefinition{
			Name:        desc.Name,
			Description: desc.Description,
			Parameters:  desc.Schema,
		})
	}
	return defs
}

// History returns a copy of the active thread's in-memory history.
func (e *Entity) History() []core.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.Message, len(e.history))
	copy(out, e.history)
	return out
}

// CurrentThreadID returns the active thread id, empty before first use.
func (e *Entity) CurrentThreadID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentThreadID
}

// NewThread creates a fresh root thread, switches to it and returns its id.
// Requires a store.
func (e *Entity) NewThread(name string) (string, error) {
	if e.store == nil {
		return "", fmt.Errorf("no thread store configured for %s", e.config.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	id, err := e.store.CreateThread(thread.Spec{Owner: e.config.Name, Name: name, Type: thread.TypeRoot})
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	e.currentThreadID = id
	e.history = nil

	e.logger.Info("entity.thread.new", "entity", e.config.Name, "thread_id", id)
	return id, nil
}

// SwitchThread activates an existing thread owned by this entity and
// rehydrates its history from the store. It reports false when the thread
// does not exist or belongs to another entity.
func (e *Entity) SwitchThread(id string) bool {
	if e.store == nil {
		return false
	}

	t, err := e.store.GetThread(id)
	if err != nil || t.Owner != e.config.Name {
		return false
	}
	msgs, err := e.store.Messages(id)
	if err != nil {
		e.logger.Warn("entity.thread.switch_failed", "entity", e.config.Name, "thread_id", id, "error", err.Error())
		return false
	}

	e.mu.Lock()
	e.currentThreadID = id
	e.history = msgs
	e.mu.Unlock()

	e.logger.Info("entity.thread.switch", "entity", e.config.Name, "thread_id", id)
	return true
}

// ListThreads returns every thread owned by this entity, newest first.
func (e *Entity) ListThreads() ([]*thread.Thread, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.ListThreads(e.config.Name)
}

// WithStore attaches a thread store.
func WithStore(s thread.Store) func(o *Options) {
	return func(o *Options) { o.Store = s }
}

// WithBus attaches a message bus.
func WithBus(b *bus.Bus) func(o *Options) {
	return func(o *Options) { o.Bus = b }
}

// WithObservers registers real-time observers.
func WithObservers(obs ...Observer) func(o *Options) {
	return func(o *Options) { o.Observers = append(o.Observers, obs...) }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}
