// Package capmesh provides a high-level façade over the capability runtime:
// the registry, the message bus, the human queue and the thread store, wired
// together for rapid construction of delegating multi-entity systems. Most
// applications interact with this package by:
//  1. Creating a Runtime via New() (optionally overriding the in-memory defaults)
//  2. Registering primitives and spawning entities (inline or from a definition directory)
//  3. Sending messages with Send and answering pending human requests with Respond
//
// The façade keeps setup ergonomics concise while every collaborator stays
// individually accessible for boundaries that need direct control. All
// defaults are safe for local development and testing; production deployments
// typically supply the sqlite thread store and a structured logger.
package capmesh

import (
	"context"
	"fmt"

	"github.com/capmesh/capmesh/bus"
	"github.com/capmesh/capmesh/capability"
	"github.com/capmesh/capmesh/chat"
	"github.com/capmesh/capmesh/core"
	"github.com/capmesh/capmesh/entity"
	"github.com/capmesh/capmesh/humanq"
	"github.com/capmesh/capmesh/logging"
	"github.com/capmesh/capmesh/thread"
)

// Options configures the Runtime.
type Options struct {
	// Completer is the chat collaborator shared by entities spawned through
	// the runtime. Defaults to a scripted echo completer suitable only for
	// tests and demos; real deployments supply chat/anthropic or chat/openai.
	Completer chat.Completer

	// ThreadStore persists threads, messages and env data. Defaults to the
	// in-memory store.
	ThreadStore thread.Store

	// PersistBus records published bus entries through the thread store when
	// the store implements bus.Recorder (the sqlite store does).
	PersistBus bool

	// Observers receive history and delegation notifications from every
	// entity spawned through the runtime.
	Observers []entity.Observer

	// Logger defaults to a no-op logger.
	Logger logging.Logger
}

// Runtime is the high-level façade aggregating the runtime's collaborators.
type Runtime struct {
	opts      Options
	registry  *capability.Registry
	bus       *bus.Bus
	humans    *humanq.Queue
	store     thread.Store
	completer chat.Completer
	logger    logging.Logger
}

// New creates a Runtime with optional overrides. Unset collaborators are
// initialized with in-memory implementations, and the universal capabilities
// (ask_human, add_capability and the env-data trio) are registered up front.
func New(optFns ...func(o *Options)) (*Runtime, error) {
	opts := Options{
		Completer:   chat.NewScriptedCompleter(),
		ThreadStore: thread.NewInMemoryStore(),
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := logging.OrNoOp(opts.Logger)

	registry := capability.NewRegistry(func(o *capability.RegistryOptions) { o.Logger = logger })
	humans := humanq.New(func(o *humanq.Options) { o.Logger = logger })

	var busOpts []func(o *bus.Options)
	busOpts = append(busOpts, func(o *bus.Options) { o.Logger = logger })
	if opts.PersistBus {
		recorder, ok := opts.ThreadStore.(bus.Recorder)
		if !ok {
			return nil, fmt.Errorf("thread store %T cannot record bus entries", opts.ThreadStore)
		}
		busOpts = append(busOpts, func(o *bus.Options) { o.Recorder = recorder })
	}
	b := bus.New(busOpts...)

	r := &Runtime{
		opts:      opts,
		registry:  registry,
		bus:       b,
		humans:    humans,
		store:     opts.ThreadStore,
		completer: opts.Completer,
		logger:    logger,
	}

	for _, universal := range []*capability.Primitive{
		capability.NewAskHuman(humans, func(o *capability.PrimitiveOptions) { o.Logger = logger }),
		capability.NewAddCapability(registry, func(o *capability.PrimitiveOptions) { o.Logger = logger }),
		capability.NewStoreEnvData(opts.ThreadStore, func(o *capability.PrimitiveOptions) { o.Logger = logger }),
		capability.NewGetEnvData(opts.ThreadStore, func(o *capability.PrimitiveOptions) { o.Logger = logger }),
		capability.NewListEnvData(opts.ThreadStore, func(o *capability.PrimitiveOptions) { o.Logger = logger }),
	} {
		if err := registry.RegisterUniversal(universal); err != nil {
			return nil, fmt.Errorf("register universal capability: %w", err)
		}
	}

	return r, nil
}

// Registry exposes the capability registry.
func (r *Runtime) Registry() *capability.Registry { return r.registry }

// Bus exposes the message bus.
func (r *Runtime) Bus() *bus.Bus { return r.bus }

// Humans exposes the human request queue.
func (r *Runtime) Humans() *humanq.Queue { return r.humans }

// ThreadStore exposes the thread store.
func (r *Runtime) ThreadStore() thread.Store { return r.store }

// RegisterPrimitive registers a primitive capability.
func (r *Runtime) RegisterPrimitive(p *capability.Primitive) error {
	return r.registry.Register(p)
}

// Spawn constructs an entity wired to the runtime's collaborators and
// registers it. The entity uses the runtime's shared completer; use
// SpawnWith to give an entity its own.
func (r *Runtime) Spawn(cfg entity.Config, body string) (*entity.Entity, error) {
	return r.SpawnWith(cfg, body, r.completer)
}

// SpawnWith is Spawn with an entity-specific completer.
func (r *Runtime) SpawnWith(cfg entity.Config, body string, completer chat.Completer) (*entity.Entity, error) {
	e := entity.New(cfg, body, r.registry, completer,
		entity.WithStore(r.store),
		entity.WithBus(r.bus),
		entity.WithObservers(r.opts.Observers...),
		entity.WithLogger(r.logger),
	)
	if err := r.registry.Register(e); err != nil {
		return nil, err
	}
	return e, nil
}

// SpawnDir loads every entity definition in dir (see entity.LoadDir),
// registering each successfully parsed one. Failures are isolated per
// definition and collected in the returned report.
func (r *Runtime) SpawnDir(dir string) ([]*entity.Entity, *capability.LoadReport) {
	return entity.LoadDir(dir, r.registry, r.completer,
		entity.WithStore(r.store),
		entity.WithBus(r.bus),
		entity.WithObservers(r.opts.Observers...),
		entity.WithLogger(r.logger),
	)
}

// Despawn unregisters an entity (or any capability) by name, reporting
// whether it existed. Used when a definition source is removed.
func (r *Runtime) Despawn(name string) bool {
	return r.registry.Unregister(name)
}

// Send delivers a human-attributed message to the named entity and blocks
// until its conversation loop completes. Errors that escaped the loop leave
// the entity non-idle; Send resets it to idle before returning, which is the
// boundary-side half of the loop's error contract.
func (r *Runtime) Send(ctx context.Context, entityName, message string) (string, error) {
	c, ok := r.registry.Get(entityName)
	if !ok {
		return "", capability.NewCapabilityError(entityName, "no such capability registered", capability.CodeUnknown)
	}
	e, ok := c.(*entity.Entity)
	if !ok {
		return "", capability.NewCapabilityError(entityName, "capability is not an entity", capability.CodeValidation)
	}

	resp, err := e.Receive(ctx, message, &core.Context{Mode: core.ModeBlocking})
	if err != nil {
		r.logger.Error("runtime.send.failed", "entity", entityName, "error", err.Error())
		e.ResetIdle()
		return "", err
	}
	return resp, nil
}

// Respond resolves a pending human request, releasing whichever execution
// context is blocked inside ask_human.
func (r *Runtime) Respond(requestID, value string) bool {
	return r.humans.Respond(requestID, value)
}

// Pending returns a snapshot of all pending human requests.
func (r *Runtime) Pending() []*humanq.Request {
	return r.humans.AllPending()
}

// WithCompleter sets the shared chat collaborator.
func WithCompleter(c chat.Completer) func(o *Options) {
	return func(o *Options) { o.Completer = c }
}

// WithThreadStore sets the thread store.
func WithThreadStore(s thread.Store) func(o *Options) {
	return func(o *Options) { o.ThreadStore = s }
}

// WithPersistedBus records bus entries through the thread store.
func WithPersistedBus() func(o *Options) {
	return func(o *Options) { o.PersistBus = true }
}

// WithObservers registers runtime-wide entity observers.
func WithObservers(obs ...entity.Observer) func(o *Options) {
	return func(o *Options) { o.Observers = append(o.Observers, obs...) }
}

// WithLogger sets the logger shared by all collaborators.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}
