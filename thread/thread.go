// Package thread defines the persistent thread/session model: ordered
// message logs with parent/child lineage plus the root-scoped env-data
// key/value store shared across a delegation tree.
//
// The Store interface (and the Thread/EnvDatum records) live here so higher
// layers depend only on contracts; concrete backends are the in-memory
// implementation in this package and the durable sqlite implementation in
// the sqlite subpackage.
package thread

import (
	"errors"
	"time"

	"github.com/capmesh/capmesh/core"
)

// Type distinguishes top-level conversations from delegation threads.
type Type string

const (
	// TypeRoot marks a thread with no parent, the scope boundary for env data.
	TypeRoot Type = "root"
	// TypeDelegation marks an isolated thread created for an
	// entity-to-entity call.
	TypeDelegation Type = "delegation"
)

// Sentinel errors shared by all Store implementations.
var (
	ErrThreadNotFound  = errors.New("thread not found")
	ErrParentNotFound  = errors.New("parent thread not found")
	ErrEnvDataNotFound = errors.New("env data entry not found")
)

// Thread is one persisted conversation. Every thread's ownership chain,
// followed via ParentThreadID, terminates at a root thread; cycles are
// impossible because a parent must already exist when a child is created.
type Thread struct {
	ID             string    `json:"id"`
	Owner          string    `json:"owner"` // owning entity's name
	Name           string    `json:"name,omitempty"`
	ParentThreadID string    `json:"parent_thread_id,omitempty"`
	ParentEntity   string    `json:"parent_entity,omitempty"`
	Type           Type      `json:"type"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EnvDatum is one shared key/value entry, keyed by (RootThreadID, Key).
// Entries created under one root thread are invisible to unrelated roots,
// so concurrent delegation trees share context without cross-talk.
type EnvDatum struct {
	RootThreadID     string    `json:"root_thread_id"`
	Key              string    `json:"key"`
	ShortDescription string    `json:"short_description"`
	Value            string    `json:"value,omitempty"`
	StoredBy         string    `json:"stored_by"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Spec describes a thread to create. Type defaults to TypeRoot when no
// parent is given and TypeDelegation otherwise.
type Spec struct {
	Owner          string
	Name           string
	ParentThreadID string
	ParentEntity   string
	Type           Type
}

// normalize fills the Type default.
func (s *Spec) normalize() {
	if s.Type == "" {
		if s.ParentThreadID == "" {
			s.Type = TypeRoot
		} else {
			s.Type = TypeDelegation
		}
	}
}

// Store persists threads, their ordered messages and env data.
//
// Implementations must enforce the creation-time acyclicity invariant:
// CreateThread fails with ErrParentNotFound when the parent id does not
// resolve, which in turn guarantees ResolveRootThread and Lineage terminate.
type Store interface {
	// CreateThread creates a thread and returns its id.
	CreateThread(spec Spec) (string, error)
	// GetThread returns a thread by id or ErrThreadNotFound.
	GetThread(id string) (*Thread, error)
	// ListThreads returns all threads owned by an entity, newest first.
	ListThreads(owner string) ([]*Thread, error)
	// RenameThread updates a thread's display name.
	RenameThread(id, name string) error

	// AddMessage appends a message to a thread's ordered log, bumping the
	// thread's UpdatedAt, and returns the message id.
	AddMessage(threadID string, msg core.Message) (string, error)
	// Messages returns the thread's ordered message log. Messages carrying
	// tool calls deserialize into the same core.ToolCall shape used at
	// runtime.
	Messages(threadID string) ([]core.Message, error)

	// ResolveRootThread walks ParentThreadID links until none remains and
	// returns the root thread id. Cheap to call repeatedly.
	ResolveRootThread(threadID string) (string, error)
	// Lineage returns the ancestor chain of a thread, root first, ending
	// with the thread itself.
	Lineage(threadID string) ([]*Thread, error)

	// StoreEnvData creates or replaces the (rootThreadID, key) entry.
	StoreEnvData(rootThreadID, key, shortDescription, value, storedBy string) error
	// GetEnvData returns the value for (rootThreadID, key) or
	// ErrEnvDataNotFound.
	GetEnvData(rootThreadID, key string) (string, error)
	// ListEnvData enumerates entries under a root thread with values
	// omitted for cheap listing.
	ListEnvData(rootThreadID string) ([]EnvDatum, error)
	// UpdateEnvData replaces an existing entry or returns ErrEnvDataNotFound.
	UpdateEnvData(rootThreadID, key, shortDescription, value, storedBy string) error
	// DeleteEnvData removes an entry or returns ErrEnvDataNotFound.
	DeleteEnvData(rootThreadID, key string) error
}
