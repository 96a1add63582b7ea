package core

// Mode selects the human-interaction strategy at the system boundary. The
// core runtime only carries the flag; boundaries (CLI, web) interpret it.
type Mode string

const (
	// ModeBlocking indicates the caller blocks on pending human requests.
	ModeBlocking Mode = "blocking"
	// ModeEvented indicates the boundary handles human requests out of band
	// (e.g. over a websocket) instead of blocking the calling context.
	ModeEvented Mode = "evented"
)

// HumanSender is the provenance used when no calling entity is set.
const HumanSender = "human"

// Context travels with every capability invocation. It identifies who is
// calling (an entity name, or empty for a human), which capability is being
// invoked, and the thread the call executes under.
type Context struct {
	// CallingEntity is the name of the entity that initiated the call, or
	// empty when the call originates from a human at the boundary.
	CallingEntity string
	// Capability is the name of the capability currently being invoked.
	Capability string
	// ThreadID is the caller's active thread, used to resolve the root
	// thread for env-data scoping and to parent delegation threads.
	ThreadID string
	// Mode selects blocking vs evented human interaction at the boundary.
	Mode Mode
}

// Sender resolves provenance for a message arriving at the entity named
// self: the calling entity when one is set and it is not self, otherwise
// "human".
func (c *Context) Sender(self string) string {
	if c != nil && c.CallingEntity != "" && c.CallingEntity != self {
		return c.CallingEntity
	}
	return HumanSender
}

// Clone returns a copy safe for independent mutation. A nil receiver yields
// a fresh blocking-mode context.
func (c *Context) Clone() *Context {
	if c == nil {
		return &Context{Mode: ModeBlocking}
	}
	cp := *c
	return &cp
}
