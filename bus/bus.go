// Package bus implements the in-memory publish/subscribe log of all
// inter-capability traffic. Every message an entity sends or receives is
// published here; boundaries subscribe for live display and read Recent for
// scrollback. Entries are append-only and never mutated in place.
package bus

import (
	"strings"
	"sync"
	"time"

	"github.com/capmesh/capmesh/core"
	"github.com/capmesh/capmesh/logging"
)

// SummaryLimit bounds the length of an entry's display summary in runes.
const SummaryLimit = 120

// Entry is one published message. Message retains full fidelity; Summary is
// a length-bounded, whitespace-collapsed projection for compact display.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Message   string    `json:"message"`
	Summary   string    `json:"summary"`
	// ThreadID optionally scopes the entry to a thread for persistence.
	ThreadID string `json:"thread_id,omitempty"`
}

// Recorder persists bus entries. The sqlite thread store implements it;
// persistence failures are logged and never surfaced to publishers.
type Recorder interface {
	RecordBusEntry(e Entry) error
}

// Subscriber receives each published entry synchronously, in append order.
// The callback runs under the log lock, so it must not call back into the
// bus.
type Subscriber func(e Entry)

// Bus is the process-wide message log. Appends and subscriber dispatch
// happen under a single lock so subscribers observe entries in append order;
// no ordering is guaranteed across concurrent publishers beyond that.
type Bus struct {
	mu       sync.Mutex
	log      []Entry
	subs     map[int]Subscriber
	nextSub  int
	recorder Recorder
	logger   logging.Logger
}

// Options configures a Bus.
type Options struct {
	// Recorder, when set, persists every published entry.
	Recorder Recorder
	Logger   logging.Logger
}

// New constructs an empty bus.
func New(optFns ...func(o *Options)) *Bus {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Bus{
		subs:     make(map[int]Subscriber),
		recorder: opts.Recorder,
		logger:   logging.OrNoOp(opts.Logger),
	}
}

// Publish appends an entry to the log, notifies all subscribers
// synchronously and persists the entry when a recorder is attached.
// Subscriber panics and persistence failures are caught and logged; neither
// ever propagates to the publisher.
func (b *Bus) Publish(from, to, message string) Entry {
	return b.PublishScoped(from, to, message, "")
}

// PublishScoped is Publish with an optional thread id the persisted entry is
// scoped to.
func (b *Bus) PublishScoped(from, to, message, threadID string) Entry {
	entry := Entry{
		ID:        core.NewID(),
		Timestamp: time.Now().UTC(),
		From:      from,
		To:        to,
		Message:   message,
		Summary:   Summarize(message),
		ThreadID:  threadID,
	}

	// Dispatch happens inside the append critical section, otherwise two
	// publishers could deliver their entries to subscribers out of log
	// order.
	b.mu.Lock()
	b.log = append(b.log, entry)
	for _, fn := range b.subs {
		b.safeNotify(fn, entry)
	}
	b.mu.Unlock()

	if b.recorder != nil {
		if err := b.recorder.RecordBusEntry(entry); err != nil {
			b.logger.Warn("bus.persist.failed", "entry_id", entry.ID, "error", err.Error())
		}
	}

	return entry
}

func (b *Bus) safeNotify(fn Subscriber, entry Entry) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("bus.subscriber.panic", "entry_id", entry.ID, "panic", rec)
		}
	}()
	fn(entry)
}

// Subscribe registers a callback invoked synchronously for each published
// entry and returns a handle for Unsubscribe.
func (b *Bus) Subscribe(fn Subscriber) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	handle := b.nextSub
	b.subs[handle] = fn
	return handle
}

// Unsubscribe removes a previously registered subscriber.
func (b *Bus) Unsubscribe(handle int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, handle)
}

// Recent returns a copy of the last n entries (all entries when n exceeds
// the log length) without mutating the log.
func (b *Bus) Recent(n int) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.log) {
		n = len(b.log)
	}
	out := make([]Entry, n)
	copy(out, b.log[len(b.log)-n:])
	return out
}

// Len returns the number of published entries.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.log)
}

// Summarize collapses all whitespace runs in message to single spaces and
// truncates the result to SummaryLimit runes with an ellipsis. The original
// message is never modified.
func Summarize(message string) string {
	collapsed := strings.Join(strings.Fields(message), " ")
	runes := []rune(collapsed)
	if len(runes) <= SummaryLimit {
		return collapsed
	}
	return string(runes[:SummaryLimit]) + "…"
}
