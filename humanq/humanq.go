// Package humanq implements the blocking human-in-the-loop request queue.
//
// A capability that needs external input enqueues a Request and blocks its
// own execution context on WaitForResponse. A different execution context
// (CLI prompt, web handler) later calls Respond, which removes the request
// from the pending set and releases the blocked context exactly once.
//
// The queue is only responsible for bookkeeping and subscriber notification;
// the suspension mechanism itself is a response channel owned by each
// Request, released through a sync.Once.
package humanq

import (
	"context"
	"sync"
	"time"

	"github.com/capmesh/capmesh/core"
	"github.com/capmesh/capmesh/logging"
)

// EventKind labels queue notifications delivered to subscribers.
type EventKind string

const (
	// EventAdded fires when a request enters the pending set.
	EventAdded EventKind = "added"
	// EventResolved fires when a request receives its response.
	EventResolved EventKind = "resolved"
)

// Request is a single pending question for a human. At most one execution
// context may block waiting on a given request's response.
type Request struct {
	ID         string    `json:"id"`
	Capability string    `json:"capability"`
	Question   string    `json:"question"`
	Options    []string  `json:"options,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	mu       sync.Mutex
	response *string
	respCh   chan string
	once     sync.Once
}

// Response returns the resolved value, if any.
func (r *Request) Response() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.response == nil {
		return "", false
	}
	return *r.response, true
}

// release delivers the value to the single waiter. The sync.Once guarantees
// the channel send happens at most once even under racing Respond calls.
func (r *Request) release(value string) {
	r.once.Do(func() {
		r.mu.Lock()
		v := value
		r.response = &v
		r.mu.Unlock()
		r.respCh <- value
		close(r.respCh)
	})
}

// Subscriber receives queue lifecycle notifications. Callbacks run outside
// the queue's critical section, so a subscriber can never observe a request
// as both pending and resolved simultaneously.
type Subscriber func(kind EventKind, req *Request)

// Queue is the thread-safe collection of pending human requests.
type Queue struct {
	mu      sync.Mutex
	pending map[string]*Request
	subs    map[int]Subscriber
	nextSub int
	logger  logging.Logger
}

// Options configures a Queue.
type Options struct {
	Logger logging.Logger
}

// New constructs an empty queue.
func New(optFns ...func(o *Options)) *Queue {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Queue{
		pending: make(map[string]*Request),
		subs:    make(map[int]Subscriber),
		logger:  logging.OrNoOp(opts.Logger),
	}
}

// Enqueue creates a pending request and notifies subscribers with
// EventAdded. It returns immediately; the caller that needs the answer
// blocks separately via WaitForResponse.
func (q *Queue) Enqueue(capability, question string, options ...string) *Request {
	req := &Request{
		ID:         core.NewID(),
		Capability: capability,
		Question:   question,
		Options:    options,
		CreatedAt:  time.Now().UTC(),
		respCh:     make(chan string, 1),
	}

	q.mu.Lock()
	q.pending[req.ID] = req
	subs := q.snapshotSubsLocked()
	q.mu.Unlock()

	q.logger.Info("humanq.enqueue", "request_id", req.ID, "capability", capability)
	q.notify(subs, EventAdded, req)

	return req
}

// WaitForResponse blocks the calling execution context until a different
// context resolves the request via Respond, then returns the response value.
func (q *Queue) WaitForResponse(req *Request) string {
	return <-req.respCh
}

// WaitForResponseContext is WaitForResponse with cancellation. The core
// model imposes no deadline on human requests; boundaries that want one
// layer it through ctx.
func (q *Queue) WaitForResponseContext(ctx context.Context, req *Request) (string, error) {
	select {
	case v := <-req.respCh:
		return v, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Respond resolves a pending request: it atomically removes the request
// from the pending set (returning false if the id is unknown or already
// resolved), notifies subscribers with EventResolved, then releases the
// context blocked in WaitForResponse with the value.
func (q *Queue) Respond(id, value string) bool {
	q.mu.Lock()
	req, ok := q.pending[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	delete(q.pending, id)
	subs := q.snapshotSubsLocked()
	q.mu.Unlock()

	q.logger.Info("humanq.respond", "request_id", id)
	q.notify(subs, EventResolved, req)
	req.release(value)

	return true
}

// PendingFor returns a snapshot of pending requests for one capability.
func (q *Queue) PendingFor(capability string) []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Request, 0)
	for _, req := range q.pending {
		if req.Capability == capability {
			out = append(out, req)
		}
	}
	return out
}

// AllPending returns a snapshot of every pending request.
func (q *Queue) AllPending() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Request, 0, len(q.pending))
	for _, req := range q.pending {
		out = append(out, req)
	}
	return out
}

// Count returns the number of pending requests.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Subscribe registers a callback for queue events and returns a handle for
// Unsubscribe.
func (q *Queue) Subscribe(fn Subscriber) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSub++
	handle := q.nextSub
	q.subs[handle] = fn
	return handle
}

// Unsubscribe removes a previously registered subscriber.
func (q *Queue) Unsubscribe(handle int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.subs, handle)
}

func (q *Queue) snapshotSubsLocked() []Subscriber {
	subs := make([]Subscriber, 0, len(q.subs))
	for _, fn := range q.subs {
		subs = append(subs, fn)
	}
	return subs
}

// notify runs subscriber callbacks outside the critical section. Panics in
// a subscriber are contained so one misbehaving observer cannot break the
// queue or other subscribers.
func (q *Queue) notify(subs []Subscriber, kind EventKind, req *Request) {
	for _, fn := range subs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					q.logger.Error("humanq.subscriber.panic", "kind", string(kind), "panic", rec)
				}
			}()
			fn(kind, req)
		}()
	}
}
