package node

import (
	"sync"

	"github.com/weftlabs/weft/internal/coval"
	"github.com/weftlabs/weft/internal/wire"
)

// eventType distinguishes between event kinds.
type eventType int

const (
	// eventPeerMessage carries one incoming sync message from a peer.
	eventPeerMessage eventType = iota + 1
	// eventPeerClosed reports that a peer's incoming channel closed.
	eventPeerClosed
	// eventCoreUpdated reports a local or replicated append to a core.
	eventCoreUpdated
	// eventTask runs an arbitrary closure on the run loop.
	eventTask
)

// event wraps everything the run loop processes.
type event struct {
	typ    eventType
	peerID string
	msg    wire.Message
	core   *coval.Core
	task   func()
}

// eventQueue is a thread-safe FIFO queue for events.
//
// The queue is unbounded so that a burst of incoming content (a peer
// replaying a large backlog) can be enqueued without blocking the
// transport pumps.
//
// Thread-safety is provided for external enqueuing (peer pumps, core
// update hooks, API calls) while the Node's Run loop dequeues.
type eventQueue struct {
	mu     sync.Mutex
	events []event
	closed bool
	signal chan struct{} // Signals event availability (buffered, size 1)
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking signal; the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (event{}, false) if the queue is empty.
func (q *eventQueue) TryDequeue() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return event{}, false
	}

	e := q.events[0]

	// Nil out the slot so the event's pointers do not outlive their
	// processing in the backing array.
	q.events[0] = event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
// Use with select for context-aware waiting.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close signals that no more events will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
