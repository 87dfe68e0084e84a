// Package queue implements the broker's append-only message queue: a doubly
// linked FIFO fed by the ingester, walked concurrently by per-receiver
// workers and by the TTL cleaner. Entries are never unlinked, so any cursor
// a worker holds stays dereferenceable for the life of the process.
package queue

import (
	"sync"
	"time"

	"github.com/kstaniek/ctmp-broker/internal/ctmp"
)

// MaxWorkers bounds num_workers: the sent-bitmask is a single uint64.
const MaxWorkers = 64

// Entry is one admitted message. Payload may be cleared by the TTL cleaner
// while the entry stays linked; Timestamp is set once at Append and never
// changes, so it is safe to read without the sent-bitmask lock.
type Entry struct {
	Timestamp time.Time
	Message   *ctmp.Message // nulled by the cleaner once past TTL

	sentMu sync.RWMutex
	sent   uint64

	mu   sync.Mutex // guards Message (cleared by the TTL cleaner)
	prev *Entry
	next *Entry // guarded by the owning Queue's mutex
}

// Sent reports whether worker slot i has already delivered this entry.
func (e *Entry) Sent(slot int) bool {
	e.sentMu.RLock()
	defer e.sentMu.RUnlock()
	return e.sent&(1<<uint(slot)) != 0
}

// MarkSent sets or clears the sent-bit for slot i. Workers clear it when a
// new receiver takes over their slot (spec §4.5 step 7).
func (e *Entry) MarkSent(slot int, val bool) {
	e.sentMu.Lock()
	defer e.sentMu.Unlock()
	if val {
		e.sent |= 1 << uint(slot)
	} else {
		e.sent &^= 1 << uint(slot)
	}
}

// Payload returns the entry's message payload, or nil if the cleaner has
// already reclaimed it. Safe to call without holding any lock: Message is
// only ever nulled under the entry's own mutex, which Payload also takes.
func (e *Entry) Payload() *ctmp.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Message
}

func (e *Entry) clearPayload() {
	e.mu.Lock()
	e.Message = nil
	e.mu.Unlock()
}

// Queue is the shared FIFO. append-order == enqueue-order == producer-send
// order (spec invariant).
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond
	head *Entry
	tail *Entry
}

// New constructs an empty queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Append admits msg at the tail, stamping it with the caller-supplied now, and
// wakes every waiter blocked on "no successor yet".
func (q *Queue) Append(msg *ctmp.Message, now time.Time) *Entry {
	e := &Entry{Timestamp: now, Message: msg}
	q.mu.Lock()
	if q.tail == nil {
		q.head = e
		q.tail = e
	} else {
		e.prev = q.tail
		q.tail.next = e
		q.tail = e
	}
	q.mu.Unlock()
	q.cond.Broadcast()
	return e
}

// First returns the head entry, or nil if the queue is empty.
func (q *Queue) First() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head
}

// Next returns the entry following e, or nil if e is still the tail.
func (q *Queue) Next(e *Entry) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return e.next
}

// WaitForFirst blocks until the queue is non-empty, then returns the head.
// A zero timeout waits forever; spurious wakeups are tolerated via a
// predicate loop.
func (q *Queue) WaitForFirst(timeout time.Duration) *Entry {
	return q.waitFor(timeout, func() *Entry { return q.head })
}

// WaitForNext blocks until after has a successor, then returns it.
func (q *Queue) WaitForNext(after *Entry, timeout time.Duration) *Entry {
	return q.waitFor(timeout, func() *Entry { return after.next })
}

func (q *Queue) waitFor(timeout time.Duration, probe func() *Entry) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if timeout <= 0 {
		for {
			if e := probe(); e != nil {
				return e
			}
			q.cond.Wait()
		}
	}

	deadline := time.Now().Add(timeout)
	for {
		if e := probe(); e != nil {
			return e
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		// sync.Cond has no timed wait; emulate one by releasing the lock,
		// sleeping in small slices, and re-checking the predicate. This
		// keeps the single-mutex, predicate-loop shape the spec calls for
		// while still bounding worst-case latency for callers that pass a
		// timeout (tests use one; steady-state workers do not).
		q.mu.Unlock()
		time.Sleep(minDuration(remaining, 10*time.Millisecond))
		q.mu.Lock()
	}
}

// ReclaimExpired walks the queue from the head, freeing the payload of any
// entry whose age exceeds ttl. It is the only mutating operation the TTL
// cleaner performs; entries stay linked forever. Each payload clear takes
// only the entry's own mutex (not the coarse queue mutex) since Timestamp is
// immutable and link mutation never touches Message; this keeps the cleaner
// from blocking ingestion or worker link-walks while it reclaims. Returns
// the number of entries whose payload was freed in this pass.
func (q *Queue) ReclaimExpired(ttl time.Duration, now time.Time) int {
	reclaimed := 0
	for e := q.First(); e != nil; e = q.Next(e) {
		if e.Payload() == nil {
			continue
		}
		if now.Sub(e.Timestamp) <= ttl {
			continue
		}
		e.clearPayload()
		reclaimed++
	}
	return reclaimed
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
