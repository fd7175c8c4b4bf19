// Package msgqueue implements the delivery store behind the in-memory
// mailbox transport: per-topic FIFO queues plus a single in-flight table for
// messages pulled under manual acknowledgment.
//
// The store maintains one invariant above all: an item id lives in at most
// one place, either its topic queue or the in-flight table, never both.
// Every operation preserves it under a single mutex.
package msgqueue

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// flight is one item pulled under manual ack and not yet settled.
type flight[T any] struct {
	item     T
	topic    string
	pulledAt time.Time
}

// Queue is a topic-partitioned FIFO store with manual acknowledgment. The
// zero value is not usable; construct with New.
type Queue[T any] struct {
	idOf  func(T) string
	clock clock.Clock

	mu       sync.Mutex
	queues   map[string][]T
	inflight map[string]flight[T]
}

// New creates an empty Queue. idOf must return a stable unique id per item;
// acknowledgment is keyed by it. A nil clk selects the wall clock, tests
// pass a mock to control redelivery timing.
func New[T any](idOf func(T) string, clk clock.Clock) *Queue[T] {
	if clk == nil {
		clk = clock.New()
	}
	return &Queue[T]{
		idOf:     idOf,
		clock:    clk,
		queues:   make(map[string][]T),
		inflight: make(map[string]flight[T]),
	}
}

// Enqueue appends item to the tail of topic's queue.
func (q *Queue[T]) Enqueue(topic string, item T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.queues[topic] = append(q.queues[topic], item)
}

// Dequeue pops the head of topic's queue without any in-flight tracking.
// The second result is false when the queue is empty.
func (q *Queue[T]) Dequeue(topic string) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.popHead(topic)
}

// DequeueForAck pops the head of topic's queue into the in-flight table,
// stamped with the pull time. When timeout is positive, in-flight entries of
// this topic older than timeout are returned to the head of the queue first,
// so an expired message is what this call hands out.
func (q *Queue[T]) DequeueForAck(topic string, timeout time.Duration) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if timeout > 0 {
		q.requeueStaleLocked(topic, timeout)
	}
	item, ok := q.popHead(topic)
	if !ok {
		var zero T
		return zero, false
	}
	q.inflight[q.idOf(item)] = flight[T]{item: item, topic: topic, pulledAt: q.clock.Now()}
	return item, true
}

// Ack settles the in-flight item with this id. Unknown ids are a no-op,
// which makes Ack idempotent and indifferent to an id that already expired
// back onto the queue.
func (q *Queue[T]) Ack(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, id)
}

// Nack settles the in-flight item with this id negatively. With requeue the
// item returns to the head of its topic queue and is the next one handed
// out; without it the item is dropped. Unknown ids are a no-op.
func (q *Queue[T]) Nack(id string, requeue bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	fl, ok := q.inflight[id]
	if !ok {
		return
	}
	delete(q.inflight, id)
	if requeue {
		q.queues[fl.topic] = append([]T{fl.item}, q.queues[fl.topic]...)
	}
}

// Len reports how many items wait in topic's queue. In-flight items are not
// counted; they are nobody's unread mail until they expire or are nacked
// back.
func (q *Queue[T]) Len(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.queues[topic])
}

// InFlightLen reports how many items are awaiting acknowledgment across all
// topics.
func (q *Queue[T]) InFlightLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.inflight)
}

// RequeueStale sweeps every topic, returning in-flight items older than
// timeout to the head of their queues. It reports how many items moved.
// Timeouts of zero or below sweep nothing.
func (q *Queue[T]) RequeueStale(timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	topics := make(map[string]struct{})
	for _, fl := range q.inflight {
		if now.Sub(fl.pulledAt) > timeout {
			topics[fl.topic] = struct{}{}
		}
	}
	moved := 0
	for topic := range topics {
		moved += q.requeueStaleLocked(topic, timeout)
	}
	return moved
}

// requeueStaleLocked moves expired in-flight entries of one topic back to
// the head of its queue, ordered by original pull time so the longest-held
// message is redelivered first, ahead of anything still queued. Expiry is
// strict: an entry exactly timeout old stays in flight.
func (q *Queue[T]) requeueStaleLocked(topic string, timeout time.Duration) int {
	now := q.clock.Now()

	type staleEntry struct {
		id string
		fl flight[T]
	}
	var stale []staleEntry
	for id, fl := range q.inflight {
		if fl.topic == topic && now.Sub(fl.pulledAt) > timeout {
			stale = append(stale, staleEntry{id: id, fl: fl})
		}
	}
	if len(stale) == 0 {
		return 0
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].fl.pulledAt.Before(stale[j].fl.pulledAt)
	})

	items := make([]T, 0, len(stale)+len(q.queues[topic]))
	for _, e := range stale {
		delete(q.inflight, e.id)
		items = append(items, e.fl.item)
	}
	q.queues[topic] = append(items, q.queues[topic]...)
	return len(stale)
}

// popHead removes and returns the head of topic's queue.
func (q *Queue[T]) popHead(topic string) (T, bool) {
	items := q.queues[topic]
	var zero T
	if len(items) == 0 {
		return zero, false
	}
	head := items[0]
	// Clear the slot so the backing array does not pin the message.
	items[0] = zero
	if len(items) == 1 {
		delete(q.queues, topic)
	} else {
		q.queues[topic] = items[1:]
	}
	return head, true
}
