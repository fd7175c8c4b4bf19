// Package memory provides the in-memory mailbox transport: a process-wide
// Bus carrying push fan-out and pull queues, and a Provider adapting it to
// the mailbox contract under the "mem" scheme.
//
// The Bus is an explicit resource. The hosting application constructs one,
// injects it into however many providers need it, and closes it on the way
// out. Nothing in this package holds a global instance.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/nfrund/mailbox"
	"github.com/nfrund/mailbox/internal/msgqueue"
)

// DefaultSubscriberBuffer is the per-subscription delivery buffer used when
// no option overrides it.
const DefaultSubscriberBuffer = 256

// subscription is one live push registration: its handler, its delivery
// buffer, and the state needed to take its worker down exactly once.
type subscription struct {
	id      uint64
	topic   string
	handler mailbox.Handler
	ch      chan *mailbox.Message
	done    chan struct{}
	stop    sync.Once
}

// shutdown signals the worker to exit. Safe to call from both Unsubscribe
// and Close.
func (s *subscription) shutdown() {
	s.stop.Do(func() { close(s.done) })
}

// Bus is the in-memory delivery engine. Publishing fans a message out to
// every live subscriber of the topic and appends a copy to the topic's pull
// queue; the two delivery paths never interfere.
type Bus struct {
	logger  *slog.Logger
	clock   clock.Clock
	bufSize int
	dropLog *rate.Limiter

	sweepEvery     time.Duration
	sweepOlderThan time.Duration
	sweepStop      chan struct{}

	mu           sync.RWMutex
	subs         map[string]map[uint64]*subscription
	lastActivity map[string]time.Time
	closed       bool

	seq   atomic.Uint64
	wg    sync.WaitGroup
	queue *msgqueue.Queue[*mailbox.Message]
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger replaces the default slog logger.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = logger }
}

// WithClock substitutes the time source used for pull timestamps, activity
// tracking, and the sweeper, primarily for tests.
func WithClock(c clock.Clock) BusOption {
	return func(b *Bus) { b.clock = c }
}

// WithSubscriberBuffer sets the per-subscription delivery buffer. A slow
// subscriber whose buffer is full loses push deliveries rather than
// stalling the publisher; sizes below one fall back to the default.
func WithSubscriberBuffer(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// WithSweepInterval starts a background sweep that returns in-flight
// messages older than olderThan to their queues every interval. Without it
// reclamation is strictly pull-triggered: expired messages move back only
// when somebody fetches with an ack timeout. The proactive sweep changes
// observable timing, so it is opt-in.
func WithSweepInterval(every, olderThan time.Duration) BusOption {
	return func(b *Bus) {
		b.sweepEvery = every
		b.sweepOlderThan = olderThan
	}
}

// NewBus creates a Bus ready for publishing. Close it when done; delivery
// workers and the optional sweeper run until then.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		logger:       slog.Default(),
		clock:        clock.New(),
		bufSize:      DefaultSubscriberBuffer,
		dropLog:      rate.NewLimiter(rate.Every(time.Second), 5),
		subs:         make(map[string]map[uint64]*subscription),
		lastActivity: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.queue = msgqueue.New(func(m *mailbox.Message) string { return m.ID }, b.clock)

	if b.sweepEvery > 0 && b.sweepOlderThan > 0 {
		b.sweepStop = make(chan struct{})
		// The ticker is created here rather than in the goroutine so it is
		// registered with the clock before NewBus returns.
		ticker := b.clock.Ticker(b.sweepEvery)
		b.wg.Add(1)
		go b.sweepLoop(ticker)
	}
	return b
}

// Subscribe registers handler for topic and returns a closure removing
// exactly this registration. Each subscription gets its own buffered channel
// and worker goroutine, so one topic's subscribers see publishes in order
// while a slow handler never blocks the publisher or its peers.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler mailbox.Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, mailbox.ErrClosed
	}
	sub := &subscription{
		id:      b.seq.Add(1),
		topic:   topic,
		handler: handler,
		ch:      make(chan *mailbox.Message, b.bufSize),
		done:    make(chan struct{}),
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*subscription)
	}
	b.subs[topic][sub.id] = sub
	b.lastActivity[topic] = b.clock.Now()
	b.mu.Unlock()

	b.wg.Add(1)
	go b.deliver(ctx, sub)

	unsubscribe := func() {
		b.removeSub(sub)
		sub.shutdown()
	}
	return unsubscribe, nil
}

// removeSub drops the registration from the topic map. Idempotent; called
// from Unsubscribe and from a worker whose context was canceled.
func (b *Bus) removeSub(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs := b.subs[sub.topic]; subs != nil {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.subs, sub.topic)
		}
	}
}

// deliver drains one subscription until it is shut down or its context ends.
func (b *Bus) deliver(ctx context.Context, sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case <-ctx.Done():
			b.removeSub(sub)
			return
		case msg := <-sub.ch:
			b.invoke(ctx, sub, msg)
		}
	}
}

// invoke runs the handler for one delivery. Handler errors are the
// subscribing layer's concern and are not inspected here; a panic is
// contained so one bad subscriber cannot take down its peers.
func (b *Bus) invoke(ctx context.Context, sub *subscription, msg *mailbox.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Subscriber handler panicked",
				"topic", sub.topic, "subscriber_id", sub.id, "msg_id", msg.ID, "panic", r)
		}
	}()
	_ = sub.handler(ctx, msg)
}

// Publish delivers msg on topic: a copy of the pointer goes to every live
// subscriber's buffer and one copy is appended to the pull queue. A full
// subscriber buffer drops that delivery with a rate-limited warning.
func (b *Bus) Publish(ctx context.Context, topic string, msg *mailbox.Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return mailbox.ErrClosed
	}
	b.lastActivity[topic] = b.clock.Now()
	targets := make([]*subscription, 0, len(b.subs[topic]))
	for _, sub := range b.subs[topic] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- msg:
		default:
			if b.dropLog.Allow() {
				b.logger.Warn("Subscriber buffer full, dropping push delivery",
					"topic", topic, "subscriber_id", sub.id, "msg_id", msg.ID, "buffer", cap(sub.ch))
			}
		}
	}

	b.queue.Enqueue(topic, msg)
	return nil
}

// FetchAndForget pops the oldest queued message of topic, or nil when the
// queue is empty. The message is gone once returned.
func (b *Bus) FetchAndForget(topic string) *mailbox.Message {
	b.touch(topic)
	msg, ok := b.queue.Dequeue(topic)
	if !ok {
		return nil
	}
	return msg
}

// FetchForAck pops the oldest queued message of topic into the in-flight
// table. When timeout is positive, messages already in flight longer than
// timeout are returned to the queue head first, so expired mail is
// redelivered before anything newer.
func (b *Bus) FetchForAck(topic string, timeout time.Duration) *mailbox.Message {
	b.touch(topic)
	msg, ok := b.queue.DequeueForAck(topic, timeout)
	if !ok {
		return nil
	}
	return msg
}

// Ack settles the in-flight message with this id. Unknown ids are a no-op.
func (b *Bus) Ack(id string) {
	b.queue.Ack(id)
}

// Nack settles the in-flight message with this id negatively, returning it
// to the head of its queue when requeue is set. Unknown ids are a no-op.
func (b *Bus) Nack(id string, requeue bool) {
	b.queue.Nack(id, requeue)
}

// SweepStale returns every in-flight message older than olderThan to the
// head of its queue and reports how many moved.
func (b *Bus) SweepStale(olderThan time.Duration) int {
	return b.queue.RequeueStale(olderThan)
}

// touch records pull activity on topic.
func (b *Bus) touch(topic string) {
	b.mu.Lock()
	b.lastActivity[topic] = b.clock.Now()
	b.mu.Unlock()
}

// BusStatus is a point-in-time snapshot of one topic.
type BusStatus struct {
	Unread       int       // Messages waiting in the pull queue.
	Subscribers  int       // Live push registrations.
	LastActivity time.Time // Zero when the topic has never seen traffic.
}

// Status reports the current snapshot of topic. Reading status is not
// activity and does not move LastActivity.
func (b *Bus) Status(topic string) BusStatus {
	b.mu.RLock()
	subscribers := len(b.subs[topic])
	last := b.lastActivity[topic]
	b.mu.RUnlock()

	return BusStatus{
		Unread:       b.queue.Len(topic),
		Subscribers:  subscribers,
		LastActivity: last,
	}
}

// sweepLoop periodically returns expired in-flight messages to their queues
// until the bus closes.
func (b *Bus) sweepLoop(ticker *clock.Ticker) {
	defer b.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-b.sweepStop:
			return
		case <-ticker.C:
			if moved := b.queue.RequeueStale(b.sweepOlderThan); moved > 0 {
				b.logger.Debug("Requeued stale in-flight messages", "count", moved)
			}
		}
	}
}

// Close removes every subscription and waits for the delivery workers and
// the sweeper to stop. Publishing and subscribing after Close fail with
// ErrClosed; pull fetches keep draining whatever is still queued. Close is
// idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscription
	for topic, subs := range b.subs {
		for _, sub := range subs {
			all = append(all, sub)
		}
		delete(b.subs, topic)
	}
	b.mu.Unlock()

	for _, sub := range all {
		sub.shutdown()
	}
	if b.sweepStop != nil {
		close(b.sweepStop)
	}
	b.wg.Wait()
	return nil
}
