package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/mailbox"
)

// newTestMessage builds a minimal message for bus-level tests.
func newTestMessage(id string) *mailbox.Message {
	return &mailbox.Message{
		ID:      id,
		From:    "mem:test/sender",
		To:      "mem:test/inbox",
		Body:    []byte("payload-" + id),
		Headers: map[string]string{},
	}
}

// collector gathers delivered message ids across goroutines.
type collector struct {
	mu  sync.Mutex
	ids []string
}

func (c *collector) record(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.ids))
	copy(out, c.ids)
	return out
}

// waitGroup waits for wg or fails the test at the deadline.
func waitGroup(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for deliveries")
	}
}

func TestBus_PushAndPullAreIndependent(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	first := &collector{}
	second := &collector{}
	for _, c := range []*collector{first, second} {
		c := c
		_, err := bus.Subscribe(context.Background(), "inbox", func(ctx context.Context, msg *mailbox.Message) error {
			defer wg.Done()
			c.record(msg.ID)
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, bus.Publish(context.Background(), "inbox", newTestMessage("m1")))
	waitGroup(t, &wg, time.Second)

	assert.Equal(t, []string{"m1"}, first.snapshot())
	assert.Equal(t, []string{"m1"}, second.snapshot())

	// The pull copy stays queued no matter how many subscribers saw it.
	msg := bus.FetchAndForget("inbox")
	require.NotNil(t, msg)
	assert.Equal(t, "m1", msg.ID)
	assert.Nil(t, bus.FetchAndForget("inbox"))
}

func TestBus_DeliveryOrderPerSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	const total = 20
	var wg sync.WaitGroup
	wg.Add(total)
	got := &collector{}
	_, err := bus.Subscribe(context.Background(), "inbox", func(ctx context.Context, msg *mailbox.Message) error {
		defer wg.Done()
		got.record(msg.ID)
		return nil
	})
	require.NoError(t, err)

	want := make([]string, 0, total)
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("m%02d", i)
		want = append(want, id)
		require.NoError(t, bus.Publish(context.Background(), "inbox", newTestMessage(id)))
	}
	waitGroup(t, &wg, time.Second)

	assert.Equal(t, want, got.snapshot())
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	got := &collector{}
	unsubscribe, err := bus.Subscribe(context.Background(), "inbox", func(ctx context.Context, msg *mailbox.Message) error {
		defer wg.Done()
		got.record(msg.ID)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "inbox", newTestMessage("m1")))
	waitGroup(t, &wg, time.Second)

	unsubscribe()
	unsubscribe() // safe to repeat
	assert.Equal(t, 0, bus.Status("inbox").Subscribers)

	require.NoError(t, bus.Publish(context.Background(), "inbox", newTestMessage("m2")))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []string{"m1"}, got.snapshot())
	// The pull queue still received both copies.
	assert.Equal(t, 2, bus.Status("inbox").Unread)
}

func TestBus_SlowSubscriberDropsWhenBufferFull(t *testing.T) {
	bus := NewBus(WithSubscriberBuffer(1))
	defer bus.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	got := &collector{}
	var wg sync.WaitGroup
	wg.Add(2) // m1 handled after release, m2 from the buffer
	_, err := bus.Subscribe(context.Background(), "inbox", func(ctx context.Context, msg *mailbox.Message) error {
		defer wg.Done()
		if msg.ID == "m1" {
			close(started)
			<-release
		}
		got.record(msg.ID)
		return nil
	})
	require.NoError(t, err)

	// m1 occupies the worker...
	require.NoError(t, bus.Publish(context.Background(), "inbox", newTestMessage("m1")))
	<-started
	// ...m2 fills the one-slot buffer, m3 has nowhere to go and is dropped.
	require.NoError(t, bus.Publish(context.Background(), "inbox", newTestMessage("m2")))
	require.NoError(t, bus.Publish(context.Background(), "inbox", newTestMessage("m3")))
	close(release)
	waitGroup(t, &wg, time.Second)

	assert.Equal(t, []string{"m1", "m2"}, got.snapshot())
	// Push drops never touch the pull queue.
	assert.Equal(t, 3, bus.Status("inbox").Unread)
}

func TestBus_SubscriberPanicIsContained(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	_, err := bus.Subscribe(context.Background(), "inbox", func(ctx context.Context, msg *mailbox.Message) error {
		defer wg.Done()
		panic("subscriber exploded")
	})
	require.NoError(t, err)

	got := &collector{}
	_, err = bus.Subscribe(context.Background(), "inbox", func(ctx context.Context, msg *mailbox.Message) error {
		defer wg.Done()
		got.record(msg.ID)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "inbox", newTestMessage("m1")))
	waitGroup(t, &wg, time.Second)

	assert.Equal(t, []string{"m1"}, got.snapshot())
}

func TestBus_ContextCancelRemovesSubscription(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := bus.Subscribe(ctx, "inbox", func(ctx context.Context, msg *mailbox.Message) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Status("inbox").Subscribers)

	cancel()
	assert.Eventually(t, func() bool {
		return bus.Status("inbox").Subscribers == 0
	}, time.Second, 10*time.Millisecond)
}

func TestBus_CloseRejectsNewWork(t *testing.T) {
	bus := NewBus()
	_, err := bus.Subscribe(context.Background(), "inbox", func(ctx context.Context, msg *mailbox.Message) error { return nil })
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), "inbox", newTestMessage("m1")))

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close()) // idempotent

	assert.ErrorIs(t, bus.Publish(context.Background(), "inbox", newTestMessage("m2")), mailbox.ErrClosed)
	_, err = bus.Subscribe(context.Background(), "inbox", func(ctx context.Context, msg *mailbox.Message) error { return nil })
	assert.ErrorIs(t, err, mailbox.ErrClosed)

	// Draining what was already queued still works.
	msg := bus.FetchAndForget("inbox")
	require.NotNil(t, msg)
	assert.Equal(t, "m1", msg.ID)
}

func TestBus_StatusTracksActivity(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	bus := NewBus(WithClock(mock))
	defer bus.Close()

	st := bus.Status("inbox")
	assert.Zero(t, st.Unread)
	assert.Zero(t, st.Subscribers)
	assert.True(t, st.LastActivity.IsZero())

	require.NoError(t, bus.Publish(context.Background(), "inbox", newTestMessage("m1")))
	st = bus.Status("inbox")
	assert.Equal(t, 1, st.Unread)
	assert.Equal(t, mock.Now(), st.LastActivity)

	// Reading status is not activity.
	published := st.LastActivity
	mock.Add(time.Hour)
	assert.Equal(t, published, bus.Status("inbox").LastActivity)

	// Fetching is.
	bus.FetchAndForget("inbox")
	assert.Equal(t, mock.Now(), bus.Status("inbox").LastActivity)
}

func TestBus_FetchForAckHoldsAndSettles(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	require.NoError(t, bus.Publish(context.Background(), "inbox", newTestMessage("m1")))

	held := bus.FetchForAck("inbox", time.Minute)
	require.NotNil(t, held)
	assert.Nil(t, bus.FetchForAck("inbox", time.Minute))

	bus.Nack(held.ID, true)
	again := bus.FetchForAck("inbox", time.Minute)
	require.NotNil(t, again)
	assert.Equal(t, "m1", again.ID)

	bus.Ack(again.ID)
	assert.Nil(t, bus.FetchForAck("inbox", time.Minute))
}

func TestBus_ProactiveSweep(t *testing.T) {
	mock := clock.NewMock()
	bus := NewBus(WithClock(mock), WithSweepInterval(time.Second, time.Minute))
	defer bus.Close()

	require.NoError(t, bus.Publish(context.Background(), "inbox", newTestMessage("m1")))
	require.NotNil(t, bus.FetchForAck("inbox", time.Minute))
	assert.Zero(t, bus.Status("inbox").Unread)

	// Once the hold expires the sweeper returns the message to the queue
	// without anyone fetching.
	mock.Add(2 * time.Minute)
	assert.Eventually(t, func() bool {
		return bus.Status("inbox").Unread == 1
	}, time.Second, 10*time.Millisecond)
}

func TestBus_SweepStaleOnDemand(t *testing.T) {
	mock := clock.NewMock()
	bus := NewBus(WithClock(mock))
	defer bus.Close()

	require.NoError(t, bus.Publish(context.Background(), "inbox", newTestMessage("m1")))
	require.NotNil(t, bus.FetchForAck("inbox", time.Minute))

	assert.Equal(t, 0, bus.SweepStale(time.Minute))
	mock.Add(2 * time.Minute)
	assert.Equal(t, 1, bus.SweepStale(time.Minute))
	assert.Equal(t, 1, bus.Status("inbox").Unread)
}
