// Package gochannel provides a push-only mailbox transport backed by
// watermill's GoChannel pub/sub under the "chan" scheme. It exists for hosts
// already carrying watermill plumbing and as a second provider proving the
// routing layer against something that is not the memory bus.
//
// GoChannel keeps no queue for absent consumers, so Fetch is unsupported and
// messages sent while nobody subscribes are gone.
package gochannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	wmchan "github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/nfrund/mailbox"
	"github.com/nfrund/mailbox/address"
)

// Scheme is the address scheme the GoChannel provider serves.
const Scheme = "chan"

// envelope is the wire form carried in the watermill payload. Watermill
// metadata only holds flat strings, so the whole message travels as JSON;
// Meta values round-trip through JSON with the usual type flattening.
type envelope struct {
	ID      string            `json:"id"`
	From    string            `json:"from"`
	To      string            `json:"to"`
	Body    []byte            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Meta    map[string]any    `json:"meta,omitempty"`
}

// Provider bridges the mailbox contract onto a GoChannel pub/sub.
type Provider struct {
	mailbox.BaseProvider
	logger *slog.Logger
	pubsub *wmchan.GoChannel
	addrs  *address.Cache

	mu           sync.Mutex
	subsCount    map[string]int
	lastActivity map[string]time.Time
	closed       bool
}

// Option configures the provider.
type Option func(*Provider)

// WithLogger replaces the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// New creates a GoChannel provider with its own private pub/sub instance.
func New(opts ...Option) *Provider {
	p := &Provider{
		BaseProvider: mailbox.NewBaseProvider(Scheme),
		logger:       slog.Default(),
		addrs:        address.NewCache(address.DefaultCacheSize),
		subsCount:    make(map[string]int),
		lastActivity: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.pubsub = wmchan.NewGoChannel(
		wmchan.Config{},
		watermill.NewStdLogger(false, false),
	)
	return p
}

// Send stamps the send time onto msg and publishes it to the topic named by
// msg.To. With no live subscriber the message is dropped by the transport.
func (p *Provider) Send(ctx context.Context, msg *mailbox.Message) error {
	topic, err := p.addrs.Canonical(msg.To)
	if err != nil {
		return fmt.Errorf("%w: %v", mailbox.ErrInvalidAddress, err)
	}
	if p.isClosed() {
		return mailbox.ErrClosed
	}

	p.StampSentAt(msg)
	wmMsg, err := toWire(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	p.touch(topic)
	return p.pubsub.Publish(topic, wmMsg)
}

// Subscribe registers handler for addr. The message loop runs until the
// subscription is taken down or ctx ends.
func (p *Provider) Subscribe(ctx context.Context, addr string, handler mailbox.Handler) (mailbox.Subscription, error) {
	topic, err := p.addrs.Canonical(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mailbox.ErrInvalidAddress, err)
	}
	if p.isClosed() {
		return nil, mailbox.ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	messages, err := p.pubsub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return nil, err
	}
	p.addSub(topic)

	go func() {
		defer p.dropSub(topic)
		for wmMsg := range messages {
			msg, err := fromWire(wmMsg)
			if err != nil {
				p.logger.Error("Failed to decode message",
					"topic", topic, "msg_id", wmMsg.UUID, "error", err)
				// Acking drops the malformed message; nacking would have the
				// GoChannel hand it straight back to this subscriber.
				wmMsg.Ack()
				continue
			}
			if err := handler(subCtx, msg); err != nil {
				p.logger.Error("Failed to handle message",
					"topic", topic, "msg_id", msg.ID, "error", err)
				// A failed delivery is settled without requeue. In watermill
				// terms that is an Ack: Nack means immediate redelivery.
				wmMsg.Ack()
				continue
			}
			wmMsg.Ack()
		}
		p.logger.Debug("Subscription message loop ended", "topic", topic)
	}()

	return &subscription{cancel: cancel}, nil
}

// Fetch is unsupported: GoChannel is a pure push transport with no pull
// queue. Callers needing pull-with-ack semantics use the memory provider.
func (p *Provider) Fetch(ctx context.Context, addr string, opts mailbox.FetchOptions) (*mailbox.AckableMessage, error) {
	if _, err := p.addrs.Canonical(addr); err != nil {
		return nil, fmt.Errorf("%w: %v", mailbox.ErrInvalidAddress, err)
	}
	return nil, fmt.Errorf("%w: fetch on scheme %q", mailbox.ErrUnsupported, p.Scheme())
}

// Status reports what the transport knows about addr: live subscriber count
// and last traffic. There is no queue, so no unread count.
func (p *Provider) Status(ctx context.Context, addr string) (mailbox.Status, error) {
	topic, err := p.addrs.Canonical(addr)
	if err != nil {
		return mailbox.Status{}, fmt.Errorf("%w: %v", mailbox.ErrInvalidAddress, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return mailbox.Status{}, mailbox.ErrClosed
	}
	st := mailbox.Status{
		State: mailbox.StateOnline,
		Extra: map[string]any{
			"transport":        "watermill/gochannel",
			"subscriber_count": p.subsCount[topic],
		},
	}
	if last, ok := p.lastActivity[topic]; ok {
		st.LastActivityTime = &last
	}
	return st, nil
}

// Close shuts the underlying GoChannel down, ending every message loop.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	return p.pubsub.Close()
}

func (p *Provider) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Provider) touch(topic string) {
	p.mu.Lock()
	p.lastActivity[topic] = time.Now().UTC()
	p.mu.Unlock()
}

func (p *Provider) addSub(topic string) {
	p.mu.Lock()
	p.subsCount[topic]++
	p.lastActivity[topic] = time.Now().UTC()
	p.mu.Unlock()
}

// dropSub runs when a message loop exits, so the count tracks loops actually
// alive rather than Unsubscribe calls.
func (p *Provider) dropSub(topic string) {
	p.mu.Lock()
	if p.subsCount[topic] > 0 {
		p.subsCount[topic]--
	}
	if p.subsCount[topic] == 0 {
		delete(p.subsCount, topic)
	}
	p.mu.Unlock()
}

// toWire converts a mailbox message to its watermill form.
func toWire(msg *mailbox.Message) (*message.Message, error) {
	payload, err := json.Marshal(envelope{
		ID:      msg.ID,
		From:    msg.From,
		To:      msg.To,
		Body:    msg.Body,
		Headers: msg.Headers,
		Meta:    msg.Meta,
	})
	if err != nil {
		return nil, err
	}
	return message.NewMessage(msg.ID, payload), nil
}

// fromWire converts a watermill message back to a mailbox message.
func fromWire(wmMsg *message.Message) (*mailbox.Message, error) {
	var env envelope
	if err := json.Unmarshal(wmMsg.Payload, &env); err != nil {
		return nil, err
	}
	return &mailbox.Message{
		ID:      env.ID,
		From:    env.From,
		To:      env.To,
		Body:    env.Body,
		Headers: env.Headers,
		Meta:    env.Meta,
	}, nil
}

// subscription tears down one registration by canceling its message loop.
type subscription struct {
	cancel context.CancelFunc
	once   sync.Once
}

// Unsubscribe removes the registration. Safe to call more than once.
func (s *subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}
