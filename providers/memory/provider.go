package memory

import (
	"context"
	"fmt"

	"github.com/nfrund/mailbox"
	"github.com/nfrund/mailbox/address"
)

// Scheme is the address scheme the memory provider serves.
const Scheme = "mem"

// Provider adapts a Bus to the mailbox contract. It is a thin layer: address
// canonicalization on the way in, acknowledgment plumbing on the way out,
// and nothing else. Several providers may share one Bus.
type Provider struct {
	mailbox.BaseProvider
	bus   *Bus
	addrs *address.Cache
}

// New creates a memory provider on top of bus. The bus is a shared, host
// owned resource; closing the provider leaves it open.
func New(bus *Bus) *Provider {
	if bus == nil {
		panic("memory: nil bus")
	}
	return &Provider{
		BaseProvider: mailbox.NewBaseProvider(Scheme),
		bus:          bus,
		addrs:        address.NewCache(address.DefaultCacheSize),
	}
}

// Send stamps the send time onto msg and publishes it to the mailbox named
// by msg.To.
func (p *Provider) Send(ctx context.Context, msg *mailbox.Message) error {
	topic, err := p.addrs.Canonical(msg.To)
	if err != nil {
		return fmt.Errorf("%w: %v", mailbox.ErrInvalidAddress, err)
	}
	p.StampSentAt(msg)
	return p.bus.Publish(ctx, topic, msg)
}

// Subscribe registers handler for address. The handler is wrapped so a nil
// return acknowledges the delivery and an error logs and settles it
// negatively without requeue, keeping a permanently failing handler from
// spinning the same message forever.
func (p *Provider) Subscribe(ctx context.Context, addr string, handler mailbox.Handler) (mailbox.Subscription, error) {
	topic, err := p.addrs.Canonical(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mailbox.ErrInvalidAddress, err)
	}
	unsubscribe, err := p.bus.Subscribe(ctx, topic, p.autoAck(handler))
	if err != nil {
		return nil, err
	}
	return subscriptionFunc(unsubscribe), nil
}

// autoAck folds a handler's result into the acknowledgment protocol.
func (p *Provider) autoAck(handler mailbox.Handler) mailbox.Handler {
	return func(ctx context.Context, msg *mailbox.Message) error {
		if err := handler(ctx, msg); err != nil {
			p.bus.logger.Error("Receive handler failed",
				"scheme", p.Scheme(), "msg_id", msg.ID, "error", err)
			p.bus.Nack(msg.ID, false)
			return err
		}
		p.bus.Ack(msg.ID)
		return nil
	}
}

// Fetch pulls the oldest waiting message for addr, or (nil, nil) when the
// mailbox is empty. Under manual ack the returned handle settles the
// message; otherwise the handle's Ack and Nack are no-ops.
func (p *Provider) Fetch(ctx context.Context, addr string, opts mailbox.FetchOptions) (*mailbox.AckableMessage, error) {
	topic, err := p.addrs.Canonical(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mailbox.ErrInvalidAddress, err)
	}

	if !opts.ManualAck {
		msg := p.bus.FetchAndForget(topic)
		if msg == nil {
			return nil, nil
		}
		return mailbox.NewAckableMessage(msg, nil, nil), nil
	}

	msg := p.bus.FetchForAck(topic, opts.AckTimeout)
	if msg == nil {
		return nil, nil
	}
	id := msg.ID
	ack := func() error {
		p.bus.Ack(id)
		return nil
	}
	nack := func(requeue bool) error {
		p.bus.Nack(id, requeue)
		return nil
	}
	return mailbox.NewAckableMessage(msg, ack, nack), nil
}

// Status reports the bus's view of addr: unread pull queue depth, live
// subscriber count, and the last time the mailbox saw traffic.
func (p *Provider) Status(ctx context.Context, addr string) (mailbox.Status, error) {
	topic, err := p.addrs.Canonical(addr)
	if err != nil {
		return mailbox.Status{}, fmt.Errorf("%w: %v", mailbox.ErrInvalidAddress, err)
	}

	snapshot := p.bus.Status(topic)
	unread := snapshot.Unread
	st := mailbox.Status{
		State:       mailbox.StateOnline,
		UnreadCount: &unread,
		Extra:       map[string]any{"subscriber_count": snapshot.Subscribers},
	}
	if !snapshot.LastActivity.IsZero() {
		last := snapshot.LastActivity
		st.LastActivityTime = &last
	}
	return st, nil
}

// Close is a no-op: the Bus is owned by whoever constructed it and closes
// independently of any provider mounted on it.
func (p *Provider) Close() error { return nil }

// subscriptionFunc adapts a bus unsubscribe closure to the Subscription
// contract.
type subscriptionFunc func()

// Unsubscribe removes the registration. Safe to call more than once.
func (f subscriptionFunc) Unsubscribe() { f() }
