package mailbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Handler defines the function signature for processing a received message.
// Returning a non-nil error marks the delivery as failed; what that means is
// delivery-mode specific (see Provider.Subscribe).
type Handler func(ctx context.Context, msg *Message) error

// Subscription is a live push registration. Unsubscribe removes exactly this
// registration and is safe to call more than once.
type Subscription interface {
	Unsubscribe()
}

// Provider is the transport contract behind a mailbox address scheme. A
// provider owns delivery semantics for every address under its scheme;
// the Mailbox only routes.
type Provider interface {
	// Scheme returns the address scheme this provider serves, e.g. "mem".
	Scheme() string

	// Send delivers msg to msg.To. Implementations stamp HeaderSentAt
	// before the first delivery attempt unless the sender already set it.
	Send(ctx context.Context, msg *Message) error

	// Subscribe registers handler for all messages sent to address. Each
	// delivery is acknowledged automatically when handler returns nil and
	// negatively acknowledged without requeue when it returns an error.
	Subscribe(ctx context.Context, address string, handler Handler) (Subscription, error)

	// Fetch pulls the oldest waiting message for address, or (nil, nil)
	// when none is waiting. Under opts.ManualAck the result stays in
	// flight until settled through the returned handle.
	Fetch(ctx context.Context, address string, opts FetchOptions) (*AckableMessage, error)

	// Status reports a point-in-time snapshot of address.
	Status(ctx context.Context, address string) (Status, error)

	// GenerateID mints an id for mail posted without one.
	GenerateID() string

	// Close releases provider-owned resources. Shared resources injected at
	// construction stay open; their owner closes them.
	Close() error
}

// AckableMessage pairs a fetched message with its settlement controls. The
// zero settlement (auto-ack fetch) is a no-op on both paths.
type AckableMessage struct {
	Message *Message

	ack  func() error
	nack func(requeue bool) error
}

// NewAckableMessage wraps msg with settlement callbacks. Nil callbacks are
// replaced with no-ops, which is how auto-ack fetches are represented.
func NewAckableMessage(msg *Message, ack func() error, nack func(requeue bool) error) *AckableMessage {
	return &AckableMessage{Message: msg, ack: ack, nack: nack}
}

// Ack settles the message as handled. Acking a message that is no longer in
// flight is a no-op.
func (a *AckableMessage) Ack() error {
	if a.ack == nil {
		return nil
	}
	return a.ack()
}

// Nack settles the message as not handled. With requeue the message returns
// to the head of its queue for the next fetch; without it the message is
// dropped. Nacking a message that is no longer in flight is a no-op.
func (a *AckableMessage) Nack(requeue bool) error {
	if a.nack == nil {
		return nil
	}
	return a.nack(requeue)
}

// BaseProvider carries the pieces every provider shares. Embed it to get
// scheme reporting, id generation, and send-time stamping.
type BaseProvider struct {
	scheme string
}

// NewBaseProvider returns a BaseProvider serving the given scheme.
func NewBaseProvider(scheme string) BaseProvider {
	return BaseProvider{scheme: scheme}
}

// Scheme returns the address scheme this provider serves.
func (b BaseProvider) Scheme() string { return b.scheme }

// GenerateID mints a random UUID.
func (b BaseProvider) GenerateID() string { return uuid.NewString() }

// StampSentAt injects the HeaderSentAt header with the current UTC time
// unless the sender already set one.
func (b BaseProvider) StampSentAt(msg *Message) {
	if msg.Headers == nil {
		msg.Headers = make(map[string]string, 1)
	}
	if _, ok := msg.Headers[HeaderSentAt]; !ok {
		msg.Headers[HeaderSentAt] = time.Now().UTC().Format(time.RFC3339Nano)
	}
}
