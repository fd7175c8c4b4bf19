package mailbox

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// HeaderSentAt is the header every provider stamps onto a message before its
// first delivery attempt, carrying the send time in RFC 3339 form. A value
// already set by the sender is preserved.
const HeaderSentAt = "mbx-sent-at"

// Known values for Status.State.
const (
	StateOnline  = "online"
	StateUnknown = "unknown"
)

// validatorInstance is a package-level validator instance.
// Using a single instance is more efficient as it caches struct information.
var validatorInstance = validator.New()

// OutgoingMail is what a caller hands to Post: the addressing envelope plus
// payload. ID is optional; when empty the resolved provider assigns one.
type OutgoingMail struct {
	From    string            `validate:"required"` // Sender address, scheme included.
	To      string            `validate:"required"` // Recipient address; its scheme selects the provider.
	Body    []byte            // Opaque payload, may be empty.
	ID      string            // Optional caller-chosen id.
	Headers map[string]string // Optional string headers, copied into the message.
	Meta    map[string]any    // Optional loosely-typed metadata, copied into the message.
}

// Validate runs validation checks on the outgoing mail using the defined tags.
func (o OutgoingMail) Validate() error {
	if err := validatorInstance.Struct(o); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// Message is the delivered form of a mail. Providers treat it as immutable
// after creation, with one exception: header injection before the first
// delivery attempt (see HeaderSentAt).
type Message struct {
	ID      string
	From    string
	To      string
	Body    []byte
	Headers map[string]string
	Meta    map[string]any
}

// NewMessage builds the delivered form of an outgoing mail under the given
// id. Headers and metadata are shallow-copied so later header injection
// never mutates the caller's maps.
func NewMessage(mail OutgoingMail, id string) *Message {
	headers := make(map[string]string, len(mail.Headers)+1)
	for k, v := range mail.Headers {
		headers[k] = v
	}
	var meta map[string]any
	if len(mail.Meta) > 0 {
		meta = make(map[string]any, len(mail.Meta))
		for k, v := range mail.Meta {
			meta[k] = v
		}
	}
	return &Message{
		ID:      id,
		From:    mail.From,
		To:      mail.To,
		Body:    mail.Body,
		Headers: headers,
		Meta:    meta,
	}
}

// SentAt reports the message's stamped send time, if present and parseable.
func (m *Message) SentAt() (time.Time, bool) {
	raw, ok := m.Headers[HeaderSentAt]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// FetchOptions controls a single Fetch call.
type FetchOptions struct {
	// ManualAck holds the fetched message in flight until the caller settles
	// it with Ack or Nack. When false the message is gone once returned.
	ManualAck bool

	// AckTimeout bounds how long a manually fetched message may stay
	// unacknowledged before it becomes eligible for redelivery. Zero means
	// in-flight messages never expire.
	AckTimeout time.Duration
}

// Status is a point-in-time snapshot of one mailbox address. Fields a
// provider cannot report are nil.
type Status struct {
	State            string         // StateOnline, StateUnknown, or a provider-specific value.
	UnreadCount      *int           // Messages waiting in the pull queue.
	LastActivityTime *time.Time     // Last send, fetch, or subscribe touching the address.
	Extra            map[string]any // Provider-specific details, e.g. subscriber counts.
}
