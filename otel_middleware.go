package mailbox

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// payloadPreviewLimit bounds the payload excerpt attached to spans.
const payloadPreviewLimit = 100

// TracingProvider decorates a Provider with OpenTelemetry spans around the
// message-flow operations: send, push delivery, and fetch. Register the
// decorated provider in place of the bare one; routing is unaffected because
// the scheme passes through.
type TracingProvider struct {
	next   Provider
	tracer trace.Tracer
}

// NewTracingProvider wraps next so its operations are traced.
func NewTracingProvider(next Provider, tracer trace.Tracer) *TracingProvider {
	return &TracingProvider{next: next, tracer: tracer}
}

// Scheme returns the wrapped provider's scheme.
func (t *TracingProvider) Scheme() string { return t.next.Scheme() }

// GenerateID delegates to the wrapped provider.
func (t *TracingProvider) GenerateID() string { return t.next.GenerateID() }

// Send traces the send operation.
func (t *TracingProvider) Send(ctx context.Context, msg *Message) error {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("mailbox.send.%s", t.next.Scheme()),
		trace.WithAttributes(
			attribute.String("messaging.system", "mailbox"),
			attribute.String("messaging.operation", "send"),
			attribute.String("messaging.destination", msg.To),
			attribute.String("messaging.message_id", msg.ID),
			attribute.Int("messaging.message_payload_size_bytes", len(msg.Body)),
			attribute.String("messaging.message_payload_preview", preview(msg.Body)),
		),
	)
	defer span.End()

	err := t.next.Send(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Subscribe registers a handler that runs each push delivery inside its own
// processing span.
func (t *TracingProvider) Subscribe(ctx context.Context, address string, handler Handler) (Subscription, error) {
	scheme := t.next.Scheme()
	traced := func(ctx context.Context, msg *Message) error {
		spanCtx, span := t.tracer.Start(ctx, fmt.Sprintf("mailbox.process.%s", scheme),
			trace.WithAttributes(
				attribute.String("messaging.system", "mailbox"),
				attribute.String("messaging.operation", "process"),
				attribute.String("messaging.destination", address),
				attribute.String("messaging.message_id", msg.ID),
				attribute.Int("messaging.message_payload_size_bytes", len(msg.Body)),
				attribute.String("messaging.message_payload_preview", preview(msg.Body)),
			),
		)
		defer span.End()

		err := handler(spanCtx, msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
	return t.next.Subscribe(ctx, address, traced)
}

// Fetch traces the pull operation, recording whether anything was waiting.
func (t *TracingProvider) Fetch(ctx context.Context, address string, opts FetchOptions) (*AckableMessage, error) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("mailbox.fetch.%s", t.next.Scheme()),
		trace.WithAttributes(
			attribute.String("messaging.system", "mailbox"),
			attribute.String("messaging.operation", "fetch"),
			attribute.String("messaging.destination", address),
			attribute.Bool("messaging.manual_ack", opts.ManualAck),
			attribute.Int64("messaging.ack_timeout_ms", opts.AckTimeout.Milliseconds()),
		),
	)
	defer span.End()

	fetched, err := t.next.Fetch(ctx, address, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("messaging.fetched", fetched != nil))
	if fetched != nil {
		span.SetAttributes(attribute.String("messaging.message_id", fetched.Message.ID))
	}
	return fetched, nil
}

// Status delegates to the wrapped provider.
func (t *TracingProvider) Status(ctx context.Context, address string) (Status, error) {
	return t.next.Status(ctx, address)
}

// Close closes the wrapped provider.
func (t *TracingProvider) Close() error { return t.next.Close() }

// preview returns the leading bytes of a payload for span attributes.
func preview(body []byte) string {
	s := string(body)
	if len(s) > payloadPreviewLimit {
		s = s[:payloadPreviewLimit] + "..."
	}
	return s
}
