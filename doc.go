// Package mailbox provides URL-addressed message routing over pluggable
// transport providers.
//
// Every message carries a From and To address of the form scheme:identifier.
// The scheme selects a provider, the rest names a mailbox within it. The
// Mailbox type is the front door: it validates outgoing mail, resolves the
// recipient's scheme, and hands the operation to the registered provider.
// Providers own delivery semantics; the Mailbox never buffers or retries.
//
// Two transports ship with the module. The memory provider (scheme "mem",
// package providers/memory) runs on an in-process Bus with push fan-out to
// subscribers, per-mailbox FIFO pull queues, manual acknowledgment, and
// timeout-based redelivery. The GoChannel provider (scheme "chan", package
// providers/gochannel) bridges watermill's in-memory pub/sub for push-only
// use.
//
// Usage:
//
// Wire a mailbox with the in-memory transport:
//
//	bus := memory.NewBus()
//	defer bus.Close()
//
//	mbx := mailbox.New()
//	mbx.MustRegisterProvider(memory.New(bus))
//
// Send and receive by address:
//
//	sub, err := mbx.Subscribe(ctx, "mem:billing/invoices", func(ctx context.Context, msg *mailbox.Message) error {
//		log.Printf("received %s", msg.ID)
//		return nil
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sub.Unsubscribe()
//
//	_, err = mbx.Post(ctx, mailbox.OutgoingMail{
//		From: "mem:billing/worker",
//		To:   "mem:billing/invoices",
//		Body: []byte(`{"invoice":42}`),
//	})
//
// Pull with manual acknowledgment and a redelivery timeout:
//
//	fetched, err := mbx.Fetch(ctx, "mem:billing/invoices", mailbox.FetchOptions{
//		ManualAck:  true,
//		AckTimeout: 30 * time.Second,
//	})
//	if err != nil || fetched == nil {
//		return
//	}
//	if process(fetched.Message) {
//		fetched.Ack()
//	} else {
//		fetched.Nack(true) // back to the head of the queue
//	}
package mailbox
