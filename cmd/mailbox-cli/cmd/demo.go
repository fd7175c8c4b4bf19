package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/nfrund/mailbox"
	"github.com/nfrund/mailbox/providers/gochannel"
	"github.com/nfrund/mailbox/providers/memory"
)

var (
	demoAddress string
	demoCount   int
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run an end-to-end tour of the bundled transports",
	Long: `Demo wires a mailbox with both bundled transports and walks through
the delivery modes: push fan-out to a subscriber, pull with manual
acknowledgment and requeue, fire-and-forget draining, and status.

Tracing is controlled by the MAILBOX_TRACING_* environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDemo(cmd.Context())
	},
}

func init() {
	demoCmd.Flags().StringVar(&demoAddress, "address", "mem:demo/inbox", "mailbox address for the memory transport leg")
	demoCmd.Flags().IntVar(&demoCount, "count", 3, "messages to post on the memory transport leg")
	rootCmd.AddCommand(demoCmd)
}

func runDemo(ctx context.Context) error {
	tracer, cleanup, err := mailbox.SetupOTel(ctx, mailbox.LoadTracingConfigFromEnv())
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	defer cleanup()

	// The bus is the process-wide delivery engine; the CLI owns it and closes
	// it after the mailbox is done.
	bus := memory.NewBus(memory.WithSweepInterval(time.Second, 30*time.Second))
	defer bus.Close()

	mbx := mailbox.New()
	defer mbx.Close()
	mbx.MustRegisterProvider(mailbox.NewTracingProvider(memory.New(bus), tracer))
	mbx.MustRegisterProvider(mailbox.NewTracingProvider(gochannel.New(), tracer))

	if err := memoryTour(ctx, mbx); err != nil {
		return err
	}
	return gochannelTour(ctx, mbx)
}

// memoryTour exercises the memory transport: push fan-out, manual-ack pull
// with a requeue bounce, fire-and-forget draining, and status.
func memoryTour(ctx context.Context, mbx *mailbox.Mailbox) error {
	slog.Info("Starting memory transport tour", "address", demoAddress, "count", demoCount)

	var wg sync.WaitGroup
	wg.Add(demoCount)
	sub, err := mbx.Subscribe(ctx, demoAddress, func(ctx context.Context, msg *mailbox.Message) error {
		defer wg.Done()
		slog.Info("Push delivery",
			"msg_id", msg.ID, "body", string(msg.Body), "sent_at", msg.Headers[mailbox.HeaderSentAt])
		return nil
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for i := 1; i <= demoCount; i++ {
		if _, err := mbx.Post(ctx, mailbox.OutgoingMail{
			From: "mem:demo/cli",
			To:   demoAddress,
			Body: []byte(fmt.Sprintf("hello #%d", i)),
			Meta: map[string]any{"seq": i},
		}); err != nil {
			return err
		}
	}
	if err := waitFor(&wg, 2*time.Second); err != nil {
		return err
	}

	// Pull one message under manual ack, bounce it back, pull it again.
	fetched, err := mbx.Fetch(ctx, demoAddress, mailbox.FetchOptions{ManualAck: true, AckTimeout: 5 * time.Second})
	if err != nil {
		return err
	}
	if fetched == nil {
		slog.Warn("Expected queued mail, found none", "address", demoAddress)
		return nil
	}
	slog.Info("Fetched under manual ack", "msg_id", fetched.Message.ID)
	if err := fetched.Nack(true); err != nil {
		return err
	}

	refetched, err := mbx.Fetch(ctx, demoAddress, mailbox.FetchOptions{ManualAck: true, AckTimeout: 5 * time.Second})
	if err != nil {
		return err
	}
	if refetched != nil {
		slog.Info("Redelivered after nack with requeue", "msg_id", refetched.Message.ID)
		if err := refetched.Ack(); err != nil {
			return err
		}
	}

	// Drain the rest without acknowledgment bookkeeping.
	for {
		msg, err := mbx.Fetch(ctx, demoAddress, mailbox.FetchOptions{})
		if err != nil {
			return err
		}
		if msg == nil {
			break
		}
		slog.Info("Drained", "msg_id", msg.Message.ID)
	}

	status, err := mbx.Status(ctx, demoAddress)
	if err != nil {
		return err
	}
	logStatus(demoAddress, status)
	return nil
}

// gochannelTour exercises the push-only watermill transport, including its
// unsupported pull path.
func gochannelTour(ctx context.Context, mbx *mailbox.Mailbox) error {
	const addr = "chan:demo/stream"
	slog.Info("Starting GoChannel transport tour", "address", addr)

	var wg sync.WaitGroup
	wg.Add(1)
	sub, err := mbx.Subscribe(ctx, addr, func(ctx context.Context, msg *mailbox.Message) error {
		defer wg.Done()
		slog.Info("Push delivery", "msg_id", msg.ID, "body", string(msg.Body))
		return nil
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	if _, err := mbx.Post(ctx, mailbox.OutgoingMail{
		From: "chan:demo/cli",
		To:   addr,
		Body: []byte("hello from watermill"),
	}); err != nil {
		return err
	}
	if err := waitFor(&wg, 2*time.Second); err != nil {
		return err
	}

	if _, err := mbx.Fetch(ctx, addr, mailbox.FetchOptions{}); err != nil {
		slog.Info("Fetch on push-only transport", "error", err)
	}

	status, err := mbx.Status(ctx, addr)
	if err != nil {
		return err
	}
	logStatus(addr, status)
	return nil
}

// waitFor blocks until wg finishes or the deadline passes.
func waitFor(wg *sync.WaitGroup, timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %s waiting for deliveries", timeout)
	}
}

func logStatus(addr string, st mailbox.Status) {
	args := []any{"address", addr, "state", st.State}
	if st.UnreadCount != nil {
		args = append(args, "unread", *st.UnreadCount)
	}
	if st.LastActivityTime != nil {
		args = append(args, "last_activity", st.LastActivityTime.Format(time.RFC3339))
	}
	for k, v := range st.Extra {
		args = append(args, k, v)
	}
	slog.Info("Mailbox status", args...)
}
