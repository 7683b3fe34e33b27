package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ratewatch/internal/sample"
	"ratewatch/internal/storage"
	"ratewatch/internal/transport"
)

// SimulateOptions configure simulate-rate.
type SimulateOptions struct {
	// DryRun lists the marks the rate would trigger without publishing anything.
	DryRun bool
}

// SimulateRate publishes one sample carrying rate through the configured transport,
// exactly as the rate tracker would.
func (a *App) SimulateRate(ctx context.Context, rate decimal.Decimal, opts SimulateOptions) error {
	if !rate.IsPositive() {
		return fmt.Errorf("rate must be positive, got %s", rate.String())
	}

	if opts.DryRun {
		store, closeStore, err := a.requireStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()
		return previewTriggered(ctx, store, rate, os.Stdout)
	}

	broker, err := transport.New(a.Config.Transport, transport.RolePublisher, a.Logger)
	if err != nil {
		return err
	}
	timeout := a.Config.Transport.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	id, err := publishOnce(ctx, broker, rate, timeout)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("rate", rate.String()).Str("message_id", id).Msg("simulated rate published")
	return nil
}

func publishOnce(ctx context.Context, broker transport.Broker, rate decimal.Decimal, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := broker.Connect(ctx); err != nil {
		return "", fmt.Errorf("connect broker: %w", err)
	}
	defer broker.Close()

	s := sample.New(rate)
	body, err := sample.Encode(s)
	if err != nil {
		return "", err
	}
	msg := transport.Message{ID: uuid.NewString(), Body: body, Timestamp: s.ObservedAt}
	if err := broker.Publish(ctx, msg); err != nil {
		return "", fmt.Errorf("publish sample: %w", err)
	}
	return msg.ID, nil
}

// previewTriggered prints the active marks rate would trigger.
func previewTriggered(ctx context.Context, lister storage.MarkLister, rate decimal.Decimal, w io.Writer) error {
	marks, err := lister.ListMarks(ctx, storage.MarkFilter{ActiveOnly: true, Limit: 10000})
	if err != nil {
		return err
	}

	triggered := make([]storage.Mark, 0, len(marks))
	for _, m := range marks {
		if m.TriggeredBy(rate) {
			triggered = append(triggered, m)
		}
	}
	if len(triggered) == 0 {
		fmt.Fprintf(w, "rate %s triggers no active marks\n", rate.String())
		return nil
	}

	fmt.Fprintf(w, "rate %s would trigger %d mark(s):\n", rate.String(), len(triggered))
	return writeMarks(w, triggered)
}
