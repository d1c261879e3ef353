package outbox

import (
	"context"
	"log/slog"
	"time"
)

// Dispatcher polls the store and hands messages to the handler. Delivery is
// at-least-once: a handler error leaves the message pending until the
// attempt budget runs out, after which it is parked as dead.
type Dispatcher struct {
	store       Store
	handler     Handler
	logger      *slog.Logger
	interval    time.Duration
	batchSize   int
	maxAttempts int
}

func NewDispatcher(store Store, handler Handler, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:       store,
		handler:     handler,
		logger:      logger.With(slog.String("component", "outbox")),
		interval:    2 * time.Second,
		batchSize:   50,
		maxAttempts: 5,
	}
}

// WithInterval overrides the poll interval.
func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	d.interval = interval
	return d
}

// WithBatchSize overrides how many messages one drain claims.
func (d *Dispatcher) WithBatchSize(n int) *Dispatcher {
	if n > 0 {
		d.batchSize = n
	}
	return d
}

// WithMaxAttempts overrides the delivery budget before a message is parked
// as dead.
func (d *Dispatcher) WithMaxAttempts(n int) *Dispatcher {
	if n > 0 {
		d.maxAttempts = n
	}
	return d
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.Drain(ctx); err != nil {
				d.logger.ErrorContext(ctx, "drain failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Drain processes one claimed batch. Exported so tests and one-shot jobs
// can pump the queue without the polling loop.
func (d *Dispatcher) Drain(ctx context.Context) error {
	msgs, claim, err := d.store.Claim(ctx, d.batchSize)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		if err := d.handler(ctx, msg); err != nil {
			d.logger.WarnContext(ctx, "handler failed",
				slog.String("message_id", msg.ID),
				slog.String("topic", msg.Topic),
				slog.Int("attempts", msg.Attempts+1),
				slog.String("error", err.Error()),
			)
			if err := claim.MarkFailed(ctx, msg.ID, d.maxAttempts); err != nil {
				claim.Close(ctx)
				return err
			}
			continue
		}
		if err := claim.MarkProcessed(ctx, msg.ID); err != nil {
			claim.Close(ctx)
			return err
		}
	}

	return claim.Close(ctx)
}
