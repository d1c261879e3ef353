package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RetryConfig bounds the Retrying decorator.
type RetryConfig struct {
	// Attempts is the maximum number of Submit tries, including the first.
	Attempts int
	// CallTimeout caps each individual gateway call.
	CallTimeout time.Duration
	// Backoff is the delay before the second attempt; it doubles per retry.
	Backoff time.Duration
}

// DefaultRetryConfig matches the bounds the engine expects: no caller blocks
// indefinitely on the gateway.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:    3,
		CallTimeout: 10 * time.Second,
		Backoff:     500 * time.Millisecond,
	}
}

// Retrying wraps a Gateway with per-call timeouts and bounded exponential
// backoff. Retry policy is a collaborator concern; the lifecycle state
// machines never retry inline.
type Retrying struct {
	next   Gateway
	cfg    RetryConfig
	logger *slog.Logger
}

func NewRetrying(next Gateway, cfg RetryConfig, logger *slog.Logger) *Retrying {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultRetryConfig().CallTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultRetryConfig().Backoff
	}
	return &Retrying{
		next:   next,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "settlement")),
	}
}

func (r *Retrying) Submit(ctx context.Context, in Instruction) (Receipt, error) {
	var lastErr error
	delay := r.cfg.Backoff

	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		receipt, err := r.submitOnce(ctx, in)
		if err == nil {
			return receipt, nil
		}
		// A rejection is an answer, not an outage.
		if errors.Is(err, ErrRejected) {
			return Receipt{}, err
		}
		lastErr = err

		r.logger.Warn("gateway submit failed",
			slog.String("action", string(in.Action)),
			slog.String("escrow_id", in.EscrowID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		if attempt == r.cfg.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return Receipt{}, fmt.Errorf("settlement: submit cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}

	return Receipt{}, lastErr
}

func (r *Retrying) submitOnce(ctx context.Context, in Instruction) (Receipt, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	receipt, err := r.next.Submit(callCtx, in)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return Receipt{}, ErrTimeout
		}
		return Receipt{}, err
	}
	if !receipt.Accepted {
		return Receipt{}, ErrRejected
	}
	return receipt, nil
}

func (r *Retrying) Confirm(ctx context.Context, transactionHash string) (ConfirmationStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	status, err := r.next.Confirm(callCtx, transactionHash)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return ConfirmationUnknown, ErrTimeout
		}
		return ConfirmationUnknown, err
	}
	return status, nil
}
