package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Sink accepts audit entries. Record is fire-and-forget from the caller's
// perspective: implementations absorb write failures, surface them through
// Degraded, and never block the transition that produced the entry.
type Sink interface {
	Record(ctx context.Context, entry Entry)
	Degraded() bool
}

// NopSink discards all entries. Useful in tests.
type NopSink struct{}

func (NopSink) Record(context.Context, Entry) {}
func (NopSink) Degraded() bool                { return false }

// degradedGauge tracks consecutive sink write failures. A single successful
// write clears it.
type degradedGauge struct {
	failures atomic.Int64
}

func (g *degradedGauge) fail(logger *slog.Logger, err error, entry Entry) {
	n := g.failures.Add(1)
	logger.Error("audit write failed; sink degraded",
		slog.String("action", entry.Action),
		slog.String("actor", entry.Actor),
		slog.Int64("consecutive_failures", n),
		slog.String("error", err.Error()),
	)
}

func (g *degradedGauge) ok() {
	g.failures.Store(0)
}

func (g *degradedGauge) degraded() bool {
	return g.failures.Load() > 0
}
