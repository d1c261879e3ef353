// Package notify fans escrow and dispute events out to operator channels.
// The outbox dispatcher hands each message here; senders that fail are
// logged and skipped so one dead channel never blocks the rest.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Sender is one delivery channel.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name identifies the channel (e.g. "webhook").
	Name() string
}

// Notifier dispatches notifications to all registered senders, filtered by
// topic. An empty topic list allows everything.
type Notifier struct {
	senders []Sender
	topics  map[string]bool
	logger  *slog.Logger
}

func NewNotifier(senders []Sender, topics []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(topics))
	for _, t := range topics {
		allowed[strings.TrimSpace(t)] = true
	}
	return &Notifier{
		senders: senders,
		topics:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify forwards the message to every sender when the topic passes the
// filter.
func (n *Notifier) Notify(ctx context.Context, topic, title, message string) error {
	if len(n.topics) > 0 && !n.topics[topic] {
		n.logger.DebugContext(ctx, "topic filtered out",
			slog.String("topic", topic),
		)
		return nil
	}
	return n.dispatch(ctx, title, message)
}

func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
