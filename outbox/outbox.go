// Package outbox drains the transactional outbox. Domain transitions
// enqueue messages in the same transaction as the state change; the
// dispatcher delivers them afterwards, at least once.
package outbox

import (
	"context"
	"time"
)

// Message statuses.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Message is one enqueued event.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

// Store is the storage contract for the dispatcher. Claim must hand each
// pending message to at most one concurrent claimer.
type Store interface {
	// Claim locks and returns up to limit pending messages, oldest first.
	Claim(ctx context.Context, limit int) ([]Message, Claimed, error)
}

// Claimed finishes a claim: each message is marked processed or retried,
// then the claim transaction commits.
type Claimed interface {
	MarkProcessed(ctx context.Context, id string) error
	// MarkFailed increments attempts; once maxAttempts is reached the
	// message moves to dead instead of back to pending.
	MarkFailed(ctx context.Context, id string, maxAttempts int) error
	Close(ctx context.Context) error
}

// Handler consumes one message. Returning an error leaves the message
// pending for a later attempt.
type Handler func(ctx context.Context, msg Message) error
