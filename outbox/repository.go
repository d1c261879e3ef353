package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore claims messages with FOR UPDATE SKIP LOCKED, so several dispatcher
// replicas can drain the same table without double delivery.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Claim(ctx context.Context, limit int) ([]Message, Claimed, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("outbox: begin claim: %w", err)
	}

	const claimSQL = `
SELECT id, topic, payload, status, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY created_at ASC
LIMIT $1
FOR UPDATE SKIP LOCKED;
`

	rows, err := tx.Query(ctx, claimSQL, limit)
	if err != nil {
		tx.Rollback(ctx)
		return nil, nil, fmt.Errorf("outbox: claim: %w", err)
	}

	msgs := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt); err != nil {
			rows.Close()
			tx.Rollback(ctx)
			return nil, nil, fmt.Errorf("outbox: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		tx.Rollback(ctx)
		return nil, nil, fmt.Errorf("outbox: iterate: %w", err)
	}

	return msgs, &pgClaim{tx: tx}, nil
}

type pgClaim struct {
	tx pgx.Tx
}

func (c *pgClaim) MarkProcessed(ctx context.Context, id string) error {
	if _, err := c.tx.Exec(ctx,
		`UPDATE outbox SET status = 'processed', attempts = attempts + 1 WHERE id = $1;`, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

func (c *pgClaim) MarkFailed(ctx context.Context, id string, maxAttempts int) error {
	const failSQL = `
UPDATE outbox
SET attempts = attempts + 1,
    status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE 'pending' END
WHERE id = $1;
`
	if _, err := c.tx.Exec(ctx, failSQL, id, maxAttempts); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}

func (c *pgClaim) Close(ctx context.Context) error {
	if err := c.tx.Commit(ctx); err != nil {
		return fmt.Errorf("outbox: commit claim: %w", err)
	}
	return nil
}
