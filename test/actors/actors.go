package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MaxCases mirrors the pool capacity limit enforced by the guarded
// assignment update.
const MaxCases = 5

// DisputeOpener races to open competing disputes for the same escrow. The
// partial unique index allows at most one non-closed dispute per escrow, so
// 23505 is the expected outcome under contention.
func DisputeOpener(ctx context.Context, pool *pgxpool.Pool, escrowID, buyerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `INSERT INTO disputes (escrow_id, created_by, title, description)
                                   VALUES ($1,$2,'Stress dispute','contention probe')`, escrowID, buyerID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				// expected under contention
			} else {
				return fmt.Errorf("dispute opener insert: %w", err)
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Assigner battles over arbitrator capacity: the guarded update takes a slot
// only while active_cases is below the limit, and the join table insert keeps
// active_cases equal to the number of assigned disputes.
func Assigner(ctx context.Context, pool *pgxpool.Pool, arbitratorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var disputeID string
		err = tx.QueryRow(ctx, `SELECT id FROM disputes
                                  WHERE status IN ('open','under_review') AND assigned_to IS NULL
                                  LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&disputeID)
		if err == nil {
			tag, err := tx.Exec(ctx, `UPDATE arbitrators SET active_cases = active_cases + 1, updated_at = now()
                                        WHERE id = $1 AND status = 'active' AND active_cases < $2`, arbitratorID, MaxCases)
			if err == nil && tag.RowsAffected() == 1 {
				_, err = tx.Exec(ctx, `INSERT INTO arbitrator_cases (arbitrator_id, dispute_id) VALUES ($1,$2)`, arbitratorID, disputeID)
				if err == nil {
					_, err = tx.Exec(ctx, `UPDATE disputes SET status='arbitrator_assigned', assigned_to=$2, updated_at=now() WHERE id=$1`, disputeID, arbitratorID)
				}
				if err == nil {
					appendTimeline(ctx, tx, disputeID, "ARBITRATOR_ASSIGNED", "Arbitrator assigned")
					_ = tx.Commit(ctx)
				}
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// EvidenceWriter appends evidence and timeline rows under the dispute row
// lock so seq stays dense per dispute.
func EvidenceWriter(ctx context.Context, pool *pgxpool.Pool, disputeID, actorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var locked string
		if err := tx.QueryRow(ctx, `SELECT id FROM disputes WHERE id=$1 AND status <> 'closed' FOR UPDATE`, disputeID).Scan(&locked); err == nil {
			_, err = tx.Exec(ctx, `INSERT INTO evidence (dispute_id, type, title, uploaded_by)
                                     VALUES ($1,'note','stress note',$2)`, disputeID, actorID)
			if err == nil {
				appendTimeline(ctx, tx, disputeID, "EVIDENCE_ADDED", "Evidence added: stress note")
				_ = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Releaser flips active escrows to released through the conditional update
// the engine uses; losing the race affects zero rows and is retried.
func Releaser(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `WITH candidate AS (
                                     SELECT id FROM escrows WHERE status='active' LIMIT 1
                                   )
                                   UPDATE escrows SET status='released', release_date=now(), updated_at=now()
                                   WHERE id IN (SELECT id FROM candidate) AND status='active'`)
		if err != nil {
			return fmt.Errorf("releaser update: %w", err)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Resolver drives arbitrator_assigned disputes to resolved, frees the
// arbitrator slot via the join table delete, and settles the escrow.
func Resolver(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var disputeID, arbitratorID, escrowID string
		err = tx.QueryRow(ctx, `SELECT id, assigned_to, escrow_id FROM disputes
                                  WHERE status='arbitrator_assigned' AND assigned_to IS NOT NULL
                                  LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&disputeID, &arbitratorID, &escrowID)
		if err == nil {
			_, err = tx.Exec(ctx, `UPDATE disputes SET status='resolved', resolution='refund_buyer',
                                     resolution_date=now(), updated_at=now() WHERE id=$1`, disputeID)
			if err == nil {
				tag, delErr := tx.Exec(ctx, `DELETE FROM arbitrator_cases WHERE arbitrator_id=$1 AND dispute_id=$2`, arbitratorID, disputeID)
				err = delErr
				if err == nil && tag.RowsAffected() == 1 {
					_, err = tx.Exec(ctx, `UPDATE arbitrators SET active_cases = active_cases - 1,
                                             total_resolved = total_resolved + 1, updated_at=now() WHERE id=$1`, arbitratorID)
				}
			}
			if err == nil {
				_, err = tx.Exec(ctx, `UPDATE escrows SET status='refunded', updated_at=now()
                                         WHERE id=$1 AND status='disputed'`, escrowID)
			}
			if err == nil {
				appendTimeline(ctx, tx, disputeID, "RESOLUTION", "Dispute resolved: refund_buyer")
				_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('dispute.resolved', jsonb_build_object('dispute_id',$1))`, disputeID)
				_ = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED, randomly
// failing some deliveries to exercise the attempts budget.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET status = CASE WHEN attempts+1 >= 5 THEN 'dead' ELSE 'pending' END,
                                       attempts = attempts + 1 WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', attempts=attempts+1 WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// NotifyOnce registers an idempotency key before performing the side effect;
// only the first registrant proceeds, concurrent repeats are no-ops.
func NotifyOnce(ctx context.Context, pool *pgxpool.Pool, key string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = pool.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1) ON CONFLICT DO NOTHING`, key)
		time.Sleep(80 * time.Millisecond)
	}
}

func appendTimeline(ctx context.Context, tx interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}, disputeID, eventType, description string) {
	_, _ = tx.Exec(ctx, `INSERT INTO dispute_timeline (dispute_id, seq, type, description)
                           SELECT $1, COALESCE(MAX(seq),0)+1, $2, $3
                           FROM dispute_timeline WHERE dispute_id = $1`, disputeID, eventType, description)
}
