package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant probes run against the database during stress.
// Every query must return zero rows on a healthy system.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_open_dispute_per_escrow",
			SQL: `SELECT escrow_id, COUNT(*) FROM disputes
                  WHERE status <> 'closed'
                  GROUP BY escrow_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_timeline_seq_dense",
			SQL: `WITH seqs AS (
                      SELECT dispute_id, seq,
                             LAG(seq) OVER (PARTITION BY dispute_id ORDER BY seq) AS prev
                      FROM dispute_timeline)
                  SELECT * FROM seqs
                  WHERE (prev IS NULL AND seq <> 1)
                     OR (prev IS NOT NULL AND seq <> prev + 1)`,
		},
		{
			Name: "O3_arbitrator_capacity",
			SQL: `SELECT a.id, a.active_cases, COUNT(c.dispute_id) AS cases
                  FROM arbitrators a
                  LEFT JOIN arbitrator_cases c ON c.arbitrator_id = a.id
                  GROUP BY a.id, a.active_cases
                  HAVING a.active_cases > 5
                      OR a.active_cases < 0
                      OR a.active_cases <> COUNT(c.dispute_id)`,
		},
		{
			Name: "O4_resolution_consistency",
			SQL: `SELECT id, status, resolution FROM disputes
                  WHERE (status IN ('resolved','closed') AND resolution IS NULL)
                     OR (status NOT IN ('resolved','closed') AND resolution IS NOT NULL)`,
		},
		{
			Name: "O5_dispute_escrow_linkage",
			SQL: `SELECT d.id, d.status, e.status AS escrow_status
                  FROM disputes d JOIN escrows e ON e.id = d.escrow_id
                  WHERE d.status IN ('under_review','arbitrator_assigned','evidence_collection','arbitration')
                    AND e.status <> 'disputed'`,
		},
		{
			Name: "O6_rating_bounds",
			SQL:  `SELECT id, rating FROM arbitrators WHERE rating < 0 OR rating > 5`,
		},
		{
			Name: "O7_outbox_idem",
			SQL: `WITH stale AS (
                      SELECT id::text AS any FROM outbox
                      WHERE status NOT IN ('processed','dead')
                        AND now()-created_at > interval '5 minutes'
                  ),
                  overdrawn AS (
                      SELECT id::text AS any FROM outbox WHERE attempts > 5)
                  SELECT * FROM stale
                  UNION ALL
                  SELECT * FROM overdrawn`,
		},
		{
			Name: "O8_timeline_append_only_guard",
			SQL: `SELECT 'missing_timeline_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='no_rewrite_dispute_timeline')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
