package arbitrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository implements Repository on Postgres. Capacity checks ride on
// single guarded UPDATE statements so the check and the increment commit (or
// fail) as one step.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const arbitratorColumns = `
    a.id, a.user_id, a.name, a.specialization, a.active_cases,
    a.total_resolved, a.rating, a.status, a.created_at, a.updated_at
`

func (r *PGRepository) Create(ctx context.Context, arb Arbitrator) (Arbitrator, error) {
	const query = `
        INSERT INTO arbitrators (user_id, name, specialization, rating, status)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id, user_id, name, specialization, active_cases,
                  total_resolved, rating, status, created_at, updated_at
    `

	var out Arbitrator
	err := r.pool.QueryRow(ctx, query,
		arb.UserID, arb.Name, arb.Specialization, arb.Rating, arb.Status,
	).Scan(&out.ID, &out.UserID, &out.Name, &out.Specialization, &out.ActiveCases,
		&out.TotalResolved, &out.Rating, &out.Status, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return Arbitrator{}, fmt.Errorf("arbitrator: create: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Arbitrator, error) {
	query := `
        SELECT ` + arbitratorColumns + `,
               COALESCE(array_agg(c.dispute_id::text) FILTER (WHERE c.dispute_id IS NOT NULL), '{}')
        FROM arbitrators a
        LEFT JOIN arbitrator_cases c ON c.arbitrator_id = a.id
        WHERE a.id = $1
        GROUP BY a.id
    `

	var out Arbitrator
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&out.ID, &out.UserID, &out.Name, &out.Specialization, &out.ActiveCases,
		&out.TotalResolved, &out.Rating, &out.Status, &out.CreatedAt, &out.UpdatedAt,
		&out.AssignedDisputes,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Arbitrator{}, ErrNotFound
		}
		return Arbitrator{}, fmt.Errorf("arbitrator: get: %w", err)
	}
	return out, nil
}

// GetByUserID resolves the pool record behind an authenticated user. The
// user_id column is unique, so at most one row matches.
func (r *PGRepository) GetByUserID(ctx context.Context, userID string) (Arbitrator, error) {
	query := `
        SELECT ` + arbitratorColumns + `,
               COALESCE(array_agg(c.dispute_id::text) FILTER (WHERE c.dispute_id IS NOT NULL), '{}')
        FROM arbitrators a
        LEFT JOIN arbitrator_cases c ON c.arbitrator_id = a.id
        WHERE a.user_id = $1
        GROUP BY a.id
    `

	var out Arbitrator
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&out.ID, &out.UserID, &out.Name, &out.Specialization, &out.ActiveCases,
		&out.TotalResolved, &out.Rating, &out.Status, &out.CreatedAt, &out.UpdatedAt,
		&out.AssignedDisputes,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Arbitrator{}, ErrNotFound
		}
		return Arbitrator{}, fmt.Errorf("arbitrator: get by user: %w", err)
	}
	return out, nil
}

func (r *PGRepository) AssignCase(ctx context.Context, arbitratorID, disputeID string, maxCases int) (Arbitrator, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Arbitrator{}, fmt.Errorf("arbitrator: begin assign: %w", err)
	}
	defer tx.Rollback(ctx)

	// Guarded increment: the WHERE clause is the capacity check, so two
	// racing assigns cannot both pass it.
	const incSQL = `
        UPDATE arbitrators a
        SET active_cases = active_cases + 1,
            updated_at = now()
        WHERE a.id = $1 AND a.status = 'active' AND a.active_cases < $2
        RETURNING a.id, a.user_id, a.name, a.specialization, a.active_cases,
                  a.total_resolved, a.rating, a.status, a.created_at, a.updated_at
    `

	var out Arbitrator
	err = tx.QueryRow(ctx, incSQL, arbitratorID, maxCases).Scan(
		&out.ID, &out.UserID, &out.Name, &out.Specialization, &out.ActiveCases,
		&out.TotalResolved, &out.Rating, &out.Status, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Arbitrator{}, r.classifyAssignFailure(ctx, arbitratorID, maxCases)
		}
		return Arbitrator{}, fmt.Errorf("arbitrator: assign increment: %w", err)
	}

	if _, err := tx.Exec(ctx, `
        INSERT INTO arbitrator_cases (arbitrator_id, dispute_id) VALUES ($1, $2)
    `, arbitratorID, disputeID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Arbitrator{}, ErrCaseExists
		}
		return Arbitrator{}, fmt.Errorf("arbitrator: record case: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Arbitrator{}, fmt.Errorf("arbitrator: commit assign: %w", err)
	}
	return out, nil
}

// classifyAssignFailure distinguishes why the guarded increment matched no
// row.
func (r *PGRepository) classifyAssignFailure(ctx context.Context, arbitratorID string, maxCases int) error {
	var (
		status      Status
		activeCases int
	)
	err := r.pool.QueryRow(ctx,
		`SELECT status, active_cases FROM arbitrators WHERE id = $1`, arbitratorID,
	).Scan(&status, &activeCases)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("arbitrator: classify assign failure: %w", err)
	}
	if status != StatusActive {
		return ErrNotActive
	}
	if activeCases >= maxCases {
		return ErrAtCapacity
	}
	// The guard re-passed; the caller lost a transient race and may retry.
	return ErrAtCapacity
}

func (r *PGRepository) ReleaseCase(ctx context.Context, arbitratorID, disputeID string, score float64) (Arbitrator, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Arbitrator{}, false, fmt.Errorf("arbitrator: begin release: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
        DELETE FROM arbitrator_cases WHERE arbitrator_id = $1 AND dispute_id = $2
    `, arbitratorID, disputeID)
	if err != nil {
		return Arbitrator{}, false, fmt.Errorf("arbitrator: delete case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Replay: the case was already released. Counters stay put.
		arb, err := r.Get(ctx, arbitratorID)
		if err != nil {
			return Arbitrator{}, false, err
		}
		return arb, false, nil
	}

	// Rating update is computed in the same statement so it cannot interleave
	// with a concurrent release of another case.
	const rateSQL = `
        UPDATE arbitrators
        SET rating = (rating * total_resolved + $2) / (total_resolved + 1),
            total_resolved = total_resolved + 1,
            active_cases = active_cases - 1,
            updated_at = now()
        WHERE id = $1
        RETURNING id, user_id, name, specialization, active_cases,
                  total_resolved, rating, status, created_at, updated_at
    `

	var out Arbitrator
	err = tx.QueryRow(ctx, rateSQL, arbitratorID, score).Scan(
		&out.ID, &out.UserID, &out.Name, &out.Specialization, &out.ActiveCases,
		&out.TotalResolved, &out.Rating, &out.Status, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Arbitrator{}, false, ErrNotFound
		}
		return Arbitrator{}, false, fmt.Errorf("arbitrator: rate and release: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Arbitrator{}, false, fmt.Errorf("arbitrator: commit release: %w", err)
	}
	return out, true, nil
}

func (r *PGRepository) UnassignCase(ctx context.Context, arbitratorID, disputeID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("arbitrator: begin unassign: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
        DELETE FROM arbitrator_cases WHERE arbitrator_id = $1 AND dispute_id = $2
    `, arbitratorID, disputeID)
	if err != nil {
		return fmt.Errorf("arbitrator: unassign delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	if _, err := tx.Exec(ctx, `
        UPDATE arbitrators
        SET active_cases = active_cases - 1, updated_at = now()
        WHERE id = $1
    `, arbitratorID); err != nil {
		return fmt.Errorf("arbitrator: unassign decrement: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("arbitrator: commit unassign: %w", err)
	}
	return nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, id string, status Status) (Arbitrator, error) {
	const query = `
        UPDATE arbitrators
        SET status = $2, updated_at = now()
        WHERE id = $1
        RETURNING id, user_id, name, specialization, active_cases,
                  total_resolved, rating, status, created_at, updated_at
    `

	var out Arbitrator
	err := r.pool.QueryRow(ctx, query, id, status).Scan(
		&out.ID, &out.UserID, &out.Name, &out.Specialization, &out.ActiveCases,
		&out.TotalResolved, &out.Rating, &out.Status, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Arbitrator{}, ErrNotFound
		}
		return Arbitrator{}, fmt.Errorf("arbitrator: update status: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Available(ctx context.Context, maxCases int) ([]Arbitrator, error) {
	query := `
        SELECT ` + arbitratorColumns + `
        FROM arbitrators a
        WHERE a.status = 'active' AND a.active_cases < $1
        ORDER BY a.active_cases ASC, a.rating DESC, a.id ASC
    `

	rows, err := r.pool.Query(ctx, query, maxCases)
	if err != nil {
		return nil, fmt.Errorf("arbitrator: available: %w", err)
	}
	defer rows.Close()

	out := make([]Arbitrator, 0, 8)
	for rows.Next() {
		var a Arbitrator
		if err := rows.Scan(&a.ID, &a.UserID, &a.Name, &a.Specialization, &a.ActiveCases,
			&a.TotalResolved, &a.Rating, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("arbitrator: scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("arbitrator: iterate: %w", err)
	}
	return out, nil
}
