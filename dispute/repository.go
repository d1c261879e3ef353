package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const disputeColumns = `id, escrow_id, status, created_by, assigned_to, title, description,
resolution, resolution_notes, resolution_date, created_at, updated_at`

// PGRepository stores disputes in Postgres. Status changes ride on
// conditional UPDATE statements; the timeline append shares the transaction,
// and the row lock taken by the UPDATE serializes concurrent appends so seq
// stays dense per dispute.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, d Dispute, event TimelineEvent) (Dispute, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
INSERT INTO disputes (escrow_id, status, created_by, title, description)
VALUES ($1, $2, $3, $4, $5)
RETURNING ` + disputeColumns + `;
`

	out, err := scanDispute(tx.QueryRow(ctx, insertSQL,
		d.EscrowID, string(d.Status), d.CreatedBy, d.Title, d.Description))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Dispute{}, ErrEscrowNotDisputable
		}
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}

	event.DisputeID = out.ID
	if err := appendTimeline(ctx, tx, event); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit create: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Dispute, error) {
	const selectSQL = `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1;`

	out, err := scanDispute(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}

	out.Evidence, err = r.evidenceFor(ctx, id)
	if err != nil {
		return Dispute{}, err
	}
	return out, nil
}

// Transition commits one conditional status change plus its timeline entry.
// Zero rows updated means none of the expected statuses held: a missing row
// maps to ErrNotFound, anything else to ErrConflict.
func (r *PGRepository) Transition(ctx context.Context, t Transition) (Dispute, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	from := make([]string, len(t.From))
	for i, s := range t.From {
		from[i] = string(s)
	}

	const updateSQL = `
UPDATE disputes
SET status = $3,
    assigned_to = COALESCE($4, assigned_to),
    resolution = COALESCE($5, resolution),
    resolution_notes = COALESCE($6, resolution_notes),
    resolution_date = COALESCE($7, resolution_date),
    updated_at = now()
WHERE id = $1 AND status = ANY($2)
RETURNING ` + disputeColumns + `;
`

	var resolution *string
	if t.Resolution != nil {
		s := string(*t.Resolution)
		resolution = &s
	}

	out, err := scanDispute(tx.QueryRow(ctx, updateSQL,
		t.ID, from, string(t.To),
		t.AssignedTo, resolution, t.ResolutionNotes, t.ResolutionDate))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, r.classifyTransitionFailure(ctx, tx, t.ID)
		}
		return Dispute{}, fmt.Errorf("dispute: transition: %w", err)
	}

	event := t.Event
	event.DisputeID = t.ID
	if err := appendTimeline(ctx, tx, event); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit transition: %w", err)
	}
	return out, nil
}

func (r *PGRepository) classifyTransitionFailure(ctx context.Context, tx pgx.Tx, id string) error {
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1);`, id).Scan(&exists); err != nil {
		return fmt.Errorf("dispute: classify transition failure: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (r *PGRepository) AddEvidence(ctx context.Context, ev Evidence, event TimelineEvent) (Evidence, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Evidence{}, fmt.Errorf("dispute: begin evidence: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the dispute row so the timeline append below cannot interleave
	// with a concurrent transition.
	var locked string
	if err := tx.QueryRow(ctx,
		`SELECT id FROM disputes WHERE id = $1 FOR UPDATE;`, ev.DisputeID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Evidence{}, ErrNotFound
		}
		return Evidence{}, fmt.Errorf("dispute: lock for evidence: %w", err)
	}

	const insertSQL = `
INSERT INTO evidence (dispute_id, type, title, description, file_url, file_type, file_size, uploaded_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING ` + evidenceColumns + `;
`

	out, err := scanEvidence(tx.QueryRow(ctx, insertSQL,
		ev.DisputeID, string(ev.Type), ev.Title, ev.Description,
		ev.FileURL, ev.FileType, ev.FileSize, ev.UploadedBy))
	if err != nil {
		return Evidence{}, fmt.Errorf("dispute: insert evidence: %w", err)
	}

	if err := appendTimeline(ctx, tx, event); err != nil {
		return Evidence{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Evidence{}, fmt.Errorf("dispute: commit evidence: %w", err)
	}
	return out, nil
}

const evidenceColumns = `id, dispute_id, type, title, description, file_url, file_type, file_size,
uploaded_by, uploaded_at, verified`

// VerifyEvidence flips the verified flag on one evidence item. The flag
// never flips back; a replay finds zero rows to update and returns the item
// as is without touching the timeline.
func (r *PGRepository) VerifyEvidence(ctx context.Context, disputeID, evidenceID string, event TimelineEvent) (Evidence, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Evidence{}, fmt.Errorf("dispute: begin verify evidence: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the dispute row so the timeline append below cannot interleave
	// with a concurrent transition.
	var locked string
	if err := tx.QueryRow(ctx,
		`SELECT id FROM disputes WHERE id = $1 FOR UPDATE;`, disputeID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Evidence{}, ErrNotFound
		}
		return Evidence{}, fmt.Errorf("dispute: lock for verify: %w", err)
	}

	const updateSQL = `
UPDATE evidence
SET verified = true
WHERE id = $1 AND dispute_id = $2 AND NOT verified
RETURNING ` + evidenceColumns + `;
`

	out, err := scanEvidence(tx.QueryRow(ctx, updateSQL, evidenceID, disputeID))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Evidence{}, fmt.Errorf("dispute: verify evidence: %w", err)
		}
		// Either the item does not exist or it is already verified.
		const selectSQL = `SELECT ` + evidenceColumns + ` FROM evidence WHERE id = $1 AND dispute_id = $2;`
		out, err = scanEvidence(tx.QueryRow(ctx, selectSQL, evidenceID, disputeID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return Evidence{}, ErrNotFound
			}
			return Evidence{}, fmt.Errorf("dispute: verify evidence: %w", err)
		}
		return out, tx.Commit(ctx)
	}

	event.DisputeID = disputeID
	if err := appendTimeline(ctx, tx, event); err != nil {
		return Evidence{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Evidence{}, fmt.Errorf("dispute: commit verify evidence: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Timeline(ctx context.Context, disputeID string) ([]TimelineEvent, error) {
	const selectSQL = `
SELECT id, dispute_id, seq, type, description, performed_by, metadata, created_at
FROM dispute_timeline
WHERE dispute_id = $1
ORDER BY seq ASC;
`

	rows, err := r.pool.Query(ctx, selectSQL, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: timeline: %w", err)
	}
	defer rows.Close()

	out := make([]TimelineEvent, 0, 8)
	for rows.Next() {
		var (
			ev       TimelineEvent
			typ      string
			metadata []byte
		)
		if err := rows.Scan(&ev.ID, &ev.DisputeID, &ev.Seq, &typ, &ev.Description,
			&ev.PerformedBy, &metadata, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan timeline: %w", err)
		}
		ev.Type = EventType(typ)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("dispute: decode timeline metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate timeline: %w", err)
	}
	return out, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters, page, limit int) ([]Dispute, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	where, args := buildDisputeFilter(filters)

	var total int
	countSQL := `SELECT COUNT(*) FROM disputes` + where + `;`
	if err := r.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("dispute: count: %w", err)
	}

	selectSQL := fmt.Sprintf(
		`SELECT `+disputeColumns+` FROM disputes%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d;`,
		where, len(args)+1, len(args)+2)
	args = append(args, limit, (page-1)*limit)

	rows, err := r.pool.Query(ctx, selectSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	disputes := make([]Dispute, 0, limit)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("dispute: scan: %w", err)
		}
		disputes = append(disputes, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("dispute: iterate: %w", err)
	}
	return disputes, total, nil
}

func (r *PGRepository) evidenceFor(ctx context.Context, disputeID string) ([]Evidence, error) {
	const selectSQL = `
SELECT ` + evidenceColumns + `
FROM evidence
WHERE dispute_id = $1
ORDER BY uploaded_at ASC, id ASC;
`

	rows, err := r.pool.Query(ctx, selectSQL, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: evidence: %w", err)
	}
	defer rows.Close()

	out := make([]Evidence, 0, 4)
	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan evidence: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate evidence: %w", err)
	}
	return out, nil
}

// appendTimeline inserts the next timeline entry for the dispute. Callers
// hold the dispute row lock, so MAX(seq)+1 cannot race.
func appendTimeline(ctx context.Context, tx pgx.Tx, event TimelineEvent) error {
	var metadata []byte
	if event.Metadata != nil {
		var err error
		metadata, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("dispute: marshal timeline metadata: %w", err)
		}
	}

	const insertSQL = `
INSERT INTO dispute_timeline (dispute_id, seq, type, description, performed_by, metadata)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5
FROM dispute_timeline
WHERE dispute_id = $1;
`

	if _, err := tx.Exec(ctx, insertSQL,
		event.DisputeID, string(event.Type), event.Description, event.PerformedBy, metadata); err != nil {
		return fmt.Errorf("dispute: append timeline: %w", err)
	}
	return nil
}

func buildDisputeFilter(filters Filters) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filters.Status != "" {
		add("status = $%d", string(filters.Status))
	}
	if filters.EscrowID != "" {
		add("escrow_id = $%d", filters.EscrowID)
	}
	if filters.CreatedBy != "" {
		add("created_by = $%d", filters.CreatedBy)
	}
	if filters.AssignedTo != "" {
		add("assigned_to = $%d", filters.AssignedTo)
	}
	if filters.StartDate != nil {
		add("created_at >= $%d", *filters.StartDate)
	}
	if filters.EndDate != nil {
		add("created_at <= $%d", *filters.EndDate)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanEvidence(row pgx.Row) (Evidence, error) {
	var (
		ev  Evidence
		typ string
	)

	err := row.Scan(&ev.ID, &ev.DisputeID, &typ, &ev.Title, &ev.Description,
		&ev.FileURL, &ev.FileType, &ev.FileSize, &ev.UploadedBy, &ev.UploadedAt, &ev.Verified)
	if err != nil {
		return Evidence{}, err
	}

	ev.Type = EvidenceType(typ)
	return ev, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var (
		d          Dispute
		status     string
		resolution *string
	)

	err := row.Scan(
		&d.ID, &d.EscrowID, &status, &d.CreatedBy, &d.AssignedTo, &d.Title, &d.Description,
		&resolution, &d.ResolutionNotes, &d.ResolutionDate, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Dispute{}, err
	}

	d.Status = Status(status)
	if resolution != nil {
		res := Resolution(*resolution)
		d.Resolution = &res
	}
	return d, nil
}
