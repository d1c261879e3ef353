package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const escrowColumns = `id, buyer_id, seller_id, amount::text, currency, status,
contract_address, transaction_hash, arbitrator_id, dispute_id,
release_date, expiry_date, created_at, updated_at`

// PGRepository stores escrows in Postgres. Apply implements the optimistic
// commit: a conditional UPDATE keyed on the expected status, with the outbox
// insert riding in the same transaction.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, esc Escrow) (Escrow, error) {
	const insertSQL = `
INSERT INTO escrows (buyer_id, seller_id, amount, currency, status, expiry_date)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING ` + escrowColumns + `;
`

	row := r.pool.QueryRow(ctx, insertSQL,
		esc.BuyerID, esc.SellerID, esc.Amount.String(), esc.Currency, string(esc.Status), esc.ExpiryDate)

	out, err := scanEscrow(row)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: insert: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Escrow, error) {
	const selectSQL = `SELECT ` + escrowColumns + ` FROM escrows WHERE id = $1;`

	out, err := scanEscrow(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("escrow: get: %w", err)
	}
	return out, nil
}

// Apply commits one conditional status transition. Zero rows updated means
// the expected status no longer holds: a missing row maps to ErrNotFound,
// anything else to ErrConflict.
func (r *PGRepository) Apply(ctx context.Context, t Transition) (Escrow, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	const updateSQL = `
UPDATE escrows
SET status = $3,
    contract_address = COALESCE($4, contract_address),
    transaction_hash = COALESCE($5, transaction_hash),
    dispute_id = COALESCE($6, dispute_id),
    arbitrator_id = COALESCE($7, arbitrator_id),
    release_date = COALESCE($8, release_date),
    updated_at = now()
WHERE id = $1 AND status = $2
RETURNING ` + escrowColumns + `;
`

	row := tx.QueryRow(ctx, updateSQL,
		t.ID, string(t.From), string(t.To),
		t.ContractAddress, t.TransactionHash, t.DisputeID, t.ArbitratorID, t.ReleaseDate)

	out, err := scanEscrow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, r.classifyApplyFailure(ctx, tx, t.ID)
		}
		return Escrow{}, fmt.Errorf("escrow: transition: %w", err)
	}

	if t.OutboxTopic != "" {
		payloadBytes, err := json.Marshal(t.OutboxPayload)
		if err != nil {
			return Escrow{}, fmt.Errorf("escrow: marshal outbox payload: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO outbox (topic, payload) VALUES ($1, $2);`,
			t.OutboxTopic, payloadBytes); err != nil {
			return Escrow{}, fmt.Errorf("escrow: insert outbox message: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, fmt.Errorf("escrow: commit transition: %w", err)
	}
	return out, nil
}

func (r *PGRepository) classifyApplyFailure(ctx context.Context, tx pgx.Tx, id string) error {
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM escrows WHERE id = $1);`, id).Scan(&exists); err != nil {
		return fmt.Errorf("escrow: classify transition failure: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (r *PGRepository) List(ctx context.Context, filters Filters, page, limit int) ([]Escrow, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	where, args := buildEscrowFilter(filters)

	var total int
	countSQL := `SELECT COUNT(*) FROM escrows` + where + `;`
	if err := r.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("escrow: count: %w", err)
	}

	selectSQL := fmt.Sprintf(
		`SELECT `+escrowColumns+` FROM escrows%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d;`,
		where, len(args)+1, len(args)+2)
	args = append(args, limit, (page-1)*limit)

	rows, err := r.pool.Query(ctx, selectSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("escrow: list: %w", err)
	}
	defer rows.Close()

	escrows := make([]Escrow, 0, limit)
	for rows.Next() {
		esc, err := scanEscrow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("escrow: scan: %w", err)
		}
		escrows = append(escrows, esc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("escrow: iterate: %w", err)
	}
	return escrows, total, nil
}

func buildEscrowFilter(filters Filters) (string, []any) {
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
	if filters.BuyerID != "" {
		add("buyer_id = $%d", filters.BuyerID)
	}
	if filters.SellerID != "" {
		add("seller_id = $%d", filters.SellerID)
	}
	if filters.Party != "" {
		args = append(args, filters.Party)
		clauses = append(clauses, fmt.Sprintf("(buyer_id = $%d OR seller_id = $%d)", len(args), len(args)))
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

func scanEscrow(row pgx.Row) (Escrow, error) {
	var (
		esc    Escrow
		amount string
		status string
	)

	err := row.Scan(
		&esc.ID, &esc.BuyerID, &esc.SellerID, &amount, &esc.Currency, &status,
		&esc.ContractAddress, &esc.TransactionHash, &esc.ArbitratorID, &esc.DisputeID,
		&esc.ReleaseDate, &esc.ExpiryDate, &esc.CreatedAt, &esc.UpdatedAt)
	if err != nil {
		return Escrow{}, err
	}

	esc.Status = Status(status)
	esc.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return Escrow{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	return esc, nil
}
