package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Recorder is a pgx-backed Sink plus query access over the audit_events
// table. The table is append-only; Recorder exposes no update or delete.
type Recorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	gauge  degradedGauge
}

func NewRecorder(pool *pgxpool.Pool, logger *slog.Logger) *Recorder {
	return &Recorder{
		pool:   pool,
		logger: logger.With(slog.String("component", "audit")),
	}
}

// Record appends one entry. Failures are logged and counted, never returned:
// audit durability is best-effort and must not block lifecycle transitions.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if entry.Severity == "" {
		entry.Severity = SeverityInfo
	}

	var details []byte
	if entry.Details != nil {
		b, err := json.Marshal(entry.Details)
		if err != nil {
			r.gauge.fail(r.logger, err, entry)
			return
		}
		details = b
	}

	_, err := r.pool.Exec(ctx, `
        INSERT INTO audit_events (kind, action, actor, details, severity, module)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, entry.Kind, entry.Action, entry.Actor, details, entry.Severity, entry.Module)
	if err != nil {
		r.gauge.fail(r.logger, err, entry)
		return
	}
	r.gauge.ok()
}

// Degraded reports whether the most recent write failed.
func (r *Recorder) Degraded() bool {
	return r.gauge.degraded()
}

// Find returns matching entries newest first with the total match count.
// Pages are 1-indexed; limit defaults to 50.
func (r *Recorder) Find(ctx context.Context, filters Filters, page, limit int) ([]Entry, int, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	where, args := buildFilter(filters)

	countQuery := `SELECT COUNT(*) FROM audit_events` + where
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("audit: count: %w", err)
	}

	query := fmt.Sprintf(`
        SELECT id, kind, action, actor, details, severity, COALESCE(module,''), created_at
        FROM audit_events%s
        ORDER BY created_at DESC
        LIMIT $%d OFFSET $%d
    `, where, len(args)+1, len(args)+2)
	args = append(args, limit, (page-1)*limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("audit: find: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e       Entry
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.Action, &e.Actor, &details, &e.Severity, &e.Module, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("audit: scan: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, 0, fmt.Errorf("audit: decode details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("audit: iterate: %w", err)
	}

	return entries, total, nil
}

// ExportCSV renders matching entries as CSV, oldest first, for compliance
// handoff.
func (r *Recorder) ExportCSV(ctx context.Context, filters Filters) (string, error) {
	entries, _, err := r.Find(ctx, filters, 1, 500)
	if err != nil {
		return "", err
	}
	return EntriesToCSV(entries), nil
}

func buildFilter(filters Filters) (string, []any) {
	clauses := make([]string, 0, 6)
	args := make([]any, 0, 6)

	add := func(clause string, val any) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filters.Kind != "" {
		add("kind = $%d", filters.Kind)
	}
	if filters.Actor != "" {
		add("actor = $%d", filters.Actor)
	}
	if filters.Module != "" {
		add("module = $%d", filters.Module)
	}
	if filters.Severity != "" {
		add("severity = $%d", filters.Severity)
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

// EntriesToCSV renders entries in a fixed column order. Details are embedded
// as a JSON string.
func EntriesToCSV(entries []Entry) string {
	var b strings.Builder
	b.WriteString("id,timestamp,kind,action,actor,severity,module,details\n")
	for _, e := range entries {
		details := ""
		if e.Details != nil {
			if raw, err := json.Marshal(e.Details); err == nil {
				details = string(raw)
			}
		}
		fields := []string{
			e.ID,
			e.CreatedAt.UTC().Format(time.RFC3339),
			string(e.Kind),
			e.Action,
			e.Actor,
			string(e.Severity),
			e.Module,
			details,
		}
		for i, f := range fields {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(csvEscape(f))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func csvEscape(s string) string {
	if !strings.ContainsAny(s, ",\"\n") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
