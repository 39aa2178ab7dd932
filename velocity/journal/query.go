package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Request for an unknown id.
var ErrNotFound = errors.New("journal: request not found")

const entryColumns = `id, prompt_tokens, max_tokens, priority, submitted_at,
	admitted_tick, finished_tick, state, reason, generated, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var e Entry
	var submitted int64
	err := row.Scan(&e.ID, &e.PromptTokens, &e.MaxTokens, &e.Priority, &submitted,
		&e.AdmittedTick, &e.FinishedTick, &e.State, &e.Reason, &e.Generated, &e.Error)
	if err != nil {
		return Entry{}, err
	}
	e.SubmittedAt = time.Unix(0, submitted)
	return e, nil
}

// Request returns the journaled lifecycle of one request.
func (j *Journal) Request(ctx context.Context, id string) (Entry, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM requests WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, err
}

// Recent returns up to limit requests, newest submission first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM requests ORDER BY submitted_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StateCounts returns the number of journaled requests per state.
func (j *Journal) StateCounts(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM requests GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// TickCount returns the number of journaled ticks.
func (j *Journal) TickCount(ctx context.Context) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ticks`).Scan(&n)
	return n, err
}

// Prune deletes finished requests submitted before cutoff.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM requests WHERE finished_tick >= 0 AND submitted_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
