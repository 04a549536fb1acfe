package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteTrail stores the chain in an audit_entries table.
type SQLiteTrail struct {
	mu    sync.Mutex
	db    *sql.DB
	chain chain
}

// NewSQLiteTrail migrates the schema and resumes the chain from the last row.
func NewSQLiteTrail(ctx context.Context, db *sql.DB) (*SQLiteTrail, error) {
	t := &SQLiteTrail{db: db, chain: newChain()}
	if err := t.migrate(ctx); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}

	var (
		seq  int64
		hash string
	)
	err := db.QueryRowContext(ctx, `SELECT seq, hash FROM audit_entries ORDER BY seq DESC LIMIT 1`).Scan(&seq, &hash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("audit: load head: %w", err)
	default:
		t.chain.commit(Entry{Seq: uint64(seq), Hash: hash})
	}
	return t, nil
}

func (t *SQLiteTrail) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		seq INTEGER PRIMARY KEY,
		time TEXT NOT NULL,
		event TEXT NOT NULL,
		thread_id TEXT NOT NULL DEFAULT '',
		specialist TEXT NOT NULL DEFAULT '',
		tool TEXT NOT NULL DEFAULT '',
		args_summary TEXT NOT NULL DEFAULT '',
		static_tier TEXT NOT NULL DEFAULT '',
		effective_tier TEXT NOT NULL DEFAULT '',
		verdict TEXT NOT NULL DEFAULT '',
		rationale TEXT NOT NULL DEFAULT '',
		answer TEXT NOT NULL DEFAULT '',
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL
	);`
	_, err := t.db.ExecContext(ctx, query)
	return err
}

func (t *SQLiteTrail) Append(ctx context.Context, e Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sealed, err := t.chain.seal(e)
	if err != nil {
		return err
	}
	_, err = t.db.ExecContext(ctx, `INSERT INTO audit_entries (
		seq, time, event, thread_id, specialist, tool, args_summary, static_tier, effective_tier, verdict, rationale, answer, prev_hash, hash
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(sealed.Seq), sealed.Time.Format(time.RFC3339Nano), string(sealed.Event), sealed.ThreadID, sealed.Specialist,
		sealed.Tool, sealed.ArgsSummary, sealed.StaticTier, sealed.EffectiveTier, sealed.Verdict, sealed.Rationale,
		sealed.Answer, sealed.PrevHash, sealed.Hash,
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry %d: %w", sealed.Seq, err)
	}
	t.chain.commit(sealed)
	return nil
}

const selectEntries = `SELECT seq, time, event, thread_id, specialist, tool, args_summary, static_tier, effective_tier, verdict, rationale, answer, prev_hash, hash FROM audit_entries`

func (t *SQLiteTrail) Entries(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.ThreadID != "" {
		where = append(where, "thread_id = ?")
		args = append(args, f.ThreadID)
	}
	if f.Tool != "" {
		where = append(where, "tool = ?")
		args = append(args, f.Tool)
	}
	if f.Event != "" {
		where = append(where, "event = ?")
		args = append(args, string(f.Event))
	}
	query := selectEntries
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"

	all, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	// time bounds and limit are applied after parsing, stored times are text
	f.ThreadID, f.Tool, f.Event = "", "", ""
	var out []Entry
	for _, e := range all {
		if !f.match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (t *SQLiteTrail) Verify(ctx context.Context) (int, error) {
	all, err := t.query(ctx, selectEntries+" ORDER BY seq")
	if err != nil {
		return 0, err
	}
	return len(all), VerifyChain(all)
}

func (t *SQLiteTrail) Head() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chain.head
}

func (t *SQLiteTrail) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e     Entry
			seq   int64
			ts    string
			event string
		)
		if err := rows.Scan(&seq, &ts, &event, &e.ThreadID, &e.Specialist, &e.Tool, &e.ArgsSummary,
			&e.StaticTier, &e.EffectiveTier, &e.Verdict, &e.Rationale, &e.Answer, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("audit: entry %d: bad time %q: %w", seq, ts, err)
		}
		e.Seq = uint64(seq)
		e.Time = parsed.UTC()
		e.Event = Event(event)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
