package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sahan-penakalapati/hedwig/pkg/artifacts"
	"github.com/sahan-penakalapati/hedwig/pkg/session"

	_ "modernc.org/sqlite"
)

// OpenDB opens (creating if needed) a SQLite database with a single writer
// connection.
func OpenDB(ctx context.Context, path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA synchronous=FULL"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return db, nil
}

// SQLiteStore keeps snapshots as validated JSON documents in SQLite rows.
// Each save is one statement inside one transaction.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if err := loadSchemas(); err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		last_message TEXT NOT NULL DEFAULT '',
		doc TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS artifact_snapshots (
		thread_id TEXT PRIMARY KEY,
		doc TEXT NOT NULL,
		saved_at TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadThread(ctx context.Context, id string) (session.ThreadState, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM threads WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return session.ThreadState{}, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	if err != nil {
		return session.ThreadState{}, fmt.Errorf("store: load thread %s: %w", id, err)
	}
	return decodeThread(id, []byte(doc))
}

func (s *SQLiteStore) SaveThread(ctx context.Context, st session.ThreadState) error {
	if err := checkID(st.ID); err != nil {
		return err
	}
	doc, err := encodeThread(st)
	if err != nil {
		return err
	}
	sum := summarize(st)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO threads (id, title, created_at, updated_at, message_count, last_message, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			updated_at = excluded.updated_at,
			message_count = excluded.message_count,
			last_message = excluded.last_message,
			doc = excluded.doc`,
			st.ID, sum.Title, formatTime(st.CreatedAt), formatTime(st.UpdatedAt), sum.MessageCount, sum.LastMessage, string(doc))
		if err != nil {
			return fmt.Errorf("store: save thread %s: %w", st.ID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) LoadArtifacts(ctx context.Context, id string) ([]artifacts.Record, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM artifact_snapshots WHERE thread_id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load artifacts %s: %w", id, err)
	}
	return decodeArtifacts(id, []byte(doc))
}

func (s *SQLiteStore) SaveArtifacts(ctx context.Context, id string, recs []artifacts.Record) error {
	if err := checkID(id); err != nil {
		return err
	}
	doc, err := encodeArtifacts(id, recs)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO artifact_snapshots (thread_id, doc, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET doc = excluded.doc, saved_at = excluded.saved_at`,
			id, string(doc), formatTime(time.Now()))
		if err != nil {
			return fmt.Errorf("store: save artifacts %s: %w", id, err)
		}
		return nil
	})
}

func (s *SQLiteStore) ThreadIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id FROM threads
	UNION
	SELECT thread_id FROM artifact_snapshots
	ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("store: thread ids: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) ListThreads(ctx context.Context) ([]ThreadSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, title, created_at, updated_at, message_count, last_message
	FROM threads`)
	if err != nil {
		return nil, fmt.Errorf("store: list threads: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []ThreadSummary
	for rows.Next() {
		var (
			sum              ThreadSummary
			created, updated string
		)
		if err := rows.Scan(&sum.ID, &sum.Title, &created, &updated, &sum.MessageCount, &sum.LastMessage); err != nil {
			return nil, err
		}
		sum.CreatedAt = parseTime(created)
		sum.UpdatedAt = parseTime(updated)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortSummaries(out)
	return out, nil
}

func (s *SQLiteStore) DeleteThread(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("store: delete thread %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		res, err = tx.ExecContext(ctx, `DELETE FROM artifact_snapshots WHERE thread_id = ?`, id)
		if err != nil {
			return fmt.Errorf("store: delete artifacts %s: %w", id, err)
		}
		m, _ := res.RowsAffected()
		if n+m == 0 {
			return fmt.Errorf("%w: %s", ErrThreadNotFound, id)
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	return time.Time{}
}
