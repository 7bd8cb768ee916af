package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/apex064/earnquest-tg/internal/controlplane"
	logx "github.com/apex064/earnquest-tg/pkg/logx"
)

const migrations = `
CREATE TABLE IF NOT EXISTS pending_events (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    at      TEXT NOT NULL,
    payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS executed_posts (
    post_id INTEGER PRIMARY KEY,
    at      TEXT NOT NULL
);
`

// prune executed_posts rows older than this; the backend stops returning a
// post as due long before.
const executedRetention = 30 * 24 * time.Hour

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

// Open initializes the sqlite store. It returns (nil, nil) when persistence
// is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendEvents(ctx context.Context, entries []controlplane.EventLogEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO pending_events(at, payload) VALUES(?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if e.At.IsZero() {
			e.At = time.Now()
		}
		payload, err := json.Marshal(e)
		if err != nil {
			// One bad entry must not block the batch.
			s.log.Warn("event entry not serializable; dropping", logx.String("type", e.EventType), logx.Err(err))
			continue
		}
		if _, err := stmt.ExecContext(ctx, e.At.UTC().Format(time.RFC3339Nano), string(payload)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadEvents(ctx context.Context, limit int) ([]StoredEvent, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM pending_events ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var (
			id      int64
			payload string
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		var e controlplane.EventLogEntry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			s.log.Warn("corrupt pending event; skipping", logx.Int64("row_id", id), logx.Err(err))
			continue
		}
		out = append(out, StoredEvent{RowID: id, Entry: e})
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteEvents(ctx context.Context, rowIDs []int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if len(rowIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, id := range rowIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_events WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) MarkPostExecuted(ctx context.Context, postID int64, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executed_posts(post_id, at) VALUES(?,?)
		 ON CONFLICT(post_id) DO UPDATE SET at=excluded.at`,
		postID, at.UTC().Format(time.RFC3339Nano),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExecuted(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) WasPostExecuted(ctx context.Context, postID int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM executed_posts WHERE post_id = ?`, postID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) pruneExecuted(ctx context.Context) error {
	cut := time.Now().Add(-executedRetention).UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `DELETE FROM executed_posts WHERE at < ?`, cut)
	return err
}
