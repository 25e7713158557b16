package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the record in a single-row table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) checkpoint.db inside dir.
func OpenSQLite(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "checkpoint.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			metrics    TEXT    NOT NULL,
			step_count INTEGER NOT NULL,
			saved_at   TEXT    NOT NULL
		)
	`)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	metrics, err := json.Marshal(rec.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, metrics, step_count, saved_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			metrics = excluded.metrics,
			step_count = excluded.step_count,
			saved_at = excluded.saved_at
	`, string(metrics), rec.StepCount, rec.SavedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) (Record, error) {
	var (
		metrics string
		savedAt string
		rec     Record
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT metrics, step_count, saved_at FROM checkpoints WHERE id = 1`,
	).Scan(&metrics, &rec.StepCount, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load checkpoint: %w", err)
	}

	if err := json.Unmarshal([]byte(metrics), &rec.Metrics); err != nil {
		return Record{}, fmt.Errorf("decode metrics: %w", err)
	}
	if rec.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt); err != nil {
		return Record{}, fmt.Errorf("decode saved_at: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
