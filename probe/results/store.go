// Package results keeps a small libSQL database of evaluation runs so that
// probes trained with different pooling settings can be compared later.
package results

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"
)

// Run is one evaluated split of an experiment.
type Run struct {
	ID             uuid.UUID
	RunID          string
	Variant        string
	ModelName      string
	LayerPooling   string
	SubwordPooling string
	Split          string
	Samples        int
	Loss           float64
	CacheHits      int
	CacheMisses    int
	Timestamp      time.Time
}

// Store persists runs in a libSQL database file.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and ensures its schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("could not create results directory: %w", err)
	}
	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open results database %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY UNIQUE,
		run_id TEXT NOT NULL,
		variant TEXT NOT NULL,
		model_name TEXT,
		layer_pooling TEXT,
		subword_pooling TEXT,
		split TEXT NOT NULL,
		samples INTEGER NOT NULL,
		loss REAL NOT NULL,
		cache_hits INTEGER NOT NULL DEFAULT 0,
		cache_misses INTEGER NOT NULL DEFAULT 0,
		time_stamp DATETIME NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Add inserts r, filling in its ID and timestamp when they are unset.
func (s *Store) Add(r *Run) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`INSERT INTO runs (id, run_id, variant, model_name, layer_pooling, subword_pooling,
		split, samples, loss, cache_hits, cache_misses, time_stamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.RunID, r.Variant, r.ModelName, r.LayerPooling, r.SubwordPooling,
		r.Split, r.Samples, r.Loss, r.CacheHits, r.CacheMisses, r.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("expected 1 row affected, got %d", n)
	}
	return tx.Commit()
}

const runColumns = `id, run_id, variant, model_name, layer_pooling, subword_pooling, split,
	samples, loss, cache_hits, cache_misses, time_stamp`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r      Run
		id, ts string
	)
	if err := sc.Scan(&id, &r.RunID, &r.Variant, &r.ModelName, &r.LayerPooling, &r.SubwordPooling,
		&r.Split, &r.Samples, &r.Loss, &r.CacheHits, &r.CacheMisses, &ts); err != nil {
		return r, err
	}
	var err error
	if r.ID, err = uuid.Parse(id); err != nil {
		return r, fmt.Errorf("failed to parse run id: %w", err)
	}
	if r.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return r, fmt.Errorf("failed to parse run timestamp: %w", err)
	}
	return r, nil
}

// List returns the runs recorded for runID, oldest first. An empty runID
// lists every run.
func (s *Store) List(runID string) ([]Run, error) {
	query := "SELECT " + runColumns + " FROM runs"
	var args []any
	if runID != "" {
		query += " WHERE run_id = ?"
		args = append(args, runID)
	}
	query += " ORDER BY time_stamp ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return runs, nil
}

// Best returns the lowest-loss run recorded for split, or nil when there is
// none.
func (s *Store) Best(split string) (*Run, error) {
	row := s.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE split = ? ORDER BY loss ASC LIMIT 1", split)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query best run: %w", err)
	}
	return &r, nil
}
