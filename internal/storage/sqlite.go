// Package storage keeps the round history of every upstream in SQLite.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/carlosrabelo/plotrelay/internal/round"
)

// RoundRecord is one row of the rounds table
type RoundRecord struct {
	ID                  int64   `db:"id" json:"id"`
	Upstream            string  `db:"upstream" json:"upstream"`
	Coin                string  `db:"coin" json:"coin"`
	Height              uint64  `db:"height" json:"height"`
	BaseTarget          uint64  `db:"base_target" json:"baseTarget"`
	GenerationSignature string  `db:"generation_signature" json:"generationSignature"`
	NetDiff             float64 `db:"net_diff" json:"netDiff"`
	TargetDeadline      uint64  `db:"target_deadline" json:"targetDeadline"`
	StartedAt           int64   `db:"started_at" json:"startedAt"`
	BestDeadline        *uint64 `db:"best_deadline" json:"bestDeadline"`
	Winner              string  `db:"winner" json:"winner"`
	Won                 bool    `db:"won" json:"won"`
	ResolvedAt          int64   `db:"resolved_at" json:"resolvedAt"`
}

// Started returns StartedAt as a time
func (r RoundRecord) Started() time.Time {
	return time.Unix(r.StartedAt, 0).UTC()
}

// Resolved reports whether the winner query settled this round
func (r RoundRecord) Resolved() bool {
	return r.ResolvedAt != 0
}

// SQLiteStorage provides SQLite-based storage for round history
type SQLiteStorage struct {
	db *sqlx.DB
}

// NewSQLiteStorage opens a SQLite database at the given path,
// runs migrations, and enables WAL mode
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Limit to single connection to avoid SQLite locking issues
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStorage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate creates the necessary tables and indexes
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rounds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		upstream TEXT NOT NULL,
		coin TEXT NOT NULL DEFAULT '',
		height INTEGER NOT NULL,
		base_target INTEGER NOT NULL,
		generation_signature TEXT NOT NULL DEFAULT '',
		net_diff REAL NOT NULL DEFAULT 0,
		target_deadline INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		best_deadline INTEGER,
		winner TEXT NOT NULL DEFAULT '',
		won INTEGER NOT NULL DEFAULT 0,
		resolved_at INTEGER NOT NULL DEFAULT 0,
		UNIQUE(upstream, height)
	);

	CREATE INDEX IF NOT EXISTS idx_rounds_started_at ON rounds(started_at);
	CREATE INDEX IF NOT EXISTS idx_rounds_upstream_started ON rounds(upstream, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// RecordRound stores a newly accepted round. A second round at the same
// height (a reorg) replaces the first one.
func (s *SQLiteStorage) RecordRound(ctx context.Context, upstream string, r round.Round, startedAt time.Time) error {
	query := `
	INSERT INTO rounds (upstream, coin, height, base_target, generation_signature, net_diff, target_deadline, started_at)
	VALUES (:upstream, :coin, :height, :base_target, :generation_signature, :net_diff, :target_deadline, :started_at)
	ON CONFLICT(upstream, height) DO UPDATE SET
		coin = excluded.coin,
		base_target = excluded.base_target,
		generation_signature = excluded.generation_signature,
		net_diff = excluded.net_diff,
		target_deadline = excluded.target_deadline,
		started_at = excluded.started_at,
		best_deadline = NULL,
		winner = '',
		won = 0,
		resolved_at = 0
	`

	// SQLite integers are signed; bind heights and targets as int64.
	_, err := s.db.NamedExecContext(ctx, query, map[string]any{
		"upstream":             upstream,
		"coin":                 r.Coin,
		"height":               int64(r.Height),
		"base_target":          int64(r.BaseTarget),
		"generation_signature": r.GenerationSignature,
		"net_diff":             r.NetDiff,
		"target_deadline":      int64(r.TargetDeadline),
		"started_at":           startedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("record round %d: %w", r.Height, err)
	}
	return nil
}

// RecordBestDeadline lowers the best deadline of a round if dl improves it
func (s *SQLiteStorage) RecordBestDeadline(ctx context.Context, upstream string, height, dl uint64) error {
	query := `
	UPDATE rounds SET best_deadline = ?
	WHERE upstream = ? AND height = ? AND (best_deadline IS NULL OR best_deadline > ?)
	`
	if _, err := s.db.ExecContext(ctx, query, int64(dl), upstream, int64(height), int64(dl)); err != nil {
		return fmt.Errorf("record best deadline %d: %w", height, err)
	}
	return nil
}

// RecordWinner stores the resolution of a finished round
func (s *SQLiteStorage) RecordWinner(ctx context.Context, upstream string, height uint64, winner string, won bool, at time.Time) error {
	query := `UPDATE rounds SET winner = ?, won = ?, resolved_at = ? WHERE upstream = ? AND height = ?`
	if _, err := s.db.ExecContext(ctx, query, winner, won, at.Unix(), upstream, int64(height)); err != nil {
		return fmt.Errorf("record winner %d: %w", height, err)
	}
	return nil
}

// RecentRounds returns the latest rounds, newest first. An empty upstream
// selects every upstream.
func (s *SQLiteStorage) RecentRounds(ctx context.Context, upstream string, limit int) ([]RoundRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rounds []RoundRecord
		err    error
	)
	if upstream == "" {
		err = s.db.SelectContext(ctx, &rounds,
			`SELECT * FROM rounds ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	} else {
		err = s.db.SelectContext(ctx, &rounds,
			`SELECT * FROM rounds WHERE upstream = ? ORDER BY started_at DESC, id DESC LIMIT ?`, upstream, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("recent rounds: %w", err)
	}
	return rounds, nil
}

// WonRounds counts the rounds recorded as won for upstream
func (s *SQLiteStorage) WonRounds(ctx context.Context, upstream string) (uint64, error) {
	var n uint64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM rounds WHERE upstream = ? AND won = 1`, upstream)
	if err != nil {
		return 0, fmt.Errorf("won rounds: %w", err)
	}
	return n, nil
}
