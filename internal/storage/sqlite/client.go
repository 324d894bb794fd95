// Package sqlite persists refresh-cycle history and the latest rendered
// snapshot. The snapshot copy lets a restarted process serve the dashboard
// immediately instead of showing an empty page until the first fetch lands.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/survey-quality/dashboard/internal/storage/models"
	"github.com/survey-quality/dashboard/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cycles (
		id TEXT PRIMARY KEY,
		triggered_by TEXT NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT,
		raw_count INTEGER NOT NULL DEFAULT 0,
		clean_count INTEGER NOT NULL DEFAULT 0,
		dropped_count INTEGER NOT NULL DEFAULT 0,
		filtered_count INTEGER NOT NULL DEFAULT 0,
		excluded_count INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cycles_started ON cycles(started_at);
	CREATE INDEX IF NOT EXISTS idx_cycles_outcome ON cycles(outcome);

	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		generated_at INTEGER NOT NULL,
		html BLOB NOT NULL,
		export BLOB NOT NULL,
		summary TEXT NOT NULL,
		filtered_count INTEGER NOT NULL,
		excluded_count INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_generated ON snapshots(generated_at);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) InsertCycle(cycle *models.Cycle) error {
	query := `
		INSERT INTO cycles (id, triggered_by, outcome, reason, raw_count, clean_count, dropped_count,
			filtered_count, excluded_count, started_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.Exec(
		query,
		cycle.ID,
		cycle.Trigger,
		cycle.Outcome,
		cycle.Reason,
		cycle.RawCount,
		cycle.CleanCount,
		cycle.DroppedCount,
		cycle.FilteredCount,
		cycle.ExcludedCount,
		cycle.StartedAt.Unix(),
		cycle.FinishedAt.Unix(),
		cycle.DurationMS,
	)

	if err != nil {
		return fmt.Errorf("failed to insert cycle: %w", err)
	}

	logger.Debug("Cycle recorded",
		zap.String("cycle_id", cycle.ID),
		zap.String("outcome", cycle.Outcome),
	)
	return nil
}

// SaveSnapshot stores the snapshot and drops every older row, so the table
// never grows past one entry.
func (c *Client) SaveSnapshot(snap *models.SnapshotRow) error {
	query := `
		INSERT INTO snapshots (id, generated_at, html, export, summary, filtered_count, excluded_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			generated_at = excluded.generated_at,
			html = excluded.html,
			export = excluded.export,
			summary = excluded.summary,
			filtered_count = excluded.filtered_count,
			excluded_count = excluded.excluded_count
	`

	_, err := c.db.Exec(
		query,
		snap.ID,
		snap.GeneratedAt.Unix(),
		snap.HTML,
		snap.Export,
		string(snap.SummaryJSON),
		snap.FilteredCount,
		snap.ExcludedCount,
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	_, err = c.db.Exec(`DELETE FROM snapshots WHERE id != ?`, snap.ID)
	if err != nil {
		return fmt.Errorf("failed to prune old snapshots: %w", err)
	}

	logger.Debug("Snapshot persisted", zap.String("snapshot_id", snap.ID))
	return nil
}

// LatestSnapshot returns the newest persisted snapshot, or nil when none has
// been saved yet.
func (c *Client) LatestSnapshot() (*models.SnapshotRow, error) {
	query := `
		SELECT id, generated_at, html, export, summary, filtered_count, excluded_count
		FROM snapshots
		ORDER BY generated_at DESC
		LIMIT 1
	`

	var snap models.SnapshotRow
	var generatedAt int64
	var summary string

	err := c.db.QueryRow(query).Scan(
		&snap.ID,
		&generatedAt,
		&snap.HTML,
		&snap.Export,
		&summary,
		&snap.FilteredCount,
		&snap.ExcludedCount,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	snap.GeneratedAt = time.Unix(generatedAt, 0).UTC()
	snap.SummaryJSON = []byte(summary)

	return &snap, nil
}

// LastSuccessfulCycle returns the most recent cycle with a success outcome,
// or nil when no cycle has succeeded yet.
func (c *Client) LastSuccessfulCycle() (*models.Cycle, error) {
	query := `
		SELECT id, triggered_by, outcome, reason, raw_count, clean_count, dropped_count,
			filtered_count, excluded_count, started_at, finished_at, duration_ms
		FROM cycles
		WHERE outcome = 'success'
		ORDER BY finished_at DESC, rowid DESC
		LIMIT 1
	`

	return c.queryCycle(query)
}

// RecentCycles returns up to limit cycles, newest first.
func (c *Client) RecentCycles(limit int) ([]models.Cycle, error) {
	query := `
		SELECT id, triggered_by, outcome, reason, raw_count, clean_count, dropped_count,
			filtered_count, excluded_count, started_at, finished_at, duration_ms
		FROM cycles
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := c.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get cycles: %w", err)
	}
	defer rows.Close()

	var cycles []models.Cycle
	for rows.Next() {
		cycle, err := scanCycle(rows.Scan)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, *cycle)
	}

	return cycles, rows.Err()
}

func (c *Client) queryCycle(query string, args ...any) (*models.Cycle, error) {
	cycle, err := scanCycle(c.db.QueryRow(query, args...).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cycle, nil
}

func scanCycle(scan func(...any) error) (*models.Cycle, error) {
	var cycle models.Cycle
	var startedAt, finishedAt int64

	err := scan(
		&cycle.ID,
		&cycle.Trigger,
		&cycle.Outcome,
		&cycle.Reason,
		&cycle.RawCount,
		&cycle.CleanCount,
		&cycle.DroppedCount,
		&cycle.FilteredCount,
		&cycle.ExcludedCount,
		&startedAt,
		&finishedAt,
		&cycle.DurationMS,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan cycle: %w", err)
	}

	cycle.StartedAt = time.Unix(startedAt, 0).UTC()
	cycle.FinishedAt = time.Unix(finishedAt, 0).UTC()

	return &cycle, nil
}
