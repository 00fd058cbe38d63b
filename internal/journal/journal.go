// Package journal persists a local proof-of-play trail. Every item start
// lands in a small SQLite database so operators can audit what actually
// ran on screen, with or without a network.
package journal

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/doohlabs/kioskd/internal/media"
)

// FileName is the database file under the state directory.
const FileName = "journal.db"

const schema = `
CREATE TABLE IF NOT EXISTS plays (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at    INTEGER NOT NULL,
	path          TEXT NOT NULL,
	url           TEXT NOT NULL,
	campaign_id   TEXT,
	campaign_name TEXT,
	duration_ms   INTEGER NOT NULL,
	offset_ms     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS plays_started_at ON plays(started_at);
`

// Journal is the proof-of-play store. A nil *Journal is a valid no-op
// sink; every method tolerates it, so a disabled journal needs no
// branching at the call sites.
type Journal struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open creates or opens <stateDir>/journal.db and ensures the schema.
func Open(stateDir string, logger zerolog.Logger) (*Journal, error) {
	dbPath := filepath.Join(stateDir, FileName)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// The agent is the only writer; a single connection sidesteps
	// SQLITE_BUSY between workers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return &Journal{db: db, logger: logger}, nil
}

// Close releases the database.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}

// RecordPlay inserts one row per item start. Insert failures are logged
// and swallowed; playback never waits on the journal.
func (j *Journal) RecordPlay(it media.Item, startedAt time.Time, plannedMS, offsetMS int) {
	if j == nil {
		return
	}
	_, err := j.db.Exec(
		`INSERT INTO plays (started_at, path, url, campaign_id, campaign_name, duration_ms, offset_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		startedAt.UTC().UnixMilli(), it.Path, it.URL, it.CampaignID, it.CampaignName, plannedMS, offsetMS,
	)
	if err != nil {
		j.logger.Warn().Str("event", "journal.record_failed").
			Err(err).Str("path", it.Path).Msg("could not record play")
	}
}

// PlaysSince counts plays started at or after t.
func (j *Journal) PlaysSince(t time.Time) (int, error) {
	if j == nil {
		return 0, nil
	}
	var n int
	if err := j.db.QueryRow(
		`SELECT COUNT(*) FROM plays WHERE started_at >= ?`, t.UTC().UnixMilli(),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count plays: %w", err)
	}
	return n, nil
}

// Prune deletes plays older than retention and reports how many went.
func (j *Journal) Prune(retention time.Duration) (int, error) {
	if j == nil || retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention).UTC().UnixMilli()
	res, err := j.db.Exec(`DELETE FROM plays WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
