// Package store persists job checkpoints in SQLite. One database lives in
// each video's working directory and backs the explicit-checkpoint
// recovery strategy; losing it only degrades recovery to the filesystem
// scan.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Evoltional/apisr/internal/progress"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS job_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	video_path TEXT NOT NULL,
	current_segment INTEGER NOT NULL DEFAULT 0,
	dup_count INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS segments (
	idx INTEGER PRIMARY KEY,
	path TEXT NOT NULL,
	total_frames INTEGER NOT NULL DEFAULT 0,
	frames_done INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS merged_segments (
	name TEXT PRIMARY KEY,
	merged_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL,
	applied_at TEXT DEFAULT CURRENT_TIMESTAMP
);
`

// DB is a SQLite-backed checkpoint store. It implements
// progress.StateStore.
type DB struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// Open creates or opens a checkpoint database. The file and its directory
// are created if missing.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			db.Close()
			return nil, fmt.Errorf("insert schema version: %w", err)
		}
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("check schema version: %w", err)
	case version > schemaVersion:
		db.Close()
		return nil, fmt.Errorf("checkpoint database is schema v%d, this build understands v%d", version, schemaVersion)
	}

	return &DB{db: db, path: dbPath}, nil
}

// SaveState writes the full JobState in one transaction. Segment rows are
// replaced wholesale; the merge ledger is append-only.
func (s *DB) SaveState(state *progress.JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO job_state (id, video_path, current_segment, dup_count, updated_at)
		VALUES (1, ?, ?, ?, ?)
	`, state.VideoPath, state.CurrentSegment, state.DupCount, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return err
	}

	if _, err := tx.Exec("DELETE FROM segments"); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO segments (idx, path, total_frames, frames_done, status)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, seg := range state.Segments {
		if _, err := stmt.Exec(seg.Index, seg.Path, seg.TotalFrames, seg.FramesDone, string(seg.Status)); err != nil {
			return err
		}
	}

	for _, name := range state.MergedNames() {
		if _, err := tx.Exec("INSERT OR IGNORE INTO merged_segments (name) VALUES (?)", name); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LoadState reads the stored JobState. Returns nil with no error when the
// database holds no checkpoint yet.
func (s *DB) LoadState() (*progress.JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &progress.JobState{Merged: make(map[string]bool)}
	err := s.db.QueryRow(`
		SELECT video_path, current_segment, dup_count FROM job_state WHERE id = 1
	`).Scan(&state.VideoPath, &state.CurrentSegment, &state.DupCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT idx, path, total_frames, frames_done, status FROM segments ORDER BY idx ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		seg := &progress.SegmentState{}
		var status string
		if err := rows.Scan(&seg.Index, &seg.Path, &seg.TotalFrames, &seg.FramesDone, &status); err != nil {
			return nil, err
		}
		seg.Status = progress.SegmentStatus(status)
		state.Segments = append(state.Segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	merged, err := s.db.Query("SELECT name FROM merged_segments")
	if err != nil {
		return nil, err
	}
	defer merged.Close()
	for merged.Next() {
		var name string
		if err := merged.Scan(&name); err != nil {
			return nil, err
		}
		state.Merged[name] = true
	}
	return state, merged.Err()
}

// SaveSnapshot records the detection settings in effect at checkpoint time.
func (s *DB) SaveSnapshot(snap *progress.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pairs := map[string]string{
		"snapshot_version": strconv.Itoa(snap.Version),
		"model":            snap.Model,
		"scale":            strconv.Itoa(snap.Scale),
		"use_hash":         strconv.FormatBool(snap.UseHash),
		"hash_threshold":   strconv.Itoa(snap.HashThreshold),
		"use_ssim":         strconv.FormatBool(snap.UseSSIM),
		"ssim_threshold":   strconv.FormatFloat(snap.SSIMThreshold, 'f', -1, 64),
		"history_size":     strconv.Itoa(snap.HistorySize),
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for key, value := range pairs {
		_, err := tx.Exec(`
			INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, datetime('now'))
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, value)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadSnapshot reads the recorded settings. Returns nil with no error when
// none were recorded.
func (s *DB) LoadSnapshot() (*progress.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT key, value FROM metadata")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}

	snap := &progress.Snapshot{Model: values["model"]}
	snap.Version, _ = strconv.Atoi(values["snapshot_version"])
	snap.Scale, _ = strconv.Atoi(values["scale"])
	snap.UseHash, _ = strconv.ParseBool(values["use_hash"])
	snap.HashThreshold, _ = strconv.Atoi(values["hash_threshold"])
	snap.UseSSIM, _ = strconv.ParseBool(values["use_ssim"])
	snap.SSIMThreshold, _ = strconv.ParseFloat(values["ssim_threshold"], 64)
	snap.HistorySize, _ = strconv.Atoi(values["history_size"])
	return snap, nil
}

// Close closes the database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *DB) Path() string {
	return s.path
}
