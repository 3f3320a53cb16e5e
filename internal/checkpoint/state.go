package checkpoint

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteTime = "2006-01-02 15:04:05"

// State manages sync state in SQLite
type State struct {
	db   *sql.DB
	path string
}

// New creates a new state manager
func New(dataDir string) (*State, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "state.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &State{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return s, nil
}

func (s *State) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS watermarks (
		kind TEXT NOT NULL,
		account INTEGER NOT NULL DEFAULT 0,
		ts INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (kind, account)
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		direction TEXT NOT NULL,
		run_kind TEXT NOT NULL DEFAULT 'manual',
		status TEXT NOT NULL DEFAULT 'running',
		synced INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		config_hash TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE TABLE IF NOT EXISTS credentials (
		account INTEGER PRIMARY KEY,
		payload BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file path.
func (s *State) Path() string { return s.path }

// Ping checks the database connection
func (s *State) Ping() error {
	return s.db.Ping()
}

// Close closes the database connection
func (s *State) Close() error {
	return s.db.Close()
}

// GetWatermark returns the watermark row of (kind, account).
func (s *State) GetWatermark(kind string, account int) (int64, bool, error) {
	var ts int64
	err := s.db.QueryRow(`SELECT ts FROM watermarks WHERE kind = ? AND account = ?`, kind, account).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return ts, true, nil
}

// SetWatermark upserts the watermark row of (kind, account).
func (s *State) SetWatermark(kind string, account int, ts int64) error {
	_, err := s.db.Exec(`
		INSERT INTO watermarks (kind, account, ts, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(kind, account) DO UPDATE SET
			ts = excluded.ts,
			updated_at = excluded.updated_at
	`, kind, account, ts)
	return err
}

// ListWatermarks returns every watermark row of account.
func (s *State) ListWatermarks(account int) (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT kind, ts FROM watermarks WHERE account = ?`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var kind string
		var ts int64
		if err := rows.Scan(&kind, &ts); err != nil {
			return nil, err
		}
		out[kind] = ts
	}
	return out, rows.Err()
}

// ClearWatermarks removes the watermarks of every account.
func (s *State) ClearWatermarks() error {
	_, err := s.db.Exec(`DELETE FROM watermarks`)
	return err
}

// CreateRun records the start of a run
func (s *State) CreateRun(run Run, config any) error {
	status := run.Status
	if status == "" {
		status = StatusRunning
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, direction, run_kind, status, total, config_hash, started_at)
		VALUES (?, ?, ?, ?, ?, ?, datetime('now'))
	`, run.ID, run.Direction, run.RunKind, status, run.Total, configHash(config))
	return err
}

// CompleteRun marks a run as complete
func (s *State) CompleteRun(id, status string, synced, total int, errorMsg string) error {
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, synced = ?, total = ?, error = ?, completed_at = datetime('now')
		WHERE id = ?
	`, status, synced, total, nullIfEmpty(errorMsg), id)
	return err
}

// GetLastIncompleteRun returns the most recent run that never completed, which
// happens when the process was killed mid-run.
func (s *State) GetLastIncompleteRun() (*Run, error) {
	runs, err := s.queryRuns(`WHERE status = 'running' ORDER BY started_at DESC LIMIT 1`)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// GetAllRuns returns the most recent runs for history, newest first
func (s *State) GetAllRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryRuns(`ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
}

// GetRunByID returns a specific run by ID
func (s *State) GetRunByID(id string) (*Run, error) {
	runs, err := s.queryRuns(`WHERE id = ?`, id)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// CleanupOldRuns deletes completed runs older than retentionDays. Running runs are kept.
func (s *State) CleanupOldRuns(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(sqliteTime)
	res, err := s.db.Exec(`
		DELETE FROM runs
		WHERE status != 'running' AND completed_at IS NOT NULL AND completed_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *State) queryRuns(clause string, args ...any) ([]Run, error) {
	rows, err := s.db.Query(`
		SELECT id, direction, run_kind, status, synced, total, error, config_hash, started_at, completed_at
		FROM runs `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var startedAtStr string
		var errMsg, hash, completedAtStr sql.NullString
		if err := rows.Scan(&r.ID, &r.Direction, &r.RunKind, &r.Status, &r.Synced, &r.Total,
			&errMsg, &hash, &startedAtStr, &completedAtStr); err != nil {
			return nil, err
		}
		r.Error = errMsg.String
		r.ConfigHash = hash.String
		// SQLite datetime('now') is UTC
		r.StartedAt, _ = time.ParseInLocation(sqliteTime, startedAtStr, time.UTC)
		if completedAtStr.Valid {
			t, _ := time.ParseInLocation(sqliteTime, completedAtStr.String, time.UTC)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// configHash returns a short hash of the run configuration for change detection.
func configHash(config any) string {
	if config == nil {
		return ""
	}
	data, err := json.Marshal(config)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
