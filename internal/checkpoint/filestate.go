package checkpoint

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// maxFileRuns bounds the run history kept in the state file.
const maxFileRuns = 50

// FileState implements Backend using a single YAML file.
// Designed for headless hosts where a SQLite file is impractical.
type FileState struct {
	path  string
	mu    sync.RWMutex
	state *fileStateData
}

// fileStateData is the YAML structure for the state file.
type fileStateData struct {
	// Watermarks maps account -> kind -> timestamp (ms).
	Watermarks  map[int]map[string]int64 `yaml:"watermarks"`
	Runs        []fileRun                `yaml:"runs,omitempty"`
	Credentials map[int]string           `yaml:"credentials,omitempty"` // base64 of the sealed payload
}

type fileRun struct {
	ID          string     `yaml:"id"`
	Direction   string     `yaml:"direction"`
	RunKind     string     `yaml:"run_kind"`
	Status      string     `yaml:"status"` // running, finished, canceled, failed
	Synced      int        `yaml:"synced"`
	Total       int        `yaml:"total"`
	Error       string     `yaml:"error,omitempty"`
	ConfigHash  string     `yaml:"config_hash,omitempty"`
	StartedAt   time.Time  `yaml:"started_at"`
	CompletedAt *time.Time `yaml:"completed_at,omitempty"`
}

// NewFileState creates a file-based state manager.
// If the file exists, it loads the existing state.
func NewFileState(path string) (*FileState, error) {
	fs := &FileState{path: path, state: &fileStateData{}}

	// Load existing state if file exists
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading state file: %w", err)
		}
		if err := yaml.Unmarshal(data, fs.state); err != nil {
			return nil, fmt.Errorf("parsing state file: %w", err)
		}
	}
	if fs.state.Watermarks == nil {
		fs.state.Watermarks = make(map[int]map[string]int64)
	}
	if fs.state.Credentials == nil {
		fs.state.Credentials = make(map[int]string)
	}

	return fs, nil
}

// save writes the current state through a temp file and rename so that a crash
// never leaves a truncated state file behind.
func (fs *FileState) save() error {
	data, err := yaml.Marshal(fs.state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(fs.path), ".state-*.yaml")
	if err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fs.path); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

// GetWatermark returns the watermark of (kind, account).
func (fs *FileState) GetWatermark(kind string, account int) (int64, bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	ts, ok := fs.state.Watermarks[account][kind]
	return ts, ok, nil
}

// SetWatermark stores the watermark of (kind, account).
func (fs *FileState) SetWatermark(kind string, account int, ts int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.state.Watermarks[account] == nil {
		fs.state.Watermarks[account] = make(map[string]int64)
	}
	fs.state.Watermarks[account][kind] = ts
	return fs.save()
}

// ListWatermarks returns a copy of the watermarks of account.
func (fs *FileState) ListWatermarks(account int) (map[string]int64, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	out := make(map[string]int64, len(fs.state.Watermarks[account]))
	for k, v := range fs.state.Watermarks[account] {
		out[k] = v
	}
	return out, nil
}

// ClearWatermarks drops the watermarks of every account.
func (fs *FileState) ClearWatermarks() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.state.Watermarks = make(map[int]map[string]int64)
	return fs.save()
}

// CreateRun records the start of a run. Only the newest runs are kept.
func (fs *FileState) CreateRun(run Run, config any) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	status := run.Status
	if status == "" {
		status = StatusRunning
	}
	fs.state.Runs = append(fs.state.Runs, fileRun{
		ID:         run.ID,
		Direction:  run.Direction,
		RunKind:    run.RunKind,
		Status:     status,
		Total:      run.Total,
		ConfigHash: configHash(config),
		StartedAt:  time.Now(),
	})
	if len(fs.state.Runs) > maxFileRuns {
		fs.state.Runs = fs.state.Runs[len(fs.state.Runs)-maxFileRuns:]
	}
	return fs.save()
}

// CompleteRun marks the run as complete.
func (fs *FileState) CompleteRun(id, status string, synced, total int, errorMsg string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for i := range fs.state.Runs {
		r := &fs.state.Runs[i]
		if r.ID != id {
			continue
		}
		now := time.Now()
		r.Status = status
		r.Synced = synced
		r.Total = total
		r.Error = errorMsg
		r.CompletedAt = &now
		return fs.save()
	}
	return fmt.Errorf("run not found: %s", id)
}

// GetLastIncompleteRun returns the newest run still marked running.
func (fs *FileState) GetLastIncompleteRun() (*Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	for i := len(fs.state.Runs) - 1; i >= 0; i-- {
		if fs.state.Runs[i].Status == StatusRunning {
			r := fs.state.Runs[i].toRun()
			return &r, nil
		}
	}
	return nil, nil
}

// GetAllRuns returns up to limit runs, newest first.
func (fs *FileState) GetAllRuns(limit int) ([]Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	var runs []Run
	for i := len(fs.state.Runs) - 1; i >= 0 && len(runs) < limit; i-- {
		runs = append(runs, fs.state.Runs[i].toRun())
	}
	return runs, nil
}

// GetRunByID returns the run if it is still in the file.
func (fs *FileState) GetRunByID(id string) (*Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	for _, r := range fs.state.Runs {
		if r.ID == id {
			run := r.toRun()
			return &run, nil
		}
	}
	return nil, nil
}

// CleanupOldRuns drops completed runs older than retentionDays.
func (fs *FileState) CleanupOldRuns(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	kept := fs.state.Runs[:0]
	deleted := 0
	for _, r := range fs.state.Runs {
		if r.Status != StatusRunning && r.CompletedAt != nil && r.CompletedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	fs.state.Runs = kept
	if deleted == 0 {
		return 0, nil
	}
	return deleted, fs.save()
}

// SaveCredential stores the encrypted credential payload of account.
func (fs *FileState) SaveCredential(account int, payload []byte) error {
	enc, err := sealCredential(account, payload)
	if err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.state.Credentials[account] = base64.StdEncoding.EncodeToString(enc)
	return fs.save()
}

// LoadCredential returns the decrypted credential payload of account, or nil.
func (fs *FileState) LoadCredential(account int) ([]byte, error) {
	fs.mu.RLock()
	raw, ok := fs.state.Credentials[account]
	fs.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	enc, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding credential: %w", err)
	}
	return openCredential(account, enc)
}

// DeleteCredential removes the credential of account.
func (fs *FileState) DeleteCredential(account int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.state.Credentials[account]; !ok {
		return nil
	}
	delete(fs.state.Credentials, account)
	return fs.save()
}

// Ping checks that the state file's directory is writable.
func (fs *FileState) Ping() error {
	f, err := os.CreateTemp(filepath.Dir(fs.path), ".ping-*")
	if err != nil {
		return fmt.Errorf("state directory not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}

// Close is a no-op for file state.
func (fs *FileState) Close() error {
	return nil
}

// Path returns the state file path.
func (fs *FileState) Path() string {
	return fs.path
}

func (r fileRun) toRun() Run {
	return Run{
		ID:          r.ID,
		Direction:   r.Direction,
		RunKind:     r.RunKind,
		Status:      r.Status,
		Synced:      r.Synced,
		Total:       r.Total,
		Error:       r.Error,
		ConfigHash:  r.ConfigHash,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}
