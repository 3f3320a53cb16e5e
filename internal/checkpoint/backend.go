package checkpoint

import (
	"time"

	"github.com/johndauphine/sms-backup-sync/internal/watermark"
)

// Run statuses.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusCanceled = "canceled"
	StatusFailed   = "failed"
)

// Run is one recorded backup or restore invocation.
type Run struct {
	ID          string
	Direction   string // backup, restore
	RunKind     string // manual, scheduled, incoming
	Status      string
	Synced      int
	Total       int
	Error       string
	ConfigHash  string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Duration returns how long the run took, or how long it has been running.
func (r Run) Duration() time.Duration {
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}

// Backend defines the interface for state persistence.
// Implementations include SQLite (full featured) and a single YAML file for hosts
// where a database file is impractical.
type Backend interface {
	watermark.Store

	// Run history
	CreateRun(run Run, config any) error
	CompleteRun(id, status string, synced, total int, errorMsg string) error
	GetLastIncompleteRun() (*Run, error)
	GetAllRuns(limit int) ([]Run, error)
	GetRunByID(id string) (*Run, error)
	CleanupOldRuns(retentionDays int) (int, error)

	// Credentials, encrypted at rest
	LoadCredential(account int) ([]byte, error)
	SaveCredential(account int, payload []byte) error
	DeleteCredential(account int) error

	// Ping checks that the backend is usable.
	Ping() error
	Close() error
}

var (
	_ Backend = (*State)(nil)
	_ Backend = (*FileState)(nil)
)
