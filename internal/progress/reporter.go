package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/johndauphine/sms-backup-sync/internal/datatype"
	"github.com/johndauphine/sms-backup-sync/internal/logging"
	"github.com/johndauphine/sms-backup-sync/internal/syncstate"
)

// ProgressUpdate is one JSON progress line for automation.
type ProgressUpdate struct {
	Timestamp   string  `json:"timestamp"`
	Phase       string  `json:"phase"`
	RunKind     string  `json:"run_kind"`
	Source      string  `json:"source,omitempty"`
	Current     int     `json:"current"`
	Total       int     `json:"total"`
	ProgressPct float64 `json:"progress_pct"`
	Restored    int     `json:"restored,omitempty"`
	Duplicates  int     `json:"duplicates,omitempty"`
	Error       string  `json:"error,omitempty"`
	ErrorKind   string  `json:"error_kind,omitempty"`
}

// FromState converts a run state to a progress update.
func FromState(s syncstate.State) ProgressUpdate {
	u := ProgressUpdate{
		Phase:      s.Phase.String(),
		RunKind:    s.RunKind.String(),
		Current:    s.Current,
		Total:      s.Total,
		Restored:   s.Restored,
		Duplicates: s.Duplicates,
		Error:      s.Message(),
	}
	if s.Source != datatype.None {
		u.Source = s.Source.String()
	}
	if s.Total > 0 {
		u.ProgressPct = float64(s.Current) / float64(s.Total) * 100
	}
	if s.Err != nil {
		u.ErrorKind = errorKind(s)
	}
	return u
}

func errorKind(s syncstate.State) string {
	switch {
	case s.IsCanceled():
		return "canceled"
	case s.IsAuthError():
		return "authentication"
	case s.IsPermissionError():
		return "permission"
	case s.IsConnectivityError():
		return "connectivity"
	}
	return "other"
}

// Reporter defines the interface for progress reporting.
type Reporter interface {
	// Report emits a progress update (may be throttled)
	Report(update ProgressUpdate)
	// ReportImmediate emits a progress update immediately, bypassing throttling
	ReportImmediate(update ProgressUpdate)
	// Close cleans up any resources
	Close()
}

// StateObserver adapts a Reporter to syncstate.Observer. Phase changes bypass
// throttling; progress within a phase does not.
type StateObserver struct {
	Reporter Reporter

	mu    sync.Mutex
	phase syncstate.Phase
	seen  bool
}

// OnState implements syncstate.Observer.
func (o *StateObserver) OnState(s syncstate.State) {
	o.mu.Lock()
	changed := !o.seen || s.Phase != o.phase
	o.phase, o.seen = s.Phase, true
	o.mu.Unlock()

	if changed {
		o.Reporter.ReportImmediate(FromState(s))
		return
	}
	o.Reporter.Report(FromState(s))
}

// JSONReporter outputs JSON progress updates to a writer (typically stderr).
type JSONReporter struct {
	writer     io.Writer
	mu         sync.Mutex
	interval   time.Duration
	lastReport time.Time
	closed     bool
}

// NewJSONReporter creates a new JSON progress reporter.
// interval is the minimum time between throttled updates.
func NewJSONReporter(writer io.Writer, interval time.Duration) *JSONReporter {
	if writer == nil {
		writer = os.Stderr
	}
	return &JSONReporter{
		writer:   writer,
		interval: interval,
	}
}

// Report emits update unless the previous one was less than interval ago.
func (r *JSONReporter) Report(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	now := time.Now()
	if r.interval > 0 && now.Sub(r.lastReport) < r.interval {
		return
	}
	r.write(update, now)
}

// ReportImmediate emits update regardless of throttling.
func (r *JSONReporter) ReportImmediate(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.write(update, time.Now())
}

func (r *JSONReporter) write(update ProgressUpdate, now time.Time) {
	if update.Timestamp == "" {
		update.Timestamp = now.Format(time.RFC3339)
	}
	data, err := json.Marshal(update)
	if err != nil {
		logging.Warn("Failed to marshal progress update: %v", err)
		return
	}
	fmt.Fprintln(r.writer, string(data))
	r.lastReport = now
}

// Close marks the reporter as closed.
func (r *JSONReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// NullReporter is a no-op reporter for when progress reporting is disabled.
type NullReporter struct{}

func (r *NullReporter) Report(update ProgressUpdate) {}

func (r *NullReporter) ReportImmediate(update ProgressUpdate) {}

func (r *NullReporter) Close() {}
