package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/johndauphine/sms-backup-sync/internal/datatype"
	"github.com/johndauphine/sms-backup-sync/internal/logging"
	"github.com/johndauphine/sms-backup-sync/internal/syncstate"
	"github.com/schollz/progressbar/v3"
)

// Tracker draws a terminal progress bar for a run. It is a syncstate observer.
type Tracker struct {
	out       io.Writer
	startTime time.Time

	mu     sync.Mutex
	bar    *progressbar.ProgressBar
	total  int
	phase  syncstate.Phase
	source datatype.Kind
	done   bool
}

// New creates a tracker drawing on stderr.
func New() *Tracker {
	return NewWithWriter(os.Stderr)
}

// NewWithWriter creates a tracker drawing on w.
func NewWithWriter(w io.Writer) *Tracker {
	return &Tracker{out: w, startTime: time.Now()}
}

// OnState implements syncstate.Observer.
func (t *Tracker) OnState(s syncstate.State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case s.Phase == syncstate.BackingUp || s.Phase == syncstate.Restoring:
		if t.bar == nil || s.Total != t.total || s.Phase != t.phase {
			t.newBar(s)
		}
		if s.Source != t.source && s.Source != datatype.None {
			t.source = s.Source
			t.bar.Describe(describe(s))
		}
		_ = t.bar.Set(s.Current)
	case s.IsFinished():
		t.finish(s)
	}
	t.phase = s.Phase
}

func (t *Tracker) newBar(s syncstate.State) {
	t.total = s.Total
	t.source = s.Source
	t.done = false
	t.bar = progressbar.NewOptions(
		s.Total,
		progressbar.OptionSetWriter(t.out),
		progressbar.OptionSetDescription(describe(s)),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("items"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func (t *Tracker) finish(s syncstate.State) {
	if t.done {
		return
	}
	t.done = true
	if t.bar != nil {
		_ = t.bar.Finish()
		fmt.Fprintln(t.out)
	}

	elapsed := time.Since(t.startTime)
	perSec := 0.0
	if elapsed > 0 {
		perSec = float64(s.Current) / elapsed.Seconds()
	}
	switch {
	case s.IsError():
		logging.Error("Run failed after %d of %d item(s): %s", s.Current, s.Total, s.Message())
	case s.IsCanceled():
		logging.Warn("Run canceled after %d of %d item(s)", s.Current, s.Total)
	case s.Phase == syncstate.FinishedRestore:
		logging.Info("Restore complete: %d restored, %d duplicate(s) in %s",
			s.Restored, s.Duplicates, elapsed.Round(time.Second))
	default:
		logging.Info("Backup complete: %d item(s) in %s (%.1f items/sec)",
			s.Current, elapsed.Round(time.Second), perSec)
	}
}

// Current returns the last drawn count.
func (t *Tracker) Current() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bar == nil {
		return 0
	}
	return int(t.bar.State().CurrentNum)
}

func describe(s syncstate.State) string {
	verb := "Backing up"
	if s.Phase == syncstate.Restoring {
		verb = "Restoring"
	}
	if s.Source == datatype.None {
		return verb
	}
	return fmt.Sprintf("%s %s", verb, s.Source.Describe().Label)
}
