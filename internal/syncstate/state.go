// Package syncstate holds the externally observed state of a backup or restore run and
// broadcasts every transition to its observers.
package syncstate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/johndauphine/sms-backup-sync/internal/datatype"
	"github.com/johndauphine/sms-backup-sync/internal/syncerr"
)

// Phase is the step a run is in.
type Phase int

const (
	Initial Phase = iota
	Calculating
	LoggingIn
	BackingUp
	Restoring
	UpdatingDerived
	Error
	CanceledBackup
	CanceledRestore
	FinishedBackup
	FinishedRestore
)

var phaseNames = map[Phase]string{
	Initial:         "initial",
	Calculating:     "calculating",
	LoggingIn:       "logging_in",
	BackingUp:       "backing_up",
	Restoring:       "restoring",
	UpdatingDerived: "updating_derived",
	Error:           "error",
	CanceledBackup:  "canceled_backup",
	CanceledRestore: "canceled_restore",
	FinishedBackup:  "finished_backup",
	FinishedRestore: "finished_restore",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// MarshalText implements encoding.TextMarshaler so phases read well in JSON and YAML.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Running reports whether the phase belongs to an active run.
func (p Phase) Running() bool {
	switch p {
	case LoggingIn, Calculating, BackingUp, Restoring, UpdatingDerived:
		return true
	}
	return false
}

// RunKind tags what triggered a backup.
type RunKind int

const (
	Manual RunKind = iota
	Scheduled
	Incoming
)

func (k RunKind) String() string {
	switch k {
	case Scheduled:
		return "scheduled"
	case Incoming:
		return "incoming"
	default:
		return "manual"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k RunKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseRunKind parses "manual", "scheduled" or "incoming".
func ParseRunKind(s string) (RunKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "manual":
		return Manual, nil
	case "scheduled", "regular":
		return Scheduled, nil
	case "incoming":
		return Incoming, nil
	}
	return Manual, fmt.Errorf("unknown run kind %q (valid: manual, scheduled, incoming)", s)
}

// State is one immutable snapshot of a run. Transitions return new values.
type State struct {
	Phase Phase
	// Source is the data type being processed, None when not applicable.
	Source     datatype.Kind
	Current    int
	Total      int
	Restored   int
	Duplicates int
	RunKind    RunKind
	Err        error
}

// New returns the Initial state of a run.
func New(kind RunKind) State {
	return State{Phase: Initial, RunKind: kind}
}

// Transition returns the state in phase with cause attached. Counts, source and run
// kind carry over.
func (s State) Transition(phase Phase, cause error) State {
	s.Phase = phase
	s.Err = cause
	return s
}

// WithProgress returns s with updated counts and current source.
func (s State) WithProgress(current, total int, source datatype.Kind) State {
	s.Current = current
	s.Total = total
	s.Source = source
	return s
}

// WithRestoreCounts returns s with updated restore tallies.
func (s State) WithRestoreCounts(restored, duplicates int) State {
	s.Restored = restored
	s.Duplicates = duplicates
	return s
}

func (s State) IsInitial() bool { return s.Phase == Initial }

func (s State) IsRunning() bool { return s.Phase.Running() }

// IsFinished reports whether the run reached a terminal phase.
func (s State) IsFinished() bool { return !s.IsInitial() && !s.IsRunning() }

func (s State) IsError() bool { return s.Phase == Error }

func (s State) IsCanceled() bool {
	return s.Phase == CanceledBackup || s.Phase == CanceledRestore
}

// IsAuthError reports an authentication failure, including a missing login.
func (s State) IsAuthError() bool {
	return s.Err != nil && (syncerr.IsAuth(s.Err) || errors.Is(s.Err, syncerr.ErrLoginRequired))
}

func (s State) IsPermissionError() bool { return s.Err != nil && syncerr.IsPermission(s.Err) }

func (s State) IsConnectivityError() bool { return s.Err != nil && syncerr.IsConnectivity(s.Err) }

// Message returns the user facing text of the state's failure, or "".
func (s State) Message() string {
	if s.Err == nil {
		return ""
	}
	return syncerr.Message(s.Err)
}

func (s State) String() string {
	var b strings.Builder
	b.WriteString(s.Phase.String())
	if s.Source != datatype.None {
		fmt.Fprintf(&b, " %s", s.Source)
	}
	if s.Total > 0 || s.Current > 0 {
		fmt.Fprintf(&b, " %d/%d", s.Current, s.Total)
	}
	if s.Err != nil {
		fmt.Fprintf(&b, ": %v", s.Err)
	}
	return b.String()
}
