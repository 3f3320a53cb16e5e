package notify

import (
	"time"

	"github.com/johndauphine/sms-backup-sync/internal/syncstate"
)

// Provider defines the notification contract for run events.
type Provider interface {
	// RunStarted sends notification when a backup or restore starts.
	RunStarted(direction string, kinds []string) error

	// BackupCompleted sends notification when a backup finishes.
	BackupCompleted(duration time.Duration, items int) error

	// RestoreCompleted sends notification when a restore finishes.
	RestoreCompleted(duration time.Duration, restored, duplicates int) error

	// RunFailed sends notification when a run ends in error.
	RunFailed(direction string, err error, duration time.Duration) error

	// RunCanceled sends notification when a run is canceled.
	RunCanceled(direction string, items, total int) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)

// Observer forwards terminal run states to a Provider.
type Observer struct {
	Provider Provider
	// OnError receives delivery failures; nil drops them.
	OnError func(error)

	started   time.Time
	direction string
}

// OnState implements syncstate.Observer. Delivery happens on the publishing
// goroutine, so Provider implementations should use short timeouts.
func (o *Observer) OnState(s syncstate.State) {
	switch s.Phase {
	case syncstate.Initial, syncstate.Calculating, syncstate.LoggingIn:
		if o.started.IsZero() {
			o.started = time.Now()
		}
		return
	case syncstate.BackingUp:
		o.direction = "backup"
		return
	case syncstate.Restoring, syncstate.UpdatingDerived:
		o.direction = "restore"
		return
	}

	var err error
	elapsed := time.Since(o.started)
	switch s.Phase {
	case syncstate.FinishedBackup:
		err = o.Provider.BackupCompleted(elapsed, s.Current)
	case syncstate.FinishedRestore:
		err = o.Provider.RestoreCompleted(elapsed, s.Restored, s.Duplicates)
	case syncstate.CanceledBackup:
		err = o.Provider.RunCanceled("backup", s.Current, s.Total)
	case syncstate.CanceledRestore:
		err = o.Provider.RunCanceled("restore", s.Current, s.Total)
	case syncstate.Error:
		dir := o.direction
		if dir == "" {
			dir = "run"
		}
		err = o.Provider.RunFailed(dir, s.Err, elapsed)
	}
	o.started = time.Time{}
	o.direction = ""
	if err != nil && o.OnError != nil {
		o.OnError(err)
	}
}
