// Package orchestrator runs backups and restores: it owns the run lock, drives the
// sync state machine and performs the single credential refresh-and-retry.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/johndauphine/sms-backup-sync/internal/checkpoint"
	"github.com/johndauphine/sms-backup-sync/internal/convert"
	"github.com/johndauphine/sms-backup-sync/internal/datatype"
	"github.com/johndauphine/sms-backup-sync/internal/logging"
	"github.com/johndauphine/sms-backup-sync/internal/source"
	"github.com/johndauphine/sms-backup-sync/internal/syncerr"
	"github.com/johndauphine/sms-backup-sync/internal/syncstate"
	"github.com/johndauphine/sms-backup-sync/internal/transfer"
	"github.com/johndauphine/sms-backup-sync/internal/watermark"
)

// Refresher renews the stored credential. *credential.Manager implements it.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// History records runs. checkpoint.Backend implements it.
type History interface {
	CreateRun(run checkpoint.Run, config any) error
	CompleteRun(id, status string, synced, total int, errorMsg string) error
}

// Options wire an Orchestrator to its collaborators.
type Options struct {
	Account     int
	Fetcher     *source.Fetcher
	Watermarks  *watermark.Registry
	Converter   *convert.Converter
	Credentials Refresher
	Clients     transfer.Factory
	// History is optional.
	History History
	// Lock defaults to the process-wide run lock.
	Lock *Lock
	Now  func() time.Time
}

// Orchestrator coordinates backup and restore runs.
type Orchestrator struct {
	opts     Options
	states   *syncstate.Broadcaster
	canceled atomic.Bool
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Fetcher == nil:
		return nil, fmt.Errorf("orchestrator: fetcher is required")
	case opts.Watermarks == nil:
		return nil, fmt.Errorf("orchestrator: watermark registry is required")
	case opts.Converter == nil:
		return nil, fmt.Errorf("orchestrator: converter is required")
	case opts.Clients == nil:
		return nil, fmt.Errorf("orchestrator: transfer client factory is required")
	}
	if opts.Lock == nil {
		opts.Lock = processLock
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{opts: opts, states: syncstate.NewBroadcaster()}, nil
}

// Subscribe registers o for every state transition.
func (o *Orchestrator) Subscribe(obs syncstate.Observer) { o.states.Subscribe(obs) }

// Unsubscribe removes a registered observer.
func (o *Orchestrator) Unsubscribe(obs syncstate.Observer) { o.states.Unsubscribe(obs) }

// CurrentState returns the last published state.
func (o *Orchestrator) CurrentState() syncstate.State { return o.states.Current() }

// RequestCancel asks the active run to stop at the next batch boundary.
func (o *Orchestrator) RequestCancel() {
	if o.canceled.CompareAndSwap(false, true) {
		logging.Info("Cancellation requested, stopping after the current batch")
	}
}

// IsSourceEnabled reports whether kind takes part in backups.
func (o *Orchestrator) IsSourceEnabled(kind datatype.Kind) bool {
	return o.opts.Fetcher.Enabled(kind)
}

// MostRecentGlobalSyncTimestamp returns the newest watermark over all kinds, or
// watermark.Never.
func (o *Orchestrator) MostRecentGlobalSyncTimestamp() int64 {
	return o.opts.Watermarks.MostRecent(o.opts.Account)
}

func (o *Orchestrator) publish(s syncstate.State) syncstate.State {
	o.states.Publish(s)
	return s
}

func (o *Orchestrator) cancelRequested(ctx context.Context) bool {
	return o.canceled.Load() || ctx.Err() != nil
}

func (o *Orchestrator) advance(kind datatype.Kind, ts int64) {
	if !o.opts.Watermarks.Advance(kind, o.opts.Account, ts) {
		logging.Warn("Could not persist %s watermark %d", kind, ts)
	}
}

// newClient returns the client of the attempt: the configured one or a fresh one.
func (o *Orchestrator) newClient(ctx context.Context, configured transfer.Client) (transfer.Client, error) {
	if configured != nil {
		return configured, nil
	}
	return o.opts.Clients.NewClient(ctx)
}

func closeClient(c transfer.Client) {
	if err := c.CloseAll(); err != nil {
		logging.Warn("Closing transfer client: %v", err)
	}
}

// refreshAndReconnect performs the single refresh permitted per run and returns the
// client of the retry.
func (o *Orchestrator) refreshAndReconnect(ctx context.Context, cause error) (transfer.Client, bool) {
	if o.opts.Credentials == nil {
		return nil, false
	}
	logging.Warn("Authentication failed (%v), refreshing credentials and retrying once", cause)
	if err := o.opts.Credentials.Refresh(ctx); err != nil {
		logging.Error("Credential refresh failed: %v", err)
		return nil, false
	}
	client, err := o.opts.Clients.NewClient(ctx)
	if err != nil {
		logging.Error("Creating transfer client after refresh: %v", err)
		return nil, false
	}
	return client, true
}

// fail ends a run. Canceled causes end in the canceled phase of the direction.
func (o *Orchestrator) fail(st syncstate.State, canceled syncstate.Phase, err error) (syncstate.State, error) {
	if syncerr.IsCanceled(err) {
		return o.publish(st.Transition(canceled, syncerr.ErrCanceled)), syncerr.ErrCanceled
	}
	logging.Error("%s run failed: %v", st.RunKind, err)
	return o.publish(st.Transition(syncstate.Error, err)), err
}

// begin takes the run lock and resets per-run flags.
func (o *Orchestrator) begin(direction string) (*Guard, error) {
	guard, ok := o.opts.Lock.TryAcquire(direction)
	if !ok {
		logging.Warn("Not starting %s: %s run is active", direction, o.opts.Lock.Owner())
		return nil, ErrRunInProgress
	}
	o.canceled.Store(false)
	return guard, nil
}

// recordRun opens a run history entry and returns its ID.
func (o *Orchestrator) recordRun(direction string, kind syncstate.RunKind, summary any) string {
	id := uuid.New().String()[:8]
	if o.opts.History == nil {
		return id
	}
	err := o.opts.History.CreateRun(checkpoint.Run{
		ID:        id,
		Direction: direction,
		RunKind:   kind.String(),
		Status:    checkpoint.StatusRunning,
		StartedAt: o.opts.Now(),
	}, summary)
	if err != nil {
		logging.Warn("Recording %s run %s: %v", direction, id, err)
	}
	return id
}

func (o *Orchestrator) completeRun(id string, st syncstate.State) {
	if o.opts.History == nil {
		return
	}
	status := checkpoint.StatusFinished
	errMsg := ""
	switch {
	case st.IsCanceled():
		status = checkpoint.StatusCanceled
	case st.IsError():
		status = checkpoint.StatusFailed
		if st.Err != nil {
			errMsg = st.Err.Error()
		}
	}
	if err := o.opts.History.CompleteRun(id, status, st.Current, st.Total, errMsg); err != nil {
		logging.Warn("Completing run %s: %v", id, err)
	}
}

// guardPanic turns a panic of the run into an Error state. It must be deferred.
func (o *Orchestrator) guardPanic(direction string, st *syncstate.State, err *error) {
	p := recover()
	if p == nil {
		return
	}
	cause := fmt.Errorf("%s panicked: %v", direction, p)
	logging.Error("%v", cause)
	*st = o.publish(o.states.Current().Transition(syncstate.Error, cause))
	*err = cause
}

func kindKeys(kinds []datatype.Kind) string {
	keys := make([]string, len(kinds))
	for i, k := range kinds {
		keys[i] = k.String()
	}
	return strings.Join(keys, ",")
}
