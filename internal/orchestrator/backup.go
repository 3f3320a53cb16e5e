package orchestrator

import (
	"context"
	"errors"

	"github.com/johndauphine/sms-backup-sync/internal/datatype"
	"github.com/johndauphine/sms-backup-sync/internal/logging"
	"github.com/johndauphine/sms-backup-sync/internal/source"
	"github.com/johndauphine/sms-backup-sync/internal/syncerr"
	"github.com/johndauphine/sms-backup-sync/internal/syncstate"
	"github.com/johndauphine/sms-backup-sync/internal/transfer"
	"github.com/johndauphine/sms-backup-sync/internal/watermark"
)

// backupSummary is the part of a RunConfig recorded with the run.
type backupSummary struct {
	Direction string
	Kinds     string
	BatchSize int
	MaxItems  int
	Skip      bool
	Contacts  string
}

// backupProgress survives the refresh-and-retry. Batches appended by an earlier
// attempt are behind the watermarks, so the retry only fetches the remainder.
type backupProgress struct {
	synced int
}

// Backup copies every record newer than its kind's watermark to the remote mailbox.
// It returns the terminal state of the run; the error is the state's cause, or
// ErrRunInProgress when another run holds the lock (no state is published then).
func (o *Orchestrator) Backup(ctx context.Context, cfg RunConfig) (st syncstate.State, err error) {
	if err := cfg.Validate(); err != nil {
		return o.CurrentState(), err
	}
	if cfg.Skip && !o.opts.Watermarks.IsFirstRunEver(o.opts.Account) {
		return o.CurrentState(), syncerr.Configf("skip is only allowed before the first backup")
	}

	guard, err := o.begin("backup")
	if err != nil {
		return o.CurrentState(), err
	}
	defer guard.Release()

	id := o.recordRun("backup", cfg.RunKind, backupSummary{
		Direction: "backup",
		Kinds:     kindKeys(cfg.Kinds),
		BatchSize: cfg.batchSize(),
		MaxItems:  cfg.MaxItems,
		Skip:      cfg.Skip,
		Contacts:  cfg.Contacts.String(),
	})
	logging.Info("Starting %s backup %s of %s", cfg.RunKind, id, kindKeys(cfg.Kinds))
	defer func() { o.completeRun(id, st) }()
	defer o.guardPanic("backup", &st, &err)

	prog := &backupProgress{}
	st = o.publish(syncstate.New(cfg.RunKind))
	for {
		var attemptErr error
		st, attemptErr = o.backupOnce(ctx, cfg, st, prog)
		if attemptErr == nil {
			logging.Info("Backup %s ended %s (%d/%d)", id, st.Phase, st.Current, st.Total)
			return st, st.Err
		}
		if syncerr.IsAuth(attemptErr) && cfg.Retry == 0 {
			if client, ok := o.refreshAndReconnect(ctx, attemptErr); ok {
				cfg = cfg.retryWith(client)
				continue
			}
		}
		return o.fail(st, syncstate.CanceledBackup, attemptErr)
	}
}

// backupOnce is one attempt, from Calculating to a terminal phase. A non-nil error
// means the attempt failed and no terminal state was published.
func (o *Orchestrator) backupOnce(ctx context.Context, cfg RunConfig, st syncstate.State, prog *backupProgress) (syncstate.State, error) {
	st = o.publish(st.WithProgress(prog.synced, prog.synced, datatype.None).Transition(syncstate.Calculating, nil))

	if cfg.Skip {
		now := o.opts.Now().UnixMilli()
		for _, k := range cfg.Kinds {
			o.advance(k, now)
		}
		logging.Info("Skipped first backup, all data types marked as synced")
		return o.publish(st.Transition(syncstate.FinishedBackup, nil)), nil
	}

	mc := source.NewMultiCursor()
	defer func() {
		if err := mc.Close(); err != nil {
			logging.Debug("Closing cursors: %v", err)
		}
	}()
	mostRecent := make(map[datatype.Kind]int64, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		if !o.opts.Fetcher.Enabled(k) {
			mc.Add(k, source.Empty(k))
			continue
		}
		filter := source.Everyone()
		if k == datatype.SMS {
			filter = cfg.Contacts
		}
		mostRecent[k] = o.opts.Fetcher.MostRecentTimestamp(ctx, k)
		mc.Add(k, o.opts.Fetcher.Fetch(ctx, k, filter, cfg.MaxItems))
	}
	if o.cancelRequested(ctx) {
		return o.publish(st.Transition(syncstate.CanceledBackup, syncerr.ErrCanceled)), nil
	}

	pending := mc.Count()
	logging.Debug("Pending items: %d (retry %d)", pending, cfg.Retry)
	if pending == 0 {
		// an empty store still leaves a row, so the run counts as the first backup
		for k, ts := range mostRecent {
			if ts == source.Unavailable {
				ts = watermark.Never
			}
			o.advance(k, ts)
		}
		return o.publish(st.Transition(syncstate.FinishedBackup, nil)), nil
	}

	current := prog.synced
	total := current + pending
	st = o.publish(st.WithProgress(current, total, datatype.None).Transition(syncstate.LoggingIn, nil))
	client, err := o.newClient(ctx, cfg.Client)
	if err != nil {
		return st, err
	}
	defer closeClient(client)
	if err := client.CheckReachable(ctx); err != nil {
		return st, err
	}

	st = o.publish(st.Transition(syncstate.BackingUp, nil))
	folders := make(map[datatype.Kind]transfer.Folder)
	for mc.HasNext() {
		if o.cancelRequested(ctx) {
			logging.Info("Backup canceled after %d of %d item(s)", current, total)
			return o.publish(st.Transition(syncstate.CanceledBackup, syncerr.ErrCanceled)), nil
		}
		item, err := mc.Next()
		if errors.Is(err, source.ErrExhausted) {
			break
		}

		folder, ok := folders[item.Kind]
		if !ok {
			if folder, err = client.Folder(ctx, item.Kind); err != nil {
				return st, err
			}
			folders[item.Kind] = folder
		}

		res, err := o.opts.Converter.Convert(item.Cursor, item.Kind, cfg.batchSize())
		if err != nil {
			return st, err
		}
		if len(res.Messages) > 0 {
			if err := folder.Append(ctx, res.Messages); err != nil {
				return st, err
			}
		}
		if res.MaxDate >= 0 {
			o.advance(item.Kind, res.MaxDate)
		}
		current += res.Rows
		prog.synced = current
		st = o.publish(st.WithProgress(current, total, item.Kind))
	}
	return o.publish(st.Transition(syncstate.FinishedBackup, nil)), nil
}
