package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/johndauphine/sms-backup-sync/internal/convert"
	"github.com/johndauphine/sms-backup-sync/internal/datatype"
	"github.com/johndauphine/sms-backup-sync/internal/logging"
	"github.com/johndauphine/sms-backup-sync/internal/source"
	"github.com/johndauphine/sms-backup-sync/internal/syncerr"
	"github.com/johndauphine/sms-backup-sync/internal/syncstate"
	"github.com/johndauphine/sms-backup-sync/internal/transfer"
)

type restoreSummary struct {
	Direction   string
	Kinds       string
	MaxItems    int
	StarredOnly bool
}

// restoreProgress survives the refresh-and-retry so the second attempt resumes
// where the first one stopped.
type restoreProgress struct {
	done        map[datatype.Kind]int
	restored    int
	duplicates  int
	skipped     int
	smsInserted bool
}

func (p *restoreProgress) current() int {
	n := 0
	for _, d := range p.done {
		n += d
	}
	return n
}

type restoreTarget struct {
	kind     datatype.Kind
	src      *source.Source
	writer   source.Writer
	messages []transfer.RemoteMessage
}

// Restore writes backed up messages of the remote folders back into the local
// record stores. Rows already present are counted as duplicates; no local row is
// ever deleted.
func (o *Orchestrator) Restore(ctx context.Context, cfg RestoreConfig) (st syncstate.State, err error) {
	if err := cfg.Validate(); err != nil {
		return o.CurrentState(), err
	}
	guard, err := o.begin("restore")
	if err != nil {
		return o.CurrentState(), err
	}
	defer guard.Release()

	id := o.recordRun("restore", cfg.RunKind, restoreSummary{
		Direction:   "restore",
		Kinds:       kindKeys(cfg.Kinds),
		MaxItems:    cfg.MaxItems,
		StarredOnly: cfg.StarredOnly,
	})
	logging.Info("Starting %s restore %s of %s", cfg.RunKind, id, kindKeys(cfg.Kinds))
	defer func() { o.completeRun(id, st) }()
	defer o.guardPanic("restore", &st, &err)

	prog := &restoreProgress{done: make(map[datatype.Kind]int)}
	st = o.publish(syncstate.New(cfg.RunKind))
	for {
		var attemptErr error
		st, attemptErr = o.restoreOnce(ctx, cfg, st, prog)
		if attemptErr == nil {
			logging.Info("Restore %s ended %s: %d restored, %d duplicate(s), %d skipped",
				id, st.Phase, prog.restored, prog.duplicates, prog.skipped)
			return st, st.Err
		}
		if syncerr.IsAuth(attemptErr) && cfg.Retry == 0 {
			if client, ok := o.refreshAndReconnect(ctx, attemptErr); ok {
				cfg = cfg.retryWith(client)
				continue
			}
		}
		return o.fail(st, syncstate.CanceledRestore, attemptErr)
	}
}

func (o *Orchestrator) restoreOnce(ctx context.Context, cfg RestoreConfig, st syncstate.State, prog *restoreProgress) (syncstate.State, error) {
	st = o.publish(st.Transition(syncstate.LoggingIn, nil))
	client, err := o.newClient(ctx, cfg.Client)
	if err != nil {
		return st, err
	}
	defer closeClient(client)

	var targets []restoreTarget
	total := 0
	for _, k := range cfg.Kinds {
		src, ok := o.opts.Fetcher.Source(k)
		if !ok {
			logging.Warn("No record store configured for %s, not restoring it", k)
			continue
		}
		w, ok := src.Store.(source.Writer)
		if !ok {
			logging.Warn("Record store of %s is read-only, not restoring it", k)
			continue
		}
		folder, err := client.Folder(ctx, k)
		if err != nil {
			return st, err
		}
		msgs, err := folder.Messages(ctx, cfg.MaxItems, cfg.StarredOnly)
		if err != nil {
			return st, err
		}
		logging.Debug("Folder %s holds %d message(s) to restore as %s", folder.Name(), len(msgs), k)
		targets = append(targets, restoreTarget{kind: k, src: src, writer: w, messages: msgs})
		total += len(msgs)
	}

	st = o.publish(st.WithProgress(prog.current(), total, datatype.None).
		WithRestoreCounts(prog.restored, prog.duplicates).
		Transition(syncstate.Restoring, nil))
	for _, t := range targets {
		for i := prog.done[t.kind]; i < len(t.messages); i++ {
			if o.cancelRequested(ctx) {
				logging.Info("Restore canceled after %d of %d item(s)", prog.current(), total)
				return o.publish(st.Transition(syncstate.CanceledRestore, syncerr.ErrCanceled)), nil
			}
			if err := o.restoreMessage(ctx, t, t.messages[i], prog); err != nil {
				return st, err
			}
			prog.done[t.kind] = i + 1
			st = o.publish(st.WithProgress(prog.current(), total, t.kind).
				WithRestoreCounts(prog.restored, prog.duplicates))
		}
	}

	if prog.smsInserted {
		st = o.publish(st.Transition(syncstate.UpdatingDerived, nil))
		for _, t := range targets {
			if t.kind != datatype.SMS {
				continue
			}
			if err := t.writer.RefreshThreads(ctx); err != nil {
				return st, fmt.Errorf("updating conversations: %w", err)
			}
		}
	}
	return o.publish(st.Transition(syncstate.FinishedRestore, nil)), nil
}

// restoreMessage inserts one remote message unless it is foreign, of another kind or
// already present locally.
func (o *Orchestrator) restoreMessage(ctx context.Context, t restoreTarget, m transfer.RemoteMessage, prog *restoreProgress) error {
	rec, err := convert.Parse(m.Body)
	if err != nil {
		if !errors.Is(err, convert.ErrNotBackup) {
			logging.Warn("Skipping unreadable message %d of %s: %v", m.SeqNum, t.kind, err)
		}
		prog.skipped++
		return nil
	}
	if rec.Kind != t.kind || !restorable(rec) {
		prog.skipped++
		return nil
	}

	exists, err := t.writer.Exists(ctx, t.src.Schema, rec)
	if err != nil {
		return err
	}
	if exists {
		prog.duplicates++
		return nil
	}
	if err := t.writer.Insert(ctx, t.src.Schema, rec); err != nil {
		return err
	}
	prog.restored++
	if rec.Kind == datatype.SMS {
		prog.smsInserted = true
	}
	o.advance(rec.Kind, rec.Timestamp)
	return nil
}

// restorable reports whether rec may be written back. Only received and sent SMS are
// restored; drafts and outbox entries are not.
func restorable(rec source.Record) bool {
	if rec.Kind != datatype.SMS {
		return true
	}
	return rec.Type == source.TypeInbox || rec.Type == source.TypeSent
}
