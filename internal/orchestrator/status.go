package orchestrator

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/johndauphine/sms-backup-sync/internal/checkpoint"
	"github.com/johndauphine/sms-backup-sync/internal/datatype"
	"github.com/johndauphine/sms-backup-sync/internal/watermark"
)

// RunReader reads the run history. checkpoint.Backend implements it.
type RunReader interface {
	GetLastIncompleteRun() (*checkpoint.Run, error)
	GetAllRuns(limit int) ([]checkpoint.Run, error)
	GetRunByID(id string) (*checkpoint.Run, error)
}

// KindStatus is the sync position of one data type.
type KindStatus struct {
	Kind      string `json:"kind"`
	Enabled   bool   `json:"enabled"`
	Watermark int64  `json:"watermark"`
}

// StatusReport summarizes what has been synced and the last run.
type StatusReport struct {
	Account  int          `json:"account"`
	Kinds    []KindStatus `json:"kinds"`
	LastSync int64        `json:"last_sync"`
	// Interrupted is a run that never completed, left by a killed process.
	Interrupted *checkpoint.Run `json:"interrupted,omitempty"`
	LastRun     *checkpoint.Run `json:"last_run,omitempty"`
}

// Status builds the status report of the orchestrator's account.
func (o *Orchestrator) Status(runs RunReader) (*StatusReport, error) {
	report := &StatusReport{
		Account:  o.opts.Account,
		LastSync: o.MostRecentGlobalSyncTimestamp(),
	}
	marks := o.opts.Watermarks.All(o.opts.Account)
	for _, k := range datatype.All {
		report.Kinds = append(report.Kinds, KindStatus{
			Kind:      k.String(),
			Enabled:   o.IsSourceEnabled(k),
			Watermark: marks[k],
		})
	}
	if runs == nil {
		return report, nil
	}

	incomplete, err := runs.GetLastIncompleteRun()
	if err != nil {
		return nil, fmt.Errorf("reading incomplete run: %w", err)
	}
	if incomplete != nil && !o.opts.Lock.Held() {
		report.Interrupted = incomplete
	}
	recent, err := runs.GetAllRuns(1)
	if err != nil {
		return nil, fmt.Errorf("reading run history: %w", err)
	}
	if len(recent) > 0 {
		report.LastRun = &recent[0]
	}
	return report, nil
}

// Print writes the report for a terminal.
func (r *StatusReport) Print(w io.Writer) {
	fmt.Fprintf(w, "Account:   %d\n", r.Account)
	fmt.Fprintf(w, "Last sync: %s\n\n", formatMillis(r.LastSync))
	fmt.Fprintf(w, "%-10s %-8s %s\n", "Type", "Backup", "Synced up to")
	fmt.Fprintln(w, strings.Repeat("-", 50))
	for _, k := range r.Kinds {
		enabled := "off"
		if k.Enabled {
			enabled = "on"
		}
		fmt.Fprintf(w, "%-10s %-8s %s\n", k.Kind, enabled, formatMillis(k.Watermark))
	}
	if r.Interrupted != nil {
		fmt.Fprintf(w, "\nRun %s (%s) was interrupted after starting %s.\n",
			r.Interrupted.ID, r.Interrupted.Direction, r.Interrupted.StartedAt.Format(time.RFC3339))
		fmt.Fprintln(w, "Run 'backup' again to continue from the saved watermarks.")
	}
	if r.LastRun != nil {
		fmt.Fprintf(w, "\nLast run: %s %s %s (%d/%d)\n",
			r.LastRun.ID, r.LastRun.Direction, r.LastRun.Status, r.LastRun.Synced, r.LastRun.Total)
	}
}

// ShowHistory writes the most recent runs, newest first.
func ShowHistory(w io.Writer, runs RunReader, limit int) error {
	list, err := runs.GetAllRuns(limit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No run history")
		return nil
	}

	fmt.Fprintf(w, "%-10s %-8s %-10s %-20s %-20s %-10s %s\n",
		"ID", "Dir", "Kind", "Started", "Completed", "Status", "Items")
	fmt.Fprintln(w, strings.Repeat("-", 96))
	for _, r := range list {
		completed := "-"
		if r.CompletedAt != nil {
			completed = r.CompletedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%-10s %-8s %-10s %-20s %-20s %-10s %d/%d\n",
			r.ID, r.Direction, r.RunKind, r.StartedAt.Format("2006-01-02 15:04:05"), completed, r.Status, r.Synced, r.Total)
		if r.Error != "" {
			fmt.Fprintf(w, "           Error: %s\n", r.Error)
		}
	}
	fmt.Fprintln(w, "\nUse 'history --run <ID>' to view a single run")
	return nil
}

// ShowRunDetails writes one run.
func ShowRunDetails(w io.Writer, runs RunReader, id string) error {
	run, err := runs.GetRunByID(id)
	if err != nil {
		return fmt.Errorf("getting run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run not found: %s", id)
	}

	fmt.Fprintf(w, "Run ID:     %s\n", run.ID)
	fmt.Fprintf(w, "Direction:  %s\n", run.Direction)
	fmt.Fprintf(w, "Run kind:   %s\n", run.RunKind)
	fmt.Fprintf(w, "Status:     %s\n", run.Status)
	if run.Error != "" {
		fmt.Fprintf(w, "Error:      %s\n", run.Error)
	}
	fmt.Fprintf(w, "Items:      %d/%d\n", run.Synced, run.Total)
	fmt.Fprintf(w, "Started:    %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	if run.CompletedAt != nil {
		fmt.Fprintf(w, "Completed:  %s\n", run.CompletedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "Duration:   %s\n", run.Duration().Round(time.Second))
	}
	if run.ConfigHash != "" {
		fmt.Fprintf(w, "Config:     %s\n", run.ConfigHash)
	}
	return nil
}

func formatMillis(ts int64) string {
	if ts == watermark.Never || ts <= 0 {
		return "never"
	}
	return time.UnixMilli(ts).Format("2006-01-02 15:04:05")
}
