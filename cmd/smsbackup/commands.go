package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/johndauphine/sms-backup-sync/internal/datatype"
	"github.com/johndauphine/sms-backup-sync/internal/exitcodes"
	"github.com/johndauphine/sms-backup-sync/internal/orchestrator"
	"github.com/johndauphine/sms-backup-sync/internal/progress"
	"github.com/johndauphine/sms-backup-sync/internal/source"
	"github.com/johndauphine/sms-backup-sync/internal/syncerr"
	"github.com/johndauphine/sms-backup-sync/internal/syncstate"
	"github.com/johndauphine/sms-backup-sync/internal/tui"
)

// RunResult is the JSON summary written by --output-json and --output-file.
type RunResult struct {
	Direction  string   `json:"direction"`
	Account    int      `json:"account"`
	RunKind    string   `json:"run_kind"`
	Kinds      []string `json:"kinds"`
	Phase      string   `json:"phase"`
	Items      int      `json:"items"`
	Total      int      `json:"total"`
	Restored   int      `json:"restored,omitempty"`
	Duplicates int      `json:"duplicates,omitempty"`
	StartedAt  string   `json:"started_at"`
	DurationMs int64    `json:"duration_ms"`
	ExitCode   int      `json:"exit_code"`
	Error      string   `json:"error,omitempty"`
}

func newRunResult(direction string, account int, kinds []datatype.Kind, started time.Time, st syncstate.State, err error) *RunResult {
	r := &RunResult{
		Direction:  direction,
		Account:    account,
		RunKind:    st.RunKind.String(),
		Phase:      st.Phase.String(),
		Items:      st.Current,
		Total:      st.Total,
		Restored:   st.Restored,
		Duplicates: st.Duplicates,
		StartedAt:  started.UTC().Format(time.RFC3339),
		DurationMs: time.Since(started).Milliseconds(),
		ExitCode:   exitcodes.FromError(err),
	}
	for _, k := range kinds {
		r.Kinds = append(r.Kinds, k.String())
	}
	if err != nil {
		r.Error = syncerr.Message(err)
	}
	return r
}

// outputJSON writes the run result as JSON to stdout and/or a file
func outputJSON(c *cli.Context, result any) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if c.Bool("output-json") {
		fmt.Println(string(data))
	}
	if outputFile := c.String("output-file"); outputFile != "" {
		if err := os.WriteFile(outputFile, data, 0600); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
	}
	return nil
}

func wantsJSON(c *cli.Context) bool {
	return c.Bool("output-json") || c.String("output-file") != ""
}

// parseKinds returns the kinds named by --kind, or fallback when none were given.
func parseKinds(c *cli.Context, fallback []datatype.Kind) ([]datatype.Kind, error) {
	names := c.StringSlice("kind")
	if len(names) == 0 {
		return fallback, nil
	}
	var split []string
	for _, n := range names {
		split = append(split, strings.Split(n, ",")...)
	}
	kinds, err := datatype.ParseList(split)
	if err != nil {
		return nil, syncerr.Configuration("--kind", err)
	}
	return kinds, nil
}

// attachProgress subscribes the terminal or JSON progress observer. The returned
// function unsubscribes it.
func attachProgress(c *cli.Context, e *env) func() {
	var obs syncstate.Observer
	switch {
	case wantsJSON(c):
		obs = &progress.StateObserver{Reporter: progress.NewJSONReporter(os.Stderr, 2*time.Second)}
	case term.IsTerminal(int(os.Stderr.Fd())):
		obs = progress.New()
	default:
		return func() {}
	}
	e.orch.Subscribe(obs)
	return func() { e.orch.Unsubscribe(obs) }
}

// execute runs fn either under the TUI monitor or with signal handling and
// progress output.
func execute(c *cli.Context, e *env, title string, fn tui.RunFunc) (syncstate.State, error) {
	if c.Bool("tui") {
		bridge := tui.NewBridge()
		e.orch.Subscribe(bridge)
		defer e.orch.Unsubscribe(bridge)
		return tui.Start(context.Background(), tui.Options{
			Title:   title,
			Account: e.account,
			Run:     fn,
			Cancel:  e.orch.RequestCancel,
		}, bridge)
	}

	detach := attachProgress(c, e)
	defer detach()
	ctx, stop := signalContext(e.orch.RequestCancel)
	defer stop()
	return fn(ctx)
}

func runBackup(c *cli.Context) error {
	e, err := openEngine(c)
	if err != nil {
		return err
	}
	defer e.Close()

	kinds, err := parseKinds(c, e.cfg.BackupKinds())
	if err != nil {
		return err
	}
	runKind, err := syncstate.ParseRunKind(c.String("run-kind"))
	if err != nil {
		return syncerr.Configuration("--run-kind", err)
	}
	rc := orchestrator.RunConfig{
		Skip:      c.Bool("skip"),
		BatchSize: e.cfg.Backup.BatchSize,
		MaxItems:  e.cfg.Backup.MaxItems,
		Contacts:  source.Only(e.cfg.Backup.Contacts...),
		RunKind:   runKind,
		Kinds:     kinds,
	}
	if c.IsSet("batch-size") {
		rc.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("max") {
		rc.MaxItems = c.Int("max")
	}
	if ids := c.Int64Slice("contact"); len(ids) > 0 {
		rc.Contacts = source.Only(ids...)
	}

	started := time.Now()
	st, runErr := execute(c, e, "SMS Backup", func(ctx context.Context) (syncstate.State, error) {
		return e.orch.Backup(ctx, rc)
	})
	e.flushMetrics()

	if wantsJSON(c) {
		if err := outputJSON(c, newRunResult("backup", e.account, kinds, started, st, runErr)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
		}
	}
	return runErr
}

func runRestore(c *cli.Context) error {
	e, err := openEngine(c)
	if err != nil {
		return err
	}
	defer e.Close()

	kinds, err := parseKinds(c, e.cfg.RestoreKinds())
	if err != nil {
		return err
	}
	runKind, err := syncstate.ParseRunKind(c.String("run-kind"))
	if err != nil {
		return syncerr.Configuration("--run-kind", err)
	}
	rc := orchestrator.RestoreConfig{
		MaxItems:    e.cfg.Restore.MaxItems,
		StarredOnly: e.cfg.Restore.StarredOnly || c.Bool("starred"),
		RunKind:     runKind,
		Kinds:       kinds,
	}
	if c.IsSet("max") {
		rc.MaxItems = c.Int("max")
	}

	started := time.Now()
	st, runErr := execute(c, e, "SMS Restore", func(ctx context.Context) (syncstate.State, error) {
		return e.orch.Restore(ctx, rc)
	})
	e.flushMetrics()

	if wantsJSON(c) {
		if err := outputJSON(c, newRunResult("restore", e.account, kinds, started, st, runErr)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
		}
	}
	return runErr
}

func showStatus(c *cli.Context) error {
	e, err := openEngine(c)
	if err != nil {
		return err
	}
	defer e.Close()

	report, err := e.orch.Status(e.state)
	if err != nil {
		return err
	}
	if c.Bool("json") {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}
	report.Print(os.Stdout)
	return nil
}

func showHistory(c *cli.Context) error {
	e, err := openState(c)
	if err != nil {
		return err
	}
	defer e.Close()

	if runID := c.String("run"); runID != "" {
		return orchestrator.ShowRunDetails(os.Stdout, e.state, runID)
	}
	return orchestrator.ShowHistory(os.Stdout, e.state, c.Int("limit"))
}

func resetWatermarks(c *cli.Context) error {
	e, err := openState(c)
	if err != nil {
		return err
	}
	defer e.Close()

	if !c.Bool("yes") {
		ok, err := confirm("Forget the sync positions of every data type? The next backup uploads everything again. [y/N] ")
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted")
			return nil
		}
	}
	if err := e.marks.Reset(); err != nil {
		return fmt.Errorf("resetting watermarks: %w", err)
	}
	fmt.Println("Sync positions cleared")
	return nil
}

func runCheck(c *cli.Context) error {
	e, err := openEngine(c)
	if err != nil {
		return err
	}
	defer e.Close()

	kinds := e.cfg.BackupKinds()
	for _, k := range e.cfg.RestoreKinds() {
		if !containsKind(kinds, k) {
			kinds = append(kinds, k)
		}
	}

	result := e.orch.HealthCheck(context.Background(), kinds)
	if c.Bool("json") {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		printHealth(result)
	}
	if !result.Healthy {
		return exitcodes.NewExitError(fmt.Errorf("health check failed"), healthExitCode(result))
	}
	return nil
}

func healthExitCode(r *orchestrator.HealthCheckResult) int {
	for _, f := range r.Folders {
		if !f.Valid {
			return exitcodes.ConfigError
		}
	}
	for _, s := range r.Stores {
		if s.Enabled && !s.Connected {
			return exitcodes.PermissionError
		}
	}
	if r.CredentialState == "no_credential" {
		return exitcodes.AuthError
	}
	return exitcodes.ConnectionError
}

func printHealth(r *orchestrator.HealthCheckResult) {
	mark := func(ok bool) string {
		if ok {
			return "OK"
		}
		return "FAIL"
	}
	fmt.Printf("Credential: %s\n", r.CredentialState)
	fmt.Printf("Mailbox:    %-4s (%dms)", mark(r.RemoteConnected), r.RemoteLatencyMs)
	if r.RemoteError != "" {
		fmt.Printf("  %s", r.RemoteError)
	}
	fmt.Println()
	for _, s := range r.Stores {
		status := mark(s.Connected)
		if !s.Enabled {
			status = "off"
		}
		fmt.Printf("Store %-9s %-4s (%dms) %s\n", s.Kind+":", status, s.LatencyMs, s.Error)
	}
	for _, f := range r.Folders {
		fmt.Printf("Folder %-8s %-4s %q %s\n", f.Kind+":", mark(f.Valid), f.Folder, f.Error)
	}
	if r.Healthy {
		fmt.Println("\nAll checks passed")
	}
}

func containsKind(kinds []datatype.Kind, k datatype.Kind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

func confirm(prompt string) (bool, error) {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return false, nil
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
