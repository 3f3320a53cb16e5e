package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	_ "github.com/johndauphine/sms-backup-sync/internal/driver/mssql"
	_ "github.com/johndauphine/sms-backup-sync/internal/driver/postgres"
	_ "github.com/johndauphine/sms-backup-sync/internal/driver/sqlite"
	"github.com/johndauphine/sms-backup-sync/internal/exitcodes"
	"github.com/johndauphine/sms-backup-sync/internal/logging"
	"github.com/johndauphine/sms-backup-sync/internal/syncerr"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "smsbackup",
		Usage:   "Back up SMS, MMS, call log and chat records to an IMAP mailbox and restore them",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "state-file",
				Usage: "Use YAML state file instead of SQLite (for hosts without a writable data dir)",
			},
			&cli.IntFlag{
				Name:  "account",
				Value: -1,
				Usage: "Account index (default: account from the config file)",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Output JSON result to stdout on completion (logs go to stderr)",
			},
			&cli.StringFlag{
				Name:  "output-file",
				Usage: "Write JSON result to file on completion",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return syncerr.Configuration("verbosity", err)
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}

			// Keep stdout clean for the JSON result
			if c.Bool("output-json") || c.String("output-file") != "" {
				logging.SetOutput(os.Stderr)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "backup",
				Usage:  "Back up new records to the mailbox",
				Action: runBackup,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "skip",
						Usage: "On the first run, mark all existing records as backed up without uploading",
					},
					&cli.IntFlag{
						Name:  "max",
						Usage: "Maximum items per data type (0 = no limit)",
					},
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Items per append batch (default from config)",
					},
					&cli.StringSliceFlag{
						Name:  "kind",
						Usage: "Data type to back up (sms, mms, calllog, whatsapp); repeatable",
					},
					&cli.StringFlag{
						Name:  "run-kind",
						Value: "manual",
						Usage: "What triggered the run: manual, scheduled or incoming",
					},
					&cli.Int64SliceFlag{
						Name:  "contact",
						Usage: "Only back up SMS of this contact id; repeatable (default from config)",
					},
					&cli.BoolFlag{
						Name:  "tui",
						Usage: "Show the interactive run monitor",
					},
				},
			},
			{
				Name:   "restore",
				Usage:  "Restore backed up messages into the local record stores",
				Action: runRestore,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "max",
						Usage: "Maximum messages per data type, newest first (0 = no limit)",
					},
					&cli.BoolFlag{
						Name:  "starred",
						Usage: "Only restore starred (flagged) messages",
					},
					&cli.StringSliceFlag{
						Name:  "kind",
						Usage: "Data type to restore (sms, calllog); repeatable",
					},
					&cli.StringFlag{
						Name:  "run-kind",
						Value: "manual",
						Usage: "What triggered the run: manual or scheduled",
					},
					&cli.BoolFlag{
						Name:  "tui",
						Usage: "Show the interactive run monitor",
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show sync positions and the last run",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output status as JSON",
					},
				},
			},
			{
				Name:  "history",
				Usage: "List runs, or view details of a specific run",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show details for a specific run ID",
					},
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "Number of runs to list",
					},
				},
				Action: showHistory,
			},
			{
				Name:   "reset",
				Usage:  "Forget all sync positions so the next backup starts from scratch",
				Action: resetWatermarks,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "yes",
						Aliases: []string{"y"},
						Usage:   "Do not ask for confirmation",
					},
				},
			},
			{
				Name:   "check",
				Usage:  "Check record stores, credentials and the mailbox",
				Action: runCheck,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output the result as JSON",
					},
				},
			},
			credentialsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", syncerr.Message(err))
		if logging.IsDebug() {
			fmt.Fprintf(os.Stderr, "       %v\n", err)
		}
		os.Exit(exitcodes.FromError(err))
	}
}

// signalContext returns a context for one run. The first SIGINT/SIGTERM calls
// requestCancel so the run stops at its next checkpoint; the second cancels the
// context.
func signalContext(requestCancel func()) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		fmt.Fprintln(os.Stderr, "\nInterrupted. Stopping after the current batch (interrupt again to abort)...")
		requestCancel()
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nAborting.")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
