package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/johndauphine/sms-backup-sync/internal/checkpoint"
	"github.com/johndauphine/sms-backup-sync/internal/config"
	"github.com/johndauphine/sms-backup-sync/internal/convert"
	"github.com/johndauphine/sms-backup-sync/internal/credential"
	"github.com/johndauphine/sms-backup-sync/internal/datatype"
	"github.com/johndauphine/sms-backup-sync/internal/events"
	"github.com/johndauphine/sms-backup-sync/internal/logging"
	"github.com/johndauphine/sms-backup-sync/internal/metrics"
	"github.com/johndauphine/sms-backup-sync/internal/notify"
	"github.com/johndauphine/sms-backup-sync/internal/orchestrator"
	"github.com/johndauphine/sms-backup-sync/internal/source"
	"github.com/johndauphine/sms-backup-sync/internal/syncerr"
	"github.com/johndauphine/sms-backup-sync/internal/transfer"
	"github.com/johndauphine/sms-backup-sync/internal/watermark"
)

// env holds everything a command needs. Fields are nil when the command did not
// ask for them.
type env struct {
	cfg     *config.Config
	account int
	state   checkpoint.Backend
	creds   *credential.Manager
	marks   *watermark.Registry
	stores  []*source.SQLStore
	orch    *orchestrator.Orchestrator
	metrics *metrics.Collector
	events  *events.Publisher
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	configPath := c.String("config")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, syncerr.Configf("configuration file not found: %s", configPath)
	}
	return config.Load(configPath)
}

// getStateFile returns the state file path, checking command-level flags first and
// then the config file.
func getStateFile(c *cli.Context, cfg *config.Config) string {
	for _, ctx := range c.Lineage() {
		if ctx == nil {
			continue
		}
		if sf := ctx.String("state-file"); sf != "" {
			return sf
		}
	}
	return cfg.State.File
}

// openState loads the config and opens the state backend and credential manager.
func openState(c *cli.Context) (*env, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, account: cfg.Account}
	if a := c.Int("account"); a >= 0 {
		e.account = a
	}

	if sf := getStateFile(c, cfg); sf != "" {
		if err := os.MkdirAll(filepath.Dir(sf), 0700); err != nil {
			return nil, fmt.Errorf("creating state dir: %w", err)
		}
		e.state, err = checkpoint.NewFileState(sf)
	} else {
		e.state, err = checkpoint.New(cfg.State.DataDir)
	}
	if err != nil {
		return nil, fmt.Errorf("opening state: %w", err)
	}
	if n, err := e.state.CleanupOldRuns(cfg.State.RetentionDays); err != nil {
		logging.Warn("Cleaning up run history: %v", err)
	} else if n > 0 {
		logging.Debug("Removed %d run(s) older than %d days", n, cfg.State.RetentionDays)
	}
	e.marks = watermark.New(e.state)

	opts := credential.Options{
		Account: e.account,
		Server:  cfg.CredentialServer(),
		OAuth:   cfg.OAuth2(),
	}
	if cfg.Broker.URL != "" {
		opts.Broker = credential.NewHTTPBroker(cfg.Broker.URL, cfg.Broker.APIKey)
	}
	e.creds, err = credential.NewManager(e.state, opts)
	if err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// openEngine opens the state plus the record stores and builds the orchestrator
// with its observers.
func openEngine(c *cli.Context) (*env, error) {
	e, err := openState(c)
	if err != nil {
		return nil, err
	}
	cfg := e.cfg

	opened := make(map[string]*source.SQLStore)
	var sources []*source.Source
	for _, k := range datatype.All {
		name := cfg.StoreName(k)
		if name == "" {
			continue
		}
		st, ok := opened[name]
		if !ok {
			sc := cfg.Stores[name]
			st, err = source.OpenSQLStore(sc.Type, sc.Conn(), sc.AfterRestore)
			if err != nil {
				e.Close()
				return nil, fmt.Errorf("opening store %s: %w", name, err)
			}
			st.SetLabel(name)
			opened[name] = st
			e.stores = append(e.stores, st)
		}
		sources = append(sources, &source.Source{Kind: k, Store: st, Enabled: cfg.BackupEnabled(k)})
	}

	userEmail := cfg.Backup.UserEmail
	if userEmail == "" {
		userEmail = e.creds.Current().Username
	}
	e.orch, err = orchestrator.New(orchestrator.Options{
		Account:    e.account,
		Fetcher:    source.NewFetcher(source.NewPlanner(e.marks, e.account), sources...),
		Watermarks: e.marks,
		Converter: convert.New(convert.Options{
			UserEmail:     userEmail,
			Reference:     cfg.Backup.Reference,
			SubjectPrefix: cfg.Backup.SubjectPrefix,
			MarkRead:      cfg.ReadMarking(),
		}),
		Credentials: e.creds,
		Clients: &transfer.IMAPFactory{
			Credentials: e.creds,
			Options: transfer.IMAPOptions{
				Folders:     cfg.Folders(),
				SkipVerify:  cfg.Server.SkipVerify,
				DialTimeout: cfg.DialTimeout(),
			},
		},
		History: e.state,
	})
	if err != nil {
		e.Close()
		return nil, err
	}

	if cfg.Slack.Enabled {
		slack := notify.New(&cfg.Slack)
		e.orch.Subscribe(&notify.Observer{
			Provider: slack,
			OnError:  func(err error) { logging.Warn("Slack notification failed: %v", err) },
		})
	}
	if cfg.Metrics.Enabled {
		e.metrics = metrics.New()
		e.orch.Subscribe(e.metrics)
	}
	if cfg.NATS.Enabled {
		pub, err := events.Connect(cfg.NATS.URL, cfg.NATS.Subject, e.account)
		if err != nil {
			logging.Warn("State events disabled: %v", err)
		} else {
			e.events = pub
			e.orch.Subscribe(pub)
		}
	}
	return e, nil
}

// flushMetrics writes the textfile after a run.
func (e *env) flushMetrics() {
	if e.metrics == nil {
		return
	}
	e.metrics.SetWatermarks(e.marks.All(e.account))
	if err := e.metrics.WriteTextfile(e.cfg.Metrics.Textfile); err != nil {
		logging.Warn("Writing metrics: %v", err)
	}
}

func (e *env) Close() {
	if e.events != nil {
		e.events.Close()
	}
	for _, s := range e.stores {
		logging.Debug("Closing store, pool %s", s.PoolStats())
		s.Close()
	}
	if e.state != nil {
		e.state.Close()
	}
}
