package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"

	"github.com/johndauphine/sms-backup-sync/internal/convert"
	"github.com/johndauphine/sms-backup-sync/internal/credential"
	"github.com/johndauphine/sms-backup-sync/internal/datatype"
	"github.com/johndauphine/sms-backup-sync/internal/driver"
	"github.com/johndauphine/sms-backup-sync/internal/syncerr"
)

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration of the sync tool
type Config struct {
	Account int                     `yaml:"account"`
	Server  ServerConfig            `yaml:"server"`
	OAuth   OAuthConfig             `yaml:"oauth"`
	Broker  BrokerConfig            `yaml:"broker"`
	Stores  map[string]StoreConfig  `yaml:"stores"`
	Sources map[string]SourceConfig `yaml:"sources"`
	Backup  BackupConfig            `yaml:"backup"`
	Restore RestoreConfig           `yaml:"restore"`
	State   StateConfig             `yaml:"state"`
	Slack   SlackConfig             `yaml:"slack"`
	Metrics MetricsConfig           `yaml:"metrics"`
	NATS    NATSConfig              `yaml:"nats"`
}

// ServerConfig describes the remote IMAP mailbox.
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Security    string `yaml:"security"` // tls (default), starttls, none
	SkipVerify  bool   `yaml:"skip_verify"`
	DialTimeout int    `yaml:"dial_timeout_seconds"`
}

// OAuthConfig enables the refresh-token exchange for token credentials.
type OAuthConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
}

// BrokerConfig points at an HTTP token broker that mints access tokens.
type BrokerConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// StoreConfig holds the connection settings of one record store.
type StoreConfig struct {
	Type            string `yaml:"type"` // sqlite (default), postgres, mssql
	Path            string `yaml:"path"`
	DSN             string `yaml:"dsn"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	SSLMode         string `yaml:"ssl_mode"`
	Encrypt         *bool  `yaml:"encrypt"`
	TrustServerCert bool   `yaml:"trust_server_cert"`
	MaxConns        int    `yaml:"max_connections"`
	// AfterRestore statements run once after restored messages were inserted.
	AfterRestore []string `yaml:"after_restore"`
}

// SourceConfig binds one data type to a record store.
type SourceConfig struct {
	Store   string `yaml:"store"`
	Backup  *bool  `yaml:"backup"`
	Restore *bool  `yaml:"restore"`
	Folder  string `yaml:"folder"`
}

// BackupConfig holds backup behavior settings
type BackupConfig struct {
	BatchSize     int     `yaml:"batch_size"`
	MaxItems      int     `yaml:"max_items"`
	Contacts      []int64 `yaml:"contacts"` // empty means everyone
	UserEmail     string  `yaml:"user_email"`
	Reference     string  `yaml:"reference"`
	SubjectPrefix bool    `yaml:"subject_prefix"`
	MarkRead      string  `yaml:"mark_read"` // status (default), read, unread
}

// RestoreConfig holds restore behavior settings
type RestoreConfig struct {
	MaxItems    int  `yaml:"max_items"`
	StarredOnly bool `yaml:"starred_only"`
}

// StateConfig selects where watermarks, history and credentials are kept.
type StateConfig struct {
	DataDir       string `yaml:"data_dir"`
	File          string `yaml:"file"` // YAML state file instead of SQLite
	RetentionDays int    `yaml:"history_retention_days"`
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// MetricsConfig enables the Prometheus textfile export.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Textfile string `yaml:"textfile"`
}

// NATSConfig enables publishing state transitions to NATS.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	// Check file permissions before reading (warns if insecure)
	if warning := checkFilePermissions(path); warning != "" && !opts.SuppressWarnings {
		fmt.Fprint(os.Stderr, warning)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, syncerr.Configuration("reading config file", err)
	}

	return LoadBytes(data)
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, syncerr.Configuration("parsing config", err)
	}

	if err := cfg.expandSecrets(); err != nil {
		return nil, syncerr.Configuration("expanding secrets", err)
	}

	if err := cfg.normalizeSources(); err != nil {
		return nil, syncerr.Configuration("invalid config", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, syncerr.Configuration("invalid config", err)
	}

	return &cfg, nil
}

var templatePattern = regexp.MustCompile(`\$\{(?:(file|env):)?([^}]*)\}`)

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// expandTemplateValue resolves ${file:path}, ${env:NAME} and ${NAME} references.
// File contents are trimmed. Malformed references are kept literally.
func expandTemplateValue(value string) (string, error) {
	if !strings.Contains(value, "${") {
		return value, nil
	}
	var firstErr error
	out := templatePattern.ReplaceAllStringFunc(value, func(m string) string {
		parts := templatePattern.FindStringSubmatch(m)
		kind, arg := parts[1], parts[2]
		switch kind {
		case "file":
			if arg == "" {
				return m
			}
			data, err := os.ReadFile(expandTilde(arg))
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("reading secret file: %w", err)
				}
				return ""
			}
			return strings.TrimSpace(string(data))
		default:
			if !envNamePattern.MatchString(arg) {
				return m
			}
			return os.Getenv(arg)
		}
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// expandSecrets resolves templates in every field that may carry a secret or host.
func (c *Config) expandSecrets() error {
	fields := []*string{
		&c.Server.Host,
		&c.OAuth.ClientID, &c.OAuth.ClientSecret, &c.OAuth.TokenURL, &c.OAuth.AuthURL,
		&c.Broker.URL, &c.Broker.APIKey,
		&c.Backup.UserEmail,
		&c.State.DataDir, &c.State.File,
		&c.Slack.WebhookURL,
		&c.Metrics.Textfile,
		&c.NATS.URL,
	}
	for _, f := range fields {
		v, err := expandTemplateValue(*f)
		if err != nil {
			return err
		}
		*f = v
	}
	for name, s := range c.Stores {
		for _, f := range []*string{&s.Path, &s.DSN, &s.Host, &s.Database, &s.User, &s.Password} {
			v, err := expandTemplateValue(*f)
			if err != nil {
				return fmt.Errorf("store %s: %w", name, err)
			}
			*f = v
		}
		c.Stores[name] = s
	}
	return nil
}

// normalizeSources re-keys sources by canonical data type key, so "call_log" and
// "calllog" address the same entry.
func (c *Config) normalizeSources() error {
	if len(c.Sources) == 0 {
		return nil
	}
	out := make(map[string]SourceConfig, len(c.Sources))
	for key, src := range c.Sources {
		kind, err := datatype.Parse(key)
		if err != nil {
			return fmt.Errorf("sources: %w", err)
		}
		if _, dup := out[kind.String()]; dup {
			return fmt.Errorf("sources: %s is configured twice", kind)
		}
		out[kind.String()] = src
	}
	c.Sources = out
	return nil
}

// DefaultDataDir returns the default data directory for state storage.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".sms-backup-sync")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Security == "" {
		c.Server.Security = string(credential.SecurityTLS)
	}
	if c.Server.Port == 0 {
		if c.Server.Security == string(credential.SecurityTLS) {
			c.Server.Port = 993
		} else {
			c.Server.Port = 143
		}
	}
	if c.Server.DialTimeout == 0 {
		c.Server.DialTimeout = 30
	}

	for name, s := range c.Stores {
		if s.Type == "" {
			s.Type = "sqlite"
		}
		s.Type = driver.Canonicalize(s.Type)
		s.Path = expandTilde(s.Path)
		if d, err := driver.Get(s.Type); err == nil {
			defaults := d.Defaults()
			if s.Port == 0 && !defaults.FileBased {
				s.Port = defaults.Port
			}
			if s.SSLMode == "" {
				s.SSLMode = defaults.SSLMode
			}
			if s.Encrypt == nil {
				enc := defaults.Encrypt
				s.Encrypt = &enc
			}
		}
		c.Stores[name] = s
	}

	// A lone store serves every data type that does not name one.
	if len(c.Stores) == 1 {
		var only string
		for name := range c.Stores {
			only = name
		}
		for key, src := range c.Sources {
			if src.Store == "" {
				src.Store = only
				c.Sources[key] = src
			}
		}
	}

	if c.Backup.BatchSize == 0 {
		c.Backup.BatchSize = 50
	}
	if c.Backup.MarkRead == "" {
		c.Backup.MarkRead = "status"
	}

	if c.State.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.State.DataDir = filepath.Join(home, ".sms-backup-sync")
	} else {
		c.State.DataDir = expandTilde(c.State.DataDir)
	}
	c.State.File = expandTilde(c.State.File)
	if c.State.RetentionDays == 0 {
		c.State.RetentionDays = 90
	}
	c.Metrics.Textfile = expandTilde(c.Metrics.Textfile)
	if c.NATS.Subject == "" {
		c.NATS.Subject = "smsbackup.state"
	}
}

func (c *Config) validate() error {
	if c.Account < 0 {
		return fmt.Errorf("account must not be negative")
	}
	switch credential.Security(c.Server.Security) {
	case credential.SecurityTLS, credential.SecurityStartTLS, credential.SecurityNone:
	default:
		return fmt.Errorf("server.security must be 'tls', 'starttls' or 'none', got '%s'", c.Server.Security)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}

	for name, s := range c.Stores {
		if !driver.IsRegistered(s.Type) {
			return fmt.Errorf("stores.%s.type '%s' is not supported (available: %s)",
				name, s.Type, strings.Join(driver.Available(), ", "))
		}
		if s.DSN == "" {
			d, _ := driver.Get(s.Type)
			if d.Defaults().FileBased && s.Path == "" {
				return fmt.Errorf("stores.%s.path is required", name)
			}
			if !d.Defaults().FileBased && s.Host == "" {
				return fmt.Errorf("stores.%s.host is required", name)
			}
		}
	}

	for key, src := range c.Sources {
		kind, err := datatype.Parse(key)
		if err != nil {
			return fmt.Errorf("sources: %w", err)
		}
		if src.Store != "" {
			if _, ok := c.Stores[src.Store]; !ok {
				return fmt.Errorf("sources.%s.store '%s' is not defined", key, src.Store)
			}
		}
		if src.Folder != "" {
			if err := datatype.ValidateFolderName(src.Folder); err != nil {
				return fmt.Errorf("sources.%s.folder: %w", key, err)
			}
		}
		if src.Restore != nil && *src.Restore && !kind.Describe().SupportsRestore {
			return fmt.Errorf("sources.%s: restoring %s is not supported", key, kind)
		}
	}

	if c.Backup.BatchSize < 1 {
		return fmt.Errorf("backup.batch_size must be positive")
	}
	if c.Backup.MaxItems < 0 || c.Restore.MaxItems < 0 {
		return fmt.Errorf("max_items must not be negative")
	}
	if _, err := convert.ParseReadMarking(c.Backup.MarkRead); err != nil {
		return fmt.Errorf("backup.mark_read: %w", err)
	}
	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		return fmt.Errorf("slack.webhook_url is required when slack is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Textfile == "" {
		return fmt.Errorf("metrics.textfile is required when metrics are enabled")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	return nil
}

// source returns the settings of kind; kinds missing from the file use their defaults.
func (c *Config) source(kind datatype.Kind) SourceConfig {
	return c.Sources[kind.String()]
}

// BackupEnabled reports whether kind is backed up.
func (c *Config) BackupEnabled(kind datatype.Kind) bool {
	src, ok := c.Sources[kind.String()]
	if ok && src.Backup != nil {
		return *src.Backup
	}
	return kind.Describe().BackupByDefault
}

// RestoreEnabled reports whether kind is restored.
func (c *Config) RestoreEnabled(kind datatype.Kind) bool {
	src, ok := c.Sources[kind.String()]
	if ok && src.Restore != nil {
		return *src.Restore && kind.Describe().SupportsRestore
	}
	return kind.Describe().RestoreByDefault
}

// BackupKinds returns the backup-enabled kinds in registration order.
func (c *Config) BackupKinds() []datatype.Kind {
	var kinds []datatype.Kind
	for _, k := range datatype.All {
		if c.BackupEnabled(k) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// RestoreKinds returns the restore-enabled kinds in registration order.
func (c *Config) RestoreKinds() []datatype.Kind {
	var kinds []datatype.Kind
	for _, k := range datatype.All {
		if c.RestoreEnabled(k) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Folders returns the remote folder overrides.
func (c *Config) Folders() map[datatype.Kind]string {
	out := make(map[datatype.Kind]string)
	for _, k := range datatype.All {
		if f := c.source(k).Folder; f != "" {
			out[k] = f
		}
	}
	return out
}

// StoreName returns the store holding kind, or "".
func (c *Config) StoreName(kind datatype.Kind) string {
	return c.source(kind).Store
}

// StoreNames returns the configured store names, sorted.
func (c *Config) StoreNames() []string {
	names := make([]string, 0, len(c.Stores))
	for name := range c.Stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Conn returns the driver connection settings of a store.
func (s StoreConfig) Conn() driver.ConnConfig {
	cc := driver.ConnConfig{
		Path:                   s.Path,
		DSN:                    s.DSN,
		Host:                   s.Host,
		Port:                   s.Port,
		Database:               s.Database,
		User:                   s.User,
		Password:               s.Password,
		SSLMode:                s.SSLMode,
		TrustServerCertificate: s.TrustServerCert,
		MaxConns:               s.MaxConns,
	}
	if s.Encrypt != nil {
		cc.Encrypt = *s.Encrypt
	}
	return cc
}

// CredentialServer returns the server settings used to build connection URIs.
func (c *Config) CredentialServer() credential.Server {
	return credential.Server{
		Host:     c.Server.Host,
		Port:     c.Server.Port,
		Security: credential.Security(c.Server.Security),
	}
}

// DialTimeout returns the IMAP dial timeout.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Server.DialTimeout) * time.Second
}

// OAuth2 returns the refresh-token exchange settings, or nil when none are configured.
func (c *Config) OAuth2() *oauth2.Config {
	if c.OAuth.TokenURL == "" || c.OAuth.ClientID == "" {
		return nil
	}
	return &oauth2.Config{
		ClientID:     c.OAuth.ClientID,
		ClientSecret: c.OAuth.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.OAuth.AuthURL,
			TokenURL: c.OAuth.TokenURL,
		},
		Scopes: c.OAuth.Scopes,
	}
}

// ReadMarking returns the parsed backup.mark_read setting.
func (c *Config) ReadMarking() convert.ReadMarking {
	m, _ := convert.ParseReadMarking(c.Backup.MarkRead)
	return m
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	if sanitized.OAuth.ClientSecret != "" {
		sanitized.OAuth.ClientSecret = "[REDACTED]"
	}
	if sanitized.Broker.APIKey != "" {
		sanitized.Broker.APIKey = "[REDACTED]"
	}
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	stores := make(map[string]StoreConfig, len(c.Stores))
	for name, s := range c.Stores {
		if s.Password != "" {
			s.Password = "[REDACTED]"
		}
		if s.DSN != "" {
			s.DSN = "[REDACTED]"
		}
		stores[name] = s
	}
	sanitized.Stores = stores

	return &sanitized
}
