// Package config loads chatstream settings: built-in defaults, then a YAML
// file, then a .env file, then CHATSTREAM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bazelment/chatstream/journal"
	"github.com/bazelment/chatstream/supervisor"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "CHATSTREAM_"

// Store backends.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Duration is a time.Duration written as a Go duration string ("90s").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full application configuration.
type Config struct {
	Server               ServerConfig     `yaml:"server"`
	Log                  LogConfig        `yaml:"log"`
	Journal              JournalConfig    `yaml:"journal"`
	Sessions             SessionsConfig   `yaml:"sessions"`
	Supervisor           SupervisorConfig `yaml:"supervisor"`
	Providers            ProvidersConfig  `yaml:"providers"`
	InterruptionReminder string           `yaml:"interruption_reminder"`
}

type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	DefaultProvider string   `yaml:"default_provider"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// JournalConfig selects the journal store and tunes readers.
type JournalConfig struct {
	Store string `yaml:"store"`
	Path  string `yaml:"path"`
	// NATSURL switches change notification from in-process to NATS so
	// readers in other processes see appends.
	NATSURL           string   `yaml:"nats_url"`
	KeepaliveInterval Duration `yaml:"keepalive_interval"`
	MaxReadDuration   Duration `yaml:"max_read_duration"`
	PollInterval      Duration `yaml:"poll_interval"`
	Retention         Duration `yaml:"retention"`
	JanitorInterval   Duration `yaml:"janitor_interval"`
}

// Build converts to journal.Config.
func (c JournalConfig) Build() journal.Config {
	return journal.Config{
		KeepaliveInterval: c.KeepaliveInterval.Std(),
		MaxReadDuration:   c.MaxReadDuration.Std(),
		PollInterval:      c.PollInterval.Std(),
		Retention:         c.Retention.Std(),
		JanitorInterval:   c.JanitorInterval.Std(),
	}
}

// SessionsConfig selects where CLI session ids are kept.
type SessionsConfig struct {
	Store string `yaml:"store"`
	Path  string `yaml:"path"`
}

// SupervisorConfig holds the CLI process budgets. Phase timeouts are the
// only settings reloaded by Watch.
type SupervisorConfig struct {
	PhaseTimeouts map[string]Duration `yaml:"phase_timeouts"`
	GracePeriod   Duration            `yaml:"grace_period"`
}

// Timeouts parses the phase names.
func (c SupervisorConfig) Timeouts() (map[supervisor.Phase]time.Duration, error) {
	out := make(map[supervisor.Phase]time.Duration, len(supervisor.Phases))
	for _, p := range supervisor.Phases {
		out[p] = supervisor.DefaultPhaseTimeout
	}
	for name, d := range c.PhaseTimeouts {
		p, err := supervisor.ParsePhase(name)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("phase %s: timeout must be positive", name)
		}
		out[p] = d.Std()
	}
	return out, nil
}

// Build converts to supervisor.Config.
func (c SupervisorConfig) Build() (supervisor.Config, error) {
	timeouts, err := c.Timeouts()
	if err != nil {
		return supervisor.Config{}, err
	}
	cfg := supervisor.DefaultConfig()
	cfg.PhaseTimeouts = timeouts
	if c.GracePeriod > 0 {
		cfg.GracePeriod = c.GracePeriod.Std()
	}
	return cfg, nil
}

type ProvidersConfig struct {
	Anthropic HTTPProviderConfig `yaml:"anthropic"`
	OpenAI    HTTPProviderConfig `yaml:"openai"`
	Claude    CLIProviderConfig  `yaml:"claude"`
	Codex     CLIProviderConfig  `yaml:"codex"`
}

// HTTPProviderConfig configures an API-backed provider.
type HTTPProviderConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	Enabled   bool   `yaml:"enabled"`
}

// CLIProviderConfig configures a subprocess-backed provider.
type CLIProviderConfig struct {
	Env       map[string]string `yaml:"env"`
	CLIPath   string            `yaml:"cli_path"`
	Model     string            `yaml:"model"`
	WorkDir   string            `yaml:"work_dir"`
	Mode      string            `yaml:"mode"` // permission mode for claude, sandbox for codex
	ExtraArgs []string          `yaml:"extra_args"`
	Enabled   bool              `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	jc := journal.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			DefaultProvider: "anthropic",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Log: LogConfig{Level: "info", Format: "console"},
		Journal: JournalConfig{
			Store:             StoreMemory,
			KeepaliveInterval: Duration(jc.KeepaliveInterval),
			MaxReadDuration:   Duration(jc.MaxReadDuration),
			PollInterval:      Duration(jc.PollInterval),
			Retention:         Duration(jc.Retention),
			JanitorInterval:   Duration(jc.JanitorInterval),
		},
		Sessions: SessionsConfig{Store: StoreMemory},
		Supervisor: SupervisorConfig{
			GracePeriod: Duration(supervisor.DefaultGracePeriod),
		},
		Providers: ProvidersConfig{
			Anthropic: HTTPProviderConfig{Enabled: true},
			OpenAI:    HTTPProviderConfig{Enabled: true},
			Claude:    CLIProviderConfig{Enabled: true},
			Codex:     CLIProviderConfig{Enabled: true},
		},
	}
}

// Load reads the YAML file at path over the defaults, loads envFiles (or
// ./.env when none are given) into the process environment without
// replacing variables already set, and applies environment overrides. An
// empty path skips the file; a missing .env is ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type override struct {
	apply func(c *Config, v string) error
	key   string
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func dur(dst func(*Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = Duration(d)
		return nil
	}
}

func flag(dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

var overrides = []override{
	{key: "ADDR", apply: str(func(c *Config) *string { return &c.Server.Addr })},
	{key: "DEFAULT_PROVIDER", apply: str(func(c *Config) *string { return &c.Server.DefaultProvider })},
	{key: "LOG_LEVEL", apply: str(func(c *Config) *string { return &c.Log.Level })},
	{key: "LOG_FORMAT", apply: str(func(c *Config) *string { return &c.Log.Format })},
	{key: "JOURNAL_STORE", apply: str(func(c *Config) *string { return &c.Journal.Store })},
	{key: "JOURNAL_PATH", apply: str(func(c *Config) *string { return &c.Journal.Path })},
	{key: "NATS_URL", apply: str(func(c *Config) *string { return &c.Journal.NATSURL })},
	{key: "JOURNAL_RETENTION", apply: dur(func(c *Config) *Duration { return &c.Journal.Retention })},
	{key: "KEEPALIVE_INTERVAL", apply: dur(func(c *Config) *Duration { return &c.Journal.KeepaliveInterval })},
	{key: "MAX_READ_DURATION", apply: dur(func(c *Config) *Duration { return &c.Journal.MaxReadDuration })},
	{key: "SESSIONS_STORE", apply: str(func(c *Config) *string { return &c.Sessions.Store })},
	{key: "SESSIONS_PATH", apply: str(func(c *Config) *string { return &c.Sessions.Path })},
	{key: "CLAUDE_CLI_PATH", apply: str(func(c *Config) *string { return &c.Providers.Claude.CLIPath })},
	{key: "CLAUDE_ENABLED", apply: flag(func(c *Config) *bool { return &c.Providers.Claude.Enabled })},
	{key: "CODEX_CLI_PATH", apply: str(func(c *Config) *string { return &c.Providers.Codex.CLIPath })},
	{key: "CODEX_ENABLED", apply: flag(func(c *Config) *bool { return &c.Providers.Codex.Enabled })},
	{key: "INTERRUPTION_REMINDER", apply: str(func(c *Config) *string { return &c.InterruptionReminder })},
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, o := range overrides {
		v, ok := lookup(EnvPrefix + o.key)
		if !ok {
			continue
		}
		if err := o.apply(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, o.key, err)
		}
	}
	// Provider SDK conventions fill keys the file left empty.
	if v, ok := lookup("ANTHROPIC_API_KEY"); ok && c.Providers.Anthropic.APIKey == "" {
		c.Providers.Anthropic.APIKey = v
	}
	if v, ok := lookup("OPENAI_API_KEY"); ok && c.Providers.OpenAI.APIKey == "" {
		c.Providers.OpenAI.APIKey = v
	}
	return nil
}

// Validate checks values that would otherwise fail at first use.
func (c *Config) Validate() error {
	var errs []error
	switch c.Journal.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.Journal.Path == "" {
			errs = append(errs, errors.New("journal.path is required for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("journal.store: unknown store %q", c.Journal.Store))
	}
	switch c.Sessions.Store {
	case StoreMemory, StoreFile:
	case StoreSQLite:
		if c.Sessions.Path == "" {
			errs = append(errs, errors.New("sessions.path is required for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("sessions.store: unknown store %q", c.Sessions.Store))
	}
	if _, err := c.Supervisor.Timeouts(); err != nil {
		errs = append(errs, fmt.Errorf("supervisor.phase_timeouts: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
