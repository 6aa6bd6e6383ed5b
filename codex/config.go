// Package codex runs turns through `codex exec --json` and normalizes its
// item-oriented event stream.
package codex

import (
	"log/slog"

	"github.com/bazelment/chatstream/sessionstore"
	"github.com/bazelment/chatstream/supervisor"
)

const (
	Name = "codex"
	// DefaultMaxSystemPromptBytes is the hard limit for system prompts.
	DefaultMaxSystemPromptBytes = 400_000
)

// SandboxMode restricts what commands run by the agent may touch.
type SandboxMode string

const (
	SandboxReadOnly         SandboxMode = "read-only"
	SandboxWorkspaceWrite   SandboxMode = "workspace-write"
	SandboxDangerFullAccess SandboxMode = "danger-full-access"
)

// Config holds the adapter configuration.
type Config struct {
	Sessions sessionstore.Store
	Logger   *slog.Logger

	// Env is added to the inherited environment. It is also consulted by
	// the credential check.
	Env map[string]string

	// CLIPath is the codex binary (uses "codex" in PATH if empty).
	CLIPath string

	// Model is used when the turn does not name one. Empty leaves the
	// choice to ~/.codex/config.toml.
	Model string

	Sandbox SandboxMode

	WorkDir string

	// HomeDir locates ~/.codex. Defaults to the user's home directory.
	HomeDir string

	TempDir   string
	ExtraArgs []string

	Supervisor supervisor.Config

	InlinePromptLimit    int
	MaxSystemPromptBytes int

	FixPermissions bool

	// SkipCredentialCheck spawns the CLI even when no credentials are
	// found.
	SkipCredentialCheck bool
}

// Option configures the adapter.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		CLIPath:              "codex",
		Sandbox:              SandboxWorkspaceWrite,
		Logger:               slog.Default(),
		Supervisor:           supervisor.DefaultConfig(),
		InlinePromptLimit:    supervisor.DefaultInlinePromptLimit,
		MaxSystemPromptBytes: DefaultMaxSystemPromptBytes,
		FixPermissions:       true,
	}
}

// WithCLIPath sets a custom CLI binary path.
func WithCLIPath(path string) Option {
	return func(c *Config) { c.CLIPath = path }
}

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithSandbox sets the sandbox mode. Empty omits the flag.
func WithSandbox(mode SandboxMode) Option {
	return func(c *Config) { c.Sandbox = mode }
}

// WithWorkDir sets the working directory.
func WithWorkDir(dir string) Option {
	return func(c *Config) { c.WorkDir = dir }
}

// WithSessionStore enables thread resume.
func WithSessionStore(store sessionstore.Store) Option {
	return func(c *Config) { c.Sessions = store }
}

// WithSupervisorConfig sets timeouts and read sizes.
func WithSupervisorConfig(cfg supervisor.Config) Option {
	return func(c *Config) { c.Supervisor = cfg }
}

// WithEnv adds environment variables for the CLI.
func WithEnv(env map[string]string) Option {
	return func(c *Config) { c.Env = env }
}

// WithExtraArgs appends raw CLI arguments before the prompt.
func WithExtraArgs(args ...string) Option {
	return func(c *Config) { c.ExtraArgs = append(c.ExtraArgs, args...) }
}

// WithPromptLimits overrides the inline and hard system prompt limits.
func WithPromptLimits(inline, max int) Option {
	return func(c *Config) {
		c.InlinePromptLimit = inline
		c.MaxSystemPromptBytes = max
	}
}

// WithHomeDir sets where ~/.codex lives.
func WithHomeDir(dir string) Option {
	return func(c *Config) { c.HomeDir = dir }
}

// WithTempDir sets where side-channel prompt files are written.
func WithTempDir(dir string) Option {
	return func(c *Config) { c.TempDir = dir }
}

// WithoutPermissionFix disables the post-exit permission fix.
func WithoutPermissionFix() Option {
	return func(c *Config) { c.FixPermissions = false }
}

// WithoutCredentialCheck disables the pre-spawn credential check.
func WithoutCredentialCheck() Option {
	return func(c *Config) { c.SkipCredentialCheck = true }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}
