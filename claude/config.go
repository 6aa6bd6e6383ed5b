// Package claude runs turns through the Claude Code CLI in stream-json
// mode and normalizes its output.
package claude

import (
	"log/slog"

	"github.com/bazelment/chatstream/sessionstore"
	"github.com/bazelment/chatstream/supervisor"
)

const (
	Name = "claude"
	// DefaultMaxSystemPromptBytes is the hard limit for system prompts.
	DefaultMaxSystemPromptBytes = 400_000
	DefaultModel                = "sonnet"
)

// PermissionMode controls tool execution approval.
type PermissionMode string

const (
	// PermissionModeDefault prompts the user for each dangerous operation.
	PermissionModeDefault PermissionMode = "default"
	// PermissionModeAcceptEdits auto-approves file modifications.
	PermissionModeAcceptEdits PermissionMode = "acceptEdits"
	// PermissionModePlan reviews plan before execution.
	PermissionModePlan PermissionMode = "plan"
	// PermissionModeBypass auto-approves all tools (use with caution).
	PermissionModeBypass PermissionMode = "bypassPermissions"
)

// Config holds the adapter configuration.
type Config struct {
	// Sessions persists CLI session ids per conversation. Nil disables
	// resume.
	Sessions sessionstore.Store

	Logger *slog.Logger

	// Env is added to the inherited environment.
	Env map[string]string

	// CLIPath is the path to the Claude CLI binary (uses "claude" in PATH if empty).
	CLIPath string

	// Model is used when the turn does not name one.
	Model string

	// PermissionMode controls tool execution approval.
	PermissionMode PermissionMode

	// WorkDir is the working directory of the CLI.
	WorkDir string

	// HomeDir locates the CLI config files whose permissions are fixed
	// after exit. Defaults to the user's home directory.
	HomeDir string

	// TempDir holds system prompt side-channel files.
	TempDir string

	// ExtraArgs are appended verbatim.
	ExtraArgs []string

	Supervisor supervisor.Config

	// InlinePromptLimit is the largest system prompt passed as a flag;
	// larger prompts go through a file.
	InlinePromptLimit int

	// MaxSystemPromptBytes rejects larger system prompts.
	MaxSystemPromptBytes int

	// FixPermissions adds group read/write to CLI config files after exit.
	FixPermissions bool
}

// Option configures the adapter.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		CLIPath:              "claude",
		Model:                DefaultModel,
		PermissionMode:       PermissionModeBypass,
		Logger:               slog.Default(),
		Supervisor:           supervisor.DefaultConfig(),
		InlinePromptLimit:    supervisor.DefaultInlinePromptLimit,
		MaxSystemPromptBytes: DefaultMaxSystemPromptBytes,
		FixPermissions:       true,
	}
}

// WithCLIPath sets a custom CLI binary path.
func WithCLIPath(path string) Option {
	return func(c *Config) {
		c.CLIPath = path
	}
}

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(c *Config) {
		c.Model = model
	}
}

// WithPermissionMode sets the permission mode.
func WithPermissionMode(mode PermissionMode) Option {
	return func(c *Config) {
		c.PermissionMode = mode
	}
}

// WithWorkDir sets the working directory.
func WithWorkDir(dir string) Option {
	return func(c *Config) {
		c.WorkDir = dir
	}
}

// WithSessionStore enables session resume.
func WithSessionStore(store sessionstore.Store) Option {
	return func(c *Config) {
		c.Sessions = store
	}
}

// WithSupervisorConfig sets timeouts and read sizes.
func WithSupervisorConfig(cfg supervisor.Config) Option {
	return func(c *Config) {
		c.Supervisor = cfg
	}
}

// WithEnv adds environment variables for the CLI.
func WithEnv(env map[string]string) Option {
	return func(c *Config) {
		c.Env = env
	}
}

// WithExtraArgs appends raw CLI arguments.
func WithExtraArgs(args ...string) Option {
	return func(c *Config) {
		c.ExtraArgs = append(c.ExtraArgs, args...)
	}
}

// WithPromptLimits overrides the inline and hard system prompt limits.
func WithPromptLimits(inline, max int) Option {
	return func(c *Config) {
		c.InlinePromptLimit = inline
		c.MaxSystemPromptBytes = max
	}
}

// WithHomeDir sets where CLI config files live.
func WithHomeDir(dir string) Option {
	return func(c *Config) {
		c.HomeDir = dir
	}
}

// WithTempDir sets where side-channel prompt files are written.
func WithTempDir(dir string) Option {
	return func(c *Config) {
		c.TempDir = dir
	}
}

// WithoutPermissionFix disables the post-exit permission fix.
func WithoutPermissionFix() Option {
	return func(c *Config) {
		c.FixPermissions = false
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}
