package claude

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/bazelment/chatstream/agentstream"
	"github.com/bazelment/chatstream/internal/slogx"
	"github.com/bazelment/chatstream/provider"
	"github.com/bazelment/chatstream/supervisor"
)

// Provider implements provider.Provider on top of the Claude CLI. The CLI
// keeps conversation history itself, so only the latest user message is
// sent and earlier turns are reached through --resume.
type Provider struct {
	sup    *supervisor.Supervisor
	logger *slog.Logger
	cfg    Config
}

var _ provider.Provider = (*Provider)(nil)

// New creates a Provider.
func New(opts ...Option) *Provider {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.Logger.With(slogx.Provider(Name))
	return &Provider{
		cfg:    cfg,
		logger: logger,
		sup:    supervisor.New(cfg.Supervisor, logger),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return Name }

// Supervisor returns the process supervisor, whose phase timeouts can be
// retuned while the provider is in use.
func (p *Provider) Supervisor() *supervisor.Supervisor { return p.sup }

// Capabilities reports that the CLI runs tools and resumes sessions.
func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{ExecutesTools: true, ResumesSessions: true}
}

// StreamTurn runs one CLI turn.
func (p *Provider) StreamTurn(ctx context.Context, turn provider.Turn) (<-chan agentstream.Event, error) {
	if err := provider.CheckPromptSize(p.logger, Name, turn.SystemPrompt, p.cfg.MaxSystemPromptBytes); err != nil {
		return nil, err
	}
	if !turn.HasUserText() {
		return nil, &provider.ConfigError{Provider: Name, Cause: provider.ErrNoUserMessage}
	}

	logger := p.logger.With(slogx.Conversation(turn.ConversationID))
	sessionID := p.lookupSession(ctx, logger, turn.ConversationID)
	inv, err := p.BuildInvocation(turn, sessionID)
	if err != nil {
		return nil, &provider.ConfigError{Provider: Name, Message: "build invocation", Cause: err}
	}
	if p.cfg.FixPermissions {
		inv.AfterExit = supervisor.GroupAccess(logger, p.configFiles()...)
	}

	state := newParseState(ctx, logger, p.cfg.Sessions, turn.ConversationID, sessionID)
	return provider.Run(logger, func(g *agentstream.Guard) {
		res := p.sup.Run(ctx, inv, state, g)
		logger.Info("claude turn finished",
			"status", res.Status, "phase", res.Phase, "exit_code", res.ExitCode, "session_id", state.sessionID)
	}), nil
}

// BuildInvocation renders the CLI command for a turn. sessionID resumes a
// previous CLI session when non-empty. A system prompt above the inline
// limit is written to a temp file that the invocation's Cleanup removes.
func (p *Provider) BuildInvocation(turn provider.Turn, sessionID string) (supervisor.Invocation, error) {
	model := turn.Model
	if model == "" {
		model = p.cfg.Model
	}
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--model", model,
	}
	if p.cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", string(p.cfg.PermissionMode))
	}
	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}
	for _, tool := range turn.AllowedTools {
		args = append(args, "--allowed-tools", tool)
	}

	inv := supervisor.Invocation{
		Path:  p.cliPath(),
		Dir:   p.cfg.WorkDir,
		Stdin: turn.LatestUserText(),
		Env:   p.env(),
	}
	if prompt := turn.SystemPrompt; prompt != "" {
		if len(prompt) <= p.cfg.InlinePromptLimit {
			args = append(args, "--system-prompt", prompt)
		} else {
			path, cleanup, err := supervisor.WritePromptFile(p.cfg.TempDir, "claude-system-*.md", prompt)
			if err != nil {
				return supervisor.Invocation{}, err
			}
			inv.Cleanup = cleanup
			args = append(args, "--system-prompt-file", path)
		}
	}
	inv.Args = append(args, p.cfg.ExtraArgs...)
	return inv, nil
}

func (p *Provider) cliPath() string {
	if p.cfg.CLIPath == "" {
		return "claude"
	}
	return p.cfg.CLIPath
}

// env returns nil to inherit the environment when nothing is added. Added
// variables are sorted so invocations are reproducible.
func (p *Provider) env() []string {
	if len(p.cfg.Env) == 0 {
		return nil
	}
	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(p.cfg.Env)) {
		env = append(env, k+"="+p.cfg.Env[k])
	}
	return env
}

func (p *Provider) configFiles() []string {
	home := p.cfg.HomeDir
	if home == "" {
		var err error
		if home, err = os.UserHomeDir(); err != nil {
			return nil
		}
	}
	return []string{
		filepath.Join(home, ".claude.json"),
		filepath.Join(home, ".claude", ".credentials.json"),
		filepath.Join(home, ".claude", "settings.json"),
	}
}

func (p *Provider) lookupSession(ctx context.Context, logger *slog.Logger, conversationID string) string {
	if p.cfg.Sessions == nil || conversationID == "" {
		return ""
	}
	id, err := p.cfg.Sessions.SessionID(ctx, conversationID)
	if err != nil {
		logger.Warn("session lookup failed, starting a new CLI session", slogx.Error(err))
		return ""
	}
	return id
}

// String describes the adapter for logs.
func (p *Provider) String() string {
	return fmt.Sprintf("claude(%s, model=%s)", p.cliPath(), p.cfg.Model)
}
