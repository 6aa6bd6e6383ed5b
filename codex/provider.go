package codex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/bazelment/chatstream/agentstream"
	"github.com/bazelment/chatstream/internal/slogx"
	"github.com/bazelment/chatstream/provider"
	"github.com/bazelment/chatstream/supervisor"
)

// credentialEnv are the variables codex accepts instead of a login.
var credentialEnv = []string{"OPENAI_API_KEY", "CODEX_API_KEY"}

// Provider implements provider.Provider on top of `codex exec`.
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

// Capabilities reports that the CLI runs tools and resumes threads.
func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{ExecutesTools: true, ResumesSessions: true}
}

// StreamTurn runs one `codex exec` turn.
func (p *Provider) StreamTurn(ctx context.Context, turn provider.Turn) (<-chan agentstream.Event, error) {
	if err := provider.CheckPromptSize(p.logger, Name, turn.SystemPrompt, p.cfg.MaxSystemPromptBytes); err != nil {
		return nil, err
	}
	if !turn.HasUserText() {
		return nil, &provider.ConfigError{Provider: Name, Cause: provider.ErrNoUserMessage}
	}
	logger := p.logger.With(slogx.Conversation(turn.ConversationID))

	if !p.cfg.SkipCredentialCheck {
		if err := p.checkCredentials(); err != nil {
			logger.Warn("codex credentials missing", slogx.Error(err))
			return provider.Run(logger, func(g *agentstream.Guard) {
				g.Emit(agentstream.ErrorEvent(agentstream.ErrorAuth, err.Error()))
			}), nil
		}
	}

	threadID := p.lookupThread(ctx, logger, turn.ConversationID)
	inv, err := p.BuildInvocation(turn, threadID)
	if err != nil {
		return nil, &provider.ConfigError{Provider: Name, Message: "build invocation", Cause: err}
	}
	if p.cfg.FixPermissions {
		inv.AfterExit = supervisor.GroupAccess(logger, p.configFiles()...)
	}

	state := newParseState(ctx, logger, p.cfg.Sessions, turn.ConversationID, threadID)
	return provider.Run(logger, func(g *agentstream.Guard) {
		res := p.sup.Run(ctx, inv, state, g)
		logger.Info("codex turn finished",
			"status", res.Status, "phase", res.Phase, "exit_code", res.ExitCode, "thread_id", state.threadID)
	}), nil
}

// BuildInvocation renders the CLI command for a turn. threadID resumes a
// previous thread when non-empty. The prompt is passed as the last
// argument and stdin stays empty.
func (p *Provider) BuildInvocation(turn provider.Turn, threadID string) (supervisor.Invocation, error) {
	args := []string{"exec", "--json", "--skip-git-repo-check"}

	model := turn.Model
	if model == "" {
		model = p.cfg.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if turn.ReasoningEffort != "" {
		args = append(args, "-c", "model_reasoning_effort="+tomlString(turn.ReasoningEffort))
	}
	if p.cfg.Sandbox != "" {
		args = append(args, "--sandbox", string(p.cfg.Sandbox))
	}

	inv := supervisor.Invocation{
		Path: p.cliPath(),
		Dir:  p.cfg.WorkDir,
		Env:  p.env(),
	}
	if prompt := turn.SystemPrompt; prompt != "" {
		if len(prompt) <= p.cfg.InlinePromptLimit {
			args = append(args, "-c", "instructions="+tomlString(prompt))
		} else {
			path, cleanup, err := supervisor.WritePromptFile(p.cfg.TempDir, "codex-instructions-*.md", prompt)
			if err != nil {
				return supervisor.Invocation{}, err
			}
			inv.Cleanup = cleanup
			args = append(args, "-c", "experimental_instructions_file="+tomlString(path))
		}
	}
	args = append(args, p.cfg.ExtraArgs...)
	if threadID != "" {
		args = append(args, "resume", threadID)
	}

	prompt := turn.LatestUserText()
	if strings.HasPrefix(prompt, "-") {
		args = append(args, "--")
	}
	inv.Args = append(args, prompt)
	return inv, nil
}

// tomlString quotes s as a TOML basic string, the form `-c key=value`
// expects for values containing spaces or newlines.
func tomlString(s string) string {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(map[string]string{"v": s}); err != nil {
		return s
	}
	return strings.TrimSpace(strings.TrimPrefix(buf.String(), "v = "))
}

// cliConfig is the part of ~/.codex/config.toml the adapter reads.
type cliConfig struct {
	ModelProvider string `toml:"model_provider"`
}

// checkCredentials fails when codex has neither a login nor an API key.
// Providers other than OpenAI configured in config.toml bring their own
// keys and are not checked.
func (p *Provider) checkCredentials() error {
	dir := p.codexDir()
	if dir == "" {
		return nil
	}
	var cc cliConfig
	if _, err := toml.DecodeFile(filepath.Join(dir, "config.toml"), &cc); err != nil && !errors.Is(err, fs.ErrNotExist) {
		p.logger.Warn("failed to read codex config", slogx.Error(err))
	}
	if cc.ModelProvider != "" && cc.ModelProvider != "openai" {
		return nil
	}
	if _, err := os.Stat(filepath.Join(dir, "auth.json")); err == nil {
		return nil
	}
	for _, key := range credentialEnv {
		if p.cfg.Env[key] != "" || os.Getenv(key) != "" {
			return nil
		}
	}
	return fmt.Errorf("codex is not logged in: no %s and neither %s is set",
		filepath.Join(dir, "auth.json"), strings.Join(credentialEnv, " nor "))
}

func (p *Provider) codexDir() string {
	if v := p.cfg.Env["CODEX_HOME"]; v != "" {
		return v
	}
	if v := os.Getenv("CODEX_HOME"); v != "" && p.cfg.HomeDir == "" {
		return v
	}
	home := p.cfg.HomeDir
	if home == "" {
		var err error
		if home, err = os.UserHomeDir(); err != nil {
			return ""
		}
	}
	return filepath.Join(home, ".codex")
}

func (p *Provider) configFiles() []string {
	dir := p.codexDir()
	if dir == "" {
		return nil
	}
	return []string{filepath.Join(dir, "auth.json"), filepath.Join(dir, "config.toml")}
}

func (p *Provider) cliPath() string {
	if p.cfg.CLIPath == "" {
		return "codex"
	}
	return p.cfg.CLIPath
}

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

func (p *Provider) lookupThread(ctx context.Context, logger *slog.Logger, conversationID string) string {
	if p.cfg.Sessions == nil || conversationID == "" {
		return ""
	}
	id, err := p.cfg.Sessions.SessionID(ctx, conversationID)
	if err != nil {
		logger.Warn("thread lookup failed, starting a new thread", slogx.Error(err))
		return ""
	}
	return id
}

// String describes the adapter for logs.
func (p *Provider) String() string {
	return fmt.Sprintf("codex(%s, model=%s)", p.cliPath(), p.cfg.Model)
}
