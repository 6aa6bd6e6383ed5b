package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/bazelment/chatstream/claude"
	"github.com/bazelment/chatstream/codex"
	"github.com/bazelment/chatstream/config"
	"github.com/bazelment/chatstream/journal"
	"github.com/bazelment/chatstream/provider/anthropic"
	"github.com/bazelment/chatstream/provider/openai"
	"github.com/bazelment/chatstream/relay"
	"github.com/bazelment/chatstream/sessionstore"
	"github.com/bazelment/chatstream/supervisor"
)

// app holds the components shared by the commands.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	journal     *journal.Journal
	runner      *relay.Runner
	recorder    *relay.MemoryRecorder
	supervisors []*supervisor.Supervisor
	closers     []func() error
}

func newApp(cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, recorder: relay.NewMemoryRecorder()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.journal, err = a.openJournal(); err != nil {
		return nil, err
	}
	sessions, err := a.openSessions()
	if err != nil {
		return nil, err
	}

	runnerOpts := []relay.Option{relay.WithLogger(logger), relay.WithRecorder(a.recorder)}
	if cfg.InterruptionReminder != "" {
		runnerOpts = append(runnerOpts, relay.WithInterruptionReminder(cfg.InterruptionReminder))
	}
	a.runner = relay.NewRunner(a.journal, runnerOpts...)
	if err := a.registerProviders(sessions); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openJournal() (*journal.Journal, error) {
	opts := []journal.Option{
		journal.WithConfig(a.cfg.Journal.Build()),
		journal.WithLogger(a.logger),
	}

	var store journal.Store
	switch a.cfg.Journal.Store {
	case config.StoreSQLite:
		s, err := journal.OpenSQLite(a.cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		store = s
	default:
		store = journal.NewMemoryStore()
	}

	if url := a.cfg.Journal.NATSURL; url != "" {
		conn, err := journal.ConnectNATS(url)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.closers = append(a.closers, func() error { conn.Close(); return nil })
		opts = append(opts, journal.WithNotifier(journal.NewNATSNotifier(conn, a.logger)))
	}
	return journal.New(store, opts...), nil
}

func (a *app) openSessions() (sessionstore.Store, error) {
	switch a.cfg.Sessions.Store {
	case config.StoreSQLite:
		s, err := sessionstore.OpenSQLite(a.cfg.Sessions.Path)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case config.StoreFile:
		dir := a.cfg.Sessions.Path
		if dir == "" {
			var err error
			if dir, err = sessionstore.DefaultFileStoreDir(); err != nil {
				return nil, err
			}
		}
		return sessionstore.NewFileStore(dir)
	default:
		return sessionstore.NewMemory(), nil
	}
}

func (a *app) registerProviders(sessions sessionstore.Store) error {
	pc := a.cfg.Providers
	sup, err := a.cfg.Supervisor.Build()
	if err != nil {
		return err
	}

	if pc.Anthropic.Enabled {
		opts := []anthropic.Option{anthropic.WithAPIKey(pc.Anthropic.APIKey), anthropic.WithLogger(a.logger)}
		if pc.Anthropic.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(pc.Anthropic.BaseURL))
		}
		if pc.Anthropic.Model != "" {
			opts = append(opts, anthropic.WithModel(pc.Anthropic.Model))
		}
		if pc.Anthropic.MaxTokens > 0 {
			opts = append(opts, anthropic.WithMaxTokens(pc.Anthropic.MaxTokens))
		}
		a.runner.Register(anthropic.New(opts...))
	}

	if pc.OpenAI.Enabled {
		opts := []openai.Option{openai.WithAPIKey(pc.OpenAI.APIKey), openai.WithLogger(a.logger)}
		if pc.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(pc.OpenAI.BaseURL))
		}
		if pc.OpenAI.Model != "" {
			opts = append(opts, openai.WithModel(pc.OpenAI.Model))
		}
		if pc.OpenAI.MaxTokens > 0 {
			opts = append(opts, openai.WithMaxTokens(pc.OpenAI.MaxTokens))
		}
		a.runner.Register(openai.New(opts...))
	}

	if c := pc.Claude; c.Enabled {
		opts := []claude.Option{
			claude.WithSessionStore(sessionstore.Scoped(sessions, claude.Name)),
			claude.WithSupervisorConfig(sup),
			claude.WithLogger(a.logger),
			claude.WithEnv(c.Env),
			claude.WithExtraArgs(c.ExtraArgs...),
		}
		if c.CLIPath != "" {
			opts = append(opts, claude.WithCLIPath(c.CLIPath))
		}
		if c.Model != "" {
			opts = append(opts, claude.WithModel(c.Model))
		}
		if c.WorkDir != "" {
			opts = append(opts, claude.WithWorkDir(c.WorkDir))
		}
		if c.Mode != "" {
			opts = append(opts, claude.WithPermissionMode(claude.PermissionMode(c.Mode)))
		}
		p := claude.New(opts...)
		a.supervisors = append(a.supervisors, p.Supervisor())
		a.runner.Register(p)
	}

	if c := pc.Codex; c.Enabled {
		opts := []codex.Option{
			codex.WithSessionStore(sessionstore.Scoped(sessions, codex.Name)),
			codex.WithSupervisorConfig(sup),
			codex.WithLogger(a.logger),
			codex.WithEnv(c.Env),
			codex.WithExtraArgs(c.ExtraArgs...),
		}
		if c.CLIPath != "" {
			opts = append(opts, codex.WithCLIPath(c.CLIPath))
		}
		if c.Model != "" {
			opts = append(opts, codex.WithModel(c.Model))
		}
		if c.WorkDir != "" {
			opts = append(opts, codex.WithWorkDir(c.WorkDir))
		}
		if c.Mode != "" {
			opts = append(opts, codex.WithSandbox(codex.SandboxMode(c.Mode)))
		}
		p := codex.New(opts...)
		a.supervisors = append(a.supervisors, p.Supervisor())
		a.runner.Register(p)
	}
	return nil
}

// applyPhaseTimeouts retunes the CLI supervisors from a reloaded config.
// Streams already running keep their budgets.
func (a *app) applyPhaseTimeouts(cfg *config.Config) {
	timeouts, err := cfg.Supervisor.Timeouts()
	if err != nil {
		a.logger.Warn("ignoring reloaded phase timeouts", "error", err)
		return
	}
	for _, s := range a.supervisors {
		s.SetPhaseTimeouts(timeouts)
	}
}

// Close releases stores and connections in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
