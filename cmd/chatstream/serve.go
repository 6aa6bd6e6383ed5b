package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bazelment/chatstream/config"
	"github.com/bazelment/chatstream/internal/slogx"
	"github.com/bazelment/chatstream/server"
)

var (
	serveAddr     string
	serveToken    string
	generateToken bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the turn and journal reader API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}
		token := serveToken
		if token == "" {
			token = os.Getenv(config.EnvPrefix + "TOKEN")
		}
		if token == "" && generateToken {
			if token, err = server.GenerateToken(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "API token: %s\n", token)
		}

		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		srv := server.New(a.runner, a.journal,
			server.WithLogger(logger),
			server.WithDefaultProvider(cfg.Server.DefaultProvider),
			server.WithToken(token))
		httpServer := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			logger.Info("listening", "addr", cfg.Server.Addr, "providers", a.runner.Providers())
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			a.journal.RunJanitor(ctx)
			return nil
		})
		if configPath != "" {
			g.Go(func() error {
				return config.Watch(ctx, configPath, logger, a.applyPhaseTimeouts)
			})
		}
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
			defer cancel()
			logger.Info("shutting down")
			if err := a.runner.Shutdown(shutdownCtx); err != nil {
				logger.Warn("turns still running at shutdown", slogx.Error(err))
			}
			return httpServer.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address; overrides the config")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "Bearer token required on conversation endpoints (default $CHATSTREAM_TOKEN)")
	serveCmd.Flags().BoolVar(&generateToken, "generate-token", false, "Generate and print a random token when none is set")
}
