package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/nexus-chat-server/internal/accounts"
	"github.com/Tyrowin/nexus-chat-server/internal/logging"
	"github.com/Tyrowin/nexus-chat-server/internal/server"
	"github.com/Tyrowin/nexus-chat-server/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", "", "IP address to bind (default all interfaces)")
	flags.Int("port", server.DefaultPort, "TCP port to listen on")
	flags.String("origins", "", "comma separated list of allowed WebSocket origins")
	flags.String("accounts-file", "", "TOML file of accounts to seed and watch")
	flags.String("auth-timeout", server.DefaultAuthTimeout.String(), "time allowed to complete the login handshake")
	_ = a.v.BindPFlag(server.KeyListenAddress, flags.Lookup("listen"))
	_ = a.v.BindPFlag(server.KeyPort, flags.Lookup("port"))
	_ = a.v.BindPFlag(server.KeyAllowedOrigins, flags.Lookup("origins"))
	_ = a.v.BindPFlag(server.KeyAccountsFile, flags.Lookup("accounts-file"))
	_ = a.v.BindPFlag(server.KeyAuthTimeout, flags.Lookup("auth-timeout"))

	return cmd
}

func serve(ctx context.Context, cfg server.Config) error {
	logger, err := logging.New(cfg.LogLevel, os.Stderr)
	if err != nil {
		return err
	}
	logger.Info("Starting Nexus Chat Server...")

	store, err := storage.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("Database opened", "path", store.Path())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := server.NewHub(cfg, store, logger)
	go hub.Run()

	if cfg.AccountsFile != "" {
		if err := watchAccounts(ctx, cfg.AccountsFile, store, hub, logger); err != nil {
			_ = hub.Shutdown(shutdownTimeout)
			return err
		}
	}

	handlers := server.NewHandlers(hub, cfg, logger)
	httpServer := server.CreateServer(cfg.Addr(), server.SetupRoutes(handlers))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer, logger)
	}()

	select {
	case err := <-errCh:
		_ = hub.Shutdown(shutdownTimeout)
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	// Stop accepting upgrades before the sessions are torn down.
	httpErr := server.ShutdownServer(httpServer, shutdownTimeout, logger)
	hubErr := hub.Shutdown(shutdownTimeout)
	if httpErr != nil {
		return httpErr
	}
	return hubErr
}

// watchAccounts seeds the account table from path and keeps it in step until
// ctx is done.
func watchAccounts(ctx context.Context, path string, admin storage.Admin, hub *server.Hub, logger *slog.Logger) error {
	w, err := accounts.NewWatcher(path, admin, hub, logger)
	if err != nil {
		return err
	}
	if err := w.Reload(ctx); err != nil {
		_ = w.Close()
		return fmt.Errorf("seed accounts: %w", err)
	}
	go w.Run(ctx)
	return nil
}
