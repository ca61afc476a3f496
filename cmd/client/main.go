package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/nexus-chat-server/internal/client"
	"github.com/Tyrowin/nexus-chat-server/internal/client/localstore"
	"github.com/Tyrowin/nexus-chat-server/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := client.DefaultConfig()
	var logLevel, dbPath string

	cmd := &cobra.Command{
		Use:          "chat",
		Short:        "Interactive Nexus chat client",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(logLevel, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if cfg.Password == "" {
				p, err := promptForPassword(cmd.ErrOrStderr(), "Password: ")
				if err != nil {
					return err
				}
				cfg.Password = p
			}
			if dbPath == "" {
				dbPath = localstore.DefaultPath(cfg.Name)
			}
			return run(cmd, cfg, dbPath, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Host, "addr", cfg.Host, "server IP address")
	flags.IntVar(&cfg.Port, "port", cfg.Port, "server port")
	flags.StringVarP(&cfg.Name, "name", "n", "", "account name")
	flags.StringVar(&cfg.Password, "password", "", "account password (prompted for when omitted)")
	flags.StringVar(&cfg.PublicKey, "pubkey", "", "public key to advertise")
	flags.IntVar(&cfg.MaxAttempts, "attempts", cfg.MaxAttempts, "connection attempts before giving up")
	flags.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "time to wait for a server reply")
	flags.StringVar(&dbPath, "db", "", "local message database (default client-NAME.db, \":memory:\" keeps nothing)")
	flags.StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn or error")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func run(cmd *cobra.Command, cfg client.Config, dbPath string, logger *slog.Logger) error {
	out := cmd.OutOrStdout()
	lost := make(chan error, 1)
	changed := make(chan struct{}, 1)

	store, err := localstore.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Debug("Local database opened", "path", store.Path())

	// receive never touches chat, so the transport is bound after Dial.
	sh := newShell(nil, store, cfg.Name, cmd.InOrStdin(), out)

	t, err := client.Dial(cmd.Context(), cfg,
		client.WithLogger(logger),
		client.WithMessageHandler(sh.receive),
		client.WithUsersChangedHandler(func() {
			_, _ = fmt.Fprintln(out, "* the list of users changed")
			select {
			case changed <- struct{}{}:
			default:
			}
		}),
		client.WithConnectionLostHandler(func(err error) {
			lost <- err
		}),
	)
	if err != nil {
		return err
	}
	defer t.Close()

	sh.chat = t
	if err := sh.load(cmd.Context()); err != nil {
		return fmt.Errorf("load account lists: %w", err)
	}

	_, _ = fmt.Fprintf(out, "Connected as %s. Type \"help\" for commands.\n", t.Name())
	err = sh.run(lost, changed)
	if errors.Is(err, client.ErrConnectionLost) {
		_, _ = fmt.Fprintln(out, "Connection to the server was lost.")
	}
	return err
}
