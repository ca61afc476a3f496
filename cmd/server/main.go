package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Tyrowin/nexus-chat-server/internal/server"
	"github.com/Tyrowin/nexus-chat-server/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries the settings shared by every subcommand.
type app struct {
	v          *viper.Viper
	configFile string
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	server.SetDefaults(a.v)

	rootCmd := &cobra.Command{
		Use:           "chatd",
		Short:         "Nexus chat server",
		Long:          "chatd runs the Nexus chat server and manages its account database.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.readConfigFile()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default ./chatd.toml when present)")
	flags.String("db", server.DefaultDatabasePath, "path of the SQLite database")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	_ = a.v.BindPFlag(server.KeyDatabasePath, flags.Lookup("db"))
	_ = a.v.BindPFlag(server.KeyLogLevel, flags.Lookup("log-level"))

	rootCmd.AddCommand(
		newServeCmd(a),
		newAccountsCmd(a),
		newHistoryCmd(a),
		newStatsCmd(a),
	)
	return rootCmd
}

// readConfigFile merges the optional TOML config file into the settings. An
// explicit --config must exist; the default chatd.toml may be absent.
func (a *app) readConfigFile() error {
	if a.configFile != "" {
		a.v.SetConfigFile(a.configFile)
	} else {
		a.v.SetConfigName("chatd")
		a.v.SetConfigType("toml")
		a.v.AddConfigPath(".")
	}

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.configFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func (a *app) config() (server.Config, error) {
	cfg, err := server.LoadConfig(a.v)
	if err != nil {
		return server.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured database for the management commands.
func (a *app) openStore() (*storage.SQLiteStore, error) {
	path := strings.TrimSpace(a.v.GetString(server.KeyDatabasePath))
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	return storage.OpenSQLite(path)
}
