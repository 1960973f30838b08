// Command wpchat is a terminal client for the WordPress chat backend. It
// streams assistant answers over a websocket, browses conversation history
// and can run a local development backend.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ChamsBouzaiene/wpchat/internal/config"
	"github.com/ChamsBouzaiene/wpchat/internal/observability"
)

var version = "0.1.0"

type rootFlags struct {
	configDir string
	server    string
	token     string
	logLevel  string
	noColor   bool
}

var (
	flags      rootFlags
	cfgManager *config.Manager
	cfg        *config.Config
	logger     *slog.Logger
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wpchat [conversation-id]",
		Short: "Chat with the WordPress assistant from the terminal",
		Long: `wpchat streams answers from the WordPress chat backend.

Usage modes:
  wpchat              Start a new conversation
  wpchat <id>         Resume a conversation
  wpchat <command>    Run a specific command (see below)`,
		Args:          cobra.MaximumNArgs(1),
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadRuntime()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) > 0 {
				id = args[0]
			}
			return runChat(cmd.Context(), id, "")
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configDir, "config-dir", "", "Configuration directory (default: user config dir)")
	pf.StringVar(&flags.server, "server", "", "Override the websocket server URL")
	pf.StringVar(&flags.token, "token", "", "Override the auth token")
	pf.StringVar(&flags.logLevel, "log-level", "", "Override the log level (debug|info|warn|error)")
	pf.BoolVar(&flags.noColor, "no-color", false, "Disable colored output")

	root.AddGroup(
		&cobra.Group{ID: "chat", Title: "Chat:"},
		&cobra.Group{ID: "admin", Title: "Setup:"},
	)
	for _, c := range []*cobra.Command{chatCmd(), historyCmd(), searchCmd()} {
		c.GroupID = "chat"
		root.AddCommand(c)
	}
	for _, c := range []*cobra.Command{serveCmd(), configCmd()} {
		c.GroupID = "admin"
		root.AddCommand(c)
	}
	return root
}

// loadRuntime resolves configuration from file, environment and flags and
// installs the logger.
func loadRuntime() error {
	if flags.noColor {
		color.NoColor = true
	}

	if flags.configDir != "" {
		cfgManager = config.NewManagerAt(flags.configDir)
	} else {
		m, err := config.NewManager()
		if err != nil {
			return err
		}
		cfgManager = m
	}

	loaded, err := cfgManager.LoadEffective()
	if err != nil {
		return err
	}
	if flags.server != "" {
		loaded.ServerURL = flags.server
	}
	if flags.token != "" {
		loaded.AuthToken = flags.token
	}
	if flags.logLevel != "" {
		loaded.LogLevel = flags.logLevel
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid configuration in %s: %w", cfgManager.GetConfigPath(), err)
	}
	cfg = loaded

	logger = observability.New(observability.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	observability.SetDefault(logger)
	slog.SetDefault(logger)
	return nil
}
