// Command imgurbot runs the ImgurBot daemon and its admin commands.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BTreeMap/ImgurBot/internal/config"
	"github.com/BTreeMap/ImgurBot/internal/store"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is the state shared by every subcommand.
type app struct {
	cfg config.Config

	stateDir  string
	dbDSN     string
	envFile   string
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "imgurbot",
		Short:         "ImgurBot - rate-limited, deduplicated Imgur commenting bot",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.stateDir, "state-dir", "", "state directory (overrides $IMGURBOT_STATE_DIR)")
	flags.StringVar(&a.dbDSN, "db-dsn", "", "database DSN, SQLite path or Postgres URL (overrides $IMGURBOT_DB_DSN or $DATABASE_URL)")
	flags.StringVar(&a.envFile, "env-file", "", "dotenv file to load before reading the environment (default .env)")
	flags.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides $IMGURBOT_LOG_LEVEL)")
	flags.StringVar(&a.logFormat, "log-format", "", "text or json (overrides $IMGURBOT_LOG_FORMAT)")

	root.AddCommand(runCmd(a))
	root.AddCommand(seenCmd(a))
	root.AddCommand(segmentCmd(a))
	root.AddCommand(submitCmd(a))
	return root
}

// load reads configuration, applies flag overrides and installs the logger.
func (a *app) load(logOut io.Writer) error {
	var files []string
	if a.envFile != "" {
		files = append(files, a.envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return err
	}
	cfg.SetStateDir(a.stateDir)
	cfg.SetDSN(a.dbDSN)
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.logFormat != "" {
		cfg.LogFormat = a.logFormat
	}

	logger, err := newLogger(logOut, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	slog.Debug("app.load: configuration ready",
		"state_dir", cfg.StateDir,
		"dsn_type", store.DetectDSNType(cfg.DBDSN),
		"api_addr", cfg.APIAddr)
	a.cfg = cfg
	return nil
}

// newLogger builds a text or JSON slog logger at the given level.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

// ensureStateDir creates the state directory and, for SQLite, the
// directory holding the database file.
func ensureStateDir(cfg config.Config) error {
	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return fmt.Errorf("create state directory failed: %w", err)
	}
	if store.DetectDSNType(cfg.DBDSN) == "sqlite" {
		dir := filepath.Dir(cfg.DBDSN)
		slog.Debug("ensureStateDir: creating directory for file-based database", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create database directory failed: %w", err)
		}
	}
	return nil
}

// openStore prepares the state directory and opens the configured backend.
func openStore(cfg config.Config) (store.Store, error) {
	if err := ensureStateDir(cfg); err != nil {
		return nil, err
	}
	return store.Open(cfg.DBDSN)
}
