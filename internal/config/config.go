// Package config loads ImgurBot settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/ImgurBot/internal/dispatch"
	"github.com/BTreeMap/ImgurBot/internal/imgur"
	"github.com/BTreeMap/ImgurBot/internal/models"
	"github.com/BTreeMap/ImgurBot/internal/scheduler"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ImgurBot state data
	DefaultStateDir = "/var/lib/imgurbot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "imgurbot.db"
)

// ImgurConfig holds the API credentials.
type ImgurConfig struct {
	ClientID     string `env:"IMGUR_CLIENT_ID"`
	ClientSecret string `env:"IMGUR_CLIENT_SECRET"`
	AccessToken  string `env:"IMGUR_ACCESS_TOKEN"`
	RefreshToken string `env:"IMGUR_REFRESH_TOKEN"`
	APIBase      string `env:"IMGUR_API_BASE" envDefault:"https://api.imgur.com"`
}

// PollConfig enables the gallery poller. An empty Cron disables it.
type PollConfig struct {
	Cron    string `env:"IMGURBOT_POLL_CRON"`
	Section string `env:"IMGURBOT_POLL_SECTION" envDefault:"user"`
	Sort    string `env:"IMGURBOT_POLL_SORT" envDefault:"time"`
	Keyword string `env:"IMGURBOT_POLL_KEYWORD"`
	Reply   string `env:"IMGURBOT_POLL_REPLY"`
}

// Config holds environment configuration
type Config struct {
	StateDir    string `env:"IMGURBOT_STATE_DIR" envDefault:"/var/lib/imgurbot"`
	DBDSN       string `env:"IMGURBOT_DB_DSN"`
	DatabaseURL string `env:"DATABASE_URL"`

	MaxUnitLength       int           `env:"IMGURBOT_MAX_UNIT_LENGTH" envDefault:"180"`
	MaxActionsPerWindow int           `env:"IMGURBOT_MAX_ACTIONS_PER_WINDOW" envDefault:"5"`
	Window              time.Duration `env:"IMGURBOT_WINDOW" envDefault:"1m"`
	MaxRetries          int           `env:"IMGURBOT_MAX_RETRIES" envDefault:"5"`
	BaseDelay           time.Duration `env:"IMGURBOT_BASE_DELAY" envDefault:"2s"`
	MaxDelay            time.Duration `env:"IMGURBOT_MAX_DELAY" envDefault:"5m"`
	DispatchConcurrency int           `env:"IMGURBOT_DISPATCH_CONCURRENCY" envDefault:"2"`

	APIAddr         string        `env:"IMGURBOT_API_ADDR" envDefault:":8080"`
	LogLevel        string        `env:"IMGURBOT_LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"IMGURBOT_LOG_FORMAT" envDefault:"text"`
	Retention       time.Duration `env:"IMGURBOT_RETENTION" envDefault:"720h"`
	MaintenanceCron string        `env:"IMGURBOT_MAINTENANCE_CRON" envDefault:"0 3 * * *"`

	Imgur ImgurConfig
	Poll  PollConfig

	// dsnDerived is set when DBDSN was computed from StateDir.
	dsnDerived bool
}

// Load reads the given .env files (".env" when none are named), then parses
// the environment. A missing .env file is not an error.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file failed: %w", err)
		}
		slog.Debug("config.Load: no .env file loaded", "error", err)
	} else {
		slog.Debug("config.Load: .env file loaded")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment failed: %w", err)
	}

	// Default to DATABASE_URL, then to SQLite in the state directory.
	if cfg.DBDSN == "" {
		cfg.DBDSN = cfg.DatabaseURL
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = filepath.Join(cfg.StateDir, DefaultDBFileName)
		cfg.dsnDerived = true
		slog.Debug("config.Load: no database DSN provided, defaulting to SQLite", "sqlite_path", cfg.DBDSN)
	}

	slog.Debug("config.Load: environment loaded",
		"IMGURBOT_STATE_DIR", cfg.StateDir,
		"IMGURBOT_DB_DSN_SET", !cfg.dsnDerived,
		"IMGURBOT_API_ADDR", cfg.APIAddr,
		"IMGUR_CLIENT_ID_SET", cfg.Imgur.ClientID != "",
		"IMGUR_ACCESS_TOKEN_SET", cfg.Imgur.AccessToken != "",
		"IMGURBOT_POLL_CRON", cfg.Poll.Cron)
	return cfg, nil
}

// SetStateDir changes the state directory. A DSN derived from the old
// directory follows it.
func (c *Config) SetStateDir(dir string) {
	if dir == "" || dir == c.StateDir {
		return
	}
	c.StateDir = dir
	if c.dsnDerived {
		c.DBDSN = filepath.Join(dir, DefaultDBFileName)
	}
}

// SetDSN overrides the database DSN.
func (c *Config) SetDSN(dsn string) {
	if dsn == "" {
		return
	}
	c.DBDSN = dsn
	c.dsnDerived = false
}

// Dispatch returns the scheduler settings.
func (c Config) Dispatch() dispatch.Config {
	return dispatch.Config{
		MaxActionsPerWindow: c.MaxActionsPerWindow,
		Window:              c.Window,
		MaxRetries:          c.MaxRetries,
		BaseDelay:           c.BaseDelay,
		MaxDelay:            c.MaxDelay,
		Concurrency:         c.DispatchConcurrency,
	}
}

// Credentials returns the Imgur credentials.
func (c Config) Credentials() imgur.Credentials {
	return imgur.Credentials{
		ClientID:     c.Imgur.ClientID,
		ClientSecret: c.Imgur.ClientSecret,
		AccessToken:  c.Imgur.AccessToken,
		RefreshToken: c.Imgur.RefreshToken,
	}
}

// Validate checks every tunable and returns the first
// *models.ConfigurationError.
func (c Config) Validate() error {
	if c.MaxUnitLength <= 0 {
		return models.NewConfigurationError("maxUnitLength", "must be > 0, got %d", c.MaxUnitLength)
	}
	if err := c.Dispatch().Validate(); err != nil {
		return err
	}
	if c.Retention <= 0 {
		return models.NewConfigurationError("IMGURBOT_RETENTION", "must be positive, got %s", c.Retention)
	}
	if err := scheduler.Validate(c.MaintenanceCron); err != nil {
		return models.NewConfigurationError("IMGURBOT_MAINTENANCE_CRON", "%v", err)
	}
	if c.Poll.Cron != "" {
		if err := scheduler.Validate(c.Poll.Cron); err != nil {
			return models.NewConfigurationError("IMGURBOT_POLL_CRON", "%v", err)
		}
		if c.Poll.Keyword == "" || c.Poll.Reply == "" {
			return models.NewConfigurationError("IMGURBOT_POLL_KEYWORD", "keyword and reply are required when polling")
		}
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return models.NewConfigurationError("IMGURBOT_LOG_LEVEL", "%v", err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return models.NewConfigurationError("IMGURBOT_LOG_FORMAT", "must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// ValidateCredentials checks the Imgur credentials; only commands that
// talk to Imgur need them.
func (c Config) ValidateCredentials() error {
	return c.Credentials().Validate()
}

// ParseLevel parses debug, info, warn (or warning) and error.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}
