package dispatch

import (
	"time"

	"github.com/BTreeMap/ImgurBot/internal/models"
)

// Config tunes admission, retry and parallelism of the scheduler.
type Config struct {
	MaxActionsPerWindow int
	Window              time.Duration
	MaxRetries          int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	Concurrency         int
}

// DefaultConfig returns conservative defaults for a single Imgur account.
func DefaultConfig() Config {
	return Config{
		MaxActionsPerWindow: 5,
		Window:              time.Minute,
		MaxRetries:          5,
		BaseDelay:           2 * time.Second,
		MaxDelay:            5 * time.Minute,
		Concurrency:         2,
	}
}

// Validate returns a *models.ConfigurationError for the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.MaxActionsPerWindow <= 0:
		return models.NewConfigurationError("maxActionsPerWindow", "must be positive, got %d", c.MaxActionsPerWindow)
	case c.Window <= 0:
		return models.NewConfigurationError("windowDuration", "must be positive, got %s", c.Window)
	case c.MaxRetries < 0:
		return models.NewConfigurationError("maxRetries", "must not be negative, got %d", c.MaxRetries)
	case c.BaseDelay <= 0:
		return models.NewConfigurationError("baseDelay", "must be positive, got %s", c.BaseDelay)
	case c.MaxDelay < c.BaseDelay:
		return models.NewConfigurationError("maxDelay", "must be at least baseDelay (%s), got %s", c.BaseDelay, c.MaxDelay)
	case c.Concurrency <= 0:
		return models.NewConfigurationError("dispatchConcurrency", "must be positive, got %d", c.Concurrency)
	}
	return nil
}

// Workers is the size of the dispatch pool.
func (c Config) Workers() int {
	return min(c.Concurrency, c.MaxActionsPerWindow)
}

// Backoff returns base * 2^attempt, capped at maxDelay.
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		if d >= maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	return min(d, maxDelay)
}
