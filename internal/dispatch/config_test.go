package dispatch

import (
	"testing"
	"time"

	"github.com/BTreeMap/ImgurBot/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cases := map[string]func(*Config){
		"maxActionsPerWindow": func(c *Config) { c.MaxActionsPerWindow = 0 },
		"windowDuration":      func(c *Config) { c.Window = 0 },
		"maxRetries":          func(c *Config) { c.MaxRetries = -1 },
		"baseDelay":           func(c *Config) { c.BaseDelay = 0 },
		"maxDelay":            func(c *Config) { c.MaxDelay = time.Millisecond },
		"dispatchConcurrency": func(c *Config) { c.Concurrency = 0 },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			err := cfg.Validate()
			var ce *models.ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, field, ce.Field)
		})
	}
}

func TestConfigWorkers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Concurrency = 8
	cfg.MaxActionsPerWindow = 3
	assert.Equal(t, 3, cfg.Workers())
	cfg.MaxActionsPerWindow = 30
	assert.Equal(t, 8, cfg.Workers())
}

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	maxDelay := 30 * time.Second
	assert.Equal(t, base, Backoff(0, base, maxDelay))
	assert.Equal(t, 4*time.Second, Backoff(1, base, maxDelay))
	assert.Equal(t, 16*time.Second, Backoff(3, base, maxDelay))
	assert.Equal(t, maxDelay, Backoff(4, base, maxDelay))
	assert.Equal(t, maxDelay, Backoff(500, base, maxDelay))

	prev := time.Duration(0)
	for k := 0; k < 100; k++ {
		d := Backoff(k, base, maxDelay)
		assert.GreaterOrEqual(t, d, prev, "delay for attempt %d decreased", k)
		assert.LessOrEqual(t, d, maxDelay)
		prev = d
	}
}
