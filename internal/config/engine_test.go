package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadEngineConfig_Defaults(t *testing.T) {
	cfg := LoadEngineConfig()

	assert.Equal(t, 10, cfg.WindowS)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 5, cfg.RetryMax)
	assert.Equal(t, 2, cfg.BackoffBaseS)
	assert.Equal(t, 300, cfg.BackoffCapS)
	assert.InDelta(t, 10.0, cfg.RateLimitQPS, 0)
	assert.InDelta(t, 0.5, cfg.PauseOnErrorRate, 0)
	assert.Equal(t, 4, cfg.ConsumerWorkers)
}

func TestLoadEngineConfig_EnvOverrides(t *testing.T) {
	t.Setenv("WINDOW_S", "20")
	t.Setenv("RATE_LIMIT_QPS", "5.5")

	cfg := LoadEngineConfig()

	assert.Equal(t, 20, cfg.WindowS)
	assert.InDelta(t, 5.5, cfg.RateLimitQPS, 0)
}

func TestEngineConfig_DurationHelpers(t *testing.T) {
	cfg := &EngineConfig{
		WindowS:        10,
		BackoffBaseS:   2,
		BackoffCapS:    300,
		StaleClaimS:    120,
		ShutdownGraceS: 30,
		PauseS:         60,
	}

	assert.Equal(t, 10*time.Second, cfg.Window())
	assert.Equal(t, 2*time.Second, cfg.BackoffBase())
	assert.Equal(t, 300*time.Second, cfg.BackoffCap())
	assert.Equal(t, 120*time.Second, cfg.StaleClaim())
	assert.Equal(t, 30*time.Second, cfg.ShutdownGrace())
	assert.Equal(t, 60*time.Second, cfg.Pause())
}
