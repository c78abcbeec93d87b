package config

import (
	"os"
	"strconv"
	"time"
)

// EngineConfig holds the scalar env-var knobs every component reads at
// startup (§6 Configuration), as distinct from the pairs[] YAML file.
type EngineConfig struct {
	WindowS          int
	BatchSize        int
	RetryMax         int
	BackoffBaseS     int
	BackoffCapS      int
	RateLimitQPS     float64
	PauseOnErrorRate float64
	PauseS           int
	StaleClaimS      int
	ShutdownGraceS   int
	ConsumerWorkers  int
	MetricsAddr      string
	EventbusBrokers  string
	SnapshotDir      string
	SheetBaseURL     string
	SheetAPIToken    string
	PairsFile        string
}

// LoadEngineConfig reads every scalar knob from the environment, falling
// back to the defaults documented in §4–§5.
func LoadEngineConfig() *EngineConfig {
	return &EngineConfig{
		WindowS:          GetEnvInt("WINDOW_S", 10),
		BatchSize:        GetEnvInt("BATCH_SIZE", 100),
		RetryMax:         GetEnvInt("RETRY_MAX", 5),
		BackoffBaseS:     GetEnvInt("BACKOFF_BASE_S", 2),
		BackoffCapS:      GetEnvInt("BACKOFF_CAP_S", 300),
		RateLimitQPS:     getEnvFloat("RATE_LIMIT_QPS", 10),
		PauseOnErrorRate: getEnvFloat("PAUSE_ON_ERROR_RATE", 0.5),
		PauseS:           GetEnvInt("PAUSE_S", 60),
		StaleClaimS:      GetEnvInt("STALE_CLAIM_S", 120),
		ShutdownGraceS:   GetEnvInt("SHUTDOWN_GRACE_S", 30),
		ConsumerWorkers:  GetEnvInt("CONSUMER_WORKERS", 4),
		MetricsAddr:      GetEnvStr("METRICS_ADDR", ":9090"),
		EventbusBrokers:  GetEnvStr("EVENTBUS_BROKERS", ""),
		SnapshotDir:      GetEnvStr("SNAPSHOT_DIR", "./snapshots"),
		SheetBaseURL:     GetEnvStr("SHEET_BASE_URL", ""),
		SheetAPIToken:    GetEnvStr("SHEET_API_TOKEN", ""),
		PairsFile:        GetEnvStr("PAIRS_FILE", "./pairs.yaml"),
	}
}

// Window returns WindowS as a time.Duration for ledger.New.
func (c *EngineConfig) Window() time.Duration {
	return time.Duration(c.WindowS) * time.Second
}

// BackoffBase returns BackoffBaseS as a time.Duration.
func (c *EngineConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseS) * time.Second
}

// BackoffCap returns BackoffCapS as a time.Duration.
func (c *EngineConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapS) * time.Second
}

// StaleClaim returns StaleClaimS as a time.Duration.
func (c *EngineConfig) StaleClaim() time.Duration {
	return time.Duration(c.StaleClaimS) * time.Second
}

// ShutdownGrace returns ShutdownGraceS as a time.Duration.
func (c *EngineConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceS) * time.Second
}

// Pause returns PauseS as a time.Duration.
func (c *EngineConfig) Pause() time.Duration {
	return time.Duration(c.PauseS) * time.Second
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}

	return defaultValue
}
