package config

import (
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// EngineConfig holds process-wide engine settings shared by all runs.
type EngineConfig struct {
	// StreamingThreshold is the estimated row count above which auto mode
	// switches to chunked streaming
	StreamingThreshold int64 `mapstructure:"streaming_threshold"`
	// WorkerCeiling caps the chunk-writer pool regardless of per-pipeline
	// options
	WorkerCeiling int `mapstructure:"worker_ceiling"`
	// QueryRowLimit is the default row limit applied to statements that
	// carry none
	QueryRowLimit int `mapstructure:"query_row_limit"`
	// SampleSize bounds the rows sampled per column during join-key
	// inference
	SampleSize int `mapstructure:"sample_size"`
	// LockTTL bounds how long a stale run lock blocks a new run after a
	// crash
	LockTTL time.Duration `mapstructure:"lock_ttl"`
	// LogLevel for the process logger
	LogLevel string `mapstructure:"log_level"`
	// MetricsEnabled toggles prometheus metric collection
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
}

// DefaultEngineConfig returns engine defaults sized for a single node
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		StreamingThreshold: DefaultStreamingThreshold,
		WorkerCeiling:      DefaultWorkerCeiling,
		QueryRowLimit:      1000,
		SampleSize:         2000,
		LockTTL:            30 * time.Minute,
		LogLevel:           "info",
		MetricsEnabled:     true,
	}
}

// LoadEngineConfig reads engine settings from an optional config file and
// RELAY_-prefixed environment variables, falling back to defaults.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()

	def := DefaultEngineConfig()
	v.SetDefault("streaming_threshold", def.StreamingThreshold)
	v.SetDefault("worker_ceiling", def.WorkerCeiling)
	v.SetDefault("query_row_limit", def.QueryRowLimit)
	v.SetDefault("sample_size", def.SampleSize)
	v.SetDefault("lock_ttl", def.LockTTL)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("metrics_enabled", def.MetricsEnabled)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg EngineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.WorkerCeiling <= 0 {
		cfg.WorkerCeiling = runtime.NumCPU()
	}
	return &cfg, nil
}
