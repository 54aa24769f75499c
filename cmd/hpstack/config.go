package main

import (
	"errors"
	"os"

	"github.com/23skdu/hazardstack/internal/arena"
	"github.com/23skdu/hazardstack/internal/hazard"
	"github.com/23skdu/hazardstack/internal/limiter"
	"github.com/23skdu/hazardstack/internal/logging"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// envPrefix is prepended to every environment variable name
const envPrefix = "HPSTACK"

// Config validation errors
var (
	ErrInvalidMaxHazardSlots  = errors.New("max_hazard_slots must be positive")
	ErrInvalidRetireThreshold = errors.New("retire_threshold must be positive")
	ErrInvalidChunkSize       = errors.New("arena_chunk_size must be a positive power of two")
	ErrInvalidMaxNodes        = errors.New("arena_max_nodes must be positive and fit in 32 bits")
	ErrInvalidLogFormat       = errors.New("log_format must be 'json' or 'console'")
	ErrInvalidLogLevel        = errors.New("log_level must be debug, info, warn, or error")
	ErrInvalidRateLimit       = errors.New("rate_limit_rps and rate_limit_burst cannot be negative")
	ErrInvalidTraceSampleRate = errors.New("trace_sample_rate must be between 0 and 1")
)

// Config is the process configuration, read from HPSTACK_* variables
type Config struct {
	MaxHazardSlots  int `envconfig:"MAX_HAZARD_SLOTS" default:"128"`
	RetireThreshold int `envconfig:"RETIRE_THRESHOLD" default:"64"`

	ArenaChunkSize int `envconfig:"ARENA_CHUNK_SIZE" default:"1024"`
	ArenaMaxNodes  int `envconfig:"ARENA_MAX_NODES" default:"16777216"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	// MetricsAddr serves /metrics when set
	MetricsAddr string `envconfig:"METRICS_ADDR" default:""`

	// TraceSampleRate enables span export to stderr when above 0
	TraceSampleRate float64 `envconfig:"TRACE_SAMPLE_RATE" default:"0"`

	// per-worker pacing, HPSTACK_RATE_LIMIT_RPS / HPSTACK_RATE_LIMIT_BURST
	limiter.Config
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		MaxHazardSlots:  hazard.DefaultMaxSlots,
		RetireThreshold: hazard.DefaultRetireThreshold,
		ArenaChunkSize:  arena.DefaultChunkSize,
		ArenaMaxNodes:   arena.DefaultMaxNodes,
		LogFormat:       "json",
		LogLevel:        "info",
	}
}

// ValidateConfig validates the configuration and returns an error if invalid
func ValidateConfig(cfg *Config) error {
	if cfg.MaxHazardSlots <= 0 {
		return ErrInvalidMaxHazardSlots
	}
	if cfg.RetireThreshold <= 0 {
		return ErrInvalidRetireThreshold
	}
	if cfg.ArenaChunkSize <= 0 || cfg.ArenaChunkSize&(cfg.ArenaChunkSize-1) != 0 {
		return ErrInvalidChunkSize
	}
	if cfg.ArenaMaxNodes <= 0 || uint64(cfg.ArenaMaxNodes) > arena.MaxNodes {
		return ErrInvalidMaxNodes
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return ErrInvalidLogFormat
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" && cfg.LogLevel != "error" {
		return ErrInvalidLogLevel
	}
	if cfg.RPS < 0 || cfg.Burst < 0 {
		return ErrInvalidRateLimit
	}
	if cfg.TraceSampleRate < 0 || cfg.TraceSampleRate > 1 {
		return ErrInvalidTraceSampleRate
	}
	return nil
}

// LoadConfig reads any of the given dotenv files that exist, then the
// environment. Variables already set in the environment win over the files.
func LoadConfig(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, err
	}
	if err := ValidateConfig(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// HazardConfig builds the hazard manager configuration
func (c *Config) HazardConfig() hazard.Config {
	return hazard.Config{
		MaxSlots:        c.MaxHazardSlots,
		RetireThreshold: c.RetireThreshold,
	}
}

// ArenaConfig builds the per-stack node arena configuration
func (c *Config) ArenaConfig() arena.Config {
	return arena.Config{
		ChunkSize: c.ArenaChunkSize,
		MaxNodes:  c.ArenaMaxNodes,
	}
}

// LoggingConfig builds the logger configuration
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Format: c.LogFormat,
		Level:  c.LogLevel,
		Output: os.Stdout,
	}
}
