package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ChuLiYu/binpack-coordinator/internal/coordinator"
	"github.com/ChuLiYu/binpack-coordinator/internal/logging"
	"github.com/ChuLiYu/binpack-coordinator/pkg/types"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "configs/default.yaml"

// WorkerAddrEnv overrides worker.addr when set.
const WorkerAddrEnv = "BINPACK_WORKER_ADDR"

// Config represents the complete configuration file.
// Keys missing from the file keep their DefaultConfig value.
type Config struct {
	Worker struct {
		Addr            string        `yaml:"addr"`
		DialTimeout     time.Duration `yaml:"dial_timeout"`
		GenerationDelay time.Duration `yaml:"generation_delay"` // simulated worker only
		PlotDelay       time.Duration `yaml:"plot_delay"`       // simulated worker only
		PoolSize        int           `yaml:"pool_size"`
	} `yaml:"worker"`

	Job         types.JobParameters `yaml:"job"`
	Coordinator coordinator.Config  `yaml:"coordinator"`

	Export struct {
		Dir string `yaml:"dir"`
	} `yaml:"export"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log logging.Config `yaml:"log"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Job: types.DefaultJobParameters(),
		Log: logging.DefaultConfig(),
	}
	cfg.Worker.Addr = "localhost:50061"
	cfg.Worker.DialTimeout = 5 * time.Second
	cfg.Worker.GenerationDelay = 20 * time.Millisecond
	cfg.Worker.PlotDelay = 50 * time.Millisecond
	cfg.Worker.PoolSize = 2
	cfg.Export.Dir = "results"
	cfg.Metrics.Port = 9091
	return cfg
}

// loadConfig reads path on top of DefaultConfig. A missing file is only an
// error when the path was chosen explicitly. A .env file next to the working
// directory is loaded first so it can override the worker address.
func loadConfig(path string, explicit bool) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		log.Debug("Config file not found, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if addr := os.Getenv(WorkerAddrEnv); addr != "" {
		cfg.Worker.Addr = addr
	}
	if cfg.Worker.PoolSize <= 0 {
		return nil, fmt.Errorf("worker.pool_size must be positive, got %d", cfg.Worker.PoolSize)
	}
	return cfg, nil
}
