// Package config loads the single immutable configuration struct shared by
// all chessflow processes. Values come from a YAML file; unset fields fall
// back to defaults in Load.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PipelineConfig controls the queued extraction pipeline and the
// single-process generator.
type PipelineConfig struct {
	// TotalGames is the overall game quota for one pipeline run.
	TotalGames int `yaml:"total_games"`
	// Workers is the number of map jobs (and write chunks per table).
	Workers int `yaml:"workers"`
	// BatchSize is the per-claim game limit for the generator loop.
	BatchSize int `yaml:"batch_size"`
	// Parallelism bounds concurrent game replays inside one map job.
	Parallelism int `yaml:"parallelism"`
}

// AnalysisConfig controls the engine analysis dispatcher.
type AnalysisConfig struct {
	// TotalPositions is the overall quota for one dispatch run.
	TotalPositions int `yaml:"total_positions"`
	// BatchSize is the per-claim position limit.
	BatchSize int `yaml:"batch_size"`
	// Workers is the number of parallel dispatcher workers.
	Workers int `yaml:"workers"`
	// NodeBudget is the engine search budget per request.
	NodeBudget int `yaml:"node_budget"`
	// Cooldown is the pause between consecutive batches per worker.
	Cooldown time.Duration `yaml:"cooldown"`
	// EngineURL selects the HTTP engine client when set.
	EngineURL string `yaml:"engine_url"`
	// EnginePath selects a local UCI engine binary when EngineURL is empty.
	EnginePath string `yaml:"engine_path"`
	// EngineTimeout bounds one engine request.
	EngineTimeout time.Duration `yaml:"engine_timeout"`
}

// Config is loaded once at process start and passed down by value.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`
	// Queue names the job queue consumed/produced ("chessflow" by default).
	Queue    string         `yaml:"queue"`
	LogLevel string         `yaml:"log_level"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Analysis AnalysisConfig `yaml:"analysis"`
}

// Default returns a Config with every tunable at its default.
func Default() Config {
	return Config{
		Queue:    "chessflow",
		LogLevel: "info",
		Pipeline: PipelineConfig{
			TotalGames:  1000,
			Workers:     4,
			BatchSize:   250,
			Parallelism: 4,
		},
		Analysis: AnalysisConfig{
			TotalPositions: 1000,
			BatchSize:      50,
			Workers:        2,
			NodeBudget:     100000,
			Cooldown:       time.Second,
			EngineTimeout:  2 * time.Minute,
		},
	}
}

// Load reads path and merges it over Default. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be >= 1, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.BatchSize < 1 {
		return fmt.Errorf("pipeline.batch_size must be >= 1, got %d", c.Pipeline.BatchSize)
	}
	if c.Analysis.Workers < 1 {
		return fmt.Errorf("analysis.workers must be >= 1, got %d", c.Analysis.Workers)
	}
	if c.Analysis.BatchSize < 1 {
		return fmt.Errorf("analysis.batch_size must be >= 1, got %d", c.Analysis.BatchSize)
	}
	if c.Analysis.NodeBudget < 1 {
		return fmt.Errorf("analysis.node_budget must be >= 1, got %d", c.Analysis.NodeBudget)
	}
	return nil
}
