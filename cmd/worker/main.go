package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/freeeve/chessflow/internal/config"
	"github.com/freeeve/chessflow/internal/dispatch"
	"github.com/freeeve/chessflow/internal/engine"
	"github.com/freeeve/chessflow/internal/jobqueue"
	"github.com/freeeve/chessflow/internal/logx"
	"github.com/freeeve/chessflow/internal/pipeline"
	"github.com/freeeve/chessflow/internal/store"
)

func main() {
	defaultConfig := os.Getenv("CHESSFLOW_CONFIG")

	var (
		configPath = flag.String("config", defaultConfig, "Path to YAML config file")
		redisAddr  = flag.String("redis", "", "Redis address (overrides config)")
		dbURL      = flag.String("db", "", "Postgres connection URL (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *redisAddr != "" {
		cfg.RedisAddr = *redisAddr
	}
	if *dbURL != "" {
		cfg.DatabaseURL = *dbURL
	}
	logger := logx.NewLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrate schema")
	}

	queue, err := jobqueue.NewRedisQueue(ctx, cfg.RedisAddr, cfg.Queue, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect job queue")
	}
	defer queue.Close()

	registerHandlers(queue, st, cfg, logger)

	logger.Info().Str("queue", cfg.Queue).Msg("worker started")
	if err := queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker stopped")
	}
	logger.Info().Msg("worker shut down")
}

// registerHandlers installs the stage handlers plus the two whole-run jobs.
func registerHandlers(queue jobqueue.Queue, st *store.Store, cfg config.Config, logger zerolog.Logger) {
	pipeline.Handlers{
		Claimer: pipeline.NewStoreClaimer(st),
		Writer:  st,
		Log:     logger,
	}.Register(queue)

	queue.Register(jobqueue.JobPipeline, func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := jobqueue.Decode[jobqueue.PipelineRequest](payload)
		if err != nil {
			return nil, err
		}
		pcfg := cfg.Pipeline
		pcfg.TotalGames = req.TotalGames
		pcfg.Workers = req.Workers
		if req.BatchSize > 0 {
			pcfg.BatchSize = req.BatchSize
		}
		if req.Parallelism > 0 {
			pcfg.Parallelism = req.Parallelism
		}
		result, err := pipeline.NewCoordinator(queue, pcfg, logger).Run(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	})

	queue.Register(jobqueue.JobDispatch, func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := jobqueue.Decode[jobqueue.DispatchRequest](payload)
		if err != nil {
			return nil, err
		}
		acfg := cfg.Analysis
		acfg.TotalPositions = req.TotalPositions
		acfg.NodeBudget = req.NodeBudget
		if req.BatchSize > 0 {
			acfg.BatchSize = req.BatchSize
		}
		if req.Workers > 0 {
			acfg.Workers = req.Workers
		}
		if req.Cooldown > 0 {
			acfg.Cooldown = req.Cooldown
		}
		scored, err := dispatch.New(
			dispatch.NewStoreClaimer(st),
			newEngineFactory(acfg),
			acfg,
			logger,
		).Run(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(jobqueue.DispatchResult{Scored: scored})
	})
}

// newEngineFactory prefers the HTTP analysis service; a local UCI binary is
// the fallback for standalone deployments.
func newEngineFactory(cfg config.AnalysisConfig) dispatch.EngineFactory {
	return func() (engine.Analyzer, error) {
		if cfg.EngineURL != "" {
			return engine.NewHTTPClient(cfg.EngineURL, cfg.EngineTimeout), nil
		}
		return engine.NewUCIEngine(engine.UCIEngineConfig{Path: cfg.EnginePath})
	}
}
