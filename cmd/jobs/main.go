package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/chessflow/internal/config"
	"github.com/freeeve/chessflow/internal/jobqueue"
	"github.com/freeeve/chessflow/internal/logx"
	"github.com/freeeve/chessflow/internal/pipeline"
	"github.com/freeeve/chessflow/internal/store"
)

const usage = `Usage: jobs [options] <command>

Commands:
  pipeline      submit an extraction pipeline run to the worker queue
  dispatch      submit an analysis dispatch run to the worker queue
  generate      run a single-process extraction pipeline locally
  reset-games   mark every game unextracted again
  clear-scores  wipe all analysis results
  counts        show pending games and unscored positions
`

// Await sizing mirrors what the stages themselves budget per item.
const (
	perGame     = 500 * time.Millisecond
	perPosition = 5 * time.Second
	jobMargin   = time.Minute
)

func main() {
	defaultConfig := os.Getenv("CHESSFLOW_CONFIG")

	var (
		configPath = flag.String("config", defaultConfig, "Path to YAML config file")
		dbURL      = flag.String("db", "", "Postgres connection URL (overrides config)")
		redisAddr  = flag.String("redis", "", "Redis address (overrides config)")
		total      = flag.Int("total", 0, "Total games/positions for this run (overrides config)")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
		os.Exit(1)
	}
	command := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *dbURL != "" {
		cfg.DatabaseURL = *dbURL
	}
	if *redisAddr != "" {
		cfg.RedisAddr = *redisAddr
	}
	if *total > 0 {
		cfg.Pipeline.TotalGames = *total
		cfg.Analysis.TotalPositions = *total
	}
	logger := logx.NewLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, command, cfg, logger); err != nil {
		logger.Fatal().Err(err).Str("command", command).Msg("job failed")
	}
}

func run(ctx context.Context, command string, cfg config.Config, logger zerolog.Logger) error {
	switch command {
	case "pipeline":
		return submitPipeline(ctx, cfg, logger)
	case "dispatch":
		return submitDispatch(ctx, cfg, logger)
	case "generate":
		return generate(ctx, cfg, logger)
	case "reset-games", "clear-scores", "counts":
		return adminCommand(ctx, command, cfg, logger)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func submitPipeline(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	queue, err := jobqueue.NewRedisQueue(ctx, cfg.RedisAddr, cfg.Queue, logger)
	if err != nil {
		return err
	}
	defer queue.Close()

	h, err := queue.Submit(ctx, jobqueue.JobPipeline, jobqueue.PipelineRequest{
		TotalGames:  cfg.Pipeline.TotalGames,
		Workers:     cfg.Pipeline.Workers,
		BatchSize:   cfg.Pipeline.BatchSize,
		Parallelism: cfg.Pipeline.Parallelism,
	})
	if err != nil {
		return err
	}
	timeout := jobqueue.JobTimeout(cfg.Pipeline.TotalGames, perGame, jobMargin)
	logger.Info().Str("job_id", h.ID).Dur("timeout", timeout).Msg("pipeline submitted")

	data, err := queue.Await(ctx, h, timeout)
	if err != nil {
		return err
	}
	result, err := jobqueue.Decode[jobqueue.PipelineResult](data)
	if err != nil {
		return err
	}
	logger.Info().
		Int("games", result.Games).
		Int("positions", result.Positions).
		Int("associations", result.Associations).
		Int("failures", result.Failures).
		Msg("pipeline finished")
	return nil
}

func submitDispatch(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	queue, err := jobqueue.NewRedisQueue(ctx, cfg.RedisAddr, cfg.Queue, logger)
	if err != nil {
		return err
	}
	defer queue.Close()

	h, err := queue.Submit(ctx, jobqueue.JobDispatch, jobqueue.DispatchRequest{
		TotalPositions: cfg.Analysis.TotalPositions,
		BatchSize:      cfg.Analysis.BatchSize,
		Workers:        cfg.Analysis.Workers,
		NodeBudget:     cfg.Analysis.NodeBudget,
		Cooldown:       cfg.Analysis.Cooldown,
	})
	if err != nil {
		return err
	}
	timeout := jobqueue.JobTimeout(cfg.Analysis.TotalPositions, perPosition, jobMargin)
	logger.Info().Str("job_id", h.ID).Dur("timeout", timeout).Msg("dispatch submitted")

	data, err := queue.Await(ctx, h, timeout)
	if err != nil {
		return err
	}
	result, err := jobqueue.Decode[jobqueue.DispatchResult](data)
	if err != nil {
		return err
	}
	logger.Info().Int("scored", result.Scored).Msg("dispatch finished")
	return nil
}

func generate(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	st, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	gen := pipeline.NewGenerator(pipeline.NewStoreClaimer(st), cfg.Pipeline, logger)
	_, err = gen.Run(ctx)
	return err
}

func adminCommand(ctx context.Context, command string, cfg config.Config, logger zerolog.Logger) error {
	st, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	switch command {
	case "reset-games":
		n, err := st.ResetExtracted(ctx)
		if err != nil {
			return err
		}
		logger.Info().Int64("games", n).Msg("games reset to pending")
	case "clear-scores":
		n, err := st.ClearScores(ctx)
		if err != nil {
			return err
		}
		logger.Info().Int64("positions", n).Msg("scores cleared")
	case "counts":
		games, err := st.CountPendingGames(ctx)
		if err != nil {
			return err
		}
		positions, err := st.CountUnscoredPositions(ctx)
		if err != nil {
			return err
		}
		logger.Info().
			Int64("pending_games", games).
			Int64("unscored_positions", positions).
			Msg("work remaining")
	}
	return nil
}
