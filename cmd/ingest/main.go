package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/freeeve/chessflow/internal/config"
	"github.com/freeeve/chessflow/internal/ingest"
	"github.com/freeeve/chessflow/internal/logx"
	"github.com/freeeve/chessflow/internal/store"
)

func main() {
	defaultConfig := os.Getenv("CHESSFLOW_CONFIG")
	defaultDB := os.Getenv("CHESSFLOW_DATABASE_URL")

	var (
		configPath = flag.String("config", defaultConfig, "Path to YAML config file")
		dbURL      = flag.String("db", defaultDB, "Postgres connection URL (overrides config)")
		ratingMin  = flag.Int("rating-min", 0, "Rating floor for games (0 = no filter)")
		migrate    = flag.Bool("migrate", true, "Create schema before loading")
	)
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: ingest [options] <file.pgn[.zst]> ...")
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
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
	if *migrate {
		if err := st.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate schema")
		}
	}

	loader := ingest.NewLoader(ingest.Config{
		RatingMin: *ratingMin,
		Logger:    logger,
	}, st)

	var total ingest.Stats
	for _, path := range flag.Args() {
		stats, err := loader.LoadFile(ctx, path)
		if err != nil {
			logger.Fatal().Err(err).Str("file", path).Msg("load failed")
		}
		total.Games += stats.Games
		total.Skipped += stats.Skipped
		total.Moves += stats.Moves
	}

	logger.Info().
		Int64("games", total.Games).
		Int64("skipped", total.Skipped).
		Int64("moves", total.Moves).
		Msg("ingest complete")
}
