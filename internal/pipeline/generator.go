package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/chessflow/internal/config"
	"github.com/freeeve/chessflow/internal/extract"
	"github.com/freeeve/chessflow/internal/jobqueue"
)

// Generator is the single-process pipeline: each batch claims games,
// extracts, reduces, and writes positions, associations, and the extracted
// flags inside the claim's own transaction, so a crash mid-batch leaves the
// games claimable and the store untouched.
type Generator struct {
	claimer GameClaimer
	cfg     config.PipelineConfig
	log     zerolog.Logger
}

// NewGenerator wires a generator to its claim source.
func NewGenerator(claimer GameClaimer, cfg config.PipelineConfig, log zerolog.Logger) *Generator {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 250
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	return &Generator{claimer: claimer, cfg: cfg, log: log}
}

// Run processes batches until the game quota is met or no games remain.
func (g *Generator) Run(ctx context.Context) (jobqueue.PipelineResult, error) {
	var summary jobqueue.PipelineResult
	started := time.Now()
	lastLog := time.Now()

	remaining := g.cfg.TotalGames
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		limit := g.cfg.BatchSize
		if limit > remaining {
			limit = remaining
		}
		batch, err := g.runBatch(ctx, limit)
		if err != nil {
			return summary, err
		}
		if batch == nil {
			break
		}
		summary.Games += batch.Games
		summary.Positions += batch.Positions
		summary.Associations += batch.Associations
		summary.Failures += batch.Failures
		remaining -= batch.Games

		if time.Since(lastLog) > 10*time.Second {
			g.log.Info().
				Int("games", summary.Games).
				Int("positions", summary.Positions).
				Dur("elapsed", time.Since(started)).
				Msg("generation progress")
			lastLog = time.Now()
		}
	}

	g.log.Info().
		Int("games", summary.Games).
		Int("positions", summary.Positions).
		Int("associations", summary.Associations).
		Int("failures", summary.Failures).
		Dur("elapsed", time.Since(started)).
		Msg("generation done")
	return summary, nil
}

// runBatch handles one claim. Returns nil when no games were claimable.
func (g *Generator) runBatch(ctx context.Context, limit int) (*jobqueue.PipelineResult, error) {
	claim, ids, err := g.claimer.ClaimGames(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("claiming games: %w", err)
	}
	if claim == nil {
		return nil, nil
	}
	defer claim.Abort(ctx)

	moves, err := claim.Moves(ctx, ids)
	if err != nil {
		return nil, err
	}
	res := extract.Games(g.log, moves, g.cfg.Parallelism)
	agg := Reduce(res.Candidates)

	if err := claim.UpsertPositions(ctx, agg.Positions); err != nil {
		return nil, err
	}
	if err := claim.InsertAssociations(ctx, agg.Associations); err != nil {
		return nil, err
	}
	if err := claim.MarkExtracted(ctx, ids); err != nil {
		return nil, err
	}
	if err := claim.Commit(ctx); err != nil {
		return nil, err
	}
	return &jobqueue.PipelineResult{
		Games:        len(ids),
		Positions:    len(agg.Positions),
		Associations: len(agg.Associations),
		Failures:     len(res.Failures),
	}, nil
}
