// Package dispatch pulls unscored positions from the store, most frequent
// first, and sends them to the engine. Results are persisted inside the
// claim transaction, so a position is released scored or not at all.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/chessflow/internal/config"
	"github.com/freeeve/chessflow/internal/engine"
	"github.com/freeeve/chessflow/internal/model"
	"github.com/freeeve/chessflow/internal/store"
)

// PositionClaim is the slice of a claim transaction the dispatcher uses.
type PositionClaim interface {
	SaveAnalysis(ctx context.Context, results []model.Analysis) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context)
}

// PositionClaimer claims batches of unscored positions.
type PositionClaimer interface {
	// ClaimUnscored returns (nil, nil, nil) when nothing is claimable.
	ClaimUnscored(ctx context.Context, limit int) (PositionClaim, []string, error)
}

// NewStoreClaimer adapts the concrete store to PositionClaimer.
func NewStoreClaimer(s *store.Store) PositionClaimer {
	return storeClaimer{s: s}
}

type storeClaimer struct {
	s *store.Store
}

func (c storeClaimer) ClaimUnscored(ctx context.Context, limit int) (PositionClaim, []string, error) {
	claim, keys, err := c.s.ClaimUnscored(ctx, limit)
	if err != nil || claim == nil {
		return nil, nil, err
	}
	return claim, keys, nil
}

// EngineFactory builds one analyzer per worker. Local UCI engines are not
// safe for concurrent use, so workers never share one.
type EngineFactory func() (engine.Analyzer, error)

// errEngineFailed marks a batch lost to the engine rather than the store.
// The claim is already aborted, so the positions stay claimable.
var errEngineFailed = errors.New("engine failed")

// A worker gives up after this many abandoned batches in a row.
const maxBatchFailures = 5

// Dispatcher fans analysis work out to parallel workers sharing one quota.
type Dispatcher struct {
	claimer   PositionClaimer
	newEngine EngineFactory
	cfg       config.AnalysisConfig
	log       zerolog.Logger

	scored    int64
	failed    int64
	abandoned int64
}

// New wires a dispatcher.
func New(claimer PositionClaimer, newEngine EngineFactory, cfg config.AnalysisConfig, log zerolog.Logger) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 50
	}
	return &Dispatcher{claimer: claimer, newEngine: newEngine, cfg: cfg, log: log}
}

// Run scores up to cfg.TotalPositions positions and returns how many were
// persisted. The run ends early when no positions remain claimable. An
// engine failure abandons the batch back to the pool and the worker moves
// on; only maxBatchFailures abandoned batches in a row stop a worker, and
// the run reports the first such error after the other workers drain.
func (d *Dispatcher) Run(ctx context.Context) (int, error) {
	remaining := int64(d.cfg.TotalPositions)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	started := time.Now()
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log := d.log.With().Int("worker_id", workerID).Logger()
			if err := d.worker(ctx, log, &remaining); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	scored := int(atomic.LoadInt64(&d.scored))
	d.log.Info().
		Int("scored", scored).
		Int64("invalid", atomic.LoadInt64(&d.failed)).
		Int64("abandoned_batches", atomic.LoadInt64(&d.abandoned)).
		Dur("elapsed", time.Since(started)).
		Msg("dispatch done")
	if len(errs) > 0 {
		return scored, errs[0]
	}
	return scored, nil
}

func (d *Dispatcher) worker(ctx context.Context, log zerolog.Logger, remaining *int64) error {
	analyzer, err := d.newEngine()
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer analyzer.Close()

	streak := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		quota := atomic.LoadInt64(remaining)
		if quota <= 0 {
			return nil
		}
		limit := int64(d.cfg.BatchSize)
		if limit > quota {
			limit = quota
		}

		n, empty, err := d.runBatch(ctx, log, analyzer, int(limit))
		switch {
		case errors.Is(err, errEngineFailed):
			streak++
			atomic.AddInt64(&d.abandoned, 1)
			log.Warn().Err(err).Int("consecutive", streak).
				Msg("batch abandoned, positions released for a later claim")
			if streak >= maxBatchFailures {
				return fmt.Errorf("giving up after %d abandoned batches: %w", streak, err)
			}
		case err != nil:
			return err
		case empty:
			return nil
		default:
			streak = 0
			atomic.AddInt64(remaining, -int64(n))
		}

		if d.cfg.Cooldown > 0 {
			select {
			case <-time.After(d.cfg.Cooldown):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// runBatch claims one batch and scores it. The batch gets one retry on a
// fresh engine connection; a second failure aborts the claim so the
// positions stay claimable and reports errEngineFailed.
func (d *Dispatcher) runBatch(ctx context.Context, log zerolog.Logger, analyzer engine.Analyzer, limit int) (scored int, empty bool, err error) {
	claim, keys, err := d.claimer.ClaimUnscored(ctx, limit)
	if err != nil {
		return 0, false, fmt.Errorf("claiming positions: %w", err)
	}
	if claim == nil {
		return 0, true, nil
	}
	defer claim.Abort(ctx)

	results, err := analyzer.Analyze(ctx, keys, d.cfg.NodeBudget)
	if err != nil {
		log.Warn().Err(err).Int("positions", len(keys)).Msg("engine failed, retrying on a fresh connection")
		if rerr := analyzer.Reconnect(); rerr != nil {
			return 0, false, fmt.Errorf("%w: reconnecting: %v", errEngineFailed, rerr)
		}
		results, err = analyzer.Analyze(ctx, keys, d.cfg.NodeBudget)
		if err != nil {
			return 0, false, fmt.Errorf("%w: retry: %v", errEngineFailed, err)
		}
	}

	analyses := make([]model.Analysis, 0, len(results))
	for _, r := range results {
		if !r.Valid {
			atomic.AddInt64(&d.failed, 1)
			log.Warn().Str("position", r.Position).Msg("engine rejected position")
			continue
		}
		a := model.Analysis{
			Key:      r.Position,
			ScoreCP:  r.ScoreCP,
			BestLine: r.BestLine,
		}
		if r.WDL != nil {
			a.WDLWin = &r.WDL.Win
			a.WDLDraw = &r.WDL.Draw
			a.WDLLoss = &r.WDL.Loss
		}
		analyses = append(analyses, a)
	}

	if err := claim.SaveAnalysis(ctx, analyses); err != nil {
		return 0, false, err
	}
	if err := claim.Commit(ctx); err != nil {
		return 0, false, err
	}
	atomic.AddInt64(&d.scored, int64(len(analyses)))
	log.Debug().Int("scored", len(analyses)).Msg("batch committed")
	return len(keys), false, nil
}
