package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/chessflow/internal/config"
	"github.com/freeeve/chessflow/internal/jobqueue"
	"github.com/freeeve/chessflow/internal/model"
)

// Await sizing for stage jobs.
const (
	perGameBudget = 500 * time.Millisecond
	perRowBudget  = 5 * time.Millisecond
	stageMargin   = 30 * time.Second
)

// Coordinator runs the three-stage pipeline over a job queue: fan out map
// jobs, reduce their candidates, then write positions and only after every
// position chunk lands, associations.
type Coordinator struct {
	queue jobqueue.Queue
	cfg   config.PipelineConfig
	log   zerolog.Logger
}

// NewCoordinator wires a coordinator to its queue.
func NewCoordinator(q jobqueue.Queue, cfg config.PipelineConfig, log zerolog.Logger) *Coordinator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 250
	}
	return &Coordinator{queue: q, cfg: cfg, log: log}
}

// Run executes one pipeline pass over up to cfg.TotalGames games.
// A failed map job drops that worker's share; a failed position write
// aborts the run before any association is written.
func (c *Coordinator) Run(ctx context.Context) (jobqueue.PipelineResult, error) {
	started := time.Now()
	results, err := c.mapStage(ctx)
	if err != nil {
		return jobqueue.PipelineResult{}, err
	}

	var (
		candidates []model.Candidate
		summary    jobqueue.PipelineResult
	)
	for _, r := range results {
		candidates = append(candidates, r.Candidates...)
		summary.Games += r.Games
		summary.Failures += len(r.Failures)
	}
	agg := Reduce(candidates)
	summary.Positions = len(agg.Positions)
	summary.Associations = len(agg.Associations)

	c.log.Info().
		Int("games", summary.Games).
		Int("positions", summary.Positions).
		Int("associations", summary.Associations).
		Int("failures", summary.Failures).
		Msg("map stage reduced")

	if err := c.writeStage(ctx, jobqueue.JobWritePositions, positionChunks(agg.Positions, c.cfg.Workers)); err != nil {
		return jobqueue.PipelineResult{}, fmt.Errorf("position write stage: %w", err)
	}
	if err := c.writeStage(ctx, jobqueue.JobWriteAssociations, associationChunks(agg.Associations, c.cfg.Workers)); err != nil {
		return jobqueue.PipelineResult{}, fmt.Errorf("association write stage: %w", err)
	}

	c.log.Info().Dur("elapsed", time.Since(started)).Msg("pipeline done")
	return summary, nil
}

// mapStage fans out one map job per worker and collects the survivors.
// Map failures are logged and omitted; the stage fails only when every
// job failed.
func (c *Coordinator) mapStage(ctx context.Context) ([]jobqueue.MapResult, error) {
	quotas := splitQuota(c.cfg.TotalGames, c.cfg.Workers)
	handles := make([]*jobqueue.Handle, 0, len(quotas))
	for _, quota := range quotas {
		h, err := c.queue.Submit(ctx, jobqueue.JobMap, jobqueue.MapRequest{
			Quota:       quota,
			BatchSize:   c.cfg.BatchSize,
			Parallelism: c.cfg.Parallelism,
		})
		if err != nil {
			return nil, fmt.Errorf("submitting map job: %w", err)
		}
		handles = append(handles, h)
	}

	var (
		mu      sync.Mutex
		results []jobqueue.MapResult
		failed  int
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range handles {
		timeout := jobqueue.JobTimeout(quotas[i], perGameBudget, stageMargin)
		g.Go(func() error {
			data, err := c.queue.Await(gctx, h, timeout)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.log.Warn().Err(err).Str("job_id", h.ID).Msg("map job failed, omitting its share")
				failed++
				return nil
			}
			r, err := jobqueue.Decode[jobqueue.MapResult](data)
			if err != nil {
				return err
			}
			results = append(results, r)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if failed == len(handles) {
		return nil, fmt.Errorf("all %d map jobs failed", failed)
	}
	return results, nil
}

// writeStage submits all chunks for one table, then awaits them; every one
// must succeed. Submitting everything first means no await is ever left in
// flight when the stage returns.
func (c *Coordinator) writeStage(ctx context.Context, job string, chunks []jobqueue.WriteRequest) error {
	handles := make([]*jobqueue.Handle, 0, len(chunks))
	rows := make([]int, 0, len(chunks))
	for _, chunk := range chunks {
		h, err := c.queue.Submit(ctx, job, chunk)
		if err != nil {
			return fmt.Errorf("submitting %s: %w", job, err)
		}
		handles = append(handles, h)
		rows = append(rows, len(chunk.Positions)+len(chunk.Associations))
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range handles {
		timeout := jobqueue.JobTimeout(rows[i], perRowBudget, stageMargin)
		g.Go(func() error {
			_, err := c.queue.Await(gctx, h, timeout)
			return err
		})
	}
	return g.Wait()
}

// splitQuota divides total across n workers, earlier workers taking the
// remainder. Workers with a zero share are dropped.
func splitQuota(total, n int) []int {
	if n > total {
		n = total
	}
	quotas := make([]int, 0, n)
	for i := 0; i < n; i++ {
		q := total / n
		if i < total%n {
			q++
		}
		if q > 0 {
			quotas = append(quotas, q)
		}
	}
	return quotas
}

func positionChunks(positions []model.Position, n int) []jobqueue.WriteRequest {
	var out []jobqueue.WriteRequest
	for _, span := range spans(len(positions), n) {
		out = append(out, jobqueue.WriteRequest{Positions: positions[span[0]:span[1]]})
	}
	return out
}

func associationChunks(assocs []model.Association, n int) []jobqueue.WriteRequest {
	var out []jobqueue.WriteRequest
	for _, span := range spans(len(assocs), n) {
		out = append(out, jobqueue.WriteRequest{Associations: assocs[span[0]:span[1]]})
	}
	return out
}

// spans cuts [0,total) into at most n non-empty half-open ranges.
func spans(total, n int) [][2]int {
	if total == 0 {
		return nil
	}
	if n > total {
		n = total
	}
	out := make([][2]int, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		size := total / n
		if i < total%n {
			size++
		}
		out = append(out, [2]int{start, start + size})
		start += size
	}
	return out
}
