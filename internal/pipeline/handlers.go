package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/freeeve/chessflow/internal/extract"
	"github.com/freeeve/chessflow/internal/jobqueue"
	"github.com/freeeve/chessflow/internal/model"
	"github.com/freeeve/chessflow/internal/store"
)

// GameClaim is the slice of a claim transaction the map stage uses.
type GameClaim interface {
	Moves(ctx context.Context, gameIDs []int64) (map[int64][]model.HalfMove, error)
	MarkExtracted(ctx context.Context, gameIDs []int64) error
	UpsertPositions(ctx context.Context, positions []model.Position) error
	InsertAssociations(ctx context.Context, assocs []model.Association) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context)
}

// GameClaimer claims batches of pending games.
type GameClaimer interface {
	// ClaimGames returns (nil, nil, nil) when no games are claimable.
	ClaimGames(ctx context.Context, limit int) (GameClaim, []int64, error)
}

// Writer persists aggregated output outside a claim transaction.
type Writer interface {
	UpsertPositions(ctx context.Context, positions []model.Position) error
	InsertAssociations(ctx context.Context, assocs []model.Association) error
}

// NewStoreClaimer adapts the concrete store to GameClaimer. The wrapper
// keeps a nil *store.Claim from becoming a non-nil interface.
func NewStoreClaimer(s *store.Store) GameClaimer {
	return storeClaimer{s: s}
}

type storeClaimer struct {
	s *store.Store
}

func (c storeClaimer) ClaimGames(ctx context.Context, limit int) (GameClaim, []int64, error) {
	claim, ids, err := c.s.ClaimGames(ctx, limit)
	if err != nil || claim == nil {
		return nil, nil, err
	}
	return claim, ids, nil
}

// Handlers binds the pipeline's job handlers to their dependencies.
type Handlers struct {
	Claimer GameClaimer
	Writer  Writer
	Log     zerolog.Logger
}

// Register installs the map and write handlers on q.
func (h Handlers) Register(q jobqueue.Queue) {
	q.Register(jobqueue.JobMap, h.handleMap)
	q.Register(jobqueue.JobWritePositions, h.handleWrite)
	q.Register(jobqueue.JobWriteAssociations, h.handleWrite)
}

// handleMap claims games up to the request quota, replays them, and
// returns the extracted candidates. Games are marked extracted when each
// claim commits; failed games are reported, never retried.
func (h Handlers) handleMap(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := jobqueue.Decode[jobqueue.MapRequest](payload)
	if err != nil {
		return nil, err
	}
	if req.Parallelism < 1 {
		req.Parallelism = 1
	}

	var out jobqueue.MapResult
	remaining := req.Quota
	for remaining > 0 {
		limit := req.BatchSize
		if limit > remaining {
			limit = remaining
		}
		batch, err := h.mapBatch(ctx, limit, req.Parallelism)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}
		out.Candidates = append(out.Candidates, batch.Candidates...)
		out.Failures = append(out.Failures, batch.Failures...)
		out.Games += batch.Games
		remaining -= batch.Games
	}
	h.Log.Info().
		Int("games", out.Games).
		Int("candidates", len(out.Candidates)).
		Int("failures", len(out.Failures)).
		Msg("map job done")
	return json.Marshal(out)
}

// mapBatch processes one claim. Returns nil when no games were claimable.
func (h Handlers) mapBatch(ctx context.Context, limit, parallelism int) (*jobqueue.MapResult, error) {
	claim, ids, err := h.Claimer.ClaimGames(ctx, limit)
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
	res := extract.Games(h.Log, moves, parallelism)
	if err := claim.MarkExtracted(ctx, ids); err != nil {
		return nil, err
	}
	if err := claim.Commit(ctx); err != nil {
		return nil, err
	}
	return &jobqueue.MapResult{
		Candidates: res.Candidates,
		Failures:   res.Failures,
		Games:      len(ids),
	}, nil
}

// handleWrite persists one chunk of exactly one table.
func (h Handlers) handleWrite(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := jobqueue.Decode[jobqueue.WriteRequest](payload)
	if err != nil {
		return nil, err
	}
	var rows int
	switch {
	case len(req.Positions) > 0:
		if err := h.Writer.UpsertPositions(ctx, req.Positions); err != nil {
			return nil, err
		}
		rows = len(req.Positions)
	default:
		if err := h.Writer.InsertAssociations(ctx, req.Associations); err != nil {
			return nil, err
		}
		rows = len(req.Associations)
	}
	return json.Marshal(jobqueue.WriteResult{Rows: rows})
}
