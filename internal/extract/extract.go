// Package extract replays games and emits position candidates for the
// aggregator. Extraction is pure: it never touches storage, and a failure
// in one game never affects another.
package extract

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/freeeve/chessflow/internal/board"
	"github.com/freeeve/chessflow/internal/model"
)

// Game replays moves (ordered by ply) from the starting position and emits
// one candidate per half-move. The half-move list must be gapless starting
// at ply 1; a gap or an illegal move discards the whole game's output and
// returns a GameFailure instead. A game with zero moves yields zero
// candidates and no failure.
func Game(gameID int64, moves []model.HalfMove) ([]model.Candidate, *model.GameFailure) {
	for i, hm := range moves {
		if hm.Ply != i+1 {
			return nil, &model.GameFailure{
				GameID:    gameID,
				MoveIndex: hm.Ply,
				SAN:       hm.SAN,
				Reason:    fmt.Sprintf("ply sequence gap: expected %d, got %d", i+1, hm.Ply),
			}
		}
	}

	b := board.New()
	candidates := make([]model.Candidate, 0, len(moves))
	for _, hm := range moves {
		snap, err := b.ApplySAN(hm.SAN)
		if err != nil {
			return nil, &model.GameFailure{
				GameID:    gameID,
				MoveIndex: hm.Ply,
				SAN:       hm.SAN,
				Reason:    err.Error(),
			}
		}
		candidates = append(candidates, model.Candidate{
			Association: model.Association{
				GameID:      gameID,
				PositionKey: snap.Key,
				MoveNumber:  model.MoveNumberForPly(hm.Ply),
				Side:        model.SideForPly(hm.Ply),
			},
			Clock: model.Clock{
				Halfmove: snap.HalfmoveClock,
				Fullmove: snap.FullmoveNumber,
			},
		})
	}
	return candidates, nil
}

// Result is the outcome of extracting a set of games.
type Result struct {
	Candidates []model.Candidate
	Failures   []model.GameFailure
}

// Games replays every game in moves (keyed by game id) across parallelism
// goroutines. Failed games contribute failures instead of candidates; the
// batch as a whole always succeeds.
func Games(log zerolog.Logger, moves map[int64][]model.HalfMove, parallelism int) Result {
	if parallelism < 1 {
		parallelism = 1
	}

	ids := make([]int64, 0, len(moves))
	for id := range moves {
		ids = append(ids, id)
	}

	var (
		mu     sync.Mutex
		result Result
		wg     sync.WaitGroup
		work   = make(chan int64)
	)
	for i := 0; i < parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range work {
				candidates, failure := Game(id, moves[id])
				mu.Lock()
				if failure != nil {
					result.Failures = append(result.Failures, *failure)
				} else {
					result.Candidates = append(result.Candidates, candidates...)
				}
				mu.Unlock()
			}
		}()
	}
	for _, id := range ids {
		work <- id
	}
	close(work)
	wg.Wait()

	for _, f := range result.Failures {
		log.Warn().
			Int64("game_id", f.GameID).
			Int("ply", f.MoveIndex).
			Str("san", f.SAN).
			Str("reason", f.Reason).
			Msg("game extraction failed")
	}
	return result
}
