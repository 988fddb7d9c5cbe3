package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/freeeve/uci"
)

// UCIEngineConfig configures a local UCI engine. Zero values get defaults
// in NewUCIEngine.
type UCIEngineConfig struct {
	Path    string
	HashMB  int
	Threads int
}

// UCIEngine scores positions with a local UCI engine process. Not safe for
// concurrent use; each dispatcher worker owns its own engine.
type UCIEngine struct {
	cfg    UCIEngineConfig
	engine *uci.Engine
}

// NewUCIEngine starts the engine binary and applies options.
func NewUCIEngine(cfg UCIEngineConfig) (*UCIEngine, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("engine path required")
	}
	if cfg.HashMB == 0 {
		cfg.HashMB = 256
	}
	if cfg.Threads == 0 {
		cfg.Threads = 1
	}
	e := &UCIEngine{cfg: cfg}
	if err := e.Reconnect(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reconnect kills the engine process if any and starts a fresh one.
func (e *UCIEngine) Reconnect() error {
	if e.engine != nil {
		e.engine.Close()
		e.engine = nil
	}
	engine, err := uci.NewEngine(e.cfg.Path)
	if err != nil {
		return fmt.Errorf("starting engine %s: %w", e.cfg.Path, err)
	}
	opts := uci.Options{
		Hash:    e.cfg.HashMB,
		Threads: e.cfg.Threads,
		MultiPV: 1,
		Ponder:  false,
		OwnBook: false,
	}
	if err := engine.SetOptions(opts); err != nil {
		engine.Close()
		return fmt.Errorf("setting engine options: %w", err)
	}
	e.engine = engine
	return nil
}

// Close stops the engine process.
func (e *UCIEngine) Close() error {
	if e.engine != nil {
		e.engine.Close()
		e.engine = nil
	}
	return nil
}

// Analyze scores each position with a node-limited search. A position the
// engine rejects yields Valid=false; an engine protocol failure fails the
// whole batch so the caller can reconnect and retry.
func (e *UCIEngine) Analyze(ctx context.Context, positions []string, nodeBudget int) ([]Result, error) {
	if e.engine == nil {
		return nil, fmt.Errorf("engine not connected")
	}
	out := make([]Result, 0, len(positions))
	for _, key := range positions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// Keys carry four FEN fields; complete them with neutral clocks.
		fen := key + " 0 1"
		if err := e.engine.SetFEN(fen); err != nil {
			out = append(out, Result{Position: key})
			continue
		}
		results, err := e.engine.GoDepth(depthForBudget(nodeBudget), uci.HighestDepthOnly)
		if err != nil {
			return nil, fmt.Errorf("searching %s: %w", key, err)
		}
		if len(results.Results) == 0 {
			out = append(out, Result{Position: key})
			continue
		}
		best := results.Results[0]
		out = append(out, Result{
			Position: key,
			Valid:    true,
			ScoreCP:  normalizeScore(best.Score, best.Mate),
			BestLine: strings.Join(best.BestMoves, " "),
		})
	}
	return out, nil
}

// depthForBudget maps a node budget onto a search depth, roughly doubling
// the node cost per two plies.
func depthForBudget(nodes int) int {
	depth := 8
	for threshold := 1000; nodes >= threshold && depth < 30; threshold *= 4 {
		depth += 2
	}
	return depth
}

// normalizeScore maps mate-in-n onto the centipawn scale so closer mates
// rank above farther ones.
func normalizeScore(score int, mate bool) float64 {
	if !mate {
		return float64(score)
	}
	const mateCP = 10000
	if score >= 0 {
		return float64(mateCP - score)
	}
	return float64(-mateCP - score)
}
