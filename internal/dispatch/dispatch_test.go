package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/freeeve/chessflow/internal/config"
	"github.com/freeeve/chessflow/internal/engine"
	"github.com/freeeve/chessflow/internal/model"
)

// fakePositions emulates the claim semantics: claimed keys are hidden from
// other claims until released, scores land only at commit.
type fakePositions struct {
	mu      sync.Mutex
	pending []string
	claimed map[string]bool
	scored  map[string]model.Analysis
}

func newFakePositions(keys ...string) *fakePositions {
	return &fakePositions{
		pending: keys,
		claimed: make(map[string]bool),
		scored:  make(map[string]model.Analysis),
	}
}

func (f *fakePositions) ClaimUnscored(ctx context.Context, limit int) (PositionClaim, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for _, k := range f.pending {
		if !f.claimed[k] {
			if _, done := f.scored[k]; !done {
				keys = append(keys, k)
			}
		}
		if len(keys) == limit {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil, nil
	}
	for _, k := range keys {
		f.claimed[k] = true
	}
	return &fakePositionClaim{f: f, keys: keys}, keys, nil
}

type fakePositionClaim struct {
	f      *fakePositions
	keys   []string
	staged []model.Analysis
	done   bool
}

func (c *fakePositionClaim) SaveAnalysis(ctx context.Context, results []model.Analysis) error {
	c.staged = append(c.staged, results...)
	return nil
}

func (c *fakePositionClaim) Commit(ctx context.Context) error {
	if c.done {
		return fmt.Errorf("claim already finished")
	}
	c.done = true
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	for _, a := range c.staged {
		c.f.scored[a.Key] = a
	}
	for _, k := range c.keys {
		delete(c.f.claimed, k)
	}
	return nil
}

func (c *fakePositionClaim) Abort(ctx context.Context) {
	if c.done {
		return
	}
	c.done = true
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	for _, k := range c.keys {
		delete(c.f.claimed, k)
	}
}

// flakyEngine fails its first Analyze calls, then succeeds.
type flakyEngine struct {
	mu         sync.Mutex
	failures   int
	reconnects int
	analyzed   []string
}

func (e *flakyEngine) Analyze(ctx context.Context, positions []string, nodeBudget int) ([]engine.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failures > 0 {
		e.failures--
		return nil, fmt.Errorf("engine hiccup")
	}
	out := make([]engine.Result, len(positions))
	for i, p := range positions {
		e.analyzed = append(e.analyzed, p)
		out[i] = engine.Result{
			Position: p,
			Valid:    true,
			ScoreCP:  float64(20 + i),
			BestLine: "e2e4 e7e5",
		}
	}
	return out, nil
}

func (e *flakyEngine) Reconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reconnects++
	return nil
}

func (e *flakyEngine) Close() error { return nil }

func factoryFor(e engine.Analyzer) EngineFactory {
	return func() (engine.Analyzer, error) { return e, nil }
}

func TestDispatcherScoresEverything(t *testing.T) {
	f := newFakePositions("A", "B", "C", "D", "E")
	eng := &flakyEngine{}
	d := New(f, factoryFor(eng), config.AnalysisConfig{
		TotalPositions: 5, BatchSize: 2, Workers: 2, NodeBudget: 1000,
	}, zerolog.Nop())

	scored, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if scored != 5 {
		t.Errorf("scored = %d, want 5", scored)
	}
	if len(f.scored) != 5 {
		t.Errorf("store holds %d scores, want 5", len(f.scored))
	}
	if len(f.claimed) != 0 {
		t.Errorf("claims leaked: %v", f.claimed)
	}
	for key, a := range f.scored {
		if a.BestLine == "" {
			t.Errorf("position %s missing best line", key)
		}
	}
}

func TestDispatcherRetriesOnFreshConnection(t *testing.T) {
	f := newFakePositions("A", "B")
	eng := &flakyEngine{failures: 1}
	d := New(f, factoryFor(eng), config.AnalysisConfig{
		TotalPositions: 2, BatchSize: 2, Workers: 1, NodeBudget: 1000,
	}, zerolog.Nop())

	scored, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if scored != 2 {
		t.Errorf("scored = %d, want 2", scored)
	}
	if eng.reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", eng.reconnects)
	}
}

func TestDispatcherAbandonsBatchAndContinues(t *testing.T) {
	// Two failures burn the first batch and its retry; the abandoned
	// positions must come back in the next claim and get scored.
	f := newFakePositions("A", "B")
	eng := &flakyEngine{failures: 2}
	d := New(f, factoryFor(eng), config.AnalysisConfig{
		TotalPositions: 2, BatchSize: 2, Workers: 1, NodeBudget: 1000,
	}, zerolog.Nop())

	scored, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if scored != 2 {
		t.Errorf("scored = %d, want 2", scored)
	}
	if len(f.scored) != 2 {
		t.Errorf("store holds %d scores, want 2", len(f.scored))
	}
	if eng.reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", eng.reconnects)
	}
	if got := atomic.LoadInt64(&d.abandoned); got != 1 {
		t.Errorf("abandoned batches = %d, want 1", got)
	}
	if len(f.claimed) != 0 {
		t.Errorf("claims leaked: %v", f.claimed)
	}
}

func TestDispatcherGivesUpOnDeadEngine(t *testing.T) {
	f := newFakePositions("A", "B")
	eng := &flakyEngine{failures: 1 << 30}
	d := New(f, factoryFor(eng), config.AnalysisConfig{
		TotalPositions: 2, BatchSize: 2, Workers: 1, NodeBudget: 1000,
	}, zerolog.Nop())

	if _, err := d.Run(context.Background()); err == nil {
		t.Fatal("expected error once the failure streak is exhausted")
	}
	if len(f.scored) != 0 {
		t.Errorf("no scores should persist, got %d", len(f.scored))
	}
	if got := atomic.LoadInt64(&d.abandoned); got != maxBatchFailures {
		t.Errorf("abandoned batches = %d, want %d", got, maxBatchFailures)
	}
	// Positions must be claimable again after the aborts.
	if len(f.claimed) != 0 {
		t.Errorf("claims leaked: %v", f.claimed)
	}
}

// invalidEngine marks one position invalid.
type invalidEngine struct {
	badKey string
}

func (e *invalidEngine) Analyze(ctx context.Context, positions []string, nodeBudget int) ([]engine.Result, error) {
	out := make([]engine.Result, len(positions))
	for i, p := range positions {
		out[i] = engine.Result{Position: p, Valid: p != e.badKey, ScoreCP: 10}
	}
	return out, nil
}

func (e *invalidEngine) Reconnect() error { return nil }
func (e *invalidEngine) Close() error     { return nil }

func TestDispatcherSkipsInvalidResults(t *testing.T) {
	f := newFakePositions("A", "BAD", "C")
	d := New(f, factoryFor(&invalidEngine{badKey: "BAD"}), config.AnalysisConfig{
		TotalPositions: 3, BatchSize: 3, Workers: 1, NodeBudget: 1000,
	}, zerolog.Nop())

	scored, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if scored != 2 {
		t.Errorf("scored = %d, want 2", scored)
	}
	var keys []string
	for k := range f.scored {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "A" || keys[1] != "C" {
		t.Errorf("scored keys = %v, want [A C]", keys)
	}
}

func TestDispatcherStopsOnEmptyClaim(t *testing.T) {
	f := newFakePositions()
	d := New(f, factoryFor(&flakyEngine{}), config.AnalysisConfig{
		TotalPositions: 10, BatchSize: 5, Workers: 2, NodeBudget: 1000,
	}, zerolog.Nop())
	scored, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if scored != 0 {
		t.Errorf("scored = %d, want 0", scored)
	}
}
