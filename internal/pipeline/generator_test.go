package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/freeeve/chessflow/internal/board"
	"github.com/freeeve/chessflow/internal/config"
	"github.com/freeeve/chessflow/internal/model"
)

// fakeStore emulates the claim semantics of the real store: claimed games
// are invisible to other claims until released, and writes staged through a
// claim become visible only at commit.
type fakeStore struct {
	mu        sync.Mutex
	moves     map[int64][]model.HalfMove
	extracted map[int64]bool
	claimed   map[int64]bool
	positions map[string]model.Position
	assocs    map[model.Association]bool
}

func newFakeStore(games map[int64][]string) *fakeStore {
	fs := &fakeStore{
		moves:     make(map[int64][]model.HalfMove),
		extracted: make(map[int64]bool),
		claimed:   make(map[int64]bool),
		positions: make(map[string]model.Position),
		assocs:    make(map[model.Association]bool),
	}
	for id, sans := range games {
		for i, san := range sans {
			fs.moves[id] = append(fs.moves[id], model.HalfMove{GameID: id, Ply: i + 1, SAN: san})
		}
	}
	return fs
}

func (fs *fakeStore) ClaimGames(ctx context.Context, limit int) (GameClaim, []int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var ids []int64
	for id := range fs.moves {
		if !fs.extracted[id] && !fs.claimed[id] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	if len(ids) == 0 {
		return nil, nil, nil
	}
	for _, id := range ids {
		fs.claimed[id] = true
	}
	return &fakeClaim{fs: fs, ids: ids}, ids, nil
}

type fakeClaim struct {
	fs              *fakeStore
	ids             []int64
	stagedPositions []model.Position
	stagedAssocs    []model.Association
	stagedExtracted []int64
	committed       bool
	aborted         bool
}

func (c *fakeClaim) Moves(ctx context.Context, gameIDs []int64) (map[int64][]model.HalfMove, error) {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	out := make(map[int64][]model.HalfMove)
	for _, id := range gameIDs {
		out[id] = c.fs.moves[id]
	}
	return out, nil
}

func (c *fakeClaim) MarkExtracted(ctx context.Context, gameIDs []int64) error {
	c.stagedExtracted = append(c.stagedExtracted, gameIDs...)
	return nil
}

func (c *fakeClaim) UpsertPositions(ctx context.Context, positions []model.Position) error {
	c.stagedPositions = append(c.stagedPositions, positions...)
	return nil
}

func (c *fakeClaim) InsertAssociations(ctx context.Context, assocs []model.Association) error {
	c.stagedAssocs = append(c.stagedAssocs, assocs...)
	return nil
}

func (c *fakeClaim) Commit(ctx context.Context) error {
	if c.committed || c.aborted {
		return fmt.Errorf("claim already finished")
	}
	c.committed = true
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()

	for _, p := range c.stagedPositions {
		existing := c.fs.positions[p.Key]
		existing.Key = p.Key
		existing.Occurrences += p.Occurrences
		existing.Provenance = mergeClocks(existing.Provenance, p.Provenance)
		c.fs.positions[p.Key] = existing
	}
	for _, a := range c.stagedAssocs {
		c.fs.assocs[a] = true
	}
	for _, id := range c.stagedExtracted {
		c.fs.extracted[id] = true
	}
	for _, id := range c.ids {
		delete(c.fs.claimed, id)
	}
	return nil
}

func (c *fakeClaim) Abort(ctx context.Context) {
	if c.committed || c.aborted {
		return
	}
	c.aborted = true
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	for _, id := range c.ids {
		delete(c.fs.claimed, id)
	}
}

func mergeClocks(a, b []model.Clock) []model.Clock {
	set := make(map[model.Clock]struct{})
	for _, c := range a {
		set[c] = struct{}{}
	}
	for _, c := range b {
		set[c] = struct{}{}
	}
	out := make([]model.Clock, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Fullmove != out[j].Fullmove {
			return out[i].Fullmove < out[j].Fullmove
		}
		return out[i].Halfmove < out[j].Halfmove
	})
	return out
}

func keyAfter(t *testing.T, sans ...string) string {
	t.Helper()
	b := board.New()
	var key string
	for _, san := range sans {
		snap, err := b.ApplySAN(san)
		if err != nil {
			t.Fatalf("apply %s: %v", san, err)
		}
		key = snap.Key
	}
	return key
}

func TestGeneratorSharedLineCountsEveryGame(t *testing.T) {
	fs := newFakeStore(map[int64][]string{
		1: {"e4", "e5", "Nf3", "Nc6"},
		2: {"e4", "e5", "Nf3", "Nf6"},
		3: {"e4", "e5", "Nf3", "d6"},
	})

	gen := NewGenerator(fs, config.PipelineConfig{TotalGames: 3, BatchSize: 2, Parallelism: 2}, zerolog.Nop())
	summary, err := gen.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Games != 3 {
		t.Fatalf("games = %d, want 3", summary.Games)
	}

	// All three games pass through the position after 1.e4 e5 2.Nf3.
	shared := keyAfter(t, "e4", "e5", "Nf3")
	p, ok := fs.positions[shared]
	if !ok {
		t.Fatalf("shared position %q not written", shared)
	}
	if p.Occurrences != 3 {
		t.Errorf("occurrences = %d, want 3", p.Occurrences)
	}
	wantClock := model.Clock{Halfmove: 1, Fullmove: 2}
	if len(p.Provenance) != 1 || p.Provenance[0] != wantClock {
		t.Errorf("provenance = %+v, want [%+v]", p.Provenance, wantClock)
	}

	// Divergent fourth plies stay separate.
	for _, line := range [][]string{
		{"e4", "e5", "Nf3", "Nc6"},
		{"e4", "e5", "Nf3", "Nf6"},
		{"e4", "e5", "Nf3", "d6"},
	} {
		key := keyAfter(t, line...)
		if fs.positions[key].Occurrences != 1 {
			t.Errorf("position %q occurrences = %d, want 1", key, fs.positions[key].Occurrences)
		}
	}

	for id := int64(1); id <= 3; id++ {
		if !fs.extracted[id] {
			t.Errorf("game %d not marked extracted", id)
		}
	}
	if len(fs.claimed) != 0 {
		t.Errorf("claims leaked: %v", fs.claimed)
	}
}

func TestGeneratorStopsWhenNoGamesRemain(t *testing.T) {
	fs := newFakeStore(map[int64][]string{1: {"e4", "e5"}})
	gen := NewGenerator(fs, config.PipelineConfig{TotalGames: 100, BatchSize: 10, Parallelism: 1}, zerolog.Nop())
	summary, err := gen.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Games != 1 {
		t.Errorf("games = %d, want 1", summary.Games)
	}
}

func TestGeneratorRespectsQuota(t *testing.T) {
	fs := newFakeStore(map[int64][]string{
		1: {"e4"}, 2: {"d4"}, 3: {"c4"}, 4: {"Nf3"},
	})
	gen := NewGenerator(fs, config.PipelineConfig{TotalGames: 2, BatchSize: 10, Parallelism: 1}, zerolog.Nop())
	summary, err := gen.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Games != 2 {
		t.Errorf("games = %d, want 2", summary.Games)
	}
	extracted := 0
	for _, done := range fs.extracted {
		if done {
			extracted++
		}
	}
	if extracted != 2 {
		t.Errorf("extracted %d games, want 2", extracted)
	}
}

func TestGeneratorSkipsBrokenGamesButMarksThemDone(t *testing.T) {
	fs := newFakeStore(map[int64][]string{
		1: {"e4", "e5"},
		2: {"e4", "Qd1"}, // illegal
	})
	gen := NewGenerator(fs, config.PipelineConfig{TotalGames: 2, BatchSize: 10, Parallelism: 1}, zerolog.Nop())
	summary, err := gen.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Failures != 1 {
		t.Errorf("failures = %d, want 1", summary.Failures)
	}
	if !fs.extracted[2] {
		t.Error("failed game must still be marked extracted")
	}
	// The broken game contributed no positions.
	brokenFirst := keyAfter(t, "e4")
	if fs.positions[brokenFirst].Occurrences != 1 {
		t.Errorf("position after e4 occurrences = %d, want 1 (game 1 only)", fs.positions[brokenFirst].Occurrences)
	}
}
