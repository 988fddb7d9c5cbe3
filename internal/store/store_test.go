package store

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/freeeve/chessflow/internal/model"
)

// Integration tests need a scratch database:
//
//	CHESSFLOW_TEST_DATABASE_URL=postgres://localhost/chessflow_test go test ./internal/store/
func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("CHESSFLOW_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CHESSFLOW_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, url, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, table := range []string{"game_positions", "game_moves", "positions", "games"} {
		if _, err := s.pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("clear %s: %v", table, err)
		}
	}
	return s
}

func seedGames(t *testing.T, s *Store, n int) {
	t.Helper()
	games := make([]model.Game, n)
	var moves []model.HalfMove
	for i := range games {
		id := int64(i + 1)
		games[i] = model.Game{ID: id, White: fmt.Sprintf("w%d", id), Black: fmt.Sprintf("b%d", id), Result: "1-0"}
		moves = append(moves,
			model.HalfMove{GameID: id, Ply: 1, SAN: "e4"},
			model.HalfMove{GameID: id, Ply: 2, SAN: "e5"},
		)
	}
	if err := s.InsertGames(context.Background(), games, moves); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestClaimGamesNoDoubleClaim(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedGames(t, s, 6)

	claimA, idsA, err := s.ClaimGames(ctx, 4)
	if err != nil {
		t.Fatalf("claim A: %v", err)
	}
	defer claimA.Abort(ctx)

	claimB, idsB, err := s.ClaimGames(ctx, 4)
	if err != nil {
		t.Fatalf("claim B: %v", err)
	}
	if claimB != nil {
		defer claimB.Abort(ctx)
	}

	seen := make(map[int64]bool)
	for _, id := range idsA {
		seen[id] = true
	}
	for _, id := range idsB {
		if seen[id] {
			t.Errorf("game %d claimed twice", id)
		}
	}
	if len(idsA)+len(idsB) != 6 {
		t.Errorf("claimed %d + %d games, want all 6", len(idsA), len(idsB))
	}
}

func TestClaimGamesEmptyIsNotAnError(t *testing.T) {
	s := testStore(t)
	claim, ids, err := s.ClaimGames(context.Background(), 10)
	if err != nil {
		t.Fatalf("claim on empty table: %v", err)
	}
	if claim != nil || ids != nil {
		t.Errorf("want (nil, nil, nil), got claim=%v ids=%v", claim, ids)
	}
}

func TestClaimAbortReleasesGames(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedGames(t, s, 2)

	claim, ids, err := s.ClaimGames(ctx, 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := claim.MarkExtracted(ctx, ids); err != nil {
		t.Fatalf("mark: %v", err)
	}
	claim.Abort(ctx)

	// The abort discarded the marks; everything is claimable again.
	claim2, ids2, err := s.ClaimGames(ctx, 2)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	defer claim2.Abort(ctx)
	if len(ids2) != 2 {
		t.Errorf("reclaimed %d games, want 2", len(ids2))
	}
}

func TestClaimCommitMarksExtracted(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedGames(t, s, 2)

	claim, ids, err := s.ClaimGames(ctx, 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	defer claim.Abort(ctx)

	moves, err := claim.Moves(ctx, ids)
	if err != nil {
		t.Fatalf("moves: %v", err)
	}
	if len(moves[ids[0]]) != 2 {
		t.Errorf("game %d has %d moves, want 2", ids[0], len(moves[ids[0]]))
	}
	if err := claim.MarkExtracted(ctx, ids); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := claim.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// Abort after commit is a no-op.
	claim.Abort(ctx)

	n, err := s.CountPendingGames(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("pending games = %d, want 0", n)
	}
}

func TestUpsertPositionsAdditive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := []model.Position{{
		Key:         "K",
		Occurrences: 2,
		Provenance:  []model.Clock{{Halfmove: 0, Fullmove: 1}, {Halfmove: 1, Fullmove: 2}},
	}}
	second := []model.Position{{
		Key:         "K",
		Occurrences: 3,
		Provenance:  []model.Clock{{Halfmove: 1, Fullmove: 2}, {Halfmove: 4, Fullmove: 9}},
	}}
	if err := s.UpsertPositions(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertPositions(ctx, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	p, err := s.Position(ctx, "K")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if p.Occurrences != 5 {
		t.Errorf("occurrences = %d, want 5", p.Occurrences)
	}
	if len(p.Provenance) != 3 {
		t.Errorf("provenance = %+v, want 3 distinct clocks", p.Provenance)
	}
}

func TestInsertAssociationsIgnoresDuplicates(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedGames(t, s, 1)
	if err := s.UpsertPositions(ctx, []model.Position{{Key: "K", Occurrences: 1}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	assoc := model.Association{GameID: 1, PositionKey: "K", MoveNumber: 1, Side: model.SideWhite}
	for i := 0; i < 2; i++ {
		if err := s.InsertAssociations(ctx, []model.Association{assoc}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	got, err := s.Associations(ctx, 1)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("associations = %d, want 1", len(got))
	}
	if got[0] != assoc {
		t.Errorf("association = %+v, want %+v", got[0], assoc)
	}
}

func TestClaimUnscoredOrdersByOccurrences(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.UpsertPositions(ctx, []model.Position{
		{Key: "rare", Occurrences: 1},
		{Key: "common", Occurrences: 50},
		{Key: "mid", Occurrences: 10},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	claim, keys, err := s.ClaimUnscored(ctx, 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	defer claim.Abort(ctx)
	if len(keys) != 2 || keys[0] != "common" || keys[1] != "mid" {
		t.Errorf("keys = %v, want [common mid]", keys)
	}
}

func TestSaveAnalysisAtomicWithRelease(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.UpsertPositions(ctx, []model.Position{{Key: "K", Occurrences: 1}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	claim, keys, err := s.ClaimUnscored(ctx, 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	win, draw, loss := 0.42, 0.31, 0.27
	if err := claim.SaveAnalysis(ctx, []model.Analysis{{
		Key: keys[0], ScoreCP: 35, BestLine: "e2e4 c7c5",
		WDLWin: &win, WDLDraw: &draw, WDLLoss: &loss,
	}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := claim.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	p, err := s.Position(ctx, "K")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if p.ScoreCP == nil || *p.ScoreCP != 35 {
		t.Errorf("score = %v, want 35", p.ScoreCP)
	}
	if p.BestLine == nil || *p.BestLine != "e2e4 c7c5" {
		t.Errorf("best line = %v", p.BestLine)
	}
	if p.WDLDraw == nil || *p.WDLDraw != 0.31 {
		t.Errorf("wdl draw = %v", p.WDLDraw)
	}

	// Scored positions leave the claimable pool.
	claim2, _, err := s.ClaimUnscored(ctx, 1)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if claim2 != nil {
		claim2.Abort(ctx)
		t.Error("scored position claimed again")
	}
}

func TestAdminResets(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedGames(t, s, 3)

	claim, ids, err := s.ClaimGames(ctx, 3)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := claim.MarkExtracted(ctx, ids); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := claim.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	n, err := s.ResetExtracted(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 3 {
		t.Errorf("reset %d games, want 3", n)
	}
	pending, err := s.CountPendingGames(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if pending != 3 {
		t.Errorf("pending = %d, want 3", pending)
	}

	if err := s.UpsertPositions(ctx, []model.Position{{Key: "K", Occurrences: 1}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	pclaim, keys, err := s.ClaimUnscored(ctx, 1)
	if err != nil {
		t.Fatalf("claim position: %v", err)
	}
	if err := pclaim.SaveAnalysis(ctx, []model.Analysis{{Key: keys[0], ScoreCP: 1}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := pclaim.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	cleared, err := s.ClearScores(ctx)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if cleared != 1 {
		t.Errorf("cleared %d scores, want 1", cleared)
	}
	unscored, err := s.CountUnscoredPositions(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if unscored != 1 {
		t.Errorf("unscored = %d, want 1", unscored)
	}
}
