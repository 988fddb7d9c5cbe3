package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/freeeve/chessflow/internal/model"
)

// Claim is an open transaction holding row locks on the claimed items.
// Commit releases the rows as done; Abort releases them unchanged so
// another worker can claim them. Abort after Commit is a no-op, so callers
// can always defer it. Not safe for concurrent use.
type Claim struct {
	tx   pgx.Tx
	done bool
}

// Commit commits the claim transaction, publishing every write made
// through the claim and releasing the row locks.
func (c *Claim) Commit(ctx context.Context) error {
	if c.done {
		return fmt.Errorf("claim already finished")
	}
	c.done = true
	if err := c.tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing claim: %w", err)
	}
	return nil
}

// Abort rolls the claim back, returning the rows to the claimable pool.
func (c *Claim) Abort(ctx context.Context) {
	if c.done {
		return
	}
	c.done = true
	_ = c.tx.Rollback(ctx)
}

// ClaimGames locks up to limit unextracted games, skipping rows held by
// other workers. No claimable games returns (nil, nil, nil).
func (s *Store) ClaimGames(ctx context.Context, limit int) (*Claim, []int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("beginning claim tx: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT id FROM games
		WHERE NOT extracted
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, nil, fmt.Errorf("claiming games: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, nil, fmt.Errorf("scanning claimed games: %w", err)
	}
	if len(ids) == 0 {
		_ = tx.Rollback(ctx)
		return nil, nil, nil
	}
	return &Claim{tx: tx}, ids, nil
}

// ClaimUnscored locks up to limit positions without a score, most frequent
// first, skipping rows held by other workers. No claimable positions
// returns (nil, nil, nil).
func (s *Store) ClaimUnscored(ctx context.Context, limit int) (*Claim, []string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("beginning claim tx: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT key FROM positions
		WHERE score_cp IS NULL
		ORDER BY occurrences DESC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, nil, fmt.Errorf("claiming positions: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, nil, fmt.Errorf("scanning claimed positions: %w", err)
	}
	if len(keys) == 0 {
		_ = tx.Rollback(ctx)
		return nil, nil, nil
	}
	return &Claim{tx: tx}, keys, nil
}

// Moves fetches the half-move lists of the claimed games, keyed by game id
// and ordered by ply.
func (c *Claim) Moves(ctx context.Context, gameIDs []int64) (map[int64][]model.HalfMove, error) {
	rows, err := c.tx.Query(ctx, `SELECT game_id, ply, san FROM game_moves
		WHERE game_id = ANY($1)
		ORDER BY game_id, ply`, gameIDs)
	if err != nil {
		return nil, fmt.Errorf("fetching moves: %w", err)
	}
	defer rows.Close()

	moves := make(map[int64][]model.HalfMove, len(gameIDs))
	for rows.Next() {
		var hm model.HalfMove
		if err := rows.Scan(&hm.GameID, &hm.Ply, &hm.SAN); err != nil {
			return nil, fmt.Errorf("scanning move: %w", err)
		}
		moves[hm.GameID] = append(moves[hm.GameID], hm)
	}
	return moves, rows.Err()
}

// MarkExtracted marks the claimed games done. Takes effect at Commit.
func (c *Claim) MarkExtracted(ctx context.Context, gameIDs []int64) error {
	if _, err := c.tx.Exec(ctx, `UPDATE games SET extracted = TRUE
		WHERE id = ANY($1)`, gameIDs); err != nil {
		return fmt.Errorf("marking games extracted: %w", err)
	}
	return nil
}

// UpsertPositions writes positions inside the claim transaction.
func (c *Claim) UpsertPositions(ctx context.Context, positions []model.Position) error {
	return upsertPositions(ctx, c.tx, positions)
}

// InsertAssociations writes associations inside the claim transaction.
func (c *Claim) InsertAssociations(ctx context.Context, assocs []model.Association) error {
	return insertAssociations(ctx, c.tx, assocs)
}

// SaveAnalysis persists engine results for the claimed positions. Takes
// effect at Commit, atomically with the claim release.
func (c *Claim) SaveAnalysis(ctx context.Context, results []model.Analysis) error {
	batch := &pgx.Batch{}
	for _, r := range results {
		batch.Queue(`UPDATE positions
			SET score_cp = $2, best_line = $3,
			    wdl_win = $4, wdl_draw = $5, wdl_loss = $6
			WHERE key = $1`,
			r.Key, r.ScoreCP, r.BestLine, r.WDLWin, r.WDLDraw, r.WDLLoss)
	}
	if err := c.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("saving analysis: %w", err)
	}
	return nil
}
