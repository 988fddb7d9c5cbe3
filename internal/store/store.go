// Package store is the Postgres persistence layer: schema, claim
// transactions, and the chunked writers used by the pipeline.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/freeeve/chessflow/internal/model"
)

// Store wraps a pgx connection pool. All methods are safe for concurrent
// use; claim handles returned by ClaimGames/ClaimUnscored are not.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string, log zerolog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS games (
		id        BIGINT PRIMARY KEY,
		white     TEXT NOT NULL DEFAULT '',
		black     TEXT NOT NULL DEFAULT '',
		result    TEXT NOT NULL DEFAULT '',
		extracted BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS games_pending_idx ON games (id) WHERE NOT extracted`,
	`CREATE TABLE IF NOT EXISTS game_moves (
		game_id BIGINT NOT NULL REFERENCES games(id),
		ply     INT NOT NULL,
		san     TEXT NOT NULL,
		PRIMARY KEY (game_id, ply)
	)`,
	`CREATE TABLE IF NOT EXISTS positions (
		key         TEXT PRIMARY KEY,
		occurrences BIGINT NOT NULL DEFAULT 0,
		provenance  TEXT[] NOT NULL DEFAULT '{}',
		score_cp    DOUBLE PRECISION,
		best_line   TEXT,
		wdl_win     DOUBLE PRECISION,
		wdl_draw    DOUBLE PRECISION,
		wdl_loss    DOUBLE PRECISION
	)`,
	`CREATE INDEX IF NOT EXISTS positions_unscored_idx
		ON positions (occurrences DESC) WHERE score_cp IS NULL`,
	`CREATE TABLE IF NOT EXISTS game_positions (
		game_id      BIGINT NOT NULL,
		position_key TEXT NOT NULL,
		move_number  INT NOT NULL,
		side         TEXT NOT NULL,
		UNIQUE (game_id, position_key, move_number, side)
	)`,
}

// Migrate creates the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrating schema: %w", err)
		}
	}
	return nil
}

// InsertGames loads games and their half-moves in one transaction, skipping
// games already present. New games start unextracted.
func (s *Store) InsertGames(ctx context.Context, games []model.Game, moves []model.HalfMove) error {
	if len(games) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning insert tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertGames(ctx, tx, games); err != nil {
		return err
	}
	if err := insertMoves(ctx, tx, moves); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing insert tx: %w", err)
	}
	return nil
}

// ResetExtracted flips every game back to pending. Admin operation; the
// next pipeline run will re-extract everything.
func (s *Store) ResetExtracted(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE games SET extracted = FALSE WHERE extracted`)
	if err != nil {
		return 0, fmt.Errorf("resetting extracted flags: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ClearScores wipes all analysis results. Admin operation; positions become
// claimable by the dispatcher again.
func (s *Store) ClearScores(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE positions
		SET score_cp = NULL, best_line = NULL,
		    wdl_win = NULL, wdl_draw = NULL, wdl_loss = NULL
		WHERE score_cp IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("clearing scores: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountPendingGames returns the number of games not yet extracted.
func (s *Store) CountPendingGames(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM games WHERE NOT extracted`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending games: %w", err)
	}
	return n, nil
}

// CountUnscoredPositions returns the number of positions awaiting analysis.
func (s *Store) CountUnscoredPositions(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM positions WHERE score_cp IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting unscored positions: %w", err)
	}
	return n, nil
}

// Position fetches one position by key.
func (s *Store) Position(ctx context.Context, key string) (model.Position, error) {
	var (
		p          model.Position
		provenance []string
	)
	err := s.pool.QueryRow(ctx, `SELECT key, occurrences, provenance,
			score_cp, best_line, wdl_win, wdl_draw, wdl_loss
		FROM positions WHERE key = $1`, key).
		Scan(&p.Key, &p.Occurrences, &provenance,
			&p.ScoreCP, &p.BestLine, &p.WDLWin, &p.WDLDraw, &p.WDLLoss)
	if err != nil {
		return model.Position{}, fmt.Errorf("fetching position: %w", err)
	}
	for _, e := range provenance {
		c, err := model.ParseClock(e)
		if err != nil {
			return model.Position{}, err
		}
		p.Provenance = append(p.Provenance, c)
	}
	return p, nil
}

// Associations fetches all associations for a game, ordered by move number.
func (s *Store) Associations(ctx context.Context, gameID int64) ([]model.Association, error) {
	rows, err := s.pool.Query(ctx, `SELECT game_id, position_key, move_number, side
		FROM game_positions WHERE game_id = $1 ORDER BY move_number, side DESC`, gameID)
	if err != nil {
		return nil, fmt.Errorf("fetching associations: %w", err)
	}
	defer rows.Close()

	var out []model.Association
	for rows.Next() {
		var (
			a    model.Association
			side string
		)
		if err := rows.Scan(&a.GameID, &a.PositionKey, &a.MoveNumber, &side); err != nil {
			return nil, fmt.Errorf("scanning association: %w", err)
		}
		a.Side = model.Side(side)
		out = append(out, a)
	}
	return out, rows.Err()
}
