package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/freeeve/chessflow/internal/model"
)

// Postgres caps one statement at 65535 bind parameters; stay under it with
// headroom. Chunk sizes derive from this and the per-row parameter count.
const maxBindParams = 65000

// execer is satisfied by both pgxpool.Pool and pgx.Tx, so the chunked
// writers serve the standalone write stage and claim transactions alike.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func chunkRows(totalRows, paramsPerRow int) int {
	n := maxBindParams / paramsPerRow
	if n > totalRows {
		return totalRows
	}
	return n
}

// valuesClause builds "($1,$2,...),($k+1,...)" for rows of width params.
func valuesClause(rows, params int) string {
	var sb strings.Builder
	arg := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('(')
		for p := 0; p < params; p++ {
			if p > 0 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "$%d", arg)
			arg++
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

// UpsertPositions writes positions additively: occurrence counts add up and
// provenance sets union across writes. Each chunk is one atomic statement.
func (s *Store) UpsertPositions(ctx context.Context, positions []model.Position) error {
	return upsertPositions(ctx, s.pool, positions)
}

// InsertAssociations writes associations insert-ignore. Re-inserting an
// existing tuple is a no-op, so replayed writes are safe.
func (s *Store) InsertAssociations(ctx context.Context, assocs []model.Association) error {
	return insertAssociations(ctx, s.pool, assocs)
}

func upsertPositions(ctx context.Context, db execer, positions []model.Position) error {
	const paramsPerRow = 3
	for start := 0; start < len(positions); {
		n := chunkRows(len(positions)-start, paramsPerRow)
		chunk := positions[start : start+n]

		args := make([]any, 0, n*paramsPerRow)
		for _, p := range chunk {
			provenance := make([]string, len(p.Provenance))
			for i, c := range p.Provenance {
				provenance[i] = c.Encode()
			}
			args = append(args, p.Key, p.Occurrences, provenance)
		}
		sql := `INSERT INTO positions (key, occurrences, provenance) VALUES ` +
			valuesClause(n, paramsPerRow) + `
			ON CONFLICT (key) DO UPDATE SET
				occurrences = positions.occurrences + EXCLUDED.occurrences,
				provenance = (SELECT COALESCE(array_agg(DISTINCT e), '{}')
					FROM unnest(positions.provenance || EXCLUDED.provenance) AS e)`
		if _, err := db.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("upserting %d positions: %w", n, err)
		}
		start += n
	}
	return nil
}

func insertAssociations(ctx context.Context, db execer, assocs []model.Association) error {
	const paramsPerRow = 4
	for start := 0; start < len(assocs); {
		n := chunkRows(len(assocs)-start, paramsPerRow)
		chunk := assocs[start : start+n]

		args := make([]any, 0, n*paramsPerRow)
		for _, a := range chunk {
			args = append(args, a.GameID, a.PositionKey, a.MoveNumber, string(a.Side))
		}
		sql := `INSERT INTO game_positions (game_id, position_key, move_number, side) VALUES ` +
			valuesClause(n, paramsPerRow) + ` ON CONFLICT DO NOTHING`
		if _, err := db.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("inserting %d associations: %w", n, err)
		}
		start += n
	}
	return nil
}

func insertGames(ctx context.Context, db execer, games []model.Game) error {
	const paramsPerRow = 5
	for start := 0; start < len(games); {
		n := chunkRows(len(games)-start, paramsPerRow)
		chunk := games[start : start+n]

		args := make([]any, 0, n*paramsPerRow)
		for _, g := range chunk {
			args = append(args, g.ID, g.White, g.Black, g.Result, g.Extracted)
		}
		sql := `INSERT INTO games (id, white, black, result, extracted) VALUES ` +
			valuesClause(n, paramsPerRow) + ` ON CONFLICT DO NOTHING`
		if _, err := db.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("inserting %d games: %w", n, err)
		}
		start += n
	}
	return nil
}

func insertMoves(ctx context.Context, db execer, moves []model.HalfMove) error {
	const paramsPerRow = 3
	for start := 0; start < len(moves); {
		n := chunkRows(len(moves)-start, paramsPerRow)
		chunk := moves[start : start+n]

		args := make([]any, 0, n*paramsPerRow)
		for _, m := range chunk {
			args = append(args, m.GameID, m.Ply, m.SAN)
		}
		sql := `INSERT INTO game_moves (game_id, ply, san) VALUES ` +
			valuesClause(n, paramsPerRow) + ` ON CONFLICT DO NOTHING`
		if _, err := db.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("inserting %d moves: %w", n, err)
		}
		start += n
	}
	return nil
}
