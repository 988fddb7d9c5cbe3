// Package board wraps the chess rules library behind the small surface the
// extractor needs: replay SAN half-moves from the starting position and
// report the resulting position key and clock state.
package board

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/freeeve/pgn/v3"
)

// Snapshot describes the position after a half-move was applied.
type Snapshot struct {
	// Key is the first four FEN fields (placement, side to move, castling
	// rights, en passant square). Clock fields are excluded so transposed
	// positions collapse to one key.
	Key            string
	HalfmoveClock  int
	FullmoveNumber int
}

// Board replays one game. Not safe for concurrent use; each replay gets its
// own Board.
type Board struct {
	pos *pgn.GameState
}

// New returns a Board at the standard starting position.
func New() *Board {
	return &Board{pos: pgn.NewStartingPosition()}
}

// ApplySAN applies one SAN half-move and returns the resulting snapshot.
// Check/mate suffixes are tolerated. An illegal or unparseable move returns
// an error and leaves the board unchanged.
func (b *Board) ApplySAN(san string) (Snapshot, error) {
	cleaned := strings.TrimSuffix(strings.TrimSuffix(san, "#"), "+")
	if cleaned == "" {
		return Snapshot{}, fmt.Errorf("empty move")
	}
	mv, err := pgn.ParseSAN(b.pos, cleaned)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse %q: %w", san, err)
	}
	if err := pgn.ApplyMove(b.pos, mv); err != nil {
		return Snapshot{}, fmt.Errorf("apply %q: %w", san, err)
	}
	return snapshotFEN(b.pos.ToFEN())
}

// FEN returns the full six-field FEN of the current position.
func (b *Board) FEN() string {
	return b.pos.ToFEN()
}

// Key returns the position key of the current position.
func (b *Board) Key() string {
	snap, err := snapshotFEN(b.pos.ToFEN())
	if err != nil {
		return ""
	}
	return snap.Key
}

// KeyFromFEN reduces a full FEN to a position key.
func KeyFromFEN(fen string) (string, error) {
	snap, err := snapshotFEN(fen)
	if err != nil {
		return "", err
	}
	return snap.Key, nil
}

func snapshotFEN(fen string) (Snapshot, error) {
	fields := strings.Fields(fen)
	if len(fields) != 6 {
		return Snapshot{}, fmt.Errorf("malformed FEN %q", fen)
	}
	hm, err := strconv.Atoi(fields[4])
	if err != nil {
		return Snapshot{}, fmt.Errorf("malformed halfmove clock in %q: %w", fen, err)
	}
	fm, err := strconv.Atoi(fields[5])
	if err != nil {
		return Snapshot{}, fmt.Errorf("malformed fullmove number in %q: %w", fen, err)
	}
	return Snapshot{
		Key:            strings.Join(fields[:4], " "),
		HalfmoveClock:  hm,
		FullmoveNumber: fm,
	}, nil
}
