// Package model defines the records shared by the extraction pipeline,
// the chunked writer, and the analysis dispatcher.
package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Side is the color that made the half-move producing a position.
type Side string

const (
	SideWhite Side = "white"
	SideBlack Side = "black"
)

// SideForPly returns the side that plays half-move ply (1-based).
func SideForPly(ply int) Side {
	if ply%2 == 1 {
		return SideWhite
	}
	return SideBlack
}

// MoveNumberForPly returns the fullmove number of half-move ply (1-based).
func MoveNumberForPly(ply int) int {
	return (ply + 1) / 2
}

// Game is one imported game. Extracted flips false->true exactly once,
// when the extraction transaction that claimed it commits.
type Game struct {
	ID        int64
	White     string
	Black     string
	Result    string
	Extracted bool
}

// HalfMove is one ply of a game's move list, in SAN.
type HalfMove struct {
	GameID int64  `json:"game_id"`
	Ply    int    `json:"ply"` // 1-based, must be gapless
	SAN    string `json:"san"`
}

// Clock is a provenance entry: the halfmove clock and fullmove number a
// position was observed at. Provenance is a set; entries compare by value.
type Clock struct {
	Halfmove int `json:"halfmove"`
	Fullmove int `json:"fullmove"`
}

// Encode returns the storage form "halfmove:fullmove".
func (c Clock) Encode() string {
	return strconv.Itoa(c.Halfmove) + ":" + strconv.Itoa(c.Fullmove)
}

// ParseClock parses the storage form produced by Encode.
func ParseClock(s string) (Clock, error) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return Clock{}, fmt.Errorf("malformed clock entry %q", s)
	}
	hm, err := strconv.Atoi(s[:i])
	if err != nil {
		return Clock{}, fmt.Errorf("malformed clock entry %q: %w", s, err)
	}
	fm, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return Clock{}, fmt.Errorf("malformed clock entry %q: %w", s, err)
	}
	return Clock{Halfmove: hm, Fullmove: fm}, nil
}

// Position is a deduplicated board position keyed by its canonical key
// (first four FEN fields; clocks excluded). Occurrences is additive across
// writes. The analysis fields stay nil until the dispatcher scores the
// position, and are cleared only by an explicit admin operation.
type Position struct {
	Key         string   `json:"key"`
	Occurrences int64    `json:"occurrences"`
	Provenance  []Clock  `json:"provenance"`
	ScoreCP     *float64 `json:"score_cp,omitempty"`
	BestLine    *string  `json:"best_line,omitempty"`
	WDLWin      *float64 `json:"wdl_win,omitempty"`
	WDLDraw     *float64 `json:"wdl_draw,omitempty"`
	WDLLoss     *float64 `json:"wdl_loss,omitempty"`
}

// Association joins a game to a position it passed through. Unique on the
// full tuple; written insert-ignore, immutable afterward.
type Association struct {
	GameID      int64  `json:"game_id"`
	PositionKey string `json:"position_key"`
	MoveNumber  int    `json:"move_number"`
	Side        Side   `json:"side"`
}

// Candidate is one extractor emission: an association plus the clock state
// the position was observed at. The aggregator reduces candidates into
// Position and Association records.
type Candidate struct {
	Association Association `json:"association"`
	Clock       Clock       `json:"clock"`
}

// GameFailure records an extraction failure local to one game. The game's
// partial output is discarded; the failure is logged, never requeued.
type GameFailure struct {
	GameID    int64  `json:"game_id"`
	MoveIndex int    `json:"move_index"` // ply of the offending move, -1 for structural failures
	SAN       string `json:"san"`
	Reason    string `json:"reason"`
}

func (f GameFailure) String() string {
	return fmt.Sprintf("game %d ply %d %q: %s", f.GameID, f.MoveIndex, f.SAN, f.Reason)
}

// Analysis is one scored position as returned by the engine, ready to be
// persisted inside the claim transaction that holds the position.
type Analysis struct {
	Key      string
	ScoreCP  float64
	BestLine string
	WDLWin   *float64
	WDLDraw  *float64
	WDLLoss  *float64
}
