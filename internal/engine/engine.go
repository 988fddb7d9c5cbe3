// Package engine scores positions. Two implementations: HTTPClient talks
// to an analysis service over JSON, UCIEngine drives a local UCI binary.
package engine

import "context"

// WDL is the engine's win/draw/loss split for the side to move.
type WDL struct {
	Win  float64 `json:"win"`
	Draw float64 `json:"draw"`
	Loss float64 `json:"loss"`
}

// Result is one position's analysis. Valid is false when the engine could
// not evaluate the position (bad key, engine-side rejection); such results
// carry no score.
type Result struct {
	Position string  `json:"position"`
	Valid    bool    `json:"valid"`
	ScoreCP  float64 `json:"score_cp"`
	BestLine string  `json:"best_line"`
	WDL      *WDL    `json:"wdl,omitempty"`
}

// Analyzer scores batches of positions. A batch error means nothing in the
// batch was scored; per-position problems surface as Valid=false results.
type Analyzer interface {
	// Analyze scores positions (canonical 4-field keys) with the given
	// node budget, returning one result per input in input order.
	Analyze(ctx context.Context, positions []string, nodeBudget int) ([]Result, error)
	// Reconnect discards the current engine connection and builds a
	// fresh one. Called before a retry after a batch failure.
	Reconnect() error
	Close() error
}
