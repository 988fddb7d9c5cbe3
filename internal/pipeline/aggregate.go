// Package pipeline turns pending games into deduplicated positions and
// game-position associations: map workers replay games, the aggregator
// reduces their candidates, write workers persist the result in chunks.
package pipeline

import (
	"sort"

	"github.com/freeeve/chessflow/internal/model"
)

// Aggregate is the reduced output of one pipeline run.
type Aggregate struct {
	Positions    []model.Position
	Associations []model.Association
}

// Reduce merges candidates from all map workers. Associations dedup by
// their full tuple; each surviving association counts one occurrence for
// its position. Provenance clocks merge as a set. Output ordering is
// canonical, so the same candidate multiset always reduces to the same
// aggregate regardless of how it was partitioned across workers.
func Reduce(candidates []model.Candidate) Aggregate {
	seen := make(map[model.Association]struct{}, len(candidates))
	counts := make(map[string]int64)
	clocks := make(map[string]map[model.Clock]struct{})

	var assocs []model.Association
	for _, c := range candidates {
		key := c.Association.PositionKey
		if clocks[key] == nil {
			clocks[key] = make(map[model.Clock]struct{})
		}
		clocks[key][c.Clock] = struct{}{}

		if _, dup := seen[c.Association]; dup {
			continue
		}
		seen[c.Association] = struct{}{}
		assocs = append(assocs, c.Association)
		counts[key]++
	}

	positions := make([]model.Position, 0, len(counts))
	for key, n := range counts {
		provenance := make([]model.Clock, 0, len(clocks[key]))
		for c := range clocks[key] {
			provenance = append(provenance, c)
		}
		sort.Slice(provenance, func(i, j int) bool {
			if provenance[i].Fullmove != provenance[j].Fullmove {
				return provenance[i].Fullmove < provenance[j].Fullmove
			}
			return provenance[i].Halfmove < provenance[j].Halfmove
		})
		positions = append(positions, model.Position{
			Key:         key,
			Occurrences: n,
			Provenance:  provenance,
		})
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Key < positions[j].Key
	})
	sort.Slice(assocs, func(i, j int) bool {
		a, b := assocs[i], assocs[j]
		if a.GameID != b.GameID {
			return a.GameID < b.GameID
		}
		if a.MoveNumber != b.MoveNumber {
			return a.MoveNumber < b.MoveNumber
		}
		if a.Side != b.Side {
			return a.Side == model.SideWhite
		}
		return a.PositionKey < b.PositionKey
	})
	return Aggregate{Positions: positions, Associations: assocs}
}
