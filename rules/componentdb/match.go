package componentdb

import (
	"context"

	"github.com/specfactory/specfactory/textsim"
)

// Match is the outcome of a successful fuzzy component lookup.
type Match struct {
	Entity Entity
	Score  float64
}

// FuzzyMatchComponent finds the best entity of dbType matching queryValue,
// returning ok=false if the best score is below threshold.
func (s *Store) FuzzyMatchComponent(ctx context.Context, dbType, queryValue string, threshold float64) (Match, bool, error) {
	entities, err := s.Candidates(ctx, dbType)
	if err != nil {
		return Match{}, false, err
	}
	if len(entities) == 0 {
		return Match{}, false, nil
	}

	names := make([]string, len(entities))
	byName := make(map[string]Entity, len(entities))
	for i, e := range entities {
		names[i] = e.Name
		byName[e.Name] = e
	}

	bestName, bestScore := textsim.Best(queryValue, names, func(name string) []string {
		return byName[name].Aliases
	})
	if bestName == "" || bestScore < threshold {
		return Match{}, false, nil
	}
	return Match{Entity: byName[bestName], Score: bestScore}, true, nil
}
