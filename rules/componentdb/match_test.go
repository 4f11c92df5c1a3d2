package componentdb

import (
	"context"
	"testing"
)

func TestFuzzyMatchComponent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertEntity(ctx, Entity{
		DBType:  "sensor",
		Name:    "PixArt PAW3950",
		Aliases: []string{"PAW3950"},
		Properties: map[string]Property{
			"max_dpi": {Value: "30000", VariancePolicy: "authoritative"},
		},
	}); err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}

	match, ok, err := s.FuzzyMatchComponent(ctx, "sensor", "PAW3950", 0.7)
	if err != nil {
		t.Fatalf("FuzzyMatchComponent: %v", err)
	}
	if !ok {
		t.Fatalf("expected a match")
	}
	if match.Entity.Name != "PixArt PAW3950" {
		t.Fatalf("matched wrong entity: %+v", match.Entity)
	}
	if match.Score != 1.0 {
		t.Fatalf("expected exact alias match score 1.0, got %v", match.Score)
	}
}

func TestFuzzyMatchComponentBelowThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertEntity(ctx, Entity{DBType: "sensor", Name: "PixArt PAW3950"}); err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}

	_, ok, err := s.FuzzyMatchComponent(ctx, "sensor", "completely unrelated switch", 0.7)
	if err != nil {
		t.Fatalf("FuzzyMatchComponent: %v", err)
	}
	if ok {
		t.Fatalf("expected no match below threshold")
	}
}
