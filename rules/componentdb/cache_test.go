package componentdb

import (
	"context"
	"testing"
	"time"
)

func TestCacheRoundTripAndExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash := ContentHash("prompt", "evidence", "gpt-fast")
	if _, ok, err := s.GetCached(ctx, hash); err != nil || ok {
		t.Fatalf("expected no cache entry yet, ok=%v err=%v", ok, err)
	}

	if err := s.PutCached(ctx, hash, `{"dpi":"30000"}`, time.Hour); err != nil {
		t.Fatalf("PutCached: %v", err)
	}
	got, ok, err := s.GetCached(ctx, hash)
	if err != nil || !ok {
		t.Fatalf("GetCached: ok=%v err=%v", ok, err)
	}
	if got != `{"dpi":"30000"}` {
		t.Fatalf("unexpected cached value %q", got)
	}

	expired := ContentHash("prompt2", "evidence2", "gpt-fast")
	if err := s.PutCached(ctx, expired, `{"x":1}`, -time.Hour); err != nil {
		t.Fatalf("PutCached expired: %v", err)
	}
	if _, ok, err := s.GetCached(ctx, expired); err != nil || ok {
		t.Fatalf("expected expired entry to miss, ok=%v err=%v", ok, err)
	}
}

func TestContentHashStable(t *testing.T) {
	a := ContentHash("p", "e", "m")
	b := ContentHash("p", "e", "m")
	if a != b {
		t.Fatalf("ContentHash not deterministic")
	}
	if c := ContentHash("p2", "e", "m"); c == a {
		t.Fatalf("different prompt should hash differently")
	}
}
