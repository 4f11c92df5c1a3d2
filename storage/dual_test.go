package storage

import (
	"context"
	"testing"
)

func TestDualStoreFanOutAndFallback(t *testing.T) {
	ctx := context.Background()
	primary, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal primary: %v", err)
	}
	secondary, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal secondary: %v", err)
	}
	dual := NewDual(primary, secondary)

	if err := dual.Put(ctx, "k.json", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := secondary.Get(ctx, "k.json"); err != nil {
		t.Fatalf("secondary should have the write: %v", err)
	}

	if err := primary.Delete(ctx, "k.json"); err != nil {
		t.Fatalf("Delete from primary: %v", err)
	}
	data, err := dual.Get(ctx, "k.json")
	if err != nil {
		t.Fatalf("Get should fall back to secondary: %v", err)
	}
	if string(data) != "v" {
		t.Fatalf("got %q", data)
	}
}
