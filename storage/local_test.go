package storage

import (
	"context"
	"testing"
)

func TestLocalStorePutGet(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocal(dir)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx := context.Background()

	if err := s.Put(ctx, "specs/inputs/widget/job.json", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, err := s.Get(ctx, "specs/inputs/widget/job.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Fatalf("got %q", data)
	}
}

func TestLocalStoreGetMissing(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	if _, err := s.Get(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestLocalStoreExistsDelete(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx := context.Background()
	if err := s.Put(ctx, "a/b.json", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err := s.Exists(ctx, "a/b.json")
	if err != nil || !ok {
		t.Fatalf("Exists: %v %v", ok, err)
	}
	if err := s.Delete(ctx, "a/b.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ok, err = s.Exists(ctx, "a/b.json")
	if err != nil || ok {
		t.Fatalf("Exists after delete: %v %v", ok, err)
	}
	if err := s.Delete(ctx, "a/b.json"); err != nil {
		t.Fatalf("Delete missing should be no-op: %v", err)
	}
}

func TestLocalStoreList(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx := context.Background()
	keys := []string{
		"specs/_queue/sensors/state.json",
		"specs/outputs/sensors/widget-1/latest/record.json",
		"specs/outputs/sensors/widget-2/latest/record.json",
	}
	for _, k := range keys {
		if err := s.Put(ctx, k, []byte("x")); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	got, err := s.List(ctx, "specs/outputs/sensors")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 keys, got %v", got)
	}

	got, err = s.List(ctx, "specs/missing/prefix")
	if err != nil {
		t.Fatalf("List missing prefix: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("want 0 keys, got %v", got)
	}
}
