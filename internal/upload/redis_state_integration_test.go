package upload

import (
	"context"
	"testing"
	"time"

	"chunkstream/internal/testsupport/redisstub"
)

func startStateStore(t *testing.T) *RedisStateStore {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	store, err := NewRedisStateStore(context.Background(), srv.URL(), 0)
	if err != nil {
		t.Fatalf("connect state store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStateStoreRoundTrip(t *testing.T) {
	store := startStateStore(t)
	ctx := context.Background()

	record := StateRecord{
		SessionID:    "sess-redis",
		FileName:     "clip.webm",
		TotalChunks:  7,
		NextIndex:    3,
		FlushedBytes: 393216,
		UpdatedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := store.Save(ctx, record); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, ok, err := store.Load(ctx, "sess-redis")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if loaded.NextIndex != 3 || loaded.FlushedBytes != 393216 || loaded.FileName != "clip.webm" {
		t.Fatalf("loaded record mismatch: %+v", loaded)
	}
	if !loaded.UpdatedAt.Equal(record.UpdatedAt) {
		t.Fatalf("updatedAt = %v, want %v", loaded.UpdatedAt, record.UpdatedAt)
	}

	// Progress overwrites in place.
	record.NextIndex = 5
	record.FlushedBytes = 655360
	if err := store.Save(ctx, record); err != nil {
		t.Fatalf("resave: %v", err)
	}
	loaded, _, err = store.Load(ctx, "sess-redis")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.NextIndex != 5 {
		t.Fatalf("nextIndex = %d after resave", loaded.NextIndex)
	}
}

func TestRedisStateStoreListAndDelete(t *testing.T) {
	store := startStateStore(t)
	ctx := context.Background()

	for _, id := range []string{"one", "two"} {
		if err := store.Save(ctx, StateRecord{
			SessionID:   id,
			FileName:    id + ".webm",
			TotalChunks: 2,
			UpdatedAt:   time.Now(),
		}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("list returned %d records, want 2", len(records))
	}

	if err := store.Delete(ctx, "one"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.Load(ctx, "one"); ok {
		t.Fatal("deleted record should be gone")
	}
	records, err = store.List(ctx)
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(records) != 1 || records[0].SessionID != "two" {
		t.Fatalf("list after delete = %+v", records)
	}
}

func TestRedisStateStoreMissingSession(t *testing.T) {
	store := startStateStore(t)
	if _, ok, err := store.Load(context.Background(), "absent"); err != nil || ok {
		t.Fatalf("load absent: ok=%v err=%v", ok, err)
	}
}
