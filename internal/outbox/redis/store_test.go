package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rickgao/livesync/internal/queue"
)

// Requires LIVESYNC_TEST_REDIS_ADDR, e.g. localhost:6379.
func testStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("LIVESYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LIVESYNC_TEST_REDIS_ADDR not set")
	}

	s := New(Config{Addr: addr, Prefix: "livesync-test:"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_Keys(t *testing.T) {
	s := NewWithClient(nil, "app:", nil)
	if got := s.listKey("abc"); got != "app:outbox:abc" {
		t.Errorf("listKey = %q", got)
	}
	if got := s.idsKey("abc"); got != "app:outbox:abc:ids" {
		t.Errorf("idsKey = %q", got)
	}
}

func TestStore_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key := "roundtrip-" + time.Now().Format("150405.000000")
	t.Cleanup(func() { s.Clear(context.Background(), key) })

	msgs := []queue.Message{
		{ID: "m1", Channel: "chat", Payload: []byte(`{"text":"one"}`), CreatedAt: time.Now().UTC()},
		{ID: "m2", Channel: "chat", Payload: []byte(`{"text":"two"}`), CreatedAt: time.Now().UTC()},
	}
	if err := s.Save(ctx, key, msgs); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, key, msgs); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	got, err := s.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 || got[0].ID != "m1" || got[1].ID != "m2" {
		t.Fatalf("Load = %+v", got)
	}

	if err := s.Clear(ctx, key); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got, _ := s.Load(ctx, key); len(got) != 0 {
		t.Errorf("Load after Clear returned %d", len(got))
	}
}
