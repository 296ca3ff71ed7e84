package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	c, err := New(mr.Addr(), 10*time.Minute, 90*time.Second)
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c, mr
}

func TestKeyIsStableAcrossParamOrder(t *testing.T) {
	a := Key(ScopeQuery, "range", map[string]string{"start": "2025-08-01", "end": "2025-08-31"})
	b := Key(ScopeQuery, "range", map[string]string{"end": "2025-08-31", "start": "2025-08-01"})
	if a != b {
		t.Fatalf("keys differ: %q vs %q", a, b)
	}

	c := Key(ScopeQuery, "range", map[string]string{"start": "2025-09-01", "end": "2025-09-30"})
	if a == c {
		t.Fatal("different params must produce different keys")
	}
}

func TestGetMissAndHit(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	key := Key(ScopeQuery, "today", map[string]string{"date": "2025-08-14"})

	if _, ok := c.Get(ctx, key); ok {
		t.Fatal("empty cache should miss")
	}

	c.SetQuery(ctx, key, []byte(`{"count":3}`))
	payload, ok := c.Get(ctx, key)
	if !ok {
		t.Fatal("expected hit after set")
	}
	if string(payload) != `{"count":3}` {
		t.Fatalf("payload = %s", payload)
	}
}

func TestQueryEntriesExpire(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	key := Key(ScopeQuery, "today", nil)

	c.SetQuery(ctx, key, []byte("payload"))
	mr.FastForward(91 * time.Second)

	if _, ok := c.Get(ctx, key); ok {
		t.Fatal("query entry should expire after its TTL")
	}
}

func TestDirectoryEntriesOutliveQueryTTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	key := Key(ScopeDirectory, "employees", nil)

	c.SetDirectory(ctx, key, []byte("payload"))
	mr.FastForward(5 * time.Minute)

	if _, ok := c.Get(ctx, key); !ok {
		t.Fatal("directory entry should survive well past the query TTL")
	}
}

func TestInvalidateDropsOnlyOneScope(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	queryKey := Key(ScopeQuery, "today", nil)
	directoryKey := Key(ScopeDirectory, "employees", nil)
	c.SetQuery(ctx, queryKey, []byte("q"))
	c.SetDirectory(ctx, directoryKey, []byte("d"))

	if err := c.Invalidate(ctx, ScopeQuery); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}

	if _, ok := c.Get(ctx, queryKey); ok {
		t.Fatal("query scope should be empty after invalidation")
	}
	if _, ok := c.Get(ctx, directoryKey); !ok {
		t.Fatal("directory scope must survive query invalidation")
	}
}
