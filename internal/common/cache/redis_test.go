package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestCache(t *testing.T, prefix string) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisCacheWithConfig(&RedisConfig{Addr: mr.Addr(), KeyPrefix: prefix})
	if err != nil {
		t.Fatalf("NewRedisCacheWithConfig() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestNewRedisCacheWithConfigErrors(t *testing.T) {
	if _, err := NewRedisCacheWithConfig(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
	if _, err := NewRedisCacheWithConfig(&RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}

func TestRedisCacheBasicOps(t *testing.T) {
	c, mr := newTestCache(t, "")
	ctx := context.Background()

	if v, err := c.Get(ctx, "missing"); err != nil || v != "" {
		t.Fatalf("Get(missing) = %q, %v", v, err)
	}
	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if v, _ := c.Get(ctx, "k"); v != "v" {
		t.Fatalf("Get() = %q", v)
	}
	mr.FastForward(2 * time.Minute)
	if v, _ := c.Get(ctx, "k"); v != "" {
		t.Fatalf("key should expire, got %q", v)
	}
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestRedisCacheIncrExpire(t *testing.T) {
	c, mr := newTestCache(t, "")
	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		got, err := c.Incr(ctx, "counter")
		if err != nil || got != want {
			t.Fatalf("Incr() = %d, %v; want %d", got, err, want)
		}
	}
	if err := c.Expire(ctx, "counter", time.Second); err != nil {
		t.Fatalf("Expire() error = %v", err)
	}
	mr.FastForward(2 * time.Second)
	if got, _ := c.Incr(ctx, "counter"); got != 1 {
		t.Fatalf("counter should restart after expiry, got %d", got)
	}
}

func TestRedisCachePipeline(t *testing.T) {
	c, _ := newTestCache(t, "")
	ctx := context.Background()

	err := c.Pipeline(ctx, func(pipe Pipeliner) error {
		if err := pipe.Set("a", "1", 0); err != nil {
			return err
		}
		return pipe.SAdd("set", "x", "y")
	})
	if err != nil {
		t.Fatalf("Pipeline() error = %v", err)
	}
	members, err := c.SMembers(ctx, "set")
	if err != nil || len(members) != 2 {
		t.Fatalf("SMembers() = %v, %v", members, err)
	}
	err = c.Pipeline(ctx, func(pipe Pipeliner) error {
		if err := pipe.SRem("set", "x"); err != nil {
			return err
		}
		return pipe.Del("a")
	})
	if err != nil {
		t.Fatalf("Pipeline() error = %v", err)
	}
	if members, _ := c.SMembers(ctx, "set"); len(members) != 1 {
		t.Fatalf("SMembers() after SRem = %v", members)
	}
	if v, _ := c.Get(ctx, "a"); v != "" {
		t.Fatalf("a should be deleted")
	}
}

func TestRedisCacheKeyPrefix(t *testing.T) {
	c, mr := newTestCache(t, "desk1:")
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := c.Pipeline(ctx, func(pipe Pipeliner) error { return pipe.SAdd("s", "m") }); err != nil {
		t.Fatalf("Pipeline() error = %v", err)
	}
	if got, err := mr.Get("desk1:k"); err != nil || got != "v" {
		t.Fatalf("prefixed key = %q, %v", got, err)
	}
	if !mr.Exists("desk1:s") || mr.Exists("k") {
		t.Fatalf("keys must carry the prefix: %v", mr.Keys())
	}
	if err := c.Del(ctx, "k"); err != nil || mr.Exists("desk1:k") {
		t.Fatalf("Del() must remove the prefixed key")
	}
}
