package cache

import (
	"context"
	"time"
)

// Cache is the shared store behind server state that must survive a single
// process, such as sessions and login counters.
type Cache interface {
	BasicOps
	// SMembers lists a set; a missing key yields an empty slice.
	SMembers(ctx context.Context, key string) ([]string, error)
	// Pipeline runs fn as one MULTI/EXEC transaction.
	Pipeline(ctx context.Context, fn func(pipe Pipeliner) error) error
	Ping(ctx context.Context) error
	Close() error
}

// BasicOps is the key-value subset used by counters.
type BasicOps interface {
	// Get returns "" for a missing key.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value; a zero ttl never expires.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Pipeliner queues writes inside Pipeline.
type Pipeliner interface {
	Set(key string, value interface{}, ttl time.Duration) error
	Del(keys ...string) error
	Expire(key string, ttl time.Duration) error
	SAdd(key string, members ...interface{}) error
	SRem(key string, members ...interface{}) error
}
