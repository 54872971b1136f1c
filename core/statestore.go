package core

import (
	"context"
	"time"
)

// StreamEntry is one entry read from an append-only stream.
type StreamEntry struct {
	ID     string
	Values map[string]interface{}
}

// StateStore is the persistent KV/stream capability the platform builds on.
// All blobs are opaque strings; callers are responsible for encoding.
//
// The interface mirrors the subset of Redis the platform uses: keyed blobs
// with TTL, sets, lists, append-only streams with consumer groups, counters,
// and pub/sub. RedisStore is the production implementation; MemoryStore
// covers the full surface in-process for tests and single-node use.
type StateStore interface {
	// Keyed blobs
	Get(ctx context.Context, key string) (string, error)
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Sets
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	// Lists
	LPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	// Streams
	XAdd(ctx context.Context, stream string, values map[string]interface{}) (string, error)
	XRead(ctx context.Context, stream, from string, count int64) ([]StreamEntry, error)
	XLen(ctx context.Context, stream string) (int64, error)
	XTrimApprox(ctx context.Context, stream string, maxLen int64) error
	XGroupCreate(ctx context.Context, stream, group, start string) error
	XAck(ctx context.Context, stream, group string, ids ...string) error

	// Counters
	Incr(ctx context.Context, key string) (int64, error)

	// Pub/sub
	Publish(ctx context.Context, channel, payload string) error
}
