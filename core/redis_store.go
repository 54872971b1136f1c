// Package core provides the platform's capability interfaces and their
// reference implementations. This file implements StateStore on Redis.
//
// Key families used by the platform:
//   - checkpoint:{session}:{step}   orchestrator snapshots (24 h TTL)
//   - agents:{session}              serialized agent specs (session TTL)
//   - agent:{id}:messages           per-recipient message streams (7 d TTL)
//   - dept:{id}:*                   department sets and broadcast streams
//   - failed:messages               dead-letter stream (30 d TTL)
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements StateStore using go-redis.
type RedisStore struct {
	client *redis.Client
	logger Logger
}

// RedisStoreOptions configures the Redis-backed state store.
type RedisStoreOptions struct {
	RedisURL string
	DB       int
	Logger   Logger // Optional
}

// NewRedisStore creates a StateStore backed by Redis and verifies
// connectivity with a ping.
func NewRedisStore(opts RedisStoreOptions) (*RedisStore, error) {
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrMissingConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL %s: %w", opts.RedisURL, ErrInvalidConfiguration)
	}
	if opts.DB != 0 {
		redisOpt.DB = opts.DB
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.RedisURL, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if cal, ok := logger.(ComponentAwareLogger); ok {
		logger = cal.WithComponent("core/statestore")
	}

	return &RedisStore{client: client, logger: logger}, nil
}

// NewRedisStoreWithClient wraps an existing client. The caller retains
// ownership of the client's lifecycle. Used by tests with miniredis.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, logger: &NoOpLogger{}}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("redis GET %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis DEL: %w", err)
	}
	return nil
}

// Keys scans for keys matching pattern. SCAN is used rather than KEYS so a
// large keyspace does not block the server.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis SCAN %s: %w", pattern, err)
	}
	return keys, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis EXPIRE %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis SADD %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis SREM %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS %s: %w", key, err)
	}
	return members, nil
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis SCARD %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.LPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis LPUSH %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE %s: %w", key, err)
	}
	return vals, nil
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := s.client.LTrim(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("redis LTRIM %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) XAdd(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redis XADD %s: %w", stream, err)
	}
	return id, nil
}

// XRead returns up to count entries with IDs greater than from, without
// blocking and without acking.
func (s *RedisStore) XRead(ctx context.Context, stream, from string, count int64) ([]StreamEntry, error) {
	if from == "" {
		from = "0"
	}
	res, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, from},
		Count:   count,
		Block:   -1, // non-blocking
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis XREAD %s: %w", stream, err)
	}

	var entries []StreamEntry
	for _, str := range res {
		for _, msg := range str.Messages {
			entries = append(entries, StreamEntry{ID: msg.ID, Values: msg.Values})
		}
	}
	return entries, nil
}

func (s *RedisStore) XLen(ctx context.Context, stream string) (int64, error) {
	n, err := s.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("redis XLEN %s: %w", stream, err)
	}
	return n, nil
}

func (s *RedisStore) XTrimApprox(ctx context.Context, stream string, maxLen int64) error {
	if err := s.client.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err(); err != nil {
		return fmt.Errorf("redis XTRIM %s: %w", stream, err)
	}
	return nil
}

// XGroupCreate creates a consumer group, creating the stream if needed.
// An already-existing group is not an error.
func (s *RedisStore) XGroupCreate(ctx context.Context, stream, group, start string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("redis XGROUP CREATE %s %s: %w", stream, group, err)
	}
	return nil
}

func (s *RedisStore) XAck(ctx context.Context, stream, group string, ids ...string) error {
	if err := s.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("redis XACK %s: %w", stream, err)
	}
	return nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis INCR %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH %s: %w", channel, err)
	}
	return nil
}

// Close closes the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Compile-time interface compliance check
var _ StateStore = (*RedisStore)(nil)
