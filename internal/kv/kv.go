// Package kv is the thin abstraction over a pooled key-value store (C1).
// It is the only cross-replica channel the rest of the gateway sees: every
// other component reaches the cluster through a *Store, never through a raw
// Redis client of its own.
package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store wraps a pooled Redis client with the small vocabulary the gateway
// needs: get/set with expiry, hash ops, delete, pattern scan, a pipelined
// multi-op, and increment-with-expiry for rate limiting.
type Store struct {
	client *redis.Client
	prefix string
}

// New parses redisURL, builds a pooled client (bounded by PoolSize, default
// 1000 per spec.md's "shared resources" section), and verifies connectivity.
func New(redisURL string, poolSize int) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Store{client: client, prefix: "gateway:"}, nil
}

// Client exposes the underlying client for components (pub/sub) that need
// their own dedicated connection.
func (s *Store) Client() *redis.Client { return s.client }

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(k string) string { return s.prefix + k }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	return s.client.Get(ctx, s.key(key)).Bytes()
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, s.key(key), ttl).Err()
}

func (s *Store) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	return s.client.HSet(ctx, s.key(key), fields).Err()
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, s.key(key)).Result()
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	return s.client.HDel(ctx, s.key(key), fields...).Err()
}

// Scan returns every key matching pattern (already namespaced by prefix),
// stripped of the store's prefix so callers see logical keys.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := s.client.Scan(ctx, 0, s.key(pattern), 200).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val()[len(s.prefix):])
	}
	return out, iter.Err()
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, s.key(key)).Result()
}

func (s *Store) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, s.key(key))
	pipe.Expire(ctx, s.key(key), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Pipeline exposes the raw pipeliner for C4's batched read/write-behind,
// which needs one round trip across many sessions rather than a fixed op.
func (s *Store) Pipeline() redis.Pipeliner { return s.client.Pipeline() }

func (s *Store) Prefix() string { return s.prefix }
