package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCooldowns keeps alert cooldown timestamps in Redis so several
// processes share one suppression window.
type RedisCooldowns struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCooldowns wires a redis client. Keys expire after ttl when ttl > 0.
func NewRedisCooldowns(client *redis.Client, prefix string, ttl time.Duration) *RedisCooldowns {
	if prefix == "" {
		prefix = "spreadwatcher"
	}
	return &RedisCooldowns{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisCooldowns) key(pairKey string) string {
	return r.prefix + ":cooldown:" + pairKey
}

// GetLastAlert reads the stored RFC3339Nano timestamp of a pair key.
func (r *RedisCooldowns) GetLastAlert(ctx context.Context, pairKey string) (time.Time, bool, error) {
	raw, err := r.client.Get(ctx, r.key(pairKey)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, &PersistenceError{Op: "redis get cooldown", Err: err}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, &PersistenceError{Op: "parse cooldown", Err: err}
	}
	return ts, true, nil
}

// SetLastAlert stores the timestamp of a pair key.
func (r *RedisCooldowns) SetLastAlert(ctx context.Context, pairKey string, ts time.Time) error {
	if err := r.client.Set(ctx, r.key(pairKey), ts.UTC().Format(time.RFC3339Nano), r.ttl).Err(); err != nil {
		return &PersistenceError{Op: "redis set cooldown", Err: err}
	}
	return nil
}

// Close releases the redis client.
func (r *RedisCooldowns) Close() error {
	return r.client.Close()
}

var _ CooldownStore = (*RedisCooldowns)(nil)
