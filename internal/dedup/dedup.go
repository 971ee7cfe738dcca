// Package dedup remembers which signup identifiers were already enriched so a
// re-run over an overlapping time window does not resubmit them.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long an enriched identifier is remembered.
	DefaultTTL = 7 * 24 * time.Hour

	keyPrefix = "signup-enricher:enriched:"
)

// Filter is a Redis-backed set of enriched identifiers.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter wraps rdb. A ttl <= 0 uses DefaultTTL.
func NewFilter(rdb *redis.Client, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{rdb: rdb, ttl: ttl}
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func key(id string) string {
	return keyPrefix + strings.ToLower(strings.TrimSpace(id))
}

// Seen reports, for each id, whether it was marked within the TTL.
func (f *Filter) Seen(ctx context.Context, ids []string) ([]bool, error) {
	out := make([]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	pipe := f.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Exists(ctx, key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("dedup EXISTS: %w", err)
	}
	for i, c := range cmds {
		out[i] = c.Val() > 0
	}
	return out, nil
}

// Mark records ids as enriched.
func (f *Filter) Mark(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := f.rdb.Pipeline()
	for _, id := range ids {
		pipe.Set(ctx, key(id), 1, f.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dedup SET: %w", err)
	}
	return nil
}
