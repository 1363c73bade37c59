// Package dedup suppresses repeated alarm signals for the same watch
// match within a time window, backed by redis SETNX so the window
// survives restarts and is shared across processes.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "romarket:dedup:alarm:"

type Deduplicator struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewDeduplicator returns a window deduplicator. A nil redis client
// disables suppression entirely (every signal passes).
func NewDeduplicator(rdb *redis.Client, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Deduplicator{
		rdb: rdb,
		ttl: ttl,
	}
}

// IsDuplicate records key and reports whether it was already seen
// within the window.
func (d *Deduplicator) IsDuplicate(ctx context.Context, key string) (bool, error) {
	if d == nil || d.rdb == nil || key == "" {
		return false, nil
	}
	ok, err := d.rdb.SetNX(ctx, keyPrefix+hashKey(key), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !ok, nil
}

// Delete clears a key so the next signal for it passes again, used
// when a watch match is resolved or its criterion changes.
func (d *Deduplicator) Delete(ctx context.Context, key string) error {
	if d == nil || d.rdb == nil || key == "" {
		return nil
	}
	if err := d.rdb.Del(ctx, keyPrefix+hashKey(key)).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
