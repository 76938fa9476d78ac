// Package dedupcache implements the optional pack-side dedup cache: a
// Redis-backed lookup keyed by the SHA-512 of the source plaintext, so a
// repeat pack of byte-identical content can be recognized before a second
// full chunking pipeline run is spent on it.
package dedupcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kenchrcum/blockfold/internal/manifest"
	"github.com/kenchrcum/blockfold/internal/pkgerr"
)

const keyPrefix = "blockfold:dedup:"

// Entry is what the cache stores against a plaintext hash: the manifest
// produced by the run that first packed this content, plus where its block
// files were written.
type Entry struct {
	Manifest  *manifest.FileManifest `json:"manifest"`
	BlockDir  string                 `json:"block_dir"`
	PackedUTC int64                  `json:"packed_utc"`
}

// Cache wraps a redis.Client (or any redis.Cmdable, so tests can pass a
// miniredis-backed client) with the dedup-specific key scheme and TTL.
type Cache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// New builds a Cache. ttl <= 0 means entries never expire.
func New(rdb redis.Cmdable, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

func cacheKey(plaintextHashHex string) string {
	return keyPrefix + plaintextHashHex
}

// Lookup returns the cached Entry for plaintextHashHex, or (nil, nil) on a
// cache miss.
func (c *Cache) Lookup(ctx context.Context, plaintextHashHex string) (*Entry, error) {
	data, err := c.rdb.Get(ctx, cacheKey(plaintextHashHex)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerr.New(pkgerr.KindIoFailure, "dedupcache.Lookup", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, pkgerr.New(pkgerr.KindBadInput, "dedupcache.Lookup", fmt.Errorf("corrupt cache entry: %w", err))
	}
	return &e, nil
}

// Store records a freshly-packed result under plaintextHashHex.
func (c *Cache) Store(ctx context.Context, plaintextHashHex string, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return pkgerr.New(pkgerr.KindBadInput, "dedupcache.Store", err)
	}
	if err := c.rdb.Set(ctx, cacheKey(plaintextHashHex), data, c.ttl).Err(); err != nil {
		return pkgerr.New(pkgerr.KindIoFailure, "dedupcache.Store", err)
	}
	return nil
}

// Invalidate drops any cached entry for plaintextHashHex, for a caller that
// wants the next pack of that content to run the full pipeline.
func (c *Cache) Invalidate(ctx context.Context, plaintextHashHex string) error {
	if err := c.rdb.Del(ctx, cacheKey(plaintextHashHex)).Err(); err != nil {
		return pkgerr.New(pkgerr.KindIoFailure, "dedupcache.Invalidate", err)
	}
	return nil
}
