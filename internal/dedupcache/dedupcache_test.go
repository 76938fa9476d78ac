package dedupcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/kenchrcum/blockfold/internal/manifest"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, time.Minute)
}

func TestLookupMissReturnsNilNil(t *testing.T) {
	c := newTestCache(t)
	e, err := c.Lookup(context.Background(), "deadbeef")
	require.NoError(t, err)
	require.Nil(t, e)
}

func TestStoreThenLookupHits(t *testing.T) {
	c := newTestCache(t)
	entry := &Entry{
		Manifest: &manifest.FileManifest{
			Version:     manifest.Version,
			BlockHashes: []string{"aa"},
			Name:        "file.bin",
			Unlock:      "00",
		},
		BlockDir:  "/tmp/blocks",
		PackedUTC: manifest.Now(),
	}

	require.NoError(t, c.Store(context.Background(), "cafef00d", entry))

	got, err := c.Lookup(context.Background(), "cafef00d")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "file.bin", got.Manifest.Name)
	require.Equal(t, "/tmp/blocks", got.BlockDir)
}

func TestInvalidateRemovesEntry(t *testing.T) {
	c := newTestCache(t)
	entry := &Entry{Manifest: &manifest.FileManifest{Name: "x"}}
	require.NoError(t, c.Store(context.Background(), "k1", entry))

	require.NoError(t, c.Invalidate(context.Background(), "k1"))

	got, err := c.Lookup(context.Background(), "k1")
	require.NoError(t, err)
	require.Nil(t, got)
}
