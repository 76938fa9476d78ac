package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleManifest() *FileManifest {
	return &FileManifest{
		Version:     Version,
		BlockHashes: []string{"AA" + string(make([]byte, 126))},
		Name:        "example.bin",
		Unlock:      "00112233445566778899AABBCCDDEEFF00112233445566778899AABBCCDDEEFF",
		PackedUTC:   Now(),
	}
}

func TestEncodeDecodeFileManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.json")

	m := sampleManifest()
	// replace the zero-padded BlockHashes entry with a realistic hex string
	m.BlockHashes = []string{"0102030405060708090A0B0C0D0E0F10" + "1112131415161718191A1B1C1D1E1F20" +
		"2122232425262728292A2B2C2D2E2F30" + "3132333435363738393A3B3C3D3E3F40"}

	require.NoError(t, Encode(path, m))

	got, err := DecodeFileManifest(path)
	require.NoError(t, err)
	require.Equal(t, m.Name, got.Name)
	require.Equal(t, m.Unlock, got.Unlock)
	require.Equal(t, m.BlockHashes, got.BlockHashes)
}

func TestDecodeFileManifestRejectsEmptyBlockHashes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.json")

	m := sampleManifest()
	m.BlockHashes = nil
	require.NoError(t, Encode(path, m))

	_, err := DecodeFileManifest(path)
	require.Error(t, err)
}

func TestDecodeFileManifestRejectsBadUnlockLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.json")

	m := sampleManifest()
	m.Unlock = "AABB"
	require.NoError(t, Encode(path, m))

	_, err := DecodeFileManifest(path)
	require.Error(t, err)
}

func TestLocalShareFileManifestBlockLengths(t *testing.T) {
	lm := &LocalShareFileManifest{
		FileManifest: *sampleManifest(),
		BlockLengths: []string{"1048576", "2048"},
	}
	lens, err := lm.BlockLengthsInt64()
	require.NoError(t, err)
	require.Equal(t, []int64{1048576, 2048}, lens)
}

func TestWalkDirectorySkipsSymlinksAndDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "subdir", "b.txt"), []byte("world"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(dir, "a.txt"), filepath.Join(dir, "link.txt")))

	var seen []string
	results, errs := WalkDirectory(dir, 1024, func(path string, chunkSize int64) (*LocalShareFileManifest, error) {
		seen = append(seen, path)
		return &LocalShareFileManifest{LocalPath: path}, nil
	})
	require.Empty(t, errs)
	require.Len(t, results, 2)
	require.Len(t, seen, 2)
}
