package unlock

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/kenchrcum/blockfold/internal/block"
	"github.com/stretchr/testify/require"
)

func makeBlocks(t *testing.T, n int) []*block.Block {
	t.Helper()
	blocks := make([]*block.Block, n)
	for i := range blocks {
		ct := make([]byte, 96+i*7)
		_, err := rand.Read(ct)
		require.NoError(t, err)
		b, err := block.FromCiphertext(ct)
		require.NoError(t, err)
		b.Ordering = i
		blocks[i] = b
	}
	return blocks
}

func TestComputeRecoverInverse(t *testing.T) {
	key := make([]byte, KeyLen)
	_, err := rand.Read(key)
	require.NoError(t, err)

	blocks := makeBlocks(t, 4)
	u, err := Compute(key, blocks)
	require.NoError(t, err)

	recovered, err := Recover(u, blocks)
	require.NoError(t, err)
	require.True(t, bytes.Equal(key, recovered))
}

func TestPerturbInvolution(t *testing.T) {
	blocks := makeBlocks(t, 5)

	// capture original hi prefixes before perturbation
	originalHashes := make([][]byte, len(blocks))
	for i, b := range blocks {
		originalHashes[i] = append([]byte(nil), b.FullHash...)
	}

	require.NoError(t, Perturb(blocks))

	// sum of hi == sum of (pi XOR XOR_{j!=i} trailing_j)
	sumH := make([]byte, block.TrailingLen)
	for _, h := range originalHashes {
		for i := range sumH {
			sumH[i] ^= h[i]
		}
	}

	sumReconstructed := make([]byte, block.TrailingLen)
	for i, b := range blocks {
		other, err := Depert(b.FullHash, blocks, i)
		require.NoError(t, err)
		for k := range sumReconstructed {
			sumReconstructed[k] ^= other[k]
		}
	}

	require.True(t, bytes.Equal(sumH, sumReconstructed))
}

func TestDepertRecoversOriginalHash(t *testing.T) {
	blocks := makeBlocks(t, 3)
	originalHashes := make([][]byte, len(blocks))
	for i, b := range blocks {
		originalHashes[i] = append([]byte(nil), b.FullHash...)
	}

	require.NoError(t, Perturb(blocks))

	for i, b := range blocks {
		recovered, err := Depert(b.FullHash, blocks, i)
		require.NoError(t, err)
		require.True(t, bytes.Equal(originalHashes[i], recovered))
	}
}

func TestComputeRejectsWrongKeyLength(t *testing.T) {
	blocks := makeBlocks(t, 1)
	_, err := Compute([]byte{1, 2, 3}, blocks)
	require.Error(t, err)
}

func TestComputeRejectsEmptyBlocks(t *testing.T) {
	_, err := Compute(make([]byte, KeyLen), nil)
	require.Error(t, err)
}
