// Package chunker generates the sequence of chunk lengths a source file is
// split into before encryption. Lengths are either fixed (caller-supplied
// chunkSize) or drawn from a scale-aware random range, rounded to the AES
// block-size-friendly 128-byte alignment.
package chunker

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/kenchrcum/blockfold/internal/pkgerr"
)

const (
	// alignment is the lower rounding boundary for randomly drawn chunk
	// lengths (not the final chunk), chosen so ciphertext lengths stay
	// friendly to the 16-byte AES block size.
	alignment = 128

	minChunkFloor = 1 << 20    // 1 MiB
	maxChunkFloor = 10 << 20   // 10 MiB
)

// Lengths returns the sequence of chunk lengths c1..cn with sum == fileSize.
// If chunkSize > 0, every chunk has exactly that length except possibly the
// last. Otherwise lengths are drawn from rnd using the scale-aware range
// described in the spec. rnd must be non-nil for deterministic/restartable
// sequences; callers wanting true randomness pass rand.New(rand.NewSource(seed))
// seeded from a CSPRNG-derived seed.
func Lengths(fileSize int64, chunkSize int64, rnd *rand.Rand) ([]int64, error) {
	if fileSize <= 0 {
		return nil, pkgerr.New(pkgerr.KindBadInput, "chunker.Lengths",
			fmt.Errorf("file size must be >= 1, got %d", fileSize))
	}
	if chunkSize > 0 {
		return fixedLengths(fileSize, chunkSize), nil
	}
	if rnd == nil {
		return nil, pkgerr.New(pkgerr.KindBadInput, "chunker.Lengths",
			fmt.Errorf("rnd must be provided when chunkSize is not fixed"))
	}
	return randomLengths(fileSize, rnd), nil
}

func fixedLengths(fileSize, chunkSize int64) []int64 {
	var out []int64
	remaining := fileSize
	for remaining > 0 {
		c := chunkSize
		if c > remaining {
			c = remaining
		}
		out = append(out, c)
		remaining -= c
	}
	return out
}

func randomLengths(fileSize int64, rnd *rand.Rand) []int64 {
	var out []int64
	remaining := fileSize
	for remaining > 0 {
		minC, maxC := chunkRange(fileSize)
		// Draw c uniformly from [minC, maxC).
		span := maxC - minC
		var c int64
		if span <= 0 {
			c = minC
		} else {
			c = minC + rnd.Int63n(span)
		}

		if remaining <= c {
			out = append(out, remaining)
			break
		}

		c -= c % alignment
		if c <= 0 {
			c = alignment
		}
		out = append(out, c)
		remaining -= c
	}
	return out
}

// chunkRange computes [minChunk, maxChunk) for the given file size,
// per the spec: L = floor(log10(size)); minChunk = max(1MiB, 10^(L-2));
// maxChunk = max(10MiB, 10^(L-1)).
func chunkRange(size int64) (minChunk, maxChunk int64) {
	l := int(math.Floor(math.Log10(float64(size))))

	pow := func(e int) int64 {
		if e < 0 {
			return 1
		}
		return int64(math.Pow(10, float64(e)))
	}

	minChunk = maxInt64(minChunkFloor, pow(l-2))
	maxChunk = maxInt64(maxChunkFloor, pow(l-1))
	if maxChunk <= minChunk {
		maxChunk = minChunk + 1
	}
	return minChunk, maxChunk
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
