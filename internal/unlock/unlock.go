// Package unlock implements the unlock-key algebra and the hash-perturbation
// step that together form the packaging scheme's key interlock: the file
// key is recoverable only when every block's trailing bytes are available.
package unlock

import (
	"fmt"

	"github.com/kenchrcum/blockfold/internal/block"
	"github.com/kenchrcum/blockfold/internal/byteutil"
	"github.com/kenchrcum/blockfold/internal/pkgerr"
)

// KeyLen is the width of the file encryption key and the unlock value.
const KeyLen = 32

// HashPrefix returns the first KeyLen bytes of a block's full hash, the
// value XORed into the unlock bytes.
func HashPrefix(b *block.Block) ([]byte, error) {
	if len(b.FullHash) < KeyLen {
		return nil, pkgerr.New(pkgerr.KindLengthMismatch, "unlock.HashPrefix",
			fmt.Errorf("full hash shorter than %d bytes", KeyLen))
	}
	return b.FullHash[:KeyLen], nil
}

// Compute returns unlock(K, blocks) = K XOR h0 XOR h1 XOR ... XOR h(n-1),
// where each hi is the 32-byte prefix of blocks[i].FullHash.
//
// The same function inverts the relationship during reassembly: XOR is
// involutive, so folding the unlock bytes against the recovered hash
// prefixes yields K back.
func Compute(key []byte, blocks []*block.Block) ([]byte, error) {
	if len(key) != KeyLen {
		return nil, pkgerr.New(pkgerr.KindLengthMismatch, "unlock.Compute",
			fmt.Errorf("key must be %d bytes, got %d", KeyLen, len(key)))
	}
	if len(blocks) == 0 {
		return nil, pkgerr.New(pkgerr.KindBadInput, "unlock.Compute", fmt.Errorf("no blocks"))
	}

	acc := append([]byte(nil), key...)
	for _, b := range blocks {
		prefix, err := HashPrefix(b)
		if err != nil {
			return nil, err
		}
		if err := byteutil.XORInto(acc, prefix); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// Recover is the reassembly-side inverse of Compute: given the manifest's
// unlock bytes and the (pre-perturbation) full hashes of every block in
// recovered order, it returns the original file key.
func Recover(unlockBytes []byte, blocks []*block.Block) ([]byte, error) {
	return Compute(unlockBytes, blocks)
}

// Perturb computes pi = hi XOR (XOR of every other block's trailing bytes)
// for every block in blocks, in place: each block's FullHash is overwritten
// with its perturbed form. It must be called exactly once, after all blocks
// have been produced and trailing bytes recorded.
func Perturb(blocks []*block.Block) error {
	n := len(blocks)
	if n == 0 {
		return pkgerr.New(pkgerr.KindBadInput, "unlock.Perturb", fmt.Errorf("no blocks"))
	}

	// total = XOR of every block's trailing bytes.
	total := make([]byte, block.TrailingLen)
	for _, b := range blocks {
		if len(b.TrailingBytes) != block.TrailingLen {
			return pkgerr.New(pkgerr.KindLengthMismatch, "unlock.Perturb",
				fmt.Errorf("trailing bytes must be %d bytes", block.TrailingLen))
		}
		if err := byteutil.XORInto(total, b.TrailingBytes); err != nil {
			return err
		}
	}

	for _, b := range blocks {
		// other = total XOR b.TrailingBytes == XOR of every *other* block's
		// trailing bytes, since XOR is its own inverse.
		other := append([]byte(nil), total...)
		if err := byteutil.XORInto(other, b.TrailingBytes); err != nil {
			return err
		}
		if err := byteutil.XORInto(b.FullHash, other); err != nil {
			return err
		}
	}
	return nil
}

// Depert computes, for candidate index c among candidates, the value that
// must equal candidates[c]'s pre-perturbation full hash if c truly sits at
// the position whose perturbed hash is p. It is the core comparison used
// by the reassembler's ordering search (Phase B).
func Depert(p []byte, candidates []*block.Block, c int) ([]byte, error) {
	if c < 0 || c >= len(candidates) {
		return nil, pkgerr.New(pkgerr.KindBadInput, "unlock.Depert", fmt.Errorf("candidate index %d out of range", c))
	}
	total := make([]byte, block.TrailingLen)
	for j, cand := range candidates {
		if j == c {
			continue
		}
		if err := byteutil.XORInto(total, cand.TrailingBytes); err != nil {
			return nil, err
		}
	}
	return byteutil.XOR(p, total)
}
