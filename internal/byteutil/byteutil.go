// Package byteutil provides the fixed-width XOR and hex helpers shared by
// the unlock-key algebra, block perturbation, and manifest codec.
package byteutil

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/kenchrcum/blockfold/internal/pkgerr"
)

// XOR returns the byte-wise XOR of a and b. It fails with KindLengthMismatch
// if the two slices are not the same length.
func XOR(a, b []byte) ([]byte, error) {
	if len(a) != len(b) {
		return nil, pkgerr.New(pkgerr.KindLengthMismatch, "byteutil.XOR",
			fmt.Errorf("len(a)=%d != len(b)=%d", len(a), len(b)))
	}
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out, nil
}

// XORInto XORs src into dst (dst[i] ^= src[i]) in place. Both slices must
// have equal length.
func XORInto(dst, src []byte) error {
	if len(dst) != len(src) {
		return pkgerr.New(pkgerr.KindLengthMismatch, "byteutil.XORInto",
			fmt.Errorf("len(dst)=%d != len(src)=%d", len(dst), len(src)))
	}
	for i := range dst {
		dst[i] ^= src[i]
	}
	return nil
}

// ToHex renders b as uppercase hex with no separators.
func ToHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// FromHex parses an even-length uppercase hex string into bytes, failing
// with KindBadHex if s is malformed.
func FromHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, pkgerr.New(pkgerr.KindBadHex, "byteutil.FromHex",
			fmt.Errorf("odd-length hex string of length %d", len(s)))
	}
	b, err := hex.DecodeString(strings.ToLower(s))
	if err != nil {
		return nil, pkgerr.New(pkgerr.KindBadHex, "byteutil.FromHex", err)
	}
	return b, nil
}

// RightAlign returns a buffer of length n containing the last min(n, len(b))
// bytes of b, left-padded with zeros. It implements the trailing-bytes
// invariant used by Block construction and reassembly fingerprinting.
func RightAlign(b []byte, n int) []byte {
	out := make([]byte, n)
	if len(b) >= n {
		copy(out, b[len(b)-n:])
		return out
	}
	copy(out[n-len(b):], b)
	return out
}
