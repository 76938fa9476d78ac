// Package block implements the Block record: the in-memory descriptor of
// one encrypted chunk, plus the constructors that hash a ciphertext buffer
// and optionally persist it to disk.
package block

import (
	"crypto/sha512"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kenchrcum/blockfold/internal/byteutil"
	"github.com/kenchrcum/blockfold/internal/pkgerr"
)

// TrailingLen is the width of both FullHash and TrailingBytes.
const TrailingLen = 64

// Block is the descriptor of one encrypted chunk: its hash (in whichever
// form it currently holds — pre- or post-perturbation, see the unlock
// package), its trailing ciphertext bytes, an optional on-disk path, and
// its 0-based position in the original file.
type Block struct {
	FullHash      []byte // 64 bytes
	TrailingBytes []byte // 64 bytes
	Path          string // empty if not persisted
	Ordering      int
}

// FromCiphertext hashes ciphertext and fills the trailing-bytes invariant,
// leaving Path empty (metadata-only / in-memory mode).
func FromCiphertext(ciphertext []byte) (*Block, error) {
	if len(ciphertext) == 0 {
		return nil, pkgerr.New(pkgerr.KindBadInput, "block.FromCiphertext", fmt.Errorf("empty ciphertext"))
	}
	sum := sha512.Sum512(ciphertext)
	return &Block{
		FullHash:      append([]byte(nil), sum[:]...),
		TrailingBytes: byteutil.RightAlign(ciphertext, TrailingLen),
	}, nil
}

// PersistTemp hashes ciphertext and writes it to a fresh temporary file,
// recording its path on the returned Block.
func PersistTemp(ciphertext []byte) (*Block, error) {
	b, err := FromCiphertext(ciphertext)
	if err != nil {
		return nil, err
	}
	f, err := os.CreateTemp("", "blockfold-*.block")
	if err != nil {
		return nil, pkgerr.New(pkgerr.KindIoFailure, "block.PersistTemp", err)
	}
	defer f.Close()
	if _, err := f.Write(ciphertext); err != nil {
		return nil, pkgerr.New(pkgerr.KindIoFailure, "block.PersistTemp", err)
	}
	b.Path = f.Name()
	return b, nil
}

// PersistOptions controls PersistToDirectory behavior.
type PersistOptions struct {
	Overwrite bool
	Verify    bool
	// WarnSink receives non-fatal verification mismatches. May be nil.
	WarnSink func(*pkgerr.VerificationWarning)
}

// PersistToDirectory hashes ciphertext and writes it to directory/filename.
// If the destination exists and Overwrite is false, it fails with
// KindOutputExists; if Overwrite is true, the existing file is removed
// first. If Verify is set, the written file is re-read and re-hashed; a
// mismatch is reported to WarnSink (if non-nil) rather than failing.
func PersistToDirectory(ciphertext []byte, directory, filename string, opts PersistOptions) (*Block, error) {
	b, err := FromCiphertext(ciphertext)
	if err != nil {
		return nil, err
	}

	dst := filepath.Join(directory, filename)
	if _, statErr := os.Stat(dst); statErr == nil {
		if !opts.Overwrite {
			return nil, pkgerr.New(pkgerr.KindOutputExists, "block.PersistToDirectory",
				fmt.Errorf("%s already exists", dst))
		}
		if err := os.Remove(dst); err != nil {
			return nil, pkgerr.New(pkgerr.KindIoFailure, "block.PersistToDirectory", err)
		}
	} else if !os.IsNotExist(statErr) {
		return nil, pkgerr.New(pkgerr.KindIoFailure, "block.PersistToDirectory", statErr)
	}

	if err := os.WriteFile(dst, ciphertext, 0o644); err != nil {
		return nil, pkgerr.New(pkgerr.KindIoFailure, "block.PersistToDirectory", err)
	}
	b.Path = dst

	if opts.Verify {
		verifyPersisted(dst, ciphertext, b.FullHash, opts.WarnSink)
	}

	return b, nil
}

func verifyPersisted(path string, original, expectHash []byte, warn func(*pkgerr.VerificationWarning)) {
	if warn == nil {
		warn = func(*pkgerr.VerificationWarning) {}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		warn(&pkgerr.VerificationWarning{Op: "block.verify", Message: err.Error()})
		return
	}
	if len(data) != len(original) {
		warn(&pkgerr.VerificationWarning{
			Op:      "block.verify",
			Message: fmt.Sprintf("length mismatch: wrote %d, read back %d", len(original), len(data)),
		})
		return
	}
	sum := sha512.Sum512(data)
	if string(sum[:]) != string(expectHash) {
		warn(&pkgerr.VerificationWarning{Op: "block.verify", Message: "re-read hash differs from in-memory hash"})
	}
}

// Rename moves the block's on-disk file to newPath and updates Path.
func (b *Block) Rename(newPath string) error {
	if b.Path == "" {
		return pkgerr.New(pkgerr.KindBadInput, "block.Rename", fmt.Errorf("block has no on-disk path"))
	}
	if err := os.Rename(b.Path, newPath); err != nil {
		return pkgerr.New(pkgerr.KindIoFailure, "block.Rename", err)
	}
	b.Path = newPath
	return nil
}

// FingerprintFile computes a Block by hashing an existing on-disk
// ciphertext file, used during reassembly to fingerprint candidate blocks.
func FingerprintFile(path string) (*Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pkgerr.New(pkgerr.KindIoFailure, "block.FingerprintFile", err)
	}
	defer f.Close()

	h := sha512.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, pkgerr.New(pkgerr.KindIoFailure, "block.FingerprintFile", err)
	}

	tail, err := readTail(path, TrailingLen)
	if err != nil {
		return nil, err
	}

	return &Block{
		FullHash:      h.Sum(nil),
		TrailingBytes: tail,
		Path:          path,
		Ordering:      -1,
	}, nil
}

func readTail(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pkgerr.New(pkgerr.KindIoFailure, "block.readTail", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, pkgerr.New(pkgerr.KindIoFailure, "block.readTail", err)
	}

	size := st.Size()
	readLen := int64(n)
	if size < readLen {
		readLen = size
	}
	buf := make([]byte, readLen)
	if readLen > 0 {
		if _, err := f.ReadAt(buf, size-readLen); err != nil {
			return nil, pkgerr.New(pkgerr.KindIoFailure, "block.readTail", err)
		}
	}
	return byteutil.RightAlign(buf, n), nil
}
