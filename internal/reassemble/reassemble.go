// Package reassemble implements the reassembler (C7): fingerprinting
// candidate block files, recovering their original order and the file key
// via the unlock-key algebra's XOR search, then decrypting and
// concatenating the plaintext.
package reassemble

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/blockfold/internal/audit"
	"github.com/kenchrcum/blockfold/internal/block"
	"github.com/kenchrcum/blockfold/internal/byteutil"
	"github.com/kenchrcum/blockfold/internal/manifest"
	"github.com/kenchrcum/blockfold/internal/metrics"
	"github.com/kenchrcum/blockfold/internal/pkgerr"
	"github.com/kenchrcum/blockfold/internal/unlock"
	"github.com/kenchrcum/blockfold/internal/vault"
)

// Options configures an Unpack run.
type Options struct {
	CandidateDir string
	Destination  string
	Overwrite    bool

	// LocalManifest, if provided, supplies per-chunk plaintext lengths so
	// the final block's zero padding can be truncated exactly. Without it,
	// the final block's padding bytes are written as trailing zeros.
	LocalManifest *manifest.LocalShareFileManifest

	// KeyManager, if the manifest carries a wrapped key, is used for a
	// non-fatal cross-check only; the interlock-recovered key is always
	// authoritative.
	KeyManager vault.KeyManager

	Logger      *logrus.Logger
	AuditLogger audit.Logger
	Metrics     *metrics.Metrics
}

// Result reports what Unpack recovered.
type Result struct {
	BytesWritten        int64
	OrderingComparisons int
	KeyMismatchWarning  *pkgerr.VerificationWarning
}

// Unpack runs Phases A-E of C7 against fm, using candidate block files
// found in opts.CandidateDir.
func Unpack(ctx context.Context, fm *manifest.FileManifest, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	start := time.Now()

	if opts.Metrics != nil {
		opts.Metrics.IncrementActiveOperations()
		defer opts.Metrics.DecrementActiveOperations()
	}

	candidates, err := fingerprintCandidates(opts.CandidateDir)
	if err != nil {
		return nil, recordFailure(opts, fm.Name, 0, err, start, 0)
	}

	bound, preHash, comparisons, err := recoverOrder(fm, candidates)
	if err != nil {
		return nil, recordFailure(opts, fm.Name, len(candidates), err, start, comparisons)
	}
	if opts.Metrics != nil {
		opts.Metrics.RecordOrderingComparisons(comparisons)
	}

	key, err := recoverKey(fm, preHash)
	if err != nil {
		return nil, recordFailure(opts, fm.Name, len(candidates), err, start, comparisons)
	}

	var mismatchWarning *pkgerr.VerificationWarning
	if fm.WrappedKeyB64 != "" && opts.KeyManager != nil {
		mismatchWarning = crossCheckWrappedKey(ctx, fm, opts.KeyManager, key)
	}

	decryptStart := time.Now()
	written, err := decryptAndWrite(ctx, key, bound, opts)
	if err != nil {
		if opts.Metrics != nil {
			opts.Metrics.RecordEncryptionError(ctx, "decrypt", pkgerr.KindOf(err).String())
		}
		return nil, recordFailure(opts, fm.Name, len(candidates), err, start, comparisons)
	}
	if opts.Metrics != nil {
		opts.Metrics.RecordEncryptionOperation(ctx, "decrypt", time.Since(decryptStart), written)
		opts.Metrics.RecordOperation(ctx, "unpack", time.Since(start))
	}

	if opts.AuditLogger != nil {
		opts.AuditLogger.LogUnpack(fm.Name, len(candidates), true, nil, time.Since(start), comparisons)
	}
	logger.WithFields(logrus.Fields{
		"op":                   "unpack",
		"name":                 fm.Name,
		"blocks":               len(candidates),
		"ordering_comparisons": comparisons,
		"duration_ms":          time.Since(start).Milliseconds(),
	}).Info("unpack complete")

	return &Result{BytesWritten: written, OrderingComparisons: comparisons, KeyMismatchWarning: mismatchWarning}, nil
}

func recordFailure(opts Options, name string, blocks int, err error, start time.Time, comparisons int) error {
	if opts.Metrics != nil {
		opts.Metrics.RecordOperationError("unpack", pkgerr.KindOf(err).String())
	}
	if opts.AuditLogger != nil {
		opts.AuditLogger.LogUnpack(name, blocks, false, err, time.Since(start), comparisons)
	}
	return err
}

// fingerprintCandidates is Phase A: hash every regular file in dir into a
// Block descriptor.
func fingerprintCandidates(dir string) ([]*block.Block, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, pkgerr.New(pkgerr.KindIoFailure, "reassemble.fingerprintCandidates", err)
	}

	var candidates []*block.Block
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Mode()&os.ModeSymlink != 0 || !info.Mode().IsRegular() {
			continue
		}
		b, err := block.FingerprintFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, b)
	}
	if len(candidates) == 0 {
		return nil, pkgerr.New(pkgerr.KindBadInput, "reassemble.fingerprintCandidates",
			fmt.Errorf("no candidate block files in %s", dir))
	}
	return candidates, nil
}

// recoverOrder is Phase B: for each manifest position, search unbound
// candidates for the one whose trailing-byte-folded hash matches the
// published perturbed hash. Returns, per manifest position, the bound
// candidate and its pre-perturbation full hash (captured before it is
// overwritten to mirror packaging state), plus the total comparison count.
func recoverOrder(fm *manifest.FileManifest, candidates []*block.Block) ([]*block.Block, [][]byte, int, error) {
	n := len(fm.BlockHashes)
	bound := make([]*block.Block, n)
	preHash := make([][]byte, n)
	used := make([]bool, len(candidates))
	comparisons := 0

	for i, hexP := range fm.BlockHashes {
		p, err := byteutil.FromHex(hexP)
		if err != nil {
			return nil, nil, comparisons, err
		}

		matched := false
		for c, cand := range candidates {
			if used[c] {
				continue
			}
			comparisons++
			expected, err := unlock.Depert(p, candidates, c)
			if err != nil {
				return nil, nil, comparisons, err
			}
			if bytes.Equal(expected, cand.FullHash) {
				used[c] = true
				bound[i] = cand
				preHash[i] = append([]byte(nil), cand.FullHash...)
				cand.FullHash = append([]byte(nil), p...)
				cand.Ordering = i
				matched = true
				break
			}
		}
		if !matched {
			return nil, nil, comparisons, pkgerr.New(pkgerr.KindOrderingIrrecoverable, "reassemble.recoverOrder",
				fmt.Errorf("no candidate matches manifest position %d after %d comparisons", i, comparisons))
		}
	}
	return bound, preHash, comparisons, nil
}

// recoverKey is Phase C: K = unlock_bytes XOR (XOR of every bound block's
// pre-perturbation hash prefix).
func recoverKey(fm *manifest.FileManifest, preHash [][]byte) ([]byte, error) {
	unlockBytes, err := fm.UnlockBytes()
	if err != nil {
		return nil, err
	}
	acc := append([]byte(nil), unlockBytes...)
	for _, h := range preHash {
		if len(h) < unlock.KeyLen {
			return nil, pkgerr.New(pkgerr.KindLengthMismatch, "reassemble.recoverKey",
				fmt.Errorf("pre-perturbation hash shorter than %d bytes", unlock.KeyLen))
		}
		if err := byteutil.XORInto(acc, h[:unlock.KeyLen]); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// crossCheckWrappedKey compares the interlock-recovered key against the
// wrapped key unwrapped via km. A mismatch, or any unwrap error, is
// reported as a non-fatal VerificationWarning — the interlock-derived key
// is always authoritative.
func crossCheckWrappedKey(ctx context.Context, fm *manifest.FileManifest, km vault.KeyManager, recovered []byte) *pkgerr.VerificationWarning {
	ciphertext, err := base64DecodeOrEmpty(fm.WrappedKeyB64)
	if err != nil {
		return &pkgerr.VerificationWarning{Op: "reassemble.crossCheckWrappedKey", Message: err.Error()}
	}
	unwrapped, err := km.UnwrapKey(ctx, &vault.KeyEnvelope{
		KeyVersion: fm.KeyVersion,
		Provider:   fm.KeyProvider,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return &pkgerr.VerificationWarning{Op: "reassemble.crossCheckWrappedKey", Message: err.Error()}
	}
	if !bytes.Equal(unwrapped, recovered) {
		return &pkgerr.VerificationWarning{Op: "reassemble.crossCheckWrappedKey", Message: "unwrapped key differs from interlock-recovered key"}
	}
	return nil
}

// decryptAndWrite is Phase D: open the destination (failing if it exists
// unless Overwrite), then for each bound block in recovered order, feed its
// ciphertext through one continuing AES-256-CBC decrypter keyed by (K, IV)
// and append the plaintext, truncating the final block's zero padding when
// per-chunk lengths are available.
func decryptAndWrite(ctx context.Context, key []byte, bound []*block.Block, opts Options) (int64, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_EXCL
	if opts.Overwrite {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	dst, err := os.OpenFile(opts.Destination, flags, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return 0, pkgerr.New(pkgerr.KindOutputExists, "reassemble.decryptAndWrite", err)
		}
		return 0, pkgerr.New(pkgerr.KindIoFailure, "reassemble.decryptAndWrite", err)
	}
	defer dst.Close()

	iv := sha512.Sum512(key)
	blockCipher, err := aes.NewCipher(key)
	if err != nil {
		return 0, pkgerr.New(pkgerr.KindBadInput, "reassemble.decryptAndWrite", err)
	}

	var lengths []int64
	if opts.LocalManifest != nil {
		lengths, err = opts.LocalManifest.BlockLengthsInt64()
		if err != nil {
			return 0, err
		}
	}

	// One continuing decrypter across every bound block, mirroring the
	// packaging side's single continuing CBC encrypter: chaining state
	// (the previous ciphertext block) carries across chunk boundaries, so
	// only the very first block actually uses iv directly.
	decrypter := cipher.NewCBCDecrypter(blockCipher, iv[:aes.BlockSize])

	var total int64
	for i, b := range bound {
		select {
		case <-ctx.Done():
			return total, pkgerr.New(pkgerr.KindCancelled, "reassemble.decryptAndWrite", ctx.Err())
		default:
		}

		ciphertext, err := os.ReadFile(b.Path)
		if err != nil {
			return total, pkgerr.New(pkgerr.KindIoFailure, "reassemble.decryptAndWrite", err)
		}

		plaintext := make([]byte, len(ciphertext))
		decrypter.CryptBlocks(plaintext, ciphertext)

		if lengths != nil && i < len(lengths) && lengths[i] < int64(len(plaintext)) {
			plaintext = plaintext[:lengths[i]]
		}

		n, err := dst.Write(plaintext)
		if err != nil {
			return total, pkgerr.New(pkgerr.KindIoFailure, "reassemble.decryptAndWrite", err)
		}
		total += int64(n)
	}
	return total, nil
}

func base64DecodeOrEmpty(s string) ([]byte, error) {
	if s == "" {
		return nil, pkgerr.New(pkgerr.KindBadInput, "reassemble.base64DecodeOrEmpty", fmt.Errorf("empty wrapped key"))
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, pkgerr.New(pkgerr.KindBadInput, "reassemble.base64DecodeOrEmpty", err)
	}
	return data, nil
}
