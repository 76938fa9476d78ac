// Package pipeline implements the chunking/encryption pipeline (C5), its
// metadata-only variant (C8), and the manifest builder (C6) that turns a
// finished block sequence into a FileManifest. The concurrency model is
// grounded on the reference service's chunked crypto reader: a single
// producer feeding a small, fixed pool of consumers through a bounded
// channel, followed by a sequential pass that cannot be parallelized
// because it reuses one continuing CBC stream.
package pipeline

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	cryptorand "crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	mathrand "math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/blockfold/internal/block"
	"github.com/kenchrcum/blockfold/internal/bufpool"
	"github.com/kenchrcum/blockfold/internal/byteutil"
	"github.com/kenchrcum/blockfold/internal/chunker"
	"github.com/kenchrcum/blockfold/internal/config"
	"github.com/kenchrcum/blockfold/internal/hardware"
	"github.com/kenchrcum/blockfold/internal/manifest"
	"github.com/kenchrcum/blockfold/internal/metrics"
	"github.com/kenchrcum/blockfold/internal/pkgerr"
	"github.com/kenchrcum/blockfold/internal/unlock"
	"github.com/kenchrcum/blockfold/internal/vault"
)

const (
	hashWorkers   = 4
	queueCapacity = 4
	aesBlockSize  = aes.BlockSize
)

// Options configures a Pack run.
type Options struct {
	Source     io.ReadSeeker
	SourceSize int64
	Name       string

	// ChunkSize > 0 selects fixed-length chunking; ChunkSize <= 0 selects
	// scale-aware random chunking, and Rnd must then be non-nil.
	ChunkSize int64
	Rnd       *mathrand.Rand

	// BlockDir, if non-empty, persists each block to that directory using
	// the two-phase temp/final naming scheme; otherwise each block is
	// written to an anonymous temp file via block.PersistTemp.
	BlockDir  string
	Overwrite bool

	// KeyManager, if non-nil, wraps the file key and attaches the
	// resulting envelope to the manifest. Never required.
	KeyManager vault.KeyManager

	// Hardware reports whether AES-NI/ARMv8 CE is enabled, purely for the
	// hardware-acceleration gauge; Go's crypto/aes already dispatches to a
	// hardware implementation on its own when available, so this has no
	// bearing on correctness or actual throughput.
	Hardware config.HardwareConfig

	Metrics *metrics.Metrics
	Logger  *logrus.Logger
}

// Result is everything a Pack run produces.
type Result struct {
	Manifest      *manifest.FileManifest
	LocalManifest *manifest.LocalShareFileManifest
	Blocks        []*block.Block
}

type chunkJob struct {
	index  int
	buffer []byte
}

type hashResult struct {
	index int
	hash  []byte
	err   error
}

// Pack runs the full C5 protocol: Pass 1 (parallel hash warm-up), Pass 2
// (sequential AES-256-CBC encryption and block persistence), unlock-key
// computation, hash perturbation, two-phase file renaming, and manifest
// emission.
func Pack(ctx context.Context, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	start := time.Now()

	if opts.Metrics != nil {
		opts.Metrics.SetHardwareAccelerationStatus("aes", hardware.IsEnabled(opts.Hardware))
		opts.Metrics.IncrementActiveOperations()
		defer opts.Metrics.DecrementActiveOperations()
	}

	if opts.SourceSize <= 0 {
		if opts.Metrics != nil {
			opts.Metrics.RecordOperationError("pack", pkgerr.KindBadInput.String())
		}
		return nil, pkgerr.New(pkgerr.KindBadInput, "pipeline.Pack", fmt.Errorf("source size must be >= 1"))
	}

	lengths, err := chunker.Lengths(opts.SourceSize, opts.ChunkSize, opts.Rnd)
	if err != nil {
		return nil, recordPackError(opts.Metrics, err)
	}

	if _, err := opts.Source.Seek(0, io.SeekStart); err != nil {
		return nil, recordPackError(opts.Metrics, pkgerr.New(pkgerr.KindIoFailure, "pipeline.Pack", err))
	}

	// Fixed chunking reuses one buffer size across every chunk but the
	// last, so pooling pays off; random chunking mostly misses, which the
	// pool already handles by falling back to a fresh allocation.
	pool := bufpool.New(int(opts.ChunkSize))
	if err := runHashWarmup(ctx, opts.Source, lengths, pool, opts.Metrics); err != nil {
		return nil, recordPackError(opts.Metrics, err)
	}

	key := make([]byte, unlock.KeyLen)
	if _, err := cryptorand.Read(key); err != nil {
		return nil, recordPackError(opts.Metrics, pkgerr.New(pkgerr.KindBadInput, "pipeline.Pack", err))
	}

	encryptStart := time.Now()
	persist := persistFunc(opts)
	blocks, plaintextHash, err := runEncryptPass(ctx, opts.Source, lengths, key, persist, pool, opts.Metrics)
	if err != nil {
		if opts.Metrics != nil {
			opts.Metrics.RecordEncryptionError(ctx, "encrypt", pkgerr.KindOf(err).String())
		}
		return nil, recordPackError(opts.Metrics, err)
	}
	if opts.Metrics != nil {
		opts.Metrics.RecordEncryptionOperation(ctx, "encrypt", time.Since(encryptStart), opts.SourceSize)
	}

	unlockBytes, err := unlock.Compute(key, blocks)
	if err != nil {
		return nil, recordPackError(opts.Metrics, err)
	}

	if err := unlock.Perturb(blocks); err != nil {
		return nil, recordPackError(opts.Metrics, err)
	}

	if opts.BlockDir != "" {
		if err := renamePerturbed(blocks, opts.Name, opts.BlockDir); err != nil {
			return nil, recordPackError(opts.Metrics, err)
		}
	}

	fm, err := BuildManifest(ctx, opts.Name, blocks, unlockBytes, key, opts.KeyManager)
	if err != nil {
		return nil, recordPackError(opts.Metrics, err)
	}

	lengthStrs := make([]string, len(lengths))
	for i, l := range lengths {
		lengthStrs[i] = fmt.Sprintf("%d", l)
	}
	lm := &manifest.LocalShareFileManifest{
		FileManifest: *fm,
		SizeBytes:    opts.SourceSize,
		Hash:         byteutil.ToHex(plaintextHash),
		BlockLengths: lengthStrs,
	}

	if opts.Metrics != nil {
		opts.Metrics.RecordOperation(ctx, "pack", time.Since(start))
	}

	logger.WithFields(logrus.Fields{
		"op":          "pack",
		"name":        opts.Name,
		"blocks":      len(blocks),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("pack complete")

	return &Result{Manifest: fm, LocalManifest: lm, Blocks: blocks}, nil
}

// recordPackError records a pack failure against m (if non-nil) under its
// pkgerr.Kind label and returns err unchanged, so call sites can wrap a
// return statement without breaking their control flow.
func recordPackError(m *metrics.Metrics, err error) error {
	if m != nil {
		m.RecordOperationError("pack", pkgerr.KindOf(err).String())
	}
	return err
}

// BuildManifest implements C6: a pure function over a finished block
// sequence and the (unwrapped) file key. If km is non-nil the key is also
// wrapped and the envelope fields are attached; this has no bearing on any
// value the interlock itself uses.
func BuildManifest(ctx context.Context, name string, blocks []*block.Block, unlockBytes, key []byte, km vault.KeyManager) (*manifest.FileManifest, error) {
	hashes := make([]string, len(blocks))
	for i, b := range blocks {
		hashes[i] = byteutil.ToHex(b.FullHash)
	}

	fm := &manifest.FileManifest{
		Version:     manifest.Version,
		BlockHashes: hashes,
		Name:        name,
		Unlock:      byteutil.ToHex(unlockBytes),
		PackedUTC:   manifest.Now(),
	}

	if km != nil {
		env, err := km.WrapKey(ctx, key)
		if err != nil {
			return nil, err
		}
		fm.WrappedKeyB64 = base64.StdEncoding.EncodeToString(env.Ciphertext)
		fm.KeyVersion = env.KeyVersion
		fm.KeyProvider = env.Provider
	}

	if err := fm.Validate(); err != nil {
		return nil, err
	}
	return fm, nil
}

func persistFunc(opts Options) func([]byte) (*block.Block, error) {
	if opts.BlockDir == "" {
		return func(ciphertext []byte) (*block.Block, error) {
			return block.PersistTemp(ciphertext)
		}
	}
	return func(ciphertext []byte) (*block.Block, error) {
		tmp, err := block.FromCiphertext(ciphertext)
		if err != nil {
			return nil, err
		}
		filename := fmt.Sprintf("%s.temp.%s", opts.Name, byteutil.ToHex(tmp.FullHash[:4]))
		return block.PersistToDirectory(ciphertext, opts.BlockDir, filename, block.PersistOptions{
			Overwrite: opts.Overwrite,
			Verify:    true,
		})
	}
}

func renamePerturbed(blocks []*block.Block, name, dir string) error {
	for _, b := range blocks {
		newName := fmt.Sprintf("%s.%s", name, byteutil.ToHex(b.FullHash[:4]))
		if err := b.Rename(filepath.Join(dir, newName)); err != nil {
			return err
		}
	}
	return nil
}

// runHashWarmup is Pass 1: a single producer feeds chunk buffers through a
// bounded channel (capacity queueCapacity) to hashWorkers consumers, each
// hashing its buffer independently. The resulting hashes are not needed by
// Pass 2; this pass exists only to exercise and measure the hashing
// throughput path, but it is a synchronization barrier — it must fully
// drain before Pass 2 starts.
func runHashWarmup(ctx context.Context, src io.Reader, lengths []int64, pool *bufpool.Pool, m *metrics.Metrics) error {
	jobs := make(chan chunkJob, queueCapacity)
	results := make(chan hashResult, queueCapacity)
	var wg sync.WaitGroup

	for w := 0; w < hashWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				sum := sha512.Sum512(job.buffer)
				pool.Put(job.buffer)
				results <- hashResult{index: job.index, hash: sum[:32]}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	producerErr := make(chan error, 1)
	go func() {
		defer close(jobs)
		for i, l := range lengths {
			select {
			case <-ctx.Done():
				producerErr <- pkgerr.New(pkgerr.KindCancelled, "pipeline.runHashWarmup", ctx.Err())
				return
			default:
			}
			buf, hit := pool.Get(int(l))
			if m != nil {
				sizeClass := fmt.Sprintf("%d", l)
				if hit {
					m.RecordBufferPoolHit(sizeClass)
				} else {
					m.RecordBufferPoolMiss(sizeClass)
				}
			}
			if _, err := io.ReadFull(src, buf); err != nil {
				producerErr <- pkgerr.New(pkgerr.KindIoFailure, "pipeline.runHashWarmup", err)
				return
			}
			select {
			case jobs <- chunkJob{index: i, buffer: buf}:
			case <-ctx.Done():
				producerErr <- pkgerr.New(pkgerr.KindCancelled, "pipeline.runHashWarmup", ctx.Err())
				return
			}
		}
		producerErr <- nil
	}()

	var firstErr error
	for r := range results {
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
	}
	if err := <-producerErr; err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// runEncryptPass is Pass 2: sequential AES-256-CBC encryption over one
// continuing cipher stream. Non-final chunks must already be a multiple of
// the AES block size (random chunking guarantees this via its 128-byte
// alignment; a fixed chunk size that is not a multiple of 16 fails here with
// KindLengthMismatch); the final chunk is zero-padded to the next block
// boundary, always adding at least one byte of padding so the padded
// length is unambiguous relative to an already-aligned chunk.
func runEncryptPass(ctx context.Context, src io.ReadSeeker, lengths []int64, key []byte, persist func([]byte) (*block.Block, error), pool *bufpool.Pool, m *metrics.Metrics) ([]*block.Block, []byte, error) {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, nil, pkgerr.New(pkgerr.KindIoFailure, "pipeline.runEncryptPass", err)
	}

	iv := sha512.Sum512(key)
	blockCipher, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, pkgerr.New(pkgerr.KindBadInput, "pipeline.runEncryptPass", err)
	}
	cbc := cipher.NewCBCEncrypter(blockCipher, iv[:aesBlockSize])

	plaintextHasher := sha512.New()
	blocks := make([]*block.Block, 0, len(lengths))

	for i, l := range lengths {
		select {
		case <-ctx.Done():
			return nil, nil, pkgerr.New(pkgerr.KindCancelled, "pipeline.runEncryptPass", ctx.Err())
		default:
		}

		plaintext, hit := pool.Get(int(l))
		if m != nil {
			sizeClass := fmt.Sprintf("%d", l)
			if hit {
				m.RecordBufferPoolHit(sizeClass)
			} else {
				m.RecordBufferPoolMiss(sizeClass)
			}
		}
		if _, err := io.ReadFull(src, plaintext); err != nil {
			return nil, nil, pkgerr.New(pkgerr.KindIoFailure, "pipeline.runEncryptPass", err)
		}
		plaintextHasher.Write(plaintext)

		final := i == len(lengths)-1
		toEncrypt := plaintext
		if final {
			toEncrypt = zeroPad(plaintext)
		} else if len(plaintext)%aesBlockSize != 0 {
			return nil, nil, pkgerr.New(pkgerr.KindLengthMismatch, "pipeline.runEncryptPass",
				fmt.Errorf("non-final chunk %d length %d is not a multiple of %d", i, len(plaintext), aesBlockSize))
		}

		ciphertext := make([]byte, len(toEncrypt))
		cbc.CryptBlocks(ciphertext, toEncrypt)
		pool.Put(plaintext)

		b, err := persist(ciphertext)
		if err != nil {
			return nil, nil, err
		}
		b.Ordering = i
		blocks = append(blocks, b)
	}

	return blocks, plaintextHasher.Sum(nil), nil
}

// zeroPad appends zero bytes to the next AES block boundary, always
// appending at least one full block's worth (16 bytes) when data is
// already aligned, so the padded length never equals the plaintext length.
func zeroPad(data []byte) []byte {
	padLen := aesBlockSize - (len(data) % aesBlockSize)
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	return out
}

// HashMetadata implements C8 (metadata-only mode): it computes the
// chunk-length sequence and a SHA-512 over the full plaintext for one file
// without writing any block data, satisfying manifest.MetadataHasher for
// use by manifest.WalkDirectory. When chunkSize <= 0, lengths are drawn
// from a process-local random source (metadata cataloging has no need to
// reproduce a later packaging run's exact chunk boundaries).
func HashMetadata(path string, chunkSize int64) (*manifest.LocalShareFileManifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pkgerr.New(pkgerr.KindIoFailure, "pipeline.HashMetadata", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, pkgerr.New(pkgerr.KindIoFailure, "pipeline.HashMetadata", err)
	}
	if info.Size() == 0 {
		return nil, pkgerr.New(pkgerr.KindBadInput, "pipeline.HashMetadata", fmt.Errorf("%s is empty", path))
	}

	var rnd *mathrand.Rand
	if chunkSize <= 0 {
		var seedBytes [8]byte
		if _, err := cryptorand.Read(seedBytes[:]); err != nil {
			return nil, pkgerr.New(pkgerr.KindBadInput, "pipeline.HashMetadata", err)
		}
		rnd = mathrand.New(mathrand.NewSource(int64(binary.BigEndian.Uint64(seedBytes[:]))))
	}

	lengths, err := chunker.Lengths(info.Size(), chunkSize, rnd)
	if err != nil {
		return nil, err
	}

	hasher := sha512.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return nil, pkgerr.New(pkgerr.KindIoFailure, "pipeline.HashMetadata", err)
	}

	lengthStrs := make([]string, len(lengths))
	for i, l := range lengths {
		lengthStrs[i] = fmt.Sprintf("%d", l)
	}

	return &manifest.LocalShareFileManifest{
		LocalPath:    path,
		SizeBytes:    info.Size(),
		Hash:         byteutil.ToHex(hasher.Sum(nil)),
		BlockLengths: lengthStrs,
	}, nil
}
