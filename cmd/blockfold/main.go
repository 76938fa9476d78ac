// Command blockfold packs a file into obfuscated, reorderable ciphertext
// blocks and reassembles them back into the original file, using the
// pack/unpack/prehash subcommands.
package main

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	mathrand "math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/kenchrcum/blockfold/internal/audit"
	"github.com/kenchrcum/blockfold/internal/byteutil"
	"github.com/kenchrcum/blockfold/internal/config"
	"github.com/kenchrcum/blockfold/internal/debug"
	"github.com/kenchrcum/blockfold/internal/dedupcache"
	"github.com/kenchrcum/blockfold/internal/manifest"
	"github.com/kenchrcum/blockfold/internal/metrics"
	"github.com/kenchrcum/blockfold/internal/pipeline"
	"github.com/kenchrcum/blockfold/internal/pkgerr"
	"github.com/kenchrcum/blockfold/internal/reassemble"
	"github.com/kenchrcum/blockfold/internal/vault"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	var err error
	switch os.Args[1] {
	case "pack":
		err = runPack(ctx, os.Args[2:])
	case "unpack":
		err = runUnpack(ctx, os.Args[2:])
	case "prehash":
		err = runPrehash(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	os.Exit(exitCode(err))
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: blockfold <pack|unpack|prehash> [flags]")
}

// exitCode maps an error's pkgerr.Kind to a process exit code, 0 on success.
// Cancelled maps to 130 (128+SIGINT) by shell convention.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	switch pkgerr.KindOf(err) {
	case pkgerr.KindCancelled:
		return 130
	case pkgerr.KindBadInput, pkgerr.KindBadHex, pkgerr.KindLengthMismatch:
		return 1
	case pkgerr.KindOutputExists:
		return 2
	case pkgerr.KindOrderingIrrecoverable:
		return 3
	case pkgerr.KindIoFailure:
		return 4
	default:
		return 1
	}
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	debug.InitFromLogLevel(cfg.LogLevel)
	if debug.Enabled() {
		logger.SetLevel(logrus.DebugLevel)
		return logger
	}
	if level, lerr := logrus.ParseLevel(cfg.LogLevel); lerr == nil {
		logger.SetLevel(level)
	}
	return logger
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildKeyManager(_ context.Context, cfg config.VaultConfig) (vault.KeyManager, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "static":
		key, err := byteutil.FromHex(cfg.StaticWrappingKeyHex)
		if err != nil {
			return nil, err
		}
		return vault.NewStaticKeyManager(key, cfg.StaticKeyVersion)
	case "kmip":
		return vault.NewCosmianKMIPManager(vault.CosmianKMIPOptions{
			Endpoint:       cfg.KMIPEndpoint,
			Keys:           []vault.KMIPKeyReference{{ID: cfg.KMIPKeyID, Version: cfg.KMIPKeyVersion}},
			Timeout:        cfg.KMIPTimeout,
			DualReadWindow: cfg.KMIPDualReadWindow,
		})
	default:
		return nil, pkgerr.New(pkgerr.KindBadInput, "main.buildKeyManager",
			fmt.Errorf("unknown vault provider %q", cfg.Provider))
	}
}

func buildDedupCache(cfg config.DedupCacheConfig) *dedupcache.Cache {
	if !cfg.Enabled {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	return dedupcache.New(rdb, cfg.TTL)
}

func maybeServeMetrics(cfg config.MetricsConfig, m *metrics.Metrics, logger *logrus.Logger) {
	if !cfg.Enabled || m == nil {
		return
	}
	m.StartSystemMetricsCollector()
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	go func() {
		if err := http.ListenAndServe(cfg.Addr, mux); err != nil {
			logger.WithError(err).Warn("metrics server stopped")
		}
	}()
}

// maybeSetupTracing installs a real OTel TracerProvider, backed by the
// stdout exporter, when cfg.Tracing is set. Without a registered provider,
// every span is a no-op and metrics.RecordOperation's exemplar attachment
// can never find a valid SpanContext; this is what makes that attachment
// genuinely reachable instead of decorative. Returns a shutdown func to
// defer; a no-op when tracing is disabled.
func maybeSetupTracing(cfg config.MetricsConfig, logger *logrus.Logger) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	if !cfg.Tracing {
		return noop
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		logger.WithError(err).Warn("stdout trace exporter unavailable, exemplars disabled")
		return noop
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

func runPack(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pack", flag.ExitOnError)
	var (
		source     = fs.String("source", "", "path of the file to pack")
		name       = fs.String("name", "", "logical name recorded on the manifest (defaults to the source's base name)")
		chunkSize  = fs.Int64("chunk-size", 0, "fixed chunk size in bytes (0 selects scale-aware random chunking)")
		blockDir   = fs.String("block-dir", "", "directory to write block files into")
		manifestOut = fs.String("manifest-out", "", "path to write the local-share manifest JSON")
		overwrite  = fs.Bool("overwrite", false, "overwrite existing block files")
		configPath = fs.String("config", "", "path to a YAML config file")
		noCache    = fs.Bool("no-cache", false, "skip the dedup-cache lookup even if configured (the new result is still stored)")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *source == "" || *blockDir == "" || *manifestOut == "" {
		return pkgerr.New(pkgerr.KindBadInput, "main.runPack", fmt.Errorf("-source, -block-dir and -manifest-out are required"))
	}

	start := time.Now()
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	km, err := buildKeyManager(ctx, cfg.Vault)
	if err != nil {
		return err
	}
	if km != nil {
		defer km.Close(ctx)
	}

	m := metrics.NewMetrics()
	maybeServeMetrics(cfg.Metrics, m, logger)
	shutdownTracing := maybeSetupTracing(cfg.Metrics, logger)
	defer shutdownTracing(context.Background())

	auditLogger := audit.NewLoggerFromConfig(cfg.Audit)
	defer auditLogger.Close()

	f, err := os.Open(*source)
	if err != nil {
		return pkgerr.New(pkgerr.KindIoFailure, "main.runPack", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return pkgerr.New(pkgerr.KindIoFailure, "main.runPack", err)
	}

	logicalName := *name
	if logicalName == "" {
		logicalName = filepath.Base(*source)
	}

	cache := buildDedupCache(cfg.DedupCache)
	plaintextHashHex, err := sourcePlaintextHash(f)
	if err != nil {
		return err
	}
	if cache != nil && !*noCache {
		entry, lookupErr := cache.Lookup(ctx, plaintextHashHex)
		if lookupErr == nil && entry != nil {
			m.RecordDedupCacheHit()
			logger.WithField("name", logicalName).Info("pack served from dedup cache")
			return manifest.Encode(*manifestOut, entry.Manifest)
		}
		m.RecordDedupCacheMiss()
	}

	var rnd *mathrand.Rand
	if *chunkSize <= 0 {
		var seed [8]byte
		if _, err := rand.Read(seed[:]); err != nil {
			return pkgerr.New(pkgerr.KindBadInput, "main.runPack", err)
		}
		rnd = mathrand.New(mathrand.NewSource(int64(binary.BigEndian.Uint64(seed[:]))))
	}

	spanCtx, span := otel.Tracer("blockfold").Start(ctx, "pack")
	result, err := pipeline.Pack(spanCtx, pipeline.Options{
		Source:     f,
		SourceSize: info.Size(),
		Name:       logicalName,
		ChunkSize:  *chunkSize,
		Rnd:        rnd,
		BlockDir:   *blockDir,
		Overwrite:  *overwrite,
		KeyManager: km,
		Hardware:   cfg.Hardware,
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		span.RecordError(err)
	}
	span.End()
	if err != nil {
		auditLogger.LogPack(logicalName, 0, false, err, time.Since(start))
		return err
	}
	auditLogger.LogPack(logicalName, len(result.Blocks), true, nil, time.Since(start))

	if err := manifest.Encode(*manifestOut, result.LocalManifest); err != nil {
		return err
	}

	if cache != nil {
		_ = cache.Store(ctx, plaintextHashHex, &dedupcache.Entry{
			Manifest:  result.Manifest,
			BlockDir:  *blockDir,
			PackedUTC: result.Manifest.PackedUTC,
		})
	}

	fmt.Printf("packed %s into %d blocks in %s\n", logicalName, len(result.Blocks), *blockDir)
	return nil
}

func runUnpack(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("unpack", flag.ExitOnError)
	var (
		manifestPath = fs.String("manifest", "", "path to the FileManifest JSON")
		candidateDir = fs.String("block-dir", "", "directory containing candidate block files")
		dest         = fs.String("dest", "", "destination path for the reassembled file")
		localManifest = fs.String("local-manifest", "", "optional LocalShareFileManifest JSON, for exact padding truncation")
		overwrite    = fs.Bool("overwrite", false, "overwrite an existing destination file")
		configPath   = fs.String("config", "", "path to a YAML config file")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *manifestPath == "" || *candidateDir == "" || *dest == "" {
		return pkgerr.New(pkgerr.KindBadInput, "main.runUnpack", fmt.Errorf("-manifest, -block-dir and -dest are required"))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	fm, err := manifest.DecodeFileManifest(*manifestPath)
	if err != nil {
		return err
	}

	var lm *manifest.LocalShareFileManifest
	if *localManifest != "" {
		lm, err = manifest.DecodeLocalShareFileManifest(*localManifest)
		if err != nil {
			return err
		}
	}

	km, err := buildKeyManager(ctx, cfg.Vault)
	if err != nil {
		return err
	}
	if km != nil {
		defer km.Close(ctx)
	}

	m := metrics.NewMetrics()
	maybeServeMetrics(cfg.Metrics, m, logger)
	shutdownTracing := maybeSetupTracing(cfg.Metrics, logger)
	defer shutdownTracing(context.Background())

	auditLogger := audit.NewLoggerFromConfig(cfg.Audit)
	defer auditLogger.Close()

	spanCtx, span := otel.Tracer("blockfold").Start(ctx, "unpack")
	result, err := reassemble.Unpack(spanCtx, fm, reassemble.Options{
		CandidateDir:  *candidateDir,
		Destination:   *dest,
		Overwrite:     *overwrite,
		LocalManifest: lm,
		KeyManager:    km,
		Metrics:       m,
		Logger:        logger,
		AuditLogger:   auditLogger,
	})
	if err != nil {
		span.RecordError(err)
	}
	span.End()
	if err != nil {
		return err
	}

	if result.KeyMismatchWarning != nil {
		fmt.Fprintf(os.Stderr, "warning: %s\n", result.KeyMismatchWarning.Error())
	}
	fmt.Printf("unpacked %d bytes to %s (%d ordering comparisons)\n", result.BytesWritten, *dest, result.OrderingComparisons)
	return nil
}

func runPrehash(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("prehash", flag.ExitOnError)
	var (
		root       = fs.String("root", "", "directory to catalog")
		chunkSize  = fs.Int64("chunk-size", 0, "fixed chunk size in bytes (0 selects scale-aware random chunking)")
		catalogOut = fs.String("catalog-out", "", "path to write the JSON catalog of LocalShareFileManifest entries")
		configPath = fs.String("config", "", "path to a YAML config file")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *root == "" || *catalogOut == "" {
		return pkgerr.New(pkgerr.KindBadInput, "main.runPrehash", fmt.Errorf("-root and -catalog-out are required"))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	shutdownTracing := maybeSetupTracing(cfg.Metrics, logger)
	defer shutdownTracing(context.Background())

	auditLogger := audit.NewLoggerFromConfig(cfg.Audit)
	defer auditLogger.Close()

	start := time.Now()
	_, span := otel.Tracer("blockfold").Start(ctx, "prehash")
	results, errs := manifest.WalkDirectory(*root, *chunkSize, pipeline.HashMetadata)
	for _, e := range errs {
		span.RecordError(e)
		logger.WithError(e).Warn("prehash skipped a path")
	}
	span.End()
	auditLogger.LogPrehash(*root, len(errs) == 0, nil, time.Since(start))

	if err := manifest.Encode(*catalogOut, results); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return pkgerr.New(pkgerr.KindCancelled, "main.runPrehash", ctx.Err())
	default:
	}

	fmt.Printf("cataloged %d files from %s into %s\n", len(results), *root, *catalogOut)
	return nil
}

// sourcePlaintextHash computes the SHA-512 of f's full content for the
// dedup-cache lookup key, then rewinds f so the pipeline can read it again.
func sourcePlaintextHash(f *os.File) (string, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return "", pkgerr.New(pkgerr.KindIoFailure, "main.sourcePlaintextHash", err)
	}
	hasher := sha512.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", pkgerr.New(pkgerr.KindIoFailure, "main.sourcePlaintextHash", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return "", pkgerr.New(pkgerr.KindIoFailure, "main.sourcePlaintextHash", err)
	}
	return byteutil.ToHex(hasher.Sum(nil)), nil
}
