package manifest

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kenchrcum/blockfold/internal/pkgerr"
)

// MetadataHasher computes the chunk-length/plaintext-hash metadata for one
// file, without writing any block files. It is satisfied by
// pipeline.HashMetadata; the interface lives here (rather than importing
// the pipeline package) to keep the dependency direction pointing from
// pipeline -> manifest, not the reverse.
type MetadataHasher func(path string, chunkSize int64) (*LocalShareFileManifest, error)

// WalkDirectory recurses root, running hash over every regular file it
// finds (skipping symlinks and files it cannot open), and returns one
// LocalShareFileManifest per file. Errors opening an individual file are
// collected rather than aborting the whole walk; callers that need strict
// behavior should treat a non-empty errs slice as fatal.
func WalkDirectory(root string, chunkSize int64, hash MetadataHasher) (results []*LocalShareFileManifest, errs []error) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, pkgerr.New(pkgerr.KindIoFailure, "manifest.WalkDirectory", err))
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 || !info.Mode().IsRegular() {
			return nil
		}

		lm, err := hash(path, chunkSize)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		results = append(results, lm)
		return nil
	})
	return results, errs
}
