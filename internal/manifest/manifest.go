// Package manifest defines the serializable FileManifest and
// LocalShareFileManifest value types, their JSON wire shapes, and the
// pre-hash directory walker that builds a catalog of LocalShareFileManifest
// values without spending disk on encrypted blocks.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kenchrcum/blockfold/internal/byteutil"
	"github.com/kenchrcum/blockfold/internal/pkgerr"
)

// Version is the current manifest format version.
const Version uint32 = 1

// FileManifest is the on-disk, serializable unit produced by a packaging
// run: everything (and only what) is needed to reassemble the original
// file, given all block files.
type FileManifest struct {
	Version      uint32    `json:"Version"`
	BlockHashes  []string  `json:"BlockHashes"`
	Name         string    `json:"Name"`
	Unlock       string    `json:"Unlock"`
	PackedUTC    int64     `json:"PackedDateEpoch"`
	CreatedUTC   *int64    `json:"CreatedDateEpoch,omitempty"`
	WrappedKeyB64 string   `json:"WrappedKeyB64,omitempty"`
	KeyVersion   int       `json:"KeyVersion,omitempty"`
	KeyProvider  string    `json:"KeyProvider,omitempty"`
}

// Validate checks the structural invariants every FileManifest must
// satisfy before it is trusted by the reassembler.
func (m *FileManifest) Validate() error {
	if len(m.BlockHashes) < 1 {
		return pkgerr.New(pkgerr.KindBadInput, "FileManifest.Validate", fmt.Errorf("block_hashes must be non-empty"))
	}
	unlock, err := decodeHex(m.Unlock)
	if err != nil {
		return err
	}
	if len(unlock) != 32 {
		return pkgerr.New(pkgerr.KindBadInput, "FileManifest.Validate", fmt.Errorf("unlock_bytes must be 32 bytes, got %d", len(unlock)))
	}
	return nil
}

// UnlockBytes decodes the Unlock hex field.
func (m *FileManifest) UnlockBytes() ([]byte, error) {
	return decodeHex(m.Unlock)
}

func decodeHex(s string) ([]byte, error) {
	return byteutil.FromHex(s)
}

// LocalShareFileManifest is a superset used by the pre-hash flow: it adds
// the fields only the original packaging node can know, including the
// per-chunk plaintext lengths needed to truncate final-block zero padding
// during reassembly.
type LocalShareFileManifest struct {
	FileManifest
	LocalPath    string   `json:"LocalPath"`
	SizeBytes    int64    `json:"SizeBytes"`
	Hash         string   `json:"Hash"`
	BlockLengths []string `json:"BlockLengths"`
}

// BlockLengthsInt64 parses BlockLengths back into int64s.
func (m *LocalShareFileManifest) BlockLengthsInt64() ([]int64, error) {
	out := make([]int64, len(m.BlockLengths))
	for i, s := range m.BlockLengths {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, pkgerr.New(pkgerr.KindBadInput, "LocalShareFileManifest.BlockLengthsInt64", err)
		}
		out[i] = v
	}
	return out, nil
}

// Now returns the current time as an epoch-seconds timestamp, used by
// pipeline.BuildManifest when stamping PackedUTC.
func Now() int64 { return time.Now().UTC().Unix() }

// Encode writes m as JSON to path.
func Encode(path string, m interface{}) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return pkgerr.New(pkgerr.KindBadInput, "manifest.Encode", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return pkgerr.New(pkgerr.KindIoFailure, "manifest.Encode", err)
	}
	return nil
}

// DecodeFileManifest reads and validates a FileManifest from path.
func DecodeFileManifest(path string) (*FileManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerr.New(pkgerr.KindBadInput, "manifest.DecodeFileManifest", err)
	}
	var m FileManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, pkgerr.New(pkgerr.KindBadInput, "manifest.DecodeFileManifest", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeLocalShareFileManifest reads a LocalShareFileManifest from path.
func DecodeLocalShareFileManifest(path string) (*LocalShareFileManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerr.New(pkgerr.KindBadInput, "manifest.DecodeLocalShareFileManifest", err)
	}
	var m LocalShareFileManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, pkgerr.New(pkgerr.KindBadInput, "manifest.DecodeLocalShareFileManifest", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
