// Package vault implements the optional key-wrap escrow layer: a KeyManager
// wraps and unwraps the 32-byte file key produced by a packaging run so it
// can be recovered from a KMS even if the interlock's own recovery path
// (unlock bytes + all blocks) is unavailable. Vault mode is purely additive
// — the packaging and reassembly algorithms never require it.
package vault

import (
	"context"
)

// KeyManager abstracts an external key-wrapping service. Implementations
// must never expose the plaintext wrapping key outside the manager and must
// perform the actual cryptographic wrap/unwrap inside the manager (locally,
// for StaticKeyManager, or inside the remote KMS, for KMIPKeyManager).
type KeyManager interface {
	// Provider returns a short identifier (e.g. "static", "kmip") recorded
	// on the manifest as KeyProvider.
	Provider() string

	// WrapKey encrypts plaintext (the 32-byte file key) and returns an
	// envelope suitable for persisting in a FileManifest.
	WrapKey(ctx context.Context, plaintext []byte) (*KeyEnvelope, error)

	// UnwrapKey decrypts the ciphertext contained in envelope and returns
	// the plaintext file key.
	UnwrapKey(ctx context.Context, envelope *KeyEnvelope) ([]byte, error)

	// ActiveKeyVersion returns the version identifier of the primary
	// wrapping key currently in use.
	ActiveKeyVersion(ctx context.Context) (int, error)

	// HealthCheck verifies the key manager is reachable and usable without
	// performing an actual wrap or unwrap.
	HealthCheck(ctx context.Context) error

	// Close releases any underlying resources (network connections,
	// client handles).
	Close(ctx context.Context) error
}

// KeyEnvelope captures what a FileManifest needs to later unwrap a file
// key: the wrapped bytes, which key version wrapped them, and which
// provider produced them.
type KeyEnvelope struct {
	KeyVersion int
	Provider   string
	Ciphertext []byte
}
