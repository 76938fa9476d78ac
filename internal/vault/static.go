package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kenchrcum/blockfold/internal/pkgerr"
)

// StaticKeyManager wraps file keys with a single, locally-configured
// 32-byte wrapping key using XChaCha20-Poly1305. It is meant for
// single-node or demo deployments that still want wrapped_key present on
// manifests without standing up a KMIP server.
type StaticKeyManager struct {
	wrappingKey []byte
	version     int
	aead        cipher.AEAD
}

// NewStaticKeyManager builds a StaticKeyManager from a 32-byte wrapping key
// and a version number recorded on every envelope it produces.
func NewStaticKeyManager(wrappingKey []byte, version int) (*StaticKeyManager, error) {
	if len(wrappingKey) != chacha20poly1305.KeySize {
		return nil, pkgerr.New(pkgerr.KindLengthMismatch, "vault.NewStaticKeyManager",
			fmt.Errorf("wrapping key must be %d bytes, got %d", chacha20poly1305.KeySize, len(wrappingKey)))
	}
	aead, err := chacha20poly1305.NewX(wrappingKey)
	if err != nil {
		return nil, pkgerr.New(pkgerr.KindBadInput, "vault.NewStaticKeyManager", err)
	}
	return &StaticKeyManager{wrappingKey: append([]byte(nil), wrappingKey...), version: version, aead: aead}, nil
}

func (m *StaticKeyManager) Provider() string { return "static" }

// WrapKey seals plaintext under a fresh random nonce, prefixing the nonce
// to the ciphertext so UnwrapKey needs nothing else to recover it.
func (m *StaticKeyManager) WrapKey(_ context.Context, plaintext []byte) (*KeyEnvelope, error) {
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, pkgerr.New(pkgerr.KindBadInput, "vault.StaticKeyManager.WrapKey", err)
	}
	sealed := m.aead.Seal(nil, nonce, plaintext, nil)
	return &KeyEnvelope{
		KeyVersion: m.version,
		Provider:   m.Provider(),
		Ciphertext: append(nonce, sealed...),
	}, nil
}

func (m *StaticKeyManager) UnwrapKey(_ context.Context, envelope *KeyEnvelope) ([]byte, error) {
	nonceSize := m.aead.NonceSize()
	if len(envelope.Ciphertext) < nonceSize {
		return nil, pkgerr.New(pkgerr.KindLengthMismatch, "vault.StaticKeyManager.UnwrapKey",
			fmt.Errorf("envelope shorter than nonce size %d", nonceSize))
	}
	nonce, sealed := envelope.Ciphertext[:nonceSize], envelope.Ciphertext[nonceSize:]
	plaintext, err := m.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, pkgerr.New(pkgerr.KindBadInput, "vault.StaticKeyManager.UnwrapKey", err)
	}
	return plaintext, nil
}

func (m *StaticKeyManager) ActiveKeyVersion(_ context.Context) (int, error) { return m.version, nil }

func (m *StaticKeyManager) HealthCheck(_ context.Context) error { return nil }

func (m *StaticKeyManager) Close(_ context.Context) error { return nil }
