package vault

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticKeyManagerWrapUnwrapRoundTrip(t *testing.T) {
	wrappingKey := make([]byte, 32)
	_, err := rand.Read(wrappingKey)
	require.NoError(t, err)

	mgr, err := NewStaticKeyManager(wrappingKey, 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })

	fileKey := make([]byte, 32)
	_, err = rand.Read(fileKey)
	require.NoError(t, err)

	env, err := mgr.WrapKey(context.Background(), fileKey)
	require.NoError(t, err)
	require.Equal(t, 3, env.KeyVersion)
	require.Equal(t, "static", env.Provider)
	require.NotEmpty(t, env.Ciphertext)

	unwrapped, err := mgr.UnwrapKey(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, fileKey, unwrapped)

	version, err := mgr.ActiveKeyVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, version)

	require.NoError(t, mgr.HealthCheck(context.Background()))
}

func TestStaticKeyManagerRejectsShortWrappingKey(t *testing.T) {
	_, err := NewStaticKeyManager([]byte("too-short"), 1)
	require.Error(t, err)
}

func TestStaticKeyManagerUnwrapRejectsTamperedCiphertext(t *testing.T) {
	wrappingKey := make([]byte, 32)
	_, err := rand.Read(wrappingKey)
	require.NoError(t, err)

	mgr, err := NewStaticKeyManager(wrappingKey, 1)
	require.NoError(t, err)

	env, err := mgr.WrapKey(context.Background(), []byte("file-key-bytes-32-long-01234567"))
	require.NoError(t, err)

	env.Ciphertext[len(env.Ciphertext)-1] ^= 0xFF
	_, err = mgr.UnwrapKey(context.Background(), env)
	require.Error(t, err)
}
