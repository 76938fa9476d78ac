package vault

import (
	"context"
	"crypto/tls"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ovh/kmip-go"
	"github.com/ovh/kmip-go/payloads"

	"github.com/kenchrcum/blockfold/internal/pkgerr"
)

// KMIPKeyReference names one wrapping key known to the KMIP server, and the
// version blockfold should record against envelopes it produces with it.
type KMIPKeyReference struct {
	ID      string
	Version int
}

// CosmianKMIPOptions configures a KMIPKeyManager talking to a KMIP 1.4
// server (the reference deployment target is Cosmian KMS, hence the name;
// any compliant KMIP 1.4 server is expected to work).
type CosmianKMIPOptions struct {
	Endpoint  string
	Keys      []KMIPKeyReference
	TLSConfig *tls.Config
	Timeout   time.Duration
	Provider  string

	// DualReadWindow is how many trailing key versions UnwrapKey will also
	// try, oldest-first, when no configured key matches the envelope's
	// KeyVersion — this
	// lets old envelopes keep unwrapping during a key rotation.
	DualReadWindow int
}

// KMIPKeyManager wraps and unwraps file keys by issuing Encrypt/Decrypt
// requests against a KMIP 1.4 server, keeping the wrapping key itself
// inside the KMS at all times.
type KMIPKeyManager struct {
	opts   CosmianKMIPOptions
	client *kmip.Client

	mu      sync.RWMutex
	byID    map[string]KMIPKeyReference
	active  KMIPKeyReference
}

// NewCosmianKMIPManager dials the configured KMIP endpoint and returns a
// ready-to-use KMIPKeyManager.
func NewCosmianKMIPManager(opts CosmianKMIPOptions) (*KMIPKeyManager, error) {
	if opts.Endpoint == "" {
		return nil, pkgerr.New(pkgerr.KindBadInput, "vault.NewCosmianKMIPManager", fmt.Errorf("endpoint required"))
	}
	if len(opts.Keys) == 0 {
		return nil, pkgerr.New(pkgerr.KindBadInput, "vault.NewCosmianKMIPManager", fmt.Errorf("at least one key reference required"))
	}
	if opts.Provider == "" {
		opts.Provider = "kmip"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	client, err := kmip.Dial(ctx, opts.Endpoint, kmip.WithTLSConfig(opts.TLSConfig))
	if err != nil {
		return nil, pkgerr.New(pkgerr.KindIoFailure, "vault.NewCosmianKMIPManager", err)
	}

	byID := make(map[string]KMIPKeyReference, len(opts.Keys))
	for _, k := range opts.Keys {
		byID[k.ID] = k
	}

	return &KMIPKeyManager{
		opts:   opts,
		client: client,
		byID:   byID,
		active: opts.Keys[0],
	}, nil
}

func (m *KMIPKeyManager) Provider() string { return m.opts.Provider }

// WrapKey encrypts plaintext with the active wrapping key via the KMIP
// Encrypt operation.
func (m *KMIPKeyManager) WrapKey(ctx context.Context, plaintext []byte) (*KeyEnvelope, error) {
	m.mu.RLock()
	active := m.active
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	resp, err := kmip.Request[payloads.EncryptRequestPayload, payloads.EncryptResponsePayload](
		ctx, m.client, &payloads.EncryptRequestPayload{
			UniqueIdentifier: active.ID,
			Data:             plaintext,
		})
	if err != nil {
		return nil, pkgerr.New(pkgerr.KindIoFailure, "vault.KMIPKeyManager.WrapKey", err)
	}

	return &KeyEnvelope{
		KeyVersion: active.Version,
		Provider:   m.Provider(),
		Ciphertext: resp.Data,
	}, nil
}

// UnwrapKey decrypts envelope.Ciphertext via the KMIP Decrypt operation,
// falling back to a version-ordered search across DualReadWindow trailing
// key versions when no configured key reference carries the envelope's
// KeyVersion.
func (m *KMIPKeyManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope) ([]byte, error) {
	m.mu.RLock()
	candidates := m.candidatesFor(envelope)
	m.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, pkgerr.New(pkgerr.KindBadInput, "vault.KMIPKeyManager.UnwrapKey", fmt.Errorf("no matching key reference for envelope"))
	}

	var lastErr error
	for _, ref := range candidates {
		ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
		resp, err := kmip.Request[payloads.DecryptRequestPayload, payloads.DecryptResponsePayload](
			ctx, m.client, &payloads.DecryptRequestPayload{
				UniqueIdentifier: ref.ID,
				Data:             envelope.Ciphertext,
			})
		cancel()
		if err == nil {
			return resp.Data, nil
		}
		lastErr = err
	}
	return nil, pkgerr.New(pkgerr.KindIoFailure, "vault.KMIPKeyManager.UnwrapKey", lastErr)
}

// candidatesFor resolves which key references to attempt, in order: the
// key reference whose Version equals the envelope's KeyVersion if there is
// one, otherwise every configured key version within DualReadWindow of the
// active version, oldest first.
func (m *KMIPKeyManager) candidatesFor(envelope *KeyEnvelope) []KMIPKeyReference {
	for _, ref := range m.byID {
		if ref.Version == envelope.KeyVersion {
			return []KMIPKeyReference{ref}
		}
	}
	if m.opts.DualReadWindow <= 0 {
		return nil
	}
	var out []KMIPKeyReference
	for _, ref := range m.byID {
		if m.active.Version-ref.Version <= m.opts.DualReadWindow {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

func (m *KMIPKeyManager) ActiveKeyVersion(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.Version, nil
}

// HealthCheck issues a lightweight KMIP Get against the active key to
// confirm the server is reachable and the key still exists.
func (m *KMIPKeyManager) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	active := m.active
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	_, err := kmip.Request[payloads.GetRequestPayload, payloads.GetResponsePayload](
		ctx, m.client, &payloads.GetRequestPayload{UniqueIdentifier: active.ID})
	if err != nil {
		return pkgerr.New(pkgerr.KindIoFailure, "vault.KMIPKeyManager.HealthCheck", err)
	}
	return nil
}

func (m *KMIPKeyManager) Close(_ context.Context) error {
	return m.client.Close()
}
