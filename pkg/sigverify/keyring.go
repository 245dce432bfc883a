package sigverify

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// Keyring derives per-asset signing keys from a tenant master key with
// HKDF-SHA256, so a leaked agent key never exposes a sibling's. Derived keys
// are cached; derivation is deterministic so the cache is an optimisation
// only.
type Keyring struct {
	mu        sync.RWMutex
	masterKey []byte
	derived   map[string][]byte
}

// NewKeyring creates a keyring over the tenant master key.
func NewKeyring(masterKey []byte) *Keyring {
	return &Keyring{
		masterKey: masterKey,
		derived:   make(map[string][]byte),
	}
}

// KeyFor derives the 32-byte signing key for (tenantID, assetID).
func (k *Keyring) KeyFor(tenantID, assetID string) ([]byte, error) {
	if len(k.masterKey) == 0 {
		return nil, fmt.Errorf("keyring: master key not configured")
	}

	cacheKey := tenantID + "|" + assetID

	k.mu.RLock()
	if key, ok := k.derived[cacheKey]; ok {
		k.mu.RUnlock()
		return key, nil
	}
	k.mu.RUnlock()

	r := hkdf.New(sha256.New, k.masterKey, []byte(tenantID), []byte("warden-agent-hmac|"+assetID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("keyring: derive failed: %w", err)
	}

	k.mu.Lock()
	k.derived[cacheKey] = key
	k.mu.Unlock()
	return key, nil
}

// SignerFor returns a Signer bound to the derived key for (tenantID, assetID).
func (k *Keyring) SignerFor(tenantID, assetID string) (*Signer, error) {
	key, err := k.KeyFor(tenantID, assetID)
	if err != nil {
		return nil, err
	}
	return NewSigner(key), nil
}
