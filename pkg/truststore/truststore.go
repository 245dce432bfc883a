// Package truststore tracks agent client certificates by SHA-256 fingerprint.
//
// The registry is the gateway's source of truth for mTLS admission: a
// forwarded fingerprint must be known and not revoked. Revocation is
// monotonic; a revoked certificate never transitions back.
package truststore

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCertificateNotFound is returned when revoking an unknown fingerprint.
	ErrCertificateNotFound = errors.New("certificate_not_found")
	// ErrFingerprintExists is returned when issuing a duplicate fingerprint.
	ErrFingerprintExists = errors.New("fingerprint_exists")
)

// Certificate is an issued agent credential. Revocation fields are set at
// most once.
type Certificate struct {
	IdentityID        string     `json:"identity_id"`
	FingerprintSHA256 string     `json:"fingerprint_sha256"`
	IssuedAt          time.Time  `json:"issued_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty"`
	RevocationReason  string     `json:"revocation_reason,omitempty"`
}

// Revoked reports whether the certificate has been revoked.
func (c *Certificate) Revoked() bool { return c.RevokedAt != nil }

// Persister saves registry mutations. Implementations must be idempotent on
// replays; the in-memory registry is authoritative within a process.
type Persister interface {
	SaveCertificate(ctx context.Context, cert Certificate) error
	LoadCertificates(ctx context.Context) ([]Certificate, error)
}

// Store is the in-memory certificate registry with O(1) fingerprint lookup.
type Store struct {
	mu        sync.RWMutex
	byFprint  map[string]*Certificate
	persister Persister
	clock     func() time.Time
}

// NewStore creates an empty registry.
func NewStore() *Store {
	return &Store{
		byFprint: make(map[string]*Certificate),
		clock:    time.Now,
	}
}

// WithPersister attaches durable storage; mutations are written through.
func (s *Store) WithPersister(p Persister) *Store {
	s.persister = p
	return s
}

// WithClock overrides the clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Load replaces the registry contents from the persister.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	certs, err := s.persister.LoadCertificates(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byFprint = make(map[string]*Certificate, len(certs))
	for i := range certs {
		c := certs[i]
		s.byFprint[c.FingerprintSHA256] = &c
	}
	return nil
}

// Issue registers a certificate for an identity. The fingerprint must be new.
func (s *Store) Issue(ctx context.Context, identityID, fingerprint string, expiresAt time.Time) (*Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byFprint[fingerprint]; exists {
		return nil, ErrFingerprintExists
	}

	cert := &Certificate{
		IdentityID:        identityID,
		FingerprintSHA256: fingerprint,
		IssuedAt:          s.clock().UTC(),
		ExpiresAt:         expiresAt.UTC(),
	}
	s.byFprint[fingerprint] = cert

	if s.persister != nil {
		if err := s.persister.SaveCertificate(ctx, *cert); err != nil {
			delete(s.byFprint, fingerprint)
			return nil, err
		}
	}
	out := *cert
	return &out, nil
}

// Revoke marks a certificate revoked. Re-revoking keeps the first revocation;
// the call stays idempotent.
func (s *Store) Revoke(ctx context.Context, fingerprint, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cert, ok := s.byFprint[fingerprint]
	if !ok {
		return ErrCertificateNotFound
	}
	if cert.Revoked() {
		return nil
	}

	now := s.clock().UTC()
	cert.RevokedAt = &now
	cert.RevocationReason = reason

	if s.persister != nil {
		if err := s.persister.SaveCertificate(ctx, *cert); err != nil {
			cert.RevokedAt = nil
			cert.RevocationReason = ""
			return err
		}
	}
	return nil
}

// IsKnown reports whether the fingerprint has ever been issued.
func (s *Store) IsKnown(fingerprint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byFprint[fingerprint]
	return ok
}

// IsRevoked reports whether the fingerprint is known and revoked.
func (s *Store) IsRevoked(fingerprint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.byFprint[fingerprint]
	return ok && cert.Revoked()
}

// Get returns a copy of the certificate for a fingerprint.
func (s *Store) Get(fingerprint string) (*Certificate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.byFprint[fingerprint]
	if !ok {
		return nil, false
	}
	out := *cert
	return &out, true
}

// List returns copies of all certificates, unordered.
func (s *Store) List() []Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Certificate, 0, len(s.byFprint))
	for _, cert := range s.byFprint {
		out = append(out, *cert)
	}
	return out
}
