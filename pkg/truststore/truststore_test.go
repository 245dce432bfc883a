package truststore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

func testStore(t *testing.T) (*Store, func() time.Time) {
	t.Helper()
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	return NewStore().WithClock(clock), clock
}

func TestIssueAndLookup(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	cert, err := s.Issue(ctx, "agent-7", "fp-aaa", time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if cert.IdentityID != "agent-7" || cert.Revoked() {
		t.Fatalf("unexpected cert: %+v", cert)
	}
	if !s.IsKnown("fp-aaa") {
		t.Fatal("fingerprint should be known")
	}
	if s.IsRevoked("fp-aaa") {
		t.Fatal("fresh cert reported revoked")
	}
	if s.IsKnown("fp-zzz") {
		t.Fatal("unknown fingerprint reported known")
	}
}

func TestIssueDuplicateFingerprint(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	if _, err := s.Issue(ctx, "a", "fp", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := s.Issue(ctx, "b", "fp", time.Now().Add(time.Hour)); !errors.Is(err, ErrFingerprintExists) {
		t.Fatalf("want ErrFingerprintExists, got %v", err)
	}
}

func TestRevocationIsMonotonic(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	if _, err := s.Issue(ctx, "a", "fp", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := s.Revoke(ctx, "fp", "key_compromise"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	cert, _ := s.Get("fp")
	firstRevokedAt := *cert.RevokedAt

	// Re-revoke keeps the first revocation record.
	if err := s.Revoke(ctx, "fp", "different_reason"); err != nil {
		t.Fatalf("re-revoke: %v", err)
	}
	cert, _ = s.Get("fp")
	if !cert.RevokedAt.Equal(firstRevokedAt) || cert.RevocationReason != "key_compromise" {
		t.Fatalf("revocation mutated on replay: %+v", cert)
	}
	if !s.IsRevoked("fp") {
		t.Fatal("cert should stay revoked")
	}
}

func TestRevokeUnknownFingerprint(t *testing.T) {
	s, _ := testStore(t)
	if err := s.Revoke(context.Background(), "missing", "x"); !errors.Is(err, ErrCertificateNotFound) {
		t.Fatalf("want ErrCertificateNotFound, got %v", err)
	}
}

func TestSQLitePersistRoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite", "file:truststore_test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer func() { _ = db.Close() }()

	p, err := NewSQLitePersister(db)
	if err != nil {
		t.Fatalf("persister: %v", err)
	}

	ctx := context.Background()
	s := NewStore().WithPersister(p)
	if _, err := s.Issue(ctx, "agent-1", "fp-1", time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := s.Revoke(ctx, "fp-1", "rotated"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	// Fresh registry rehydrated from the same database.
	s2 := NewStore().WithPersister(p)
	if err := s2.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !s2.IsKnown("fp-1") || !s2.IsRevoked("fp-1") {
		t.Fatal("revoked cert not restored from sqlite")
	}
	cert, _ := s2.Get("fp-1")
	if cert.RevocationReason != "rotated" {
		t.Fatalf("revocation reason lost: %+v", cert)
	}
}
