// Package sigverify implements the HMAC request envelope shared with agents.
//
// A signed request carries the payload bytes, a Unix-seconds timestamp and a
// base64 HMAC-SHA256 over "<timestamp>." + trimmed payload. Verification is
// constant-time and bounded by a TTL so captured envelopes cannot be replayed
// after the window closes.
package sigverify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"
)

// DefaultTTL bounds the age of a signature in either direction.
const DefaultTTL = 120 * time.Second

// Verification failure reasons. These are wire-stable strings surfaced in
// API error responses; do not rename.
const (
	ReasonOK                = "ok"
	ReasonMissingSharedKey  = "missing_shared_key"
	ReasonSignatureExpired  = "signature_expired"
	ReasonInvalidEncoding   = "invalid_signature_encoding"
	ReasonSignatureMismatch = "signature_mismatch"
)

// Signer signs and verifies request envelopes with a shared key.
type Signer struct {
	key   []byte
	ttl   time.Duration
	clock func() time.Time
}

// NewSigner creates a Signer with the default TTL.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key, ttl: DefaultTTL, clock: time.Now}
}

// WithTTL overrides the signature TTL.
func (s *Signer) WithTTL(ttl time.Duration) *Signer {
	s.ttl = ttl
	return s
}

// WithClock overrides the clock for testing.
func (s *Signer) WithClock(clock func() time.Time) *Signer {
	s.clock = clock
	return s
}

// message builds the signed message: "<ts>." + payload stripped of
// surrounding whitespace. Agents sign the canonical JSON body, so trimming
// keeps trailing-newline transports from breaking verification.
func message(payload []byte, ts int64) []byte {
	trimmed := strings.TrimSpace(string(payload))
	out := make([]byte, 0, len(trimmed)+21)
	out = appendInt(out, ts)
	out = append(out, '.')
	out = append(out, trimmed...)
	return out
}

func appendInt(b []byte, v int64) []byte {
	if v < 0 {
		b = append(b, '-')
		v = -v
	}
	var digits [20]byte
	i := len(digits)
	for {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
		if v == 0 {
			break
		}
	}
	return append(b, digits[i:]...)
}

// Sign computes the base64 HMAC-SHA256 envelope signature for payload at ts.
func (s *Signer) Sign(payload []byte, ts int64) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(message(payload, ts))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks an envelope signature. The boolean is true only for
// ReasonOK; every failure maps to exactly one stable reason.
func (s *Signer) Verify(payload []byte, signatureB64 string, ts int64) (bool, string) {
	if len(s.key) == 0 {
		return false, ReasonMissingSharedKey
	}

	now := s.clock().Unix()
	age := now - ts
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > s.ttl {
		return false, ReasonSignatureExpired
	}

	provided, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false, ReasonInvalidEncoding
	}

	mac := hmac.New(sha256.New, s.key)
	mac.Write(message(payload, ts))
	if !hmac.Equal(mac.Sum(nil), provided) {
		return false, ReasonSignatureMismatch
	}
	return true, ReasonOK
}
