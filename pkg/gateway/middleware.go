package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/warden/pkg/api"
	"github.com/Mindburn-Labs/warden/pkg/sigverify"
	"github.com/Mindburn-Labs/warden/pkg/truststore"
)

// Transport headers populated by the terminating proxy. The gateway never
// terminates TLS itself; it trusts the edge to forward connection metadata.
const (
	HeaderForwardedProto  = "X-Forwarded-Proto"
	HeaderClientIdentity  = "X-Client-Identity"
	HeaderClientMTLS      = "X-Client-MTLS"
	HeaderCertFingerprint = "X-Client-Cert-Sha256"
	HeaderTenantID        = "X-Tenant-ID"
	HeaderAssetID         = "X-Asset-ID"
	HeaderSignature       = "X-Request-Signature"
	HeaderSignatureTS     = "X-Request-Timestamp"
)

type agentContextKey struct{}

// AgentIdentity is the verified transport identity attached to agent
// requests after the chain admits them.
type AgentIdentity struct {
	IdentityID  string
	TenantID    string
	AssetID     string
	Fingerprint string
}

// AgentFromContext returns the verified agent identity, if any.
func AgentFromContext(ctx context.Context) (*AgentIdentity, bool) {
	id, ok := ctx.Value(agentContextKey{}).(*AgentIdentity)
	return id, ok
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

// maxBodyBytes bounds agent intake bodies before signature verification.
const maxBodyBytes = 1 << 20

// AgentChain enforces the transport admission order on agent endpoints:
// https, transport identity, mTLS result, certificate trust, then the HMAC
// envelope. Each check fails with the first applicable reason; later checks
// never run. The verified body is rewound for the handler.
func AgentChain(trust *truststore.Store, keyring *sigverify.Keyring) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// CORS preflight carries no credentials and never reaches
			// a handler that mutates state.
			if isPreflight(r) {
				next.ServeHTTP(w, r)
				return
			}

			if r.TLS == nil && r.Header.Get(HeaderForwardedProto) != "https" {
				api.WriteCode(w, r, http.StatusBadRequest, "https_required", "agent endpoints require https transport")
				return
			}

			identity := r.Header.Get(HeaderClientIdentity)
			if identity == "" {
				api.WriteCode(w, r, http.StatusUnauthorized, "missing_transport_identity", "X-Client-Identity header is required")
				return
			}

			if r.Header.Get(HeaderClientMTLS) != "success" {
				api.WriteCode(w, r, http.StatusUnauthorized, "mtls_required", "mutual TLS was not negotiated")
				return
			}

			fingerprint := r.Header.Get(HeaderCertFingerprint)
			if !trust.IsKnown(fingerprint) {
				api.WriteCode(w, r, http.StatusUnauthorized, "unknown_certificate", "client certificate is not in the trust store")
				return
			}
			if trust.IsRevoked(fingerprint) {
				api.WriteCode(w, r, http.StatusUnauthorized, "revoked_certificate", "client certificate has been revoked")
				return
			}

			sig := r.Header.Get(HeaderSignature)
			tsRaw := r.Header.Get(HeaderSignatureTS)
			if sig == "" || tsRaw == "" {
				api.WriteCode(w, r, http.StatusUnauthorized, "missing_signature_headers", "X-Request-Signature and X-Request-Timestamp are required")
				return
			}
			ts, err := strconv.ParseInt(tsRaw, 10, 64)
			if err != nil {
				api.WriteCode(w, r, http.StatusBadRequest, "invalid_signature_timestamp", "X-Request-Timestamp must be unix seconds")
				return
			}

			tenantID := r.Header.Get(HeaderTenantID)
			assetID := r.Header.Get(HeaderAssetID)
			if tenantID == "" || assetID == "" {
				api.WriteCode(w, r, http.StatusUnauthorized, "missing_signature_headers", "X-Tenant-ID and X-Asset-ID are required to resolve the signing key")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
			if err != nil {
				api.WriteCode(w, r, http.StatusBadRequest, "body_read_failed", "request body could not be read")
				return
			}
			if len(body) > maxBodyBytes {
				api.WriteCode(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds 1 MiB")
				return
			}

			signer, err := keyring.SignerFor(tenantID, assetID)
			if err != nil {
				api.WriteCode(w, r, http.StatusUnauthorized, "missing_shared_key", "no signing key for this asset")
				return
			}
			ok, reason := signer.Verify(body, sig, ts)
			if !ok {
				status := http.StatusUnauthorized
				if reason == "invalid_signature_encoding" {
					status = http.StatusBadRequest
				}
				api.WriteCode(w, r, status, reason, "request signature verification failed")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			ctx := context.WithValue(r.Context(), agentContextKey{}, &AgentIdentity{
				IdentityID:  identity,
				TenantID:    tenantID,
				AssetID:     assetID,
				Fingerprint: fingerprint,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
