package gateway

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/warden/pkg/auth"
	"github.com/Mindburn-Labs/warden/pkg/authz"
	"github.com/Mindburn-Labs/warden/pkg/canonicalize"
	"github.com/Mindburn-Labs/warden/pkg/compliance"
	"github.com/Mindburn-Labs/warden/pkg/detection"
	"github.com/Mindburn-Labs/warden/pkg/events"
	"github.com/Mindburn-Labs/warden/pkg/inventory"
	"github.com/Mindburn-Labs/warden/pkg/patch"
	"github.com/Mindburn-Labs/warden/pkg/psa"
	"github.com/Mindburn-Labs/warden/pkg/replay"
	"github.com/Mindburn-Labs/warden/pkg/sigverify"
	"github.com/Mindburn-Labs/warden/pkg/tasks"
	"github.com/Mindburn-Labs/warden/pkg/telemetry"
)

type fixture struct {
	gateway *Gateway
	handler http.Handler
	keyring *sigverify.Keyring
	keys    *auth.InMemoryKeySet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	inv, err := inventory.NewStore(db)
	require.NoError(t, err)
	teleStore, err := telemetry.NewSQLiteStore(db)
	require.NoError(t, err)
	evStore, err := events.NewSQLiteStore(db)
	require.NoError(t, err)

	keyring := sigverify.NewKeyring([]byte("master-key"))
	trust := testTrust(t)

	engine := detection.NewEngine()
	gate, err := authz.NewGate()
	require.NoError(t, err)

	keys, err := auth.NewInMemoryKeySet()
	require.NoError(t, err)

	deps := Deps{
		Trust:      trust,
		Keyring:    keyring,
		Inventory:  inv,
		Telemetry:  telemetry.NewEngine(telemetry.DefaultTaxonomy(), telemetry.NewBaselineRegistry(20), teleStore, replay.NewMemoryRegistry()),
		Events:     events.NewIngestor(evStore, replay.NewMemoryRegistry()),
		EventStore: evStore,
		Tasks:      tasks.NewQueue(keyring),
		Patches:    patch.NewOrchestrator(),
		Detection:  engine,
		Psa:        psa.NewCore(),
		Authz:      gate,
		Compliance: compliance.NewCore(),

		JWTValidator:    auth.NewJWTValidator(keys),
		MinAgentVersion: "1.0.0",
	}
	g := New(deps)
	return &fixture{gateway: g, handler: g.Routes(), keyring: keyring, keys: keys}
}

// agentPost builds a fully signed agent request to path.
func (f *fixture) agentPost(t *testing.T, path string, body []byte) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	r.Header.Set(HeaderForwardedProto, "https")
	r.Header.Set(HeaderClientIdentity, "agent-1")
	r.Header.Set(HeaderClientMTLS, "success")
	r.Header.Set(HeaderCertFingerprint, testFingerprint)
	r.Header.Set(HeaderTenantID, "tenant-a")
	r.Header.Set(HeaderAssetID, "asset-1")

	signer, err := f.keyring.SignerFor("tenant-a", "asset-1")
	require.NoError(t, err)
	ts := time.Now().Unix()
	r.Header.Set(HeaderSignature, signer.Sign(body, ts))
	r.Header.Set(HeaderSignatureTS, strconv.FormatInt(ts, 10))
	return r
}

func (f *fixture) operatorToken(t *testing.T, roles ...string) string {
	t.Helper()
	token, err := f.keys.Sign(context.Background(), auth.OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "op-1",
			Issuer:    "warden-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		TenantID: "tenant-a",
		Roles:    roles,
	})
	require.NoError(t, err)
	return token
}

func (f *fixture) do(r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func helloBody(version string) []byte {
	return []byte(fmt.Sprintf(`{"tenant_id":"tenant-a","asset_id":"asset-1","hostname":"host-1","agent_version":%q}`, version))
}

func eventBatchBody(t *testing.T, payloadID string, seq int64) []byte {
	t.Helper()
	payload := []byte(`{"process":"sshd","action":"login"}`)
	hash, err := canonicalize.HashRawJSON(payload)
	require.NoError(t, err)

	batch := map[string]any{
		"payload_id":     payloadID,
		"tenant_id":      "tenant-a",
		"asset_id":       "asset-1",
		"schema_version": "v1",
		"events": []map[string]any{{
			"event_id":        payloadID + "-e1",
			"tenant_id":       "tenant-a",
			"asset_id":        "asset-1",
			"event_category":  "security",
			"event_type":      "auth.login",
			"sequence_number": seq,
			"timestamp_local": time.Now().UTC().Format(time.RFC3339),
			"payload":         json.RawMessage(payload),
			"payload_hash":    hash,
			"severity":        "info",
			"source_module":   "auth",
			"trust_level":     "system",
		}},
	}
	body, err := json.Marshal(batch)
	require.NoError(t, err)
	return body
}

func TestHealthOpen(t *testing.T) {
	f := newFixture(t)
	w := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHelloUpgradesStaleAgents(t *testing.T) {
	f := newFixture(t)

	w := f.do(f.agentPost(t, "/api/v1/hello", helloBody("0.9.0")))
	require.Equal(t, http.StatusUpgradeRequired, w.Code)
	require.Equal(t, "agent_version_unsupported", problemCode(t, w))

	w = f.do(f.agentPost(t, "/api/v1/hello", helloBody("not-a-version")))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_agent_version", problemCode(t, w))
}

func TestHelloRecordsPresence(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, "offline", f.gateway.Presence("asset-1"))

	w := f.do(f.agentPost(t, "/api/v1/hello", helloBody("1.2.0")))
	require.Equal(t, http.StatusOK, w.Code)

	var resp helloResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, "online", resp.Presence)
	require.Equal(t, "1.0.0", resp.MinAgentVersion)
	require.Zero(t, resp.PendingTasks)

	require.Equal(t, "online", f.gateway.Presence("asset-1"))

	// Presence decays once the hello goes stale.
	f.gateway.WithClock(func() time.Time { return time.Now().Add(PresenceWindow + time.Second) })
	require.Equal(t, "offline", f.gateway.Presence("asset-1"))
}

func TestHelloScopeMismatch(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"tenant_id":"tenant-b","asset_id":"asset-1","hostname":"h","agent_version":"1.2.0"}`)
	w := f.do(f.agentPost(t, "/api/v1/hello", body))
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "scope_mismatch", problemCode(t, w))
}

func TestEventBatchAcceptedThenReplayRejected(t *testing.T) {
	f := newFixture(t)
	body := eventBatchBody(t, "batch-1", 1)

	w := f.do(f.agentPost(t, "/api/v1/events", body))
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp events.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, events.StatusAccepted, resp.Status)
	require.Equal(t, 1, resp.Accepted)

	// Resubmitting the identical payload_id is refused, not re-ingested.
	w = f.do(f.agentPost(t, "/api/v1/events", body))
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "payload_replay", problemCode(t, w))
}

func TestEventBatchSchemaRejected(t *testing.T) {
	f := newFixture(t)
	// events array missing entirely.
	body := []byte(`{"payload_id":"p-1","tenant_id":"tenant-a","asset_id":"asset-1","schema_version":"v1"}`)
	w := f.do(f.agentPost(t, "/api/v1/events", body))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "schema_validation_failed", problemCode(t, w))
}

func TestTelemetryIngestAndSchemaRejection(t *testing.T) {
	f := newFixture(t)

	payload := map[string]any{
		"payload_id":     "tel-1",
		"tenant_id":      "tenant-a",
		"asset_id":       "asset-1",
		"collected_at":   time.Now().UTC().Format(time.RFC3339),
		"schema_version": "v1",
		"samples": []map[string]any{{
			"metric_name": "cpu.total.percent",
			"unit":        "percent",
			"value":       42.5,
			"observed_at": time.Now().UTC().Format(time.RFC3339),
		}},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	w := f.do(f.agentPost(t, "/api/v1/telemetry", body))
	require.Equal(t, http.StatusAccepted, w.Code)
	var result telemetry.IngestResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Equal(t, 1, result.Accepted)

	// Missing collected_at fails structural validation before the engine.
	w = f.do(f.agentPost(t, "/api/v1/telemetry", []byte(`{"payload_id":"tel-2","tenant_id":"tenant-a","asset_id":"asset-1","schema_version":"v1"}`)))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "schema_validation_failed", problemCode(t, w))
}

func TestOperatorRoutesRequireJWT(t *testing.T) {
	f := newFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/assets", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/assets", nil)
	r.Header.Set("Authorization", "Bearer "+f.operatorToken(t, "operator"))
	w = f.do(r)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAssetListingCarriesPresence(t *testing.T) {
	f := newFixture(t)

	w := f.do(f.agentPost(t, "/api/v1/hello", helloBody("1.2.0")))
	require.Equal(t, http.StatusOK, w.Code)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/assets", nil)
	r.Header.Set("Authorization", "Bearer "+f.operatorToken(t, "operator"))
	w = f.do(r)
	require.Equal(t, http.StatusOK, w.Code)

	var listing struct {
		Assets []struct {
			AssetID  string `json:"asset_id"`
			TenantID string `json:"tenant_id"`
			Presence string `json:"presence"`
		} `json:"assets"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Len(t, listing.Assets, 1)
	require.Equal(t, "asset-1", listing.Assets[0].AssetID)
	require.Equal(t, "tenant-a", listing.Assets[0].TenantID)
	require.Equal(t, "online", listing.Assets[0].Presence)
}

func TestOperatorTaskIssueAndAgentPoll(t *testing.T) {
	f := newFixture(t)

	// The asset must exist before a task can target it.
	w := f.do(f.agentPost(t, "/api/v1/hello", helloBody("1.2.0")))
	require.Equal(t, http.StatusOK, w.Code)

	issue := map[string]any{
		"task_id":           "task-1",
		"tenant_id":         "tenant-a",
		"asset_id":          "asset-1",
		"execution_context": "system",
		"interpreter":       "bash",
		"command_payload":   "systemctl restart sshd",
		"expires_at":        time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(issue)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+f.operatorToken(t, "operator"))
	w = f.do(r)
	require.Equal(t, http.StatusCreated, w.Code)

	poll := []byte(`{"tenant_id":"tenant-a","asset_id":"asset-1"}`)
	w = f.do(f.agentPost(t, "/api/v1/tasks/poll", poll))
	require.Equal(t, http.StatusOK, w.Code)

	var delivered struct {
		Tasks []tasks.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &delivered))
	require.Len(t, delivered.Tasks, 1)
	require.Equal(t, "task-1", delivered.Tasks[0].TaskID)
	require.Equal(t, tasks.StateDelivered, delivered.Tasks[0].State)
}

func TestUnknownInventoryCategory(t *testing.T) {
	f := newFixture(t)
	body := []byte(fmt.Sprintf(`{"tenant_id":"tenant-a","asset_id":"asset-1","collected_at":%q}`,
		time.Now().UTC().Format(time.RFC3339)))
	w := f.do(f.agentPost(t, "/api/v1/inventory/firmware", body))
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "unknown_inventory_category", problemCode(t, w))
}
