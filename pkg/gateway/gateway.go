// Package gateway assembles the HTTP surface: agent intake behind the
// transport admission chain, and operator APIs behind JWT auth.
package gateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/warden/pkg/auth"
	"github.com/Mindburn-Labs/warden/pkg/authz"
	"github.com/Mindburn-Labs/warden/pkg/compliance"
	"github.com/Mindburn-Labs/warden/pkg/detection"
	"github.com/Mindburn-Labs/warden/pkg/events"
	"github.com/Mindburn-Labs/warden/pkg/inventory"
	"github.com/Mindburn-Labs/warden/pkg/observability"
	"github.com/Mindburn-Labs/warden/pkg/patch"
	"github.com/Mindburn-Labs/warden/pkg/psa"
	"github.com/Mindburn-Labs/warden/pkg/sigverify"
	"github.com/Mindburn-Labs/warden/pkg/tasks"
	"github.com/Mindburn-Labs/warden/pkg/telemetry"
	"github.com/Mindburn-Labs/warden/pkg/truststore"
)

// PresenceWindow is how recently an agent must have said hello to count as
// online.
const PresenceWindow = 120 * time.Second

// Deps carries the assembled cores. Optional fields may be nil; the routes
// they serve then return 503.
type Deps struct {
	Trust      *truststore.Store
	Keyring    *sigverify.Keyring
	Inventory  *inventory.Store
	Telemetry  *telemetry.Engine
	Events     *events.Ingestor
	EventStore *events.SQLiteStore
	Tasks      *tasks.Queue
	Patches    *patch.Orchestrator
	Detection  *detection.Engine
	Psa        *psa.Core
	Authz      *authz.Gate
	Compliance *compliance.Core

	// JWTValidator guards operator routes. Nil fails closed.
	JWTValidator *auth.JWTValidator
	// Limiter throttles agent intake per actor; nil disables.
	Limiter auth.LimiterStore
	// LimiterPolicy applies when Limiter is set.
	LimiterPolicy auth.RatePolicy
	// IPLimiter is the outermost per-IP throttle; nil disables.
	IPLimiter *auth.IPRateLimiter
	// Obs records RED metrics on intake; nil disables.
	Obs *observability.Provider

	// MinAgentVersion gates /hello. Empty disables the gate.
	MinAgentVersion string
}

// Gateway is the HTTP surface of the warden core.
type Gateway struct {
	deps   Deps
	minVer *semver.Version
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.RWMutex
	lastSeen map[string]time.Time // asset_id -> last hello
}

// New builds a gateway. An unparseable MinAgentVersion disables the gate
// rather than rejecting every agent.
func New(deps Deps) *Gateway {
	g := &Gateway{
		deps:     deps,
		logger:   slog.Default().With("component", "gateway"),
		clock:    time.Now,
		lastSeen: make(map[string]time.Time),
	}
	if deps.MinAgentVersion != "" {
		if v, err := semver.NewVersion(deps.MinAgentVersion); err == nil {
			g.minVer = v
		} else {
			g.logger.Warn("invalid minimum agent version, gate disabled", "value", deps.MinAgentVersion)
		}
	}
	return g
}

// WithClock injects a deterministic time source.
func (g *Gateway) WithClock(clock func() time.Time) *Gateway {
	g.clock = clock
	return g
}

// Presence reports online/offline for an asset based on its last hello.
func (g *Gateway) Presence(assetID string) string {
	g.mu.RLock()
	last, ok := g.lastSeen[assetID]
	g.mu.RUnlock()
	if ok && g.clock().Sub(last) <= PresenceWindow {
		return "online"
	}
	return "offline"
}

func (g *Gateway) recordHello(assetID string) {
	g.mu.Lock()
	g.lastSeen[assetID] = g.clock()
	g.mu.Unlock()
}

// Routes builds the full handler. Agent endpoints sit behind the transport
// chain; operator endpoints behind JWT. Health probes are open.
func (g *Gateway) Routes() http.Handler {
	// Agent surface.
	agent := http.NewServeMux()
	agent.HandleFunc("POST /api/v1/hello", g.handleHello)
	agent.HandleFunc("POST /api/v1/telemetry", g.handleTelemetry)
	agent.HandleFunc("POST /api/v1/events", g.handleEvents)
	agent.HandleFunc("POST /api/v1/inventory/{category}", g.handleInventory)
	agent.HandleFunc("POST /api/v1/tasks/poll", g.handleTaskPoll)
	agent.HandleFunc("POST /api/v1/tasks/{id}/start", g.handleTaskStart)
	agent.HandleFunc("POST /api/v1/tasks/{id}/results", g.handleTaskResults)

	var agentHandler http.Handler = agent
	agentHandler = AgentChain(g.deps.Trust, g.deps.Keyring)(agentHandler)
	if g.deps.Limiter != nil {
		agentHandler = auth.RateLimitMiddleware(g.deps.Limiter, g.deps.LimiterPolicy)(agentHandler)
	}
	if g.deps.IPLimiter != nil {
		agentHandler = auth.IPRateLimitMiddleware(g.deps.IPLimiter)(agentHandler)
	}

	// Operator surface.
	operator := http.NewServeMux()
	operator.HandleFunc("POST /api/v1/tasks", g.handleTaskIssue)
	operator.HandleFunc("GET /api/v1/assets", g.handleListAssets)
	operator.HandleFunc("GET /api/v1/assets/{id}", g.handleGetAsset)
	operator.HandleFunc("POST /api/v1/detections", g.handleRegisterDetection)
	operator.HandleFunc("POST /api/v1/policies", g.handleRegisterPolicy)
	operator.HandleFunc("POST /api/v1/plans", g.handleCreatePlan)
	operator.HandleFunc("GET /api/v1/plans", g.handleListPlans)
	operator.HandleFunc("POST /api/v1/plans/{id}/start", g.handleStartPlan)
	operator.HandleFunc("POST /api/v1/plans/{id}/results", g.handlePlanResults)
	operator.HandleFunc("POST /api/v1/rules", g.handleInstallRule)
	operator.HandleFunc("GET /api/v1/rules", g.handleListRules)
	operator.HandleFunc("POST /api/v1/detect", g.handleDetect)
	operator.HandleFunc("GET /api/v1/findings", g.handleListFindings)
	operator.HandleFunc("POST /api/v1/findings/{id}/dismiss", g.handleDismissFinding)
	operator.HandleFunc("POST /api/v1/intake", g.handlePsaIntake)
	operator.HandleFunc("POST /api/v1/intake/resolve", g.handlePsaResolveUpstream)
	operator.HandleFunc("GET /api/v1/tickets", g.handleListTickets)
	operator.HandleFunc("GET /api/v1/tickets/{id}", g.handleGetTicket)
	operator.HandleFunc("POST /api/v1/tickets/{id}/actions", g.handleTicketAction)
	operator.HandleFunc("POST /api/v1/controls", g.handleRegisterControl)
	operator.HandleFunc("GET /api/v1/controls", g.handleListControls)
	operator.HandleFunc("POST /api/v1/controls/{id}/evidence", g.handleControlEvidence)
	operator.HandleFunc("POST /api/v1/controls/{id}/assess", g.handleAssessControl)
	operator.HandleFunc("GET /api/v1/controls/{id}/assessments", g.handleListAssessments)
	operator.HandleFunc("POST /api/v1/controls/{id}/exceptions", g.handleControlException)
	operator.HandleFunc("POST /api/v1/audit/bundles", g.handleAuditBundle)

	operatorHandler := auth.NewMiddleware(g.deps.JWTValidator)(operator)

	root := http.NewServeMux()
	root.HandleFunc("GET /health", g.handleHealth)
	root.HandleFunc("GET /readiness", g.handleReadiness)
	root.Handle("POST /api/v1/hello", agentHandler)
	root.Handle("POST /api/v1/telemetry", agentHandler)
	root.Handle("POST /api/v1/events", agentHandler)
	root.Handle("POST /api/v1/inventory/{category}", agentHandler)
	root.Handle("POST /api/v1/tasks/poll", agentHandler)
	root.Handle("POST /api/v1/tasks/{id}/start", agentHandler)
	root.Handle("POST /api/v1/tasks/{id}/results", agentHandler)
	root.Handle("/api/v1/", operatorHandler)

	return auth.RequestIDMiddleware(auth.CORSMiddleware(nil)(root))
}
