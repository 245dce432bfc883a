// Package authz decides whether remote command execution is allowed for a
// tenant and asset. Decisions are CEL expressions loaded per tenant and
// evaluated fail-closed: no policy, a compile problem or an evaluation error
// all mean deny.
package authz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
)

// Decision records one authorization verdict.
type Decision struct {
	TenantID  string    `json:"tenant_id"`
	AssetID   string    `json:"asset_id"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Gate evaluates tenant execution policies. It satisfies the task queue's
// ExecutionGate interface.
type Gate struct {
	mu          sync.RWMutex
	env         *cel.Env
	programs    map[string]cel.Program // tenant_id -> compiled policy
	definitions map[string]string      // tenant_id -> CEL source
	clock       func() time.Time

	// defaultAllow admits tenants with no policy; off by default.
	defaultAllow bool
}

// NewGate initialises the CEL environment with the execution attributes.
func NewGate() (*Gate, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("tenant_id", types.StringType),
			decls.NewVariable("asset_id", types.StringType),
			decls.NewVariable("context", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("authz: create CEL env: %w", err)
	}
	return &Gate{
		env:         env,
		programs:    make(map[string]cel.Program),
		definitions: make(map[string]string),
		clock:       time.Now,
	}, nil
}

// WithClock overrides the clock for testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// AllowByDefault admits tenants without a loaded policy instead of denying
// them.
func (g *Gate) AllowByDefault() *Gate {
	g.defaultAllow = true
	return g
}

// LoadPolicy compiles and registers a tenant's execution policy.
func (g *Gate) LoadPolicy(tenantID, source string) error {
	ast, issues := g.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("authz: policy compilation failed for %s: %w", tenantID, issues.Err())
	}
	prg, err := g.env.Program(ast)
	if err != nil {
		return fmt.Errorf("authz: program construction failed for %s: %w", tenantID, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.programs[tenantID] = prg
	g.definitions[tenantID] = source
	return nil
}

// RemovePolicy drops a tenant's policy; the tenant falls back to the
// default verdict.
func (g *Gate) RemovePolicy(tenantID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.programs, tenantID)
	delete(g.definitions, tenantID)
}

// Definitions returns a copy of the loaded policy sources by tenant.
func (g *Gate) Definitions() map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]string, len(g.definitions))
	for k, v := range g.definitions {
		out[k] = v
	}
	return out
}

// Decide evaluates the tenant's policy for an asset.
func (g *Gate) Decide(_ context.Context, tenantID, assetID string) Decision {
	decision := Decision{
		TenantID:  tenantID,
		AssetID:   assetID,
		Timestamp: g.clock().UTC(),
	}

	g.mu.RLock()
	prg, exists := g.programs[tenantID]
	g.mu.RUnlock()

	if !exists {
		decision.Allowed = g.defaultAllow
		decision.Reason = "no_policy_loaded"
		return decision
	}

	out, _, err := prg.Eval(map[string]any{
		"tenant_id": tenantID,
		"asset_id":  assetID,
		"context":   map[string]any{},
	})
	if err != nil {
		// Fail closed.
		decision.Reason = fmt.Sprintf("evaluation_error: %v", err)
		return decision
	}
	if allowed, ok := out.Value().(bool); ok && allowed {
		decision.Allowed = true
		decision.Reason = "allowed_by_policy"
	} else {
		decision.Reason = "denied_by_policy"
	}
	return decision
}

// ExecutionAllowed reports whether command execution is permitted for the
// tenant and asset. It implements the task queue's gate contract.
func (g *Gate) ExecutionAllowed(ctx context.Context, tenantID, assetID string) (bool, error) {
	return g.Decide(ctx, tenantID, assetID).Allowed, nil
}
