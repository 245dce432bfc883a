package psa

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/warden/pkg/evidence"
)

// Core owns the ticket registry. Intake is idempotent per dedup key;
// actions drive the ticket FSM and are appended to the audit trail.
type Core struct {
	mu      sync.RWMutex
	tickets map[string]*Ticket
	byKey   map[string]string // dedup key -> ticket id

	ledger *evidence.Ledger
	logger *slog.Logger
	clock  func() time.Time
	idGen  func() string

	riskThreshold       float64
	tenantRiskThreshold map[string]float64
	evidenceCap         int
}

// NewCore creates a PSA core with default thresholds.
func NewCore() *Core {
	return &Core{
		tickets:             make(map[string]*Ticket),
		byKey:               make(map[string]string),
		logger:              slog.Default().With("component", "psa"),
		clock:               time.Now,
		idGen:               uuid.NewString,
		riskThreshold:       DefaultRiskThreshold,
		tenantRiskThreshold: make(map[string]float64),
		evidenceCap:         DefaultEvidenceCap,
	}
}

// WithClock overrides the clock for testing.
func (c *Core) WithClock(clock func() time.Time) *Core {
	c.clock = clock
	return c
}

// WithIDGenerator overrides ticket/action id generation.
func (c *Core) WithIDGenerator(gen func() string) *Core {
	c.idGen = gen
	return c
}

// WithLedger attaches the evidence ledger; ticket evidence is mirrored
// there best-effort.
func (c *Core) WithLedger(l *evidence.Ledger) *Core {
	c.ledger = l
	return c
}

// WithLogger overrides the core logger.
func (c *Core) WithLogger(logger *slog.Logger) *Core {
	c.logger = logger.With("component", "psa")
	return c
}

// WithRiskThreshold overrides the default intake suppression threshold.
func (c *Core) WithRiskThreshold(threshold float64) *Core {
	c.riskThreshold = threshold
	return c
}

// WithTenantRiskThreshold overrides the suppression threshold for one
// tenant; other tenants keep the default.
func (c *Core) WithTenantRiskThreshold(tenantID string, threshold float64) *Core {
	c.tenantRiskThreshold[tenantID] = threshold
	return c
}

func (c *Core) thresholdFor(tenantID string) float64 {
	if t, ok := c.tenantRiskThreshold[tenantID]; ok {
		return t
	}
	return c.riskThreshold
}

// WithEvidenceCap overrides the per-ticket evidence cap.
func (c *Core) WithEvidenceCap(limit int) *Core {
	c.evidenceCap = limit
	return c
}

func dedupKey(tenantID, assetID, sourceType, sourceRef string) string {
	return tenantID + "|" + assetID + "|" + sourceType + "|" + sourceRef
}

// Intake processes one risk signal. Signals below the risk threshold are
// suppressed. A signal matching an existing ticket's dedup key updates that
// ticket; a previously resolved ticket reopens with a synthetic acknowledge
// action. New evidence is deduplicated by hash and trimmed to the cap after
// ingest.
func (c *Core) Intake(ctx context.Context, req IntakeRequest) (*IntakeResult, error) {
	if !ValidSourceTypes[req.SourceType] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSourceType, req.SourceType)
	}
	if req.RiskScore < c.thresholdFor(req.TenantID) {
		return &IntakeResult{Status: IntakeSuppressed, Reason: "risk_below_threshold"}, nil
	}

	now := c.clock().UTC()
	priority, adjusted := ComputePriority(req.RiskScore, req.AssetCriticality, req.Exposure, req.ThreatSensitivity)

	c.mu.Lock()
	defer c.mu.Unlock()

	key := dedupKey(req.TenantID, req.AssetID, req.SourceType, req.SourceReferenceID)
	if id, ok := c.byKey[key]; ok {
		ticket := c.tickets[id]
		status := IntakeUpdated
		if ticket.Status == StatusResolved {
			ticket.Status = StatusOpen
			ticket.Actions = append(ticket.Actions, Action{
				ActionID:      c.idGen(),
				TicketID:      ticket.TicketID,
				ActionType:    ActionAcknowledge,
				ActorIdentity: "system",
				Timestamp:     now,
				Justification: JustificationReopened,
			})
		}
		ticket.RiskScore = req.RiskScore
		ticket.AdjustedScore = adjusted
		ticket.Priority = priority
		ticket.SLADeadline = SLADeadline(priority, now)
		ticket.LastUpdatedAt = now
		if req.SystemRecommendation != "" {
			ticket.SystemRecommendation = req.SystemRecommendation
		}
		c.ingestEvidenceLocked(ctx, ticket, req.Evidence, now)

		out := *ticket
		return &IntakeResult{Status: status, Ticket: &out}, nil
	}

	ticket := &Ticket{
		TicketID:             c.idGen(),
		TenantID:             req.TenantID,
		AssetID:              req.AssetID,
		SourceType:           req.SourceType,
		SourceReferenceID:    req.SourceReferenceID,
		RiskScore:            req.RiskScore,
		AdjustedScore:        adjusted,
		Priority:             priority,
		Status:               StatusOpen,
		SLADeadline:          SLADeadline(priority, now),
		CreatedAt:            now,
		LastUpdatedAt:        now,
		SystemRecommendation: req.SystemRecommendation,
	}
	c.ingestEvidenceLocked(ctx, ticket, req.Evidence, now)
	c.tickets[ticket.TicketID] = ticket
	c.byKey[key] = ticket.TicketID

	out := *ticket
	return &IntakeResult{Status: IntakeCreated, Ticket: &out}, nil
}

func (c *Core) ingestEvidenceLocked(ctx context.Context, ticket *Ticket, items []EvidenceItem, now time.Time) {
	seen := make(map[string]bool, len(ticket.Evidence))
	for _, e := range ticket.Evidence {
		seen[e.EvidenceHash] = true
	}
	for _, item := range items {
		if item.EvidenceHash == "" || seen[item.EvidenceHash] {
			continue
		}
		seen[item.EvidenceHash] = true
		item.AddedAt = now
		ticket.Evidence = append(ticket.Evidence, item)

		if c.ledger != nil {
			if _, err := c.ledger.Append(ctx, evidence.EntryTicketEvidence, "psa_core", map[string]any{
				"ticket_id":     ticket.TicketID,
				"evidence_hash": item.EvidenceHash,
			}); err != nil {
				c.logger.Warn("ticket evidence ledger append failed", "ticket_id", ticket.TicketID, "error", err)
			}
		}
	}
	// FIFO trim after ingest, documented retention not a rejection.
	if len(ticket.Evidence) > c.evidenceCap {
		ticket.Evidence = ticket.Evidence[len(ticket.Evidence)-c.evidenceCap:]
	}
}

// actionTransitions maps an action type to the resulting ticket status.
var actionTransitions = map[string]string{
	ActionAcknowledge: StatusAcknowledged,
	ActionRemediate:   StatusInRemediation,
	ActionDefer:       StatusDeferred,
	ActionAcceptRisk:  StatusAcceptedRisk,
	ActionEscalate:    StatusEscalated,
}

// justificationRequired lists actions that must carry a justification.
var justificationRequired = map[string]bool{
	ActionDefer:      true,
	ActionAcceptRisk: true,
	ActionEscalate:   true,
}

// ApplyAction records an operator action and moves the ticket accordingly.
// Resolved tickets accept no further actions.
func (c *Core) ApplyAction(_ context.Context, ticketID, actionType, actor, justification, automationRequestID string) (*Action, error) {
	next, ok := actionTransitions[actionType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidActionType, actionType)
	}
	if justificationRequired[actionType] && justification == "" {
		return nil, fmt.Errorf("%w: %s", ErrJustificationRequired, actionType)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ticket, ok := c.tickets[ticketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, ticketID)
	}
	if ticket.Status == StatusResolved {
		return nil, fmt.Errorf("%w: %s", ErrTicketResolved, ticketID)
	}

	now := c.clock().UTC()
	action := Action{
		ActionID:            c.idGen(),
		TicketID:            ticketID,
		ActionType:          actionType,
		ActorIdentity:       actor,
		Timestamp:           now,
		Justification:       justification,
		AutomationRequestID: automationRequestID,
	}
	ticket.Actions = append(ticket.Actions, action)
	ticket.Status = next
	ticket.LastUpdatedAt = now
	return &action, nil
}

// Resolve marks a ticket resolved with an acknowledging audit entry.
func (c *Core) Resolve(_ context.Context, ticketID, actor, note string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ticket, ok := c.tickets[ticketID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTicketNotFound, ticketID)
	}
	if ticket.Status == StatusResolved {
		return fmt.Errorf("%w: %s", ErrTicketResolved, ticketID)
	}
	c.resolveLocked(ticket, actor, note)
	return nil
}

// ResolveUpstream resolves the ticket matching a dedup key because the
// source system reports its issue fixed.
func (c *Core) ResolveUpstream(_ context.Context, tenantID, assetID, sourceType, sourceRef string, note string) (*Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.byKey[dedupKey(tenantID, assetID, sourceType, sourceRef)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s/%s/%s", ErrTicketNotFound, tenantID, assetID, sourceType, sourceRef)
	}
	ticket := c.tickets[id]
	if ticket.Status != StatusResolved {
		if note == "" {
			note = JustificationResolvedUpstream
		}
		c.resolveLocked(ticket, "system", note)
	}
	out := *ticket
	return &out, nil
}

func (c *Core) resolveLocked(ticket *Ticket, actor, note string) {
	now := c.clock().UTC()
	ticket.Actions = append(ticket.Actions, Action{
		ActionID:      c.idGen(),
		TicketID:      ticket.TicketID,
		ActionType:    ActionAcknowledge,
		ActorIdentity: actor,
		Timestamp:     now,
		Justification: note,
	})
	ticket.Status = StatusResolved
	ticket.LastUpdatedAt = now
}

// Ticket returns a ticket by id.
func (c *Core) Ticket(ticketID string) (*Ticket, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ticket, ok := c.tickets[ticketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, ticketID)
	}
	out := *ticket
	return &out, nil
}

// ListTickets returns a tenant's tickets ordered by priority rank, then SLA
// deadline, then ticket id.
func (c *Core) ListTickets(tenantID string) []Ticket {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Ticket
	for _, t := range c.tickets {
		if tenantID == "" || t.TenantID == tenantID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := priorityRank[out[i].Priority], priorityRank[out[j].Priority]
		if ri != rj {
			return ri < rj
		}
		if !out[i].SLADeadline.Equal(out[j].SLADeadline) {
			return out[i].SLADeadline.Before(out[j].SLADeadline)
		}
		return out[i].TicketID < out[j].TicketID
	})
	return out
}
