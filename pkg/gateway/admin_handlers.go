package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/api"
	"github.com/Mindburn-Labs/warden/pkg/auth"
	"github.com/Mindburn-Labs/warden/pkg/detection"
	"github.com/Mindburn-Labs/warden/pkg/inventory"
	"github.com/Mindburn-Labs/warden/pkg/patch"
	"github.com/Mindburn-Labs/warden/pkg/psa"
	"github.com/Mindburn-Labs/warden/pkg/tasks"
)

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadiness verifies the stores the request path depends on.
func (g *Gateway) handleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	if g.deps.Inventory != nil {
		if err := g.deps.Inventory.DB().PingContext(r.Context()); err != nil {
			checks["inventory"] = "unavailable"
			ready = false
		} else {
			checks["inventory"] = "ok"
		}
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	api.WriteJSON(w, status, map[string]any{"status": state, "checks": checks})
}

// operatorTenant resolves the authenticated operator's tenant; admin role
// may act across tenants via the tenant_id query parameter.
func operatorTenant(r *http.Request, requested string) string {
	principal, err := auth.GetPrincipal(r.Context())
	if err != nil {
		return requested
	}
	for _, role := range principal.GetRoles() {
		if role == "admin" {
			if requested != "" {
				return requested
			}
			return principal.GetTenantID()
		}
	}
	return principal.GetTenantID()
}

type issueTaskRequest struct {
	TaskID           string `json:"task_id,omitempty"`
	TenantID         string `json:"tenant_id"`
	AssetID          string `json:"asset_id"`
	PolicyReference  string `json:"policy_reference,omitempty"`
	ExecutionContext string `json:"execution_context"`
	Interpreter      string `json:"interpreter"`
	CommandPayload   string `json:"command_payload"`
	ExpiresAt        string `json:"expires_at"`
}

func (g *Gateway) handleTaskIssue(w http.ResponseWriter, r *http.Request) {
	if g.deps.Tasks == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "task queue is not configured")
		return
	}

	var req issueTaskRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteCode(w, r, http.StatusBadRequest, "payload_not_json", "task body could not be decoded")
		return
	}

	// The expiry must carry an explicit zone offset; a bare timestamp is
	// ambiguous across agent fleets.
	var expires time.Time
	if req.ExpiresAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			api.WriteCodeErr(w, r, http.StatusUnprocessableEntity, tasks.ErrExpiryRequiresTimezone)
			return
		}
		expires = parsed
	}

	issuedBy := "operator"
	if principal, err := auth.GetPrincipal(r.Context()); err == nil {
		issuedBy = principal.GetID()
	}

	task, err := g.deps.Tasks.Issue(r.Context(), tasks.IssueRequest{
		TaskID:           req.TaskID,
		TenantID:         operatorTenant(r, req.TenantID),
		AssetID:          req.AssetID,
		IssuedBy:         issuedBy,
		PolicyReference:  req.PolicyReference,
		ExecutionContext: req.ExecutionContext,
		Interpreter:      req.Interpreter,
		CommandPayload:   req.CommandPayload,
		ExpiresAt:        expires,
	})
	if err != nil {
		api.WriteCodeErr(w, r, taskIssueErrStatus(err), err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, task)
}

func taskIssueErrStatus(err error) int {
	switch {
	case errors.Is(err, tasks.ErrExecutionDisabled),
		errors.Is(err, tasks.ErrTenantExecutionDisabled),
		errors.Is(err, tasks.ErrAssetExecutionDisabled),
		errors.Is(err, tasks.ErrCommandNotAllowlisted):
		return http.StatusForbidden
	case errors.Is(err, tasks.ErrTaskExists):
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

func (g *Gateway) handleListAssets(w http.ResponseWriter, r *http.Request) {
	if g.deps.Inventory == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "inventory store is not configured")
		return
	}

	q := r.URL.Query()
	filter := inventory.ListFilter{
		TenantID: operatorTenant(r, q.Get("tenant_id")),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			api.WriteCode(w, r, http.StatusBadRequest, "invalid_since", "since must be RFC 3339")
			return
		}
		filter.Since = t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			api.WriteCode(w, r, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if offset := q.Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			api.WriteCode(w, r, http.StatusBadRequest, "invalid_offset", "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	assets, err := g.deps.Inventory.ListAssets(r.Context(), filter)
	if err != nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "asset listing failed")
		return
	}

	type assetView struct {
		inventory.Asset
		Presence string `json:"presence"`
	}
	views := make([]assetView, 0, len(assets))
	for _, a := range assets {
		views = append(views, assetView{Asset: a, Presence: g.Presence(a.AssetID)})
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"assets": views})
}

func (g *Gateway) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	if g.deps.Inventory == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "inventory store is not configured")
		return
	}

	snap, err := g.deps.Inventory.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, inventory.ErrAssetNotFound) {
			api.WriteCodeErr(w, r, http.StatusNotFound, err)
			return
		}
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "snapshot assembly failed")
		return
	}
	if tenant := operatorTenant(r, snap.Asset.TenantID); tenant != snap.Asset.TenantID {
		api.WriteCode(w, r, http.StatusNotFound, "asset_not_found", "asset not found")
		return
	}
	api.WriteJSON(w, http.StatusOK, snap)
}

func (g *Gateway) handleRegisterDetection(w http.ResponseWriter, r *http.Request) {
	if g.deps.Patches == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "patch orchestrator is not configured")
		return
	}

	var d patch.Detection
	if err := api.DecodeJSON(r, &d); err != nil {
		api.WriteCode(w, r, http.StatusBadRequest, "payload_not_json", "detection body could not be decoded")
		return
	}
	if err := g.deps.Patches.RegisterDetection(d); err != nil {
		api.WriteCodeErr(w, r, patchErrStatus(err), err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, map[string]string{"detection_id": d.DetectionID})
}

func (g *Gateway) handleRegisterPolicy(w http.ResponseWriter, r *http.Request) {
	if g.deps.Patches == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "patch orchestrator is not configured")
		return
	}

	var p patch.PatchPolicy
	if err := api.DecodeJSON(r, &p); err != nil {
		api.WriteCode(w, r, http.StatusBadRequest, "payload_not_json", "policy body could not be decoded")
		return
	}
	if err := g.deps.Patches.RegisterPolicy(p); err != nil {
		api.WriteCodeErr(w, r, patchErrStatus(err), err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, map[string]string{"policy_id": p.PolicyID})
}

type createPlanRequest struct {
	TenantID    string `json:"tenant_id"`
	AssetID     string `json:"asset_id"`
	DetectionID string `json:"detection_id"`
	PolicyID    string `json:"policy_id"`
}

func (g *Gateway) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	if g.deps.Patches == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "patch orchestrator is not configured")
		return
	}

	var req createPlanRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteCode(w, r, http.StatusBadRequest, "payload_not_json", "plan body could not be decoded")
		return
	}
	plan, err := g.deps.Patches.CreatePlan(operatorTenant(r, req.TenantID), req.AssetID, req.DetectionID, req.PolicyID)
	if err != nil {
		api.WriteCodeErr(w, r, patchErrStatus(err), err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, plan)
}

func (g *Gateway) handleListPlans(w http.ResponseWriter, r *http.Request) {
	if g.deps.Patches == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "patch orchestrator is not configured")
		return
	}
	tenant := operatorTenant(r, r.URL.Query().Get("tenant_id"))
	api.WriteJSON(w, http.StatusOK, map[string]any{"plans": g.deps.Patches.ListPlans(tenant)})
}

type planScopeRequest struct {
	TenantID string `json:"tenant_id"`
	AssetID  string `json:"asset_id"`
}

func (g *Gateway) handleStartPlan(w http.ResponseWriter, r *http.Request) {
	if g.deps.Patches == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "patch orchestrator is not configured")
		return
	}

	var req planScopeRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteCode(w, r, http.StatusBadRequest, "payload_not_json", "start body could not be decoded")
		return
	}
	plan, err := g.deps.Patches.StartPlan(r.PathValue("id"), operatorTenant(r, req.TenantID), req.AssetID)
	if err != nil {
		api.WriteCodeErr(w, r, patchErrStatus(err), err)
		return
	}
	api.WriteJSON(w, http.StatusOK, plan)
}

type planResultsRequest struct {
	TenantID           string             `json:"tenant_id"`
	AssetID            string             `json:"asset_id"`
	Results            []patch.PatchResult `json:"results"`
	RebootConfirmed    bool               `json:"reboot_confirmed"`
	VerificationStatus string             `json:"verification_status"`
}

func (g *Gateway) handlePlanResults(w http.ResponseWriter, r *http.Request) {
	if g.deps.Patches == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "patch orchestrator is not configured")
		return
	}

	var req planResultsRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteCode(w, r, http.StatusBadRequest, "payload_not_json", "results body could not be decoded")
		return
	}
	record, err := g.deps.Patches.RecordResults(r.Context(), r.PathValue("id"),
		operatorTenant(r, req.TenantID), req.AssetID, req.Results, req.RebootConfirmed, req.VerificationStatus)
	if err != nil {
		api.WriteCodeErr(w, r, patchErrStatus(err), err)
		return
	}
	api.WriteJSON(w, http.StatusOK, record)
}

func patchErrStatus(err error) int {
	switch {
	case errors.Is(err, patch.ErrDetectionNotFound),
		errors.Is(err, patch.ErrPolicyNotFound),
		errors.Is(err, patch.ErrPlanNotFound):
		return http.StatusNotFound
	case errors.Is(err, patch.ErrPolicyExists),
		errors.Is(err, patch.ErrDetectionExists),
		errors.Is(err, patch.ErrPlanAlreadyStarted),
		errors.Is(err, patch.ErrEvidenceAlreadyRecorded):
		return http.StatusConflict
	case errors.Is(err, patch.ErrPlanScopeMismatch),
		errors.Is(err, patch.ErrPolicyAssetNotAllowed):
		return http.StatusForbidden
	default:
		return http.StatusUnprocessableEntity
	}
}

func (g *Gateway) handleInstallRule(w http.ResponseWriter, r *http.Request) {
	if g.deps.Detection == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "detection engine is not configured")
		return
	}

	var rule detection.Rule
	if err := api.DecodeJSON(r, &rule); err != nil {
		api.WriteCode(w, r, http.StatusBadRequest, "payload_not_json", "rule body could not be decoded")
		return
	}
	if err := g.deps.Detection.InstallRule(rule); err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, detection.ErrRuleExists) {
			status = http.StatusConflict
		}
		api.WriteCodeErr(w, r, status, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, map[string]string{"rule_id": rule.RuleID})
}

func (g *Gateway) handleListRules(w http.ResponseWriter, r *http.Request) {
	if g.deps.Detection == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "detection engine is not configured")
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"rules": g.deps.Detection.ListRules()})
}

type detectRequest struct {
	Event   detection.Event            `json:"event"`
	Context *detection.ContextSnapshot `json:"context,omitempty"`
}

func (g *Gateway) handleDetect(w http.ResponseWriter, r *http.Request) {
	if g.deps.Detection == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "detection engine is not configured")
		return
	}

	var req detectRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteCode(w, r, http.StatusBadRequest, "payload_not_json", "detect body could not be decoded")
		return
	}
	req.Event.TenantID = operatorTenant(r, req.Event.TenantID)

	findings, err := g.deps.Detection.Evaluate(r.Context(), req.Event, req.Context)
	if err != nil {
		api.WriteCodeErr(w, r, http.StatusUnprocessableEntity, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"findings": findings})
}

func (g *Gateway) handleListFindings(w http.ResponseWriter, r *http.Request) {
	if g.deps.Detection == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "detection engine is not configured")
		return
	}
	tenant := operatorTenant(r, r.URL.Query().Get("tenant_id"))
	api.WriteJSON(w, http.StatusOK, map[string]any{"findings": g.deps.Detection.Findings(tenant)})
}

func (g *Gateway) handleDismissFinding(w http.ResponseWriter, r *http.Request) {
	if g.deps.Detection == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "detection engine is not configured")
		return
	}
	if err := g.deps.Detection.DismissFinding(r.PathValue("id")); err != nil {
		api.WriteCodeErr(w, r, http.StatusNotFound, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}

func (g *Gateway) handlePsaIntake(w http.ResponseWriter, r *http.Request) {
	if g.deps.Psa == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "psa core is not configured")
		return
	}

	var req psa.IntakeRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteCode(w, r, http.StatusBadRequest, "payload_not_json", "intake body could not be decoded")
		return
	}
	req.TenantID = operatorTenant(r, req.TenantID)

	result, err := g.deps.Psa.Intake(r.Context(), req)
	if err != nil {
		api.WriteCodeErr(w, r, psaErrStatus(err), err)
		return
	}
	status := http.StatusCreated
	if result.Status != psa.IntakeCreated {
		status = http.StatusOK
	}
	api.WriteJSON(w, status, result)
}

type resolveUpstreamRequest struct {
	TenantID          string `json:"tenant_id"`
	AssetID           string `json:"asset_id"`
	SourceType        string `json:"source_type"`
	SourceReferenceID string `json:"source_reference_id"`
	Note              string `json:"note,omitempty"`
}

func (g *Gateway) handlePsaResolveUpstream(w http.ResponseWriter, r *http.Request) {
	if g.deps.Psa == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "psa core is not configured")
		return
	}

	var req resolveUpstreamRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteCode(w, r, http.StatusBadRequest, "payload_not_json", "resolve body could not be decoded")
		return
	}
	ticket, err := g.deps.Psa.ResolveUpstream(r.Context(),
		operatorTenant(r, req.TenantID), req.AssetID, req.SourceType, req.SourceReferenceID, req.Note)
	if err != nil {
		api.WriteCodeErr(w, r, psaErrStatus(err), err)
		return
	}
	api.WriteJSON(w, http.StatusOK, ticket)
}

func (g *Gateway) handleListTickets(w http.ResponseWriter, r *http.Request) {
	if g.deps.Psa == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "psa core is not configured")
		return
	}
	tenant := operatorTenant(r, r.URL.Query().Get("tenant_id"))
	api.WriteJSON(w, http.StatusOK, map[string]any{"tickets": g.deps.Psa.ListTickets(tenant)})
}

func (g *Gateway) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	if g.deps.Psa == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "psa core is not configured")
		return
	}
	ticket, err := g.deps.Psa.Ticket(r.PathValue("id"))
	if err != nil {
		api.WriteCodeErr(w, r, http.StatusNotFound, err)
		return
	}
	if tenant := operatorTenant(r, ticket.TenantID); tenant != ticket.TenantID {
		api.WriteCode(w, r, http.StatusNotFound, "ticket_not_found", "ticket not found")
		return
	}
	api.WriteJSON(w, http.StatusOK, ticket)
}

type ticketActionRequest struct {
	ActionType          string `json:"action_type"`
	Justification       string `json:"justification,omitempty"`
	AutomationRequestID string `json:"automation_request_id,omitempty"`
}

func (g *Gateway) handleTicketAction(w http.ResponseWriter, r *http.Request) {
	if g.deps.Psa == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "psa core is not configured")
		return
	}

	var req ticketActionRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteCode(w, r, http.StatusBadRequest, "payload_not_json", "action body could not be decoded")
		return
	}

	actor := "operator"
	if principal, err := auth.GetPrincipal(r.Context()); err == nil {
		actor = principal.GetID()
	}

	action, err := g.deps.Psa.ApplyAction(r.Context(), r.PathValue("id"), req.ActionType, actor, req.Justification, req.AutomationRequestID)
	if err != nil {
		api.WriteCodeErr(w, r, psaErrStatus(err), err)
		return
	}
	api.WriteJSON(w, http.StatusOK, action)
}

func psaErrStatus(err error) int {
	switch {
	case errors.Is(err, psa.ErrTicketNotFound):
		return http.StatusNotFound
	case errors.Is(err, psa.ErrTicketResolved):
		return http.StatusConflict
	case errors.Is(err, psa.ErrInvalidSourceType),
		errors.Is(err, psa.ErrInvalidActionType):
		return http.StatusBadRequest
	case errors.Is(err, psa.ErrJustificationRequired):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusUnprocessableEntity
	}
}
