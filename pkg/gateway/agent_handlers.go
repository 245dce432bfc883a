package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/warden/pkg/api"
	"github.com/Mindburn-Labs/warden/pkg/events"
	"github.com/Mindburn-Labs/warden/pkg/inventory"
	"github.com/Mindburn-Labs/warden/pkg/observability"
	"github.com/Mindburn-Labs/warden/pkg/tasks"
	"github.com/Mindburn-Labs/warden/pkg/telemetry"
)

type helloRequest struct {
	TenantID     string `json:"tenant_id"`
	AssetID      string `json:"asset_id"`
	Hostname     string `json:"hostname"`
	AgentVersion string `json:"agent_version"`
}

type helloResponse struct {
	Status          string    `json:"status"`
	Presence        string    `json:"presence"`
	ServerTime      time.Time `json:"server_time"`
	MinAgentVersion string    `json:"min_agent_version,omitempty"`
	PendingTasks    int       `json:"pending_tasks"`
}

// handleHello records a heartbeat, upserts the asset and gates unsupported
// agent versions.
func (g *Gateway) handleHello(w http.ResponseWriter, r *http.Request) {
	agent, ok := AgentFromContext(r.Context())
	if !ok {
		api.WriteUnauthorized(w, "transport identity missing")
		return
	}

	var req helloRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteCode(w, r, http.StatusBadRequest, "payload_not_json", "hello body could not be decoded")
		return
	}
	if req.TenantID != agent.TenantID || req.AssetID != agent.AssetID {
		api.WriteCode(w, r, http.StatusForbidden, "scope_mismatch", "body identity does not match transport identity")
		return
	}

	if g.minVer != nil {
		v, err := semver.NewVersion(req.AgentVersion)
		if err != nil {
			api.WriteCode(w, r, http.StatusBadRequest, "invalid_agent_version", "agent_version is not valid semver")
			return
		}
		if v.LessThan(g.minVer) {
			api.WriteCode(w, r, http.StatusUpgradeRequired, "agent_version_unsupported", "agent must upgrade to at least "+g.minVer.String())
			return
		}
	}

	now := g.clock()
	if g.deps.Inventory != nil {
		if _, err := g.deps.Inventory.EnsureAsset(r.Context(), req.TenantID, req.AssetID, req.Hostname, now); err != nil {
			api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "asset record could not be written")
			return
		}
	}
	g.recordHello(req.AssetID)

	pending := 0
	if g.deps.Tasks != nil {
		g.deps.Tasks.ExpireOverdue(r.Context())
		for _, t := range g.deps.Tasks.ListByAsset(req.TenantID, req.AssetID) {
			if t.State == tasks.StatePending {
				pending++
			}
		}
	}

	api.WriteJSON(w, http.StatusOK, helloResponse{
		Status:          "ok",
		Presence:        "online",
		ServerTime:      now,
		MinAgentVersion: g.deps.MinAgentVersion,
		PendingTasks:    pending,
	})
}

func (g *Gateway) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	agent, _ := AgentFromContext(r.Context())
	if g.deps.Telemetry == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "telemetry intake is not configured")
		return
	}

	var payload telemetry.Payload
	if !validateBody(w, r, compiledTelemetry, &payload) {
		return
	}
	if agent != nil && (payload.TenantID != agent.TenantID || payload.AssetID != agent.AssetID) {
		api.WriteCode(w, r, http.StatusForbidden, "scope_mismatch", "payload identity does not match transport identity")
		return
	}

	done := g.track(r, "intake.telemetry", payload.TenantID, payload.AssetID)
	result, rej := g.deps.Telemetry.Ingest(r.Context(), &payload)
	if rej != nil {
		done(rej)
		api.WriteCode(w, r, rej.Status, rej.Code, rej.Detail)
		return
	}
	done(nil)
	api.WriteJSON(w, http.StatusAccepted, result)
}

func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	agent, _ := AgentFromContext(r.Context())
	if g.deps.Events == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "event intake is not configured")
		return
	}

	var batch events.Batch
	if !validateBody(w, r, compiledEventBatch, &batch) {
		return
	}
	if agent != nil && (batch.TenantID != agent.TenantID || batch.AssetID != agent.AssetID) {
		api.WriteCode(w, r, http.StatusForbidden, "scope_mismatch", "batch identity does not match transport identity")
		return
	}

	done := g.track(r, "intake.events", batch.TenantID, batch.AssetID)
	resp, rej := g.deps.Events.Ingest(r.Context(), &batch)
	if rej != nil {
		done(rej)
		api.WriteCode(w, r, rej.Status, rej.Code, rej.Detail)
		return
	}
	done(nil)
	api.WriteJSON(w, http.StatusAccepted, resp)
}

type inventorySubmission struct {
	TenantID    string                      `json:"tenant_id"`
	AssetID     string                      `json:"asset_id"`
	CollectedAt time.Time                   `json:"collected_at"`
	Hardware    *inventory.HardwareSnapshot `json:"hardware,omitempty"`
	OS          *inventory.OSSnapshot       `json:"os,omitempty"`
	Software    []inventory.SoftwarePackage `json:"software,omitempty"`
	Users       []inventory.UserAccount     `json:"users,omitempty"`
	Groups      []inventory.UserGroup       `json:"groups,omitempty"`
}

// handleInventory accepts one category per submission. hardware/os upsert a
// single row; software/users/groups replace the whole snapshot.
func (g *Gateway) handleInventory(w http.ResponseWriter, r *http.Request) {
	agent, _ := AgentFromContext(r.Context())
	if g.deps.Inventory == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "inventory intake is not configured")
		return
	}

	var sub inventorySubmission
	if err := api.DecodeJSON(r, &sub); err != nil {
		api.WriteCode(w, r, http.StatusBadRequest, "payload_not_json", "inventory body could not be decoded")
		return
	}
	if agent != nil && (sub.TenantID != agent.TenantID || sub.AssetID != agent.AssetID) {
		api.WriteCode(w, r, http.StatusForbidden, "scope_mismatch", "submission identity does not match transport identity")
		return
	}
	if sub.CollectedAt.IsZero() {
		sub.CollectedAt = g.clock()
	}

	ctx := r.Context()
	if _, err := g.deps.Inventory.EnsureAsset(ctx, sub.TenantID, sub.AssetID, "", sub.CollectedAt); err != nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "asset record could not be written")
		return
	}

	var err error
	switch r.PathValue("category") {
	case "hardware":
		if sub.Hardware == nil {
			api.WriteCode(w, r, http.StatusBadRequest, "category_payload_required", "hardware snapshot is required")
			return
		}
		err = g.deps.Inventory.UpsertHardware(ctx, sub.TenantID, sub.AssetID, *sub.Hardware)
	case "os":
		if sub.OS == nil {
			api.WriteCode(w, r, http.StatusBadRequest, "category_payload_required", "os snapshot is required")
			return
		}
		err = g.deps.Inventory.UpsertOS(ctx, sub.TenantID, sub.AssetID, *sub.OS)
	case "software":
		err = g.deps.Inventory.ReplaceSoftware(ctx, sub.TenantID, sub.AssetID, sub.CollectedAt, sub.Software)
	case "users":
		err = g.deps.Inventory.ReplaceUsers(ctx, sub.TenantID, sub.AssetID, sub.CollectedAt, sub.Users)
	case "groups":
		err = g.deps.Inventory.ReplaceGroups(ctx, sub.TenantID, sub.AssetID, sub.CollectedAt, sub.Groups)
	default:
		api.WriteCode(w, r, http.StatusNotFound, "unknown_inventory_category", "category must be hardware, os, software, users or groups")
		return
	}
	if err != nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "inventory snapshot could not be written")
		return
	}
	api.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type pollRequest struct {
	TenantID string `json:"tenant_id"`
	AssetID  string `json:"asset_id"`
	Limit    int    `json:"limit,omitempty"`
}

func (g *Gateway) handleTaskPoll(w http.ResponseWriter, r *http.Request) {
	agent, _ := AgentFromContext(r.Context())
	if g.deps.Tasks == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "task queue is not configured")
		return
	}

	var req pollRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteCode(w, r, http.StatusBadRequest, "payload_not_json", "poll body could not be decoded")
		return
	}
	if agent != nil && (req.TenantID != agent.TenantID || req.AssetID != agent.AssetID) {
		api.WriteCode(w, r, http.StatusForbidden, "task_scope_mismatch", "poll identity does not match transport identity")
		return
	}

	identity := ""
	if agent != nil {
		identity = agent.IdentityID
	}
	delivered := g.deps.Tasks.Poll(r.Context(), req.TenantID, req.AssetID, identity, req.Limit)
	api.WriteJSON(w, http.StatusOK, map[string]any{"tasks": delivered})
}

type startRequest struct {
	TenantID string `json:"tenant_id"`
	AssetID  string `json:"asset_id"`
}

func (g *Gateway) handleTaskStart(w http.ResponseWriter, r *http.Request) {
	agent, _ := AgentFromContext(r.Context())
	if g.deps.Tasks == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "task queue is not configured")
		return
	}

	var req startRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteCode(w, r, http.StatusBadRequest, "payload_not_json", "start body could not be decoded")
		return
	}

	identity := ""
	if agent != nil {
		identity = agent.IdentityID
	}
	if err := g.deps.Tasks.Start(r.Context(), r.PathValue("id"), req.TenantID, req.AssetID, identity); err != nil {
		api.WriteCodeErr(w, r, taskErrStatus(err), err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "executing"})
}

type resultRequest struct {
	TenantID string       `json:"tenant_id"`
	AssetID  string       `json:"asset_id"`
	Result   tasks.Result `json:"result"`
}

func (g *Gateway) handleTaskResults(w http.ResponseWriter, r *http.Request) {
	agent, _ := AgentFromContext(r.Context())
	if g.deps.Tasks == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "task queue is not configured")
		return
	}

	var req resultRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteCode(w, r, http.StatusBadRequest, "payload_not_json", "result body could not be decoded")
		return
	}
	req.Result.TaskID = r.PathValue("id")

	identity := ""
	if agent != nil {
		identity = agent.IdentityID
	}
	if err := g.deps.Tasks.RecordResult(r.Context(), req.TenantID, req.AssetID, identity, req.Result); err != nil {
		api.WriteCodeErr(w, r, taskErrStatus(err), err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// taskErrStatus maps task queue sentinels to HTTP statuses.
func taskErrStatus(err error) int {
	switch {
	case errors.Is(err, tasks.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, tasks.ErrTaskAlreadyRecorded),
		errors.Is(err, tasks.ErrTaskExpired):
		return http.StatusConflict
	case errors.Is(err, tasks.ErrTaskAgentMismatch),
		errors.Is(err, tasks.ErrTaskScopeMismatch):
		return http.StatusForbidden
	case errors.Is(err, tasks.ErrExecutionDisabled),
		errors.Is(err, tasks.ErrTenantExecutionDisabled),
		errors.Is(err, tasks.ErrAssetExecutionDisabled):
		return http.StatusForbidden
	case errors.Is(err, tasks.ErrCommandNotAllowlisted):
		return http.StatusForbidden
	default:
		return http.StatusUnprocessableEntity
	}
}

// track wraps an intake operation with RED metrics when observability is
// wired.
func (g *Gateway) track(r *http.Request, name, tenantID, assetID string) func(error) {
	if g.deps.Obs == nil {
		return func(error) {}
	}
	_, done := g.deps.Obs.TrackOperation(r.Context(), name,
		observability.IntakeOperation(tenantID, assetID, r.URL.Path)...)
	return done
}
