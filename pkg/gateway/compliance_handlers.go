package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/api"
	"github.com/Mindburn-Labs/warden/pkg/compliance"
)

func complianceErrStatus(err error) int {
	switch {
	case errors.Is(err, compliance.ErrControlNotFound):
		return http.StatusNotFound
	case errors.Is(err, compliance.ErrInvalidLogicType),
		errors.Is(err, compliance.ErrInvalidOperator),
		errors.Is(err, compliance.ErrStatementRequired),
		errors.Is(err, compliance.ErrApprovalRequired),
		errors.Is(err, compliance.ErrExceptionExpiryInPast):
		return http.StatusBadRequest
	default:
		return http.StatusUnprocessableEntity
	}
}

type registerControlRequest struct {
	TenantID                string                     `json:"tenant_id,omitempty"`
	Framework               string                     `json:"framework"`
	ControlStatement        string                     `json:"control_statement"`
	ExpectedSystemBehaviour string                     `json:"expected_system_behaviour,omitempty"`
	EvidenceSources         []string                   `json:"evidence_sources,omitempty"`
	Logic                   compliance.AssessmentLogic `json:"assessment_logic"`
	EvaluationFrequencyDays int                        `json:"evaluation_frequency_days,omitempty"`
}

func (g *Gateway) handleRegisterControl(w http.ResponseWriter, r *http.Request) {
	if g.deps.Compliance == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "compliance core is not configured")
		return
	}
	var req registerControlRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteCode(w, r, http.StatusBadRequest, "payload_not_json", "control body could not be decoded")
		return
	}

	control, created, err := g.deps.Compliance.RegisterControl(r.Context(), compliance.RegisterControlRequest{
		TenantID:                operatorTenant(r, req.TenantID),
		Framework:               req.Framework,
		ControlStatement:        req.ControlStatement,
		ExpectedSystemBehaviour: req.ExpectedSystemBehaviour,
		EvidenceSources:         req.EvidenceSources,
		Logic:                   req.Logic,
		EvaluationFrequencyDays: req.EvaluationFrequencyDays,
	})
	if err != nil {
		api.WriteCodeErr(w, r, complianceErrStatus(err), err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	api.WriteJSON(w, status, control)
}

func (g *Gateway) handleListControls(w http.ResponseWriter, r *http.Request) {
	if g.deps.Compliance == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "compliance core is not configured")
		return
	}
	tenantID := operatorTenant(r, r.URL.Query().Get("tenant_id"))
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"controls": g.deps.Compliance.ListControls(tenantID),
	})
}

type controlEvidenceRequest struct {
	Source             string         `json:"source"`
	ObservedAt         time.Time      `json:"observed_at"`
	Actor              string         `json:"actor,omitempty"`
	Attributes         map[string]any `json:"attributes"`
	ImmutableReference string         `json:"immutable_reference,omitempty"`
}

func (g *Gateway) handleControlEvidence(w http.ResponseWriter, r *http.Request) {
	if g.deps.Compliance == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "compliance core is not configured")
		return
	}
	var req controlEvidenceRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteCode(w, r, http.StatusBadRequest, "payload_not_json", "evidence body could not be decoded")
		return
	}
	record, err := g.deps.Compliance.IngestEvidence(r.Context(), r.PathValue("id"), compliance.EvidenceInput{
		Source:             req.Source,
		ObservedAt:         req.ObservedAt,
		Actor:              req.Actor,
		Attributes:         req.Attributes,
		ImmutableReference: req.ImmutableReference,
	})
	if err != nil {
		api.WriteCodeErr(w, r, complianceErrStatus(err), err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, record)
}

func (g *Gateway) handleAssessControl(w http.ResponseWriter, r *http.Request) {
	if g.deps.Compliance == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "compliance core is not configured")
		return
	}
	assessment, err := g.deps.Compliance.Assess(r.Context(), r.PathValue("id"))
	if err != nil {
		api.WriteCodeErr(w, r, complianceErrStatus(err), err)
		return
	}
	api.WriteJSON(w, http.StatusOK, assessment)
}

func (g *Gateway) handleListAssessments(w http.ResponseWriter, r *http.Request) {
	if g.deps.Compliance == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "compliance core is not configured")
		return
	}
	assessments, err := g.deps.Compliance.ListAssessments(r.PathValue("id"))
	if err != nil {
		api.WriteCodeErr(w, r, complianceErrStatus(err), err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"assessments": assessments})
}

type controlExceptionRequest struct {
	ApprovedBy    string    `json:"approved_by"`
	Justification string    `json:"justification"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func (g *Gateway) handleControlException(w http.ResponseWriter, r *http.Request) {
	if g.deps.Compliance == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "compliance core is not configured")
		return
	}
	var req controlExceptionRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteCode(w, r, http.StatusBadRequest, "payload_not_json", "exception body could not be decoded")
		return
	}
	record, err := g.deps.Compliance.RecordException(r.Context(),
		r.PathValue("id"), req.ApprovedBy, req.Justification, req.ExpiresAt)
	if err != nil {
		api.WriteCodeErr(w, r, complianceErrStatus(err), err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, record)
}

type auditBundleRequest struct {
	TenantID string `json:"tenant_id,omitempty"`
	Scope    string `json:"scope"`
}

func (g *Gateway) handleAuditBundle(w http.ResponseWriter, r *http.Request) {
	if g.deps.Compliance == nil {
		api.WriteCode(w, r, http.StatusServiceUnavailable, "ingest_failed", "compliance core is not configured")
		return
	}
	var req auditBundleRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteCode(w, r, http.StatusBadRequest, "payload_not_json", "bundle body could not be decoded")
		return
	}
	bundle, err := g.deps.Compliance.Bundle(r.Context(), operatorTenant(r, req.TenantID), req.Scope)
	if err != nil {
		api.WriteCodeErr(w, r, complianceErrStatus(err), err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, bundle)
}
