package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/replay"
)

// Intake limits and freshness bounds.
const (
	DefaultMaxSamples       = 500
	DefaultStaleSeconds     = 600
	DefaultFutureSeconds    = 120
	SupportedSchemaVersion  = "v1"
	RejectionReasonUnknown  = "unknown_metric"
	RejectionReasonReplayed = "payload_replay"
)

// Sample is one metric observation inside a payload.
type Sample struct {
	MetricName string    `json:"metric_name"`
	Unit       string    `json:"unit"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}

// Payload is a signed telemetry batch from one asset.
type Payload struct {
	PayloadID     string    `json:"payload_id"`
	TenantID      string    `json:"tenant_id"`
	AssetID       string    `json:"asset_id"`
	CollectedAt   time.Time `json:"collected_at"`
	SchemaVersion string    `json:"schema_version"`
	Samples       []Sample  `json:"samples"`
}

// Anomaly is an emitted deviation flag.
type Anomaly struct {
	AnomalyID           string    `json:"anomaly_id"`
	AssetID             string    `json:"asset_id"`
	MetricName          string    `json:"metric_name"`
	ObservedAt          time.Time `json:"observed_at"`
	Value               float64   `json:"value"`
	BaselineMean        float64   `json:"baseline_mean"`
	DeviationMultiplier float64   `json:"deviation_multiplier"`
	Status              string    `json:"status"` // open | acknowledged
}

// Rejection is a terminal intake failure with a stable machine code.
type Rejection struct {
	Code   string
	Detail string
	Status int
}

func (r *Rejection) Error() string { return r.Code }

func reject(status int, code, detail string) *Rejection {
	return &Rejection{Code: code, Detail: detail, Status: status}
}

// IngestResult summarises an accepted payload.
type IngestResult struct {
	PayloadID string    `json:"payload_id"`
	Accepted  int       `json:"accepted"`
	Anomalies []Anomaly `json:"anomalies"`
}

// SampleStore persists normalised samples and anomalies.
type SampleStore interface {
	AppendSamples(ctx context.Context, tenantID, assetID string, samples []Sample) error
	AppendAnomaly(ctx context.Context, a Anomaly) error
	AuditRejection(ctx context.Context, tenantID, assetID, payloadID, code, detail string) error
}

// Engine validates, normalises and baselines telemetry payloads.
type Engine struct {
	taxonomy  *Taxonomy
	baselines *BaselineRegistry
	store     SampleStore
	replays   replay.Registry
	logger    *slog.Logger
	clock     func() time.Time

	maxSamples    int
	staleSeconds  int
	futureSeconds int
	threshold     float64
	newID         func() string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// WithThreshold overrides the anomaly sigma threshold.
func WithThreshold(threshold float64) EngineOption {
	return func(e *Engine) { e.threshold = threshold }
}

// WithLimits overrides the intake bounds.
func WithLimits(maxSamples, staleSeconds, futureSeconds int) EngineOption {
	return func(e *Engine) {
		e.maxSamples = maxSamples
		e.staleSeconds = staleSeconds
		e.futureSeconds = futureSeconds
	}
}

// WithIDGenerator overrides anomaly id generation for tests.
func WithIDGenerator(f func() string) EngineOption {
	return func(e *Engine) { e.newID = f }
}

// NewEngine wires a telemetry engine.
func NewEngine(taxonomy *Taxonomy, baselines *BaselineRegistry, store SampleStore, replays replay.Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		taxonomy:      taxonomy,
		baselines:     baselines,
		store:         store,
		replays:       replays,
		logger:        slog.Default().With("component", "telemetry"),
		clock:         time.Now,
		maxSamples:    DefaultMaxSamples,
		staleSeconds:  DefaultStaleSeconds,
		futureSeconds: DefaultFutureSeconds,
		threshold:     DefaultDeviationThreshold,
		newID:         defaultID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var idCounter atomic.Uint64

func defaultID() string {
	return fmt.Sprintf("anom-%d-%d", time.Now().UnixNano(), idCounter.Add(1))
}

// Ingest runs the full intake pipeline. On rejection it writes an audit
// record and returns a *Rejection; auditing is best-effort and never fails
// the response.
func (e *Engine) Ingest(ctx context.Context, p *Payload) (*IngestResult, *Rejection) {
	if rej := e.validate(p); rej != nil {
		e.audit(ctx, p, rej)
		return nil, rej
	}

	// Normalise every sample before touching baselines so a late rejection
	// leaves no partial state.
	normalised := make([]Sample, 0, len(p.Samples))
	seen := make(map[string]struct{}, len(p.Samples))
	for _, s := range p.Samples {
		if _, dup := seen[s.MetricName]; dup {
			rej := reject(http.StatusUnprocessableEntity, "duplicate_metric", "metric repeated within payload: "+s.MetricName)
			e.audit(ctx, p, rej)
			return nil, rej
		}
		seen[s.MetricName] = struct{}{}

		rule, ok := e.taxonomy.Lookup(s.MetricName)
		if !ok {
			rej := reject(http.StatusUnprocessableEntity, RejectionReasonUnknown, "metric not in taxonomy: "+s.MetricName)
			e.audit(ctx, p, rej)
			return nil, rej
		}
		value, reason := rule.Normalise(s.Unit, s.Value)
		if reason != "" {
			rej := reject(http.StatusUnprocessableEntity, reason, "sample "+s.MetricName)
			e.audit(ctx, p, rej)
			return nil, rej
		}
		s.Value = value
		normalised = append(normalised, s)
	}

	first, err := e.replays.FirstSeen(ctx, "telemetry:"+p.PayloadID)
	if err != nil {
		rej := reject(http.StatusServiceUnavailable, "ingest_failed", "replay registry unavailable")
		e.audit(ctx, p, rej)
		return nil, rej
	}
	if !first {
		rej := reject(http.StatusConflict, RejectionReasonReplayed, "payload_id already ingested")
		e.audit(ctx, p, rej)
		return nil, rej
	}

	if err := e.store.AppendSamples(ctx, p.TenantID, p.AssetID, normalised); err != nil {
		rej := reject(http.StatusServiceUnavailable, "ingest_failed", "sample store unavailable")
		e.audit(ctx, p, rej)
		return nil, rej
	}

	// Baseline updates follow payload order; the per-key lock inside the
	// registry linearises concurrent payloads for the same metric.
	result := &IngestResult{PayloadID: p.PayloadID, Accepted: len(normalised), Anomalies: []Anomaly{}}
	for _, s := range normalised {
		mean, _, _ := e.baselines.Stats(p.AssetID, s.MetricName)
		deviation, anomalous := e.baselines.Observe(p.AssetID, s.MetricName, s.Value, e.threshold)
		if !anomalous {
			continue
		}
		anomaly := Anomaly{
			AnomalyID:           e.newID(),
			AssetID:             p.AssetID,
			MetricName:          s.MetricName,
			ObservedAt:          s.ObservedAt,
			Value:               s.Value,
			BaselineMean:        mean,
			DeviationMultiplier: deviation,
			Status:              "open",
		}
		if err := e.store.AppendAnomaly(ctx, anomaly); err != nil {
			e.logger.WarnContext(ctx, "anomaly write failed", "asset_id", p.AssetID, "metric", s.MetricName, "error", err)
			continue
		}
		result.Anomalies = append(result.Anomalies, anomaly)
	}

	e.logger.InfoContext(ctx, "telemetry accepted",
		"payload_id", p.PayloadID, "asset_id", p.AssetID,
		"samples", result.Accepted, "anomalies", len(result.Anomalies))
	return result, nil
}

func (e *Engine) validate(p *Payload) *Rejection {
	now := e.clock().UTC()

	if len(p.Samples) > e.maxSamples {
		return reject(http.StatusRequestEntityTooLarge, "payload_too_large",
			fmt.Sprintf("samples %d exceed limit %d", len(p.Samples), e.maxSamples))
	}
	age := now.Sub(p.CollectedAt)
	if age > time.Duration(e.staleSeconds)*time.Second {
		return reject(http.StatusUnprocessableEntity, "payload_stale", "collected_at too old")
	}
	if -age > time.Duration(e.futureSeconds)*time.Second {
		return reject(http.StatusUnprocessableEntity, "payload_in_future", "collected_at ahead of server clock")
	}
	if p.SchemaVersion != SupportedSchemaVersion {
		return reject(http.StatusUnprocessableEntity, "schema_version_unsupported", "unsupported schema_version: "+p.SchemaVersion)
	}
	if len(p.Samples) == 0 {
		return reject(http.StatusUnprocessableEntity, "samples_required", "payload carries no samples")
	}
	for _, s := range p.Samples {
		sampleAge := now.Sub(s.ObservedAt)
		if sampleAge > time.Duration(e.staleSeconds)*time.Second {
			return reject(http.StatusUnprocessableEntity, "sample_stale", "sample observed_at too old: "+s.MetricName)
		}
		if -sampleAge > time.Duration(e.futureSeconds)*time.Second {
			return reject(http.StatusUnprocessableEntity, "sample_in_future", "sample observed_at ahead of server clock: "+s.MetricName)
		}
	}
	return nil
}

func (e *Engine) audit(ctx context.Context, p *Payload, rej *Rejection) {
	if err := e.store.AuditRejection(ctx, p.TenantID, p.AssetID, p.PayloadID, rej.Code, rej.Detail); err != nil {
		e.logger.WarnContext(ctx, "rejection audit write failed", "payload_id", p.PayloadID, "error", err)
	}
}
