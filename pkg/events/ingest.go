package events

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/canonicalize"
	"github.com/Mindburn-Labs/warden/pkg/replay"
)

// Store persists accepted events and ingest bookkeeping.
type Store interface {
	AppendEvents(ctx context.Context, events []StoredEvent) error
	RecordGap(ctx context.Context, g Gap) error
	RecordDrift(ctx context.Context, d Drift) error
	WriteBatchLog(ctx context.Context, l BatchLog) error
	// LastSequence returns the highest accepted sequence_number for the
	// partition, or 0 when none.
	LastSequence(ctx context.Context, assetID, sourceModule string) (int64, error)
	SetLastSequence(ctx context.Context, assetID, sourceModule string, seq int64) error
}

// Archiver receives accepted events after the primary append. Archival is
// best-effort; failures are logged and never surfaced to the agent.
type Archiver interface {
	Archive(ctx context.Context, events []StoredEvent) error
}

// Ingestor runs the batch intake pipeline. Sequence comparison is serialised
// per (asset_id, source_module) partition; ordering across batches is carried
// by sequence_number, not receive order.
type Ingestor struct {
	store   Store
	replays replay.Registry
	archive Archiver
	logger  *slog.Logger
	clock   func() time.Time

	maxBatch      int
	staleSeconds  int
	futureSeconds int
	driftSeconds  int

	partitionMu sync.Mutex
	partitions  map[string]*sync.Mutex
}

// IngestorOption configures an Ingestor.
type IngestorOption func(*Ingestor)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) IngestorOption {
	return func(i *Ingestor) { i.clock = clock }
}

// WithArchive attaches a secondary event archive.
func WithArchive(a Archiver) IngestorOption {
	return func(i *Ingestor) { i.archive = a }
}

// WithLimits overrides the intake bounds.
func WithLimits(maxBatch, staleSeconds, futureSeconds, driftSeconds int) IngestorOption {
	return func(i *Ingestor) {
		i.maxBatch = maxBatch
		i.staleSeconds = staleSeconds
		i.futureSeconds = futureSeconds
		i.driftSeconds = driftSeconds
	}
}

// NewIngestor wires an event ingestor.
func NewIngestor(store Store, replays replay.Registry, opts ...IngestorOption) *Ingestor {
	i := &Ingestor{
		store:         store,
		replays:       replays,
		logger:        slog.Default().With("component", "events"),
		clock:         time.Now,
		maxBatch:      DefaultMaxBatchEvents,
		staleSeconds:  DefaultStaleSeconds,
		futureSeconds: DefaultFutureSeconds,
		driftSeconds:  DefaultDriftSeconds,
		partitions:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Ingestor) partition(assetID, sourceModule string) *sync.Mutex {
	key := assetID + "|" + sourceModule
	i.partitionMu.Lock()
	defer i.partitionMu.Unlock()
	mu, ok := i.partitions[key]
	if !ok {
		mu = &sync.Mutex{}
		i.partitions[key] = mu
	}
	return mu
}

func batchReject(status int, code, detail string) *BatchRejection {
	return &BatchRejection{Code: code, Detail: detail, Status: status}
}

// Ingest processes a verified batch. A batch log row is written for every
// outcome, carrying the reject reason when the batch is refused.
func (i *Ingestor) Ingest(ctx context.Context, b *Batch) (*Response, *BatchRejection) {
	// Replay check runs before validation so a replayed payload never
	// produces divergent errors between attempts.
	first, err := i.replays.FirstSeen(ctx, "events:"+b.PayloadID)
	if err != nil {
		rej := batchReject(http.StatusServiceUnavailable, "ingest_failed", "replay registry unavailable")
		i.logBatch(ctx, b, StatusRejected, 0, 0, rej.Code)
		return nil, rej
	}
	if !first {
		rej := batchReject(http.StatusConflict, "payload_replay", "payload_id already ingested")
		i.logBatch(ctx, b, StatusRejected, 0, 0, rej.Code)
		return nil, rej
	}

	if rej := i.validateBatch(b); rej != nil {
		i.logBatch(ctx, b, StatusRejected, 0, len(b.Events), rej.Code)
		return nil, rej
	}

	resp := &Response{Gaps: []Gap{}, Drifts: []Drift{}}
	now := i.clock().UTC()
	accepted := make([]StoredEvent, 0, len(b.Events))

	for _, ev := range b.Events {
		if reason := i.checkEventTimestamp(ev, now); reason != "" {
			resp.Rejected++
			resp.Failures = append(resp.Failures, EventRejection{EventID: ev.EventID, Reason: reason})
			continue
		}

		drift := now.Sub(ev.TimestampLocal)
		if drift < 0 {
			drift = -drift
		}
		if drift > time.Duration(i.driftSeconds)*time.Second {
			d := Drift{
				AssetID:        ev.AssetID,
				SourceModule:   ev.SourceModule,
				EventID:        ev.EventID,
				DriftAmount:    drift,
				DriftSeconds:   drift.Seconds(),
				TimestampLocal: ev.TimestampLocal,
			}
			if err := i.store.RecordDrift(ctx, d); err != nil {
				i.logger.WarnContext(ctx, "drift record failed", "event_id", ev.EventID, "error", err)
			} else {
				resp.Drifts = append(resp.Drifts, d)
			}
		}

		if gap := i.trackSequence(ctx, ev); gap != nil {
			resp.Gaps = append(resp.Gaps, *gap)
		}

		accepted = append(accepted, StoredEvent{Event: ev, TimestampReceived: now})
	}

	if len(accepted) > 0 {
		if err := i.store.AppendEvents(ctx, accepted); err != nil {
			i.logger.ErrorContext(ctx, "event append failed", "payload_id", b.PayloadID, "error", err)
			rej := batchReject(http.StatusServiceUnavailable, "ingest_failed", "event store unavailable")
			i.logBatch(ctx, b, StatusRejected, 0, len(b.Events), rej.Code)
			return nil, rej
		}
		if i.archive != nil {
			if err := i.archive.Archive(ctx, accepted); err != nil {
				i.logger.WarnContext(ctx, "event archive failed", "payload_id", b.PayloadID, "error", err)
			}
		}
	}
	resp.Accepted = len(accepted)

	resp.Status = StatusAccepted
	if resp.Rejected > 0 {
		resp.Status = StatusPartial
	}
	i.logBatch(ctx, b, resp.Status, resp.Accepted, resp.Rejected, "")

	i.logger.InfoContext(ctx, "event batch ingested",
		"payload_id", b.PayloadID, "asset_id", b.AssetID,
		"status", resp.Status, "accepted", resp.Accepted, "rejected", resp.Rejected,
		"gaps", len(resp.Gaps), "drifts", len(resp.Drifts))
	return resp, nil
}

func (i *Ingestor) validateBatch(b *Batch) *BatchRejection {
	if b.SchemaVersion != SupportedSchemaVersion {
		return batchReject(http.StatusUnprocessableEntity, "schema_version_unsupported", "unsupported schema_version: "+b.SchemaVersion)
	}
	if len(b.Events) == 0 {
		return batchReject(http.StatusUnprocessableEntity, "events_required", "batch carries no events")
	}
	if len(b.Events) > i.maxBatch {
		return batchReject(http.StatusRequestEntityTooLarge, "event_batch_too_large",
			fmt.Sprintf("events %d exceed limit %d", len(b.Events), i.maxBatch))
	}
	for _, ev := range b.Events {
		if _, ok := ValidCategories[ev.EventCategory]; !ok {
			return batchReject(http.StatusUnprocessableEntity, "unsupported_event_category", "category: "+ev.EventCategory)
		}
		if len(ev.Payload) == 0 {
			return batchReject(http.StatusUnprocessableEntity, "payload_required", "event "+ev.EventID+" has no payload")
		}
		computed, err := canonicalize.HashRawJSON(ev.Payload)
		if err != nil {
			return batchReject(http.StatusUnprocessableEntity, "payload_not_json", "event "+ev.EventID)
		}
		if computed != ev.PayloadHash {
			return batchReject(http.StatusUnprocessableEntity, "payload_hash_mismatch", "event "+ev.EventID)
		}
	}
	return nil
}

func (i *Ingestor) checkEventTimestamp(ev Event, now time.Time) string {
	age := now.Sub(ev.TimestampLocal)
	if age > time.Duration(i.staleSeconds)*time.Second {
		return "event_stale"
	}
	if -age > time.Duration(i.futureSeconds)*time.Second {
		return "event_in_future"
	}
	return ""
}

// trackSequence compares and advances the per-partition sequence under the
// partition lock. Regressions and repeats advance nothing and record nothing;
// only forward jumps greater than 1 produce a gap.
func (i *Ingestor) trackSequence(ctx context.Context, ev Event) *Gap {
	mu := i.partition(ev.AssetID, ev.SourceModule)
	mu.Lock()
	defer mu.Unlock()

	last, err := i.store.LastSequence(ctx, ev.AssetID, ev.SourceModule)
	if err != nil {
		i.logger.WarnContext(ctx, "sequence lookup failed", "asset_id", ev.AssetID, "error", err)
		return nil
	}
	if ev.SequenceNumber <= last {
		return nil
	}

	var gap *Gap
	if last > 0 && ev.SequenceNumber-last > 1 {
		gap = &Gap{
			AssetID:          ev.AssetID,
			SourceModule:     ev.SourceModule,
			LastSeenSequence: last,
			NewSequence:      ev.SequenceNumber,
			GapSize:          ev.SequenceNumber - last - 1,
		}
		if err := i.store.RecordGap(ctx, *gap); err != nil {
			i.logger.WarnContext(ctx, "gap record failed", "asset_id", ev.AssetID, "error", err)
			gap = nil
		}
	}
	if err := i.store.SetLastSequence(ctx, ev.AssetID, ev.SourceModule, ev.SequenceNumber); err != nil {
		i.logger.WarnContext(ctx, "sequence advance failed", "asset_id", ev.AssetID, "error", err)
	}
	return gap
}

func (i *Ingestor) logBatch(ctx context.Context, b *Batch, status string, accepted, rejected int, rejectReason string) {
	l := BatchLog{
		PayloadID:    b.PayloadID,
		TenantID:     b.TenantID,
		AssetID:      b.AssetID,
		Status:       status,
		Accepted:     accepted,
		Rejected:     rejected,
		RejectReason: rejectReason,
		ReceivedAt:   i.clock().UTC(),
	}
	if err := i.store.WriteBatchLog(ctx, l); err != nil {
		i.logger.WarnContext(ctx, "batch log write failed", "payload_id", b.PayloadID, "error", err)
	}
}
