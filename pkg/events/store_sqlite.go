package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the primary event schema.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("events migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			event_category TEXT NOT NULL,
			event_type TEXT NOT NULL,
			sequence_number INTEGER NOT NULL,
			timestamp_local TEXT NOT NULL,
			timestamp_received TEXT NOT NULL,
			payload TEXT NOT NULL,
			payload_hash TEXT NOT NULL,
			severity TEXT,
			source_module TEXT NOT NULL,
			trust_level TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_partition ON events (asset_id, source_module, sequence_number)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events (asset_id, event_type, timestamp_local)`,
		`CREATE TABLE IF NOT EXISTS event_gaps (
			asset_id TEXT NOT NULL,
			source_module TEXT NOT NULL,
			last_seen_sequence INTEGER NOT NULL,
			new_sequence INTEGER NOT NULL,
			gap_size INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS event_drifts (
			asset_id TEXT NOT NULL,
			source_module TEXT NOT NULL,
			event_id TEXT NOT NULL,
			drift_seconds REAL NOT NULL,
			timestamp_local TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS event_sequences (
			asset_id TEXT NOT NULL,
			source_module TEXT NOT NULL,
			last_sequence INTEGER NOT NULL,
			PRIMARY KEY (asset_id, source_module)
		)`,
		`CREATE TABLE IF NOT EXISTS event_batch_log (
			payload_id TEXT NOT NULL,
			tenant_id TEXT,
			asset_id TEXT,
			status TEXT NOT NULL,
			accepted INTEGER NOT NULL,
			rejected INTEGER NOT NULL,
			reject_reason TEXT,
			received_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return err
		}
	}
	return nil
}

// AppendEvents writes accepted events in one transaction.
func (s *SQLiteStore) AppendEvents(ctx context.Context, events []StoredEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, ev := range events {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (event_id, tenant_id, asset_id, event_category, event_type, sequence_number,
				timestamp_local, timestamp_received, payload, payload_hash, severity, source_module, trust_level)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.EventID, ev.TenantID, ev.AssetID, ev.EventCategory, ev.EventType, ev.SequenceNumber,
			ev.TimestampLocal.UTC().Format(time.RFC3339Nano), ev.TimestampReceived.UTC().Format(time.RFC3339Nano),
			string(ev.Payload), ev.PayloadHash, ev.Severity, ev.SourceModule, ev.TrustLevel); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecordGap records one sequence gap.
func (s *SQLiteStore) RecordGap(ctx context.Context, g Gap) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_gaps (asset_id, source_module, last_seen_sequence, new_sequence, gap_size, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		g.AssetID, g.SourceModule, g.LastSeenSequence, g.NewSequence, g.GapSize,
		time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// RecordDrift records one clock-drift observation.
func (s *SQLiteStore) RecordDrift(ctx context.Context, d Drift) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_drifts (asset_id, source_module, event_id, drift_seconds, timestamp_local, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.AssetID, d.SourceModule, d.EventID, d.DriftSeconds,
		d.TimestampLocal.UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// WriteBatchLog appends one batch outcome row.
func (s *SQLiteStore) WriteBatchLog(ctx context.Context, l BatchLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_batch_log (payload_id, tenant_id, asset_id, status, accepted, rejected, reject_reason, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.PayloadID, l.TenantID, l.AssetID, l.Status, l.Accepted, l.Rejected, l.RejectReason,
		l.ReceivedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// LastSequence returns the tracked sequence for a partition, 0 when unseen.
func (s *SQLiteStore) LastSequence(ctx context.Context, assetID, sourceModule string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sequence FROM event_sequences WHERE asset_id = ? AND source_module = ?`,
		assetID, sourceModule).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

// SetLastSequence advances the tracked sequence for a partition.
func (s *SQLiteStore) SetLastSequence(ctx context.Context, assetID, sourceModule string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_sequences (asset_id, source_module, last_sequence) VALUES (?, ?, ?)
		ON CONFLICT(asset_id, source_module) DO UPDATE SET last_sequence = excluded.last_sequence`,
		assetID, sourceModule, seq)
	return err
}

// RecentByType returns events for (asset, one of types) within [from, to],
// ordered by timestamp_local ascending. Used by the detection engine's
// sequence matcher.
func (s *SQLiteStore) RecentByType(ctx context.Context, assetID string, eventTypes []string, from, to time.Time) ([]StoredEvent, error) {
	if len(eventTypes) == 0 {
		return nil, nil
	}
	query := `
		SELECT event_id, tenant_id, asset_id, event_category, event_type, sequence_number,
			timestamp_local, timestamp_received, payload, payload_hash, severity, source_module, trust_level
		FROM events WHERE asset_id = ? AND timestamp_local >= ? AND timestamp_local <= ? AND event_type IN (`
	args := []any{assetID, from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano)}
	for idx, et := range eventTypes {
		if idx > 0 {
			query += ","
		}
		query += "?"
		args = append(args, et)
	}
	query += `) ORDER BY timestamp_local ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []StoredEvent
	for rows.Next() {
		ev, err := scanStoredEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// BatchLogs returns the log rows for one payload id.
func (s *SQLiteStore) BatchLogs(ctx context.Context, payloadID string) ([]BatchLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload_id, tenant_id, asset_id, status, accepted, rejected, reject_reason, received_at
		FROM event_batch_log WHERE payload_id = ? ORDER BY received_at ASC`, payloadID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []BatchLog
	for rows.Next() {
		var (
			l          BatchLog
			reason     sql.NullString
			receivedAt string
		)
		if err := rows.Scan(&l.PayloadID, &l.TenantID, &l.AssetID, &l.Status, &l.Accepted, &l.Rejected, &reason, &receivedAt); err != nil {
			return nil, err
		}
		l.RejectReason = reason.String
		if l.ReceivedAt, err = time.Parse(time.RFC3339Nano, receivedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanStoredEvent(rows *sql.Rows) (*StoredEvent, error) {
	var (
		ev                  StoredEvent
		tsLocal, tsReceived string
		payload             string
	)
	if err := rows.Scan(&ev.EventID, &ev.TenantID, &ev.AssetID, &ev.EventCategory, &ev.EventType, &ev.SequenceNumber,
		&tsLocal, &tsReceived, &payload, &ev.PayloadHash, &ev.Severity, &ev.SourceModule, &ev.TrustLevel); err != nil {
		return nil, err
	}
	var err error
	if ev.TimestampLocal, err = time.Parse(time.RFC3339Nano, tsLocal); err != nil {
		return nil, err
	}
	if ev.TimestampReceived, err = time.Parse(time.RFC3339Nano, tsReceived); err != nil {
		return nil, err
	}
	ev.Payload = []byte(payload)
	return &ev, nil
}
