package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresArchive mirrors accepted events into a Postgres archive for
// long-horizon retention. The archive is write-behind: failures are surfaced
// to the caller but the primary SQLite store remains authoritative.
//
// The caller opens the connection with the lib/pq driver registered.
type PostgresArchive struct {
	db *sql.DB
}

// NewPostgresArchive creates the archive and runs migrations.
func NewPostgresArchive(db *sql.DB) (*PostgresArchive, error) {
	a := &PostgresArchive{db: db}
	if err := a.migrate(); err != nil {
		return nil, fmt.Errorf("event archive migrate: %w", err)
	}
	return a, nil
}

func (a *PostgresArchive) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS event_archive (
		event_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		asset_id TEXT NOT NULL,
		event_category TEXT NOT NULL,
		event_type TEXT NOT NULL,
		sequence_number BIGINT NOT NULL,
		timestamp_local TIMESTAMPTZ NOT NULL,
		timestamp_received TIMESTAMPTZ NOT NULL,
		payload JSONB NOT NULL,
		payload_hash TEXT NOT NULL,
		severity TEXT,
		source_module TEXT NOT NULL,
		trust_level TEXT
	)`
	_, err := a.db.ExecContext(context.Background(), query)
	return err
}

// Archive copies a slice of accepted events. Conflicting event_ids are
// skipped so replays of the mirror job stay idempotent.
func (a *PostgresArchive) Archive(ctx context.Context, events []StoredEvent) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO event_archive (event_id, tenant_id, asset_id, event_category, event_type, sequence_number,
			timestamp_local, timestamp_received, payload, payload_hash, severity, source_module, trust_level)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (event_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer func() { _ = stmt.Close() }()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx,
			ev.EventID, ev.TenantID, ev.AssetID, ev.EventCategory, ev.EventType, ev.SequenceNumber,
			ev.TimestampLocal.UTC(), ev.TimestampReceived.UTC(), string(ev.Payload), ev.PayloadHash,
			ev.Severity, ev.SourceModule, ev.TrustLevel); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// CountSince returns archived event volume for capacity checks.
func (a *PostgresArchive) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event_archive WHERE timestamp_received >= $1`, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return n, nil
}
