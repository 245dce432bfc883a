package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists samples, anomalies and the rejection audit in the
// telemetry schema.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("telemetry migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS telemetry_samples (
			tenant_id TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			metric_name TEXT NOT NULL,
			unit TEXT NOT NULL,
			value REAL NOT NULL,
			observed_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_asset_metric ON telemetry_samples (asset_id, metric_name, observed_at)`,
		`CREATE TABLE IF NOT EXISTS telemetry_anomalies (
			anomaly_id TEXT PRIMARY KEY,
			asset_id TEXT NOT NULL,
			metric_name TEXT NOT NULL,
			observed_at TEXT NOT NULL,
			value REAL NOT NULL,
			baseline_mean REAL NOT NULL,
			deviation_multiplier REAL NOT NULL,
			status TEXT NOT NULL DEFAULT 'open'
		)`,
		`CREATE TABLE IF NOT EXISTS telemetry_rejections (
			tenant_id TEXT,
			asset_id TEXT,
			payload_id TEXT,
			code TEXT NOT NULL,
			detail TEXT,
			rejected_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return err
		}
	}
	return nil
}

// AppendSamples writes a normalised batch in one transaction.
func (s *SQLiteStore) AppendSamples(ctx context.Context, tenantID, assetID string, samples []Sample) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, sm := range samples {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO telemetry_samples (tenant_id, asset_id, metric_name, unit, value, observed_at) VALUES (?, ?, ?, ?, ?, ?)`,
			tenantID, assetID, sm.MetricName, sm.Unit, sm.Value, sm.ObservedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AppendAnomaly records one emitted anomaly.
func (s *SQLiteStore) AppendAnomaly(ctx context.Context, a Anomaly) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO telemetry_anomalies (anomaly_id, asset_id, metric_name, observed_at, value, baseline_mean, deviation_multiplier, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AnomalyID, a.AssetID, a.MetricName, a.ObservedAt.UTC().Format(time.RFC3339Nano),
		a.Value, a.BaselineMean, a.DeviationMultiplier, a.Status)
	return err
}

// AuditRejection records one rejected payload.
func (s *SQLiteStore) AuditRejection(ctx context.Context, tenantID, assetID, payloadID, code, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO telemetry_rejections (tenant_id, asset_id, payload_id, code, detail, rejected_at) VALUES (?, ?, ?, ?, ?, ?)`,
		tenantID, assetID, payloadID, code, detail, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// AcknowledgeAnomaly moves an open anomaly to acknowledged.
func (s *SQLiteStore) AcknowledgeAnomaly(ctx context.Context, anomalyID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE telemetry_anomalies SET status = 'acknowledged' WHERE anomaly_id = ? AND status = 'open'`, anomalyID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("anomaly %s not open", anomalyID)
	}
	return nil
}

// ListAnomalies returns anomalies for an asset, newest first.
func (s *SQLiteStore) ListAnomalies(ctx context.Context, assetID string, limit int) ([]Anomaly, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT anomaly_id, asset_id, metric_name, observed_at, value, baseline_mean, deviation_multiplier, status
		FROM telemetry_anomalies WHERE asset_id = ? ORDER BY observed_at DESC LIMIT ?`, assetID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Anomaly
	for rows.Next() {
		var (
			a          Anomaly
			observedAt string
		)
		if err := rows.Scan(&a.AnomalyID, &a.AssetID, &a.MetricName, &observedAt, &a.Value, &a.BaselineMean, &a.DeviationMultiplier, &a.Status); err != nil {
			return nil, err
		}
		if a.ObservedAt, err = time.Parse(time.RFC3339Nano, observedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountSamples returns the number of stored samples for (asset, metric).
func (s *SQLiteStore) CountSamples(ctx context.Context, assetID, metricName string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM telemetry_samples WHERE asset_id = ? AND metric_name = ?`, assetID, metricName).Scan(&n)
	return n, err
}
