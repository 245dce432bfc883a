package truststore

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// SQLitePersister stores certificates in the identity schema.
type SQLitePersister struct {
	db *sql.DB
}

// NewSQLitePersister creates the persister and runs migrations.
func NewSQLitePersister(db *sql.DB) (*SQLitePersister, error) {
	p := &SQLitePersister{db: db}
	if err := p.migrate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *SQLitePersister) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS certificates (
		fingerprint_sha256 TEXT PRIMARY KEY,
		identity_id TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		revoked_at TEXT,
		revocation_reason TEXT
	);`
	_, err := p.db.ExecContext(context.Background(), query)
	return err
}

// SaveCertificate upserts one certificate row.
func (p *SQLitePersister) SaveCertificate(ctx context.Context, cert Certificate) error {
	var revokedAt sql.NullString
	if cert.RevokedAt != nil {
		revokedAt = sql.NullString{String: cert.RevokedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO certificates (fingerprint_sha256, identity_id, issued_at, expires_at, revoked_at, revocation_reason)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint_sha256) DO UPDATE SET
			revoked_at = excluded.revoked_at,
			revocation_reason = excluded.revocation_reason`,
		cert.FingerprintSHA256,
		cert.IdentityID,
		cert.IssuedAt.UTC().Format(time.RFC3339Nano),
		cert.ExpiresAt.UTC().Format(time.RFC3339Nano),
		revokedAt,
		cert.RevocationReason,
	)
	return err
}

// LoadCertificates returns every certificate row.
func (p *SQLitePersister) LoadCertificates(ctx context.Context) ([]Certificate, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT fingerprint_sha256, identity_id, issued_at, expires_at, revoked_at, revocation_reason
		FROM certificates`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var certs []Certificate
	for rows.Next() {
		var (
			c          Certificate
			issuedAt   string
			expiresAt  string
			revokedAt  sql.NullString
			revocation sql.NullString
		)
		if err := rows.Scan(&c.FingerprintSHA256, &c.IdentityID, &issuedAt, &expiresAt, &revokedAt, &revocation); err != nil {
			return nil, err
		}
		if c.IssuedAt, err = time.Parse(time.RFC3339Nano, issuedAt); err != nil {
			return nil, err
		}
		if c.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
			return nil, err
		}
		if revokedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, revokedAt.String)
			if err != nil {
				return nil, err
			}
			c.RevokedAt = &t
		}
		if revocation.Valid {
			c.RevocationReason = revocation.String
		}
		certs = append(certs, c)
	}
	return certs, rows.Err()
}
