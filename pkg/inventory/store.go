package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed inventory schema.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// NewStore creates the store and runs migrations.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("inventory migrate: %w", err)
	}
	return s, nil
}

// WithClock overrides the clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS assets (
			asset_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			hostname TEXT NOT NULL DEFAULT '',
			asset_type TEXT NOT NULL DEFAULT 'unknown',
			last_seen_at TEXT NOT NULL,
			trust_state TEXT NOT NULL DEFAULT 'unknown',
			risk_score REAL NOT NULL DEFAULT 0,
			blocked INTEGER NOT NULL DEFAULT 0,
			block_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assets_tenant ON assets (tenant_id, last_seen_at)`,
		`CREATE TABLE IF NOT EXISTS inventory_hardware (
			asset_id TEXT PRIMARY KEY,
			manufacturer TEXT, model TEXT, serial_number TEXT,
			cpu_model TEXT, cpu_cores INTEGER, memory_mb INTEGER, disk_total_mb INTEGER,
			collected_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS inventory_os (
			asset_id TEXT PRIMARY KEY,
			name TEXT, version TEXT, build TEXT, architecture TEXT, kernel_version TEXT,
			last_boot_at TEXT, collected_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS inventory_software (
			asset_id TEXT NOT NULL,
			name TEXT NOT NULL, version TEXT, vendor TEXT, installed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_software_asset ON inventory_software (asset_id)`,
		`CREATE TABLE IF NOT EXISTS inventory_users (
			asset_id TEXT NOT NULL,
			username TEXT NOT NULL, uid TEXT, home_dir TEXT, shell TEXT,
			is_admin INTEGER NOT NULL DEFAULT 0, is_disabled INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_asset ON inventory_users (asset_id)`,
		`CREATE TABLE IF NOT EXISTS inventory_groups (
			asset_id TEXT NOT NULL,
			name TEXT NOT NULL, gid TEXT, members TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_groups_asset ON inventory_groups (asset_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeHostname lowercases and NFC-normalises a reported hostname so the
// same machine reported by different agent builds collapses to one value.
func NormalizeHostname(hostname string) string {
	folded := cases.Fold().String(strings.TrimSpace(hostname))
	return norm.NFC.String(folded)
}

// EnsureAsset creates a minimal asset row if missing and advances
// last_seen_at monotonically. Returns the current asset state.
func (s *Store) EnsureAsset(ctx context.Context, tenantID, assetID, hostname string, seenAt time.Time) (*Asset, error) {
	seen := seenAt.UTC()
	host := NormalizeHostname(hostname)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assets (asset_id, tenant_id, hostname, asset_type, last_seen_at, trust_state)
		VALUES (?, ?, ?, 'unknown', ?, 'unknown')
		ON CONFLICT(asset_id) DO UPDATE SET
			hostname = CASE WHEN excluded.hostname != '' THEN excluded.hostname ELSE assets.hostname END,
			last_seen_at = MAX(assets.last_seen_at, excluded.last_seen_at)`,
		assetID, tenantID, host, seen.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("ensure asset: %w", err)
	}
	return s.GetAsset(ctx, assetID)
}

// GetAsset returns one asset by id.
func (s *Store) GetAsset(ctx context.Context, assetID string) (*Asset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT asset_id, tenant_id, hostname, asset_type, last_seen_at, trust_state, risk_score, blocked, block_reason
		FROM assets WHERE asset_id = ?`, assetID)
	return scanAsset(row)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanAsset(row rowScanner) (*Asset, error) {
	var (
		a        Asset
		lastSeen string
		blocked  int
	)
	err := row.Scan(&a.AssetID, &a.TenantID, &a.Hostname, &a.AssetType, &lastSeen, &a.TrustState, &a.RiskScore, &blocked, &a.BlockReason)
	if err == sql.ErrNoRows {
		return nil, ErrAssetNotFound
	}
	if err != nil {
		return nil, err
	}
	if a.LastSeenAt, err = time.Parse(time.RFC3339Nano, lastSeen); err != nil {
		return nil, err
	}
	a.Blocked = blocked != 0
	return &a, nil
}

// ListAssets returns a page of assets ordered by last_seen_at descending.
func (s *Store) ListAssets(ctx context.Context, filter ListFilter) ([]Asset, error) {
	query := `
		SELECT asset_id, tenant_id, hostname, asset_type, last_seen_at, trust_state, risk_score, blocked, block_reason
		FROM assets WHERE 1=1`
	args := []any{}
	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if !filter.Since.IsZero() {
		query += ` AND last_seen_at >= ?`
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += ` ORDER BY last_seen_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var assets []Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, *a)
	}
	return assets, rows.Err()
}

// SetBlocked marks an asset patch-blocked with a reason. Used by the patch
// orchestrator inside its result transaction via SetBlockedTx.
func (s *Store) SetBlocked(ctx context.Context, assetID, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assets SET blocked = 1, block_reason = ? WHERE asset_id = ?`, reason, assetID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// SetBlockedTx is SetBlocked inside an existing transaction.
func (s *Store) SetBlockedTx(ctx context.Context, tx *sql.Tx, assetID, reason string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE assets SET blocked = 1, block_reason = ? WHERE asset_id = ?`, reason, assetID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// Unblock clears the patch-blocked state.
func (s *Store) Unblock(ctx context.Context, assetID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assets SET blocked = 0, block_reason = '' WHERE asset_id = ?`, assetID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// SetTrustState updates the asset posture label.
func (s *Store) SetTrustState(ctx context.Context, assetID, trustState string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assets SET trust_state = ? WHERE asset_id = ?`, trustState, assetID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// SetRiskScore updates the upstream risk signal for an asset.
func (s *Store) SetRiskScore(ctx context.Context, assetID string, score float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assets SET risk_score = ? WHERE asset_id = ?`, score, assetID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAssetNotFound
	}
	return nil
}

// DB exposes the underlying handle for compound transactions owned by other
// subsystems (patch result recording).
func (s *Store) DB() *sql.DB { return s.db }

// UpsertHardware replaces the hardware row for an asset.
func (s *Store) UpsertHardware(ctx context.Context, tenantID, assetID string, hw HardwareSnapshot) error {
	if _, err := s.EnsureAsset(ctx, tenantID, assetID, "", hw.CollectedAt); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_hardware (asset_id, manufacturer, model, serial_number, cpu_model, cpu_cores, memory_mb, disk_total_mb, collected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(asset_id) DO UPDATE SET
			manufacturer=excluded.manufacturer, model=excluded.model, serial_number=excluded.serial_number,
			cpu_model=excluded.cpu_model, cpu_cores=excluded.cpu_cores, memory_mb=excluded.memory_mb,
			disk_total_mb=excluded.disk_total_mb, collected_at=excluded.collected_at`,
		assetID, hw.Manufacturer, hw.Model, hw.SerialNumber, hw.CPUModel, hw.CPUCores, hw.MemoryMB, hw.DiskTotalMB,
		hw.CollectedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// UpsertOS replaces the OS row for an asset.
func (s *Store) UpsertOS(ctx context.Context, tenantID, assetID string, osSnap OSSnapshot) error {
	if _, err := s.EnsureAsset(ctx, tenantID, assetID, "", osSnap.CollectedAt); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_os (asset_id, name, version, build, architecture, kernel_version, last_boot_at, collected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(asset_id) DO UPDATE SET
			name=excluded.name, version=excluded.version, build=excluded.build,
			architecture=excluded.architecture, kernel_version=excluded.kernel_version,
			last_boot_at=excluded.last_boot_at, collected_at=excluded.collected_at`,
		assetID, osSnap.Name, osSnap.Version, osSnap.Build, osSnap.Architecture, osSnap.KernelVer,
		osSnap.LastBootAt.UTC().Format(time.RFC3339Nano), osSnap.CollectedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// ReplaceSoftware atomically replaces the software set for an asset. The
// payload is the complete authoritative snapshot; no merging.
func (s *Store) ReplaceSoftware(ctx context.Context, tenantID, assetID string, collectedAt time.Time, packages []SoftwarePackage) error {
	if _, err := s.EnsureAsset(ctx, tenantID, assetID, "", collectedAt); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM inventory_software WHERE asset_id = ?`, assetID); err != nil {
		return err
	}
	for _, p := range packages {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO inventory_software (asset_id, name, version, vendor, installed_at) VALUES (?, ?, ?, ?, ?)`,
			assetID, p.Name, p.Version, p.Vendor, p.InstalledAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ReplaceUsers atomically replaces the user account set for an asset.
func (s *Store) ReplaceUsers(ctx context.Context, tenantID, assetID string, collectedAt time.Time, users []UserAccount) error {
	if _, err := s.EnsureAsset(ctx, tenantID, assetID, "", collectedAt); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM inventory_users WHERE asset_id = ?`, assetID); err != nil {
		return err
	}
	for _, u := range users {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO inventory_users (asset_id, username, uid, home_dir, shell, is_admin, is_disabled) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			assetID, u.Username, u.UID, u.HomeDir, u.Shell, boolInt(u.IsAdmin), boolInt(u.IsDisabled)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ReplaceGroups atomically replaces the group set for an asset.
func (s *Store) ReplaceGroups(ctx context.Context, tenantID, assetID string, collectedAt time.Time, groups []UserGroup) error {
	if _, err := s.EnsureAsset(ctx, tenantID, assetID, "", collectedAt); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM inventory_groups WHERE asset_id = ?`, assetID); err != nil {
		return err
	}
	for _, g := range groups {
		members, err := json.Marshal(g.Members)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO inventory_groups (asset_id, name, gid, members) VALUES (?, ?, ?, ?)`,
			assetID, g.Name, g.GID, string(members)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Snapshot assembles all five categories for one asset.
func (s *Store) Snapshot(ctx context.Context, assetID string) (*Snapshot, error) {
	asset, err := s.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Asset:    *asset,
		Software: []SoftwarePackage{},
		Users:    []UserAccount{},
		Groups:   []UserGroup{},
	}

	hw, err := s.hardware(ctx, assetID)
	if err != nil {
		return nil, err
	}
	snap.Hardware = hw

	osSnap, err := s.operatingSystem(ctx, assetID)
	if err != nil {
		return nil, err
	}
	snap.OS = osSnap

	if snap.Software, err = s.software(ctx, assetID); err != nil {
		return nil, err
	}
	if snap.Users, err = s.users(ctx, assetID); err != nil {
		return nil, err
	}
	if snap.Groups, err = s.groups(ctx, assetID); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) hardware(ctx context.Context, assetID string) (*HardwareSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT manufacturer, model, serial_number, cpu_model, cpu_cores, memory_mb, disk_total_mb, collected_at
		FROM inventory_hardware WHERE asset_id = ?`, assetID)
	var (
		hw          HardwareSnapshot
		collectedAt string
	)
	err := row.Scan(&hw.Manufacturer, &hw.Model, &hw.SerialNumber, &hw.CPUModel, &hw.CPUCores, &hw.MemoryMB, &hw.DiskTotalMB, &collectedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if hw.CollectedAt, err = time.Parse(time.RFC3339Nano, collectedAt); err != nil {
		return nil, err
	}
	return &hw, nil
}

func (s *Store) operatingSystem(ctx context.Context, assetID string) (*OSSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, version, build, architecture, kernel_version, last_boot_at, collected_at
		FROM inventory_os WHERE asset_id = ?`, assetID)
	var (
		o                     OSSnapshot
		lastBoot, collectedAt string
	)
	err := row.Scan(&o.Name, &o.Version, &o.Build, &o.Architecture, &o.KernelVer, &lastBoot, &collectedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if o.LastBootAt, err = time.Parse(time.RFC3339Nano, lastBoot); err != nil {
		return nil, err
	}
	if o.CollectedAt, err = time.Parse(time.RFC3339Nano, collectedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) software(ctx context.Context, assetID string) ([]SoftwarePackage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, version, vendor, installed_at FROM inventory_software WHERE asset_id = ? ORDER BY name`, assetID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []SoftwarePackage{}
	for rows.Next() {
		var p SoftwarePackage
		if err := rows.Scan(&p.Name, &p.Version, &p.Vendor, &p.InstalledAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) users(ctx context.Context, assetID string) ([]UserAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username, uid, home_dir, shell, is_admin, is_disabled FROM inventory_users WHERE asset_id = ? ORDER BY username`, assetID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []UserAccount{}
	for rows.Next() {
		var (
			u                 UserAccount
			isAdmin, disabled int
		)
		if err := rows.Scan(&u.Username, &u.UID, &u.HomeDir, &u.Shell, &isAdmin, &disabled); err != nil {
			return nil, err
		}
		u.IsAdmin = isAdmin != 0
		u.IsDisabled = disabled != 0
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) groups(ctx context.Context, assetID string) ([]UserGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, gid, members FROM inventory_groups WHERE asset_id = ? ORDER BY name`, assetID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []UserGroup{}
	for rows.Next() {
		var (
			g       UserGroup
			members string
		)
		if err := rows.Scan(&g.Name, &g.GID, &members); err != nil {
			return nil, err
		}
		if members != "" {
			if err := json.Unmarshal([]byte(members), &g.Members); err != nil {
				return nil, err
			}
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
