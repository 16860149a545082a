package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"glowbridge.app/cloud/internal/logger"
	"glowbridge.app/cloud/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStorage is the durable store. Device binding relies on a single
// conditional INSERT inside an immediate transaction, so two concurrent
// activations can never both take the last slot.
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage := &SQLiteStorage{db: db, path: path}
	if err := storage.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return storage, nil
}

func (s *SQLiteStorage) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("prepare migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("prepare migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) GetEntitlement(ctx context.Context, id string) (*models.Entitlement, error) {
	query := `SELECT id, subject, product_id, plan, features, max_devices, issued_at, expires_at, created_at, updated_at
	          FROM entitlements WHERE id = ?`
	return s.scanEntitlement(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStorage) FindEntitlementBySubjectProduct(ctx context.Context, subject, productID string) (*models.Entitlement, error) {
	query := `SELECT id, subject, product_id, plan, features, max_devices, issued_at, expires_at, created_at, updated_at
	          FROM entitlements WHERE subject = ? AND product_id = ?
	          ORDER BY issued_at DESC LIMIT 1`
	return s.scanEntitlement(s.db.QueryRowContext(ctx, query, subject, productID))
}

func (s *SQLiteStorage) scanEntitlement(row *sql.Row) (*models.Entitlement, error) {
	var ent models.Entitlement
	var features string
	var expiresAt sql.NullTime

	err := row.Scan(
		&ent.ID,
		&ent.Subject,
		&ent.ProductID,
		&ent.Plan,
		&features,
		&ent.MaxDevices,
		&ent.IssuedAt,
		&expiresAt,
		&ent.CreatedAt,
		&ent.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if expiresAt.Valid {
		t := expiresAt.Time
		ent.ExpiresAt = &t
	}
	if err := json.Unmarshal([]byte(features), &ent.Features); err != nil {
		return nil, fmt.Errorf("decode features for %s: %w", ent.ID, err)
	}

	return &ent, nil
}

func (s *SQLiteStorage) SaveEntitlement(ctx context.Context, ent *models.Entitlement) error {
	features, err := json.Marshal(models.NormalizeFeatures(ent.Features))
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}

	query := `INSERT OR REPLACE INTO entitlements
	          (id, subject, product_id, plan, features, max_devices, issued_at, expires_at, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var expiresAt interface{}
	if ent.ExpiresAt != nil {
		expiresAt = ent.ExpiresAt.UTC()
	}

	_, err = s.db.ExecContext(ctx, query,
		ent.ID,
		ent.Subject,
		ent.ProductID,
		ent.Plan,
		string(features),
		ent.MaxDevices,
		ent.IssuedAt.UTC(),
		expiresAt,
		ent.CreatedAt.UTC(),
		ent.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save entitlement: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) BindDevice(ctx context.Context, entitlementID, deviceID, deviceName string, maxDevices int) (*models.Device, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin bind transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			logger.Warn("Bind transaction rollback failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	now := time.Now().UTC()

	// Idempotent re-registration: refresh the existing pair in place.
	refresh := `UPDATE devices
	            SET last_seen_at = ?,
	                device_name = CASE WHEN ? = '' THEN device_name ELSE ? END
	            WHERE entitlement_id = ? AND device_id = ?`
	res, err := tx.ExecContext(ctx, refresh, now, deviceName, deviceName, entitlementID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("refresh device binding: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		dev, err := findDeviceTx(ctx, tx, entitlementID, deviceID)
		if err != nil {
			return nil, err
		}
		return dev, tx.Commit()
	}

	// The global UNIQUE(device_id) constraint backs this check; the explicit
	// lookup distinguishes the failure kind from a plain limit overflow.
	var owner string
	err = tx.QueryRowContext(ctx, `SELECT entitlement_id FROM devices WHERE device_id = ?`, deviceID).Scan(&owner)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("check device ownership: %w", err)
	}
	if err == nil && owner != entitlementID {
		return nil, ErrDeviceBoundElsewhere
	}

	// Single-statement check-and-insert: the count condition and the insert
	// are atomic, which is what keeps concurrent activations under the
	// ceiling.
	insert := `INSERT INTO devices (entitlement_id, device_id, device_name, registered_at, last_seen_at)
	           SELECT ?, ?, ?, ?, ?
	           WHERE (SELECT COUNT(*) FROM devices WHERE entitlement_id = ?) < ?`
	res, err = tx.ExecContext(ctx, insert, entitlementID, deviceID, deviceName, now, now, entitlementID, maxDevices)
	if err != nil {
		return nil, fmt.Errorf("insert device binding: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil, ErrDeviceLimit
	}

	dev := &models.Device{
		DeviceID:      deviceID,
		EntitlementID: entitlementID,
		DeviceName:    deviceName,
		RegisteredAt:  now,
		LastSeenAt:    now,
	}
	return dev, tx.Commit()
}

func findDeviceTx(ctx context.Context, tx *sql.Tx, entitlementID, deviceID string) (*models.Device, error) {
	var dev models.Device
	err := tx.QueryRowContext(ctx,
		`SELECT entitlement_id, device_id, device_name, registered_at, last_seen_at
		 FROM devices WHERE entitlement_id = ? AND device_id = ?`,
		entitlementID, deviceID,
	).Scan(&dev.EntitlementID, &dev.DeviceID, &dev.DeviceName, &dev.RegisteredAt, &dev.LastSeenAt)
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (s *SQLiteStorage) UnbindDevice(ctx context.Context, entitlementID, deviceID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM devices WHERE entitlement_id = ? AND device_id = ?`,
		entitlementID, deviceID)
	if err != nil {
		return fmt.Errorf("unbind device: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotBound
	}
	return nil
}

func (s *SQLiteStorage) FindDevice(ctx context.Context, entitlementID, deviceID string) (*models.Device, error) {
	var dev models.Device
	err := s.db.QueryRowContext(ctx,
		`SELECT entitlement_id, device_id, device_name, registered_at, last_seen_at
		 FROM devices WHERE entitlement_id = ? AND device_id = ?`,
		entitlementID, deviceID,
	).Scan(&dev.EntitlementID, &dev.DeviceID, &dev.DeviceName, &dev.RegisteredAt, &dev.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (s *SQLiteStorage) ListDevices(ctx context.Context, entitlementID string) ([]*models.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entitlement_id, device_id, device_name, registered_at, last_seen_at
		 FROM devices WHERE entitlement_id = ?
		 ORDER BY last_seen_at DESC`,
		entitlementID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Warn("Failed to close rows", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	var devices []*models.Device
	for rows.Next() {
		var dev models.Device
		err := rows.Scan(&dev.EntitlementID, &dev.DeviceID, &dev.DeviceName, &dev.RegisteredAt, &dev.LastSeenAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, &dev)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}

	return devices, nil
}

func (s *SQLiteStorage) Revoke(ctx context.Context, entitlementID, reason string) error {
	// Append-only: re-revoking is a silent no-op and nothing ever deletes
	// from this table.
	query := `INSERT INTO revocations (entitlement_id, revoked_at, reason)
	          VALUES (?, ?, ?)
	          ON CONFLICT(entitlement_id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query, entitlementID, time.Now().UTC(), reason)
	if err != nil {
		return fmt.Errorf("failed to append revocation: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) IsRevoked(ctx context.Context, entitlementID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM revocations WHERE entitlement_id = ?`, entitlementID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStorage) ListRevoked(ctx context.Context, since time.Time) ([]*models.RevocationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entitlement_id, revoked_at, reason FROM revocations
		 WHERE revoked_at >= ? ORDER BY revoked_at ASC`,
		since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query revocations: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Warn("Failed to close rows", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	var records []*models.RevocationRecord
	for rows.Next() {
		var rec models.RevocationRecord
		if err := rows.Scan(&rec.EntitlementID, &rec.RevokedAt, &rec.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan revocation: %w", err)
		}
		records = append(records, &rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating revocations: %w", err)
	}

	return records, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
