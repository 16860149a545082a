package storage

import (
	"context"
	"errors"
	"time"

	"glowbridge.app/cloud/models"
)

// Sentinel errors for the device registry. Handlers map these onto the
// machine-readable failure kinds.
var (
	// ErrDeviceLimit means the entitlement already has max_devices bindings.
	ErrDeviceLimit = errors.New("device limit reached")

	// ErrDeviceBoundElsewhere means the device id is bound to a different
	// entitlement. A device belongs to exactly one entitlement at a time.
	ErrDeviceBoundElsewhere = errors.New("device bound to another entitlement")

	// ErrNotBound means no binding exists for the (entitlement, device) pair.
	ErrNotBound = errors.New("device not bound")
)

// Storage is the persistent store behind the issuer, device registry, and
// revocation ledger. Lookup methods return (nil, nil) when the record does
// not exist.
type Storage interface {
	GetEntitlement(ctx context.Context, id string) (*models.Entitlement, error)
	FindEntitlementBySubjectProduct(ctx context.Context, subject, productID string) (*models.Entitlement, error)
	SaveEntitlement(ctx context.Context, ent *models.Entitlement) error

	// BindDevice is the registry's check-and-insert. Re-registering an
	// existing (entitlement, device) pair refreshes last_seen_at and the
	// name; otherwise the insert only succeeds while the bound-device count
	// is below maxDevices, atomically, so concurrent activations can never
	// over-bind.
	BindDevice(ctx context.Context, entitlementID, deviceID, deviceName string, maxDevices int) (*models.Device, error)
	UnbindDevice(ctx context.Context, entitlementID, deviceID string) error
	FindDevice(ctx context.Context, entitlementID, deviceID string) (*models.Device, error)
	ListDevices(ctx context.Context, entitlementID string) ([]*models.Device, error)

	// Revoke appends to the ledger. Revoking an already revoked entitlement
	// is a no-op, not an error. There is no way to remove an entry.
	Revoke(ctx context.Context, entitlementID, reason string) error
	IsRevoked(ctx context.Context, entitlementID string) (bool, error)
	ListRevoked(ctx context.Context, since time.Time) ([]*models.RevocationRecord, error)

	Close() error
}
