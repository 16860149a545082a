package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"glowbridge.app/cloud/models"
)

// MemoryStorage is the in-process implementation used by tests and local
// development. The mutex gives it the same atomic bind guarantee as the
// SQLite store.
type MemoryStorage struct {
	mu           sync.Mutex
	Entitlements map[string]models.Entitlement
	Devices      map[string]map[string]models.Device // entitlement id -> device id
	Revocations  map[string]models.RevocationRecord
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		Entitlements: make(map[string]models.Entitlement),
		Devices:      make(map[string]map[string]models.Device),
		Revocations:  make(map[string]models.RevocationRecord),
	}
}

func (m *MemoryStorage) GetEntitlement(ctx context.Context, id string) (*models.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ent, exists := m.Entitlements[id]
	if !exists {
		return nil, nil
	}
	return &ent, nil
}

func (m *MemoryStorage) FindEntitlementBySubjectProduct(ctx context.Context, subject, productID string) (*models.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var newest *models.Entitlement
	for _, ent := range m.Entitlements {
		if ent.Subject != subject || ent.ProductID != productID {
			continue
		}
		entCopy := ent
		if newest == nil || entCopy.IssuedAt.After(newest.IssuedAt) {
			newest = &entCopy
		}
	}
	return newest, nil
}

func (m *MemoryStorage) SaveEntitlement(ctx context.Context, ent *models.Entitlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Entitlements[ent.ID] = *ent
	return nil
}

func (m *MemoryStorage) BindDevice(ctx context.Context, entitlementID, deviceID, deviceName string, maxDevices int) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	// Idempotent re-registration of an existing pair.
	if devices, ok := m.Devices[entitlementID]; ok {
		if dev, ok := devices[deviceID]; ok {
			dev.LastSeenAt = now
			if deviceName != "" {
				dev.DeviceName = deviceName
			}
			devices[deviceID] = dev
			return &dev, nil
		}
	}

	// A device id belongs to exactly one entitlement at a time.
	for entID, devices := range m.Devices {
		if entID == entitlementID {
			continue
		}
		if _, ok := devices[deviceID]; ok {
			return nil, ErrDeviceBoundElsewhere
		}
	}

	devices := m.Devices[entitlementID]
	if devices == nil {
		devices = make(map[string]models.Device)
		m.Devices[entitlementID] = devices
	}
	if len(devices) >= maxDevices {
		return nil, ErrDeviceLimit
	}

	dev := models.Device{
		DeviceID:      deviceID,
		EntitlementID: entitlementID,
		DeviceName:    deviceName,
		RegisteredAt:  now,
		LastSeenAt:    now,
	}
	devices[deviceID] = dev
	return &dev, nil
}

func (m *MemoryStorage) UnbindDevice(ctx context.Context, entitlementID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices, ok := m.Devices[entitlementID]
	if !ok {
		return ErrNotBound
	}
	if _, ok := devices[deviceID]; !ok {
		return ErrNotBound
	}
	delete(devices, deviceID)
	return nil
}

func (m *MemoryStorage) FindDevice(ctx context.Context, entitlementID, deviceID string) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices, ok := m.Devices[entitlementID]
	if !ok {
		return nil, nil
	}
	dev, ok := devices[deviceID]
	if !ok {
		return nil, nil
	}
	return &dev, nil
}

func (m *MemoryStorage) ListDevices(ctx context.Context, entitlementID string) ([]*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Device
	for _, dev := range m.Devices[entitlementID] {
		devCopy := dev
		out = append(out, &devCopy)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})
	return out, nil
}

func (m *MemoryStorage) Revoke(ctx context.Context, entitlementID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.Revocations[entitlementID]; exists {
		return nil
	}
	m.Revocations[entitlementID] = models.RevocationRecord{
		EntitlementID: entitlementID,
		RevokedAt:     time.Now().UTC(),
		Reason:        reason,
	}
	return nil
}

func (m *MemoryStorage) IsRevoked(ctx context.Context, entitlementID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, revoked := m.Revocations[entitlementID]
	return revoked, nil
}

func (m *MemoryStorage) ListRevoked(ctx context.Context, since time.Time) ([]*models.RevocationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.RevocationRecord
	for _, rec := range m.Revocations {
		if rec.RevokedAt.Before(since) {
			continue
		}
		recCopy := rec
		out = append(out, &recCopy)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RevokedAt.Before(out[j].RevokedAt)
	})
	return out, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
