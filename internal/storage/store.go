package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/pickup-ops/internal/models"
)

// Change is a set of entity writes that must land together.
// Either entity may be nil.
//
// PickupFrom and DriverFrom, when set, are the values the stored rows must
// still hold for the write to apply. A stale pickup fails with
// models.ErrInvalidTransition and a stale driver with
// models.ErrDriverUnavailable; nothing is written in either case.
type Change struct {
	Pickup *models.PickupRequest
	Driver *models.Driver

	PickupFrom models.PickupStatus
	DriverFrom models.Availability
}

// Store defines persistence operations for pickups and drivers.
type Store interface {
	GetPickup(ctx context.Context, id string) (models.PickupRequest, error)
	ListPickups(ctx context.Context) ([]models.PickupRequest, error)
	GetDriver(ctx context.Context, id string) (models.Driver, error)
	ListDrivers(ctx context.Context) ([]models.Driver, error)
	// Commit applies every write in c atomically (upsert semantics unless a
	// guard is set).
	Commit(ctx context.Context, c Change) error
}

type MemoryStore struct {
	mu      sync.RWMutex
	pickups map[string]models.PickupRequest
	drivers map[string]models.Driver
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pickups: make(map[string]models.PickupRequest),
		drivers: make(map[string]models.Driver),
	}
}

func (m *MemoryStore) GetPickup(_ context.Context, id string) (models.PickupRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pickups[id]
	if !ok {
		return models.PickupRequest{}, fmt.Errorf("pickup %q: %w", id, models.ErrNotFound)
	}
	return p.Clone(), nil
}

// ListPickups returns pickups oldest first.
func (m *MemoryStore) ListPickups(_ context.Context) ([]models.PickupRequest, error) {
	m.mu.RLock()
	out := make([]models.PickupRequest, 0, len(m.pickups))
	for _, p := range m.pickups {
		out = append(out, p.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return models.Driver{}, fmt.Errorf("driver %q: %w", id, models.ErrNotFound)
	}
	return d, nil
}

func (m *MemoryStore) ListDrivers(_ context.Context) ([]models.Driver, error) {
	m.mu.RLock()
	out := make([]models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		out = append(out, d)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Commit(_ context.Context, c Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Pickup != nil && c.PickupFrom != "" {
		if cur, ok := m.pickups[c.Pickup.ID]; !ok || cur.Status != c.PickupFrom {
			return stalePickup(c.Pickup.ID, c.PickupFrom)
		}
	}
	if c.Driver != nil && c.DriverFrom != "" {
		if cur, ok := m.drivers[c.Driver.ID]; !ok || cur.Availability != c.DriverFrom {
			return staleDriver(c.Driver.ID, c.DriverFrom)
		}
	}
	if c.Pickup != nil {
		m.pickups[c.Pickup.ID] = c.Pickup.Clone()
	}
	if c.Driver != nil {
		m.drivers[c.Driver.ID] = *c.Driver
	}
	return nil
}

func stalePickup(id string, want models.PickupStatus) error {
	return fmt.Errorf("pickup %s is no longer %s: %w", id, want, models.ErrInvalidTransition)
}

func staleDriver(id string, want models.Availability) error {
	return fmt.Errorf("driver %s is no longer %s: %w", id, want, models.ErrDriverUnavailable)
}
