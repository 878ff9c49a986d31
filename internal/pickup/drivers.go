package pickup

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/pickup-ops/internal/models"
	"github.com/example/pickup-ops/internal/storage"
)

// RegisterDriver adds a driver to the roster. New drivers start offline.
func (s *Service) RegisterDriver(ctx context.Context, name, actorID string) (models.Driver, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Driver{}, fmt.Errorf("driver name is required: %w", models.ErrValidation)
	}
	d := models.Driver{
		ID:           s.NewID(),
		Name:         name,
		Availability: models.AvailabilityOffline,
		UpdatedAt:    s.Now().UTC(),
	}
	if err := s.commit(ctx, storage.Change{Driver: &d}); err != nil {
		return models.Driver{}, err
	}
	_, err := s.events.Record(ctx, models.ActionDriverRegistered, map[string]any{"driver_id": d.ID}, actorID)
	if s.OnChange != nil {
		s.OnChange(ctx)
	}
	return d, err
}

// SetAvailability toggles a driver between online and offline. Busy is only
// ever set by Assign and cleared by Complete or Cancel.
func (s *Service) SetAvailability(ctx context.Context, driverID string, a models.Availability, actorID string) (models.Driver, error) {
	if a != models.AvailabilityOnline && a != models.AvailabilityOffline {
		return models.Driver{}, fmt.Errorf("availability must be online or offline, got %q: %w", a, models.ErrValidation)
	}
	unlock := s.locks.Lock("driver:" + driverID)
	defer unlock()

	d, err := s.store.GetDriver(ctx, driverID)
	if err != nil {
		return models.Driver{}, err
	}
	if d.Availability == models.AvailabilityBusy {
		return models.Driver{}, fmt.Errorf("driver %s is on an active pickup: %w", d.ID, models.ErrInvalidTransition)
	}
	if d.Availability == a {
		return d, nil
	}
	from := d.Availability
	d.Availability = a
	d.UpdatedAt = s.Now().UTC()
	if err := s.commit(ctx, storage.Change{Driver: &d, DriverFrom: from}); err != nil {
		return models.Driver{}, err
	}
	s.logger.Info("driver availability changed", "driver_id", d.ID, "from", from, "to", a)
	_, err = s.events.Record(ctx, models.ActionDriverAvailability,
		map[string]any{"driver_id": d.ID, "from": string(from), "to": string(a)}, actorID)
	if s.OnChange != nil {
		s.OnChange(ctx)
	}
	return d, err
}

func (s *Service) GetDriver(ctx context.Context, driverID string) (models.Driver, error) {
	return s.store.GetDriver(ctx, driverID)
}

func (s *Service) ListDrivers(ctx context.Context) ([]models.Driver, error) {
	return s.store.ListDrivers(ctx)
}
