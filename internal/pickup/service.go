// Package pickup owns the pickup lifecycle and the driver roster.
//
// Every mutation takes the pickup lock before the driver lock, reads fresh
// state from the store, validates, and commits pickup and driver together.
// The activity event is recorded after the commit; a failed audit write never
// rolls the commit back.
package pickup

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/pickup-ops/internal/models"
	"github.com/example/pickup-ops/internal/observability"
	"github.com/example/pickup-ops/internal/storage"
)

// Recorder appends activity events.
type Recorder interface {
	Record(ctx context.Context, action models.Action, details map[string]any, actorID string) (models.ActivityEvent, error)
}

// ZoneChecker validates zone labels against the current settings.
type ZoneChecker interface {
	HasZone(label string) bool
}

type CreateInput struct {
	RequesterID string   `json:"requester_id"`
	WasteTypes  []string `json:"waste_types"`
	Zone        string   `json:"zone,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

type Service struct {
	Now   func() time.Time
	NewID func() string
	// OnChange runs after every committed mutation. Used to refresh gauges.
	OnChange func(ctx context.Context)

	store  storage.Store
	events Recorder
	zones  ZoneChecker
	locks  *keyedMutex
	logger *slog.Logger
}

// NewService wires the state machine. zones may be nil, in which case any
// zone label is accepted.
func NewService(store storage.Store, events Recorder, zones ZoneChecker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Now:    time.Now,
		NewID:  uuid.NewString,
		store:  store,
		events: events,
		zones:  zones,
		locks:  newKeyedMutex(),
		logger: logger.With("component", "pickup"),
	}
}

func (s *Service) Create(ctx context.Context, in CreateInput, actorID string) (models.PickupRequest, error) {
	requester := strings.TrimSpace(in.RequesterID)
	if requester == "" {
		return s.reject(models.ActionPickupCreated, fmt.Errorf("requester_id is required: %w", models.ErrValidation))
	}
	types := normaliseWasteTypes(in.WasteTypes)
	if len(types) == 0 {
		return s.reject(models.ActionPickupCreated, fmt.Errorf("at least one waste type is required: %w", models.ErrValidation))
	}
	zone := strings.TrimSpace(in.Zone)
	if zone != "" && s.zones != nil && !s.zones.HasZone(zone) {
		return s.reject(models.ActionPickupCreated, fmt.Errorf("zone %q is not a service zone: %w", zone, models.ErrValidation))
	}

	now := s.Now().UTC()
	p := models.PickupRequest{
		ID:          s.NewID(),
		RequesterID: requester,
		WasteTypes:  types,
		Zone:        zone,
		Notes:       strings.TrimSpace(in.Notes),
		Status:      models.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.commit(ctx, storage.Change{Pickup: &p}); err != nil {
		return s.reject(models.ActionPickupCreated, err)
	}

	details := map[string]any{
		"pickup_id":    p.ID,
		"requester_id": p.RequesterID,
		"waste_types":  append([]string(nil), p.WasteTypes...),
	}
	if p.Zone != "" {
		details["zone"] = p.Zone
	}
	return s.committed(ctx, models.ActionPickupCreated, p, details, actorID)
}

func (s *Service) Assign(ctx context.Context, pickupID, driverID, actorID string) (models.PickupRequest, error) {
	if strings.TrimSpace(driverID) == "" {
		return s.reject(models.ActionDriverAssigned, fmt.Errorf("driver_id is required: %w", models.ErrValidation))
	}
	unlockPickup := s.locks.Lock("pickup:" + pickupID)
	defer unlockPickup()

	p, err := s.store.GetPickup(ctx, pickupID)
	if err != nil {
		return s.reject(models.ActionDriverAssigned, err)
	}
	if !models.CanTransition(p.Status, models.StatusAssigned) {
		return s.reject(models.ActionDriverAssigned, transitionError(p, models.StatusAssigned))
	}

	unlockDriver := s.locks.Lock("driver:" + driverID)
	defer unlockDriver()

	d, err := s.store.GetDriver(ctx, driverID)
	if err != nil {
		return s.reject(models.ActionDriverAssigned, err)
	}
	if d.Availability != models.AvailabilityOnline {
		return s.reject(models.ActionDriverAssigned,
			fmt.Errorf("driver %s is %s: %w", d.ID, d.Availability, models.ErrDriverUnavailable))
	}

	now := s.Now().UTC()
	p.Status = models.StatusAssigned
	p.AssignedDriverID = d.ID
	p.UpdatedAt = now
	d.Availability = models.AvailabilityBusy
	d.UpdatedAt = now
	change := storage.Change{
		Pickup:     &p,
		Driver:     &d,
		PickupFrom: models.StatusPending,
		DriverFrom: models.AvailabilityOnline,
	}
	if err := s.commit(ctx, change); err != nil {
		return s.reject(models.ActionDriverAssigned, err)
	}
	return s.committed(ctx, models.ActionDriverAssigned, p,
		map[string]any{"pickup_id": p.ID, "driver_id": d.ID}, actorID)
}

func (s *Service) StartRoute(ctx context.Context, pickupID, actorID string) (models.PickupRequest, error) {
	unlock := s.locks.Lock("pickup:" + pickupID)
	defer unlock()

	p, err := s.store.GetPickup(ctx, pickupID)
	if err != nil {
		return s.reject(models.ActionRouteStarted, err)
	}
	if !models.CanTransition(p.Status, models.StatusInProgress) {
		return s.reject(models.ActionRouteStarted, transitionError(p, models.StatusInProgress))
	}
	p.Status = models.StatusInProgress
	p.UpdatedAt = s.Now().UTC()
	if err := s.commit(ctx, storage.Change{Pickup: &p, PickupFrom: models.StatusAssigned}); err != nil {
		return s.reject(models.ActionRouteStarted, err)
	}
	return s.committed(ctx, models.ActionRouteStarted, p,
		map[string]any{"pickup_id": p.ID, "driver_id": p.AssignedDriverID}, actorID)
}

// Complete records the collected weights and releases the driver.
func (s *Service) Complete(ctx context.Context, pickupID string, weights map[string]float64, actorID string) (models.PickupRequest, error) {
	unlockPickup := s.locks.Lock("pickup:" + pickupID)
	defer unlockPickup()

	p, err := s.store.GetPickup(ctx, pickupID)
	if err != nil {
		return s.reject(models.ActionPickupCollected, err)
	}
	if !models.CanTransition(p.Status, models.StatusCollected) {
		return s.reject(models.ActionPickupCollected, transitionError(p, models.StatusCollected))
	}
	clean, total, err := validateWeights(p, weights)
	if err != nil {
		return s.reject(models.ActionPickupCollected, err)
	}

	now := s.Now().UTC()
	change := storage.Change{Pickup: &p, PickupFrom: models.StatusInProgress}
	if p.AssignedDriverID != "" {
		unlockDriver := s.locks.Lock("driver:" + p.AssignedDriverID)
		defer unlockDriver()
		d, err := s.store.GetDriver(ctx, p.AssignedDriverID)
		if err != nil {
			return s.reject(models.ActionPickupCollected, err)
		}
		d.Availability = models.AvailabilityOnline
		d.UpdatedAt = now
		change.Driver = &d
		change.DriverFrom = models.AvailabilityBusy
	}
	p.Status = models.StatusCollected
	p.CollectedWeights = clean
	p.UpdatedAt = now
	if err := s.commit(ctx, change); err != nil {
		return s.reject(models.ActionPickupCollected, err)
	}

	weightDetails := make(map[string]any, len(clean))
	for k, v := range clean {
		weightDetails[k] = v
	}
	return s.committed(ctx, models.ActionPickupCollected, p, map[string]any{
		"pickup_id":    p.ID,
		"driver_id":    p.AssignedDriverID,
		"requester_id": p.RequesterID,
		"weights":      weightDetails,
		"total_kg":     total,
	}, actorID)
}

// Cancel is allowed from pending or assigned. An assigned driver goes back online.
func (s *Service) Cancel(ctx context.Context, pickupID, reason, actorID string) (models.PickupRequest, error) {
	unlockPickup := s.locks.Lock("pickup:" + pickupID)
	defer unlockPickup()

	p, err := s.store.GetPickup(ctx, pickupID)
	if err != nil {
		return s.reject(models.ActionPickupCancelled, err)
	}
	if !models.CanTransition(p.Status, models.StatusCancelled) {
		return s.reject(models.ActionPickupCancelled, transitionError(p, models.StatusCancelled))
	}

	now := s.Now().UTC()
	change := storage.Change{Pickup: &p, PickupFrom: p.Status}
	released := ""
	if p.Status == models.StatusAssigned && p.AssignedDriverID != "" {
		unlockDriver := s.locks.Lock("driver:" + p.AssignedDriverID)
		defer unlockDriver()
		d, err := s.store.GetDriver(ctx, p.AssignedDriverID)
		if err != nil {
			return s.reject(models.ActionPickupCancelled, err)
		}
		d.Availability = models.AvailabilityOnline
		d.UpdatedAt = now
		change.Driver = &d
		change.DriverFrom = models.AvailabilityBusy
		released = d.ID
		p.AssignedDriverID = ""
	}
	p.Status = models.StatusCancelled
	p.CancelReason = strings.TrimSpace(reason)
	p.UpdatedAt = now
	if err := s.commit(ctx, change); err != nil {
		return s.reject(models.ActionPickupCancelled, err)
	}

	details := map[string]any{"pickup_id": p.ID}
	if p.CancelReason != "" {
		details["reason"] = p.CancelReason
	}
	if released != "" {
		details["driver_id"] = released
	}
	return s.committed(ctx, models.ActionPickupCancelled, p, details, actorID)
}

func (s *Service) Get(ctx context.Context, pickupID string) (models.PickupRequest, error) {
	return s.store.GetPickup(ctx, pickupID)
}

// List returns pickups oldest first, optionally filtered by status.
func (s *Service) List(ctx context.Context, status models.PickupStatus) ([]models.PickupRequest, error) {
	all, err := s.store.ListPickups(ctx)
	if err != nil || status == "" {
		return all, err
	}
	out := all[:0]
	for _, p := range all {
		if p.Status == status {
			out = append(out, p)
		}
	}
	return out, nil
}

// committed finishes a successful transition: metrics, audit, OnChange. The
// pickup is returned even when the audit write fails.
func (s *Service) committed(ctx context.Context, action models.Action, p models.PickupRequest, details map[string]any, actorID string) (models.PickupRequest, error) {
	observability.PickupTransitionsTotal.WithLabelValues(string(action), "ok").Inc()
	s.logger.Info("pickup transition", "action", action, "pickup_id", p.ID, "status", p.Status, "actor_id", actorID)
	_, err := s.events.Record(ctx, action, details, actorID)
	if s.OnChange != nil {
		s.OnChange(ctx)
	}
	return p, err
}

// commit applies c. Failures that are not already a domain error mean
// nothing was written and are reported as storage unavailability.
func (s *Service) commit(ctx context.Context, c storage.Change) error {
	err := s.store.Commit(ctx, c)
	if err == nil || models.ErrorKind(err) != "InternalError" {
		return err
	}
	return fmt.Errorf("commit: %v: %w", err, models.ErrStorageUnavailable)
}

func (s *Service) reject(action models.Action, err error) (models.PickupRequest, error) {
	observability.PickupTransitionsTotal.WithLabelValues(string(action), outcome(err)).Inc()
	return models.PickupRequest{}, err
}

func outcome(err error) string {
	switch models.ErrorKind(err) {
	case "ValidationError":
		return "invalid"
	case "InvalidTransition":
		return "conflict"
	case "DriverUnavailable":
		return "driver_unavailable"
	case "NotFound":
		return "not_found"
	default:
		return "error"
	}
}

func transitionError(p models.PickupRequest, to models.PickupStatus) error {
	return fmt.Errorf("pickup %s cannot move from %s to %s: %w", p.ID, p.Status, to, models.ErrInvalidTransition)
}

func normaliseWasteTypes(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func validateWeights(p models.PickupRequest, in map[string]float64) (map[string]float64, float64, error) {
	out := make(map[string]float64, len(in))
	var total float64
	for k, v := range in {
		t := strings.ToLower(strings.TrimSpace(k))
		if !p.HasWasteType(t) {
			return nil, 0, fmt.Errorf("waste type %q is not on pickup %s: %w", k, p.ID, models.ErrValidation)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return nil, 0, fmt.Errorf("weight for %q must be a non-negative number: %w", k, models.ErrValidation)
		}
		out[t] += v
		total += v
	}
	return out, total, nil
}
