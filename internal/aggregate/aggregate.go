// Package aggregate derives the operations summary from current collections.
// Nothing is cached: every call rescans drivers and pickups.
package aggregate

import (
	"context"
	"time"

	"github.com/example/pickup-ops/internal/models"
	"github.com/example/pickup-ops/internal/observability"
)

type ZoneCounts struct {
	Pending    int `json:"pending"`
	Assigned   int `json:"assigned"`
	InProgress int `json:"in_progress"`
}

type Summary struct {
	OnlineDrivers   int                   `json:"online_drivers"`
	BusyDrivers     int                   `json:"busy_drivers"`
	OfflineDrivers  int                   `json:"offline_drivers"`
	TotalDrivers    int                   `json:"total_drivers"`
	ActiveRoutes    int                   `json:"active_routes"`
	PendingPickups  int                   `json:"pending_pickups"`
	AssignedPickups int                   `json:"assigned_pickups"`
	Zones           map[string]ZoneCounts `json:"zones"`
	GeneratedAt     time.Time             `json:"generated_at"`
}

// Compute is a pure function of the two collections.
func Compute(drivers []models.Driver, pickups []models.PickupRequest) Summary {
	s := Summary{TotalDrivers: len(drivers), Zones: map[string]ZoneCounts{}}
	for _, d := range drivers {
		switch d.Availability {
		case models.AvailabilityOnline:
			s.OnlineDrivers++
		case models.AvailabilityBusy:
			s.BusyDrivers++
		default:
			s.OfflineDrivers++
		}
	}
	for _, p := range pickups {
		var zc ZoneCounts
		if p.Zone != "" {
			zc = s.Zones[p.Zone]
		}
		switch p.Status {
		case models.StatusPending:
			s.PendingPickups++
			zc.Pending++
		case models.StatusAssigned:
			s.AssignedPickups++
			zc.Assigned++
		case models.StatusInProgress:
			s.ActiveRoutes++
			zc.InProgress++
		default:
			continue
		}
		if p.Zone != "" {
			s.Zones[p.Zone] = zc
		}
	}
	return s
}

// Source lists the current collections.
type Source interface {
	ListDrivers(ctx context.Context) ([]models.Driver, error)
	ListPickups(ctx context.Context) ([]models.PickupRequest, error)
}

type Engine struct {
	src Source
	now func() time.Time
}

func NewEngine(src Source) *Engine {
	return &Engine{src: src, now: time.Now}
}

// Summary recomputes the aggregates and mirrors them into the gauges.
func (e *Engine) Summary(ctx context.Context) (Summary, error) {
	drivers, err := e.src.ListDrivers(ctx)
	if err != nil {
		return Summary{}, err
	}
	pickups, err := e.src.ListPickups(ctx)
	if err != nil {
		return Summary{}, err
	}
	s := Compute(drivers, pickups)
	s.GeneratedAt = e.now().UTC()

	observability.DriversOnline.Set(float64(s.OnlineDrivers))
	observability.DriversBusy.Set(float64(s.BusyDrivers))
	observability.ActiveRoutes.Set(float64(s.ActiveRoutes))
	return s, nil
}
