package models

import "time"

type PickupStatus string

const (
	StatusPending    PickupStatus = "pending"
	StatusAssigned   PickupStatus = "assigned"
	StatusInProgress PickupStatus = "in_progress"
	StatusCollected  PickupStatus = "collected"
	StatusCancelled  PickupStatus = "cancelled"
)

// pickupTransitions is the pickup lifecycle graph. Terminal states have no entry.
var pickupTransitions = map[PickupStatus][]PickupStatus{
	StatusPending:    {StatusAssigned, StatusCancelled},
	StatusAssigned:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCollected},
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
func CanTransition(from, to PickupStatus) bool {
	for _, s := range pickupTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s PickupStatus) Terminal() bool {
	return s == StatusCollected || s == StatusCancelled
}

// HoldsDriver reports whether a pickup in this status keeps its driver busy.
func (s PickupStatus) HoldsDriver() bool {
	return s == StatusAssigned || s == StatusInProgress
}

type PickupRequest struct {
	ID               string             `json:"id"`
	RequesterID      string             `json:"requester_id"`
	WasteTypes       []string           `json:"waste_types"`
	Zone             string             `json:"zone,omitempty"`
	Notes            string             `json:"notes,omitempty"`
	Status           PickupStatus       `json:"status"`
	AssignedDriverID string             `json:"assigned_driver_id,omitempty"`
	CollectedWeights map[string]float64 `json:"collected_weights,omitempty"`
	CancelReason     string             `json:"cancel_reason,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Clone returns a deep copy so callers never share slices or maps with a store.
func (p PickupRequest) Clone() PickupRequest {
	out := p
	out.WasteTypes = append([]string(nil), p.WasteTypes...)
	if p.CollectedWeights != nil {
		out.CollectedWeights = make(map[string]float64, len(p.CollectedWeights))
		for k, v := range p.CollectedWeights {
			out.CollectedWeights[k] = v
		}
	}
	return out
}

// HasWasteType reports whether t is one of the pickup's waste categories.
func (p PickupRequest) HasWasteType(t string) bool {
	for _, w := range p.WasteTypes {
		if w == t {
			return true
		}
	}
	return false
}

type Availability string

const (
	AvailabilityOnline  Availability = "online"
	AvailabilityOffline Availability = "offline"
	AvailabilityBusy    Availability = "busy"
)

func (a Availability) Valid() bool {
	switch a {
	case AvailabilityOnline, AvailabilityOffline, AvailabilityBusy:
		return true
	}
	return false
}

type Driver struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Availability Availability `json:"availability"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// ActivityEvent is an immutable audit record. Details carry ids only, never
// entity values, so events stay meaningful after the entities are gone.
type ActivityEvent struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	Action    Action         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// DetailString returns a string-valued detail or "".
func (e ActivityEvent) DetailString(key string) string {
	if v, ok := e.Details[key].(string); ok {
		return v
	}
	return ""
}

type OperationalSettings struct {
	Pricing   map[string]float64 `json:"pricing"`
	Zones     []string           `json:"zones"`
	Version   int64              `json:"version"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Clone returns a deep copy of the settings snapshot.
func (s OperationalSettings) Clone() OperationalSettings {
	out := s
	out.Pricing = make(map[string]float64, len(s.Pricing))
	for k, v := range s.Pricing {
		out.Pricing[k] = v
	}
	out.Zones = append([]string{}, s.Zones...)
	return out
}

// HasZone reports whether label is a configured service zone.
func (s OperationalSettings) HasZone(label string) bool {
	for _, z := range s.Zones {
		if z == label {
			return true
		}
	}
	return false
}
