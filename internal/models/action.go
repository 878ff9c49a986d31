package models

// Action is the closed set of activity kinds recorded in the event log.
type Action string

const (
	ActionPickupCreated      Action = "PICKUP_CREATED"
	ActionDriverAssigned     Action = "DRIVER_ASSIGNED"
	ActionRouteStarted       Action = "ROUTE_STARTED"
	ActionPickupCollected    Action = "PICKUP_COLLECTED"
	ActionPickupCancelled    Action = "PICKUP_CANCELLED"
	ActionSettingsUpdated    Action = "SETTINGS_UPDATED"
	ActionDriverRegistered   Action = "DRIVER_REGISTERED"
	ActionDriverAvailability Action = "DRIVER_AVAILABILITY_CHANGED"
	ActionPayoutIssued       Action = "PAYOUT_ISSUED"
)

// Display is how a dashboard presents an activity entry.
type Display struct {
	Icon  string `json:"icon"`
	Title string `json:"title"`
}

// Display maps every known action to its presentation. Unknown kinds (for
// example from a newer server) fall back to a generic entry.
func (a Action) Display() Display {
	switch a {
	case ActionPickupCreated:
		return Display{Icon: "package-plus", Title: "Pickup requested"}
	case ActionDriverAssigned:
		return Display{Icon: "user-check", Title: "Driver assigned"}
	case ActionRouteStarted:
		return Display{Icon: "truck", Title: "Route started"}
	case ActionPickupCollected:
		return Display{Icon: "check-circle", Title: "Pickup collected"}
	case ActionPickupCancelled:
		return Display{Icon: "x-circle", Title: "Pickup cancelled"}
	case ActionSettingsUpdated:
		return Display{Icon: "settings", Title: "Settings updated"}
	case ActionDriverRegistered:
		return Display{Icon: "user-plus", Title: "Driver registered"}
	case ActionDriverAvailability:
		return Display{Icon: "toggle-right", Title: "Driver availability changed"}
	case ActionPayoutIssued:
		return Display{Icon: "dollar-sign", Title: "Payout issued"}
	default:
		return Display{Icon: "activity", Title: "Activity"}
	}
}

var knownActions = map[Action]struct{}{
	ActionPickupCreated:      {},
	ActionDriverAssigned:     {},
	ActionRouteStarted:       {},
	ActionPickupCollected:    {},
	ActionPickupCancelled:    {},
	ActionSettingsUpdated:    {},
	ActionDriverRegistered:   {},
	ActionDriverAvailability: {},
	ActionPayoutIssued:       {},
}

// Known reports whether a is one of the enumerated action kinds.
func (a Action) Known() bool {
	_, ok := knownActions[a]
	return ok
}
