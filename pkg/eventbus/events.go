package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// RideRequestedData is emitted when a passenger creates a ride request.
// Carried for external subscribers (analytics, the notifications service);
// the dispatch engine itself is driven directly, not through the bus.
type RideRequestedData struct {
	RequestID         uuid.UUID `json:"request_id"`
	PassengerID       uuid.UUID `json:"passenger_id"`
	PickupLatitude    float64   `json:"pickup_latitude"`
	PickupLongitude   float64   `json:"pickup_longitude"`
	PickupAddress     string    `json:"pickup_address"`
	DropoffLatitude   float64   `json:"dropoff_latitude"`
	DropoffLongitude  float64   `json:"dropoff_longitude"`
	DropoffAddress    string    `json:"dropoff_address"`
	ProposedFare      float64   `json:"proposed_fare"`
	EstimatedDistance float64   `json:"estimated_distance_km"`
	EstimatedDuration int       `json:"estimated_duration_minutes"`
	RequestedAt       time.Time `json:"requested_at"`
}

// RideAcceptedData is emitted when a driver accepts an offer.
type RideAcceptedData struct {
	RequestID  uuid.UUID `json:"request_id"`
	PassengerID uuid.UUID `json:"passenger_id"`
	DriverID   uuid.UUID `json:"driver_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// RideCancelledData is emitted when a request is cancelled before resolution.
type RideCancelledData struct {
	RequestID   uuid.UUID `json:"request_id"`
	PassengerID uuid.UUID `json:"passenger_id"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// DriverLocationUpdatedData is emitted on every presence heartbeat.
type DriverLocationUpdatedData struct {
	DriverID  uuid.UUID `json:"driver_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     float64   `json:"speed"`
	Timestamp time.Time `json:"timestamp"`
}

// DriverOnlineStatusData is emitted when a driver toggles availability.
type DriverOnlineStatusData struct {
	DriverID uuid.UUID `json:"driver_id"`
	IsOnline bool      `json:"is_online"`
	At       time.Time `json:"at"`
}
