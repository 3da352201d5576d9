package models

import (
	"time"

	"github.com/google/uuid"
)

// RideStatus represents the canonical status of a ride request, as
// persisted by the RideStore collaborator and projected by StatusReader.
type RideStatus string

const (
	RideStatusPending            RideStatus = "pending"
	RideStatusAccepted           RideStatus = "accepted"
	RideStatusInTransit          RideStatus = "in_transit"
	RideStatusArrivedAtPickup    RideStatus = "arrived_at_pickup"
	RideStatusCompleted          RideStatus = "completed"
	RideStatusCancelled          RideStatus = "cancelled"
	RideStatusNoDriversAvailable RideStatus = "no_drivers_available"
)

// Ride is the canonical record persisted by the RideStore collaborator.
// The dispatch engine itself only ever touches the ephemeral DispatchState
// kept in internal/dispatchstore; Ride is what survives after dispatch
// resolves.
type Ride struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	RiderID          uuid.UUID  `json:"rider_id" db:"rider_id"`
	DriverID         *uuid.UUID `json:"driver_id,omitempty" db:"driver_id"`
	Status           RideStatus `json:"status" db:"status"`
	PickupLatitude   float64    `json:"pickup_latitude" db:"pickup_latitude"`
	PickupLongitude  float64    `json:"pickup_longitude" db:"pickup_longitude"`
	PickupAddress    string     `json:"pickup_address" db:"pickup_address"`
	DropoffLatitude  float64    `json:"dropoff_latitude" db:"dropoff_latitude"`
	DropoffLongitude float64    `json:"dropoff_longitude" db:"dropoff_longitude"`
	DropoffAddress   string     `json:"dropoff_address" db:"dropoff_address"`
	EstimatedDistanceKm float64 `json:"estimated_distance_km" db:"estimated_distance_km"`
	EstimatedDurationMin int    `json:"estimated_duration_min" db:"estimated_duration_min"`
	RequestedAt      time.Time  `json:"requested_at" db:"requested_at"`
	AcceptedAt       *time.Time `json:"accepted_at,omitempty" db:"accepted_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CancellationReason *string  `json:"cancellation_reason,omitempty" db:"cancellation_reason"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// RideRequest is the payload a rider submits to create-request.
type RideRequest struct {
	PickupLatitude   float64 `json:"pickup_latitude" binding:"required"`
	PickupLongitude  float64 `json:"pickup_longitude" binding:"required"`
	PickupAddress    string  `json:"pickup_address" binding:"required"`
	DropoffLatitude  float64 `json:"dropoff_latitude" binding:"required"`
	DropoffLongitude float64 `json:"dropoff_longitude" binding:"required"`
	DropoffAddress   string  `json:"dropoff_address" binding:"required"`
}

// RideResponse enriches a Ride with the rider/driver identities the caller
// asked for.
type RideResponse struct {
	*Ride
	Rider  *User `json:"rider,omitempty"`
	Driver *User `json:"driver,omitempty"`
}
