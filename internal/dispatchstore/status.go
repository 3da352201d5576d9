package dispatchstore

import (
	"context"

	"github.com/fleetops/ride-dispatch/pkg/models"
)

// StatusView is the projection StatusReader returns to external callers.
type StatusView struct {
	Status           models.RideStatus `json:"status"`
	DriverID         *string           `json:"driverId,omitempty"`
	EstimatedArrival *int              `json:"estimatedArrival,omitempty"`
}

// projectedStatus maps an internal RequestState onto the canonical status
// alphabet callers expect, per the dispatch engine's state table.
func projectedStatus(state RequestState) models.RideStatus {
	switch state {
	case StatePending, StateOffering:
		return models.RideStatusPending
	case StateAccepted:
		return models.RideStatusAccepted
	case StateExhausted:
		return models.RideStatusNoDriversAvailable
	case StateCancelled:
		return models.RideStatusCancelled
	default:
		return models.RideStatusPending
	}
}

// Reader is the production StatusReader (C7): it reads ephemeral status
// and, only when accepted, the assigned driver and ETA.
type Reader struct {
	store *Store
}

// NewReader constructs a StatusReader over the given Store.
func NewReader(store *Store) *Reader {
	return &Reader{store: store}
}

// GetStatus returns the projected status plus driver/ETA when accepted.
func (r *Reader) GetStatus(ctx context.Context, requestID string) (StatusView, error) {
	state, err := r.store.GetStatus(ctx, requestID)
	if err != nil {
		return StatusView{}, err
	}

	view := StatusView{Status: projectedStatus(state)}
	if state != StateAccepted {
		return view, nil
	}

	driverID, err := r.store.GetAssignedDriver(ctx, requestID)
	if err != nil {
		return StatusView{}, err
	}
	if driverID != "" {
		view.DriverID = &driverID
	}

	eta, ok, err := r.store.GetETA(ctx, requestID)
	if err != nil {
		return StatusView{}, err
	}
	if ok {
		view.EstimatedArrival = &eta
	}

	return view, nil
}
