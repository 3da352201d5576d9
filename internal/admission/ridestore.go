package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetops/ride-dispatch/pkg/models"
)

// pgExecutor is the narrow slice of *pgxpool.Pool this store needs,
// mirroring pkg/database/retry.go's narrow query interfaces so tests can
// supply a fake without a separate SQL mocking dependency.
type pgExecutor interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PgRideStore is the production RideStore collaborator: it persists the
// canonical ride_requests row and performs the guarded accept update.
type PgRideStore struct {
	db pgExecutor
}

// NewPgRideStore constructs a RideStore backed by the given pool.
func NewPgRideStore(db *pgxpool.Pool) *PgRideStore {
	return &PgRideStore{db: db}
}

// CreateRequest inserts the canonical row for a new ride request.
func (s *PgRideStore) CreateRequest(ctx context.Context, ride *models.Ride) error {
	query := `
		INSERT INTO ride_requests (
			id, rider_id, status, pickup_latitude, pickup_longitude, pickup_address,
			dropoff_latitude, dropoff_longitude, dropoff_address,
			estimated_distance_km, estimated_duration_min, requested_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`

	err := s.db.QueryRow(ctx, query,
		ride.ID,
		ride.RiderID,
		ride.Status,
		ride.PickupLatitude,
		ride.PickupLongitude,
		ride.PickupAddress,
		ride.DropoffLatitude,
		ride.DropoffLongitude,
		ride.DropoffAddress,
		ride.EstimatedDistanceKm,
		ride.EstimatedDurationMin,
		ride.RequestedAt,
	).Scan(&ride.CreatedAt, &ride.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create ride request: %w", err)
	}
	return nil
}

// GetRequest retrieves a ride request by id.
func (s *PgRideStore) GetRequest(ctx context.Context, requestID uuid.UUID) (*models.Ride, error) {
	query := `
		SELECT id, rider_id, driver_id, status, pickup_latitude, pickup_longitude,
		       pickup_address, dropoff_latitude, dropoff_longitude, dropoff_address,
		       estimated_distance_km, estimated_duration_min, requested_at, accepted_at,
		       completed_at, cancelled_at, cancellation_reason, created_at, updated_at
		FROM ride_requests
		WHERE id = $1
	`

	ride := &models.Ride{}
	err := s.db.QueryRow(ctx, query, requestID).Scan(
		&ride.ID,
		&ride.RiderID,
		&ride.DriverID,
		&ride.Status,
		&ride.PickupLatitude,
		&ride.PickupLongitude,
		&ride.PickupAddress,
		&ride.DropoffLatitude,
		&ride.DropoffLongitude,
		&ride.DropoffAddress,
		&ride.EstimatedDistanceKm,
		&ride.EstimatedDurationMin,
		&ride.RequestedAt,
		&ride.AcceptedAt,
		&ride.CompletedAt,
		&ride.CancelledAt,
		&ride.CancellationReason,
		&ride.CreatedAt,
		&ride.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get ride request: %w", err)
	}
	return ride, nil
}

// AcceptRequest atomically transitions a ride request from pending to
// accepted in a single guarded UPDATE, mirroring AtomicAcceptRide: the
// WHERE status = pending guard is what prevents two drivers from both
// believing they won the same request.
func (s *PgRideStore) AcceptRequest(ctx context.Context, requestID, driverID uuid.UUID) (bool, error) {
	now := time.Now()
	query := `
		UPDATE ride_requests
		SET status = $1, driver_id = $2, accepted_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5
	`
	tag, err := s.db.Exec(ctx, query,
		models.RideStatusAccepted, driverID, now, requestID, models.RideStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to accept ride request: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCancelled transitions a ride request to cancelled, idempotently.
func (s *PgRideStore) MarkCancelled(ctx context.Context, requestID uuid.UUID) error {
	now := time.Now()
	query := `
		UPDATE ride_requests
		SET status = $1, cancelled_at = $2, updated_at = $2
		WHERE id = $3 AND status NOT IN ($4, $5)
	`
	_, err := s.db.Exec(ctx, query,
		models.RideStatusCancelled, now, requestID,
		models.RideStatusAccepted, models.RideStatusCancelled,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel ride request: %w", err)
	}
	return nil
}
