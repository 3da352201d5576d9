// Package admission implements C8 AdmissionAPI: the HTTP-facing entry
// points that turn a ride request into a dispatch, relay driver responses
// into the dispatch engine, and project ephemeral status for callers.
package admission

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetops/ride-dispatch/internal/dispatch"
	"github.com/fleetops/ride-dispatch/internal/dispatchstore"
	"github.com/fleetops/ride-dispatch/internal/presence"
	"github.com/fleetops/ride-dispatch/pkg/apperr"
	"github.com/fleetops/ride-dispatch/pkg/config"
	"github.com/fleetops/ride-dispatch/pkg/eventbus"
	"github.com/fleetops/ride-dispatch/pkg/logger"
	"github.com/fleetops/ride-dispatch/pkg/models"
	"github.com/fleetops/ride-dispatch/pkg/tracing"
)

const serviceTracerName = "admission-service"

// CreateRequestInput is the create-request payload of spec §6's Callable
// surface.
type CreateRequestInput struct {
	PassengerID      uuid.UUID `json:"passenger_id"`
	PassengerName    string    `json:"passenger_name" binding:"required"`
	PassengerPhone   string    `json:"passenger_phone"`
	PickupLatitude   float64   `json:"pickup_latitude" binding:"required"`
	PickupLongitude  float64   `json:"pickup_longitude" binding:"required"`
	PickupAddress    string    `json:"pickup_address" binding:"required"`
	DropoffLatitude  float64   `json:"dropoff_latitude" binding:"required"`
	DropoffLongitude float64   `json:"dropoff_longitude" binding:"required"`
	DropoffAddress   string    `json:"dropoff_address" binding:"required"`
	DistanceKm       float64   `json:"estimated_distance_km"`
	DurationMin      int       `json:"estimated_duration_min"`
	ProposedFare     float64   `json:"proposed_fare"`
	Priority         string    `json:"priority"`
}

// RideStore is the canonical ride persistence collaborator (external to
// the dispatch core per spec §1; internal/admission/ridestore.go supplies
// the production pgx adapter).
type RideStore interface {
	CreateRequest(ctx context.Context, ride *models.Ride) error
	AcceptRequest(ctx context.Context, requestID, driverID uuid.UUID) (bool, error)
	MarkCancelled(ctx context.Context, requestID uuid.UUID) error
}

type engineAdmitter interface {
	Admit(ctx context.Context, snapshot dispatchstore.TripSnapshot, candidateDriverIDs []string) error
	Respond(ctx context.Context, requestID, driverID string, verdict dispatch.Verdict, etaMinutes int) (bool, error)
	Cancel(ctx context.Context, requestID string) error
}

type presenceIndex interface {
	Nearest(ctx context.Context, lat, lng, radiusKm float64, k int) ([]presence.Candidate, error)
	Heartbeat(ctx context.Context, driverID string, lat, lng float64, t time.Time) error
	MarkOffline(ctx context.Context, driverID string) error
}

type statusReader interface {
	GetStatus(ctx context.Context, requestID string) (dispatchstore.StatusView, error)
}

// eventPublisher is the narrow Bus contract used for fire-and-forget
// notifications to external subscribers; nil disables publishing.
type eventPublisher interface {
	Publish(ctx context.Context, subject string, event *eventbus.Event) error
}

// Service is the production AdmissionAPI (C8).
type Service struct {
	store    *dispatchstore.Store
	reader   statusReader
	engine   engineAdmitter
	presence presenceIndex
	rides    RideStore
	events   eventPublisher
	cfg      config.DispatchConfig
}

// NewService wires the AdmissionAPI over its collaborators. events may be
// nil, in which case event publishing is skipped.
func NewService(store *dispatchstore.Store, reader statusReader, engine engineAdmitter, presenceIdx presenceIndex, rides RideStore, events eventPublisher, cfg config.DispatchConfig) *Service {
	return &Service{
		store:    store,
		reader:   reader,
		engine:   engine,
		presence: presenceIdx,
		rides:    rides,
		events:   events,
		cfg:      cfg,
	}
}

// CreateAndDispatch persists the canonical request, marks it pending so a
// caller polling request-status observes it immediately, then starts
// dispatch asynchronously: candidate lookup and the first offer never
// block the caller.
func (s *Service) CreateAndDispatch(ctx context.Context, input CreateRequestInput) (*models.Ride, error) {
	if input.PassengerID == uuid.Nil {
		return nil, apperr.NewValidationError("passenger_id is required")
	}

	now := time.Now()
	ride := &models.Ride{
		ID:                   uuid.New(),
		RiderID:              input.PassengerID,
		Status:               models.RideStatusPending,
		PickupLatitude:       input.PickupLatitude,
		PickupLongitude:      input.PickupLongitude,
		PickupAddress:        input.PickupAddress,
		DropoffLatitude:      input.DropoffLatitude,
		DropoffLongitude:     input.DropoffLongitude,
		DropoffAddress:       input.DropoffAddress,
		EstimatedDistanceKm:  input.DistanceKm,
		EstimatedDurationMin: input.DurationMin,
		RequestedAt:          now,
	}

	err := tracing.TraceBusinessLogic(ctx, serviceTracerName, "persist-and-init",
		tracing.RideAttributes(ride.ID.String(), ride.RiderID.String(), ""),
		func(ctx context.Context) error {
			if err := s.rides.CreateRequest(ctx, ride); err != nil {
				return apperr.NewInternalError("failed to persist ride request", err)
			}
			if err := s.store.InitDispatch(ctx, ride.ID.String()); err != nil {
				return apperr.NewStoreUnavailableError("failed to initialize dispatch state", err)
			}
			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	requestID := ride.ID.String()

	snapshot := dispatchstore.TripSnapshot{
		RequestID:      requestID,
		PassengerID:    input.PassengerID.String(),
		PassengerName:  input.PassengerName,
		PassengerPhone: input.PassengerPhone,
		PickupLat:      input.PickupLatitude,
		PickupLng:      input.PickupLongitude,
		PickupAddress:  input.PickupAddress,
		DropoffLat:     input.DropoffLatitude,
		DropoffLng:     input.DropoffLongitude,
		DropoffAddress: input.DropoffAddress,
		DistanceKm:     input.DistanceKm,
		DurationMin:    input.DurationMin,
		Priority:       input.Priority,
		ProposedFare:   input.ProposedFare,
	}

	go s.dispatchAsync(snapshot)

	s.publish(ctx, eventbus.SubjectRideRequested, eventbus.RideRequestedData{
		RequestID:         ride.ID,
		PassengerID:       input.PassengerID,
		PickupLatitude:    input.PickupLatitude,
		PickupLongitude:   input.PickupLongitude,
		PickupAddress:     input.PickupAddress,
		DropoffLatitude:   input.DropoffLatitude,
		DropoffLongitude:  input.DropoffLongitude,
		DropoffAddress:    input.DropoffAddress,
		ProposedFare:      input.ProposedFare,
		EstimatedDistance: input.DistanceKm,
		EstimatedDuration: input.DurationMin,
		RequestedAt:       now,
	})

	return ride, nil
}

// dispatchAsync runs candidate lookup and admission detached from the
// caller's request context, which is cancelled the moment the HTTP handler
// returns.
func (s *Service) dispatchAsync(snapshot dispatchstore.TripSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	candidates, err := s.presence.Nearest(ctx, snapshot.PickupLat, snapshot.PickupLng, s.cfg.SearchRadiusKm, s.cfg.SearchLimit)
	if err != nil {
		logger.ErrorContext(ctx, "candidate lookup failed",
			zap.String("request_id", snapshot.RequestID), zap.Error(err))
		candidates = nil
	}

	driverIDs := make([]string, len(candidates))
	for i, c := range candidates {
		driverIDs[i] = c.DriverID
	}

	if err := s.engine.Admit(ctx, snapshot, driverIDs); err != nil {
		logger.ErrorContext(ctx, "admit failed",
			zap.String("request_id", snapshot.RequestID), zap.Error(err))
	}
}

// Respond relays a driver's accept/decline into the engine and, on accept,
// updates the canonical ride store. Returns false if the driver was not
// the current offeree or the request had already resolved.
func (s *Service) Respond(ctx context.Context, requestID string, driverID uuid.UUID, verdict dispatch.Verdict, etaMinutes int) (bool, error) {
	applied, err := s.engine.Respond(ctx, requestID, driverID.String(), verdict, etaMinutes)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}
	if verdict != dispatch.VerdictAccept {
		return true, nil
	}

	reqUUID, err := uuid.Parse(requestID)
	if err != nil {
		return true, apperr.NewBadRequestError("invalid request id", err)
	}

	ok, err := s.rides.AcceptRequest(ctx, reqUUID, driverID)
	if err != nil {
		logger.ErrorContext(ctx, "ride store accept failed after engine accept",
			zap.String("request_id", requestID), zap.Error(err))
	} else if !ok {
		logger.WarnContext(ctx, "ride store accept found request already resolved",
			zap.String("request_id", requestID))
	}

	s.publish(ctx, eventbus.SubjectRideAccepted, eventbus.RideAcceptedData{
		RequestID: reqUUID,
		DriverID:  driverID,
		AcceptedAt: time.Now(),
	})

	return true, nil
}

// Cancel transitions a request to cancelled, then best-effort mirrors the
// transition onto the canonical ride store.
func (s *Service) Cancel(ctx context.Context, requestID string) error {
	if err := s.engine.Cancel(ctx, requestID); err != nil {
		return err
	}

	if reqUUID, err := uuid.Parse(requestID); err == nil {
		if err := s.rides.MarkCancelled(ctx, reqUUID); err != nil {
			logger.WarnContext(ctx, "ride store cancel mirror failed",
				zap.String("request_id", requestID), zap.Error(err))
		}
		s.publish(ctx, eventbus.SubjectRideCancelled, eventbus.RideCancelledData{
			RequestID:   reqUUID,
			CancelledAt: time.Now(),
		})
	}

	return nil
}

// GetStatus returns the StatusReader projection for a request.
func (s *Service) GetStatus(ctx context.Context, requestID string) (dispatchstore.StatusView, error) {
	return s.reader.GetStatus(ctx, requestID)
}

// Heartbeat records a driver's position and liveness.
func (s *Service) Heartbeat(ctx context.Context, driverID uuid.UUID, lat, lng float64, at time.Time) error {
	if err := s.presence.Heartbeat(ctx, driverID.String(), lat, lng, at); err != nil {
		return apperr.NewStoreUnavailableError("failed to record driver heartbeat", err)
	}

	s.publish(ctx, eventbus.SubjectDriverLocationUpdated, eventbus.DriverLocationUpdatedData{
		DriverID:  driverID,
		Latitude:  lat,
		Longitude: lng,
		Timestamp: at,
	})
	return nil
}

// SetOnlineStatus toggles a driver's presence. Going offline removes the
// driver from the index immediately; going online is a no-op here (the
// driver only re-enters the index on its next heartbeat).
func (s *Service) SetOnlineStatus(ctx context.Context, driverID uuid.UUID, online bool) error {
	if !online {
		if err := s.presence.MarkOffline(ctx, driverID.String()); err != nil {
			return apperr.NewStoreUnavailableError("failed to remove driver from presence index", err)
		}
	}

	subject := eventbus.SubjectDriverOnline
	if !online {
		subject = eventbus.SubjectDriverOffline
	}
	s.publish(ctx, subject, eventbus.DriverOnlineStatusData{
		DriverID: driverID,
		IsOnline: online,
		At:       time.Now(),
	})
	return nil
}

func (s *Service) publish(ctx context.Context, subject string, data interface{}) {
	if s.events == nil {
		return
	}

	event, err := eventbus.NewEvent(subject, "admission", data)
	if err != nil {
		logger.WarnContext(ctx, "failed to build event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := s.events.Publish(ctx, subject, event); err != nil {
		logger.WarnContext(ctx, "failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
