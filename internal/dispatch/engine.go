// Package dispatch implements the per-request dispatch state machine (C4)
// and its offer timer (C5): the heart of the system. It turns a seeded
// candidate queue into a single in-flight offer at a time, advancing on
// decline or timeout and stopping at the first acceptance.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fleetops/ride-dispatch/internal/dispatchstore"
	"github.com/fleetops/ride-dispatch/internal/notify"
	"github.com/fleetops/ride-dispatch/pkg/apperr"
	"github.com/fleetops/ride-dispatch/pkg/logger"
	"github.com/fleetops/ride-dispatch/pkg/models"
	"github.com/fleetops/ride-dispatch/pkg/tracing"
)

// Verdict is a driver's answer to an offer.
type Verdict string

const (
	VerdictAccept  Verdict = "accept"
	VerdictDecline Verdict = "decline"
)

const tracerName = "dispatch-engine"

// notifier is the narrow notify.Dispatcher contract the engine consumes.
type notifier interface {
	Send(ctx context.Context, userID string, kind models.NotificationKind, payload notify.Payload) error
}

// timerService is the narrow OfferTimer contract the engine consumes.
type timerService interface {
	Arm(requestID, driverID string)
	Disarm(requestID string)
}

// Engine is the production DispatchEngine (C4).
type Engine struct {
	store  *dispatchstore.Store
	queue  *dispatchstore.Queue
	notify notifier
	timer  timerService
}

// NewEngine wires the engine's collaborators. The timer is set afterward
// via SetTimer to break the engine/timer initialization cycle: the timer
// fires into the engine, the engine arms the timer.
func NewEngine(store *dispatchstore.Store, queue *dispatchstore.Queue, notifier notifier) *Engine {
	return &Engine{store: store, queue: queue, notify: notifier}
}

// SetTimer wires the offer timer after construction.
func (e *Engine) SetTimer(timer timerService) {
	e.timer = timer
}

// Admit starts dispatch for a request given its pre-computed candidate list
// (nearest-first) and trip snapshot. An empty candidate list exhausts the
// request immediately.
func (e *Engine) Admit(ctx context.Context, snapshot dispatchstore.TripSnapshot, candidateDriverIDs []string) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "Admit")
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.RideAttributes(snapshot.RequestID, snapshot.PassengerID, "")...)

	if err := e.store.SetSnapshot(ctx, snapshot.RequestID, snapshot); err != nil {
		tracing.RecordError(ctx, err)
		return apperr.NewStoreUnavailableError("persist trip snapshot", err)
	}

	if len(candidateDriverIDs) == 0 {
		return e.exhaust(ctx, snapshot)
	}

	if _, err := e.queue.Seed(ctx, snapshot.RequestID, candidateDriverIDs); err != nil {
		tracing.RecordError(ctx, err)
		return apperr.NewStoreUnavailableError("seed candidate queue", err)
	}

	if err := e.store.MarkOffering(ctx, snapshot.RequestID); err != nil {
		tracing.RecordError(ctx, err)
		return apperr.NewStoreUnavailableError("set offering status", err)
	}

	return e.advance(ctx, snapshot.RequestID)
}

// advance pops the next candidate and offers it. Called internally on
// admit, decline, and timeout. A losing CAS means another worker is
// already advancing this request; the popped candidate is dropped rather
// than pushed back to the queue head (spec §4.4 permits either choice, at
// the cost of one skipped candidate per race).
func (e *Engine) advance(ctx context.Context, requestID string) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "advance")
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.RideIDKey.String(requestID))

	snapshot, err := e.store.GetSnapshot(ctx, requestID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return apperr.NewStoreUnavailableError("read trip snapshot", err)
	}

	driverID, ok, err := e.queue.PopNext(ctx, requestID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return apperr.NewStoreUnavailableError("pop candidate queue", err)
	}
	if !ok {
		return e.exhaust(ctx, snapshot)
	}

	won, err := e.store.SetCurrentOfferee(ctx, requestID, driverID, "")
	if err != nil {
		tracing.RecordError(ctx, err)
		return apperr.NewStoreUnavailableError("cas current offeree", err)
	}
	if !won {
		logger.WarnContext(ctx, "lost cas race on current offeree, dropping popped candidate",
			zap.String("request_id", requestID), zap.String("driver_id", driverID))
		return nil
	}

	tracing.AddSpanEvent(ctx, "offer_sent", tracing.DriverIDKey.String(driverID))
	recordMetric(metricOffersSent, requestID)

	if err := e.notify.Send(ctx, driverID, models.NotificationRideRequest, rideRequestPayload(snapshot)); err != nil {
		logger.ErrorContext(ctx, "ride_request push failed, relying on offer timeout",
			zap.String("request_id", requestID), zap.String("driver_id", driverID), zap.Error(err))
	}

	e.timer.Arm(requestID, driverID)
	return nil
}

func (e *Engine) exhaust(ctx context.Context, snapshot dispatchstore.TripSnapshot) error {
	if err := e.store.MarkExhausted(ctx, snapshot.RequestID); err != nil {
		return apperr.NewStoreUnavailableError("set exhausted status", err)
	}
	if err := e.store.DeleteDispatchEphemera(ctx, snapshot.RequestID); err != nil {
		logger.ErrorContext(ctx, "failed to clear dispatch ephemera on exhaustion",
			zap.String("request_id", snapshot.RequestID), zap.Error(err))
	}

	recordMetric(metricExhausted, snapshot.RequestID)

	if err := e.notify.Send(ctx, snapshot.PassengerID, models.NotificationNoDriversAvailable, notify.Payload{
		"request_id": snapshot.RequestID,
	}); err != nil {
		logger.ErrorContext(ctx, "no_drivers_available push failed",
			zap.String("request_id", snapshot.RequestID), zap.Error(err))
	}
	return nil
}

// Respond applies a driver's verdict. It returns applied=false, nil when the
// driver is not the current offeree or the request has already resolved —
// the caller (C8) maps that to a 4xx, not an error.
func (e *Engine) Respond(ctx context.Context, requestID, driverID string, verdict Verdict, etaMinutes int) (applied bool, err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "Respond")
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.RideAttributes(requestID, "", driverID)...)

	state, err := e.store.GetStatus(ctx, requestID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return false, apperr.NewStoreUnavailableError("read request status", err)
	}
	if state != dispatchstore.StateOffering {
		return false, nil
	}

	// ClaimCurrentOfferee is the atomic check-and-clear: it only succeeds for
	// one caller even if two Respond calls for the same driver race each
	// other, so everything past this point runs at most once per offer.
	claimed, err := e.store.ClaimCurrentOfferee(ctx, requestID, driverID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return false, apperr.NewStoreUnavailableError("claim current offeree", err)
	}
	if !claimed {
		return false, nil
	}

	e.timer.Disarm(requestID)

	if err := e.store.AppendResponse(ctx, requestID, dispatchstore.ResponseEntry{
		DriverID:  driverID,
		Response:  string(verdict),
		Timestamp: time.Now(),
	}); err != nil {
		logger.ErrorContext(ctx, "failed to append response log entry",
			zap.String("request_id", requestID), zap.Error(err))
	}

	if verdict == VerdictAccept {
		return true, e.accept(ctx, requestID, driverID, etaMinutes)
	}

	return true, e.advance(ctx, requestID)
}

func (e *Engine) accept(ctx context.Context, requestID, driverID string, etaMinutes int) error {
	if err := e.store.SetAssignedDriver(ctx, requestID, driverID); err != nil {
		return apperr.NewStoreUnavailableError("set assigned driver", err)
	}
	if err := e.store.SetETA(ctx, requestID, etaMinutes); err != nil {
		return apperr.NewStoreUnavailableError("set eta", err)
	}

	snapshot, snapErr := e.store.GetSnapshot(ctx, requestID)
	if snapErr != nil && !errors.Is(snapErr, dispatchstore.ErrNotFound) {
		logger.WarnContext(ctx, "snapshot unavailable on accept, passenger notification may be skipped",
			zap.String("request_id", requestID), zap.Error(snapErr))
	}

	if err := e.store.MarkAccepted(ctx, requestID); err != nil {
		return apperr.NewStoreUnavailableError("set accepted status", err)
	}
	if err := e.store.DeleteDispatchEphemera(ctx, requestID); err != nil {
		logger.ErrorContext(ctx, "failed to clear dispatch ephemera on accept",
			zap.String("request_id", requestID), zap.Error(err))
	}

	recordMetric(metricAccepted, requestID)
	tracing.AddSpanEvent(ctx, "ride_accepted", tracing.DriverIDKey.String(driverID))

	if snapshot.PassengerID == "" {
		return nil
	}

	if err := e.notify.Send(ctx, snapshot.PassengerID, models.NotificationRideAccepted, notify.Payload{
		"request_id":  requestID,
		"driver_id":   driverID,
		"eta_minutes": etaMinutes,
	}); err != nil {
		logger.ErrorContext(ctx, "ride_accepted push failed", zap.String("request_id", requestID), zap.Error(err))
	}
	return nil
}

// Timeout fires when an armed offer's window elapses. It is a no-op unless
// driverID is still the current offeree and the request is still offering;
// a surviving timer racing a concurrent advance is expected and harmless.
func (e *Engine) Timeout(ctx context.Context, requestID, driverID string) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "Timeout")
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.RideAttributes(requestID, "", driverID)...)

	state, err := e.store.GetStatus(ctx, requestID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return apperr.NewStoreUnavailableError("read request status", err)
	}
	if state != dispatchstore.StateOffering {
		return nil
	}

	// Same atomic claim Respond uses: a Timeout racing a just-arrived
	// Respond for the same driver must lose cleanly, not double-advance.
	claimed, err := e.store.ClaimCurrentOfferee(ctx, requestID, driverID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return apperr.NewStoreUnavailableError("claim current offeree", err)
	}
	if !claimed {
		return nil
	}

	if err := e.store.AppendResponse(ctx, requestID, dispatchstore.ResponseEntry{
		DriverID:  driverID,
		Response:  "timeout",
		Timestamp: time.Now(),
	}); err != nil {
		logger.ErrorContext(ctx, "failed to append timeout response log entry",
			zap.String("request_id", requestID), zap.Error(err))
	}

	recordMetric(metricTimeouts, requestID)

	if err := e.notify.Send(ctx, driverID, models.NotificationRideRequestExpired, notify.Payload{
		"request_id": requestID,
	}); err != nil {
		logger.ErrorContext(ctx, "ride_request_expired push failed",
			zap.String("request_id", requestID), zap.Error(err))
	}

	return e.advance(ctx, requestID)
}

// Cancel transitions a request to cancelled unless it is already terminal.
func (e *Engine) Cancel(ctx context.Context, requestID string) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "Cancel")
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.RideIDKey.String(requestID))

	state, err := e.store.GetStatus(ctx, requestID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return apperr.NewStoreUnavailableError("read request status", err)
	}
	if state == dispatchstore.StateAccepted || state == dispatchstore.StateExhausted || state == dispatchstore.StateCancelled {
		return apperr.NewAlreadyResolvedError(fmt.Sprintf("request %s is already %s", requestID, state))
	}

	e.timer.Disarm(requestID)

	if err := e.store.MarkCancelled(ctx, requestID); err != nil {
		tracing.RecordError(ctx, err)
		return apperr.NewStoreUnavailableError("set cancelled status", err)
	}
	if err := e.store.DeleteDispatchEphemera(ctx, requestID); err != nil {
		logger.ErrorContext(ctx, "failed to clear dispatch ephemera on cancel",
			zap.String("request_id", requestID), zap.Error(err))
	}
	return nil
}

func rideRequestPayload(snapshot dispatchstore.TripSnapshot) notify.Payload {
	return notify.Payload{
		"request_id":      snapshot.RequestID,
		"passenger_name":  snapshot.PassengerName,
		"passenger_phone": snapshot.PassengerPhone,
		"pickup_lat":      snapshot.PickupLat,
		"pickup_lng":      snapshot.PickupLng,
		"pickup_address":  snapshot.PickupAddress,
		"dropoff_lat":     snapshot.DropoffLat,
		"dropoff_lng":     snapshot.DropoffLng,
		"dropoff_address": snapshot.DropoffAddress,
		"distance_km":     snapshot.DistanceKm,
		"duration_min":    snapshot.DurationMin,
		"priority":        snapshot.Priority,
		"proposed_fare":   snapshot.ProposedFare,
	}
}
