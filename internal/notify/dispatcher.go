package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fleetops/ride-dispatch/pkg/apperr"
	"github.com/fleetops/ride-dispatch/pkg/logger"
	"github.com/fleetops/ride-dispatch/pkg/models"
)

// CredentialLookup resolves a user's push credential; the dispatch engine
// never touches the user store directly.
type CredentialLookup interface {
	PushToken(ctx context.Context, userID string) (string, bool, error)
}

// Payload carries the typed fields of one notification, keyed the way the
// wire payload table in the notification contract lists them.
type Payload map[string]interface{}

// Dispatcher is the production NotificationDispatcher (C6): it translates
// engine events into typed push messages, tolerating missing credentials
// and delivery failure without altering caller state.
type Dispatcher struct {
	push  PushClient
	users CredentialLookup
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(push PushClient, users CredentialLookup) *Dispatcher {
	return &Dispatcher{push: push, users: users}
}

// Send delivers one notification of the given kind to userID. A missing
// push credential is logged as a warning and treated as success, per spec:
// it is not a dispatch failure. A push-transport error is returned to the
// caller wrapped as apperr.ErrCodeDelivery; callers must not roll back
// engine state on it.
func (d *Dispatcher) Send(ctx context.Context, userID string, kind models.NotificationKind, payload Payload) error {
	token, ok, err := d.users.PushToken(ctx, userID)
	if err != nil {
		return apperr.NewDeliveryError("resolve push credential", err)
	}
	if !ok || token == "" {
		logger.WarnContext(ctx, "no push credential for user, skipping notification",
			zap.String("user_id", userID),
			zap.String("kind", string(kind)),
		)
		return nil
	}

	title, body := renderMessage(kind, payload)
	data := stringify(payload)
	data["kind"] = string(kind)

	if _, err := d.push.SendPushNotification(ctx, token, title, body, data); err != nil {
		logger.ErrorContext(ctx, "push delivery failed",
			zap.String("user_id", userID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return apperr.NewDeliveryError("push delivery failed", err)
	}

	return nil
}

func renderMessage(kind models.NotificationKind, payload Payload) (title, body string) {
	switch kind {
	case models.NotificationRideRequest:
		return "New ride request", fmt.Sprintf("Pickup at %v", payload["pickup_address"])
	case models.NotificationRideRequestExpired:
		return "Ride request expired", "Your acceptance window has closed"
	case models.NotificationRideAccepted:
		return "Driver on the way", fmt.Sprintf("Arriving in %v minutes", payload["eta_minutes"])
	case models.NotificationNoDriversAvailable:
		return "No drivers available", "We couldn't find a nearby driver for this request"
	case models.NotificationDriverArrived:
		return "Driver has arrived", "Your driver is waiting at the pickup point"
	case models.NotificationTripStarted:
		return "Trip started", "Your trip is now underway"
	case models.NotificationTripCompleted:
		return "Trip completed", fmt.Sprintf("Final fare: %v", payload["final_fare"])
	case models.NotificationPaymentRequest:
		return "Payment request", fmt.Sprintf("%v requests %v", payload["driver_name"], payload["amount"])
	default:
		return "Ride update", ""
	}
}

func stringify(payload Payload) map[string]string {
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		switch val := v.(type) {
		case string:
			out[k] = val
		case int:
			out[k] = strconv.Itoa(val)
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case time.Time:
			out[k] = val.UTC().Format(time.RFC3339)
		default:
			out[k] = fmt.Sprintf("%v", val)
		}
	}
	return out
}
