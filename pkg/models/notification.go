package models

import (
	"time"

	"github.com/google/uuid"
)

// NotificationKind enumerates the message kinds the dispatch engine's
// NotificationDispatcher (C6) can emit.
type NotificationKind string

const (
	NotificationRideRequest        NotificationKind = "ride_request"
	NotificationRideRequestExpired NotificationKind = "ride_request_expired"
	NotificationRideAccepted       NotificationKind = "ride_accepted"
	NotificationNoDriversAvailable NotificationKind = "no_drivers_available"
	NotificationDriverArrived      NotificationKind = "driver_arrived"
	NotificationTripStarted        NotificationKind = "trip_started"
	NotificationTripCompleted      NotificationKind = "trip_completed"
	NotificationPaymentRequest     NotificationKind = "payment_request"
)

// NotificationChannel represents the delivery channel. The dispatch engine
// only ever sends push; SMS/email belong to the external notifications
// service.
type NotificationChannel string

const (
	NotificationChannelPush NotificationChannel = "push"
)

// NotificationStatus tracks delivery outcome for observability; a failed
// delivery is logged and never rolls back engine state (apperr.ErrCodeDelivery).
type NotificationStatus string

const (
	NotificationStatusSent   NotificationStatus = "sent"
	NotificationStatusFailed NotificationStatus = "failed"
)

// Notification is the record of one dispatch-originated push message.
type Notification struct {
	ID        uuid.UUID          `json:"id"`
	UserID    uuid.UUID          `json:"user_id"`
	Kind      NotificationKind   `json:"kind"`
	Channel   NotificationChannel `json:"channel"`
	Title     string             `json:"title"`
	Body      string             `json:"body"`
	Data      map[string]string  `json:"data,omitempty"`
	Status    NotificationStatus `json:"status"`
	SentAt    *time.Time         `json:"sent_at,omitempty"`
	Error     string             `json:"error,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}
