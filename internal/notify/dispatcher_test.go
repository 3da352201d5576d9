package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/ride-dispatch/pkg/apperr"
	"github.com/fleetops/ride-dispatch/pkg/models"
)

type fakePush struct {
	sent []sentMessage
	err  error
}

type sentMessage struct {
	token, title, body string
	data               map[string]string
}

func (f *fakePush) SendPushNotification(ctx context.Context, token, title, body string, data map[string]string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sentMessage{token: token, title: title, body: body, data: data})
	return "msg-1", nil
}

type fakeUsers struct {
	tokens map[string]string
	err    error
}

func (f *fakeUsers) PushToken(ctx context.Context, userID string) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	token, ok := f.tokens[userID]
	return token, ok, nil
}

func TestDispatcher_Send_DeliversRideRequest(t *testing.T) {
	push := &fakePush{}
	users := &fakeUsers{tokens: map[string]string{"driver-1": "tok-1"}}
	d := NewDispatcher(push, users)

	err := d.Send(context.Background(), "driver-1", models.NotificationRideRequest, Payload{
		"pickup_address": "123 Main St",
	})
	require.NoError(t, err)
	require.Len(t, push.sent, 1)
	assert.Equal(t, "tok-1", push.sent[0].token)
	assert.Contains(t, push.sent[0].body, "123 Main St")
	assert.Equal(t, "ride_request", push.sent[0].data["kind"])
}

func TestDispatcher_Send_MissingCredentialIsNotAFailure(t *testing.T) {
	push := &fakePush{}
	users := &fakeUsers{tokens: map[string]string{}}
	d := NewDispatcher(push, users)

	err := d.Send(context.Background(), "driver-missing", models.NotificationNoDriversAvailable, Payload{})
	require.NoError(t, err)
	assert.Empty(t, push.sent)
}

func TestDispatcher_Send_PushFailureWrapsAsDeliveryError(t *testing.T) {
	push := &fakePush{err: errors.New("fcm unavailable")}
	users := &fakeUsers{tokens: map[string]string{"passenger-1": "tok-2"}}
	d := NewDispatcher(push, users)

	err := d.Send(context.Background(), "passenger-1", models.NotificationRideAccepted, Payload{"eta_minutes": 4})
	require.Error(t, err)
	var appErr *apperr.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperr.ErrCodeDelivery, appErr.ErrorCode)
}

func TestDispatcher_Send_CredentialLookupErrorWrapsAsDeliveryError(t *testing.T) {
	push := &fakePush{}
	users := &fakeUsers{err: errors.New("user store down")}
	d := NewDispatcher(push, users)

	err := d.Send(context.Background(), "passenger-1", models.NotificationTripStarted, Payload{})
	require.Error(t, err)
	var appErr *apperr.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperr.ErrCodeDelivery, appErr.ErrorCode)
}

func TestDispatcher_Send_PaymentRequestRendersAmount(t *testing.T) {
	push := &fakePush{}
	users := &fakeUsers{tokens: map[string]string{"passenger-1": "tok-3"}}
	d := NewDispatcher(push, users)

	err := d.Send(context.Background(), "passenger-1", models.NotificationPaymentRequest, Payload{
		"driver_name": "Alex",
		"amount":      12.50,
	})
	require.NoError(t, err)
	require.Len(t, push.sent, 1)
	assert.Contains(t, push.sent[0].body, "Alex")
	assert.Equal(t, "12.5", push.sent[0].data["amount"])
}
