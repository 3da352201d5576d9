package notify

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// PushClient is the production push transport: Firebase Cloud Messaging.
type PushClient interface {
	SendPushNotification(ctx context.Context, token, title, body string, data map[string]string) (string, error)
}

// FirebaseClient sends push notifications through FCM.
type FirebaseClient struct {
	client *messaging.Client
}

// NewFirebaseClient builds a client from a service-account credentials file.
func NewFirebaseClient(ctx context.Context, credentialsPath string) (*FirebaseClient, error) {
	var opt option.ClientOption
	if credentialsPath != "" {
		opt = option.WithCredentialsFile(credentialsPath)
	}

	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("create messaging client: %w", err)
	}

	return &FirebaseClient{client: client}, nil
}

// NewFirebaseClientFromJSON builds a client from inline service-account JSON.
func NewFirebaseClientFromJSON(ctx context.Context, credentialsJSON []byte) (*FirebaseClient, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsJSON(credentialsJSON))
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("create messaging client: %w", err)
	}

	return &FirebaseClient{client: client}, nil
}

// SendPushNotification sends a single push message to one device token.
func (f *FirebaseClient) SendPushNotification(ctx context.Context, token, title, body string, data map[string]string) (string, error) {
	message := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound: "default",
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{Sound: "default"},
			},
		},
	}

	response, err := f.client.Send(ctx, message)
	if err != nil {
		return "", fmt.Errorf("send push notification: %w", err)
	}

	return response, nil
}
