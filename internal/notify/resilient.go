package notify

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fleetops/ride-dispatch/pkg/logger"
	"github.com/fleetops/ride-dispatch/pkg/resilience"
)

// ResilientPushClient wraps a PushClient with a circuit breaker and bounded
// retry so a flaky FCM endpoint cannot stall dispatch threads.
type ResilientPushClient struct {
	client  PushClient
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

// NewResilientPushClient wraps client with default breaker/retry settings.
func NewResilientPushClient(client PushClient, breaker *resilience.CircuitBreaker) *ResilientPushClient {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.Settings{
			Name:             "firebase-fcm",
			Interval:         60 * time.Second,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
		}, func(ctx context.Context, err error) (interface{}, error) {
			logger.ErrorContext(ctx, "push circuit breaker open, notification dropped", zap.Error(err))
			return "", err
		})
	}

	retryConfig := resilience.DefaultRetryConfig()
	retryConfig.MaxAttempts = 3
	retryConfig.InitialBackoff = 1 * time.Second
	retryConfig.MaxBackoff = 10 * time.Second
	retryConfig.RetryableChecker = isPushRetryable

	return &ResilientPushClient{client: client, breaker: breaker, retry: retryConfig}
}

// SendPushNotification sends with retry and circuit-breaker protection.
func (r *ResilientPushClient) SendPushNotification(ctx context.Context, token, title, body string, data map[string]string) (string, error) {
	result, err := resilience.RetryWithBreaker(ctx, r.retry, r.breaker, func(ctx context.Context) (interface{}, error) {
		return r.client.SendPushNotification(ctx, token, title, body, data)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func isPushRetryable(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())

	nonRetryable := []string{
		"invalid-argument",
		"invalid-registration-token",
		"registration-token-not-registered",
		"mismatched-credential",
		"invalid-credential",
	}
	for _, m := range nonRetryable {
		if strings.Contains(msg, m) {
			return false
		}
	}

	return true
}
