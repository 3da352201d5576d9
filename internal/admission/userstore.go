package admission

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/fleetops/ride-dispatch/pkg/httpclient"
	"github.com/fleetops/ride-dispatch/pkg/logger"
	"github.com/fleetops/ride-dispatch/pkg/resilience"
	"github.com/fleetops/ride-dispatch/pkg/tracing"
)

const userStoreTracerName = "admission-userstore"

// userResponse is the subset of the external user service's profile
// payload the dispatch engine needs to notify someone.
type userResponse struct {
	Success bool `json:"success"`
	Data    struct {
		PushToken string `json:"push_token"`
	} `json:"data"`
}

// HTTPUserStore resolves a push credential for a user id by calling the
// external user/identity service, wrapped in a circuit breaker so a flaky
// upstream degrades to "no credential" instead of hanging dispatch.
type HTTPUserStore struct {
	client  *httpclient.Client
	breaker *resilience.CircuitBreaker
}

// NewHTTPUserStore constructs a UserStore over the given HTTP client. breaker
// may be nil to call through unprotected.
func NewHTTPUserStore(client *httpclient.Client, breaker *resilience.CircuitBreaker) *HTTPUserStore {
	return &HTTPUserStore{client: client, breaker: breaker}
}

// PushToken satisfies notify.CredentialLookup: it resolves userID to a push
// token, returning (_, false, nil) rather than an error when the user
// service is unreachable — a missing credential is not a delivery failure.
func (s *HTTPUserStore) PushToken(ctx context.Context, userID string) (string, bool, error) {
	path := fmt.Sprintf("/api/v1/users/%s", userID)

	var body []byte
	var fetchErr error

	traceErr := tracing.TraceExternalAPI(ctx, userStoreTracerName, "user-service", "get-profile", func(ctx context.Context) error {
		if s.breaker != nil {
			result, cbErr := s.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
				return s.client.Get(ctx, path, nil)
			})
			if cbErr != nil {
				logger.WarnContext(ctx, "user service call failed (circuit breaker)",
					zap.String("user_id", userID), zap.Error(cbErr))
				fetchErr = cbErr
				return nil
			}
			body = result.([]byte)
			return nil
		}

		var err error
		body, err = s.client.Get(ctx, path, nil)
		if err != nil {
			logger.WarnContext(ctx, "failed to fetch user profile", zap.String("user_id", userID), zap.Error(err))
			fetchErr = err
			return nil
		}
		return nil
	})
	if traceErr != nil {
		return "", false, traceErr
	}
	if fetchErr != nil {
		return "", false, nil
	}

	var resp userResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", false, fmt.Errorf("failed to parse user response: %w", err)
	}

	if resp.Data.PushToken == "" {
		return "", false, nil
	}
	return resp.Data.PushToken, true, nil
}
