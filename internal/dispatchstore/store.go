// Package dispatchstore holds the ephemeral, TTL-bound dispatch state for
// one ride request: its status, candidate queue, current offeree, accepted
// driver, ETA, response log, and trip snapshot. All writes must be safe
// under multiple concurrent dispatch workers; the offeree key is the one
// value that requires compare-and-set.
package dispatchstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/fleetops/ride-dispatch/pkg/cache"
	"github.com/fleetops/ride-dispatch/pkg/config"
	"github.com/fleetops/ride-dispatch/pkg/tracing"
)

const tracerName = "dispatchstore"

// RequestState is the dispatch engine's internal state-machine value,
// distinct from the canonical ride status it gets projected to by
// StatusReader.
type RequestState string

const (
	StatePending   RequestState = "pending"
	StateOffering  RequestState = "offering"
	StateAccepted  RequestState = "accepted"
	StateExhausted RequestState = "exhausted"
	StateCancelled RequestState = "cancelled"
)

// ResponseEntry is one append-only record in a request's response log.
type ResponseEntry struct {
	DriverID  string    `json:"driver_id"`
	Response  string    `json:"response"` // accept | decline | timeout
	Timestamp time.Time `json:"timestamp"`
}

// TripSnapshot is the full offer payload threaded through every advance
// call so that offers after the first never carry empty trip details.
type TripSnapshot struct {
	RequestID       string  `json:"request_id"`
	PassengerID     string  `json:"passenger_id"`
	PassengerName   string  `json:"passenger_name"`
	PassengerPhone  string  `json:"passenger_phone"`
	PickupLat       float64 `json:"pickup_lat"`
	PickupLng       float64 `json:"pickup_lng"`
	PickupAddress   string  `json:"pickup_address"`
	DropoffLat      float64 `json:"dropoff_lat"`
	DropoffLng      float64 `json:"dropoff_lng"`
	DropoffAddress  string  `json:"dropoff_address"`
	DistanceKm      float64 `json:"distance_km"`
	DurationMin     int     `json:"duration_min"`
	Priority        string  `json:"priority"`
	ProposedFare    float64 `json:"proposed_fare"`
}

// ErrNotFound is returned by reads whose key is absent and has no implied
// zero value (e.g. assigned driver before acceptance).
var ErrNotFound = errors.New("dispatchstore: key not found")

// casScript implements compare-and-set on a single string key: it succeeds
// only if the current value is empty or equal to the caller's expected
// previous value, then sets the new value with a millisecond TTL.
const casScript = `
local current = redis.call("GET", KEYS[1])
if current == false then current = "" end
if current == ARGV[1] or current == "" then
    redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
    return 1
end
return 0
`

// claimScript implements compare-and-delete: it clears the key only if its
// current value equals the caller's driver id, returning whether it did.
// This is the atomic "am I still the offeree, and am I the only one who gets
// to act on that" primitive Respond and Timeout need before mutating state.
const claimScript = `
local current = redis.call("GET", KEYS[1])
if current == false then current = "" end
if current ~= "" and current == ARGV[1] then
    redis.call("DEL", KEYS[1])
    return 1
end
return 0
`

// Store is the production RequestStore (C2), backed by Redis.
type Store struct {
	client redis.Cmdable
	cas    *redis.Script
	claim  *redis.Script
	cfg    config.DispatchConfig
}

// NewStore constructs a Store over the given Redis command interface.
func NewStore(client redis.Cmdable, cfg config.DispatchConfig) *Store {
	return &Store{
		client: client,
		cas:    redis.NewScript(casScript),
		claim:  redis.NewScript(claimScript),
		cfg:    cfg,
	}
}

// InitDispatch atomically sets ephemeral status to pending with the queue TTL.
func (s *Store) InitDispatch(ctx context.Context, requestID string) error {
	return s.SetStatus(ctx, requestID, StatePending, s.cfg.QueueTTL())
}

// MarkOffering transitions a request into the offering state for the
// remainder of its queue TTL.
func (s *Store) MarkOffering(ctx context.Context, requestID string) error {
	return s.SetStatus(ctx, requestID, StateOffering, s.cfg.QueueTTL())
}

// MarkAccepted transitions a request into the accepted state, retained for
// the accepted-state TTL.
func (s *Store) MarkAccepted(ctx context.Context, requestID string) error {
	return s.SetStatus(ctx, requestID, StateAccepted, s.cfg.AcceptedTTL())
}

// MarkExhausted transitions a request into the exhausted state, retained
// for the accepted-state TTL so observers can still read it briefly.
func (s *Store) MarkExhausted(ctx context.Context, requestID string) error {
	return s.SetStatus(ctx, requestID, StateExhausted, s.cfg.AcceptedTTL())
}

// MarkCancelled transitions a request into the cancelled state, retained
// for the accepted-state TTL so observers can still read it briefly.
func (s *Store) MarkCancelled(ctx context.Context, requestID string) error {
	return s.SetStatus(ctx, requestID, StateCancelled, s.cfg.AcceptedTTL())
}

// SetStatus overwrites status and extends its TTL.
func (s *Store) SetStatus(ctx context.Context, requestID string, status RequestState, ttl time.Duration) error {
	return s.client.Set(ctx, cache.RideRequestStatusKey(requestID), string(status), ttl).Err()
}

// GetStatus returns the current status, or StatePending if absent.
func (s *Store) GetStatus(ctx context.Context, requestID string) (RequestState, error) {
	val, err := s.client.Get(ctx, cache.RideRequestStatusKey(requestID)).Result()
	if errors.Is(err, redis.Nil) {
		return StatePending, nil
	}
	if err != nil {
		return "", err
	}
	return RequestState(val), nil
}

// SetCurrentOfferee performs CAS: it succeeds only if the existing offeree
// is empty or equals expectedPrevious. This is the sole concurrency
// primitive preventing two workers from racing two drivers onto one request.
func (s *Store) SetCurrentOfferee(ctx context.Context, requestID, driverID, expectedPrevious string) (bool, error) {
	key := cache.RideRequestCurrentDriverKey(requestID)
	ttlMillis := int64(120 * time.Second / time.Millisecond)

	var applied bool
	err := tracing.TraceRedisCommand(ctx, tracerName, "cas", key, func() error {
		result, err := s.cas.Run(ctx, s.client, []string{key}, expectedPrevious, driverID, ttlMillis).Result()
		if err != nil {
			return err
		}
		val, ok := result.(int64)
		applied = ok && val == 1
		return nil
	})
	return applied, err
}

// GetCurrentOfferee returns the current offeree driver id, or "" if none.
func (s *Store) GetCurrentOfferee(ctx context.Context, requestID string) (string, error) {
	val, err := s.client.Get(ctx, cache.RideRequestCurrentDriverKey(requestID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// ClaimCurrentOfferee atomically verifies driverID is still the current
// offeree and clears the key in the same step. Only one of two concurrent
// callers racing the same driverID can observe claimed=true; the loser must
// treat the response as already handled rather than acting on it again.
func (s *Store) ClaimCurrentOfferee(ctx context.Context, requestID, driverID string) (bool, error) {
	key := cache.RideRequestCurrentDriverKey(requestID)

	var claimed bool
	err := tracing.TraceRedisCommand(ctx, tracerName, "claim", key, func() error {
		result, err := s.claim.Run(ctx, s.client, []string{key}, driverID).Result()
		if err != nil {
			return err
		}
		val, ok := result.(int64)
		claimed = ok && val == 1
		return nil
	})
	return claimed, err
}

// SetAssignedDriver records the accepted driver id with the accepted-state TTL.
func (s *Store) SetAssignedDriver(ctx context.Context, requestID, driverID string) error {
	return s.client.Set(ctx, cache.RideRequestDriverKey(requestID), driverID, s.cfg.AcceptedTTL()).Err()
}

// GetAssignedDriver returns the accepted driver id, or "" if none yet.
func (s *Store) GetAssignedDriver(ctx context.Context, requestID string) (string, error) {
	val, err := s.client.Get(ctx, cache.RideRequestDriverKey(requestID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// SetETA records the accepted ETA in minutes.
func (s *Store) SetETA(ctx context.Context, requestID string, minutes int) error {
	return s.client.Set(ctx, cache.RideRequestETAKey(requestID), minutes, s.cfg.AcceptedTTL()).Err()
}

// GetETA returns the accepted ETA in minutes, or (0, false) if unset.
func (s *Store) GetETA(ctx context.Context, requestID string) (int, bool, error) {
	val, err := s.client.Get(ctx, cache.RideRequestETAKey(requestID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return val, true, nil
}

// AppendResponse appends a response-log entry and (re-)applies its TTL.
func (s *Store) AppendResponse(ctx context.Context, requestID string, entry ResponseEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	key := cache.RideRequestResponsesKey(requestID)
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return err
	}
	return s.client.Expire(ctx, key, s.cfg.ResponseLogTTL()).Err()
}

// GetResponses returns the full response log in append order.
func (s *Store) GetResponses(ctx context.Context, requestID string) ([]ResponseEntry, error) {
	raw, err := s.client.LRange(ctx, cache.RideRequestResponsesKey(requestID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]ResponseEntry, 0, len(raw))
	for _, item := range raw {
		var entry ResponseEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SetSnapshot persists the full trip payload so every advance call can read
// it back instead of relying on partial in-flight state.
func (s *Store) SetSnapshot(ctx context.Context, requestID string, snapshot TripSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, cache.RideRequestSnapshotKey(requestID), data, s.cfg.QueueTTL()).Err()
}

// GetSnapshot reads back the trip payload for a request.
func (s *Store) GetSnapshot(ctx context.Context, requestID string) (TripSnapshot, error) {
	data, err := s.client.Get(ctx, cache.RideRequestSnapshotKey(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return TripSnapshot{}, ErrNotFound
	}
	if err != nil {
		return TripSnapshot{}, err
	}

	var snapshot TripSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return TripSnapshot{}, err
	}
	return snapshot, nil
}

// ScanOfferingRequests returns the request ids currently in the offering
// state, for the fallback sweeper that covers crashed in-process timers.
func (s *Store) ScanOfferingRequests(ctx context.Context) ([]string, error) {
	var requestIDs []string
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, "ride:request:*:status", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			val, err := s.client.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			if RequestState(val) != StateOffering {
				continue
			}
			requestIDs = append(requestIDs, requestIDFromStatusKey(key))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return requestIDs, nil
}

// CurrentOffereeTTL returns the remaining TTL on the current-offeree key,
// and false if the key is absent. Because the key is set with a 120 s TTL
// (twice the 60 s offer window), a remaining TTL of 60 s or less means the
// offer window has lapsed even if no in-process timer fired for it.
func (s *Store) CurrentOffereeTTL(ctx context.Context, requestID string) (time.Duration, bool, error) {
	ttl, err := s.client.TTL(ctx, cache.RideRequestCurrentDriverKey(requestID)).Result()
	if err != nil {
		return 0, false, err
	}
	if ttl < 0 {
		return 0, false, nil
	}
	return ttl, true, nil
}

func requestIDFromStatusKey(key string) string {
	const prefix = "ride:request:"
	const suffix = ":status"
	if len(key) <= len(prefix)+len(suffix) {
		return key
	}
	return key[len(prefix) : len(key)-len(suffix)]
}

// DeleteDispatchEphemera removes the queue, offeree and trip-snapshot keys on resolution.
// Response log, assigned driver, and ETA survive for StatusReader.
func (s *Store) DeleteDispatchEphemera(ctx context.Context, requestID string) error {
	return s.client.Del(ctx,
		cache.RideRequestQueueKey(requestID),
		cache.RideRequestCurrentDriverKey(requestID),
		cache.RideRequestSnapshotKey(requestID),
	).Err()
}
