package dispatchstore

import (
	"context"
	"errors"

	redis "github.com/redis/go-redis/v9"

	"github.com/fleetops/ride-dispatch/pkg/cache"
	"github.com/fleetops/ride-dispatch/pkg/config"
)

// Queue is the production CandidateQueue (C3): an ordered, TTL-bound Redis
// list of candidate driver ids for one request. Seeding preserves input
// order (ascending distance from pickup); no re-ordering happens after seed.
type Queue struct {
	client redis.Cmdable
	cfg    config.DispatchConfig
}

// NewQueue constructs a Queue over the given Redis command interface.
func NewQueue(client redis.Cmdable, cfg config.DispatchConfig) *Queue {
	return &Queue{client: client, cfg: cfg}
}

// Seed pushes an ordered candidate list as the initial queue and returns its length.
func (q *Queue) Seed(ctx context.Context, requestID string, driverIDs []string) (int, error) {
	if len(driverIDs) == 0 {
		return 0, nil
	}

	key := cache.RideRequestQueueKey(requestID)
	values := make([]interface{}, len(driverIDs))
	for i, id := range driverIDs {
		values[i] = id
	}

	if err := q.client.RPush(ctx, key, values...).Err(); err != nil {
		return 0, err
	}
	if err := q.client.Expire(ctx, key, q.cfg.QueueTTL()).Err(); err != nil {
		return 0, err
	}

	return len(driverIDs), nil
}

// PopNext atomically pops and returns the next driver id, or ok=false if
// the queue is empty or absent.
func (q *Queue) PopNext(ctx context.Context, requestID string) (driverID string, ok bool, err error) {
	val, err := q.client.LPop(ctx, cache.RideRequestQueueKey(requestID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Drop deletes the queue for a request.
func (q *Queue) Drop(ctx context.Context, requestID string) error {
	return q.client.Del(ctx, cache.RideRequestQueueKey(requestID)).Err()
}
