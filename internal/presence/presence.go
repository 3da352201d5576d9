// Package presence implements the driver presence index (geographic
// position plus liveness) that seeds every dispatch's candidate queue.
package presence

import (
	"context"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fleetops/ride-dispatch/pkg/cache"
	"github.com/fleetops/ride-dispatch/pkg/config"
	"github.com/fleetops/ride-dispatch/pkg/geo"
	"github.com/fleetops/ride-dispatch/pkg/logger"
	"github.com/fleetops/ride-dispatch/pkg/tracing"
)

const tracerName = "presence-index"

// Candidate is one entry returned by Nearest, ordered ascending by distance.
type Candidate struct {
	DriverID   string
	DistanceKm float64
}

// redisStore is the narrow slice of pkg/redis.Client the presence index
// needs; tests substitute a hand-rolled fake instead of a live Redis server.
type redisStore interface {
	GeoAdd(ctx context.Context, key string, longitude, latitude float64, member string) error
	GeoRemove(ctx context.Context, key string, member string) error
	GeoRadius(ctx context.Context, key string, longitude, latitude, radiusKm float64, count int) ([]string, error)
	GeoPos(ctx context.Context, key string, member string) (longitude, latitude float64, err error)
	GetString(ctx context.Context, key string) (string, error)
	SetWithExpiration(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Index is the production PresenceIndex: a Redis geo set for position plus
// a per-driver last-seen key for liveness. Staleness is swept lazily at
// query time in Nearest, so there is no separate reaper process.
type Index struct {
	redis       redisStore
	livenessTTL time.Duration
}

// NewIndex constructs a presence index backed by the given Redis client.
func NewIndex(client redisStore, cfg config.DispatchConfig) *Index {
	return &Index{
		redis:       client,
		livenessTTL: cfg.LivenessTTL(),
	}
}

// Heartbeat upserts a driver's position and last-seen timestamp.
func (idx *Index) Heartbeat(ctx context.Context, driverID string, lat, lng float64, t time.Time) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "Heartbeat")
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.DriverIDKey.String(driverID))
	tracing.AddSpanAttributes(ctx, tracing.LocationAttributes(lat, lng)...)

	member := memberName(driverID)

	if err := idx.redis.GeoAdd(ctx, cache.DriversOnlineKey(), lng, lat, member); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	lastSeen := strconv.FormatInt(t.UnixMilli(), 10)
	if err := idx.redis.SetWithExpiration(ctx, cache.DriverLastSeenKey(driverID), lastSeen, idx.livenessTTL); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

// MarkOffline synchronously removes a driver from the index.
func (idx *Index) MarkOffline(ctx context.Context, driverID string) error {
	if err := idx.redis.GeoRemove(ctx, cache.DriversOnlineKey(), memberName(driverID)); err != nil {
		return err
	}
	return idx.redis.Delete(ctx, cache.DriverLastSeenKey(driverID))
}

// Nearest returns up to k drivers within radiusKm of (lat, lng), ascending
// by distance, ties broken by driver id. Any candidate whose last-seen is
// older than the liveness TTL is dropped from the result and removed from
// the index as a side effect, per the spec's self-cleaning liveness filter.
func (idx *Index) Nearest(ctx context.Context, lat, lng, radiusKm float64, k int) ([]Candidate, error) {
	members, err := idx.redis.GeoRadius(ctx, cache.DriversOnlineKey(), lng, lat, radiusKm, k*2)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	fresh := make([]Candidate, 0, len(members))

	for _, member := range members {
		driverID := driverIDFromMember(member)

		lastSeenRaw, err := idx.redis.GetString(ctx, cache.DriverLastSeenKey(driverID))
		if err != nil {
			// No liveness key: treat as stale and prune.
			idx.pruneStale(ctx, driverID)
			continue
		}

		lastSeenMs, err := strconv.ParseInt(lastSeenRaw, 10, 64)
		if err != nil {
			idx.pruneStale(ctx, driverID)
			continue
		}

		lastSeen := time.UnixMilli(lastSeenMs)
		if now.Sub(lastSeen) > idx.livenessTTL {
			idx.pruneStale(ctx, driverID)
			continue
		}

		memberLng, memberLat, err := idx.redis.GeoPos(ctx, cache.DriversOnlineKey(), member)
		if err != nil {
			idx.pruneStale(ctx, driverID)
			continue
		}

		fresh = append(fresh, Candidate{
			DriverID:   driverID,
			DistanceKm: geo.Haversine(lat, lng, memberLat, memberLng),
		})
	}

	sort.SliceStable(fresh, func(i, j int) bool {
		if fresh[i].DistanceKm != fresh[j].DistanceKm {
			return fresh[i].DistanceKm < fresh[j].DistanceKm
		}
		return fresh[i].DriverID < fresh[j].DriverID
	})

	if len(fresh) > k {
		fresh = fresh[:k]
	}

	return fresh, nil
}

func (idx *Index) pruneStale(ctx context.Context, driverID string) {
	if err := idx.MarkOffline(ctx, driverID); err != nil {
		logger.WarnContext(ctx, "failed to prune stale presence entry",
			zap.String("driver_id", driverID),
			zap.Error(err),
		)
	}
}

func memberName(driverID string) string {
	return "driver:" + driverID
}

func driverIDFromMember(member string) string {
	const prefix = "driver:"
	if len(member) > len(prefix) && member[:len(prefix)] == prefix {
		return member[len(prefix):]
	}
	return member
}
