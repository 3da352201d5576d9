package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/ride-dispatch/pkg/config"
)

type fakePoint struct {
	lng, lat float64
}

// fakeRedis is a minimal in-memory stand-in for pkg/redis.Client, enough
// to exercise heartbeat/markOffline/nearest without a live Redis server.
type fakeRedis struct {
	points   map[string]fakePoint
	lastSeen map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{points: map[string]fakePoint{}, lastSeen: map[string]string{}}
}

func (f *fakeRedis) GeoAdd(_ context.Context, _ string, longitude, latitude float64, member string) error {
	f.points[member] = fakePoint{lng: longitude, lat: latitude}
	return nil
}

func (f *fakeRedis) GeoRemove(_ context.Context, _ string, member string) error {
	delete(f.points, member)
	return nil
}

func (f *fakeRedis) GeoRadius(_ context.Context, _ string, _, _, _ float64, count int) ([]string, error) {
	members := make([]string, 0, len(f.points))
	for member := range f.points {
		members = append(members, member)
	}
	if count > 0 && len(members) > count {
		members = members[:count]
	}
	return members, nil
}

func (f *fakeRedis) GeoPos(_ context.Context, _ string, member string) (float64, float64, error) {
	p := f.points[member]
	return p.lng, p.lat, nil
}

func (f *fakeRedis) GetString(_ context.Context, key string) (string, error) {
	v, ok := f.lastSeen[key]
	if !ok {
		return "", assert.AnError
	}
	return v, nil
}

func (f *fakeRedis) SetWithExpiration(_ context.Context, key string, value interface{}, _ time.Duration) error {
	f.lastSeen[key] = value.(string)
	return nil
}

func (f *fakeRedis) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.lastSeen, k)
	}
	return nil
}

func testConfig() config.DispatchConfig {
	return config.DispatchConfig{LivenessTTLSeconds: 300, SearchRadiusKm: 5, SearchLimit: 10}
}

func TestIndex_Nearest_OrdersByAscendingDistance(t *testing.T) {
	fr := newFakeRedis()
	idx := NewIndex(fr, testConfig())
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, idx.Heartbeat(ctx, "d1", 40.7135, -74.0055, now))
	require.NoError(t, idx.Heartbeat(ctx, "d2", 40.7200, -74.0100, now))
	require.NoError(t, idx.Heartbeat(ctx, "d3", 40.7300, -74.0200, now))

	candidates, err := idx.Nearest(ctx, 40.7128, -74.0060, 5, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 3)

	assert.Equal(t, "d1", candidates[0].DriverID)
	assert.Equal(t, "d2", candidates[1].DriverID)
	assert.Equal(t, "d3", candidates[2].DriverID)
	assert.Less(t, candidates[0].DistanceKm, candidates[1].DistanceKm)
	assert.Less(t, candidates[1].DistanceKm, candidates[2].DistanceKm)
}

func TestIndex_Nearest_PrunesStaleEntries(t *testing.T) {
	fr := newFakeRedis()
	idx := NewIndex(fr, testConfig())
	ctx := context.Background()

	stale := time.Now().Add(-10 * time.Minute)
	require.NoError(t, idx.Heartbeat(ctx, "d1", 40.7135, -74.0055, stale))
	require.NoError(t, idx.Heartbeat(ctx, "d2", 40.7200, -74.0100, time.Now()))

	candidates, err := idx.Nearest(ctx, 40.7128, -74.0060, 5, 10)
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.Equal(t, "d2", candidates[0].DriverID)

	_, stillPresent := fr.points["driver:d1"]
	assert.False(t, stillPresent)
}

func TestIndex_MarkOffline_RemovesImmediately(t *testing.T) {
	fr := newFakeRedis()
	idx := NewIndex(fr, testConfig())
	ctx := context.Background()

	require.NoError(t, idx.Heartbeat(ctx, "d1", 40.7135, -74.0055, time.Now()))
	require.NoError(t, idx.MarkOffline(ctx, "d1"))

	candidates, err := idx.Nearest(ctx, 40.7128, -74.0060, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestIndex_Nearest_TiesBrokenByDriverID(t *testing.T) {
	fr := newFakeRedis()
	idx := NewIndex(fr, testConfig())
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, idx.Heartbeat(ctx, "zeta", 40.7128, -74.0060, now))
	require.NoError(t, idx.Heartbeat(ctx, "alpha", 40.7128, -74.0060, now))

	candidates, err := idx.Nearest(ctx, 40.7128, -74.0060, 5, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "alpha", candidates[0].DriverID)
	assert.Equal(t, "zeta", candidates[1].DriverID)
}
