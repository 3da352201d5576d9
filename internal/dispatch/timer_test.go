package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/ride-dispatch/internal/dispatchstore"
)

type recordingFirer struct {
	mu    sync.Mutex
	fired []string
}

func (f *recordingFirer) Timeout(ctx context.Context, requestID, driverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, requestID+"/"+driverID)
	return nil
}

func (f *recordingFirer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fired)
}

func TestOfferTimer_Arm_FiresAfterDuration(t *testing.T) {
	client, _ := redismock.NewClientMock()
	cfg := testDispatchConfig()
	cfg.OfferTimeoutSeconds = 0 // fire immediately for the test
	store := dispatchstore.NewStore(client, cfg)
	firer := &recordingFirer{}
	timer := NewOfferTimer(firer, store, cfg)

	timer.Arm("r1", "d1")

	require.Eventually(t, func() bool { return firer.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"r1/d1"}, firer.fired)
}

func TestOfferTimer_Disarm_PreventsFire(t *testing.T) {
	client, _ := redismock.NewClientMock()
	cfg := testDispatchConfig()
	store := dispatchstore.NewStore(client, cfg)
	firer := &recordingFirer{}
	timer := NewOfferTimer(firer, store, cfg)

	timer.Arm("r1", "d1")
	timer.Disarm("r1")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, firer.count())
}

func TestOfferTimer_Arm_ReplacesPreviousTimer(t *testing.T) {
	client, _ := redismock.NewClientMock()
	cfg := testDispatchConfig()
	store := dispatchstore.NewStore(client, cfg)
	firer := &recordingFirer{}
	timer := NewOfferTimer(firer, store, cfg)
	timer.duration = 30 * time.Millisecond

	timer.Arm("r1", "d1")
	timer.Arm("r1", "d2")

	require.Eventually(t, func() bool { return firer.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"r1/d2"}, firer.fired)
}

func TestOfferTimer_SweepOnce_SynthesizesTimeoutForLapsedOffer(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cfg := testDispatchConfig()
	store := dispatchstore.NewStore(client, cfg)
	firer := &recordingFirer{}
	timer := NewOfferTimer(firer, store, cfg)

	mock.ExpectScan(0, "ride:request:*:status", 100).SetVal([]string{"ride:request:r1:status"}, 0)
	mock.ExpectGet("ride:request:r1:status").SetVal("offering")
	mock.ExpectTTL("ride:request:r1:current_driver").SetVal(10 * time.Second)
	mock.ExpectGet("ride:request:r1:current_driver").SetVal("d1")

	timer.sweepOnce(context.Background())

	assert.Equal(t, []string{"r1/d1"}, firer.fired)
}

func TestOfferTimer_SweepOnce_SkipsRequestsStillWithinWindow(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cfg := testDispatchConfig()
	store := dispatchstore.NewStore(client, cfg)
	firer := &recordingFirer{}
	timer := NewOfferTimer(firer, store, cfg)

	mock.ExpectScan(0, "ride:request:*:status", 100).SetVal([]string{"ride:request:r1:status"}, 0)
	mock.ExpectGet("ride:request:r1:status").SetVal("offering")
	mock.ExpectTTL("ride:request:r1:current_driver").SetVal(100 * time.Second)

	timer.sweepOnce(context.Background())

	assert.Empty(t, firer.fired)
}

func TestOfferTimer_SweepOnce_SkipsRequestOwnedByThisWorker(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cfg := testDispatchConfig()
	store := dispatchstore.NewStore(client, cfg)
	firer := &recordingFirer{}
	timer := NewOfferTimer(firer, store, cfg)
	timer.Arm("r1", "d1")
	defer timer.Disarm("r1")

	mock.ExpectScan(0, "ride:request:*:status", 100).SetVal([]string{"ride:request:r1:status"}, 0)
	mock.ExpectGet("ride:request:r1:status").SetVal("offering")

	timer.sweepOnce(context.Background())

	assert.Empty(t, firer.fired)
}
