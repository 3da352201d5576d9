package dispatch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/ride-dispatch/internal/dispatchstore"
	"github.com/fleetops/ride-dispatch/internal/notify"
	"github.com/fleetops/ride-dispatch/pkg/config"
	"github.com/fleetops/ride-dispatch/pkg/models"
)

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		OfferTimeoutSeconds:   60,
		QueueTTLSeconds:       600,
		AcceptedTTLSeconds:    3600,
		ResponseLogTTLSeconds: 86400,
		LivenessTTLSeconds:    300,
		SearchRadiusKm:        5,
		SearchLimit:           10,
	}
}

type sentNotification struct {
	userID string
	kind   models.NotificationKind
}

type fakeNotifier struct {
	sent []sentNotification
}

func (f *fakeNotifier) Send(ctx context.Context, userID string, kind models.NotificationKind, payload notify.Payload) error {
	f.sent = append(f.sent, sentNotification{userID: userID, kind: kind})
	return nil
}

type fakeTimer struct {
	armed   map[string]string
	disarms []string
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{armed: make(map[string]string)}
}

func (f *fakeTimer) Arm(requestID, driverID string) {
	f.armed[requestID] = driverID
}

func (f *fakeTimer) Disarm(requestID string) {
	f.disarms = append(f.disarms, requestID)
	delete(f.armed, requestID)
}

func setupEngine(t *testing.T) (*Engine, redismock.ClientMock, *fakeNotifier, *fakeTimer) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	cfg := testDispatchConfig()
	store := dispatchstore.NewStore(client, cfg)
	queue := dispatchstore.NewQueue(client, cfg)
	notifier := &fakeNotifier{}
	timer := newFakeTimer()

	engine := NewEngine(store, queue, notifier)
	engine.SetTimer(timer)
	return engine, mock, notifier, timer
}

func testSnapshot() dispatchstore.TripSnapshot {
	return dispatchstore.TripSnapshot{
		RequestID:     "r1",
		PassengerID:   "p1",
		PassengerName: "Jamie",
		PickupLat:     40.7128,
		PickupLng:     -74.0060,
		PickupAddress: "Pickup St",
		DistanceKm:    1.4,
		DurationMin:   6,
		Priority:      "normal",
		ProposedFare:  12.5,
	}
}

func mustMarshal(t *testing.T, snapshot dispatchstore.TripSnapshot) string {
	t.Helper()
	data, err := json.Marshal(snapshot)
	require.NoError(t, err)
	return string(data)
}

// S1 — first driver accepts (offer phase).
func TestEngine_Admit_OffersFirstCandidate(t *testing.T) {
	engine, mock, notifier, timer := setupEngine(t)
	ctx := context.Background()
	snapshot := testSnapshot()
	cfg := testDispatchConfig()

	mock.Regexp().ExpectSet("ride:request:r1:snapshot", `.*`, cfg.QueueTTL()).SetVal("OK")
	mock.ExpectRPush("ride:request:r1:queue", "d1", "d2", "d3").SetVal(3)
	mock.ExpectExpire("ride:request:r1:queue", cfg.QueueTTL()).SetVal(true)
	mock.ExpectSet("ride:request:r1:status", "offering", cfg.QueueTTL()).SetVal("OK")
	mock.ExpectGet("ride:request:r1:snapshot").SetVal(mustMarshal(t, snapshot))
	mock.ExpectLPop("ride:request:r1:queue").SetVal("d1")
	mock.Regexp().ExpectEvalSha(`.*`, []string{"ride:request:r1:current_driver"}, "", "d1", `\d+`).SetVal(int64(1))

	err := engine.Admit(ctx, snapshot, []string{"d1", "d2", "d3"})
	require.NoError(t, err)

	assert.Equal(t, "d1", timer.armed["r1"])
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "d1", notifier.sent[0].userID)
	assert.Equal(t, models.NotificationRideRequest, notifier.sent[0].kind)
}

// S3 — exhaustion on admission with no candidates at all.
func TestEngine_Admit_EmptyCandidatesExhaustsImmediately(t *testing.T) {
	engine, mock, notifier, _ := setupEngine(t)
	ctx := context.Background()
	snapshot := testSnapshot()
	cfg := testDispatchConfig()

	mock.Regexp().ExpectSet("ride:request:r1:snapshot", `.*`, cfg.QueueTTL()).SetVal("OK")
	mock.ExpectSet("ride:request:r1:status", "exhausted", cfg.AcceptedTTL()).SetVal("OK")
	mock.ExpectDel("ride:request:r1:queue", "ride:request:r1:current_driver", "ride:request:r1:snapshot").SetVal(3)

	err := engine.Admit(ctx, snapshot, nil)
	require.NoError(t, err)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "p1", notifier.sent[0].userID)
	assert.Equal(t, models.NotificationNoDriversAvailable, notifier.sent[0].kind)
}

// S1 continued — accept.
func TestEngine_Respond_AcceptAppliesAndNotifiesPassenger(t *testing.T) {
	engine, mock, notifier, timer := setupEngine(t)
	ctx := context.Background()
	snapshot := testSnapshot()
	cfg := testDispatchConfig()

	mock.ExpectGet("ride:request:r1:status").SetVal("offering")
	mock.Regexp().ExpectEvalSha(`.*`, []string{"ride:request:r1:current_driver"}, "d1").SetVal(int64(1))
	mock.Regexp().ExpectRPush("ride:request:r1:responses", `.*`).SetVal(1)
	mock.ExpectExpire("ride:request:r1:responses", cfg.ResponseLogTTL()).SetVal(true)
	mock.ExpectSet("ride:request:r1:driver", "d1", cfg.AcceptedTTL()).SetVal("OK")
	mock.ExpectSet("ride:request:r1:eta", 5, cfg.AcceptedTTL()).SetVal("OK")
	mock.ExpectGet("ride:request:r1:snapshot").SetVal(mustMarshal(t, snapshot))
	mock.ExpectSet("ride:request:r1:status", "accepted", cfg.AcceptedTTL()).SetVal("OK")
	mock.ExpectDel("ride:request:r1:queue", "ride:request:r1:current_driver", "ride:request:r1:snapshot").SetVal(3)

	applied, err := engine.Respond(ctx, "r1", "d1", VerdictAccept, 5)
	require.NoError(t, err)
	assert.True(t, applied)

	assert.Contains(t, timer.disarms, "r1")
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "p1", notifier.sent[0].userID)
	assert.Equal(t, models.NotificationRideAccepted, notifier.sent[0].kind)
}

// S4 — wrong-driver response.
func TestEngine_Respond_WrongDriverNotApplied(t *testing.T) {
	engine, mock, notifier, _ := setupEngine(t)
	ctx := context.Background()

	mock.ExpectGet("ride:request:r1:status").SetVal("offering")
	mock.Regexp().ExpectEvalSha(`.*`, []string{"ride:request:r1:current_driver"}, "d2").SetVal(int64(0))

	applied, err := engine.Respond(ctx, "r1", "d2", VerdictAccept, 5)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Empty(t, notifier.sent)
}

// S2 — decline advances to the next candidate.
func TestEngine_Respond_DeclineAdvancesToNextCandidate(t *testing.T) {
	engine, mock, notifier, timer := setupEngine(t)
	ctx := context.Background()
	snapshot := testSnapshot()
	cfg := testDispatchConfig()

	mock.ExpectGet("ride:request:r1:status").SetVal("offering")
	mock.Regexp().ExpectEvalSha(`.*`, []string{"ride:request:r1:current_driver"}, "d2").SetVal(int64(1))
	mock.Regexp().ExpectRPush("ride:request:r1:responses", `.*`).SetVal(1)
	mock.ExpectExpire("ride:request:r1:responses", cfg.ResponseLogTTL()).SetVal(true)
	mock.ExpectGet("ride:request:r1:snapshot").SetVal(mustMarshal(t, snapshot))
	mock.ExpectLPop("ride:request:r1:queue").SetVal("d3")
	mock.Regexp().ExpectEvalSha(`.*`, []string{"ride:request:r1:current_driver"}, "", "d3", `\d+`).SetVal(int64(1))

	applied, err := engine.Respond(ctx, "r1", "d2", VerdictDecline, 0)
	require.NoError(t, err)
	assert.True(t, applied)

	assert.Equal(t, "d3", timer.armed["r1"])
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "d3", notifier.sent[0].userID)
}

// Timeout advances past the expired offeree, mirroring S2's first hop.
func TestEngine_Timeout_AdvancesToNextCandidate(t *testing.T) {
	engine, mock, notifier, _ := setupEngine(t)
	ctx := context.Background()
	snapshot := testSnapshot()
	cfg := testDispatchConfig()

	mock.ExpectGet("ride:request:r1:status").SetVal("offering")
	mock.Regexp().ExpectEvalSha(`.*`, []string{"ride:request:r1:current_driver"}, "d1").SetVal(int64(1))
	mock.Regexp().ExpectRPush("ride:request:r1:responses", `.*`).SetVal(1)
	mock.ExpectExpire("ride:request:r1:responses", cfg.ResponseLogTTL()).SetVal(true)
	mock.ExpectGet("ride:request:r1:snapshot").SetVal(mustMarshal(t, snapshot))
	mock.ExpectLPop("ride:request:r1:queue").SetVal("d2")
	mock.Regexp().ExpectEvalSha(`.*`, []string{"ride:request:r1:current_driver"}, "", "d2", `\d+`).SetVal(int64(1))

	err := engine.Timeout(ctx, "r1", "d1")
	require.NoError(t, err)

	require.Len(t, notifier.sent, 2)
	assert.Equal(t, models.NotificationRideRequestExpired, notifier.sent[0].kind)
	assert.Equal(t, "d1", notifier.sent[0].userID)
	assert.Equal(t, models.NotificationRideRequest, notifier.sent[1].kind)
	assert.Equal(t, "d2", notifier.sent[1].userID)
}

// S5 — two concurrent accepts from the same offeree must not both apply.
// The claim is a single atomic Redis script call, so the second Respond
// never even reaches AppendResponse/accept once the first has claimed it.
func TestEngine_Respond_ConcurrentAcceptsOnlyOneApplies(t *testing.T) {
	engine, mock, notifier, timer := setupEngine(t)
	ctx := context.Background()
	snapshot := testSnapshot()
	cfg := testDispatchConfig()

	mock.ExpectGet("ride:request:r1:status").SetVal("offering")
	mock.Regexp().ExpectEvalSha(`.*`, []string{"ride:request:r1:current_driver"}, "d1").SetVal(int64(1))
	mock.Regexp().ExpectRPush("ride:request:r1:responses", `.*`).SetVal(1)
	mock.ExpectExpire("ride:request:r1:responses", cfg.ResponseLogTTL()).SetVal(true)
	mock.ExpectSet("ride:request:r1:driver", "d1", cfg.AcceptedTTL()).SetVal("OK")
	mock.ExpectSet("ride:request:r1:eta", 5, cfg.AcceptedTTL()).SetVal("OK")
	mock.ExpectGet("ride:request:r1:snapshot").SetVal(mustMarshal(t, snapshot))
	mock.ExpectSet("ride:request:r1:status", "accepted", cfg.AcceptedTTL()).SetVal("OK")
	mock.ExpectDel("ride:request:r1:queue", "ride:request:r1:current_driver", "ride:request:r1:snapshot").SetVal(3)

	mock.ExpectGet("ride:request:r1:status").SetVal("offering")
	mock.Regexp().ExpectEvalSha(`.*`, []string{"ride:request:r1:current_driver"}, "d1").SetVal(int64(0))

	firstApplied, err := engine.Respond(ctx, "r1", "d1", VerdictAccept, 5)
	require.NoError(t, err)
	secondApplied, err := engine.Respond(ctx, "r1", "d1", VerdictAccept, 5)
	require.NoError(t, err)

	assert.True(t, firstApplied)
	assert.False(t, secondApplied)
	assert.Contains(t, timer.disarms, "r1")
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, models.NotificationRideAccepted, notifier.sent[0].kind)
}

// Timeout is a no-op if the engine already advanced past driverID.
func TestEngine_Timeout_NoOpIfNoLongerCurrentOfferee(t *testing.T) {
	engine, mock, notifier, _ := setupEngine(t)
	ctx := context.Background()

	mock.ExpectGet("ride:request:r1:status").SetVal("offering")
	mock.Regexp().ExpectEvalSha(`.*`, []string{"ride:request:r1:current_driver"}, "d1").SetVal(int64(0))

	err := engine.Timeout(ctx, "r1", "d1")
	require.NoError(t, err)
	assert.Empty(t, notifier.sent)
}
