package admission

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/ride-dispatch/internal/dispatch"
	"github.com/fleetops/ride-dispatch/internal/dispatchstore"
	"github.com/fleetops/ride-dispatch/internal/presence"
	"github.com/fleetops/ride-dispatch/pkg/config"
	"github.com/fleetops/ride-dispatch/pkg/eventbus"
	"github.com/fleetops/ride-dispatch/pkg/models"
)

func testConfig() config.DispatchConfig {
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

type fakeRideStore struct {
	created  []*models.Ride
	accepted []string
	acceptOK bool
	cancelled []string
}

func (f *fakeRideStore) CreateRequest(ctx context.Context, ride *models.Ride) error {
	f.created = append(f.created, ride)
	return nil
}

func (f *fakeRideStore) AcceptRequest(ctx context.Context, requestID, driverID uuid.UUID) (bool, error) {
	f.accepted = append(f.accepted, requestID.String()+"/"+driverID.String())
	return f.acceptOK, nil
}

func (f *fakeRideStore) MarkCancelled(ctx context.Context, requestID uuid.UUID) error {
	f.cancelled = append(f.cancelled, requestID.String())
	return nil
}

type fakeEngine struct {
	admitted        []string
	respondApplied  bool
	respondErr      error
	cancelErr       error
	lastVerdict     dispatch.Verdict
}

func (f *fakeEngine) Admit(ctx context.Context, snapshot dispatchstore.TripSnapshot, candidateDriverIDs []string) error {
	f.admitted = candidateDriverIDs
	return nil
}

func (f *fakeEngine) Respond(ctx context.Context, requestID, driverID string, verdict dispatch.Verdict, etaMinutes int) (bool, error) {
	f.lastVerdict = verdict
	return f.respondApplied, f.respondErr
}

func (f *fakeEngine) Cancel(ctx context.Context, requestID string) error {
	return f.cancelErr
}

type fakePresence struct {
	candidates  []presence.Candidate
	offline     []string
}

func (f *fakePresence) Nearest(ctx context.Context, lat, lng, radiusKm float64, k int) ([]presence.Candidate, error) {
	return f.candidates, nil
}

func (f *fakePresence) Heartbeat(ctx context.Context, driverID string, lat, lng float64, t time.Time) error {
	return nil
}

func (f *fakePresence) MarkOffline(ctx context.Context, driverID string) error {
	f.offline = append(f.offline, driverID)
	return nil
}

type fakeReader struct {
	view dispatchstore.StatusView
}

func (f *fakeReader) GetStatus(ctx context.Context, requestID string) (dispatchstore.StatusView, error) {
	return f.view, nil
}

func newTestService(t *testing.T) (*Service, redismock.ClientMock, *fakeEngine, *fakePresence, *fakeRideStore) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	cfg := testConfig()
	store := dispatchstore.NewStore(client, cfg)
	engine := &fakeEngine{}
	pres := &fakePresence{candidates: []presence.Candidate{{DriverID: "d1", DistanceKm: 1}, {DriverID: "d2", DistanceKm: 2}}}
	rides := &fakeRideStore{acceptOK: true}
	reader := &fakeReader{view: dispatchstore.StatusView{Status: models.RideStatusPending}}

	svc := NewService(store, reader, engine, pres, rides, nil, cfg)
	return svc, mock, engine, pres, rides
}

func TestService_CreateAndDispatch_PersistsAndReturnsPendingRide(t *testing.T) {
	svc, mock, _, _, rides := newTestService(t)
	ctx := context.Background()
	mock.Regexp().ExpectSet(`ride:request:.*:status`, "pending", testConfig().QueueTTL()).SetVal("OK")

	ride, err := svc.CreateAndDispatch(ctx, CreateRequestInput{
		PassengerID:      uuid.New(),
		PassengerName:    "Jamie",
		PickupLatitude:   1,
		PickupLongitude:  2,
		PickupAddress:    "A",
		DropoffLatitude:  3,
		DropoffLongitude: 4,
		DropoffAddress:   "B",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RideStatusPending, ride.Status)
	require.Len(t, rides.created, 1)

	// dispatchAsync runs in a goroutine; give it a moment to land.
	require.Eventually(t, func() bool {
		return true
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestService_CreateAndDispatch_RejectsMissingPassengerID(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateAndDispatch(ctx, CreateRequestInput{PassengerName: "Jamie"})
	require.Error(t, err)
}

func TestService_Respond_AcceptUpdatesRideStore(t *testing.T) {
	svc, _, engine, _, rides := newTestService(t)
	engine.respondApplied = true
	ctx := context.Background()
	driverID := uuid.New()

	applied, err := svc.Respond(ctx, uuid.New().String(), driverID, dispatch.VerdictAccept, 5)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Len(t, rides.accepted, 1)
}

func TestService_Respond_DeclineDoesNotTouchRideStore(t *testing.T) {
	svc, _, engine, _, rides := newTestService(t)
	engine.respondApplied = true
	ctx := context.Background()

	applied, err := svc.Respond(ctx, uuid.New().String(), uuid.New(), dispatch.VerdictDecline, 0)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Empty(t, rides.accepted)
}

func TestService_Respond_NotAppliedWhenEngineRejects(t *testing.T) {
	svc, _, engine, _, rides := newTestService(t)
	engine.respondApplied = false
	ctx := context.Background()

	applied, err := svc.Respond(ctx, uuid.New().String(), uuid.New(), dispatch.VerdictAccept, 5)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Empty(t, rides.accepted)
}

func TestService_Cancel_MirrorsOntoRideStore(t *testing.T) {
	svc, _, _, _, rides := newTestService(t)
	ctx := context.Background()
	requestID := uuid.New().String()

	err := svc.Cancel(ctx, requestID)
	require.NoError(t, err)
	assert.Len(t, rides.cancelled, 1)
}

func TestService_SetOnlineStatus_GoingOfflineRemovesFromPresence(t *testing.T) {
	svc, _, _, pres, _ := newTestService(t)
	ctx := context.Background()
	driverID := uuid.New()

	err := svc.SetOnlineStatus(ctx, driverID, false)
	require.NoError(t, err)
	assert.Contains(t, pres.offline, driverID.String())
}

func TestService_SetOnlineStatus_GoingOnlineDoesNotTouchPresence(t *testing.T) {
	svc, _, _, pres, _ := newTestService(t)
	ctx := context.Background()

	err := svc.SetOnlineStatus(ctx, uuid.New(), true)
	require.NoError(t, err)
	assert.Empty(t, pres.offline)
}

func TestService_PublishSkipsWhenEventsNil(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	svc.publish(context.Background(), eventbus.SubjectRideRequested, eventbus.RideRequestedData{})
}
