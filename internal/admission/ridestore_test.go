package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/ride-dispatch/pkg/models"
)

// fakeRow is a minimal pgx.Row double: Scan just hands dest to whatever
// closure the test supplied, so no separate SQL mocking dependency is
// needed to exercise PgRideStore's scan targets.
type fakeRow struct {
	scan func(dest ...interface{}) error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	return r.scan(dest...)
}

// fakeExecutor is a pgExecutor double driven entirely by test-supplied
// closures, mirroring pkg/database/retry.go's narrow-interface style.
type fakeExecutor struct {
	queryRow func(ctx context.Context, sql string, args ...interface{}) pgx.Row
	exec     func(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func (f *fakeExecutor) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return f.queryRow(ctx, sql, args...)
}

func (f *fakeExecutor) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	return f.exec(ctx, sql, args...)
}

func TestPgRideStore_CreateRequest_ScansReturnedTimestamps(t *testing.T) {
	now := time.Now()
	ride := &models.Ride{
		ID:      uuid.New(),
		RiderID: uuid.New(),
		Status:  models.RideStatusPending,
	}

	store := &PgRideStore{db: &fakeExecutor{
		queryRow: func(ctx context.Context, sql string, args ...interface{}) pgx.Row {
			return fakeRow{scan: func(dest ...interface{}) error {
				require.Len(t, dest, 2)
				*dest[0].(*time.Time) = now
				*dest[1].(*time.Time) = now
				return nil
			}}
		},
	}}

	err := store.CreateRequest(context.Background(), ride)
	require.NoError(t, err)
	assert.Equal(t, now, ride.CreatedAt)
	assert.Equal(t, now, ride.UpdatedAt)
}

func TestPgRideStore_CreateRequest_PropagatesError(t *testing.T) {
	store := &PgRideStore{db: &fakeExecutor{
		queryRow: func(ctx context.Context, sql string, args ...interface{}) pgx.Row {
			return fakeRow{scan: func(dest ...interface{}) error {
				return errors.New("connection reset")
			}}
		},
	}}

	err := store.CreateRequest(context.Background(), &models.Ride{})
	require.Error(t, err)
}

func TestPgRideStore_GetRequest_ScansAllColumns(t *testing.T) {
	requestID := uuid.New()
	riderID := uuid.New()
	driverID := uuid.New()
	now := time.Now()

	store := &PgRideStore{db: &fakeExecutor{
		queryRow: func(ctx context.Context, sql string, args ...interface{}) pgx.Row {
			require.Equal(t, []interface{}{requestID}, args)
			return fakeRow{scan: func(dest ...interface{}) error {
				require.Len(t, dest, 19)
				*dest[0].(*uuid.UUID) = requestID
				*dest[1].(*uuid.UUID) = riderID
				*dest[2].(**uuid.UUID) = &driverID
				*dest[3].(*models.RideStatus) = models.RideStatusAccepted
				*dest[12].(*time.Time) = now
				*dest[17].(*time.Time) = now
				*dest[18].(*time.Time) = now
				return nil
			}}
		},
	}}

	ride, err := store.GetRequest(context.Background(), requestID)
	require.NoError(t, err)
	assert.Equal(t, requestID, ride.ID)
	assert.Equal(t, riderID, ride.RiderID)
	require.NotNil(t, ride.DriverID)
	assert.Equal(t, driverID, *ride.DriverID)
	assert.Equal(t, models.RideStatusAccepted, ride.Status)
}

func TestPgRideStore_AcceptRequest_TrueWhenGuardedUpdateAffectsOneRow(t *testing.T) {
	store := &PgRideStore{db: &fakeExecutor{
		exec: func(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
			assert.Equal(t, models.RideStatusAccepted, args[0])
			assert.Equal(t, models.RideStatusPending, args[4])
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}}

	won, err := store.AcceptRequest(context.Background(), uuid.New(), uuid.New())
	require.NoError(t, err)
	assert.True(t, won)
}

// The guard (status = pending) is what makes this safe under a race: a
// second concurrent accept on an already-accepted row affects zero rows.
func TestPgRideStore_AcceptRequest_FalseWhenAlreadyAccepted(t *testing.T) {
	store := &PgRideStore{db: &fakeExecutor{
		exec: func(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}}

	won, err := store.AcceptRequest(context.Background(), uuid.New(), uuid.New())
	require.NoError(t, err)
	assert.False(t, won)
}

func TestPgRideStore_AcceptRequest_PropagatesError(t *testing.T) {
	store := &PgRideStore{db: &fakeExecutor{
		exec: func(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, errors.New("connection reset")
		},
	}}

	_, err := store.AcceptRequest(context.Background(), uuid.New(), uuid.New())
	require.Error(t, err)
}

func TestPgRideStore_MarkCancelled_ExcludesTerminalStatuses(t *testing.T) {
	store := &PgRideStore{db: &fakeExecutor{
		exec: func(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
			assert.Equal(t, models.RideStatusCancelled, args[0])
			assert.Contains(t, args, models.RideStatusAccepted)
			assert.Contains(t, args, models.RideStatusCancelled)
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}}

	err := store.MarkCancelled(context.Background(), uuid.New())
	require.NoError(t, err)
}
