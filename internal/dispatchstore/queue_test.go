package dispatchstore

import (
	"context"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_Seed_PushesInOrderAndSetsTTL(t *testing.T) {
	client, mock := redismock.NewClientMock()
	queue := NewQueue(client, testDispatchConfig())

	mock.ExpectRPush("ride:request:r1:queue", "d1", "d2", "d3").SetVal(3)
	mock.ExpectExpire("ride:request:r1:queue", queue.cfg.QueueTTL()).SetVal(true)

	n, err := queue.Seed(context.Background(), "r1", []string{"d1", "d2", "d3"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueue_Seed_EmptyListIsNoOp(t *testing.T) {
	client, _ := redismock.NewClientMock()
	queue := NewQueue(client, testDispatchConfig())

	n, err := queue.Seed(context.Background(), "r1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestQueue_PopNext_ReturnsFalseWhenEmpty(t *testing.T) {
	client, mock := redismock.NewClientMock()
	queue := NewQueue(client, testDispatchConfig())

	mock.ExpectLPop("ride:request:r1:queue").RedisNil()

	driverID, ok, err := queue.PopNext(context.Background(), "r1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, driverID)
}

func TestQueue_PopNext_ReturnsHead(t *testing.T) {
	client, mock := redismock.NewClientMock()
	queue := NewQueue(client, testDispatchConfig())

	mock.ExpectLPop("ride:request:r1:queue").SetVal("d1")

	driverID, ok, err := queue.PopNext(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "d1", driverID)
}
