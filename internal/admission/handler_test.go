package admission

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/ride-dispatch/internal/dispatchstore"
	"github.com/fleetops/ride-dispatch/internal/presence"
	"github.com/fleetops/ride-dispatch/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestHandler(t *testing.T) (*Handler, redismock.ClientMock, *fakeEngine, *fakeRideStore) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	cfg := testConfig()
	store := dispatchstore.NewStore(client, cfg)
	engine := &fakeEngine{respondApplied: true}
	pres := &fakePresence{candidates: []presence.Candidate{{DriverID: "d1"}}}
	rides := &fakeRideStore{acceptOK: true}
	reader := &fakeReader{view: dispatchstore.StatusView{Status: models.RideStatusPending}}

	svc := NewService(store, reader, engine, pres, rides, nil, cfg)
	return NewHandler(svc), mock, engine, rides
}

func performRequest(h *Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()

	var req *http.Request
	if body != nil {
		data, _ := json.Marshal(body)
		req = httptest.NewRequest(method, path, bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}

	router := gin.New()
	h.Register(router.Group("/"))
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateRequest_ReturnsCreated(t *testing.T) {
	h, mock, _, rides := newTestHandler(t)
	mock.Regexp().ExpectSet(`ride:request:.*:status`, "pending", testConfig().QueueTTL()).SetVal("OK")

	body := CreateRequestInput{
		PassengerID:      uuid.New(),
		PassengerName:    "Jamie",
		PickupLatitude:   1,
		PickupLongitude:  2,
		PickupAddress:    "A",
		DropoffLatitude:  3,
		DropoffLongitude: 4,
		DropoffAddress:   "B",
	}

	w := performRequest(h, http.MethodPost, "/ride-requests", body)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Len(t, rides.created, 1)
}

func TestHandler_CreateRequest_BadJSONIsBadRequest(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/ride-requests", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	router := gin.New()
	h.Register(router.Group("/"))
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_DeclineRequest_AppliesAndReturnsReason(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	requestID := uuid.New()
	body := declineRequestBody{DriverID: uuid.New(), Reason: "too far"}

	w := performRequest(h, http.MethodPost, "/ride-requests/"+requestID.String()+"/decline", body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data struct {
			Applied bool   `json:"applied"`
			Reason  string `json:"reason"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Data.Applied)
	assert.Equal(t, "too far", resp.Data.Reason)
}

func TestHandler_DeclineRequest_MissingDriverIDIsBadRequest(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	requestID := uuid.New()
	body := declineRequestBody{Reason: "too far"}

	w := performRequest(h, http.MethodPost, "/ride-requests/"+requestID.String()+"/decline", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_GetRequestStatus_InvalidIDIsBadRequest(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	w := performRequest(h, http.MethodGet, "/ride-requests/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_GetRequestStatus_ReturnsProjection(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	requestID := uuid.New()

	w := performRequest(h, http.MethodGet, "/ride-requests/"+requestID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data dispatchstore.StatusView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.RideStatusPending, resp.Data.Status)
}
