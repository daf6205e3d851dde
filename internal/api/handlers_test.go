package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bss-eventstore/internal/auth"
	"github.com/example/bss-eventstore/internal/infrastructure/store"
	"github.com/example/bss-eventstore/internal/infrastructure/store/mocks"
	"github.com/example/bss-eventstore/internal/replay"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testAPI struct {
	router    *gin.Engine
	jwt       *auth.JWTService
	events    *mocks.MockEventStore
	snapshots *store.MemorySnapshotStore
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()

	events := mocks.NewMockEventStore()
	require.NoError(t, events.SaveEvents(ctx, "order-1", []store.Event{
		{AggregateType: "Order", EventType: "OrderPlaced", Payload: []byte(`{"total":10}`), CorrelationID: "req-1", Version: 1},
		{AggregateType: "Order", EventType: "OrderPaid", Payload: []byte{0xff, 0x00}, CorrelationID: "req-1", Version: 2},
	}, 0))
	require.NoError(t, events.SaveEvents(ctx, "order-2", []store.Event{
		{AggregateType: "Order", EventType: "OrderPlaced", Payload: []byte(`{"total":3}`), Version: 1},
	}, 0))

	snapshots := store.NewMemorySnapshotStore()
	jwtService := auth.NewJWTService("test-secret", "eventstore-admin", time.Hour)
	handlers := NewHandlers(events, snapshots, replay.NewService(events, nil), nil)

	return &testAPI{
		router:    NewRouter(handlers, jwtService, nil),
		jwt:       jwtService,
		events:    events,
		snapshots: snapshots,
	}
}

func (a *testAPI) do(t *testing.T, method, path, role string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if role != "" {
		token, _, err := a.jwt.GenerateToken("ops@example.com", role)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestRequiresToken(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/api/v1/events", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetAggregateEvents(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/v1/aggregates/order-1/events", auth.RoleReader)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 2, body["count"])

	events := body["events"].([]any)
	first := events[0].(map[string]any)
	second := events[1].(map[string]any)
	assert.Equal(t, map[string]any{"total": float64(10)}, first["payload"])
	assert.Equal(t, "/wA=", second["payload_base64"])
	assert.Nil(t, second["payload"])

	rec = a.do(t, http.MethodGet, "/api/v1/aggregates/order-1/events?since_version=1", auth.RoleReader)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = a.do(t, http.MethodGet, "/api/v1/aggregates/nope/events", auth.RoleReader)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, decode(t, rec)["events"])

	for _, bad := range []string{"-1", "abc"} {
		rec = a.do(t, http.MethodGet, "/api/v1/aggregates/order-1/events?since_version="+bad, auth.RoleReader)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestGetAggregateVersion(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/v1/aggregates/order-1/version", auth.RoleReader)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"aggregate_id":"order-1","version":2,"exists":true}`, rec.Body.String())

	rec = a.do(t, http.MethodGet, "/api/v1/aggregates/nope/version", auth.RoleReader)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"aggregate_id":"nope","version":0,"exists":false}`, rec.Body.String())
}

func TestCheckAggregateIntegrity(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/v1/aggregates/order-1/integrity", auth.RoleReader)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["valid"])
	assert.EqualValues(t, 2, body["total_events"])
}

func TestSnapshotEndpoints(t *testing.T) {
	a := newTestAPI(t)
	path := "/api/v1/aggregates/order-1/snapshot"

	rec := a.do(t, http.MethodGet, path, auth.RoleReader)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, a.snapshots.SaveSnapshot(context.Background(), store.Snapshot{
		AggregateID: "order-1", AggregateType: "Order", Version: 2, State: []byte(`{"paid":true}`),
	}))

	rec = a.do(t, http.MethodGet, path, auth.RoleReader)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 2, body["version"])
	assert.Equal(t, map[string]any{"paid": true}, body["state"])

	rec = a.do(t, http.MethodDelete, path, auth.RoleReader)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(t, http.MethodDelete, path, auth.RoleAdmin)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	has, err := a.snapshots.HasSnapshot(context.Background(), "order-1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestGetEventFeed(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/v1/events?after=1&limit=1", auth.RoleReader)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["count"])
	assert.EqualValues(t, 2, body["next_after"])

	rec = a.do(t, http.MethodGet, "/api/v1/events?after=3", auth.RoleReader)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.EqualValues(t, 0, body["count"])
	assert.EqualValues(t, 3, body["next_after"])

	for _, q := range []string{"after=-1", "after=x", "limit=0", "limit=1001"} {
		rec = a.do(t, http.MethodGet, "/api/v1/events?"+q, auth.RoleReader)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestLookups(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/v1/events/type/OrderPlaced", auth.RoleReader)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["count"])

	rec = a.do(t, http.MethodGet, "/api/v1/events/correlation/req-1", auth.RoleReader)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["count"])
}

func TestGetStatistics(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/v1/stats", auth.RoleReader)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"total_events": 3,
		"unique_aggregates": 2,
		"events_by_type": {"OrderPlaced": 2, "OrderPaid": 1},
		"last_position": 3
	}`, rec.Body.String())
}

func TestStorageUnavailable(t *testing.T) {
	a := newTestAPI(t)
	a.events.ReadErr = &store.StorageError{Op: "query events", Err: errors.New("connection refused")}

	rec := a.do(t, http.MethodGet, "/api/v1/aggregates/order-1/version", auth.RoleReader)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{store.ErrNoEvents, http.StatusBadRequest},
		{store.ErrInvalidSnapshot, http.StatusBadRequest},
		{&store.ConcurrencyConflictError{AggregateID: "a", Expected: 1, Actual: 2}, http.StatusConflict},
		{&store.IntegrityViolationError{AggregateID: "a", Expected: 2, Found: 3}, http.StatusInternalServerError},
		{&store.StorageError{Op: "insert", Err: errors.New("timeout")}, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
