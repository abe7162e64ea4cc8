package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperror"
	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pool"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakeZones struct {
	got []models.ZoneUpdate
	err error
}

func (f *fakeZones) PublishZone(_ context.Context, u models.ZoneUpdate) error {
	f.got = append(f.got, u)
	return f.err
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := storage.NewMemoryStore()
	hub := dispatch.NewHub(nil)
	clock := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	seq := 0
	m := &matcher.Service{
		Store:    store,
		Notifier: hub,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
		NewID: func() string {
			seq++
			return fmt.Sprintf("ride-%d", seq)
		},
	}
	agg := &pool.Aggregator{Store: store, Notifier: hub}
	m.Offers = agg
	return NewServer(Deps{
		Matcher:  m,
		Bookings: &booking.Service{Store: store},
		Pool:     agg,
		Gateway:  gateway.New(m, agg, nil),
		Hub:      hub,
	}, nil)
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func registerDriver(t *testing.T, s *Server, id string, zone int) {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/api/v1/drivers", map[string]any{"id": id, "name": "Driver " + id, "vehicle": "KA01", "current_zone": zone})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestRideLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	registerDriver(t, s, "d1", 3)

	rec := do(t, s, http.MethodPost, "/api/v1/rides/request", map[string]any{"rider_id": "r1", "start_zone": 3, "drop_zone": 8})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var ride models.Ride
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ride))
	assert.Equal(t, models.RideWaiting, ride.Status)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, s, http.MethodGet, "/api/v1/rides/queue?driver_id=d1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var queue []queueEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queue))
	require.Len(t, queue, 1)
	assert.Equal(t, ride.ID, queue[0].RideID)
	assert.Equal(t, 1, queue[0].Position)

	rec = do(t, s, http.MethodPost, "/api/v1/rides/"+ride.ID+"/accept", map[string]string{"driver_id": "d1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/api/v1/rides/"+ride.ID+"/accept", map[string]string{"driver_id": "d1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/rides/"+ride.ID+"/complete", map[string]string{"driver_id": "d1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ride))
	assert.Equal(t, models.RideCompleted, ride.Status)

	rec = do(t, s, http.MethodGet, "/api/v1/rides/history/driver/d1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist []models.Ride
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	assert.Len(t, hist, 1)
}

func TestOrderingViolationCarriesBlockingRide(t *testing.T) {
	s := newTestServer(t)
	registerDriver(t, s, "d1", 3)

	vip := do(t, s, http.MethodPost, "/api/v1/rides/request", map[string]any{"rider_id": "a", "start_zone": 3, "drop_zone": 8, "priority": true})
	normal := do(t, s, http.MethodPost, "/api/v1/rides/request", map[string]any{"rider_id": "b", "start_zone": 3, "drop_zone": 8})
	var first, second models.Ride
	require.NoError(t, json.Unmarshal(vip.Body.Bytes(), &first))
	require.NoError(t, json.Unmarshal(normal.Body.Bytes(), &second))

	rec := do(t, s, http.MethodPost, "/api/v1/rides/"+second.ID+"/accept", map[string]string{"driver_id": "d1"})
	require.Equal(t, http.StatusConflict, rec.Code)
	var reason apperror.Reason
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reason))
	assert.Equal(t, apperror.CodeOrderingViolation, reason.Code)
	assert.Equal(t, first.ID, reason.BlockingEntityID)
}

func TestErrorStatuses(t *testing.T) {
	s := newTestServer(t)
	cases := []struct {
		method, path string
		body         any
		want         int
	}{
		{http.MethodPost, "/api/v1/rides/request", map[string]any{"rider_id": "r1", "start_zone": 0, "drop_zone": 8}, http.StatusBadRequest},
		{http.MethodGet, "/api/v1/rides/missing", nil, http.StatusNotFound},
		{http.MethodPost, "/api/v1/rides/missing/accept", map[string]string{}, http.StatusBadRequest},
		{http.MethodGet, "/api/v1/price-estimate?from=x&to=2", nil, http.StatusBadRequest},
		{http.MethodGet, "/api/v1/rides/history/admin/1", nil, http.StatusBadRequest},
		{http.MethodPost, "/api/v1/pool-offers/missing/decline", map[string]string{"rider_id": "r1"}, http.StatusNotFound},
		{http.MethodPost, "/api/v1/bookings/missing/pause", nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := do(t, s, tc.method, tc.path, tc.body)
		assert.Equal(t, tc.want, rec.Code, "%s %s: %s", tc.method, tc.path, rec.Body.String())
	}
}

func TestStatusForTaxonomy(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(&apperror.OrderingViolation{AttemptedRideID: "a", BlockingRideID: "b"}))
	assert.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("x: %w", apperror.ErrOfferClosed)))
	assert.Equal(t, http.StatusForbidden, statusFor(apperror.ErrNotRideDriver))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(apperror.ErrStoreUnavailable))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestPriceEstimateAndZones(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/v1/price-estimate?from=10&to=8", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"solo":400,"pool":280}`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/v1/zones", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var zones []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &zones))
	assert.Len(t, zones, 101)
}

func TestBookingEndpoints(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/v1/bookings", map[string]any{
		"rider_id": "r1", "start_zone": 2, "drop_zone": 5, "days": []string{"mon"}, "time_of_day": "08:00", "mode": "solo",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var b models.Booking
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))

	rec = do(t, s, http.MethodGet, "/api/v1/riders/r1/subscription", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"is_vip":true`)

	rec = do(t, s, http.MethodPost, "/api/v1/bookings/"+b.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, s, http.MethodPost, "/api/v1/bookings/"+b.ID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/bookings/"+b.ID+"/occurrences", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestDriverZoneUpdate(t *testing.T) {
	s := newTestServer(t)
	registerDriver(t, s, "d1", 3)

	rec := do(t, s, http.MethodPost, "/internal/drivers/d1/zone", map[string]int{"zone": 7})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	zones := &fakeZones{}
	s.Zones = zones
	rec = do(t, s, http.MethodPost, "/internal/drivers/d1/zone", map[string]int{"zone": 9})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, zones.got, 1)
	assert.Equal(t, 9, zones.got[0].Zone)

	rec = do(t, s, http.MethodPost, "/internal/drivers/d1/zone", map[string]int{"zone": 500})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func readEvent(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func dial(t *testing.T, base, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(base, "http") + path
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return c
}

func TestWebsocketRideFlow(t *testing.T) {
	s := newTestServer(t)
	registerDriver(t, s, "d1", 3)
	ts := httptest.NewServer(s)
	defer ts.Close()

	driver := dial(t, ts.URL, "/ws/driver/d1")
	defer driver.Close()
	rider := dial(t, ts.URL, "/ws/rider/r1")
	defer rider.Close()
	require.Eventually(t, func() bool {
		return s.Hub.Connected(dispatch.RoleDriver, "d1") && s.Hub.Connected(dispatch.RoleRider, "r1")
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, rider.WriteJSON(map[string]any{"action": "requestRide", "startZone": 3, "dropZone": 8}))
	reply := readEvent(t, rider)
	assert.Equal(t, protocol.TypeStatusUpdate, reply["type"])
	assert.Equal(t, protocol.PhaseSearching, reply["phase"])

	ev := readEvent(t, driver)
	require.Equal(t, protocol.TypeNewRide, ev["type"])
	rideID := ev["rideId"].(string)

	require.NoError(t, driver.WriteJSON(map[string]any{"action": "acceptRide", "rideId": rideID}))
	assert.Equal(t, protocol.TypeRideTaken, readEvent(t, driver)["type"])
	assigned := readEvent(t, rider)
	assert.Equal(t, protocol.TypeDriverAssigned, assigned["type"])
	assert.Equal(t, "Driver d1", assigned["driverName"])

	require.NoError(t, driver.WriteJSON(map[string]any{"action": "bogus"}))
	assert.Equal(t, protocol.TypeError, readEvent(t, driver)["type"])

	// dropping the driver strands the ride and tells the rider
	require.NoError(t, driver.Close())
	lost := readEvent(t, rider)
	assert.Equal(t, protocol.TypeStatusUpdate, lost["type"])
	assert.Equal(t, protocol.PhaseDriverDisconnected, lost["phase"])
}
