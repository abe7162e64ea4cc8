package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperror"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pool"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/storage"
)

type driverInbox struct {
	mu  sync.Mutex
	got []protocol.Event
}

func (d *driverInbox) BroadcastToDrivers(protocol.Event)  {}
func (d *driverInbox) SendToRider(string, protocol.Event) {}
func (d *driverInbox) SendToDriver(_ string, ev protocol.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, ev)
}

func newGateway(t *testing.T) (*Gateway, *matcher.Service) {
	t.Helper()
	store := storage.NewMemoryStore()
	clock := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	seq := 0
	svc := &matcher.Service{
		Store: store,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
		NewID: func() string {
			seq++
			return fmt.Sprintf("ride-%d", seq)
		},
	}
	_, err := svc.RegisterDriver(context.Background(), models.Driver{ID: "d1", Name: "Asha", CurrentZone: 4})
	require.NoError(t, err)
	return New(svc, &pool.Aggregator{Store: store}, nil), svc
}

var (
	rider  = Caller{Role: dispatch.RoleRider, ID: "r1"}
	driver = Caller{Role: dispatch.RoleDriver, ID: "d1"}
)

func TestRequestRideRepliesSearching(t *testing.T) {
	g, _ := newGateway(t)
	reply := g.Handle(context.Background(), rider, protocol.RequestRide{StartZone: 4, DropZone: 9})

	status, ok := reply.(protocol.StatusUpdate)
	require.True(t, ok, "got %#v", reply)
	assert.Equal(t, protocol.PhaseSearching, status.Phase)
	assert.Equal(t, "ride-1", status.RideID)
}

func TestRolesAreEnforced(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()

	cases := []struct {
		caller Caller
		msg    protocol.Inbound
	}{
		{driver, protocol.RequestRide{StartZone: 1, DropZone: 2}},
		{rider, protocol.AcceptRide{RideID: "x"}},
		{rider, protocol.CompleteRide{RideID: "x"}},
		{rider, protocol.StartTrip{}},
		{driver, protocol.JoinPool{OfferID: "o"}},
	}
	for _, tc := range cases {
		reply := g.Handle(ctx, tc.caller, tc.msg)
		ev, ok := reply.(protocol.Error)
		require.True(t, ok, "%T from %s: got %#v", tc.msg, tc.caller.Role, reply)
		assert.Equal(t, apperror.CodeBadRequest, ev.Code)
	}
}

func TestIdentityComesFromSession(t *testing.T) {
	g, svc := newGateway(t)
	ctx := context.Background()
	ride, err := svc.RequestRide(ctx, matcher.RideRequest{RiderID: "r1", StartZone: 4, DropZone: 6})
	require.NoError(t, err)

	reply := g.Handle(ctx, driver, protocol.AcceptRide{DriverID: "someone-else", RideID: ride.ID})
	assert.Nil(t, reply)

	got, err := svc.Ride(ctx, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, "d1", got.DriverID)

	reply = g.Handle(ctx, driver, protocol.CompleteRide{RideID: ride.ID})
	assert.Equal(t, protocol.RideCompletedEvent(ride.ID), reply)
}

func TestAcceptOutOfOrderReturnsBlockingRide(t *testing.T) {
	g, svc := newGateway(t)
	ctx := context.Background()
	vip := true
	first, err := svc.RequestRide(ctx, matcher.RideRequest{RiderID: "a", StartZone: 4, DropZone: 6, Priority: &vip})
	require.NoError(t, err)
	second, err := svc.RequestRide(ctx, matcher.RideRequest{RiderID: "b", StartZone: 4, DropZone: 6})
	require.NoError(t, err)

	reply := g.Handle(ctx, driver, protocol.AcceptRide{RideID: second.ID})
	ev, ok := reply.(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeOrderingViolation, ev.Code)
	assert.Equal(t, first.ID, ev.BlockingEntityID)
}

func TestPriceEstimateReply(t *testing.T) {
	g, _ := newGateway(t)
	reply := g.Handle(context.Background(), rider, protocol.PriceEstimate{StartZone: 10, DropZone: 8})
	assert.Equal(t, protocol.PriceQuoteEvent(400, 280), reply)

	reply = g.Handle(context.Background(), rider, protocol.PriceEstimate{StartZone: 0, DropZone: 8})
	assert.Equal(t, protocol.TypeError, reply.EventType())
}

func TestDeclinePoolUnknownOffer(t *testing.T) {
	g, _ := newGateway(t)
	reply := g.Handle(context.Background(), rider, protocol.DeclinePool{OfferID: "missing"})
	ev, ok := reply.(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeOfferNotFound, ev.Code)
}

func TestGreetReplaysQueue(t *testing.T) {
	g, svc := newGateway(t)
	ctx := context.Background()
	for _, r := range []string{"a", "b"} {
		_, err := svc.RequestRide(ctx, matcher.RideRequest{RiderID: r, StartZone: 4, DropZone: 6})
		require.NoError(t, err)
	}

	inbox := &driverInbox{}
	g.Greet(ctx, driver, inbox)
	g.Greet(ctx, rider, inbox)
	require.Len(t, inbox.got, 2)
	assert.Equal(t, "ride-1", inbox.got[0].(protocol.NewRide).RideID)
}
