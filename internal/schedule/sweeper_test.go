package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperror"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pool"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/storage"
)

type recorder struct {
	mu     sync.Mutex
	events map[string][]protocol.Event
}

func (r *recorder) add(to string, ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = map[string][]protocol.Event{}
	}
	r.events[to] = append(r.events[to], ev)
}

func (r *recorder) BroadcastToDrivers(ev protocol.Event)      { r.add("drivers", ev) }
func (r *recorder) SendToRider(id string, ev protocol.Event)  { r.add("rider:"+id, ev) }
func (r *recorder) SendToDriver(id string, ev protocol.Event) { r.add("driver:"+id, ev) }

// flakyStore fails the transactions whose 1-based call number is listed.
type flakyStore struct {
	storage.Store
	mu     sync.Mutex
	calls  int
	failOn map[int]bool
}

func (f *flakyStore) InTx(ctx context.Context, fn func(storage.Tx) error) error {
	f.mu.Lock()
	f.calls++
	fail := f.failOn[f.calls]
	f.mu.Unlock()
	return f.Store.InTx(ctx, func(tx storage.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		if fail {
			return fmt.Errorf("%w: injected", apperror.ErrStoreUnavailable)
		}
		return nil
	})
}

type env struct {
	sweeper *Sweeper
	store   *storage.MemoryStore
	note    *recorder
	clock   time.Time
}

func newEnv(now time.Time) *env {
	e := &env{store: storage.NewMemoryStore(), note: &recorder{}, clock: now}
	seq := 0
	newID := func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	clock := func() time.Time { return e.clock }
	e.sweeper = &Sweeper{
		Store:      e.store,
		Notifier:   e.note,
		Aggregator: &pool.Aggregator{Store: e.store, Notifier: e.note, Now: clock, NewID: newID},
		Config:     DefaultConfig(),
		Now:        clock,
		NewID:      newID,
	}
	return e
}

func (e *env) tx(t *testing.T, fn func(ctx context.Context, tx storage.Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.InTx(ctx, func(tx storage.Tx) error { return fn(ctx, tx) }))
}

func (e *env) booking(t *testing.T, b models.Booking) {
	t.Helper()
	if b.Status == "" {
		b.Status = models.BookingActive
	}
	if b.Mode == "" {
		b.Mode = models.ModeSolo
	}
	e.tx(t, func(ctx context.Context, tx storage.Tx) error { return tx.SaveBooking(ctx, &b) })
}

func (e *env) driver(t *testing.T, d models.Driver) {
	t.Helper()
	if d.Status == "" {
		d.Status = models.DriverAvailable
	}
	e.tx(t, func(ctx context.Context, tx storage.Tx) error { return tx.SaveDriver(ctx, &d) })
}

func (e *env) occurrences(t *testing.T, bookingID string) []*models.Occurrence {
	t.Helper()
	var out []*models.Occurrence
	e.tx(t, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.FindOccurrences(ctx, storage.OccurrenceFilter{BookingID: bookingID})
		return err
	})
	return out
}

func TestGenerationIsIdempotent(t *testing.T) {
	e := newEnv(monday(6, 0))
	e.booking(t, models.Booking{ID: "b1", RiderID: "r1", StartZone: 3, DropZone: 7, Days: []string{"mon", "wed"}, TimeOfDay: "08:00"})

	rep := e.sweeper.Tick(context.Background())
	assert.Empty(t, rep.Errors)
	assert.Equal(t, 3, rep.Generated)

	rep = e.sweeper.Tick(context.Background())
	assert.Empty(t, rep.Errors)
	assert.Zero(t, rep.Generated)
	assert.Len(t, e.occurrences(t, "b1"), 3)
}

func TestGenerationSkipsInactiveBookings(t *testing.T) {
	e := newEnv(monday(6, 0))
	e.booking(t, models.Booking{ID: "paused", RiderID: "r1", StartZone: 3, DropZone: 7, Days: []string{"mon"}, TimeOfDay: "08:00", Status: models.BookingPaused})
	e.booking(t, models.Booking{ID: "broken", RiderID: "r2", StartZone: 3, DropZone: 7, Days: []string{"mon"}, TimeOfDay: "late"})

	rep := e.sweeper.Tick(context.Background())
	assert.Empty(t, rep.Errors)
	assert.Zero(t, rep.Generated)
}

func TestSoloOccurrenceReservesDriver(t *testing.T) {
	e := newEnv(monday(6, 0))
	e.booking(t, models.Booking{ID: "b1", RiderID: "r1", StartZone: 5, DropZone: 9, Days: []string{"mon"}, TimeOfDay: "06:15"})
	e.driver(t, models.Driver{ID: "far", Name: "Far", CurrentZone: 6})
	e.driver(t, models.Driver{ID: "d1", Name: "Asha", Vehicle: "KA01", CurrentZone: 5})

	rep := e.sweeper.Tick(context.Background())
	require.Empty(t, rep.Errors)
	assert.Equal(t, 1, rep.Reserved)

	occs := e.occurrences(t, "b1")
	require.NotEmpty(t, occs)
	occ := occs[0]
	assert.Equal(t, models.OccurrenceAssigned, occ.Status)
	require.NotEmpty(t, occ.RideID)

	e.tx(t, func(ctx context.Context, tx storage.Tx) error {
		d, err := tx.Driver(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, models.DriverBusy, d.Status)
		assert.Equal(t, "b1", d.ReservedBookingID)
		require.NotNil(t, d.ReservedUntil)
		assert.True(t, d.ReservedUntil.Equal(monday(6, 30)))

		far, err := tx.Driver(ctx, "far")
		require.NoError(t, err)
		assert.Equal(t, models.DriverAvailable, far.Status)

		ride, err := tx.Ride(ctx, occ.RideID)
		require.NoError(t, err)
		assert.Equal(t, models.RideAssigned, ride.Status)
		assert.Equal(t, models.OriginScheduled, ride.Origin)
		assert.Equal(t, "d1", ride.DriverID)
		assert.True(t, ride.Priority)
		assert.Equal(t, int64(960), ride.Price)
		return nil
	})

	require.Len(t, e.note.events["driver:d1"], 1)
	status, ok := e.note.events["driver:d1"][0].(protocol.StatusUpdate)
	require.True(t, ok)
	assert.Equal(t, protocol.PhaseReserved, status.Phase)
	assert.Equal(t, "Pickup at 06:15.", status.Detail)
	require.Len(t, e.note.events["rider:r1"], 1)
	assert.Equal(t, protocol.TypeDriverAssigned, e.note.events["rider:r1"][0].EventType())

	rep = e.sweeper.Tick(context.Background())
	assert.Zero(t, rep.Reserved, "assigned occurrences are not reserved twice")
}

func TestUnmatchedOccurrenceRetriesNextTick(t *testing.T) {
	e := newEnv(monday(6, 0))
	e.booking(t, models.Booking{ID: "b1", RiderID: "r1", StartZone: 5, DropZone: 9, Days: []string{"mon"}, TimeOfDay: "06:15"})

	rep := e.sweeper.Tick(context.Background())
	assert.Zero(t, rep.Reserved)
	assert.Equal(t, models.OccurrenceWaiting, e.occurrences(t, "b1")[0].Status)

	e.driver(t, models.Driver{ID: "d1", CurrentZone: 5})
	e.clock = monday(6, 5)
	rep = e.sweeper.Tick(context.Background())
	assert.Equal(t, 1, rep.Reserved)
}

func TestReservationSkipsDriverHoldingRide(t *testing.T) {
	e := newEnv(monday(6, 0))
	e.booking(t, models.Booking{ID: "b1", RiderID: "r1", StartZone: 5, DropZone: 9, Days: []string{"mon"}, TimeOfDay: "06:15"})
	e.driver(t, models.Driver{ID: "d1", CurrentZone: 5})
	e.tx(t, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertRide(ctx, &models.Ride{ID: "stranded", RiderID: "r9", DriverID: "d1", StartZone: 5, DropZone: 6, Status: models.RideAssigned, Stranded: true})
	})

	rep := e.sweeper.Tick(context.Background())
	assert.Zero(t, rep.Reserved)
}

func TestPoolOccurrencesShareOneOffer(t *testing.T) {
	e := newEnv(monday(8, 45))
	for _, r := range []string{"a", "b"} {
		e.booking(t, models.Booking{ID: "bk-" + r, RiderID: r, StartZone: 1, DropZone: 2, Days: []string{"mon"}, TimeOfDay: "09:00", Mode: models.ModePool})
	}

	rep := e.sweeper.Tick(context.Background())
	require.Empty(t, rep.Errors)
	assert.Equal(t, 1, rep.OffersAnnounced)

	var offers []*models.PoolOffer
	e.tx(t, func(ctx context.Context, tx storage.Tx) error {
		var err error
		offers, err = tx.FindOffers(ctx, storage.OfferFilter{})
		return err
	})
	require.Len(t, offers, 1)
	assert.Len(t, offers[0].OccurrenceIDs, 2)
	assert.Equal(t, protocol.TypePoolOffer, e.note.events["rider:a"][0].EventType())

	e.booking(t, models.Booking{ID: "bk-c", RiderID: "c", StartZone: 1, DropZone: 2, Days: []string{"mon"}, TimeOfDay: "09:00", Mode: models.ModePool})
	e.sweeper.Tick(context.Background())

	e.tx(t, func(ctx context.Context, tx storage.Tx) error {
		all, err := tx.FindOffers(ctx, storage.OfferFilter{})
		require.NoError(t, err)
		require.Len(t, all, 1, "no second offer for the same key")
		assert.Len(t, all[0].OccurrenceIDs, 3)
		return nil
	})
}

func TestPhaseFailureIsIsolated(t *testing.T) {
	e := newEnv(monday(6, 0))
	flaky := &flakyStore{Store: e.store, failOn: map[int]bool{1: true}}
	e.sweeper.Store = flaky
	e.booking(t, models.Booking{ID: "b1", RiderID: "r1", StartZone: 5, DropZone: 9, Days: []string{"mon"}, TimeOfDay: "08:00"})

	rep := e.sweeper.Tick(context.Background())
	require.Contains(t, rep.Errors, PhaseGenerate)
	assert.True(t, errors.Is(rep.Errors[PhaseGenerate], apperror.ErrStoreUnavailable))
	assert.NotContains(t, rep.Errors, PhaseReserve)
	assert.NotContains(t, rep.Errors, PhaseMaintain)
	assert.Zero(t, rep.Generated)
	assert.Empty(t, e.occurrences(t, "b1"), "failed phase leaves no partial writes")

	rep = e.sweeper.Tick(context.Background())
	assert.Empty(t, rep.Errors)
	assert.Equal(t, 2, rep.Generated)
}

func TestMaintainClearsExpiredReservations(t *testing.T) {
	e := newEnv(monday(9, 0))
	until := monday(8, 30)
	e.driver(t, models.Driver{ID: "d1", CurrentZone: 5, Status: models.DriverBusy, ReservedBookingID: "b1", ReservedUntil: &until})

	rep := e.sweeper.Tick(context.Background())
	assert.Equal(t, 1, rep.Released)
	e.tx(t, func(ctx context.Context, tx storage.Tx) error {
		d, err := tx.Driver(ctx, "d1")
		require.NoError(t, err)
		assert.Empty(t, d.ReservedBookingID)
		assert.Nil(t, d.ReservedUntil)
		return nil
	})
}

// staleStore answers waiting-occurrence listings from a snapshot taken before
// a concurrent sweep committed its reservations.
type staleStore struct {
	storage.Store
	waiting []*models.Occurrence
}

func (s staleStore) InTx(ctx context.Context, fn func(storage.Tx) error) error {
	return s.Store.InTx(ctx, func(tx storage.Tx) error {
		return fn(staleOccurrenceTx{Tx: tx, waiting: s.waiting})
	})
}

type staleOccurrenceTx struct {
	storage.Tx
	waiting []*models.Occurrence
}

func (s staleOccurrenceTx) FindOccurrences(ctx context.Context, f storage.OccurrenceFilter) ([]*models.Occurrence, error) {
	if f.Status == models.OccurrenceWaiting {
		return s.waiting, nil
	}
	return s.Tx.FindOccurrences(ctx, f)
}

func TestOverlappingSweepsReserveOnce(t *testing.T) {
	e := newEnv(monday(6, 0))
	e.booking(t, models.Booking{ID: "b1", RiderID: "r1", StartZone: 5, DropZone: 9, Days: []string{"mon"}, TimeOfDay: "06:15"})
	e.sweeper.Tick(context.Background())
	listing := e.occurrences(t, "b1")
	require.NotEmpty(t, listing)

	e.driver(t, models.Driver{ID: "d1", CurrentZone: 5})
	e.driver(t, models.Driver{ID: "d2", CurrentZone: 5})

	rep := e.sweeper.Tick(context.Background())
	require.Empty(t, rep.Errors)
	require.Equal(t, 1, rep.Reserved)

	// a second instance that listed the occurrence before the first committed
	late := *e.sweeper
	late.Store = staleStore{Store: e.store, waiting: listing}
	rep = late.Tick(context.Background())
	require.Empty(t, rep.Errors)
	assert.Zero(t, rep.Reserved)

	e.tx(t, func(ctx context.Context, tx storage.Tx) error {
		rides, err := tx.FindRides(ctx, storage.RideFilter{RiderID: "r1"})
		require.NoError(t, err)
		assert.Len(t, rides, 1)

		busy := 0
		for _, id := range []string{"d1", "d2"} {
			d, err := tx.Driver(ctx, id)
			require.NoError(t, err)
			if d.Status == models.DriverBusy {
				busy++
				assert.Equal(t, rides[0].DriverID, d.ID)
			}
		}
		assert.Equal(t, 1, busy, "only one driver is reserved")
		return nil
	})
	assert.Len(t, e.note.events["rider:r1"], 1)
}

type stubLocker struct {
	ok  bool
	err error
}

func (s stubLocker) Acquire(context.Context, time.Duration) (bool, error) { return s.ok, s.err }

func TestTickHonoursLock(t *testing.T) {
	e := newEnv(monday(6, 0))
	e.booking(t, models.Booking{ID: "b1", RiderID: "r1", StartZone: 5, DropZone: 9, Days: []string{"mon"}, TimeOfDay: "08:00"})

	e.sweeper.Locker = stubLocker{ok: false}
	rep := e.sweeper.Tick(context.Background())
	assert.True(t, rep.Skipped)
	assert.Empty(t, e.occurrences(t, "b1"))

	e.sweeper.Locker = stubLocker{err: errors.New("redis down")}
	rep = e.sweeper.Tick(context.Background())
	assert.False(t, rep.Skipped)
	assert.Equal(t, 2, rep.Generated)
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEnv(monday(6, 0))
	e.sweeper.Config.Interval = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.sweeper.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
