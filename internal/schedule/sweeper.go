package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pool"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	PhaseGenerate = "generate"
	PhaseReserve  = "reserve"
	PhaseMaintain = "maintain"
)

type Config struct {
	Interval          time.Duration
	LookaheadDays     int
	LeadWindow        time.Duration
	ReservationBuffer time.Duration
	Location          *time.Location
}

// DefaultConfig matches the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:          30 * time.Second,
		LookaheadDays:     7,
		LeadWindow:        20 * time.Minute,
		ReservationBuffer: 15 * time.Minute,
		Location:          time.UTC,
	}
}

// Locker lets one instance at a time run a tick. A sweep is safe to run
// concurrently: every row a phase changes is locked and re-checked before it
// is written, so the lock only avoids duplicated work.
type Locker interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
}

type Sweeper struct {
	Store      storage.Store
	Aggregator *pool.Aggregator
	Notifier   dispatch.Notifier
	Locker     Locker // optional
	Config     Config
	Logger     *slog.Logger
	Now        func() time.Time
	NewID      func() string
}

// Report summarizes one tick. A failed phase leaves its counters at zero.
type Report struct {
	Generated       int
	Reserved        int
	OffersAnnounced int
	Released        int
	OffersExpired   int
	OffersCancelled int
	Skipped         bool
	Errors          map[string]error
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Sweeper) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Sweeper) location() *time.Location {
	if s.Config.Location != nil {
		return s.Config.Location
	}
	return time.UTC
}

func (s *Sweeper) interval() time.Duration {
	if s.Config.Interval > 0 {
		return s.Config.Interval
	}
	return DefaultConfig().Interval
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Sweeper) notifier() dispatch.Notifier {
	if s.Notifier != nil {
		return s.Notifier
	}
	return dispatch.Nop{}
}

// Run ticks immediately and then every Config.Interval until ctx is done.
// Phase failures are logged and never stop the loop.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger().Info("sweeper started", "interval", interval)
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.logger().Info("sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick runs the generate, reserve and maintain phases once. Each phase is its
// own transaction so a failure discards only that phase's writes.
func (s *Sweeper) Tick(ctx context.Context) Report {
	rep := Report{Errors: map[string]error{}}
	if s.Locker != nil {
		ok, err := s.Locker.Acquire(ctx, s.interval())
		switch {
		case err != nil:
			s.logger().Warn("sweep lock unavailable, sweeping anyway", "error", err)
		case !ok:
			s.logger().Debug("sweep lock held elsewhere")
			rep.Skipped = true
			return rep
		}
	}

	now := s.now()
	s.phase(ctx, &rep, PhaseGenerate, func(tx storage.Tx) (func(), error) {
		n, err := s.generate(ctx, tx, now)
		return func() { rep.Generated = n }, err
	})
	s.phase(ctx, &rep, PhaseReserve, func(tx storage.Tx) (func(), error) {
		return s.reserve(ctx, tx, now, &rep)
	})
	s.phase(ctx, &rep, PhaseMaintain, func(tx storage.Tx) (func(), error) {
		return s.maintain(ctx, tx, now, &rep)
	})
	return rep
}

// phase runs fn in a transaction. The returned callback runs only after a
// successful commit and is where counters and notifications belong.
func (s *Sweeper) phase(ctx context.Context, rep *Report, name string, fn func(storage.Tx) (func(), error)) {
	start := time.Now()
	var after func()
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		after, err = fn(tx)
		return err
	})
	observability.SweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.SweepErrors.WithLabelValues(name).Inc()
		s.logger().Error("sweep phase failed", "phase", name, "error", err)
		rep.Errors[name] = err
		return
	}
	if after != nil {
		after()
	}
}

func (s *Sweeper) generate(ctx context.Context, tx storage.Tx, now time.Time) (int, error) {
	bookings, err := tx.FindBookings(ctx, storage.BookingFilter{Status: models.BookingActive})
	if err != nil {
		return 0, err
	}
	created := 0
	for _, b := range bookings {
		times, err := Expand(b, now, s.Config.LookaheadDays, s.location())
		if err != nil {
			s.logger().Warn("skipping malformed booking", "booking_id", b.ID, "error", err)
			continue
		}
		for _, at := range times {
			ok, err := tx.InsertOccurrence(ctx, &models.Occurrence{
				ID:           s.newID(),
				BookingID:    b.ID,
				ScheduledFor: at,
				Status:       models.OccurrenceWaiting,
				CreatedAt:    now,
			})
			if err != nil {
				return 0, fmt.Errorf("insert occurrence for booking %s: %w", b.ID, err)
			}
			if ok {
				created++
			}
		}
	}
	observability.OccurrencesGenerated.Add(float64(created))
	return created, nil
}

type reservation struct {
	ride   *models.Ride
	driver *models.Driver
	pickup time.Time
}

func (s *Sweeper) reserve(ctx context.Context, tx storage.Tx, now time.Time, rep *Report) (func(), error) {
	due, err := tx.FindOccurrences(ctx, storage.OccurrenceFilter{
		Status: models.OccurrenceWaiting,
		From:   now,
		To:     now.Add(s.Config.LeadWindow),
	})
	if err != nil {
		return nil, err
	}

	// Bookings are read without row locks. Row locks follow the order used
	// everywhere else: offer, occurrence, booking, driver, ride.
	active, err := tx.FindBookings(ctx, storage.BookingFilter{Status: models.BookingActive})
	if err != nil {
		return nil, err
	}
	bookings := make(map[string]*models.Booking, len(active))
	for _, b := range active {
		bookings[b.ID] = b
	}

	var (
		candidates []pool.Candidate
		reserved   []reservation
	)
	for _, occ := range due {
		b, ok := bookings[occ.BookingID]
		if !ok {
			continue
		}
		if b.Mode == models.ModePool {
			candidates = append(candidates, pool.Candidate{Occurrence: occ, Booking: b})
			continue
		}
		r, err := s.reserveSolo(ctx, tx, occ, b, now)
		if err != nil {
			return nil, err
		}
		if r != nil {
			reserved = append(reserved, *r)
		}
	}

	var notices []pool.Notice
	if s.Aggregator != nil && len(candidates) > 0 {
		if notices, err = s.Aggregator.Route(ctx, tx, candidates); err != nil {
			return nil, err
		}
	}

	return func() {
		rep.Reserved = len(reserved)
		rep.OffersAnnounced = len(notices)
		observability.ReservationsTotal.Add(float64(len(reserved)))
		for _, r := range reserved {
			s.logger().Info("driver reserved", "driver_id", r.driver.ID, "ride_id", r.ride.ID, "booking_id", r.driver.ReservedBookingID)
			s.notifier().SendToDriver(r.driver.ID, protocol.StatusUpdateEvent(r.ride.ID, protocol.PhaseReserved,
				fmt.Sprintf("Pickup at %s.", r.pickup.In(s.location()).Format("15:04"))))
			s.notifier().SendToRider(r.ride.RiderID, protocol.DriverAssignedEvent(r.ride, r.driver))
		}
		if s.Aggregator != nil {
			s.Aggregator.Announce(notices)
		}
	}, nil
}

// reserveSolo pins the first free driver in the pickup zone to occ. It
// returns nil when no driver qualifies; the occurrence stays waiting.
func (s *Sweeper) reserveSolo(ctx context.Context, tx storage.Tx, listed *models.Occurrence, b *models.Booking, now time.Time) (*reservation, error) {
	// the listing is unlocked; another sweep may have reserved it since
	occ, err := tx.Occurrence(ctx, listed.ID)
	if err != nil {
		return nil, err
	}
	if occ.Status != models.OccurrenceWaiting || occ.RideID != "" || occ.OfferID != "" {
		return nil, nil
	}

	drivers, err := tx.FindDrivers(ctx, storage.DriverFilter{
		Status:     models.DriverAvailable,
		Zone:       b.StartZone,
		Unreserved: true,
	})
	if err != nil {
		return nil, err
	}
	for _, d := range drivers {
		// re-read so a concurrent accept serializes with this one
		driver, err := tx.Driver(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		if driver.Status != models.DriverAvailable || driver.ReservedBookingID != "" {
			continue
		}
		if held, err := storage.ActiveRide(ctx, tx, driver.ID); err != nil {
			return nil, err
		} else if held != nil {
			continue
		}

		until := occ.ScheduledFor.Add(s.Config.ReservationBuffer)
		driver.Status = models.DriverBusy
		driver.ReservedBookingID = b.ID
		driver.ReservedUntil = &until
		driver.UpdatedAt = now
		if err := tx.SaveDriver(ctx, driver); err != nil {
			return nil, err
		}

		assigned := now
		ride := &models.Ride{
			ID:           s.newID(),
			RiderID:      b.RiderID,
			DriverID:     driver.ID,
			StartZone:    b.StartZone,
			DropZone:     b.DropZone,
			Priority:     true,
			Status:       models.RideAssigned,
			Origin:       models.OriginScheduled,
			Price:        pricing.DriverPay(b.StartZone, b.DropZone, models.OriginScheduled),
			OccurrenceID: occ.ID,
			RequestedAt:  now,
			AssignedAt:   &assigned,
		}
		if err := tx.InsertRide(ctx, ride); err != nil {
			return nil, err
		}
		occ.Status = models.OccurrenceAssigned
		occ.RideID = ride.ID
		if err := tx.SaveOccurrence(ctx, occ); err != nil {
			return nil, err
		}
		return &reservation{ride: ride, driver: driver, pickup: occ.ScheduledFor}, nil
	}
	return nil, nil
}

// maintain drops reservation metadata past its expiry and tidies open offers.
func (s *Sweeper) maintain(ctx context.Context, tx storage.Tx, now time.Time, rep *Report) (func(), error) {
	drivers, err := tx.FindDrivers(ctx, storage.DriverFilter{})
	if err != nil {
		return nil, err
	}
	released := 0
	for _, listed := range drivers {
		if listed.ReservedBookingID == "" || listed.Reserved(now) {
			continue
		}
		d, err := tx.Driver(ctx, listed.ID)
		if err != nil {
			return nil, err
		}
		if d.ReservedBookingID == "" || d.Reserved(now) {
			continue
		}
		d.ClearReservation()
		d.UpdatedAt = now
		if err := tx.SaveDriver(ctx, d); err != nil {
			return nil, err
		}
		released++
	}

	var expired, cancelled int
	if s.Aggregator != nil {
		if expired, cancelled, err = s.Aggregator.Maintain(ctx, tx, now); err != nil {
			return nil, err
		}
	}
	return func() {
		rep.Released = released
		rep.OffersExpired = expired
		rep.OffersCancelled = cancelled
		if released+expired+cancelled > 0 {
			s.logger().Info("sweep maintenance", "reservations_released", released, "offers_expired", expired, "offers_cancelled", cancelled)
		}
	}, nil
}
