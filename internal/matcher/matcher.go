// Package matcher is the ride assignment state machine. Every transition is
// one store transaction: read, validate, write. Notifications go out only
// after the transaction commits.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperror"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/queue"
	"github.com/example/ride-dispatch/internal/storage"
)

// Payments holds a rider's fare at request time and captures it when the
// ride completes. Both calls are best effort.
type Payments interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// OfferFiller fills an open pool offer inside the caller's transaction and
// returns the pooled ride it created.
type OfferFiller interface {
	FillOffer(ctx context.Context, tx storage.Tx, offerID string) (*models.PooledRide, error)
}

type Service struct {
	Store    storage.Store
	Notifier dispatch.Notifier
	Offers   OfferFiller // fills open offers on AcceptPooled
	Payments Payments    // optional
	Currency string
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

type RideRequest struct {
	RiderID   string `json:"rider_id"`
	StartZone int    `json:"start_zone"`
	DropZone  int    `json:"drop_zone"`
	Priority  *bool  `json:"priority,omitempty"`
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) notifier() dispatch.Notifier {
	if s.Notifier != nil {
		return s.Notifier
	}
	return dispatch.Nop{}
}

func (s *Service) reject(action string, err error) error {
	observability.RejectionsTotal.WithLabelValues(action, apperror.ReasonOf(err).Code).Inc()
	return err
}

// RequestRide enqueues a new immediate ride. Without an explicit priority
// the rider is prioritized when they hold an active booking.
func (s *Service) RequestRide(ctx context.Context, req RideRequest) (*models.Ride, error) {
	if req.RiderID == "" {
		return nil, s.reject("request", apperror.BadRequest("rider id is required"))
	}
	if !geo.Valid(req.StartZone) || !geo.Valid(req.DropZone) {
		return nil, s.reject("request", apperror.BadRequest("zones must be within %d..%d", geo.MinZone, geo.MaxZone))
	}

	ride := &models.Ride{
		ID:          s.newID(),
		RiderID:     req.RiderID,
		StartZone:   req.StartZone,
		DropZone:    req.DropZone,
		Status:      models.RideWaiting,
		Origin:      models.OriginImmediate,
		Price:       pricing.DriverPay(req.StartZone, req.DropZone, models.OriginImmediate),
		RequestedAt: s.now(),
	}
	if s.Payments != nil {
		fare := pricing.RiderPrice(req.StartZone, req.DropZone, false)
		ref, err := s.Payments.Hold(ctx, fare, s.Currency, "")
		if err != nil {
			s.logger().Warn("payment hold failed", "rider_id", req.RiderID, "error", err)
		}
		ride.PaymentRef = ref
	}

	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		if req.Priority != nil {
			ride.Priority = *req.Priority
		} else {
			subs, err := tx.FindBookings(ctx, storage.BookingFilter{Status: models.BookingActive, RiderID: req.RiderID})
			if err != nil {
				return err
			}
			ride.Priority = len(subs) > 0
		}
		return tx.InsertRide(ctx, ride)
	})
	if err != nil {
		if ride.PaymentRef != "" {
			if cerr := s.Payments.Cancel(ctx, ride.PaymentRef); cerr != nil {
				s.logger().Warn("payment cancel failed", "payment_ref", ride.PaymentRef, "error", cerr)
			}
		}
		return nil, s.reject("request", err)
	}

	observability.RidesRequested.WithLabelValues(string(ride.Origin)).Inc()
	s.logger().Info("ride requested", "ride_id", ride.ID, "rider_id", ride.RiderID, "priority", ride.Priority)
	s.notifier().BroadcastToDrivers(protocol.NewRideEvent(ride))
	return ride, nil
}

type assignment struct {
	ride     *models.Ride
	driver   *models.Driver
	riderIDs []string
}

func (s *Service) acceptInTx(ctx context.Context, tx storage.Tx, driverID, rideID string) (*assignment, error) {
	// Row locks are always taken driver first, then ride.
	driver, derr := tx.Driver(ctx, driverID)
	if derr != nil && !errors.Is(derr, apperror.ErrNotFound) {
		return nil, derr
	}
	ride, err := tx.Ride(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.RideWaiting {
		return nil, fmt.Errorf("ride %s is %s: %w", rideID, ride.Status, apperror.ErrRideAlreadyTaken)
	}
	if derr != nil {
		return nil, derr
	}
	if driver.Status != models.DriverAvailable {
		return nil, fmt.Errorf("driver %s is %s: %w", driverID, driver.Status, apperror.ErrDriverUnavailable)
	}
	if held, err := storage.ActiveRide(ctx, tx, driverID); err != nil {
		return nil, err
	} else if held != nil {
		return nil, fmt.Errorf("driver %s still holds ride %s: %w", driverID, held.ID, apperror.ErrDriverUnavailable)
	}

	declined, err := tx.DeclinedBy(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if declined[rideID] {
		return nil, fmt.Errorf("ride %s: %w", rideID, apperror.ErrRideDeclined)
	}
	waiting, err := tx.FindRides(ctx, storage.RideFilter{Status: models.RideWaiting})
	if err != nil {
		return nil, err
	}
	if next := queue.NextFor(waiting, declined); next != nil && next.ID != rideID {
		return nil, &apperror.OrderingViolation{AttemptedRideID: rideID, BlockingRideID: next.ID}
	}

	now := s.now()
	ride.DriverID = driverID
	ride.Status = models.RideAssigned
	ride.AssignedAt = &now
	if err := tx.SaveRide(ctx, ride); err != nil {
		return nil, err
	}
	driver.Status = models.DriverBusy
	driver.UpdatedAt = now
	if err := tx.SaveDriver(ctx, driver); err != nil {
		return nil, err
	}

	riders := []string{ride.RiderID}
	if ride.PooledRideID != "" {
		pooled, err := tx.PooledRide(ctx, ride.PooledRideID)
		if err != nil {
			return nil, err
		}
		pooled.DriverID = driverID
		pooled.Status = models.RideAssigned
		if err := tx.SavePooledRide(ctx, pooled); err != nil {
			return nil, err
		}
		riders = pooled.RiderIDs
	}
	return &assignment{ride: ride, driver: driver, riderIDs: riders}, nil
}

func (s *Service) announceAssignment(a *assignment) {
	observability.AcceptsTotal.Inc()
	observability.AcceptLatency.Observe(a.ride.AssignedAt.Sub(a.ride.RequestedAt).Seconds())
	s.logger().Info("ride assigned", "ride_id", a.ride.ID, "driver_id", a.driver.ID, "origin", a.ride.Origin)
	ev := protocol.DriverAssignedEvent(a.ride, a.driver)
	for _, riderID := range a.riderIDs {
		s.notifier().SendToRider(riderID, ev)
	}
	s.notifier().BroadcastToDrivers(protocol.RideTakenEvent(a.ride.ID, a.driver.ID))
}

// Accept assigns rideID to driverID. The ride must be waiting, the driver
// available and free of other rides, and the ride must be the one queue.NextFor
// returns for this driver.
func (s *Service) Accept(ctx context.Context, driverID, rideID string) (*models.Ride, error) {
	var a *assignment
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		a, err = s.acceptInTx(ctx, tx, driverID, rideID)
		return err
	})
	if err != nil {
		return nil, s.reject("accept", err)
	}
	s.announceAssignment(a)
	return a.ride, nil
}

// AcceptPooled lets a driver take the shared ride of a pool offer. An open
// offer is filled by the acceptance itself: every rider still on it joins the
// pooled ride and the driver is assigned in the same transaction.
func (s *Service) AcceptPooled(ctx context.Context, driverID, offerID string) (*models.Ride, error) {
	var (
		a      *assignment
		filled bool
	)
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		offer, err := tx.Offer(ctx, offerID)
		if err != nil {
			return err
		}
		var pooled *models.PooledRide
		switch {
		case offer.Status == models.OfferFilled:
			if pooled, err = tx.PooledRide(ctx, offer.PooledRideID); err != nil {
				return err
			}
		case offer.Status == models.OfferOpen && s.Offers != nil:
			if pooled, err = s.Offers.FillOffer(ctx, tx, offerID); err != nil {
				return err
			}
			filled = true
		default:
			return fmt.Errorf("offer %s is %s: %w", offerID, offer.Status, apperror.ErrOfferClosed)
		}
		a, err = s.acceptInTx(ctx, tx, driverID, pooled.RideID)
		return err
	})
	if err != nil {
		return nil, s.reject("accept_pooled", err)
	}
	if filled {
		s.logger().Info("pool offer filled by driver", "offer_id", offerID, "driver_id", driverID, "riders", len(a.riderIDs))
		ev := protocol.PoolFilledEvent(offerID, a.ride.ID)
		for _, riderID := range a.riderIDs {
			s.notifier().SendToRider(riderID, ev)
		}
	}
	s.announceAssignment(a)
	return a.ride, nil
}

// Decline hides a waiting ride from this driver only.
func (s *Service) Decline(ctx context.Context, driverID, rideID string) error {
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		ride, err := tx.Ride(ctx, rideID)
		if err != nil {
			return err
		}
		if ride.Status != models.RideWaiting {
			return fmt.Errorf("ride %s is %s: %w", rideID, ride.Status, apperror.ErrRideAlreadyTaken)
		}
		if _, err := tx.Driver(ctx, driverID); err != nil {
			return err
		}
		return tx.AddDecline(ctx, rideID, driverID)
	})
	if err != nil {
		return s.reject("decline", err)
	}
	s.logger().Debug("ride declined", "ride_id", rideID, "driver_id", driverID)
	return nil
}

// Complete finishes an assigned ride. The driver becomes available in the
// drop zone and loses any reservation metadata.
func (s *Service) Complete(ctx context.Context, driverID, rideID string) (*models.Ride, error) {
	var (
		ride   *models.Ride
		riders []string
	)
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		// driver before ride, like every other transition
		driver, derr := tx.Driver(ctx, driverID)
		if derr != nil && !errors.Is(derr, apperror.ErrNotFound) {
			return derr
		}
		var err error
		ride, err = tx.Ride(ctx, rideID)
		if err != nil {
			return err
		}
		if ride.Status != models.RideAssigned {
			return fmt.Errorf("ride %s is %s: %w", rideID, ride.Status, apperror.ErrInvalidState)
		}
		if ride.DriverID != driverID {
			return fmt.Errorf("ride %s: %w", rideID, apperror.ErrNotRideDriver)
		}
		if derr != nil {
			return derr
		}

		now := s.now()
		ride.Status = models.RideCompleted
		ride.CompletedAt = &now
		ride.Stranded = false
		if err := tx.SaveRide(ctx, ride); err != nil {
			return err
		}
		driver.Status = models.DriverAvailable
		driver.CurrentZone = ride.DropZone
		driver.ClearReservation()
		driver.UpdatedAt = now
		if err := tx.SaveDriver(ctx, driver); err != nil {
			return err
		}

		riders = []string{ride.RiderID}
		if ride.PooledRideID != "" {
			pooled, err := tx.PooledRide(ctx, ride.PooledRideID)
			if err != nil {
				return err
			}
			pooled.Status = models.RideCompleted
			if err := tx.SavePooledRide(ctx, pooled); err != nil {
				return err
			}
			riders = pooled.RiderIDs
		}
		return nil
	})
	if err != nil {
		return nil, s.reject("complete", err)
	}

	observability.CompletionsTotal.Inc()
	s.logger().Info("ride completed", "ride_id", ride.ID, "driver_id", driverID, "zone", ride.DropZone)
	if ride.PaymentRef != "" && s.Payments != nil {
		if err := s.Payments.Capture(ctx, ride.PaymentRef); err != nil {
			s.logger().Warn("payment capture failed", "ride_id", ride.ID, "error", err)
		}
	}
	for _, riderID := range riders {
		s.notifier().SendToRider(riderID, protocol.RideCompletedEvent(ride.ID))
	}
	return ride, nil
}

// heldRides returns the driver's assigned rides together with every rider
// that should hear about them.
func heldRides(ctx context.Context, tx storage.Tx, driverID string) ([]*models.Ride, map[string][]string, error) {
	rides, err := tx.FindRides(ctx, storage.RideFilter{Status: models.RideAssigned, DriverID: driverID})
	if err != nil {
		return nil, nil, err
	}
	riders := make(map[string][]string, len(rides))
	for _, r := range rides {
		riders[r.ID] = []string{r.RiderID}
		if r.PooledRideID == "" {
			continue
		}
		pooled, err := tx.PooledRide(ctx, r.PooledRideID)
		if err != nil {
			return nil, nil, err
		}
		riders[r.ID] = pooled.RiderIDs
	}
	return rides, riders, nil
}

// Disconnect releases a driver whose connection dropped. The driver returns
// to available and loses any reservation. Assigned rides stay bound to the
// driver and are flagged stranded; the driver cannot take new work until
// they resume or complete them.
func (s *Service) Disconnect(ctx context.Context, driverID string) error {
	var (
		stranded []*models.Ride
		riders   map[string][]string
	)
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		driver, err := tx.Driver(ctx, driverID)
		if err != nil {
			return err
		}
		driver.Status = models.DriverAvailable
		driver.ClearReservation()
		driver.UpdatedAt = s.now()
		if err := tx.SaveDriver(ctx, driver); err != nil {
			return err
		}
		stranded, riders, err = heldRides(ctx, tx, driverID)
		if err != nil {
			return err
		}
		for _, r := range stranded {
			r.Stranded = true
			if err := tx.SaveRide(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil
		}
		return s.reject("disconnect", err)
	}
	for _, r := range stranded {
		s.logger().Warn("ride stranded by driver disconnect", "ride_id", r.ID, "driver_id", driverID)
		ev := protocol.StatusUpdateEvent(r.ID, protocol.PhaseDriverDisconnected, "Your driver lost connection.")
		for _, riderID := range riders[r.ID] {
			s.notifier().SendToRider(riderID, ev)
		}
	}
	return nil
}

// DriverArrived tells the riders of every held ride that the driver is at
// pickup. A stranded ride is resumed.
func (s *Service) DriverArrived(ctx context.Context, driverID string) error {
	return s.progress(ctx, "driver_arrived", driverID, func(r *models.Ride) protocol.StatusUpdate {
		return protocol.StatusUpdateEvent(r.ID, protocol.PhaseArrived, "Waiting at pickup location.")
	})
}

// StartTrip tells the riders of every held ride that the trip has begun.
func (s *Service) StartTrip(ctx context.Context, driverID string) error {
	return s.progress(ctx, "start_trip", driverID, func(r *models.Ride) protocol.StatusUpdate {
		detail := fmt.Sprintf("ETA: %d mins to destination.", geo.TripMinutes(r.StartZone, r.DropZone))
		return protocol.StatusUpdateEvent(r.ID, protocol.PhaseInProgress, detail)
	})
}

func (s *Service) progress(ctx context.Context, action, driverID string, event func(*models.Ride) protocol.StatusUpdate) error {
	var (
		rides  []*models.Ride
		riders map[string][]string
	)
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		driver, err := tx.Driver(ctx, driverID)
		if err != nil {
			return err
		}
		rides, riders, err = heldRides(ctx, tx, driverID)
		if err != nil {
			return err
		}
		if len(rides) == 0 {
			return fmt.Errorf("driver %s holds no ride: %w", driverID, apperror.ErrInvalidState)
		}
		resumed := false
		for _, r := range rides {
			if !r.Stranded {
				continue
			}
			r.Stranded = false
			if err := tx.SaveRide(ctx, r); err != nil {
				return err
			}
			resumed = true
		}
		if !resumed {
			return nil
		}
		driver.Status = models.DriverBusy
		driver.UpdatedAt = s.now()
		return tx.SaveDriver(ctx, driver)
	})
	if err != nil {
		return s.reject(action, err)
	}
	for _, r := range rides {
		ev := event(r)
		for _, riderID := range riders[r.ID] {
			s.notifier().SendToRider(riderID, ev)
		}
	}
	return nil
}

// Queue lists the waiting rides in acceptance order as seen by driverID.
// An empty driverID returns the global order.
func (s *Service) Queue(ctx context.Context, driverID string) ([]*models.Ride, error) {
	var out []*models.Ride
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		waiting, err := tx.FindRides(ctx, storage.RideFilter{Status: models.RideWaiting})
		if err != nil {
			return err
		}
		declined := map[string]bool{}
		if driverID != "" {
			if declined, err = tx.DeclinedBy(ctx, driverID); err != nil {
				return err
			}
		}
		out = queue.Visible(waiting, declined)
		return nil
	})
	return out, err
}

func (s *Service) Ride(ctx context.Context, id string) (*models.Ride, error) {
	var r *models.Ride
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		r, err = tx.Ride(ctx, id)
		return err
	})
	return r, err
}

// History lists rides for a rider or a driver, oldest first.
func (s *Service) History(ctx context.Context, role dispatch.Role, id string) ([]*models.Ride, error) {
	f := storage.RideFilter{RiderID: id}
	switch role {
	case dispatch.RoleRider:
	case dispatch.RoleDriver:
		f = storage.RideFilter{DriverID: id}
	default:
		return nil, apperror.BadRequest("unknown role %q", role)
	}
	var out []*models.Ride
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.FindRides(ctx, f)
		return err
	})
	return out, err
}

func (s *Service) PriceEstimate(from, to int) (pricing.Estimate, error) {
	if !geo.Valid(from) || !geo.Valid(to) {
		return pricing.Estimate{}, apperror.BadRequest("zones must be within %d..%d", geo.MinZone, geo.MaxZone)
	}
	return pricing.EstimateFor(from, to), nil
}

// RegisterDriver creates a driver record, or refreshes the profile of a
// known driver. New drivers start available. A known driver keeps its status
// and reservation, which only dispatch transitions may change.
func (s *Service) RegisterDriver(ctx context.Context, d models.Driver) (*models.Driver, error) {
	if d.ID == "" {
		d.ID = s.newID()
	}
	if !geo.Valid(d.CurrentZone) {
		return nil, apperror.BadRequest("zone %d is not in the catalog", d.CurrentZone)
	}
	if d.Status == "" {
		d.Status = models.DriverAvailable
	}
	d.UpdatedAt = s.now()
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		cur, err := tx.Driver(ctx, d.ID)
		switch {
		case err == nil:
			d.Status = cur.Status
			d.ReservedBookingID = cur.ReservedBookingID
			d.ReservedUntil = cur.ReservedUntil
		case !errors.Is(err, apperror.ErrNotFound):
			return err
		}
		return tx.SaveDriver(ctx, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// UpdateDriverZone moves a driver to a new zone.
func (s *Service) UpdateDriverZone(ctx context.Context, driverID string, zone int) error {
	if !geo.Valid(zone) {
		return apperror.BadRequest("zone %d is not in the catalog", zone)
	}
	return s.Store.InTx(ctx, func(tx storage.Tx) error {
		d, err := tx.Driver(ctx, driverID)
		if err != nil {
			return err
		}
		d.CurrentZone = zone
		d.UpdatedAt = s.now()
		return tx.SaveDriver(ctx, d)
	})
}
