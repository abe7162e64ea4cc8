package storage

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Store runs every mutation inside a scoped transaction. fn's writes become
// visible only if it returns nil; any error (or panic) discards them.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Tx is the set of reads and writes available inside a transaction. Getters
// return ErrNotFound for unknown ids. Returned entities are copies; changes
// must be written back with the matching Save method.
type Tx interface {
	Driver(ctx context.Context, id string) (*models.Driver, error)
	SaveDriver(ctx context.Context, d *models.Driver) error
	FindDrivers(ctx context.Context, f DriverFilter) ([]*models.Driver, error)

	Ride(ctx context.Context, id string) (*models.Ride, error)
	InsertRide(ctx context.Context, r *models.Ride) error
	SaveRide(ctx context.Context, r *models.Ride) error
	FindRides(ctx context.Context, f RideFilter) ([]*models.Ride, error)

	// AddDecline records that driverID declined rideID. Repeats are no-ops.
	AddDecline(ctx context.Context, rideID, driverID string) error
	DeclinedBy(ctx context.Context, driverID string) (map[string]bool, error)

	Booking(ctx context.Context, id string) (*models.Booking, error)
	SaveBooking(ctx context.Context, b *models.Booking) error
	FindBookings(ctx context.Context, f BookingFilter) ([]*models.Booking, error)

	Occurrence(ctx context.Context, id string) (*models.Occurrence, error)
	// InsertOccurrence is idempotent on (BookingID, ScheduledFor); created is
	// false when an occurrence for that pair already exists.
	InsertOccurrence(ctx context.Context, o *models.Occurrence) (created bool, err error)
	SaveOccurrence(ctx context.Context, o *models.Occurrence) error
	FindOccurrences(ctx context.Context, f OccurrenceFilter) ([]*models.Occurrence, error)

	Offer(ctx context.Context, id string) (*models.PoolOffer, error)
	// InsertOffer refuses a second open offer with the same pool key and
	// reports created=false in that case.
	InsertOffer(ctx context.Context, o *models.PoolOffer) (created bool, err error)
	SaveOffer(ctx context.Context, o *models.PoolOffer) error
	FindOffers(ctx context.Context, f OfferFilter) ([]*models.PoolOffer, error)

	PooledRide(ctx context.Context, id string) (*models.PooledRide, error)
	InsertPooledRide(ctx context.Context, p *models.PooledRide) error
	SavePooledRide(ctx context.Context, p *models.PooledRide) error
}

// ActiveRide returns the assigned ride a driver still holds, or nil.
func ActiveRide(ctx context.Context, tx Tx, driverID string) (*models.Ride, error) {
	held, err := tx.FindRides(ctx, RideFilter{Status: models.RideAssigned, DriverID: driverID})
	if err != nil || len(held) == 0 {
		return nil, err
	}
	return held[0], nil
}

// Zero values in filters match everything.

type DriverFilter struct {
	Status     models.DriverStatus
	Zone       int
	Unreserved bool
}

type RideFilter struct {
	Status   models.RideStatus
	DriverID string
	RiderID  string
}

type BookingFilter struct {
	Status  models.BookingStatus
	RiderID string
}

// OccurrenceFilter bounds are inclusive.
type OccurrenceFilter struct {
	Status    models.OccurrenceStatus
	BookingID string
	From      time.Time
	To        time.Time
}

type OfferFilter struct {
	Status models.OfferStatus
	Key    *models.PoolKey
}

func (f DriverFilter) match(d *models.Driver) bool {
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Zone != 0 && d.CurrentZone != f.Zone {
		return false
	}
	if f.Unreserved && d.ReservedBookingID != "" {
		return false
	}
	return true
}

func (f RideFilter) match(r *models.Ride) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.DriverID != "" && r.DriverID != f.DriverID {
		return false
	}
	if f.RiderID != "" && r.RiderID != f.RiderID {
		return false
	}
	return true
}

func (f BookingFilter) match(b *models.Booking) bool {
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	return f.RiderID == "" || b.RiderID == f.RiderID
}

func (f OccurrenceFilter) match(o *models.Occurrence) bool {
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.BookingID != "" && o.BookingID != f.BookingID {
		return false
	}
	if !f.From.IsZero() && o.ScheduledFor.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && o.ScheduledFor.After(f.To) {
		return false
	}
	return true
}

func (f OfferFilter) match(o *models.PoolOffer) bool {
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	return f.Key == nil || o.Key() == f.Key.Normalize()
}
