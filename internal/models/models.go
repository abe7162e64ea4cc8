package models

import (
	"slices"
	"time"
)

type DriverStatus string

const (
	DriverAvailable DriverStatus = "available"
	DriverBusy      DriverStatus = "busy"
)

type Driver struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	Vehicle           string       `json:"vehicle"`
	CurrentZone       int          `json:"current_zone"`
	Status            DriverStatus `json:"status"`
	ReservedBookingID string       `json:"reserved_booking_id,omitempty"`
	ReservedUntil     *time.Time   `json:"reserved_until,omitempty"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Reserved reports whether the driver holds reservation metadata that has not
// yet expired at now.
func (d *Driver) Reserved(now time.Time) bool {
	return d.ReservedBookingID != "" && d.ReservedUntil != nil && d.ReservedUntil.After(now)
}

func (d *Driver) ClearReservation() {
	d.ReservedBookingID = ""
	d.ReservedUntil = nil
}

func (d *Driver) Clone() *Driver {
	if d == nil {
		return nil
	}
	c := *d
	c.ReservedUntil = cloneTime(d.ReservedUntil)
	return &c
}

type RideStatus string

const (
	RideWaiting   RideStatus = "waiting"
	RideAssigned  RideStatus = "assigned"
	RideCompleted RideStatus = "completed"
)

// rank orders ride states so transitions can be checked for monotonicity.
func (s RideStatus) rank() int {
	switch s {
	case RideWaiting:
		return 0
	case RideAssigned:
		return 1
	case RideCompleted:
		return 2
	}
	return -1
}

// CanMoveTo reports whether next is the direct successor of s.
func (s RideStatus) CanMoveTo(next RideStatus) bool {
	return s.rank() >= 0 && next.rank() == s.rank()+1
}

type RideOrigin string

const (
	OriginImmediate RideOrigin = "immediate"
	OriginScheduled RideOrigin = "scheduled"
	OriginPool      RideOrigin = "pool"
)

type Ride struct {
	ID           string     `json:"id"`
	RiderID      string     `json:"rider_id"`
	DriverID     string     `json:"driver_id,omitempty"`
	StartZone    int        `json:"start_zone"`
	DropZone     int        `json:"drop_zone"`
	Priority     bool       `json:"priority"`
	Status       RideStatus `json:"status"`
	Origin       RideOrigin `json:"origin"`
	Price        int64      `json:"price"`
	OccurrenceID string     `json:"occurrence_id,omitempty"`
	PooledRideID string     `json:"pooled_ride_id,omitempty"`
	PaymentRef   string     `json:"payment_ref,omitempty"`
	Stranded     bool       `json:"stranded,omitempty"`
	RequestedAt  time.Time  `json:"requested_at"`
	AssignedAt   *time.Time `json:"assigned_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	c.AssignedAt = cloneTime(r.AssignedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	return &c
}

type BookingMode string

const (
	ModeSolo BookingMode = "solo"
	ModePool BookingMode = "pool"
)

type BookingStatus string

const (
	BookingActive    BookingStatus = "active"
	BookingCancelled BookingStatus = "cancelled"
	BookingPaused    BookingStatus = "paused"
)

// Booking is a recurring ride template. Days holds weekday tokens
// ("mon".."sun") and TimeOfDay is "HH:MM" in the dispatch time zone.
type Booking struct {
	ID           string        `json:"id"`
	RiderID      string        `json:"rider_id"`
	StartZone    int           `json:"start_zone"`
	DropZone     int           `json:"drop_zone"`
	Days         []string      `json:"days"`
	TimeOfDay    string        `json:"time_of_day"`
	StartDate    time.Time     `json:"start_date"`
	EndDate      *time.Time    `json:"end_date,omitempty"`
	Mode         BookingMode   `json:"mode"`
	Status       BookingStatus `json:"status"`
	MonthlyPrice int64         `json:"monthly_price"`
	CreatedAt    time.Time     `json:"created_at"`
}

func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	c := *b
	c.Days = slices.Clone(b.Days)
	c.EndDate = cloneTime(b.EndDate)
	return &c
}

type OccurrenceStatus string

const (
	OccurrenceWaiting  OccurrenceStatus = "waiting"
	OccurrenceAssigned OccurrenceStatus = "assigned"
)

type Occurrence struct {
	ID           string           `json:"id"`
	BookingID    string           `json:"booking_id"`
	ScheduledFor time.Time        `json:"scheduled_for"`
	RideID       string           `json:"ride_id,omitempty"`
	OfferID      string           `json:"offer_id,omitempty"`
	Status       OccurrenceStatus `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
}

func (o *Occurrence) Clone() *Occurrence {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}

type OfferStatus string

const (
	OfferOpen      OfferStatus = "open"
	OfferFilled    OfferStatus = "filled"
	OfferExpired   OfferStatus = "expired"
	OfferCancelled OfferStatus = "cancelled"
)

// PoolKey is the exact grouping key for pooled occurrences.
type PoolKey struct {
	ScheduledFor time.Time
	StartZone    int
	DropZone     int
}

// Normalize puts the timestamp in UTC so keys compare with ==.
func (k PoolKey) Normalize() PoolKey {
	k.ScheduledFor = k.ScheduledFor.UTC()
	return k
}

type PoolOffer struct {
	ID            string      `json:"id"`
	OccurrenceIDs []string    `json:"occurrence_ids"`
	Participants  []string    `json:"participants"`
	StartZone     int         `json:"start_zone"`
	DropZone      int         `json:"drop_zone"`
	ScheduledFor  time.Time   `json:"scheduled_for"`
	Status        OfferStatus `json:"status"`
	PooledRideID  string      `json:"pooled_ride_id,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

func (o *PoolOffer) Key() PoolKey {
	return PoolKey{ScheduledFor: o.ScheduledFor.UTC(), StartZone: o.StartZone, DropZone: o.DropZone}
}

func (o *PoolOffer) Clone() *PoolOffer {
	if o == nil {
		return nil
	}
	c := *o
	c.OccurrenceIDs = slices.Clone(o.OccurrenceIDs)
	c.Participants = slices.Clone(o.Participants)
	return &c
}

type PooledRide struct {
	ID        string     `json:"id"`
	OfferID   string     `json:"offer_id"`
	RiderIDs  []string   `json:"rider_ids"`
	StartZone int        `json:"start_zone"`
	DropZone  int        `json:"drop_zone"`
	DriverID  string     `json:"driver_id,omitempty"`
	RideID    string     `json:"ride_id"`
	Status    RideStatus `json:"status"`
	Priority  bool       `json:"priority"`
	CreatedAt time.Time  `json:"created_at"`
}

func (p *PooledRide) Clone() *PooledRide {
	if p == nil {
		return nil
	}
	c := *p
	c.RiderIDs = slices.Clone(p.RiderIDs)
	return &c
}

// ZoneUpdate is the driver position message carried over the ingest topic.
type ZoneUpdate struct {
	DriverID string    `json:"driver_id"`
	Zone     int       `json:"zone"`
	At       time.Time `json:"at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
