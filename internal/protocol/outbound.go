package protocol

import (
	"time"

	"github.com/example/ride-dispatch/internal/apperror"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Event is anything the core pushes to a connected party. Each event
// serializes with a "type" discriminator.
type Event interface {
	EventType() string
}

const (
	TypeNewRide        = "newRide"
	TypeRideTaken      = "rideTaken"
	TypeDriverAssigned = "driverAssigned"
	TypeRideCompleted  = "rideCompleted"
	TypeStatusUpdate   = "statusUpdate"
	TypeError          = "error"
	TypePriceEstimate  = "priceEstimate"
	TypePoolOffer      = "poolOffer"
	TypePoolFilled     = "poolFilled"
)

// Phases carried by StatusUpdate.
const (
	PhaseSearching          = "searching"
	PhaseArrived            = "arrived"
	PhaseInProgress         = "in_progress"
	PhaseDriverDisconnected = "driver_disconnected"
	PhaseReserved           = "reserved"
)

type NewRide struct {
	Type     string            `json:"type"`
	RideID   string            `json:"rideId"`
	From     string            `json:"from"`
	To       string            `json:"to"`
	FromZone int               `json:"fromZone"`
	ToZone   int               `json:"toZone"`
	IsVIP    bool              `json:"isVip"`
	Price    int64             `json:"price"`
	Origin   models.RideOrigin `json:"origin"`
}

func (NewRide) EventType() string { return TypeNewRide }

func NewRideEvent(r *models.Ride) NewRide {
	return NewRide{
		Type: TypeNewRide, RideID: r.ID,
		From: geo.Name(r.StartZone), To: geo.Name(r.DropZone),
		FromZone: r.StartZone, ToZone: r.DropZone,
		IsVIP: r.Priority, Price: r.Price, Origin: r.Origin,
	}
}

type RideTaken struct {
	Type     string `json:"type"`
	RideID   string `json:"rideId"`
	DriverID string `json:"driverId"`
}

func (RideTaken) EventType() string { return TypeRideTaken }

func RideTakenEvent(rideID, driverID string) RideTaken {
	return RideTaken{Type: TypeRideTaken, RideID: rideID, DriverID: driverID}
}

type DriverAssigned struct {
	Type       string `json:"type"`
	RideID     string `json:"rideId"`
	DriverName string `json:"driverName"`
	Vehicle    string `json:"vehicle"`
	ETAMinutes int    `json:"etaMinutes"`
}

func (DriverAssigned) EventType() string { return TypeDriverAssigned }

func DriverAssignedEvent(r *models.Ride, d *models.Driver) DriverAssigned {
	return DriverAssigned{
		Type: TypeDriverAssigned, RideID: r.ID,
		DriverName: d.Name, Vehicle: d.Vehicle,
		ETAMinutes: geo.PickupMinutes(d.CurrentZone, r.StartZone),
	}
}

type RideCompleted struct {
	Type   string `json:"type"`
	RideID string `json:"rideId"`
}

func (RideCompleted) EventType() string { return TypeRideCompleted }

func RideCompletedEvent(rideID string) RideCompleted {
	return RideCompleted{Type: TypeRideCompleted, RideID: rideID}
}

type StatusUpdate struct {
	Type   string `json:"type"`
	RideID string `json:"rideId,omitempty"`
	Phase  string `json:"phase"`
	Detail string `json:"detail,omitempty"`
}

func (StatusUpdate) EventType() string { return TypeStatusUpdate }

func StatusUpdateEvent(rideID, phase, detail string) StatusUpdate {
	return StatusUpdate{Type: TypeStatusUpdate, RideID: rideID, Phase: phase, Detail: detail}
}

type Error struct {
	Type             string `json:"type"`
	Code             string `json:"code"`
	Message          string `json:"message"`
	BlockingEntityID string `json:"blockingEntityId,omitempty"`
}

func (Error) EventType() string { return TypeError }

func ErrorEvent(err error) Error {
	r := apperror.ReasonOf(err)
	return Error{Type: TypeError, Code: r.Code, Message: r.Message, BlockingEntityID: r.BlockingEntityID}
}

func PriceQuoteEvent(solo, pool int64) PriceQuote {
	return PriceQuote{Type: TypePriceEstimate, Solo: solo, Pool: pool}
}

type PriceQuote struct {
	Type string `json:"type"`
	Solo int64  `json:"solo"`
	Pool int64  `json:"pool"`
}

func (PriceQuote) EventType() string { return TypePriceEstimate }

type PoolOffer struct {
	Type         string    `json:"type"`
	OfferID      string    `json:"offerId"`
	OccurrenceID string    `json:"occurrenceId"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	ScheduledFor time.Time `json:"scheduledFor"`
	Seats        int       `json:"seats"`
	Price        int64     `json:"price"`
}

func (PoolOffer) EventType() string { return TypePoolOffer }

type PoolFilled struct {
	Type    string `json:"type"`
	OfferID string `json:"offerId"`
	RideID  string `json:"rideId"`
}

func (PoolFilled) EventType() string { return TypePoolFilled }

func PoolFilledEvent(offerID, rideID string) PoolFilled {
	return PoolFilled{Type: TypePoolFilled, OfferID: offerID, RideID: rideID}
}
