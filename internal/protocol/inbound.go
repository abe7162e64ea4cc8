// Package protocol defines the messages exchanged with riders and drivers,
// independent of the transport that carries them.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/example/ride-dispatch/internal/apperror"
)

// Inbound is the closed set of client messages. Only types in this package
// implement it, so a type switch over Inbound can be checked for coverage.
type Inbound interface {
	inbound()
}

type RequestRide struct {
	RiderID   string `json:"riderId"`
	StartZone int    `json:"startZone"`
	DropZone  int    `json:"dropZone"`
	Priority  *bool  `json:"priority,omitempty"`
}

type AcceptRide struct {
	DriverID string `json:"driverId"`
	RideID   string `json:"rideId"`
}

type DeclineRide struct {
	DriverID string `json:"driverId"`
	RideID   string `json:"rideId"`
}

type CompleteRide struct {
	DriverID string `json:"driverId"`
	RideID   string `json:"rideId"`
}

type AcceptPooled struct {
	DriverID string `json:"driverId"`
	OfferID  string `json:"offerId"`
}

type PriceEstimate struct {
	StartZone int `json:"startZone"`
	DropZone  int `json:"dropZone"`
}

// DriverArrived and StartTrip report progress on every ride the driver
// currently holds.
type DriverArrived struct {
	DriverID string `json:"driverId"`
}

type StartTrip struct {
	DriverID string `json:"driverId"`
}

// JoinPool is a rider accepting a pool offer for one of their occurrences.
type JoinPool struct {
	RiderID      string `json:"riderId"`
	OfferID      string `json:"offerId"`
	OccurrenceID string `json:"occurrenceId"`
}

type DeclinePool struct {
	RiderID string `json:"riderId"`
	OfferID string `json:"offerId"`
}

func (RequestRide) inbound()   {}
func (AcceptRide) inbound()    {}
func (DeclineRide) inbound()   {}
func (CompleteRide) inbound()  {}
func (AcceptPooled) inbound()  {}
func (PriceEstimate) inbound() {}
func (DriverArrived) inbound() {}
func (StartTrip) inbound()     {}
func (JoinPool) inbound()      {}
func (DeclinePool) inbound()   {}

const (
	ActionRequestRide   = "requestRide"
	ActionAcceptRide    = "acceptRide"
	ActionDeclineRide   = "declineRide"
	ActionCompleteRide  = "completeRide"
	ActionAcceptPooled  = "acceptPooled"
	ActionPriceEstimate = "priceEstimate"
	ActionDriverArrived = "driverArrived"
	ActionStartTrip     = "startTrip"
	ActionJoinPool      = "joinPool"
	ActionDeclinePool   = "declinePool"
)

func decodeAs[T Inbound](data []byte) (Inbound, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, apperror.BadRequest("decode: %v", err)
	}
	return msg, nil
}

var decoders = map[string]func([]byte) (Inbound, error){
	ActionRequestRide:   decodeAs[RequestRide],
	ActionAcceptRide:    decodeAs[AcceptRide],
	ActionDeclineRide:   decodeAs[DeclineRide],
	ActionCompleteRide:  decodeAs[CompleteRide],
	ActionAcceptPooled:  decodeAs[AcceptPooled],
	ActionPriceEstimate: decodeAs[PriceEstimate],
	ActionDriverArrived: decodeAs[DriverArrived],
	ActionStartTrip:     decodeAs[StartTrip],
	ActionJoinPool:      decodeAs[JoinPool],
	ActionDeclinePool:   decodeAs[DeclinePool],
}

// DecodeInbound reads an {"action": "...", ...} envelope. Unknown actions
// are rejected rather than ignored.
func DecodeInbound(data []byte) (Inbound, error) {
	var env struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperror.BadRequest("decode envelope: %v", err)
	}
	dec, ok := decoders[env.Action]
	if !ok {
		return nil, fmt.Errorf("%w: unknown action %q", apperror.ErrBadRequest, env.Action)
	}
	return dec(data)
}
