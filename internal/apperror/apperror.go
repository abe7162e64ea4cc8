// Package apperror defines the rejection taxonomy shared by the dispatch core
// and its transports.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrOrderingViolation = errors.New("ordering violation")
	ErrRideAlreadyTaken  = errors.New("ride already taken")
	ErrDriverUnavailable = errors.New("driver unavailable")
	ErrOfferNotFound     = errors.New("offer not found")
	ErrOfferClosed       = errors.New("offer closed")
	ErrStoreUnavailable  = errors.New("store unavailable")

	ErrNotFound      = errors.New("not found")
	ErrInvalidState  = errors.New("invalid state")
	ErrNotRideDriver = errors.New("driver is not assigned to ride")
	ErrRideDeclined  = errors.New("ride declined by driver")
	ErrBadRequest    = errors.New("bad request")
)

// OrderingViolation names the ride that must be accepted before the one the
// driver attempted.
type OrderingViolation struct {
	AttemptedRideID string
	BlockingRideID  string
}

func (e *OrderingViolation) Error() string {
	return fmt.Sprintf("ride %s must be accepted before %s", e.BlockingRideID, e.AttemptedRideID)
}

func (e *OrderingViolation) Is(target error) bool { return target == ErrOrderingViolation }

// Code values are stable identifiers sent to clients.
const (
	CodeOrderingViolation = "ordering_violation"
	CodeRideAlreadyTaken  = "ride_already_taken"
	CodeDriverUnavailable = "driver_unavailable"
	CodeOfferNotFound     = "offer_not_found"
	CodeOfferClosed       = "offer_closed"
	CodeStoreUnavailable  = "store_unavailable"
	CodeNotFound          = "not_found"
	CodeInvalidState      = "invalid_state"
	CodeNotRideDriver     = "not_ride_driver"
	CodeRideDeclined      = "ride_declined"
	CodeBadRequest        = "bad_request"
	CodeInternal          = "internal"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrOrderingViolation, CodeOrderingViolation},
	{ErrRideAlreadyTaken, CodeRideAlreadyTaken},
	{ErrDriverUnavailable, CodeDriverUnavailable},
	{ErrOfferNotFound, CodeOfferNotFound},
	{ErrOfferClosed, CodeOfferClosed},
	{ErrStoreUnavailable, CodeStoreUnavailable},
	{ErrNotRideDriver, CodeNotRideDriver},
	{ErrRideDeclined, CodeRideDeclined},
	{ErrNotFound, CodeNotFound},
	{ErrInvalidState, CodeInvalidState},
	{ErrBadRequest, CodeBadRequest},
}

// Reason is the structured form of a rejection.
type Reason struct {
	Code             string `json:"code"`
	Message          string `json:"error"`
	BlockingEntityID string `json:"blocking_entity_id,omitempty"`
}

// ReasonOf classifies err. Unknown errors map to CodeInternal.
func ReasonOf(err error) Reason {
	r := Reason{Code: CodeInternal, Message: err.Error()}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			r.Code = c.code
			break
		}
	}
	var ov *OrderingViolation
	if errors.As(err, &ov) {
		r.BlockingEntityID = ov.BlockingRideID
	}
	return r
}

// BadRequest wraps a validation message so it classifies as ErrBadRequest.
func BadRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}
