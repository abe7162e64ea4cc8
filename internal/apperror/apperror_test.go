package apperror

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReasonOfOrderingViolationCarriesBlockingRide(t *testing.T) {
	err := fmt.Errorf("accept: %w", &OrderingViolation{AttemptedRideID: "b", BlockingRideID: "a"})

	r := ReasonOf(err)
	assert.Equal(t, CodeOrderingViolation, r.Code)
	assert.Equal(t, "a", r.BlockingEntityID)
}

func TestReasonOfWrappedSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("get ride: %w", ErrNotFound), CodeNotFound},
		{fmt.Errorf("%w: dial", ErrStoreUnavailable), CodeStoreUnavailable},
		{BadRequest("zone %d", 0), CodeBadRequest},
		{ErrOfferClosed, CodeOfferClosed},
		{fmt.Errorf("boom"), CodeInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ReasonOf(tc.err).Code, tc.err.Error())
	}
}
