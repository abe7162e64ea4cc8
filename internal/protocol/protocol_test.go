package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperror"
)

func TestDecodeInbound(t *testing.T) {
	msg, err := DecodeInbound([]byte(`{"action":"requestRide","riderId":"u1","startZone":3,"dropZone":9,"priority":true}`))
	require.NoError(t, err)
	req, ok := msg.(RequestRide)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "u1", req.RiderID)
	assert.Equal(t, 3, req.StartZone)
	require.NotNil(t, req.Priority)
	assert.True(t, *req.Priority)

	msg, err = DecodeInbound([]byte(`{"action":"acceptPooled","driverId":"d1","offerId":"p1"}`))
	require.NoError(t, err)
	assert.Equal(t, AcceptPooled{DriverID: "d1", OfferID: "p1"}, msg)
}

func TestDecodeInboundRejectsUnknownAction(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"action":"teleport"}`))
	assert.ErrorIs(t, err, apperror.ErrBadRequest)

	_, err = DecodeInbound([]byte(`not json`))
	assert.ErrorIs(t, err, apperror.ErrBadRequest)
}

func TestErrorEventCarriesBlockingRide(t *testing.T) {
	ev := ErrorEvent(&apperror.OrderingViolation{AttemptedRideID: "b", BlockingRideID: "a"})
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","code":"ordering_violation","message":"ride a must be accepted before b","blockingEntityId":"a"}`, string(b))
}
