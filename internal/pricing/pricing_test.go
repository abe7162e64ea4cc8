package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/ride-dispatch/internal/models"
)

func TestDriverPay(t *testing.T) {
	assert.Equal(t, int64(600), DriverPay(2, 5, models.OriginImmediate))
	assert.Equal(t, int64(720), DriverPay(2, 5, models.OriginScheduled))
	assert.Equal(t, int64(900), DriverPay(2, 5, models.OriginPool))
	// same-zone trips are charged as one step
	assert.Equal(t, int64(200), DriverPay(4, 4, models.OriginImmediate))
}

func TestEstimateFor(t *testing.T) {
	assert.Equal(t, Estimate{Solo: 400, Pool: 280}, EstimateFor(10, 8))
}
