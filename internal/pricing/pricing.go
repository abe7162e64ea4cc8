// Package pricing computes fares from zone distance. Amounts are whole
// currency units.
package pricing

import (
	"math"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

const (
	baseRate = 20
	unit     = 10

	poolDriverMultiplier      = 1.5
	scheduledDriverMultiplier = 1.2
	poolRiderDiscount         = 0.7
)

func base(from, to int) float64 {
	return float64(geo.Distance(from, to) * baseRate * unit)
}

// DriverPay is what the driver earns for a trip. Pooled and pre-booked solo
// trips carry different surcharges.
func DriverPay(from, to int, origin models.RideOrigin) int64 {
	m := 1.0
	if origin == models.OriginPool {
		m = poolDriverMultiplier
	}
	if origin == models.OriginScheduled {
		m *= scheduledDriverMultiplier
	}
	return int64(math.Round(base(from, to) * m))
}

// RiderPrice is what a rider pays for a solo or shared trip.
func RiderPrice(from, to int, pooled bool) int64 {
	if pooled {
		return int64(math.Round(base(from, to) * poolRiderDiscount))
	}
	return int64(base(from, to))
}

type Estimate struct {
	Solo int64 `json:"solo"`
	Pool int64 `json:"pool"`
}

func EstimateFor(from, to int) Estimate {
	return Estimate{Solo: RiderPrice(from, to, false), Pool: RiderPrice(from, to, true)}
}
