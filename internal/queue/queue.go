// Package queue implements the per-driver view over waiting rides.
//
// A driver may only accept the ride returned by NextFor: the highest-priority
// waiting ride, oldest first within a tier, excluding rides that driver has
// declined. Declines are scoped to one driver and never hide a ride from
// anybody else.
package queue

import (
	"slices"

	"github.com/example/ride-dispatch/internal/models"
)

// Less orders rides by priority descending, then request time ascending.
// The id breaks exact timestamp ties so every instance agrees on the order.
func Less(a, b *models.Ride) bool {
	if a.Priority != b.Priority {
		return a.Priority
	}
	if !a.RequestedAt.Equal(b.RequestedAt) {
		return a.RequestedAt.Before(b.RequestedAt)
	}
	return a.ID < b.ID
}

func compare(a, b *models.Ride) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	}
	return 0
}

// Visible returns the waiting rides the driver can see, in acceptance order.
func Visible(waiting []*models.Ride, declined map[string]bool) []*models.Ride {
	out := make([]*models.Ride, 0, len(waiting))
	for _, r := range waiting {
		if r.Status != models.RideWaiting || declined[r.ID] {
			continue
		}
		out = append(out, r)
	}
	slices.SortFunc(out, compare)
	return out
}

// NextFor returns the single ride the driver is entitled to accept, or nil.
func NextFor(waiting []*models.Ride, declined map[string]bool) *models.Ride {
	var best *models.Ride
	for _, r := range waiting {
		if r.Status != models.RideWaiting || declined[r.ID] {
			continue
		}
		if best == nil || Less(r, best) {
			best = r
		}
	}
	return best
}
