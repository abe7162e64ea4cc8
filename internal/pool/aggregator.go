// Package pool groups compatible scheduled occurrences into shared-trip
// offers and materializes a pooled ride once enough riders join.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperror"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/storage"
)

// DefaultMinParticipants is the join count that fills an offer.
const DefaultMinParticipants = 2

// Candidate is a waiting pool occurrence together with its booking.
type Candidate struct {
	Occurrence *models.Occurrence
	Booking    *models.Booking
}

func (c Candidate) Key() models.PoolKey {
	return models.PoolKey{
		ScheduledFor: c.Occurrence.ScheduledFor,
		StartZone:    c.Booking.StartZone,
		DropZone:     c.Booking.DropZone,
	}.Normalize()
}

// Notice tells the riders behind a set of occurrences about an offer.
type Notice struct {
	Offer    *models.PoolOffer
	Invitees map[string]string // occurrence id -> rider id
}

type Aggregator struct {
	Store           storage.Store
	Notifier        dispatch.Notifier
	MinParticipants int
	Logger          *slog.Logger
	Now             func() time.Time
	NewID           func() string
}

// Threshold is the participant count that fills an offer.
func (a *Aggregator) Threshold() int {
	if a.MinParticipants > 0 {
		return a.MinParticipants
	}
	return DefaultMinParticipants
}

func (a *Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Aggregator) newID() string {
	if a.NewID != nil {
		return a.NewID()
	}
	return uuid.NewString()
}

func (a *Aggregator) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func (a *Aggregator) notifier() dispatch.Notifier {
	if a.Notifier != nil {
		return a.Notifier
	}
	return dispatch.Nop{}
}

// Route runs inside the sweep transaction. Candidates are grouped by exact
// pool key. A group joins the open offer already carrying its key; without
// one, a group of at least MinParticipants spawns a new offer. Smaller
// groups stay waiting for a later tick.
func (a *Aggregator) Route(ctx context.Context, tx storage.Tx, candidates []Candidate) ([]Notice, error) {
	groups := make(map[models.PoolKey][]Candidate)
	var order []models.PoolKey
	for _, c := range candidates {
		if c.Occurrence.Status != models.OccurrenceWaiting || c.Occurrence.OfferID != "" {
			continue
		}
		if c.Booking.Mode != models.ModePool || c.Booking.Status != models.BookingActive {
			continue
		}
		k := c.Key()
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], c)
	}

	var notices []Notice
	for _, key := range order {
		listed, err := tx.FindOffers(ctx, storage.OfferFilter{Status: models.OfferOpen, Key: &key})
		if err != nil {
			return nil, err
		}
		// the listing is unlocked; lock the offer and re-check it is still open
		var offer *models.PoolOffer
		if len(listed) > 0 {
			cur, err := tx.Offer(ctx, listed[0].ID)
			if err != nil {
				return nil, err
			}
			if cur.Status == models.OfferOpen {
				offer = cur
			}
		}

		group, err := lockUnattached(ctx, tx, groups[key])
		if err != nil {
			return nil, err
		}

		switch {
		case len(group) == 0:
			continue
		case offer != nil:
			for _, c := range group {
				offer.OccurrenceIDs = append(offer.OccurrenceIDs, c.Occurrence.ID)
			}
			if err := tx.SaveOffer(ctx, offer); err != nil {
				return nil, err
			}
		case len(group) >= a.Threshold():
			offer = &models.PoolOffer{
				ID:           a.newID(),
				StartZone:    key.StartZone,
				DropZone:     key.DropZone,
				ScheduledFor: key.ScheduledFor,
				Status:       models.OfferOpen,
				CreatedAt:    a.now(),
			}
			for _, c := range group {
				offer.OccurrenceIDs = append(offer.OccurrenceIDs, c.Occurrence.ID)
			}
			created, err := tx.InsertOffer(ctx, offer)
			if err != nil {
				return nil, err
			}
			if !created {
				// another instance won; the next tick attaches to its offer
				continue
			}
			observability.PoolOffersTotal.WithLabelValues(string(models.OfferOpen)).Inc()
		default:
			continue
		}

		invitees := make(map[string]string, len(group))
		for _, c := range group {
			c.Occurrence.OfferID = offer.ID
			if err := tx.SaveOccurrence(ctx, c.Occurrence); err != nil {
				return nil, err
			}
			invitees[c.Occurrence.ID] = c.Booking.RiderID
		}
		notices = append(notices, Notice{Offer: offer, Invitees: invitees})
	}
	return notices, nil
}

// lockUnattached re-reads each candidate under lock and keeps those still
// waiting and free of any offer or ride.
func lockUnattached(ctx context.Context, tx storage.Tx, group []Candidate) ([]Candidate, error) {
	out := make([]Candidate, 0, len(group))
	for _, c := range group {
		occ, err := tx.Occurrence(ctx, c.Occurrence.ID)
		if err != nil {
			return nil, err
		}
		if occ.Status != models.OccurrenceWaiting || occ.OfferID != "" || occ.RideID != "" {
			continue
		}
		out = append(out, Candidate{Occurrence: occ, Booking: c.Booking})
	}
	return out, nil
}

// Announce sends each invited rider a poolOffer event. Call after commit.
func (a *Aggregator) Announce(notices []Notice) {
	for _, n := range notices {
		for occID, riderID := range n.Invitees {
			a.notifier().SendToRider(riderID, a.OfferEvent(n.Offer, occID))
		}
		a.logger().Info("pool offer announced", "offer_id", n.Offer.ID, "invitees", len(n.Invitees))
	}
}

// OfferEvent builds the poolOffer event one invited rider receives.
func (a *Aggregator) OfferEvent(o *models.PoolOffer, occurrenceID string) protocol.PoolOffer {
	return protocol.PoolOffer{
		Type:         protocol.TypePoolOffer,
		OfferID:      o.ID,
		OccurrenceID: occurrenceID,
		From:         geo.Name(o.StartZone),
		To:           geo.Name(o.DropZone),
		ScheduledFor: o.ScheduledFor,
		Seats:        max(a.Threshold()-len(o.Participants), 0),
		Price:        pricing.RiderPrice(o.StartZone, o.DropZone, true),
	}
}

// JoinResult reports the offer after a join and, when the join filled it,
// the pooled ride that was created.
type JoinResult struct {
	Offer  *models.PoolOffer
	Pooled *models.PooledRide
	Ride   *models.Ride
}

// Join adds the rider behind occurrenceID to an open offer. Reaching the
// participant threshold fills the offer exactly once: a single pooled ride
// is created and every participant occurrence becomes assigned to it.
func (a *Aggregator) Join(ctx context.Context, riderID, offerID, occurrenceID string) (*JoinResult, error) {
	var res *JoinResult
	err := a.Store.InTx(ctx, func(tx storage.Tx) error {
		offer, err := tx.Offer(ctx, offerID)
		if err != nil {
			return err
		}
		if offer.Status != models.OfferOpen {
			return fmt.Errorf("offer %s is %s: %w", offerID, offer.Status, apperror.ErrOfferClosed)
		}
		if !slices.Contains(offer.OccurrenceIDs, occurrenceID) {
			return fmt.Errorf("occurrence %s is not part of offer %s: %w", occurrenceID, offerID, apperror.ErrInvalidState)
		}
		occ, err := tx.Occurrence(ctx, occurrenceID)
		if err != nil {
			return err
		}
		booking, err := tx.Booking(ctx, occ.BookingID)
		if err != nil {
			return err
		}
		if riderID != "" && booking.RiderID != riderID {
			return fmt.Errorf("occurrence %s belongs to another rider: %w", occurrenceID, apperror.ErrInvalidState)
		}
		if booking.Status != models.BookingActive {
			return fmt.Errorf("booking %s is %s: %w", booking.ID, booking.Status, apperror.ErrInvalidState)
		}

		res = &JoinResult{Offer: offer}
		if slices.Contains(offer.Participants, occurrenceID) {
			return nil
		}
		offer.Participants = append(offer.Participants, occurrenceID)
		if len(offer.Participants) >= a.Threshold() {
			if err := a.fill(ctx, tx, res); err != nil {
				return err
			}
		}
		return tx.SaveOffer(ctx, offer)
	})
	if err != nil {
		observability.RejectionsTotal.WithLabelValues("join_pool", apperror.ReasonOf(err).Code).Inc()
		return nil, err
	}

	if res.Pooled != nil {
		observability.PoolOffersTotal.WithLabelValues(string(models.OfferFilled)).Inc()
		observability.RidesRequested.WithLabelValues(string(models.OriginPool)).Inc()
		a.logger().Info("pool offer filled", "offer_id", res.Offer.ID, "pooled_ride_id", res.Pooled.ID, "riders", len(res.Pooled.RiderIDs))
		ev := protocol.PoolFilledEvent(res.Offer.ID, res.Ride.ID)
		for _, riderID := range res.Pooled.RiderIDs {
			a.notifier().SendToRider(riderID, ev)
		}
		a.notifier().BroadcastToDrivers(protocol.NewRideEvent(res.Ride))
	} else {
		a.logger().Debug("pool offer joined", "offer_id", offerID, "occurrence_id", occurrenceID)
	}
	return res, nil
}

// FillOffer fills an open offer inside the caller's transaction because a
// driver accepted it. Every candidate still waiting on the offer with an
// active booking becomes a participant; the rest are released. It fails
// with ErrOfferClosed when the offer is not open or has too few such
// candidates left to fill.
func (a *Aggregator) FillOffer(ctx context.Context, tx storage.Tx, offerID string) (*models.PooledRide, error) {
	offer, err := tx.Offer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.Status != models.OfferOpen {
		return nil, fmt.Errorf("offer %s is %s: %w", offerID, offer.Status, apperror.ErrOfferClosed)
	}

	var participants []string
	for _, id := range offer.OccurrenceIDs {
		occ, err := tx.Occurrence(ctx, id)
		if err != nil {
			return nil, err
		}
		if occ.Status != models.OccurrenceWaiting || occ.OfferID != offer.ID {
			continue
		}
		b, err := tx.Booking(ctx, occ.BookingID)
		if err != nil {
			return nil, err
		}
		if b.Status == models.BookingActive {
			participants = append(participants, id)
		}
	}
	if len(participants) < a.Threshold() {
		return nil, fmt.Errorf("offer %s has %d of %d riders left: %w", offerID, len(participants), a.Threshold(), apperror.ErrOfferClosed)
	}

	offer.Participants = participants
	res := &JoinResult{Offer: offer}
	if err := a.fill(ctx, tx, res); err != nil {
		return nil, err
	}
	if err := tx.SaveOffer(ctx, offer); err != nil {
		return nil, err
	}
	observability.PoolOffersTotal.WithLabelValues(string(models.OfferFilled)).Inc()
	return res.Pooled, nil
}

func (a *Aggregator) fill(ctx context.Context, tx storage.Tx, res *JoinResult) error {
	offer := res.Offer
	now := a.now()

	var riders []string
	occs := make([]*models.Occurrence, 0, len(offer.Participants))
	for _, id := range offer.Participants {
		occ, err := tx.Occurrence(ctx, id)
		if err != nil {
			return err
		}
		b, err := tx.Booking(ctx, occ.BookingID)
		if err != nil {
			return err
		}
		occs = append(occs, occ)
		if !slices.Contains(riders, b.RiderID) {
			riders = append(riders, b.RiderID)
		}
	}

	pooled := &models.PooledRide{
		ID:        a.newID(),
		OfferID:   offer.ID,
		RiderIDs:  riders,
		StartZone: offer.StartZone,
		DropZone:  offer.DropZone,
		Status:    models.RideWaiting,
		Priority:  true,
		CreatedAt: now,
	}
	ride := &models.Ride{
		ID:           a.newID(),
		RiderID:      riders[0],
		StartZone:    offer.StartZone,
		DropZone:     offer.DropZone,
		Priority:     true,
		Status:       models.RideWaiting,
		Origin:       models.OriginPool,
		Price:        pricing.DriverPay(offer.StartZone, offer.DropZone, models.OriginPool),
		PooledRideID: pooled.ID,
		RequestedAt:  now,
	}
	pooled.RideID = ride.ID
	if err := tx.InsertRide(ctx, ride); err != nil {
		return err
	}
	if err := tx.InsertPooledRide(ctx, pooled); err != nil {
		return err
	}

	for _, occ := range occs {
		occ.Status = models.OccurrenceAssigned
		occ.RideID = ride.ID
		if err := tx.SaveOccurrence(ctx, occ); err != nil {
			return err
		}
	}
	if err := a.release(ctx, tx, offer, offer.Participants); err != nil {
		return err
	}

	offer.Status = models.OfferFilled
	offer.PooledRideID = pooled.ID
	res.Pooled, res.Ride = pooled, ride
	return nil
}

// release detaches every candidate occurrence not listed in keep so a later
// sweep may route it again.
func (a *Aggregator) release(ctx context.Context, tx storage.Tx, offer *models.PoolOffer, keep []string) error {
	for _, id := range offer.OccurrenceIDs {
		if slices.Contains(keep, id) {
			continue
		}
		occ, err := tx.Occurrence(ctx, id)
		if err != nil {
			return err
		}
		if occ.OfferID != offer.ID {
			continue
		}
		occ.OfferID = ""
		if err := tx.SaveOccurrence(ctx, occ); err != nil {
			return err
		}
	}
	return nil
}

// Decline validates the offer and otherwise leaves it untouched. A declining
// rider neither counts against the threshold nor leaves the candidate set.
func (a *Aggregator) Decline(ctx context.Context, riderID, offerID string) error {
	err := a.Store.InTx(ctx, func(tx storage.Tx) error {
		_, err := tx.Offer(ctx, offerID)
		return err
	})
	if err != nil {
		observability.RejectionsTotal.WithLabelValues("decline_pool", apperror.ReasonOf(err).Code).Inc()
		return err
	}
	a.logger().Debug("pool offer declined", "offer_id", offerID, "rider_id", riderID)
	return nil
}

// ListOpen returns every open offer, earliest first.
func (a *Aggregator) ListOpen(ctx context.Context) ([]*models.PoolOffer, error) {
	var out []*models.PoolOffer
	err := a.Store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.FindOffers(ctx, storage.OfferFilter{Status: models.OfferOpen})
		return err
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(x, y *models.PoolOffer) int { return x.ScheduledFor.Compare(y.ScheduledFor) })
	return out, nil
}

// Maintain runs inside the sweep transaction. Open offers whose departure has
// passed expire. Candidates whose booking is no longer active are dropped,
// and an offer left with too few candidates to ever fill is cancelled.
func (a *Aggregator) Maintain(ctx context.Context, tx storage.Tx, now time.Time) (expired, cancelled int, err error) {
	listed, err := tx.FindOffers(ctx, storage.OfferFilter{Status: models.OfferOpen})
	if err != nil {
		return 0, 0, err
	}
	for _, l := range listed {
		// a rider or driver may have filled it since the listing
		offer, err := tx.Offer(ctx, l.ID)
		if err != nil {
			return expired, cancelled, err
		}
		if offer.Status != models.OfferOpen {
			continue
		}
		if !offer.ScheduledFor.After(now) {
			offer.Status = models.OfferExpired
			if err := a.release(ctx, tx, offer, nil); err != nil {
				return expired, cancelled, err
			}
			if err := tx.SaveOffer(ctx, offer); err != nil {
				return expired, cancelled, err
			}
			expired++
			observability.PoolOffersTotal.WithLabelValues(string(models.OfferExpired)).Inc()
			continue
		}

		var keep []string
		for _, id := range offer.OccurrenceIDs {
			occ, err := tx.Occurrence(ctx, id)
			if err != nil {
				return expired, cancelled, err
			}
			b, err := tx.Booking(ctx, occ.BookingID)
			if err != nil {
				return expired, cancelled, err
			}
			if b.Status == models.BookingActive {
				keep = append(keep, id)
			}
		}
		if len(keep) == len(offer.OccurrenceIDs) {
			continue
		}
		if err := a.release(ctx, tx, offer, keep); err != nil {
			return expired, cancelled, err
		}
		offer.OccurrenceIDs = keep
		offer.Participants = slices.DeleteFunc(offer.Participants, func(id string) bool { return !slices.Contains(keep, id) })
		if len(keep) < a.Threshold() {
			offer.Status = models.OfferCancelled
			if err := a.release(ctx, tx, offer, nil); err != nil {
				return expired, cancelled, err
			}
			cancelled++
			observability.PoolOffersTotal.WithLabelValues(string(models.OfferCancelled)).Inc()
		}
		if err := tx.SaveOffer(ctx, offer); err != nil {
			return expired, cancelled, err
		}
	}
	return expired, cancelled, nil
}
