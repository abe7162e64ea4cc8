package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperror"
	"github.com/example/ride-dispatch/internal/models"
)

func TestMemoryStoreRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.SaveDriver(ctx, &models.Driver{ID: "d1", Status: models.DriverAvailable}))
		require.NoError(t, tx.AddDecline(ctx, "r1", "d1"))
		// staged writes are visible inside the transaction
		d, err := tx.Driver(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, models.DriverAvailable, d.Status)
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.InTx(ctx, func(tx Tx) error {
		_, err := tx.Driver(ctx, "d1")
		assert.ErrorIs(t, err, apperror.ErrNotFound)
		declined, err := tx.DeclinedBy(ctx, "d1")
		require.NoError(t, err)
		assert.Empty(t, declined)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.InsertRide(ctx, &models.Ride{ID: "r1", Status: models.RideWaiting})
	}))

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		r, err := tx.Ride(ctx, "r1")
		require.NoError(t, err)
		r.Status = models.RideCompleted // not saved
		return nil
	}))

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		r, err := tx.Ride(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, models.RideWaiting, r.Status)
		return nil
	}))
}

func TestMemoryStoreInsertOccurrenceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	at := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)

	var created []bool
	for i, id := range []string{"o1", "o2"} {
		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			// same instant expressed in another zone still collides
			when := at
			if i == 1 {
				when = at.In(time.FixedZone("IST", 5*3600+1800))
			}
			ok, err := tx.InsertOccurrence(ctx, &models.Occurrence{ID: id, BookingID: "b1", ScheduledFor: when, Status: models.OccurrenceWaiting})
			created = append(created, ok)
			return err
		}))
	}
	assert.Equal(t, []bool{true, false}, created)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		occ, err := tx.FindOccurrences(ctx, OccurrenceFilter{BookingID: "b1"})
		require.NoError(t, err)
		assert.Len(t, occ, 1)
		return nil
	}))
}

func TestMemoryStoreOneOpenOfferPerKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	at := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	offer := func(id string) *models.PoolOffer {
		return &models.PoolOffer{ID: id, StartZone: 1, DropZone: 2, ScheduledFor: at, Status: models.OfferOpen}
	}

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		ok, err := tx.InsertOffer(ctx, offer("p1"))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.InsertOffer(ctx, offer("p2"))
		require.NoError(t, err)
		assert.False(t, ok)

		p1, err := tx.Offer(ctx, "p1")
		require.NoError(t, err)
		p1.Status = models.OfferFilled
		require.NoError(t, tx.SaveOffer(ctx, p1))

		ok, err = tx.InsertOffer(ctx, offer("p3"))
		require.NoError(t, err)
		assert.True(t, ok, "a filled offer does not block a new open one")
		return nil
	}))

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		_, err := tx.Offer(ctx, "p2")
		assert.ErrorIs(t, err, apperror.ErrOfferNotFound)
		return nil
	}))
}

func TestMemoryStoreFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	until := time.Now().Add(time.Hour)
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		for _, d := range []*models.Driver{
			{ID: "d2", CurrentZone: 4, Status: models.DriverAvailable},
			{ID: "d1", CurrentZone: 4, Status: models.DriverAvailable},
			{ID: "d3", CurrentZone: 4, Status: models.DriverAvailable, ReservedBookingID: "b1", ReservedUntil: &until},
			{ID: "d4", CurrentZone: 5, Status: models.DriverAvailable},
			{ID: "d5", CurrentZone: 4, Status: models.DriverBusy},
		} {
			require.NoError(t, tx.SaveDriver(ctx, d))
		}
		return nil
	}))

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		got, err := tx.FindDrivers(ctx, DriverFilter{Status: models.DriverAvailable, Zone: 4, Unreserved: true})
		require.NoError(t, err)
		ids := make([]string, 0, len(got))
		for _, d := range got {
			ids = append(ids, d.ID)
		}
		assert.Equal(t, []string{"d1", "d2"}, ids)
		return nil
	}))
}

func TestMemoryStoreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMemoryStore().InTx(ctx, func(Tx) error { return nil })
	assert.ErrorIs(t, err, apperror.ErrStoreUnavailable)
}
