package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/example/ride-dispatch/internal/apperror"
	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps all state in process. Transactions are serialized by a
// single mutex and stage their writes in an overlay that is merged only when
// the callback returns nil.
type MemoryStore struct {
	mu          sync.Mutex
	drivers     map[string]*models.Driver
	rides       map[string]*models.Ride
	bookings    map[string]*models.Booking
	occurrences map[string]*models.Occurrence
	offers      map[string]*models.PoolOffer
	pooled      map[string]*models.PooledRide
	declines    map[string]map[string]bool // driver id -> ride ids
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drivers:     make(map[string]*models.Driver),
		rides:       make(map[string]*models.Ride),
		bookings:    make(map[string]*models.Booking),
		occurrences: make(map[string]*models.Occurrence),
		offers:      make(map[string]*models.PoolOffer),
		pooled:      make(map[string]*models.PooledRide),
		declines:    make(map[string]map[string]bool),
	}
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", apperror.ErrStoreUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		drivers:     newTable(m.drivers, (*models.Driver).Clone),
		rides:       newTable(m.rides, (*models.Ride).Clone),
		bookings:    newTable(m.bookings, (*models.Booking).Clone),
		occurrences: newTable(m.occurrences, (*models.Occurrence).Clone),
		offers:      newTable(m.offers, (*models.PoolOffer).Clone),
		pooled:      newTable(m.pooled, (*models.PooledRide).Clone),
		declines:    m.declines,
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// table overlays staged writes on a committed map.
type table[T any] struct {
	base   map[string]T
	staged map[string]T
	clone  func(T) T
}

func newTable[T any](base map[string]T, clone func(T) T) *table[T] {
	return &table[T]{base: base, staged: make(map[string]T), clone: clone}
}

func (t *table[T]) get(id string) (T, bool) {
	if v, ok := t.staged[id]; ok {
		return t.clone(v), true
	}
	v, ok := t.base[id]
	if !ok {
		var zero T
		return zero, false
	}
	return t.clone(v), true
}

func (t *table[T]) has(id string) bool {
	_, staged := t.staged[id]
	_, base := t.base[id]
	return staged || base
}

func (t *table[T]) put(id string, v T) { t.staged[id] = t.clone(v) }

func (t *table[T]) filter(keep func(T) bool) []T {
	var out []T
	for id, v := range t.base {
		if _, shadowed := t.staged[id]; shadowed {
			continue
		}
		if keep(v) {
			out = append(out, t.clone(v))
		}
	}
	for _, v := range t.staged {
		if keep(v) {
			out = append(out, t.clone(v))
		}
	}
	return out
}

func (t *table[T]) commit() {
	for id, v := range t.staged {
		t.base[id] = v
	}
}

type declinePair struct{ rideID, driverID string }

type memTx struct {
	drivers     *table[*models.Driver]
	rides       *table[*models.Ride]
	bookings    *table[*models.Booking]
	occurrences *table[*models.Occurrence]
	offers      *table[*models.PoolOffer]
	pooled      *table[*models.PooledRide]

	declines       map[string]map[string]bool
	stagedDeclines []declinePair
}

func (tx *memTx) commit() {
	tx.drivers.commit()
	tx.rides.commit()
	tx.bookings.commit()
	tx.occurrences.commit()
	tx.offers.commit()
	tx.pooled.commit()
	for _, p := range tx.stagedDeclines {
		set, ok := tx.declines[p.driverID]
		if !ok {
			set = make(map[string]bool)
			tx.declines[p.driverID] = set
		}
		set[p.rideID] = true
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, apperror.ErrNotFound)
}

func (tx *memTx) Driver(_ context.Context, id string) (*models.Driver, error) {
	d, ok := tx.drivers.get(id)
	if !ok {
		return nil, notFound("driver", id)
	}
	return d, nil
}

func (tx *memTx) SaveDriver(_ context.Context, d *models.Driver) error {
	tx.drivers.put(d.ID, d)
	return nil
}

func (tx *memTx) FindDrivers(_ context.Context, f DriverFilter) ([]*models.Driver, error) {
	out := tx.drivers.filter(f.match)
	slices.SortFunc(out, func(a, b *models.Driver) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (tx *memTx) Ride(_ context.Context, id string) (*models.Ride, error) {
	r, ok := tx.rides.get(id)
	if !ok {
		return nil, notFound("ride", id)
	}
	return r, nil
}

func (tx *memTx) InsertRide(_ context.Context, r *models.Ride) error {
	if tx.rides.has(r.ID) {
		return fmt.Errorf("ride %s: %w", r.ID, apperror.ErrInvalidState)
	}
	tx.rides.put(r.ID, r)
	return nil
}

func (tx *memTx) SaveRide(_ context.Context, r *models.Ride) error {
	if !tx.rides.has(r.ID) {
		return notFound("ride", r.ID)
	}
	tx.rides.put(r.ID, r)
	return nil
}

func (tx *memTx) FindRides(_ context.Context, f RideFilter) ([]*models.Ride, error) {
	out := tx.rides.filter(f.match)
	slices.SortFunc(out, func(a, b *models.Ride) int {
		return cmp.Or(a.RequestedAt.Compare(b.RequestedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (tx *memTx) AddDecline(_ context.Context, rideID, driverID string) error {
	tx.stagedDeclines = append(tx.stagedDeclines, declinePair{rideID: rideID, driverID: driverID})
	return nil
}

func (tx *memTx) DeclinedBy(_ context.Context, driverID string) (map[string]bool, error) {
	out := make(map[string]bool, len(tx.declines[driverID]))
	for id := range tx.declines[driverID] {
		out[id] = true
	}
	for _, p := range tx.stagedDeclines {
		if p.driverID == driverID {
			out[p.rideID] = true
		}
	}
	return out, nil
}

func (tx *memTx) Booking(_ context.Context, id string) (*models.Booking, error) {
	b, ok := tx.bookings.get(id)
	if !ok {
		return nil, notFound("booking", id)
	}
	return b, nil
}

func (tx *memTx) SaveBooking(_ context.Context, b *models.Booking) error {
	tx.bookings.put(b.ID, b)
	return nil
}

func (tx *memTx) FindBookings(_ context.Context, f BookingFilter) ([]*models.Booking, error) {
	out := tx.bookings.filter(f.match)
	slices.SortFunc(out, func(a, b *models.Booking) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (tx *memTx) Occurrence(_ context.Context, id string) (*models.Occurrence, error) {
	o, ok := tx.occurrences.get(id)
	if !ok {
		return nil, notFound("occurrence", id)
	}
	return o, nil
}

func (tx *memTx) InsertOccurrence(_ context.Context, o *models.Occurrence) (bool, error) {
	dup := tx.occurrences.filter(func(e *models.Occurrence) bool {
		return e.BookingID == o.BookingID && e.ScheduledFor.Equal(o.ScheduledFor)
	})
	if len(dup) > 0 {
		return false, nil
	}
	tx.occurrences.put(o.ID, o)
	return true, nil
}

func (tx *memTx) SaveOccurrence(_ context.Context, o *models.Occurrence) error {
	if !tx.occurrences.has(o.ID) {
		return notFound("occurrence", o.ID)
	}
	tx.occurrences.put(o.ID, o)
	return nil
}

func (tx *memTx) FindOccurrences(_ context.Context, f OccurrenceFilter) ([]*models.Occurrence, error) {
	out := tx.occurrences.filter(f.match)
	slices.SortFunc(out, func(a, b *models.Occurrence) int {
		return cmp.Or(a.ScheduledFor.Compare(b.ScheduledFor), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (tx *memTx) Offer(_ context.Context, id string) (*models.PoolOffer, error) {
	o, ok := tx.offers.get(id)
	if !ok {
		return nil, fmt.Errorf("offer %s: %w", id, apperror.ErrOfferNotFound)
	}
	return o, nil
}

func (tx *memTx) InsertOffer(_ context.Context, o *models.PoolOffer) (bool, error) {
	if o.Status == models.OfferOpen {
		key := o.Key()
		open := tx.offers.filter(OfferFilter{Status: models.OfferOpen, Key: &key}.match)
		if len(open) > 0 {
			return false, nil
		}
	}
	tx.offers.put(o.ID, o)
	return true, nil
}

func (tx *memTx) SaveOffer(_ context.Context, o *models.PoolOffer) error {
	if !tx.offers.has(o.ID) {
		return fmt.Errorf("offer %s: %w", o.ID, apperror.ErrOfferNotFound)
	}
	tx.offers.put(o.ID, o)
	return nil
}

func (tx *memTx) FindOffers(_ context.Context, f OfferFilter) ([]*models.PoolOffer, error) {
	out := tx.offers.filter(f.match)
	slices.SortFunc(out, func(a, b *models.PoolOffer) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (tx *memTx) PooledRide(_ context.Context, id string) (*models.PooledRide, error) {
	p, ok := tx.pooled.get(id)
	if !ok {
		return nil, notFound("pooled ride", id)
	}
	return p, nil
}

func (tx *memTx) InsertPooledRide(_ context.Context, p *models.PooledRide) error {
	if tx.pooled.has(p.ID) {
		return fmt.Errorf("pooled ride %s: %w", p.ID, apperror.ErrInvalidState)
	}
	tx.pooled.put(p.ID, p)
	return nil
}

func (tx *memTx) SavePooledRide(_ context.Context, p *models.PooledRide) error {
	if !tx.pooled.has(p.ID) {
		return notFound("pooled ride", p.ID)
	}
	tx.pooled.put(p.ID, p)
	return nil
}

var _ Store = (*MemoryStore)(nil)
