package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/apperror"
	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore maps transactions onto database transactions. Rows that a
// transition mutates are read with SELECT ... FOR UPDATE so concurrent
// transitions on the same ride or driver serialize on the row lock, and the
// idempotent inserts lean on unique indexes (see migrations/001_init.sql).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping: %v", apperror.ErrStoreUnavailable, err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the embedded schema files in name order. Every statement is
// idempotent so it is safe to run on each start.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func (p *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	// Rollback after a successful Commit is a no-op returning ErrTxDone.
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

type scanner interface {
	Scan(dest ...any) error
}

func storeErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, apperror.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%s: %w: %s", op, apperror.ErrInvalidState, pqErr.Message)
	}
	return fmt.Errorf("%w: %s: %v", apperror.ErrStoreUnavailable, op, err)
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func textArray(v []string) any {
	if v == nil {
		v = []string{}
	}
	return pq.Array(v)
}

// where accumulates positional predicates.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, len(w.args)))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// drivers

const driverColumns = `id, name, vehicle, current_zone, status, reserved_booking_id, reserved_until, updated_at`

func scanDriver(s scanner) (*models.Driver, error) {
	var (
		d       models.Driver
		booking sql.NullString
		until   sql.NullTime
	)
	if err := s.Scan(&d.ID, &d.Name, &d.Vehicle, &d.CurrentZone, &d.Status, &booking, &until, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.ReservedBookingID = booking.String
	d.ReservedUntil = timePtr(until)
	return &d, nil
}

func (t *pgTx) Driver(ctx context.Context, id string) (*models.Driver, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1 FOR UPDATE`, id)
	d, err := scanDriver(row)
	if err != nil {
		return nil, storeErr("get driver "+id, err)
	}
	return d, nil
}

func (t *pgTx) SaveDriver(ctx context.Context, d *models.Driver) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO drivers (`+driverColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, vehicle = EXCLUDED.vehicle,
			current_zone = EXCLUDED.current_zone, status = EXCLUDED.status,
			reserved_booking_id = EXCLUDED.reserved_booking_id, reserved_until = EXCLUDED.reserved_until,
			updated_at = EXCLUDED.updated_at`,
		d.ID, d.Name, d.Vehicle, d.CurrentZone, string(d.Status), nullString(d.ReservedBookingID), nullTime(d.ReservedUntil), d.UpdatedAt)
	if err != nil {
		return storeErr("save driver "+d.ID, err)
	}
	return nil
}

func (t *pgTx) FindDrivers(ctx context.Context, f DriverFilter) ([]*models.Driver, error) {
	var w where
	if f.Status != "" {
		w.add("status = $%d", string(f.Status))
	}
	if f.Zone != 0 {
		w.add("current_zone = $%d", f.Zone)
	}
	q := `SELECT ` + driverColumns + ` FROM drivers` + w.String()
	if f.Unreserved {
		if len(w.clauses) == 0 {
			q += " WHERE"
		} else {
			q += " AND"
		}
		q += " reserved_booking_id IS NULL"
	}
	rows, err := t.tx.QueryContext(ctx, q+` ORDER BY id`, w.args...)
	if err != nil {
		return nil, storeErr("find drivers", err)
	}
	defer rows.Close()
	var out []*models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, storeErr("scan driver", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("find drivers", err)
	}
	return out, nil
}

// rides

const rideColumns = `id, rider_id, driver_id, start_zone, drop_zone, priority, status, origin, price,
	occurrence_id, pooled_ride_id, payment_ref, stranded, requested_at, assigned_at, completed_at`

func scanRide(s scanner) (*models.Ride, error) {
	var (
		r                                  models.Ride
		driverID, occID, pooledID, payment sql.NullString
		assigned, completed                sql.NullTime
	)
	err := s.Scan(&r.ID, &r.RiderID, &driverID, &r.StartZone, &r.DropZone, &r.Priority, &r.Status, &r.Origin, &r.Price,
		&occID, &pooledID, &payment, &r.Stranded, &r.RequestedAt, &assigned, &completed)
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.OccurrenceID = occID.String
	r.PooledRideID = pooledID.String
	r.PaymentRef = payment.String
	r.AssignedAt = timePtr(assigned)
	r.CompletedAt = timePtr(completed)
	return &r, nil
}

func rideArgs(r *models.Ride) []any {
	return []any{r.ID, r.RiderID, nullString(r.DriverID), r.StartZone, r.DropZone, r.Priority, string(r.Status), string(r.Origin), r.Price,
		nullString(r.OccurrenceID), nullString(r.PooledRideID), nullString(r.PaymentRef), r.Stranded, r.RequestedAt,
		nullTime(r.AssignedAt), nullTime(r.CompletedAt)}
}

func (t *pgTx) Ride(ctx context.Context, id string) (*models.Ride, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1 FOR UPDATE`, id)
	r, err := scanRide(row)
	if err != nil {
		return nil, storeErr("get ride "+id, err)
	}
	return r, nil
}

func (t *pgTx) InsertRide(ctx context.Context, r *models.Ride) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO rides (`+rideColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`, rideArgs(r)...)
	if err != nil {
		return storeErr("insert ride "+r.ID, err)
	}
	return nil
}

func (t *pgTx) SaveRide(ctx context.Context, r *models.Ride) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE rides SET rider_id = $2, driver_id = $3, start_zone = $4, drop_zone = $5,
		priority = $6, status = $7, origin = $8, price = $9, occurrence_id = $10, pooled_ride_id = $11,
		payment_ref = $12, stranded = $13, requested_at = $14, assigned_at = $15, completed_at = $16
		WHERE id = $1`, rideArgs(r)...)
	if err != nil {
		return storeErr("save ride "+r.ID, err)
	}
	return expectOne(res, "save ride "+r.ID)
}

func (t *pgTx) FindRides(ctx context.Context, f RideFilter) ([]*models.Ride, error) {
	var w where
	if f.Status != "" {
		w.add("status = $%d", string(f.Status))
	}
	if f.DriverID != "" {
		w.add("driver_id = $%d", f.DriverID)
	}
	if f.RiderID != "" {
		w.add("rider_id = $%d", f.RiderID)
	}
	rows, err := t.tx.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides`+w.String()+` ORDER BY requested_at, id`, w.args...)
	if err != nil {
		return nil, storeErr("find rides", err)
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, storeErr("scan ride", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("find rides", err)
	}
	return out, nil
}

func (t *pgTx) AddDecline(ctx context.Context, rideID, driverID string) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO ride_declines (ride_id, driver_id) VALUES ($1, $2)
		ON CONFLICT (ride_id, driver_id) DO NOTHING`, rideID, driverID)
	if err != nil {
		return storeErr("add decline", err)
	}
	return nil
}

func (t *pgTx) DeclinedBy(ctx context.Context, driverID string) (map[string]bool, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT ride_id FROM ride_declines WHERE driver_id = $1`, driverID)
	if err != nil {
		return nil, storeErr("declined by "+driverID, err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan decline", err)
		}
		out[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("declined by "+driverID, err)
	}
	return out, nil
}

// bookings

const bookingColumns = `id, rider_id, start_zone, drop_zone, days, time_of_day, start_date, end_date, mode, status, monthly_price, created_at`

func scanBooking(s scanner) (*models.Booking, error) {
	var (
		b   models.Booking
		end sql.NullTime
	)
	err := s.Scan(&b.ID, &b.RiderID, &b.StartZone, &b.DropZone, pq.Array(&b.Days), &b.TimeOfDay, &b.StartDate, &end,
		&b.Mode, &b.Status, &b.MonthlyPrice, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	b.EndDate = timePtr(end)
	return &b, nil
}

func (t *pgTx) Booking(ctx context.Context, id string) (*models.Booking, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id)
	b, err := scanBooking(row)
	if err != nil {
		return nil, storeErr("get booking "+id, err)
	}
	return b, nil
}

func (t *pgTx) SaveBooking(ctx context.Context, b *models.Booking) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET start_zone = EXCLUDED.start_zone, drop_zone = EXCLUDED.drop_zone,
			days = EXCLUDED.days, time_of_day = EXCLUDED.time_of_day, start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date, mode = EXCLUDED.mode, status = EXCLUDED.status,
			monthly_price = EXCLUDED.monthly_price`,
		b.ID, b.RiderID, b.StartZone, b.DropZone, textArray(b.Days), b.TimeOfDay, b.StartDate, nullTime(b.EndDate),
		string(b.Mode), string(b.Status), b.MonthlyPrice, b.CreatedAt)
	if err != nil {
		return storeErr("save booking "+b.ID, err)
	}
	return nil
}

func (t *pgTx) FindBookings(ctx context.Context, f BookingFilter) ([]*models.Booking, error) {
	var w where
	if f.Status != "" {
		w.add("status = $%d", string(f.Status))
	}
	if f.RiderID != "" {
		w.add("rider_id = $%d", f.RiderID)
	}
	rows, err := t.tx.QueryContext(ctx, `SELECT `+bookingColumns+` FROM bookings`+w.String()+` ORDER BY id`, w.args...)
	if err != nil {
		return nil, storeErr("find bookings", err)
	}
	defer rows.Close()
	var out []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, storeErr("scan booking", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("find bookings", err)
	}
	return out, nil
}

// occurrences

const occurrenceColumns = `id, booking_id, scheduled_for, ride_id, offer_id, status, created_at`

func scanOccurrence(s scanner) (*models.Occurrence, error) {
	var (
		o               models.Occurrence
		rideID, offerID sql.NullString
	)
	if err := s.Scan(&o.ID, &o.BookingID, &o.ScheduledFor, &rideID, &offerID, &o.Status, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.RideID = rideID.String
	o.OfferID = offerID.String
	return &o, nil
}

func (t *pgTx) Occurrence(ctx context.Context, id string) (*models.Occurrence, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+occurrenceColumns+` FROM occurrences WHERE id = $1 FOR UPDATE`, id)
	o, err := scanOccurrence(row)
	if err != nil {
		return nil, storeErr("get occurrence "+id, err)
	}
	return o, nil
}

func (t *pgTx) InsertOccurrence(ctx context.Context, o *models.Occurrence) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `INSERT INTO occurrences (`+occurrenceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (booking_id, scheduled_for) DO NOTHING`,
		o.ID, o.BookingID, o.ScheduledFor, nullString(o.RideID), nullString(o.OfferID), string(o.Status), o.CreatedAt)
	if err != nil {
		return false, storeErr("insert occurrence", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("insert occurrence", err)
	}
	return n == 1, nil
}

func (t *pgTx) SaveOccurrence(ctx context.Context, o *models.Occurrence) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE occurrences SET ride_id = $2, offer_id = $3, status = $4 WHERE id = $1`,
		o.ID, nullString(o.RideID), nullString(o.OfferID), string(o.Status))
	if err != nil {
		return storeErr("save occurrence "+o.ID, err)
	}
	return expectOne(res, "save occurrence "+o.ID)
}

func (t *pgTx) FindOccurrences(ctx context.Context, f OccurrenceFilter) ([]*models.Occurrence, error) {
	var w where
	if f.Status != "" {
		w.add("status = $%d", string(f.Status))
	}
	if f.BookingID != "" {
		w.add("booking_id = $%d", f.BookingID)
	}
	if !f.From.IsZero() {
		w.add("scheduled_for >= $%d", f.From)
	}
	if !f.To.IsZero() {
		w.add("scheduled_for <= $%d", f.To)
	}
	rows, err := t.tx.QueryContext(ctx, `SELECT `+occurrenceColumns+` FROM occurrences`+w.String()+` ORDER BY scheduled_for, id`, w.args...)
	if err != nil {
		return nil, storeErr("find occurrences", err)
	}
	defer rows.Close()
	var out []*models.Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, storeErr("scan occurrence", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("find occurrences", err)
	}
	return out, nil
}

// pool offers

const offerColumns = `id, occurrence_ids, participants, start_zone, drop_zone, scheduled_for, status, pooled_ride_id, created_at`

func scanOffer(s scanner) (*models.PoolOffer, error) {
	var (
		o      models.PoolOffer
		pooled sql.NullString
	)
	err := s.Scan(&o.ID, pq.Array(&o.OccurrenceIDs), pq.Array(&o.Participants), &o.StartZone, &o.DropZone,
		&o.ScheduledFor, &o.Status, &pooled, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	o.PooledRideID = pooled.String
	return &o, nil
}

func (t *pgTx) Offer(ctx context.Context, id string) (*models.PoolOffer, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM pool_offers WHERE id = $1 FOR UPDATE`, id)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("offer %s: %w", id, apperror.ErrOfferNotFound)
	}
	if err != nil {
		return nil, storeErr("get offer "+id, err)
	}
	return o, nil
}

func (t *pgTx) InsertOffer(ctx context.Context, o *models.PoolOffer) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `INSERT INTO pool_offers (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (scheduled_for, start_zone, drop_zone) WHERE status = 'open' DO NOTHING`,
		o.ID, textArray(o.OccurrenceIDs), textArray(o.Participants), o.StartZone, o.DropZone, o.ScheduledFor,
		string(o.Status), nullString(o.PooledRideID), o.CreatedAt)
	if err != nil {
		return false, storeErr("insert offer", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("insert offer", err)
	}
	return n == 1, nil
}

func (t *pgTx) SaveOffer(ctx context.Context, o *models.PoolOffer) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE pool_offers SET occurrence_ids = $2, participants = $3, status = $4,
		pooled_ride_id = $5 WHERE id = $1`,
		o.ID, textArray(o.OccurrenceIDs), textArray(o.Participants), string(o.Status), nullString(o.PooledRideID))
	if err != nil {
		return storeErr("save offer "+o.ID, err)
	}
	if err := expectOne(res, "save offer "+o.ID); errors.Is(err, apperror.ErrNotFound) {
		return fmt.Errorf("offer %s: %w", o.ID, apperror.ErrOfferNotFound)
	} else if err != nil {
		return err
	}
	return nil
}

func (t *pgTx) FindOffers(ctx context.Context, f OfferFilter) ([]*models.PoolOffer, error) {
	var w where
	if f.Status != "" {
		w.add("status = $%d", string(f.Status))
	}
	if f.Key != nil {
		k := f.Key.Normalize()
		w.add("scheduled_for = $%d", k.ScheduledFor)
		w.add("start_zone = $%d", k.StartZone)
		w.add("drop_zone = $%d", k.DropZone)
	}
	rows, err := t.tx.QueryContext(ctx, `SELECT `+offerColumns+` FROM pool_offers`+w.String()+` ORDER BY created_at, id`, w.args...)
	if err != nil {
		return nil, storeErr("find offers", err)
	}
	defer rows.Close()
	var out []*models.PoolOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, storeErr("scan offer", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("find offers", err)
	}
	return out, nil
}

// pooled rides

const pooledColumns = `id, offer_id, rider_ids, start_zone, drop_zone, driver_id, ride_id, status, priority, created_at`

func (t *pgTx) PooledRide(ctx context.Context, id string) (*models.PooledRide, error) {
	var (
		p        models.PooledRide
		driverID sql.NullString
	)
	err := t.tx.QueryRowContext(ctx, `SELECT `+pooledColumns+` FROM pooled_rides WHERE id = $1 FOR UPDATE`, id).
		Scan(&p.ID, &p.OfferID, pq.Array(&p.RiderIDs), &p.StartZone, &p.DropZone, &driverID, &p.RideID, &p.Status, &p.Priority, &p.CreatedAt)
	if err != nil {
		return nil, storeErr("get pooled ride "+id, err)
	}
	p.DriverID = driverID.String
	return &p, nil
}

func (t *pgTx) InsertPooledRide(ctx context.Context, p *models.PooledRide) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO pooled_rides (`+pooledColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.OfferID, textArray(p.RiderIDs), p.StartZone, p.DropZone, nullString(p.DriverID), p.RideID,
		string(p.Status), p.Priority, p.CreatedAt)
	if err != nil {
		return storeErr("insert pooled ride "+p.ID, err)
	}
	return nil
}

func (t *pgTx) SavePooledRide(ctx context.Context, p *models.PooledRide) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE pooled_rides SET driver_id = $2, status = $3 WHERE id = $1`,
		p.ID, nullString(p.DriverID), string(p.Status))
	if err != nil {
		return storeErr("save pooled ride "+p.ID, err)
	}
	return expectOne(res, "save pooled ride "+p.ID)
}

func expectOne(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, apperror.ErrNotFound)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
