// Package booking manages recurring ride templates: creation, lifecycle
// changes and the occurrence and subscription views riders see.
package booking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperror"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/schedule"
	"github.com/example/ride-dispatch/internal/storage"
)

const dateLayout = "2006-01-02"

// weeksPerMonth prices a subscription as four weeks of trips.
const weeksPerMonth = 4

type Service struct {
	Store    storage.Store
	Location *time.Location
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

type CreateRequest struct {
	RiderID      string             `json:"rider_id"`
	StartZone    int                `json:"start_zone"`
	DropZone     int                `json:"drop_zone"`
	Days         []string           `json:"days"`
	TimeOfDay    string             `json:"time_of_day"`
	StartDate    string             `json:"start_date,omitempty"`
	EndDate      string             `json:"end_date,omitempty"`
	Mode         models.BookingMode `json:"mode,omitempty"`
	MonthlyPrice int64              `json:"monthly_price,omitempty"`
}

type Subscription struct {
	RiderID        string `json:"rider_id"`
	IsVIP          bool   `json:"is_vip"`
	ActiveBookings int    `json:"active_bookings"`
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) location() *time.Location {
	if s.Location != nil {
		return s.Location
	}
	return time.UTC
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) parseDate(field, v string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, v, s.location())
	if err != nil {
		return time.Time{}, apperror.BadRequest("%s %q must be YYYY-MM-DD", field, v)
	}
	return t, nil
}

// Create validates and stores a new active booking. Mode defaults to pool.
// Without an explicit monthly price the booking is priced as four weeks of
// its trips.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Booking, error) {
	if req.RiderID == "" {
		return nil, apperror.BadRequest("rider id is required")
	}
	if !geo.Valid(req.StartZone) || !geo.Valid(req.DropZone) {
		return nil, apperror.BadRequest("zones must be within %d..%d", geo.MinZone, geo.MaxZone)
	}
	days, err := schedule.ParseDays(req.Days)
	if err != nil {
		return nil, err
	}
	if _, _, err := schedule.ParseTimeOfDay(req.TimeOfDay); err != nil {
		return nil, err
	}
	mode := req.Mode
	switch mode {
	case "":
		mode = models.ModePool
	case models.ModePool, models.ModeSolo:
	default:
		return nil, apperror.BadRequest("mode %q must be solo or pool", req.Mode)
	}

	now := s.now()
	y, m, d := now.In(s.location()).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, s.location())
	if req.StartDate != "" {
		if start, err = s.parseDate("start_date", req.StartDate); err != nil {
			return nil, err
		}
	}
	var end *time.Time
	if req.EndDate != "" {
		e, err := s.parseDate("end_date", req.EndDate)
		if err != nil {
			return nil, err
		}
		if e.Before(start) {
			return nil, apperror.BadRequest("end_date is before start_date")
		}
		end = &e
	}

	price := req.MonthlyPrice
	if price <= 0 {
		price = pricing.RiderPrice(req.StartZone, req.DropZone, mode == models.ModePool) * int64(len(days)*weeksPerMonth)
	}

	b := &models.Booking{
		ID:           s.newID(),
		RiderID:      req.RiderID,
		StartZone:    req.StartZone,
		DropZone:     req.DropZone,
		Days:         req.Days,
		TimeOfDay:    req.TimeOfDay,
		StartDate:    start,
		EndDate:      end,
		Mode:         mode,
		Status:       models.BookingActive,
		MonthlyPrice: price,
		CreatedAt:    now,
	}
	if err := s.Store.InTx(ctx, func(tx storage.Tx) error { return tx.SaveBooking(ctx, b) }); err != nil {
		return nil, err
	}
	s.logger().Info("booking created", "booking_id", b.ID, "rider_id", b.RiderID, "mode", b.Mode, "days", b.Days)
	return b, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Booking, error) {
	var b *models.Booking
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		b, err = tx.Booking(ctx, id)
		return err
	})
	return b, err
}

// transition moves a booking to next when its current status is in from.
func (s *Service) transition(ctx context.Context, id string, next models.BookingStatus, from ...models.BookingStatus) (*models.Booking, error) {
	var b *models.Booking
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		if b, err = tx.Booking(ctx, id); err != nil {
			return err
		}
		for _, st := range from {
			if b.Status == st {
				b.Status = next
				return tx.SaveBooking(ctx, b)
			}
		}
		return fmt.Errorf("booking %s is %s: %w", id, b.Status, apperror.ErrInvalidState)
	})
	if err != nil {
		return nil, err
	}
	s.logger().Info("booking updated", "booking_id", id, "status", next)
	return b, nil
}

// Cancel is terminal. Generated occurrences stop being reserved or pooled.
// A pickup already reserved inside the lead window keeps its driver and ride;
// the driver completes it as usual.
func (s *Service) Cancel(ctx context.Context, id string) (*models.Booking, error) {
	return s.transition(ctx, id, models.BookingCancelled, models.BookingActive, models.BookingPaused)
}

func (s *Service) Pause(ctx context.Context, id string) (*models.Booking, error) {
	return s.transition(ctx, id, models.BookingPaused, models.BookingActive)
}

func (s *Service) Resume(ctx context.Context, id string) (*models.Booking, error) {
	return s.transition(ctx, id, models.BookingActive, models.BookingPaused)
}

// Upcoming lists the booking's occurrences that have not yet departed.
func (s *Service) Upcoming(ctx context.Context, bookingID string) ([]*models.Occurrence, error) {
	var out []*models.Occurrence
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.Booking(ctx, bookingID); err != nil {
			return err
		}
		var err error
		out, err = tx.FindOccurrences(ctx, storage.OccurrenceFilter{BookingID: bookingID, From: s.now()})
		return err
	})
	return out, err
}

// Subscription reports whether the rider holds an active booking, which
// grants priority on immediate requests.
func (s *Service) Subscription(ctx context.Context, riderID string) (*Subscription, error) {
	var active []*models.Booking
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		active, err = tx.FindBookings(ctx, storage.BookingFilter{Status: models.BookingActive, RiderID: riderID})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Subscription{RiderID: riderID, IsVIP: len(active) > 0, ActiveBookings: len(active)}, nil
}
