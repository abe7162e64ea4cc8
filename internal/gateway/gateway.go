// Package gateway routes decoded client messages to the core services. The
// sender's identity comes from its session, never from the payload.
package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/ride-dispatch/internal/apperror"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/pool"
	"github.com/example/ride-dispatch/internal/protocol"
)

type Gateway struct {
	Matcher *matcher.Service
	Pool    *pool.Aggregator
	Logger  *slog.Logger
}

func New(m *matcher.Service, p *pool.Aggregator, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{Matcher: m, Pool: p, Logger: logger.With("component", "gateway")}
}

// Caller identifies the session a message arrived on.
type Caller struct {
	Role dispatch.Role
	ID   string
}

func wrongRole(action string, c Caller) error {
	return apperror.BadRequest("%s is not available to %s sessions", action, c.Role)
}

// Handle executes one inbound message. The returned event, if any, is the
// direct reply for the sender; failures come back as an error event. Other
// parties are notified by the services themselves.
func (g *Gateway) Handle(ctx context.Context, c Caller, msg protocol.Inbound) protocol.Event {
	reply, err := g.dispatch(ctx, c, msg)
	if err != nil {
		g.Logger.Debug("message rejected", "role", c.Role, "id", c.ID, "message", fmt.Sprintf("%T", msg), "error", err)
		return protocol.ErrorEvent(err)
	}
	return reply
}

func (g *Gateway) dispatch(ctx context.Context, c Caller, msg protocol.Inbound) (protocol.Event, error) {
	switch m := msg.(type) {
	case protocol.RequestRide:
		if c.Role != dispatch.RoleRider {
			return nil, wrongRole(protocol.ActionRequestRide, c)
		}
		ride, err := g.Matcher.RequestRide(ctx, matcher.RideRequest{
			RiderID: c.ID, StartZone: m.StartZone, DropZone: m.DropZone, Priority: m.Priority,
		})
		if err != nil {
			return nil, err
		}
		return protocol.StatusUpdateEvent(ride.ID, protocol.PhaseSearching, "Looking for a driver."), nil

	case protocol.AcceptRide:
		if c.Role != dispatch.RoleDriver {
			return nil, wrongRole(protocol.ActionAcceptRide, c)
		}
		_, err := g.Matcher.Accept(ctx, c.ID, m.RideID)
		return nil, err

	case protocol.DeclineRide:
		if c.Role != dispatch.RoleDriver {
			return nil, wrongRole(protocol.ActionDeclineRide, c)
		}
		return nil, g.Matcher.Decline(ctx, c.ID, m.RideID)

	case protocol.CompleteRide:
		if c.Role != dispatch.RoleDriver {
			return nil, wrongRole(protocol.ActionCompleteRide, c)
		}
		ride, err := g.Matcher.Complete(ctx, c.ID, m.RideID)
		if err != nil {
			return nil, err
		}
		return protocol.RideCompletedEvent(ride.ID), nil

	case protocol.AcceptPooled:
		if c.Role != dispatch.RoleDriver {
			return nil, wrongRole(protocol.ActionAcceptPooled, c)
		}
		_, err := g.Matcher.AcceptPooled(ctx, c.ID, m.OfferID)
		return nil, err

	case protocol.PriceEstimate:
		est, err := g.Matcher.PriceEstimate(m.StartZone, m.DropZone)
		if err != nil {
			return nil, err
		}
		return protocol.PriceQuoteEvent(est.Solo, est.Pool), nil

	case protocol.DriverArrived:
		if c.Role != dispatch.RoleDriver {
			return nil, wrongRole(protocol.ActionDriverArrived, c)
		}
		return nil, g.Matcher.DriverArrived(ctx, c.ID)

	case protocol.StartTrip:
		if c.Role != dispatch.RoleDriver {
			return nil, wrongRole(protocol.ActionStartTrip, c)
		}
		return nil, g.Matcher.StartTrip(ctx, c.ID)

	case protocol.JoinPool:
		if c.Role != dispatch.RoleRider {
			return nil, wrongRole(protocol.ActionJoinPool, c)
		}
		res, err := g.Pool.Join(ctx, c.ID, m.OfferID, m.OccurrenceID)
		if err != nil {
			return nil, err
		}
		if res.Pooled != nil {
			// the rider already got poolFilled from the aggregator
			return nil, nil
		}
		return g.Pool.OfferEvent(res.Offer, m.OccurrenceID), nil

	case protocol.DeclinePool:
		if c.Role != dispatch.RoleRider {
			return nil, wrongRole(protocol.ActionDeclinePool, c)
		}
		return nil, g.Pool.Decline(ctx, c.ID, m.OfferID)

	default:
		return nil, apperror.BadRequest("unsupported message %T", msg)
	}
}

// Greet replays the visible queue to a driver that just connected so it does
// not wait for the next newRide broadcast.
func (g *Gateway) Greet(ctx context.Context, c Caller, n dispatch.Notifier) {
	if c.Role != dispatch.RoleDriver {
		return
	}
	rides, err := g.Matcher.Queue(ctx, c.ID)
	if err != nil {
		g.Logger.Warn("queue replay failed", "driver_id", c.ID, "error", err)
		return
	}
	for _, r := range rides {
		n.SendToDriver(c.ID, protocol.NewRideEvent(r))
	}
}
