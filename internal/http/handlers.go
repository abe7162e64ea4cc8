package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/apperror"
	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pool"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/protocol"
)

// ZonePublisher hands driver zone changes to the ingest topic.
type ZonePublisher interface {
	PublishZone(ctx context.Context, u models.ZoneUpdate) error
}

// Deps are the services the HTTP surface exposes.
type Deps struct {
	Matcher  *matcher.Service
	Bookings *booking.Service
	Pool     *pool.Aggregator
	Gateway  *gateway.Gateway
	Hub      *dispatch.Hub
	Zones    ZonePublisher // optional; zone updates apply directly without it
}

type Server struct {
	Deps
	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
}

func NewServer(d Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Deps:   d,
		logger: logger.With("component", "http"),
		mux:    mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/drivers", s.handleRegisterDriver).Methods(http.MethodPost)

	api.HandleFunc("/rides/request", s.handleRideRequest).Methods(http.MethodPost)
	api.HandleFunc("/rides/queue", s.handleQueue).Methods(http.MethodGet)
	api.HandleFunc("/rides/history/{role}/{id}", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/{action:accept|decline|complete}", s.handleRideAction).Methods(http.MethodPost)
	api.HandleFunc("/price-estimate", s.handlePriceEstimate).Methods(http.MethodGet)

	api.HandleFunc("/bookings", s.handleCreateBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}", s.handleGetBooking).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}/{action:cancel|pause|resume}", s.handleBookingAction).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/occurrences", s.handleOccurrences).Methods(http.MethodGet)
	api.HandleFunc("/riders/{id}/subscription", s.handleSubscription).Methods(http.MethodGet)

	api.HandleFunc("/pool-offers", s.handleListOffers).Methods(http.MethodGet)
	api.HandleFunc("/pool-offers/{id}/{action:join|decline|accept}", s.handleOfferAction).Methods(http.MethodPost)

	api.HandleFunc("/zones", s.handleZones).Methods(http.MethodGet)

	s.mux.HandleFunc("/internal/drivers/{id}/zone", s.handleDriverZone).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/driver/{id}", s.handleWS(dispatch.RoleDriver))
	s.mux.HandleFunc("/ws/rider/{id}", s.handleWS(dispatch.RoleRider))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var ov *apperror.OrderingViolation
	switch {
	case errors.Is(err, apperror.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, apperror.ErrNotFound), errors.Is(err, apperror.ErrOfferNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperror.ErrNotRideDriver):
		return http.StatusForbidden
	case errors.As(err, &ov),
		errors.Is(err, apperror.ErrRideAlreadyTaken),
		errors.Is(err, apperror.ErrDriverUnavailable),
		errors.Is(err, apperror.ErrOfferClosed),
		errors.Is(err, apperror.ErrInvalidState),
		errors.Is(err, apperror.ErrRideDeclined):
		return http.StatusConflict
	case errors.Is(err, apperror.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, status, apperror.ReasonOf(err))
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperror.BadRequest("invalid body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperror.BadRequest("query parameter %s=%q must be an integer", key, v)
	}
	return n, nil
}

type driverBody struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := decodeBody(r, &d); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.Matcher.RegisterDriver(r.Context(), models.Driver{
		ID: d.ID, Name: d.Name, Vehicle: d.Vehicle, CurrentZone: d.CurrentZone,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var req matcher.RideRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.Matcher.RequestRide(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

type queueEntry struct {
	protocol.NewRide
	Position int `json:"position"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	rides, err := s.Matcher.Queue(r.Context(), r.URL.Query().Get("driver_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]queueEntry, 0, len(rides))
	for i, ride := range rides {
		out = append(out, queueEntry{NewRide: protocol.NewRideEvent(ride), Position: i + 1})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rides, err := s.Matcher.History(r.Context(), dispatch.Role(vars["role"]), vars["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rides == nil {
		rides = []*models.Ride{}
	}
	writeJSON(w, http.StatusOK, rides)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Matcher.Ride(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRideAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body driverBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.DriverID == "" {
		s.writeError(w, r, apperror.BadRequest("driver_id is required"))
		return
	}

	var (
		ride *models.Ride
		err  error
	)
	switch vars["action"] {
	case "accept":
		ride, err = s.Matcher.Accept(r.Context(), body.DriverID, vars["id"])
	case "decline":
		err = s.Matcher.Decline(r.Context(), body.DriverID, vars["id"])
	case "complete":
		ride, err = s.Matcher.Complete(r.Context(), body.DriverID, vars["id"])
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ride == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handlePriceEstimate(w http.ResponseWriter, r *http.Request) {
	from, err := queryInt(r, "from")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := queryInt(r, "to")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	est, err := s.Matcher.PriceEstimate(from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req booking.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.Bookings.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.Bookings.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBookingAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var (
		b   *models.Booking
		err error
	)
	switch vars["action"] {
	case "cancel":
		b, err = s.Bookings.Cancel(r.Context(), vars["id"])
	case "pause":
		b, err = s.Bookings.Pause(r.Context(), vars["id"])
	case "resume":
		b, err = s.Bookings.Resume(r.Context(), vars["id"])
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	occs, err := s.Bookings.Upcoming(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if occs == nil {
		occs = []*models.Occurrence{}
	}
	writeJSON(w, http.StatusOK, occs)
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.Bookings.Subscription(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

type offerView struct {
	ID           string    `json:"id"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	ScheduledFor time.Time `json:"scheduled_for"`
	Candidates   int       `json:"candidates"`
	SeatsFilled  int       `json:"seats_filled"`
	Value        int64     `json:"value"`
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.Pool.ListOpen(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]offerView, 0, len(offers))
	for _, o := range offers {
		out = append(out, offerView{
			ID:           o.ID,
			From:         geo.Name(o.StartZone),
			To:           geo.Name(o.DropZone),
			ScheduledFor: o.ScheduledFor,
			Candidates:   len(o.OccurrenceIDs),
			SeatsFilled:  len(o.Participants),
			Value:        pricing.DriverPay(o.StartZone, o.DropZone, models.OriginPool),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type offerBody struct {
	RiderID      string `json:"rider_id"`
	OccurrenceID string `json:"occurrence_id"`
	DriverID     string `json:"driver_id"`
}

func (s *Server) handleOfferAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body offerBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	switch vars["action"] {
	case "join":
		if body.RiderID == "" || body.OccurrenceID == "" {
			s.writeError(w, r, apperror.BadRequest("rider_id and occurrence_id are required"))
			return
		}
		res, err := s.Pool.Join(r.Context(), body.RiderID, vars["id"], body.OccurrenceID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case "decline":
		if err := s.Pool.Decline(r.Context(), body.RiderID, vars["id"]); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "accept":
		if body.DriverID == "" {
			s.writeError(w, r, apperror.BadRequest("driver_id is required"))
			return
		}
		ride, err := s.Matcher.AcceptPooled(r.Context(), body.DriverID, vars["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ride)
	}
}

func (s *Server) handleZones(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, geo.Zones())
}

// handleDriverZone records a driver's new zone. With a zone publisher the
// update is queued for the consumer; otherwise it is applied in place.
func (s *Server) handleDriverZone(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Zone int `json:"zone"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !geo.Valid(body.Zone) {
		s.writeError(w, r, apperror.BadRequest("zone %d is not in the catalog", body.Zone))
		return
	}
	id := mux.Vars(r)["id"]
	if s.Zones != nil {
		if err := s.Zones.PublishZone(r.Context(), models.ZoneUpdate{DriverID: id, Zone: body.Zone}); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: publish zone: %v", apperror.ErrStoreUnavailable, err))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err := s.Matcher.UpdateDriverZone(r.Context(), id, body.Zone); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
