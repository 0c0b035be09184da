package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
)

type Server struct {
	engine  *engine.Engine
	ws      *dispatch.WSRegistry
	webhook payments.WebhookParser
	auth    *Authenticator
	logger  *slog.Logger
	mux     *mux.Router
}

type Option func(*Server)

// WithAuthenticator replaces the header-trusting default.
func WithAuthenticator(a *Authenticator) Option { return func(s *Server) { s.auth = a } }

// WithWebhook sets the payment callback parser. Defaults to unsigned JSON.
func WithWebhook(p payments.WebhookParser) Option { return func(s *Server) { s.webhook = p } }

func NewServer(eng *engine.Engine, ws *dispatch.WSRegistry, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		engine:  eng,
		ws:      ws,
		webhook: payments.JSONWebhook{},
		auth:    NewAuthenticator(""),
		logger:  logger,
		mux:     mux.NewRouter(),
	}
	for _, o := range opts {
		o(s)
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	var webhook http.Handler = http.HandlerFunc(s.handlePaymentWebhook)
	if !s.webhook.Signed() {
		webhook = s.identityMiddleware(systemOnly(webhook))
	}
	s.mux.Handle("/api/v1/payments/webhook", webhook).Methods("POST")

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(s.identityMiddleware)
	ws.HandleFunc("/{role}/{id}", s.handleWS).Methods("GET")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.identityMiddleware)
	api.HandleFunc("/drivers", s.handleRegisterDriver).Methods("POST")
	api.HandleFunc("/drivers/idle", s.handleIdleDrivers).Methods("GET")
	api.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods("GET")
	api.HandleFunc("/drivers/{id}/online", s.handleDriverOnline).Methods("POST")
	api.HandleFunc("/drivers/{id}/offline", s.handleDriverOffline).Methods("POST")
	api.HandleFunc("/drivers/{id}/position", s.handleDriverPosition).Methods("POST")

	api.HandleFunc("/requests", s.handleSubmitRequest).Methods("POST")
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods("GET")
	api.HandleFunc("/requests/{id}", s.handleCancelRequest).Methods("DELETE")

	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods("GET")
	api.HandleFunc("/trips/{id}/accept", s.driverStep(s.engine.DriverAcceptTrip)).Methods("POST")
	api.HandleFunc("/trips/{id}/arrive", s.driverStep(s.engine.DriverMarkArrived)).Methods("POST")
	api.HandleFunc("/trips/{id}/start", s.driverStep(s.engine.DriverStartTrip)).Methods("POST")
	api.HandleFunc("/trips/{id}/complete", s.handleCompleteTrip).Methods("POST")
	api.HandleFunc("/trips/{id}/cancel", s.handleCancelTrip).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type errorBody struct {
	Error string `json:"error"`
}

var errForbidden = errors.New("forbidden")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNotAssignedDriver), errors.Is(err, models.ErrNotParticipant), errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrRequestExpired):
		return http.StatusGone
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrAlreadyOnTrip),
		errors.Is(err, models.ErrOnTrip),
		errors.Is(err, models.ErrNotIdle),
		errors.Is(err, models.ErrNotBusy),
		errors.Is(err, models.ErrAlreadyOffline),
		errors.Is(err, models.ErrAlreadyRegistered),
		errors.Is(err, models.ErrRequestClosed):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		return errors.Join(models.ErrValidation, err)
	}
	return nil
}

// systemOnly rejects callers that are not the system role.
func systemOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actorFromContext(r.Context()).Role != models.ActorSystem {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "payment callbacks require the system role"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow reports whether the caller may act as role/id. System callers may
// act as anyone.
func allow(act models.Actor, role models.ActorRole, id string) bool {
	return act.Role == models.ActorSystem || (act.Role == role && act.ID == id)
}

type registerDriverBody struct {
	ID           string              `json:"id"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
	Rating       float64             `json:"rating"`
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var body registerDriverBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !allow(actorFromContext(r.Context()), models.ActorDriver, body.ID) {
		s.writeError(w, r, errForbidden)
		return
	}
	d, err := s.engine.RegisterDriver(body.ID, body.VehicleClass, body.Rating)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// driverID returns the path driver id if the caller may act for it.
func (s *Server) driverID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	if !allow(actorFromContext(r.Context()), models.ActorDriver, id) {
		s.writeError(w, r, errForbidden)
		return "", false
	}
	return id, true
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	id, ok := s.driverID(w, r)
	if !ok {
		return
	}
	d, err := s.engine.GetDriver(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDriverOnline(w http.ResponseWriter, r *http.Request) {
	id, ok := s.driverID(w, r)
	if !ok {
		return
	}
	var pos models.Position
	if err := decode(r, &pos); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.engine.DriverGoOnline(id, pos)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDriverOffline(w http.ResponseWriter, r *http.Request) {
	id, ok := s.driverID(w, r)
	if !ok {
		return
	}
	d, err := s.engine.DriverGoOffline(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleDriverPosition answers 202 for pings that arrived out of order and
// were dropped.
func (s *Server) handleDriverPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := s.driverID(w, r)
	if !ok {
		return
	}
	var pos models.Position
	if err := decode(r, &pos); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, applied, err := s.engine.DriverUpdatePosition(id, pos)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if !applied {
		status = http.StatusAccepted
	}
	writeJSON(w, status, d)
}

func (s *Server) handleIdleDrivers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var p models.Coord
	var radius float64
	var limit int
	var errs []error
	parse := func(key string, dst *float64) {
		if v := q.Get(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, err)
			}
			*dst = f
		}
	}
	parse("lat", &p.Lat)
	parse("lng", &p.Lon)
	parse("radius_m", &radius)
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, err)
		}
		limit = n
	}
	if q.Get("lat") == "" || q.Get("lng") == "" {
		errs = append(errs, errors.New("lat and lng are required"))
	}
	if len(errs) > 0 {
		s.writeError(w, r, errors.Join(append([]error{models.ErrValidation}, errs...)...))
		return
	}
	cands, err := s.engine.ListIdleDrivers(p, radius, models.VehicleClass(q.Get("vehicle_class")), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	type idle struct {
		ID           string              `json:"id"`
		VehicleClass models.VehicleClass `json:"vehicle_class"`
		Position     models.Position     `json:"position"`
		DistanceM    float64             `json:"distance_m"`
	}
	out := make([]idle, 0, len(cands))
	for _, c := range cands {
		out = append(out, idle{ID: c.DriverID, VehicleClass: c.Class, Position: c.Position, DistanceM: c.DistanceM})
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": out})
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var in engine.SubmitInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	act := actorFromContext(r.Context())
	switch act.Role {
	case models.ActorRider:
		in.RiderID = act.ID
	case models.ActorSystem:
	default:
		s.writeError(w, r, errForbidden)
		return
	}
	req, err := s.engine.SubmitRequest(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.engine.GetRequest(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !allow(actorFromContext(r.Context()), models.ActorRider, req.RiderID) {
		s.writeError(w, r, errForbidden)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	act := actorFromContext(r.Context())
	riderID := ""
	switch act.Role {
	case models.ActorRider:
		riderID = act.ID
	case models.ActorSystem:
	default:
		s.writeError(w, r, errForbidden)
		return
	}
	req, err := s.engine.CancelRequest(mux.Vars(r)["id"], riderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.GetTripStatus(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	act := actorFromContext(r.Context())
	if !allow(act, models.ActorRider, t.RiderID) && !allow(act, models.ActorDriver, t.DriverID) {
		s.writeError(w, r, errForbidden)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) driverStep(step func(tripID, driverID string) (models.Trip, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		act := actorFromContext(r.Context())
		if act.Role != models.ActorDriver {
			s.writeError(w, r, errForbidden)
			return
		}
		t, err := step(mux.Vars(r)["id"], act.ID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

type completeBody struct {
	DistanceKm  float64 `json:"distance_km"`
	DurationMin float64 `json:"duration_min"`
}

func (s *Server) handleCompleteTrip(w http.ResponseWriter, r *http.Request) {
	act := actorFromContext(r.Context())
	if act.Role != models.ActorDriver {
		s.writeError(w, r, errForbidden)
		return
	}
	var body completeBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.engine.DriverCompleteTrip(mux.Vars(r)["id"], act.ID, body.DistanceKm, body.DurationMin)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if r.ContentLength != 0 {
		if err := decode(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	t, err := s.engine.CancelTrip(mux.Vars(r)["id"], body.Reason, actorFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, r, errors.Join(models.ErrValidation, err))
		return
	}
	res, ok, err := s.webhook.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		// not a payment outcome; acknowledge so the provider stops retrying
		w.WriteHeader(http.StatusNoContent)
		return
	}
	t, err := s.engine.OnPaymentResult(res.TripID, res.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	to := dispatch.Recipient{Role: models.ActorRole(vars["role"]), ID: vars["id"]}
	if to.Role != models.ActorRider && to.Role != models.ActorDriver {
		s.writeError(w, r, errors.Join(models.ErrValidation, errors.New("role must be rider or driver")))
		return
	}
	if !allow(actorFromContext(r.Context()), to.Role, to.ID) {
		s.writeError(w, r, errForbidden)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := s.ws.Add(to, conn)
	defer func() {
		s.ws.Remove(to, sess)
		_ = conn.Close()
	}()
	// events only flow to the client; reading detects the disconnect
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
