package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/pickup-ops/internal/aggregate"
	"github.com/example/pickup-ops/internal/dispatch"
	"github.com/example/pickup-ops/internal/eventlog"
	"github.com/example/pickup-ops/internal/models"
	"github.com/example/pickup-ops/internal/pickup"
	"github.com/example/pickup-ops/internal/settings"
)

// ActivityReader serves history pages for reconnecting dashboards.
type ActivityReader interface {
	Recent(ctx context.Context, limit int, before eventlog.Cursor) ([]models.ActivityEvent, error)
}

// Deps are the components the API fronts. Live may be nil to disable the
// WebSocket route.
type Deps struct {
	Pickups       *pickup.Service
	Summary       *aggregate.Engine
	Activity      ActivityReader
	Settings      *settings.Store
	Live          *dispatch.Registry
	AllowedOrigin string
	// Ready reports dependency health for /healthz. Nil means always ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	deps     Deps
	mux      *mux.Router
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, mux: mux.NewRouter(), logger: logger.With("component", "http")}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/pickups", s.handleCreatePickup).Methods(http.MethodPost)
	api.HandleFunc("/pickups", s.handleListPickups).Methods(http.MethodGet)
	api.HandleFunc("/pickups/{id}", s.handleGetPickup).Methods(http.MethodGet)
	api.HandleFunc("/pickups/{id}/assign", s.handleAssign).Methods(http.MethodPost)
	api.HandleFunc("/pickups/{id}/start", s.handleStartRoute).Methods(http.MethodPost)
	api.HandleFunc("/pickups/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/pickups/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/drivers", s.handleRegisterDriver).Methods(http.MethodPost)
	api.HandleFunc("/drivers", s.handleListDrivers).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/availability", s.handleSetAvailability).Methods(http.MethodPut)
	api.HandleFunc("/ops/summary", s.handleSummary).Methods(http.MethodGet)
	api.HandleFunc("/activity", s.handleActivity).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handleUpdateSettings).Methods(http.MethodPut)

	s.mux.HandleFunc("/ws/live", s.handleLive).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreatePickup(w http.ResponseWriter, r *http.Request) {
	var in pickup.CreateInput
	if !s.decode(w, r, &in) {
		return
	}
	p, err := s.deps.Pickups.Create(r.Context(), in, actorID(r))
	s.writeResult(w, http.StatusCreated, p, p.ID != "", err)
}

func (s *Server) handleListPickups(w http.ResponseWriter, r *http.Request) {
	status := models.PickupStatus(r.URL.Query().Get("status"))
	out, err := s.deps.Pickups.List(r.Context(), status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pickups": out})
}

func (s *Server) handleGetPickup(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Pickups.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	p, err := s.deps.Pickups.Assign(r.Context(), mux.Vars(r)["id"], body.DriverID, actorID(r))
	s.writeResult(w, http.StatusOK, p, p.ID != "", err)
}

func (s *Server) handleStartRoute(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Pickups.StartRoute(r.Context(), mux.Vars(r)["id"], actorID(r))
	s.writeResult(w, http.StatusOK, p, p.ID != "", err)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Weights map[string]float64 `json:"weights"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	p, err := s.deps.Pickups.Complete(r.Context(), mux.Vars(r)["id"], body.Weights, actorID(r))
	s.writeResult(w, http.StatusOK, p, p.ID != "", err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !s.decode(w, r, &body) {
		return
	}
	p, err := s.deps.Pickups.Cancel(r.Context(), mux.Vars(r)["id"], body.Reason, actorID(r))
	s.writeResult(w, http.StatusOK, p, p.ID != "", err)
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	d, err := s.deps.Pickups.RegisterDriver(r.Context(), body.Name, actorID(r))
	s.writeResult(w, http.StatusCreated, d, d.ID != "", err)
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Pickups.ListDrivers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": out})
}

func (s *Server) handleSetAvailability(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Availability models.Availability `json:"availability"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	d, err := s.deps.Pickups.SetAvailability(r.Context(), mux.Vars(r)["id"], body.Availability, actorID(r))
	s.writeResult(w, http.StatusOK, d, d.ID != "", err)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Summary.Summary(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, fmt.Errorf("limit must be an integer: %w", models.ErrValidation))
			return
		}
		limit = n
	}
	events, err := s.deps.Activity.Recent(r.Context(), eventlog.ClampLimit(limit), eventlog.ParseCursor(q.Get("before")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := map[string]any{"events": events}
	if n := len(events); n > 0 {
		resp["next_before"] = events[n-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Settings.Get())
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch settings.Patch
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&patch); err != nil {
		s.writeError(w, fmt.Errorf("invalid settings body: %v: %w", err, models.ErrValidation))
		return
	}
	out, err := s.deps.Settings.Update(r.Context(), patch, actorID(r))
	s.writeResult(w, http.StatusOK, out, out.Version != 0, err)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if s.deps.Live == nil {
		http.Error(w, "live channel disabled", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Warn("websocket upgrade failed", "error", err, "origin", r.Header.Get("Origin"))
		return
	}
	dispatch.ServeWS(r.Context(), s.deps.Live, conn, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.deps.AllowedOrigin == "" {
		return true
	}
	return strings.EqualFold(r.Header.Get("Origin"), s.deps.AllowedOrigin)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, fmt.Errorf("invalid request body: %v: %w", err, models.ErrValidation))
		return false
	}
	return true
}

// writeResult writes a mutation outcome. A committed mutation whose audit
// write failed is still a success, flagged with audit_incomplete.
func (s *Server) writeResult(w http.ResponseWriter, status int, v any, committed bool, err error) {
	if err == nil {
		writeJSON(w, status, v)
		return
	}
	if committed && errors.Is(err, models.ErrStorageUnavailable) {
		s.logger.Warn("mutation committed with incomplete audit trail", "error", err)
		writeJSON(w, status, withAuditFlag(v))
		return
	}
	s.writeError(w, err)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := models.ErrorKind(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "kind", kind, "error", err)
	}
	writeJSON(w, status, errorBody{Error: kind, Message: err.Error()})
}

func statusFor(kind string) int {
	switch kind {
	case "ValidationError":
		return http.StatusBadRequest
	case "NotFound":
		return http.StatusNotFound
	case "InvalidTransition", "DriverUnavailable":
		return http.StatusConflict
	case "StorageUnavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func withAuditFlag(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return v
	}
	fields["audit_incomplete"] = json.RawMessage("true")
	return fields
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func actorID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
