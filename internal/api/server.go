package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"generation-orchestrator/internal/logging"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/orchestrator"
	"generation-orchestrator/internal/ratelimit"
	"generation-orchestrator/internal/store"
	"generation-orchestrator/internal/telemetry"
)

// Limiter guards order creation. The Redis token bucket implements it.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for orders, jobs and their event streams.
type Server struct {
	ctrl    *orchestrator.Controller
	db      Pinger
	limiter Limiter
	logger  *slog.Logger
}

// New constructs the API server. A nil limiter disables rate limiting.
func New(ctrl *orchestrator.Controller, db Pinger, limiter Limiter, logger *slog.Logger) *Server {
	return &Server{
		ctrl:    ctrl,
		db:      db,
		limiter: limiter,
		logger:  logging.OrDiscard(logger).With("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.handleReady)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", s.handleCreateOrder)
		r.Get("/", s.handleListOrders)
		r.Get("/availability", s.handleAvailability)
		r.Get("/{id}", s.handleGetOrder)
		r.Post("/{id}/cancel", s.handleCancelOrder)
		r.Get("/{id}/stream", s.handleStreamOrder)
		r.Get("/{id}/logs", s.handleOrderLogs)
	})
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleEnqueue)
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/requeue", s.handleRequeue)
		r.Get("/{id}/events", s.handleJobEvents)
		r.Get("/{id}/stream", s.handleStreamJob)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			slog.String("request_id", chimiddleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createOrderResponse struct {
	Order models.Order `json:"order"`
	Job   models.Job   `json:"job"`
}

type lockedResponse struct {
	Status        string `json:"status"`
	ActiveOrderID int64  `json:"active_order_id"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RequestedBy == "" {
		req.RequestedBy = requesterFromRequest(r)
	}
	if !s.allow(w, r, ratelimit.OrderKey(req.RequestedBy)) {
		return
	}

	res, err := s.ctrl.CreateOrder(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	if res.Conflict {
		writeJSON(w, http.StatusConflict, lockedResponse{Status: "locked", ActiveOrderID: res.ActiveOrderID})
		return
	}
	w.Header().Set("Location", "/orders/"+strconv.FormatInt(res.Order.ID, 10))
	writeJSON(w, http.StatusCreated, createOrderResponse{Order: res.Order, Job: res.Job})
}

// allow consumes a token for key. A limiter that cannot be reached lets the
// request through.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, key string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), key)
	if err != nil {
		s.logger.Warn("rate limiter unavailable", "key", key, "error", err)
		return true
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	av, err := s.ctrl.CheckAvailability(r.Context(), q.Get("scope_type"), q.Get("scope_key"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, av)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	orders, err := s.ctrl.ListOrders(r.Context(), store.ListOrdersParams{
		Status:    models.OrderStatus(q.Get("status")),
		ScopeType: q.Get("scope_type"),
		ScopeKey:  q.Get("scope_key"),
		Limit:     int(limit),
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	order, err := s.ctrl.GetOrder(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	order, err := s.ctrl.CancelOrder(r.Context(), id, req.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleOrderLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	evs, err := s.ctrl.OrderLogs(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": id, "events": evs})
}

func (s *Server) handleStreamOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.stream(w, r, func(ctx context.Context, lastSeen int64, sse *sseWriter) error {
		return s.ctrl.StreamOrder(ctx, id, lastSeen, sse.Event, sse.Heartbeat)
	})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.EnqueueJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	job, err := s.ctrl.EnqueueJob(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	jobs, err := s.ctrl.ListJobs(r.Context(), store.ListJobsParams{
		Status: models.JobStatus(q.Get("status")),
		Kind:   q.Get("kind"),
		Limit:  int(limit),
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := s.ctrl.GetJob(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := s.ctrl.RequeueJob(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type eventsPage struct {
	Events    []models.Event `json:"events"`
	NextAfter int64          `json:"next_after"`
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	after, ok := queryInt(w, r, "after")
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	evs, err := s.ctrl.JobEvents(r.Context(), id, after, int(limit))
	if err != nil {
		s.fail(w, err)
		return
	}
	page := eventsPage{Events: evs, NextAfter: after}
	if len(evs) > 0 {
		page.NextAfter = evs[len(evs)-1].Seq
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleStreamJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.stream(w, r, func(ctx context.Context, lastSeen int64, sse *sseWriter) error {
		return s.ctrl.StreamJob(ctx, id, lastSeen, sse.Event, sse.Heartbeat)
	})
}

// stream runs follow against an SSE response. Errors raised before the first
// byte is written become ordinary JSON errors.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, follow func(ctx context.Context, lastSeen int64, sse *sseWriter) error) {
	lastSeen, err := lastEventID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	telemetry.StreamClients.Inc()
	defer telemetry.StreamClients.Dec()

	err = follow(r.Context(), lastSeen, sse)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case !sse.Started():
		s.fail(w, err)
	default:
		s.logger.Warn("stream ended with error", "path", r.URL.Path, "last_event_id", sse.LastID(), "error", err)
	}
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrOrderTerminal),
		errors.Is(err, store.ErrJobNotFailed),
		errors.Is(err, store.ErrJobNotQueued),
		errors.Is(err, store.ErrJobNotRunning),
		errors.Is(err, orchestrator.ErrOrderActive),
		errors.Is(err, orchestrator.ErrOrderCancelled):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return v, true
}

func requesterFromRequest(r *http.Request) string {
	return r.Header.Get("X-Requested-By")
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
