// Package admin serves an HTTP management API for a running framework.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/GoCodeAlone/bundlehost"
	"github.com/GoCodeAlone/bundlehost/archive"
	"github.com/GoCodeAlone/bundlehost/health"
	"github.com/GoCodeAlone/bundlehost/registry"
)

var (
	errBadBundleID = errors.New("bundle id must be a non-negative integer")
	errBadBody     = errors.New("request body is not valid JSON")
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(logger bundlehost.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithHealth mounts /health/live and /health/ready.
func WithHealth(h *health.Aggregator) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// Server is the admin API.
type Server struct {
	fw      *bundlehost.Framework
	logger  bundlehost.Logger
	health  *health.Aggregator
	metrics http.Handler
	router  chi.Router
}

// NewServer builds the router for fw.
func NewServer(fw *bundlehost.Framework, opts ...Option) *Server {
	s := &Server{fw: fw, logger: bundlehost.NopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the API handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/framework", s.getFramework)
	r.Route("/bundles", func(r chi.Router) {
		r.Get("/", s.listBundles)
		r.Post("/", s.installBundle)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getBundle)
			r.Delete("/", s.uninstallBundle)
			r.Post("/start", s.startBundle)
			r.Post("/stop", s.stopBundle)
			r.Post("/update", s.updateBundle)
		})
	})
	r.Post("/refresh", s.refresh)
	r.Get("/services", s.listServices)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	if s.health != nil {
		r.Get("/health/live", s.health.LiveEndpoint)
		r.Get("/health/ready", s.health.ReadyEndpoint)
		r.Get("/health", s.healthStatus)
	}
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()))
	})
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("Admin API listening", "addr", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown admin server: %w", err)
		}
		return nil
	}
}

type frameworkView struct {
	UUID          string            `json:"uuid"`
	State         string            `json:"state"`
	PendingEvents int               `json:"pendingEvents"`
	Properties    map[string]string `json:"properties"`
	Bundles       map[string]int    `json:"bundles"`
}

func (s *Server) getFramework(w http.ResponseWriter, _ *http.Request) {
	counts := make(map[string]int)
	for st, n := range s.fw.StateCounts() {
		counts[st.String()] = n
	}
	writeJSON(w, http.StatusOK, frameworkView{
		UUID:          s.fw.UUID(),
		State:         s.fw.State().String(),
		PendingEvents: s.fw.PendingEvents(),
		Properties:    s.fw.Properties(),
		Bundles:       counts,
	})
}

func (s *Server) listBundles(w http.ResponseWriter, _ *http.Request) {
	ids := s.fw.ListBundles()
	out := make([]bundlehost.BundleInfo, 0, len(ids))
	for _, id := range ids {
		info, err := s.fw.GetBundleByID(id)
		if err != nil {
			// uninstalled between the two calls
			continue
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

type installRequest struct {
	Location string `json:"location"`
	Source   string `json:"source,omitempty"`
	Start    bool   `json:"start,omitempty"`
}

type idResponse struct {
	ID bundlehost.BundleID `json:"id"`
}

func (s *Server) installBundle(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	id, err := s.fw.InstallBundle(r.Context(), req.Location, req.Source)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.Start {
		if err := s.fw.StartBundle(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

func (s *Server) getBundle(w http.ResponseWriter, r *http.Request) {
	id, err := bundleID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.fw.GetBundleByID(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) startBundle(w http.ResponseWriter, r *http.Request) {
	s.withBundle(w, r, func(ctx context.Context, id bundlehost.BundleID) error {
		return s.fw.StartBundle(ctx, id)
	})
}

// stopBundle persists the stop unless ?persist=false.
func (s *Server) stopBundle(w http.ResponseWriter, r *http.Request) {
	persist := true
	if v := r.URL.Query().Get("persist"); v != "" {
		p, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "persist must be a boolean"})
			return
		}
		persist = p
	}
	s.withBundle(w, r, func(ctx context.Context, id bundlehost.BundleID) error {
		return s.fw.StopBundle(ctx, id, persist)
	})
}

type updateRequest struct {
	Source string `json:"source,omitempty"`
}

func (s *Server) updateBundle(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.withBundle(w, r, func(ctx context.Context, id bundlehost.BundleID) error {
		return s.fw.UpdateBundle(ctx, id, req.Source)
	})
}

func (s *Server) uninstallBundle(w http.ResponseWriter, r *http.Request) {
	s.withBundle(w, r, func(ctx context.Context, id bundlehost.BundleID) error {
		return s.fw.UninstallBundle(ctx, id)
	})
}

// withBundle runs op on the bundle named in the path and answers with its new state.
func (s *Server) withBundle(w http.ResponseWriter, r *http.Request, op func(context.Context, bundlehost.BundleID) error) {
	id, err := bundleID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := op(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.fw.GetBundleByID(id)
	if err != nil {
		// uninstalled
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type refreshRequest struct {
	IDs []bundlehost.BundleID `json:"ids,omitempty"`
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if err := s.fw.RefreshBundles(r.Context(), req.IDs...); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	entries, err := s.fw.Services().List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []registry.ServiceEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) healthStatus(w http.ResponseWriter, r *http.Request) {
	status := s.health.CheckAll(r.Context())
	code := http.StatusOK
	if !status.Ready() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func bundleID(r *http.Request) (bundlehost.BundleID, error) {
	raw := chi.URLParam(r, "id")
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", errBadBundleID, raw)
	}
	return bundlehost.BundleID(n), nil
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errBadBody, err)
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps framework errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadBundleID), errors.Is(err, errBadBody),
		errors.Is(err, bundlehost.ErrInvalidLocation):
		return http.StatusBadRequest
	case errors.Is(err, bundlehost.ErrBundleNotFound),
		errors.Is(err, archive.ErrUnknownMemoryLocation):
		return http.StatusNotFound
	case errors.Is(err, bundlehost.ErrIllegalBundleState),
		errors.Is(err, bundlehost.ErrLockInterrupted):
		return http.StatusConflict
	case errors.Is(err, bundlehost.ErrUnresolvedConstraint),
		errors.Is(err, bundlehost.ErrFileIO):
		return http.StatusUnprocessableEntity
	case errors.Is(err, bundlehost.ErrFrameworkShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("Admin request failed", "status", code, "error", err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
