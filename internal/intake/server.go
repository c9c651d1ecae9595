// Package intake is a small HTTP endpoint that accepts crash reports and
// keeps them in the report store. Point an endpoint URL at it to test
// delivery end to end without a real backend.
package intake

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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/core"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/crashinfo"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/logging"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/store"
)

// MaxReportBytes bounds a POSTed report.
const MaxReportBytes = 32 << 20

// Server serves the intake API.
type Server struct {
	router   chi.Router
	store    *store.Store
	logger   *logging.Logger
	registry *prometheus.Registry
	origins  []string

	received *prometheus.CounterVec
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *logging.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRegistry serves reg on /metrics instead of a private registry.
func WithRegistry(reg *prometheus.Registry) ServerOption {
	return func(s *Server) {
		if reg != nil {
			s.registry = reg
		}
	}
}

// WithCORSOrigins restricts cross-origin requests. Empty allows any origin.
func WithCORSOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.origins = append([]string(nil), origins...)
	}
}

// NewServer creates an intake server backed by st.
func NewServer(st *store.Store, opts ...ServerOption) *Server {
	s := &Server{
		store:  st,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.received = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crashtracker",
		Subsystem: "intake",
		Name:      "reports_total",
		Help:      "Reports posted to the intake, by result.",
	}, []string{"result"})
	s.registry.MustRegister(s.received)
	s.logger = s.logger.WithComponent("intake")

	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Registry returns the registry served on /metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.loggingMiddleware)

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "DD-API-KEY", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/crashes", func(r chi.Router) {
			r.Get("/", s.handleListCrashes)
			r.Post("/", s.handleCreateCrash)
			r.Get("/{uuid}", s.handleGetCrash)
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.Count(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"reports": n,
	})
}

func (s *Server) handleCreateCrash(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxReportBytes))
	if err != nil {
		s.received.WithLabelValues("rejected").Inc()
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			respondError(w, http.StatusRequestEntityTooLarge, "report too large")
			return
		}
		respondError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}

	report, err := crashinfo.Decode(body)
	if err != nil {
		s.received.WithLabelValues("rejected").Inc()
		respondError(w, http.StatusBadRequest, "invalid report: "+err.Error())
		return
	}
	if report.UUID == "" {
		s.received.WithLabelValues("rejected").Inc()
		respondError(w, http.StatusUnprocessableEntity, "report has no uuid")
		return
	}

	sum, err := s.store.Save(r.Context(), report)
	if err != nil {
		s.received.WithLabelValues("error").Inc()
		s.logger.Error("saving report", "uuid", report.UUID, "error", err)
		respondDomainError(w, err)
		return
	}
	s.received.WithLabelValues("stored").Inc()
	s.logger.WithCrash(sum.UUID).Info("report stored",
		"signame", sum.Signame,
		"incomplete", sum.Incomplete,
		"library", sum.Library,
	)
	respondJSON(w, http.StatusCreated, sum)
}

func (s *Server) handleListCrashes(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	list, err := s.store.List(r.Context(), limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if list == nil {
		list = []store.Summary{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetCrash(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// ListenAndServe starts the HTTP server and shuts it down when ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting intake server", "addr", addr, "db", s.store.Path())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps a categorized error to a status code.
func respondDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch core.GetCategory(err) {
	case core.ErrCatNotFound:
		status = http.StatusNotFound
	case core.ErrCatProtocol, core.ErrCatConfig:
		status = http.StatusUnprocessableEntity
	case core.ErrCatTimeout:
		status = http.StatusGatewayTimeout
	}
	respondError(w, status, err.Error())
}
