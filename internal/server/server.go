// Package server exposes the report index as a read-only JSON API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/impact/internal/report"
	"github.com/hugo-lorenzo-mato/impact/internal/store"
)

// Index is the part of the store the server reads.
type Index interface {
	List(ctx context.Context, f store.Filter) ([]store.Entry, error)
	Get(ctx context.Context, id string) (*store.Entry, error)
	Report(ctx context.Context, id string) (*report.Report, error)
}

// Config holds the server configuration.
type Config struct {
	Addr            string
	CORSOrigins     []string
	CacheSize       int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:8765",
		CacheSize:       128,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// ReportResponse is the body of GET /api/reports/{id}.
type ReportResponse struct {
	Entry  *store.Entry   `json:"entry"`
	Report *report.Report `json:"report"`
}

type cached struct {
	checksum string
	report   *report.Report
}

// Server serves the report index over HTTP.
type Server struct {
	config     Config
	index      Index
	logger     *slog.Logger
	cache      *lru.Cache[string, cached]
	router     chi.Router
	httpServer *http.Server
}

// New creates a server over index.
func New(cfg Config, index Index, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	cache, err := lru.New[string, cached](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating report cache: %w", err)
	}

	s := &Server{
		config: cfg,
		index:  index,
		logger: logger,
		cache:  cache,
	}
	s.router = s.setupRouter()
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	if len(s.config.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "If-None-Match", "X-Request-ID"},
			ExposedHeaders: []string{"ETag", "X-Request-ID"},
			MaxAge:         300,
		}).Handler)
	}

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/reports", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
	})
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{Identifier: q.Get("identifier")}
	if v := q.Get("crashed"); v != "" {
		crashed, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "crashed must be a boolean")
			return
		}
		f.CrashedOnly = crashed
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = limit
	}

	entries, err := s.index.List(r.Context(), f)
	if err != nil {
		s.logger.Error("listing reports", slog.String("error", err.Error()))
		respondError(w, http.StatusInternalServerError, "listing reports failed")
		return
	}
	if entries == nil {
		entries = []store.Entry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entry, err := s.index.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		s.logger.Error("reading report", slog.String("id", id), slog.String("error", err.Error()))
		respondError(w, http.StatusInternalServerError, "reading report failed")
		return
	}

	etag := strconv.Quote(entry.Checksum)
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	rep, err := s.load(r.Context(), entry)
	if err != nil {
		s.logger.Error("reading report", slog.String("id", id), slog.String("error", err.Error()))
		respondError(w, http.StatusInternalServerError, "reading report failed")
		return
	}
	respondJSON(w, http.StatusOK, ReportResponse{Entry: entry, Report: rep})
}

// load returns the parsed report, from the cache when its checksum still
// matches the index.
func (s *Server) load(ctx context.Context, entry *store.Entry) (*report.Report, error) {
	if c, ok := s.cache.Get(entry.ID); ok && c.checksum == entry.Checksum {
		return c.report, nil
	}
	rep, err := s.index.Report(ctx, entry.ID)
	if err != nil {
		return nil, err
	}
	s.cache.Add(entry.ID, cached{checksum: entry.Checksum, report: rep})
	return rep, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("starting http server", slog.String("addr", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		s.logger.Info("stopping http server")
		return s.httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func respondJSON(w http.ResponseWriter, status int, data any) {
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
