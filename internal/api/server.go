package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/diarize-engine/internal/config"
	"github.com/snarg/diarize-engine/internal/metrics"
	"github.com/snarg/diarize-engine/internal/storage"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// ServerOptions carries the components the HTTP layer serves.
type ServerOptions struct {
	Config    *config.Config
	Submitter JobSubmitter
	Jobs      JobReader
	Events    EventSource
	Store     storage.AudioStore
	Health    HealthDeps
	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	r := NewRouter(opts)
	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: opts.Log,
	}
}

// NewRouter builds the HTTP routes.
func NewRouter(opts ServerOptions) chi.Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(Logger(opts.Log))
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(CORSWithOrigins(splitOrigins(opts.Config.CORSOrigins)))
	r.Use(metrics.InstrumentHandler)

	r.Get("/ping", Ping)
	r.Get("/api/v1/health", NewHealthHandler(opts.Health, opts.Version, opts.StartTime).ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	NewTaskHandler(opts.Submitter, opts.Jobs, opts.Config.MaxUpload, opts.Log).Routes(r)
	NewEventsHandler(opts.Events, opts.Jobs).Routes(r)
	NewAudioHandler(opts.Store).Routes(r)

	return r
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
