package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/manthysbr/browserq/internal/core/services"
)

// Options configures the HTTP layer.
type Options struct {
	Version     string
	CORSOrigins []string
	// WatchPollInterval is how often a watch re-reads the store for
	// transitions made by other processes.
	WatchPollInterval time.Duration
}

type Server struct {
	logger    *slog.Logger
	jobs      *services.JobService
	version   string
	origins   []string
	watchPoll time.Duration
	upgrader  websocket.Upgrader
}

func NewServer(logger *slog.Logger, jobs *services.JobService, opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.WatchPollInterval <= 0 {
		opts.WatchPollInterval = time.Second
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	return &Server{
		logger:    logger,
		jobs:      jobs,
		version:   opts.Version,
		origins:   opts.CORSOrigins,
		watchPoll: opts.WatchPollInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handler returns the routed, CORS-wrapped API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmitJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/result", s.handleGetResult)
		r.Get("/jobs/{id}/watch", s.handleWatchJob)
		r.Get("/definitions", s.handleListDefinitions)
		r.Get("/stats", s.handleStats)
	})

	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
					"remote", r.RemoteAddr,
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
