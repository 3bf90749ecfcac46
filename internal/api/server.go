package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/leadline/leadline/internal/api/middleware"
	"github.com/leadline/leadline/internal/config"
	"github.com/leadline/leadline/internal/database"
	"github.com/leadline/leadline/internal/leadcache"
	"github.com/leadline/leadline/internal/storage"
	"github.com/leadline/leadline/internal/upload"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router     *chi.Mux
	cfg        *config.Config
	store      storage.Store
	uploads    *upload.Service
	recordings database.RecordingRepository
	callLogs   database.CallLogRepository
	cache      *leadcache.Cache // nil disables invalidation
}

// NewServer creates the HTTP handler with all routes mounted. cache may be
// nil when lead-cache invalidation is not configured.
func NewServer(cfg *config.Config, store storage.Store, uploads *upload.Service, recordings database.RecordingRepository, callLogs database.CallLogRepository, cache *leadcache.Cache) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		cfg:        cfg,
		store:      store,
		uploads:    uploads,
		recordings: recordings,
		callLogs:   callLogs,
		cache:      cache,
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	rl := middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig())
	r.Use(rl.Middleware)

	auth := middleware.RequireAgentAuth([]byte(s.cfg.JWTSecret))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(auth)

			r.Route("/leads/{leadID}", func(r chi.Router) {
				// CRM boundary: call-log creation precedes any upload.
				r.Post("/call-logs", s.handleCreateCallLog)
				r.Get("/call-logs", s.handleListCallLogs)

				r.Route("/recordings", func(r chi.Router) {
					r.Post("/presign", s.handlePresignRecording)
					r.Post("/", s.handlePostRecording)
					r.Get("/", s.handleListRecordings)
					r.Get("/{recordingID}", s.handleStreamRecording)
					r.Delete("/{recordingID}", s.handleDeleteRecording)
				})
			})

			// Direct-upload confirmation after a presigned PUT.
			r.Post("/recordings/confirm", s.handleConfirmRecording)

			r.Get("/recordings/usage", s.handleStorageUsage)

			// Raw object endpoints backing the filesystem store's presign
			// protocol. With the S3 backend these are never handed out.
			r.Put("/uploads/*", s.handleRawUpload)
			r.Get("/objects/*", s.handleRawObject)
		})
	})

	slog.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
