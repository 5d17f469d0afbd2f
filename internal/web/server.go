// Package web provides the HTTP API for uploading datasets and templates,
// running batches and managing checkpoints.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/JonMunkholm/certmailer/internal/checkpoint"
	"github.com/JonMunkholm/certmailer/internal/config"
	"github.com/JonMunkholm/certmailer/internal/core"
	mw "github.com/JonMunkholm/certmailer/internal/web/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// CredentialTester checks sender credentials against the mail server.
type CredentialTester interface {
	Test(ctx context.Context, creds core.Credentials) error
}

// CredentialSaver persists sender credentials.
type CredentialSaver interface {
	Save(creds core.Credentials) error
}

// Deps are the collaborators the server needs.
type Deps struct {
	Orchestrator *core.Orchestrator
	Store        checkpoint.Store
	Debouncer    *checkpoint.Debouncer
	Credentials  core.CredentialSupplier
	Saver        CredentialSaver
	Tester       CredentialTester
	Logger       *slog.Logger
}

// Server is the HTTP server for the batch API.
type Server struct {
	orch      *core.Orchestrator
	store     checkpoint.Store
	debouncer *checkpoint.Debouncer
	creds     core.CredentialSupplier
	saver     CredentialSaver
	tester    CredentialTester
	logger    *slog.Logger

	cfg      *config.Config
	uploads  *uploadArea
	datasets *datasetCache
	limiter  *rateLimiter

	router *chi.Mux
	server *http.Server
	mu     sync.Mutex
}

// NewServer creates a new Server instance.
func NewServer(deps Deps, cfg *config.Config) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	uploads := newUploadArea(cfg.Render.UploadDir)
	s := &Server{
		orch:      deps.Orchestrator,
		store:     deps.Store,
		debouncer: deps.Debouncer,
		creds:     deps.Credentials,
		saver:     deps.Saver,
		tester:    deps.Tester,
		logger:    logger,
		cfg:       cfg,
		uploads:   uploads,
		datasets:  newDatasetCache(uploads),
		limiter:   newRateLimiter(120, time.Minute),
		router:    chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(mw.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(securityHeaders)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(mw.APIKeyAuth(&s.cfg.Security))
		r.Use(s.limiter.middleware)

		// Streaming stays outside the request timeout.
		r.Get("/jobs/{jobID}/events", s.handleJobEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))

			// Inputs
			r.Post("/datasets", s.handleUploadDataset)
			r.Get("/datasets/{datasetID}", s.handlePreviewDataset)
			r.Post("/templates", s.handleUploadTemplate)

			// Jobs
			r.Post("/validate", s.handleValidate)
			r.Post("/jobs", s.handleStartJob)
			r.Get("/jobs/current", s.handleCurrentJob)
			r.Get("/jobs/{jobID}", s.handleJobStatus)
			r.Post("/jobs/{jobID}/stop", s.handleStopJob)
			r.Get("/jobs/{jobID}/summary", s.handleJobSummary)
			r.Get("/jobs/{jobID}/failed-rows", s.handleFailedRows)

			// Checkpoints
			r.Get("/checkpoints", s.handleListCheckpoints)
			r.Post("/checkpoints", s.handleCreateCheckpoint)
			r.Get("/checkpoints/{checkpointID}", s.handleGetCheckpoint)
			r.Patch("/checkpoints/{checkpointID}", s.handleUpdateCheckpoint)
			r.Delete("/checkpoints/{checkpointID}", s.handleDeleteCheckpoint)

			// Sender credentials
			r.Get("/credentials", s.handleGetCredentials)
			r.Put("/credentials", s.handleSaveCredentials)
			r.Post("/credentials/test", s.handleTestCredentials)
		})
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.mu.Lock()
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("server listening", "addr", srv.Addr)
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.stop()

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// rateLimiter is a fixed-window limiter keyed by client IP.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int
	window   time.Duration
	done     chan struct{}
	once     sync.Once
}

type visitor struct {
	tokens    int
	lastReset time.Time
}

func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
		done:     make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// cleanup forgets idle visitors once per window until stop is called.
func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			for ip, v := range rl.visitors {
				if now.Sub(v.lastReset) > 2*rl.window {
					delete(rl.visitors, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *rateLimiter) stop() {
	rl.once.Do(func() { close(rl.done) })
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v, ok := rl.visitors[ip]
	if !ok || now.Sub(v.lastReset) > rl.window {
		rl.visitors[ip] = &visitor{tokens: rl.rate - 1, lastReset: now}
		return true
	}
	if v.tokens <= 0 {
		return false
	}
	v.tokens--
	return true
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// RemoteAddr has already been rewritten by TrustedRealIP.
		if !rl.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "60")
			writeErrorCode(w, http.StatusTooManyRequests, "RATE001", "Too many requests", "Wait a minute and try again")
			return
		}
		next.ServeHTTP(w, r)
	})
}
