package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/dpmtasks/taskauth/internal/authz"
	"github.com/dpmtasks/taskauth/internal/guard"
	"github.com/dpmtasks/taskauth/internal/handler"
	"github.com/dpmtasks/taskauth/internal/server/middleware"
	"github.com/dpmtasks/taskauth/internal/service"
	"github.com/dpmtasks/taskauth/internal/store"
	"github.com/dpmtasks/taskauth/internal/telemetry"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	MaxBodySize     int64 // bytes

	// AdminSecondFactor makes user-administration routes demand a valid
	// X-2FA-Code header in addition to the bearer token.
	AdminSecondFactor bool

	// Requests per minute. Zero disables the limit.
	AuthRateLimit         int // per IP on register and login
	SecondFactorRateLimit int // per token on verify-2fa

	MetricsEnabled bool
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:                  "0.0.0.0",
		Port:                  8080,
		ShutdownTimeout:       30 * time.Second,
		CORSOrigins:           []string{"*"},
		MaxBodySize:           1 << 20, // 1MB
		AuthRateLimit:         20,
		SecondFactorRateLimit: 10,
		MetricsEnabled:        true,
	}
}

// Server is the top-level HTTP server. It owns the Chi router and the
// services every route is built from.
type Server struct {
	cfg        Config
	router     chi.Router
	store      *store.Store
	creds      *service.CredentialService
	sessions   *service.AuthService
	totp       *service.TOTPService
	policy     *authz.Policy
	metrics    *telemetry.Metrics
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. metrics may be nil. Call ListenAndServe to start
// accepting connections.
func New(
	cfg Config,
	st *store.Store,
	creds *service.CredentialService,
	sessions *service.AuthService,
	totp *service.TOTPService,
	metrics *telemetry.Metrics,
	logger *slog.Logger,
) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		creds:    creds,
		sessions: sessions,
		totp:     totp,
		policy:   authz.DefaultPolicy(),
		metrics:  metrics,
		logger:   logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.Metrics(s.metrics))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.SecondFactorHeader, middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))
	if s.cfg.MaxBodySize > 0 {
		r.Use(chimw.RequestSize(s.cfg.MaxBodySize))
	}

	// --- Health checks and metrics (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.cfg.MetricsEnabled && s.metrics != nil {
		r.Method("GET", "/metrics", s.metrics.Handler())
	}

	authH := handler.NewAuthHandler(s.creds, s.sessions, s.totp, s.metrics, s.logger)
	userH := handler.NewUserHandler(s.creds, s.sessions, s.policy, s.metrics, s.logger)

	// Every protected route derives its guard from the authentication-only
	// base, so the checks run in the same order everywhere.
	base := guard.New(s.sessions, s.policy)
	admin := func(reqs ...guard.Requirement) *guard.Guard {
		g := base.Require(reqs...)
		if s.cfg.AdminSecondFactor {
			g = g.RequireSecondFactor(s.totp)
		}
		return g
	}
	protect := func(g *guard.Guard) func(http.Handler) http.Handler {
		return middleware.Guard(g, s.metrics, s.logger)
	}

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {

		// Session endpoints
		r.Route("/auth", func(r chi.Router) {
			limited := r.With(middleware.RateLimit(s.cfg.AuthRateLimit))
			limited.Post("/register", authH.Register)
			limited.Post("/login", authH.Login)

			r.Group(func(r chi.Router) {
				r.Use(protect(base))
				r.Post("/logout", authH.Logout)
				r.Get("/me", authH.Me)
				r.Get("/setup-2fa", authH.Setup2FA)
				r.Get("/permissions", authH.Permissions)
				r.With(middleware.RateLimitByToken(s.cfg.SecondFactorRateLimit)).
					Post("/verify-2fa", authH.Verify2FA)
			})
		})

		// User management. Routes declare either an action or a minimum
		// level, never both.
		r.Route("/users", func(r chi.Router) {
			r.With(protect(base.Require(guard.MinimumLevel(authz.Manager)))).Get("/", userH.ListUsers)
			r.With(protect(admin(guard.Action(authz.UserCreate)))).Post("/", userH.CreateUser)
			r.With(protect(base.Require(guard.MinimumLevel(authz.Manager)))).Get("/levels", userH.ListLevels)
			r.With(protect(base.Require(guard.Action(authz.UserRead)))).Get("/{id}", userH.GetUser)
			r.With(protect(admin(guard.MinimumLevel(authz.Administrator)))).Put("/{id}", userH.UpdateUser)
			r.With(protect(admin(guard.Action(authz.UserDelete)))).Delete("/{id}", userH.DeleteUser)
			r.With(protect(admin(guard.Action(authz.UserChangeLevel)))).Put("/{id}/level", userH.SetLevel)
		})
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the database is
// reachable, or 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := map[string]string{"database": "ok"}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		checks["database"] = "error: " + err.Error()
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests. The store is left open for the caller to close.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
