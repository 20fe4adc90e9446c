package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/allyourbase/alterd/internal/alter"
	"github.com/allyourbase/alterd/internal/config"
	"github.com/allyourbase/alterd/internal/httputil"
	"github.com/allyourbase/alterd/internal/metrics"
)

// Server is the admin HTTP server for alter DDL.
type Server struct {
	cfg       *config.Config
	router    *chi.Mux
	http      *http.Server
	logger    *slog.Logger
	alter     *alter.Handler
	mv        *alter.MVExecutor
	metrics   *metrics.Metrics // nil when metrics are not exported
	adminAuth *adminAuth       // nil when admin.password not set
	startTime time.Time
	logBuffer *LogBuffer // nil when not using buffered logging
}

// New creates a new Server with middleware and routes configured. m may be nil.
func New(cfg *config.Config, logger *slog.Logger, h *alter.Handler, m *metrics.Metrics) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	if m != nil {
		r.Use(m.Middleware)
	}

	s := &Server{
		cfg:       cfg,
		router:    r,
		logger:    logger,
		alter:     h,
		mv:        alter.NewMVExecutor(h),
		metrics:   m,
		startTime: time.Now(),
	}
	if cfg.Admin.Password != "" {
		s.adminAuth = newAdminAuth(cfg.Admin.Password, time.Duration(cfg.Admin.TokenDuration)*time.Second)
	}

	r.Get("/health", s.handleHealth)
	if m != nil {
		r.Handle("/metrics", m.Handler())
	}

	r.Route("/api/admin", func(r chi.Router) {
		r.Get("/status", s.handleAdminStatus)
		r.Post("/login", s.handleAdminLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdminToken)
			r.Use(middleware.AllowContentType("application/json"))

			r.Get("/logs", s.handleAdminLogs)
			r.Get("/stats", s.handleAdminStats)

			r.Post("/dbs", s.handleCreateDatabase)
			r.Route("/dbs/{db}", func(r chi.Router) {
				r.Post("/tables", s.handleCreateTable)
				r.Route("/tables/{table}", func(r chi.Router) {
					r.Get("/", s.handleTableState)
					r.Post("/alter", s.handleAlterTable)
					r.Post("/rollups", s.handleAddRollups)
					r.Delete("/rollups", s.handleDropRollups)
					r.Post("/mvs", s.handleCreateMV)
					r.Delete("/mvs/{name}", s.handleDropMV)
					r.Post("/cancel", s.handleCancelTable)
				})
				r.Route("/mvs/{name}", func(r chi.Router) {
					r.Delete("/", s.handleDropMV)
					r.Post("/cancel", s.handleCancelMV)
					r.Post("/rename", s.handleRenameMV)
					r.Patch("/properties", s.handleModifyMVProperties)
					r.Put("/refresh", s.handleChangeRefreshScheme)
					r.Put("/status", s.handleSetMVStatus)
				})
			})

			r.Get("/alter/jobs", s.handleListJobs)
			r.Get("/alter/jobs/{id}", s.handleGetJob)
			r.Get("/alter/settings", s.handleGetSettings)
			r.Put("/alter/settings", s.handleUpdateSettings)
		})
	})

	return s
}

// SetLogBuffer attaches a log buffer for the /api/admin/logs endpoint.
func (s *Server) SetLogBuffer(lb *LogBuffer) {
	s.logBuffer = lb
}

// Router returns the chi router for registering additional routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.Address(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartWithReady begins listening. It closes the ready channel once the
// listener is bound, then blocks serving requests.
func (s *Server) StartWithReady(ready chan<- struct{}) error {
	s.http = &http.Server{
		Addr:              s.cfg.Address(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	close(ready)

	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	timeout := time.Duration(s.cfg.Server.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("shutting down server", "timeout", timeout)
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
