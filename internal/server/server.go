package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/dagbolade/rollout-control-plane/internal/agentpolicy"
	"github.com/dagbolade/rollout-control-plane/internal/audit"
	"github.com/dagbolade/rollout-control-plane/internal/auth"
	"github.com/dagbolade/rollout-control-plane/internal/cohort"
	"github.com/dagbolade/rollout-control-plane/internal/flags"
	"github.com/dagbolade/rollout-control-plane/internal/killswitch"
	"github.com/dagbolade/rollout-control-plane/internal/rollout"
	"github.com/dagbolade/rollout-control-plane/internal/tenantctx"

	"github.com/dagbolade/rollout-control-plane/internal/gates"
	"github.com/dagbolade/rollout-control-plane/internal/kpi"
)

// Components bundles everything the HTTP surface needs. Each field is an
// explicitly owned, injected dependency so tests can run isolated
// instances concurrently.
type Components struct {
	Resolver   *tenantctx.Resolver
	Switches   *killswitch.Registry
	Flags      *flags.Resolver
	Rollout    *rollout.Manager
	Venues     *rollout.SQLiteStore
	Cohorts    *cohort.SQLiteStore
	Policy     *agentpolicy.Engine
	Gates      *gates.Evaluator
	Tracker    *kpi.Tracker
	Reconciler *cohort.Reconciler
	Audit      audit.Store
	Auth       *auth.Manager
}

type Server struct {
	echo   *echo.Echo
	config Config
	wsHub  *Hub
}

func New(cfg Config, c Components) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		config: cfg,
	}

	s.setupMiddleware()
	s.setupRoutes(c)

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	log.Info().Int("port", s.config.Port).Msg("starting HTTP server")

	s.echo.Server.ReadTimeout = time.Duration(s.config.ReadTimeout) * time.Second
	s.echo.Server.WriteTimeout = time.Duration(s.config.WriteTimeout) * time.Second

	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")

	if s.wsHub != nil {
		s.wsHub.Shutdown()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(s.config.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	return nil
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))

	s.echo.Use(middleware.Recover())

	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))
}

func (s *Server) setupRoutes(c Components) {
	checkHandler := NewCheckHandler(c.Resolver, c.Switches, c.Flags, c.Rollout, c.Policy)
	adminHandler := NewAdminHandler(c.Venues, c.Cohorts, c.Rollout, c.Switches, c.Flags, c.Gates, c.Tracker, c.Audit)
	reconcileHandler := NewReconcileHandler(c.Reconciler)
	auditHandler := NewAuditHandler(c.Audit)
	authHandler := auth.NewHandler(c.Auth)

	wsHandler := NewWSHandler(c.Rollout, c.Auth)
	s.wsHub = wsHandler.GetHub()

	// Public endpoints
	s.echo.GET("/health", s.handleHealth)
	s.echo.POST("/login", authHandler.Login)

	protected := s.echo.Group("")
	protected.Use(c.Auth.Middleware())
	protected.GET("/v1/me", authHandler.Me)

	// Request-path checks, consumed by the request-serving layer
	protected.POST("/v1/check/tool", checkHandler.CheckTool)
	protected.GET("/v1/flags/:key", checkHandler.ResolveFlag)
	protected.GET("/v1/venues/:id/mode", checkHandler.VenueMode)

	// Admin surface
	admin := protected.Group("", c.Auth.RequireRole(auth.RoleAdmin))
	admin.POST("/v1/venues", adminHandler.CreateVenue)
	admin.POST("/v1/venues/:id/promote", adminHandler.Promote)
	admin.POST("/v1/venues/:id/fallback", adminHandler.Fallback)
	admin.POST("/v1/cohorts", adminHandler.UpsertCohort)
	admin.POST("/v1/killswitch", adminHandler.ActivateKillSwitch)
	admin.DELETE("/v1/killswitch", adminHandler.DeactivateKillSwitch)
	admin.GET("/v1/killswitch", adminHandler.ListKillSwitches)
	admin.POST("/v1/flags", adminHandler.RegisterFlag)
	admin.PUT("/v1/flags/:key/override", adminHandler.SetFlagOverride)
	admin.DELETE("/v1/flags/:key/override", adminHandler.DeleteFlagOverride)

	// Scheduler entry point and observability
	protected.POST("/v1/reconcile", reconcileHandler.Run)
	protected.POST("/v1/kpi/events", adminHandler.RecordKPIEvent)
	protected.GET("/v1/venues/:id/history", adminHandler.VenueHistory)
	protected.GET("/v1/audit", auditHandler.GetAuditLog)
	protected.GET("/v1/ws", wsHandler.HandleWebSocket)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
	})
}
