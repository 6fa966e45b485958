package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dagbolade/rollout-control-plane/internal/agentpolicy"
	"github.com/dagbolade/rollout-control-plane/internal/audit"
	"github.com/dagbolade/rollout-control-plane/internal/auth"
	"github.com/dagbolade/rollout-control-plane/internal/cohort"
	"github.com/dagbolade/rollout-control-plane/internal/flags"
	"github.com/dagbolade/rollout-control-plane/internal/gates"
	"github.com/dagbolade/rollout-control-plane/internal/killswitch"
	"github.com/dagbolade/rollout-control-plane/internal/kpi"
	"github.com/dagbolade/rollout-control-plane/internal/rollout"
	"github.com/dagbolade/rollout-control-plane/internal/server"
	"github.com/dagbolade/rollout-control-plane/internal/storage"
	"github.com/dagbolade/rollout-control-plane/internal/tenantctx"
)

func main() {
	setupLogger()

	log.Info().Msg("starting rollout control plane")

	ctx, cancel := setupSignalHandler()
	defer cancel()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("application error")
	}

	log.Info().Msg("control plane stopped")
}

func run(ctx context.Context) error {
	cfg := server.LoadConfig()

	log.Info().Str("path", cfg.DBPath).Msg("opening database")
	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	auditStore, err := audit.NewSQLiteStore(db)
	if err != nil {
		return err
	}

	switchStore, err := killswitch.NewSQLiteStore(db)
	if err != nil {
		return err
	}
	switches := killswitch.NewRegistry(switchStore, cfg.KillSwitchTTL)

	flagStore, err := flags.NewSQLiteStore(db)
	if err != nil {
		return err
	}
	flagResolver := flags.NewResolver(flagStore, cfg.FlagCacheTTL)

	venueStore, err := rollout.NewSQLiteStore(db)
	if err != nil {
		return err
	}

	cohortStore, err := cohort.NewSQLiteStore(db)
	if err != nil {
		return err
	}

	kpiStore, err := kpi.NewSQLiteStore(db)
	if err != nil {
		return err
	}
	tracker := kpi.NewTracker(kpiStore)
	defer tracker.Close()

	log.Info().Str("path", cfg.GatesPath).Msg("loading gates")
	gateEvaluator, err := gates.NewEvaluator(cfg.GatesPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := gateEvaluator.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close gate evaluator")
		}
	}()

	manager := rollout.NewManager(venueStore, switches, cohortStore)
	reconciler := cohort.NewReconciler(venueStore, manager, tracker, gateEvaluator)

	log.Info().Str("path", cfg.PoliciesPath).Msg("loading agent policies")
	policyEngine, err := agentpolicy.NewEngine(cfg.PoliciesPath, auditStore)
	if err != nil {
		return err
	}
	defer func() {
		if err := policyEngine.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close policy engine")
		}
	}()

	authManager := initAuthManager()
	resolver := tenantctx.NewResolver(cfg.SessionSecret, venueStore)

	srv := server.New(cfg, server.Components{
		Resolver:   resolver,
		Switches:   switches,
		Flags:      flagResolver,
		Rollout:    manager,
		Venues:     venueStore,
		Cohorts:    cohortStore,
		Policy:     policyEngine,
		Gates:      gateEvaluator,
		Tracker:    tracker,
		Reconciler: reconciler,
		Audit:      auditStore,
		Auth:       authManager,
	})

	return runServer(ctx, srv)
}

func initAuthManager() *auth.Manager {
	requireAuth := getEnv("REQUIRE_AUTH", "false") == "true"

	log.Info().Bool("required", requireAuth).Msg("initializing auth manager")

	return auth.NewManager(auth.Config{
		JWTSecret:       os.Getenv("JWT_SECRET"),
		TokenExpiration: 24 * time.Hour,
		RequireAuth:     requireAuth,
	})
}

func setupLogger() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	return ctx, cancel
}

func runServer(ctx context.Context, srv *server.Server) error {
	errChan := make(chan error, 1)

	go func() {
		if err := srv.Start(); err != nil {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
