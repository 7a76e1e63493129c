package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/presence-server-go/internal/config"
	"github.com/openclaw/presence-server-go/internal/counter"
	"github.com/openclaw/presence-server-go/internal/database"
	"github.com/openclaw/presence-server-go/internal/fanout"
	"github.com/openclaw/presence-server-go/internal/handler"
	"github.com/openclaw/presence-server-go/internal/jobs"
	"github.com/openclaw/presence-server-go/internal/lifecycle"
	"github.com/openclaw/presence-server-go/internal/middleware"
	"github.com/openclaw/presence-server-go/internal/presence"
	"github.com/openclaw/presence-server-go/internal/redis"
	"github.com/openclaw/presence-server-go/internal/registry"
	"github.com/openclaw/presence-server-go/internal/relay"
	"github.com/openclaw/presence-server-go/internal/repository"
	"github.com/openclaw/presence-server-go/internal/retry"
	"github.com/openclaw/presence-server-go/internal/session"
	"github.com/openclaw/presence-server-go/internal/transport"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	nodeID := resolveNodeID(cfg.NodeID)
	log.Info().Str("nodeId", nodeID).Str("backend", cfg.StoreBackend).Msg("starting presence node")

	policy := retry.Policy{
		MaxAttempts:    cfg.RetryMaxAttempts,
		InitialDelay:   cfg.RetryInitialDelay,
		MaxDelay:       cfg.RetryMaxDelay,
		Multiplier:     cfg.RetryMultiplier,
		JitterFraction: cfg.RetryJitter,
	}

	var (
		reg     registry.Registry
		counts  counter.Store
		limiter middleware.Limiter
		rl      *relay.Relay
	)

	if cfg.UsesRedis() {
		redisClient, err := redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")

		reg = registry.NewRedis(redisClient.Client, nodeID, policy)
		counts = counter.NewRedisStore(redisClient.Client, policy)
		limiter = middleware.NewRedisRateLimiter(redisClient.Client)
		rl = relay.New(redisClient.Client, nodeID)
	} else {
		reg = registry.NewMemory()
		counts = counter.NewMemoryStore()
		limiter = middleware.NewRateLimiter()
	}

	var (
		db          *database.DB
		sessionRepo repository.SessionRepository
		episodeRepo repository.PresenceEpisodeRepository
	)
	if cfg.DatabaseURL != "" {
		db, err = database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
		if err := db.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		if err := db.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to apply schema")
		}
		cancel()
		log.Info().Msg("database connected")

		sessionRepo = repository.NewSessionRepository(db.DB)
		episodeRepo = repository.NewPresenceEpisodeRepository(db.DB)
	}

	hub := transport.NewHub()
	directory := session.NewDirectory(sessionRepo)

	var trackerOpts []presence.Option
	if episodeRepo != nil {
		trackerOpts = append(trackerOpts, presence.WithArchive(episodeRepo))
	}
	tracker := presence.NewTracker(reg, counts, directory, trackerOpts...)

	broadcaster := fanout.NewBroadcaster(reg, hub,
		fanout.WithWorkers(cfg.FanoutWorkers),
		fanout.WithSendTimeout(cfg.SendTimeout),
	)

	var controllerOpts []lifecycle.Option
	if rl != nil {
		controllerOpts = append(controllerOpts, lifecycle.WithPublisher(rl, nodeID))
	}
	controller := lifecycle.NewController(directory, tracker, counts, broadcaster, controllerOpts...)

	if rl != nil {
		if err := rl.Start(controller); err != nil {
			log.Fatal().Err(err).Msg("failed to subscribe to relay")
		}
		log.Info().Str("channel", config.RelayChannel).Msg("relay subscribed")
	}

	adminAuthMiddleware := middleware.NewAdminAuthMiddleware(cfg.AdminAPIKeyHash)
	broadcastLimit := middleware.NewBroadcastRateLimitMiddleware(limiter, cfg.BroadcastRateLimitPerMin)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	wsHandler := handler.NewWSHandler(tracker, reg, hub, cfg.SendTimeout)
	eventsHandler := handler.NewEventsHandler(tracker, reg, hub, cfg.SendTimeout)
	sessionHandler := handler.NewSessionHandler(
		controller, directory, tracker, reg, counts, episodeRepo, broadcastLimit.Handler,
	)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"nodeId":      nodeID,
			"connections": hub.Len(),
			"timestamp":   time.Now().UnixMilli(),
		})
	})

	// Long-lived streams stay outside the request timeout.
	r.Get("/v1/ws", wsHandler.ServeHTTP)
	r.Get("/v1/sessions/{id}/events", eventsHandler.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(bodyLimitMiddleware.Handler)
		r.Use(securityHeadersMiddleware.Handler)
		r.Use(adminAuthMiddleware.Handler)
		r.Mount("/v1/sessions", sessionHandler.Routes())
	})

	sweepJob := jobs.NewSweepJob(tracker, cfg.HeartbeatTimeout, cfg.ReapInterval)
	sweepJob.Start()

	var cleanupJob *jobs.CleanupJob
	if episodeRepo != nil {
		cleanupJob = jobs.NewCleanupJob(episodeRepo, cfg.PresenceHistoryRetention, config.CleanupJobInterval)
		cleanupJob.Start()
	}

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	sweepJob.Stop()
	if cleanupJob != nil {
		cleanupJob.Stop()
	}

	// Closing the sinks ends every stream so Shutdown is not held open by them.
	hub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	if rl != nil {
		rl.Close()
	}
	tracker.Close()

	log.Info().Msg("server stopped")
}

// resolveNodeID prefers NODE_ID; otherwise hostname plus a short suffix so
// restarted nodes never reuse a namespace.
func resolveNodeID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8]
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
