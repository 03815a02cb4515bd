package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gateway/internal/api"
	"gateway/internal/api/handlers"
	"gateway/internal/api/middleware"
	"gateway/internal/auth"
	"gateway/internal/config"
	"gateway/internal/forwarder"
	"gateway/internal/kv"
	"gateway/internal/metrics"
	"gateway/internal/pubsub"
	"gateway/internal/ratelimit"
	"gateway/internal/reaper"
	"gateway/internal/registry"
	"gateway/internal/store"
	"gateway/internal/websocket"
)

var (
	Version = "1.0.0-dev"
	Commit  = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("gateway %s (%s)\n", Version, Commit)
		return
	}

	cfg := config.Load()
	log.Printf("gateway %s (%s) starting, replica=%s", Version, Commit, cfg.GatewayID)

	wsMetrics := metrics.NewWebSocketMetrics()
	log.Printf("prometheus metrics initialized (instance: %s)", metrics.GetInstanceLabel())

	kvStore, err := kv.New(cfg.RedisURL, cfg.KVPoolSize)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer kvStore.Close()

	bus, err := pubsub.New(cfg.RedisURL, cfg.GatewayID)
	if err != nil {
		log.Fatalf("failed to initialize pub/sub: %v", err)
	}
	defer bus.Close()

	bcryptPool := auth.NewBcryptPool(auth.DefaultPoolConfig())
	defer bcryptPool.Close()

	cred := auth.NewCredentialService(cfg.SecretKey, cfg.TokenExpiry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publish := bus.Publish

	sessions := store.NewSessionStore(kvStore, publish, store.SessionConfig{
		TTL:                  cfg.SessionTimeout,
		CacheTTL:             cfg.SessionCacheTTL,
		TouchThrottle:        cfg.SessionTouchThrottle,
		FlushInterval:        cfg.FlushInterval,
		CacheCleanupInterval: cfg.CacheCleanupInterval,
	})
	sessions.Run(ctx)
	defer sessions.Stop()

	connections := store.NewConnectionTracker(kvStore, publish, store.ConnectionConfig{
		TTL:                  cfg.SessionTimeout,
		UpdateThrottle:       cfg.ConnectionUpdateThrottle,
		CacheCleanupInterval: cfg.CacheCleanupInterval,
	})
	connections.Run(ctx)
	defer connections.Stop()

	// hub is constructed here, ahead of users, so it can be handed to both
	// NewUserStore (as the same-replica force-close side channel) and
	// NewEngine (as the registry HandleConnection registers sockets into) —
	// the two must share one Hub for a same-replica login/logout to close
	// the socket the engine itself is holding.
	hub := websocket.NewHub()
	localClose := func(userID, reason string) bool {
		return hub.ForceClose(userID, websocket.CloseNormalClosure, reason)
	}

	users := store.NewUserStore(kvStore, bcryptPool, cred, publish, localClose, sessions, connections)
	bus.OnMessage(users.OnUserEvent)

	limiter := ratelimit.NewLimiter(kvStore)

	gate := middleware.NewAuthGate(cred, connections, sessions, cfg.GatewayID)
	mw := middleware.NewMiddleware(gate, limiter)

	fwd := forwarder.New(forwarder.Config{
		MaxAttempts:      cfg.RetryMaxAttempts,
		InitialInterval:  cfg.RetryInitialInterval,
		MaxInterval:      cfg.RetryMaxInterval,
		Multiplier:       cfg.RetryMultiplier,
		FailureThreshold: cfg.CircuitFailureThreshold,
		RecoveryTimeout:  cfg.CircuitRecoveryTimeout,
	}, wsMetrics)

	authFunc := func(c *fiber.Ctx) (string, string, error) {
		token := bearerTokenFrom(c)
		principal, err := gate.Authorize(c.Context(), token, "")
		if err != nil {
			return "", "", err
		}
		return principal.Username, principal.SessionID, nil
	}
	reg := registry.New(fwd, authFunc)

	engine := websocket.NewEngine(websocket.EngineConfig{
		GatewayID:          cfg.GatewayID,
		PingInterval:       cfg.PingInterval,
		PongTimeout:        cfg.PongTimeout,
		InactivityTimeout:  cfg.InactivityTimeout,
		TokenRecheckPeriod: cfg.TokenRecheckPeriod,
		DedupCacheTTL:      cfg.DedupCacheTTL,
	}, cred, connections, sessions, hub, reg)
	if err := engine.Run(ctx, bus); err != nil {
		log.Fatalf("failed to start websocket engine: %v", err)
	}
	defer engine.Stop()

	if err := bus.SubscribePattern(pubsub.EventUserRegistered); err != nil {
		log.Printf("failed to subscribe to user.register events: %v", err)
	}
	if err := bus.SubscribePattern(pubsub.EventUserDeleted); err != nil {
		log.Printf("failed to subscribe to user.delete events: %v", err)
	}
	if err := bus.SubscribePattern(pubsub.EventAccountDeleted); err != nil {
		log.Printf("failed to subscribe to account.deleted events: %v", err)
	}

	drainCfg := websocket.DefaultDrainConfig()
	drain := websocket.NewDrainManager(drainCfg, engine.Hub())

	r := reaper.New(reaper.Config{
		Interval:    cfg.ReaperInterval,
		MaxInactive: time.Duration(cfg.MaxInactiveDays) * 24 * time.Hour,
	}, sessions, connections, users)
	go r.Run(ctx)
	defer r.Stop()

	h := handlers.New(users, sessions, connections, cred, limiter, reg, engine, drain, cfg.GatewayID)

	app := fiber.New(fiber.Config{
		AppName:               "gateway",
		DisableStartupMessage: true,
		BodyLimit:             10 * 1024 * 1024,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
	})

	app.Use(mw.Recover())
	app.Use(mw.RequestID())
	app.Use(mw.CORS())

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api.SetupRoutes(app, h, mw, engine, reg)

	shutdownComplete := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Printf("received %v, starting graceful shutdown", sig)

		drainCtx, drainCancel := context.WithTimeout(context.Background(), drainCfg.DrainTimeout+5*time.Second)
		defer drainCancel()

		if err := drain.StartDrain(drainCtx); err != nil {
			log.Printf("drain error: %v", err)
		}
		if err := app.ShutdownWithContext(drainCtx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}

		cancel()
		close(shutdownComplete)
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	go func() {
		log.Printf("listening on %s", addr)
		if err := app.Listen(addr); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownComplete
	log.Println("graceful shutdown complete")
}

func bearerTokenFrom(c *fiber.Ctx) string {
	authHeader := c.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return ""
}
