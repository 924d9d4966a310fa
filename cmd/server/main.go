package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/novasocial/messaging/internal/auth"
	"github.com/novasocial/messaging/internal/config"
	"github.com/novasocial/messaging/internal/database"
	"github.com/novasocial/messaging/internal/fanout"
	"github.com/novasocial/messaging/internal/metrics"
	"github.com/novasocial/messaging/internal/outbox"
	"github.com/novasocial/messaging/internal/push"
	postgresrepo "github.com/novasocial/messaging/internal/repository/postgres"
	"github.com/novasocial/messaging/internal/service"
	"github.com/novasocial/messaging/internal/transport/http/handlers"
	"github.com/novasocial/messaging/internal/transport/http/middleware"
	"github.com/novasocial/messaging/internal/transport/ws"
	"github.com/novasocial/messaging/pkg/log"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 dependency failure.
const (
	exitConfig = 1
	exitDeps   = 2
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(exitConfig)
	}

	log.Init(log.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Dependencies
	pool, err := database.Connect(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("database connect failed")
		os.Exit(exitDeps)
	}
	defer pool.Close()

	bus, err := fanout.NewBus(ctx, cfg.RedisURL, cfg.FanoutGroup, cfg.FanoutMaxLen)
	if err != nil {
		logger.Error().Err(err).Msg("redis connect failed")
		os.Exit(exitDeps)
	}
	defer bus.Close()

	publisher := outbox.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopicPrefix)
	defer publisher.Close()

	// Repositories
	messageRepo := postgresrepo.NewMessageRepo(pool)
	convRepo := postgresrepo.NewConversationRepo(pool)
	blockRepo := postgresrepo.NewBlockRepo(pool)
	outboxRepo := postgresrepo.NewOutboxRepo(pool)

	// Services
	registry := fanout.NewRegistry(cfg.SubscriberBuffer)
	membershipService := service.NewMembershipService(convRepo, blockRepo)
	convService := service.NewConversationService(convRepo, membershipService)
	messageService := service.NewMessageService(messageRepo, membershipService, bus, cfg.EditWindow, cfg.RecallWindow)
	messageService.SetNotifier(service.NewPushNotifier(push.New(cfg.PushProvider), convRepo, registry))

	var verifier auth.Verifier
	if cfg.AuthOracleURL != "" {
		verifier = auth.NewOracleVerifier(cfg.AuthOracleURL)
	} else {
		verifier = auth.NewJWTVerifier(cfg.JWTSecret)
	}

	// Background workers
	listener := fanout.NewListener(bus, registry)
	relay := outbox.NewRelay(outboxRepo, publisher, cfg.OutboxBatchSize, cfg.OutboxMaxRetries, cfg.OutboxPollInterval)

	// Transport
	convHandler := handlers.NewConversationHandler(convService)
	messageHandler := handlers.NewMessageHandler(messageService)
	gateway := ws.NewGateway(verifier, cfg.DevAuthBypass, membershipService, messageService, registry, cfg.HeartbeatPeriod, cfg.WSMaxPayloadBytes)

	authMW := middleware.Auth(verifier, cfg.DevAuthBypass)
	sendLimiter := middleware.NewRateLimiter(cfg.SendRatePerSecond, cfg.SendRateBurst)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "ok"}`))
	})
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /ws", gateway)

	// Conversations
	mux.Handle("POST /conversations", authMW(http.HandlerFunc(convHandler.Create)))
	mux.Handle("GET /conversations/{id}", authMW(http.HandlerFunc(convHandler.Get)))
	mux.Handle("GET /conversations/{id}/members", authMW(http.HandlerFunc(convHandler.ListMembers)))
	mux.Handle("POST /conversations/{id}/members", authMW(http.HandlerFunc(convHandler.AddMember)))
	mux.Handle("DELETE /conversations/{id}/members/{uid}", authMW(http.HandlerFunc(convHandler.RemoveMember)))
	mux.Handle("POST /conversations/{id}/transfer", authMW(http.HandlerFunc(convHandler.TransferOwnership)))

	// Messages
	mux.Handle("POST /conversations/{id}/messages", authMW(sendLimiter.Limit(http.HandlerFunc(messageHandler.Send))))
	mux.Handle("GET /conversations/{id}/messages", authMW(http.HandlerFunc(messageHandler.List)))
	mux.Handle("PATCH /conversations/{id}/messages/{mid}", authMW(http.HandlerFunc(messageHandler.Edit)))
	mux.Handle("POST /conversations/{id}/messages/{mid}/recall", authMW(http.HandlerFunc(messageHandler.Recall)))

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           middleware.CORS(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error { return ignoreCancel(listener.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(listener.RunTrimmer(gctx)) })
	g.Go(func() error { return ignoreCancel(relay.Run(gctx)) })

	// Shutdown order: stop accepting, drop subscribers, then the deferred
	// closes tear down the pools.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown")
		}
		registry.CloseAll()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		os.Exit(exitDeps)
	}
	logger.Info().Msg("shutdown complete")
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
