package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"messaging-core/internal/calls"
	"messaging-core/internal/config"
	"messaging-core/internal/events"
	"messaging-core/internal/groups"
	grpcclient "messaging-core/internal/grpc"
	"messaging-core/internal/handlers"
	"messaging-core/internal/housekeeping"
	"messaging-core/internal/keylock"
	"messaging-core/internal/logging"
	"messaging-core/internal/messages"
	"messaging-core/internal/middleware"
	"messaging-core/internal/notify"
	"messaging-core/internal/observability"
	"messaging-core/internal/presence"
	"messaging-core/internal/rabbitmq"
	"messaging-core/internal/repositories"
	"messaging-core/internal/retry"
	"messaging-core/internal/telemetry"
	"messaging-core/internal/threads"
	"messaging-core/internal/txn"
	"messaging-core/internal/typing"
	"messaging-core/internal/ws"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		bootLog := logging.New("error", false)
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Pretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: cfg.Telemetry.Environment,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up tracing")
	}

	store, err := repositories.Open(ctx, repositories.Options{
		Driver:      cfg.Storage.Driver,
		PostgresDSN: cfg.Storage.PostgresDSN,
		PebblePath:  cfg.Storage.PebblePath,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("failed to open storage")
	}
	defer store.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, log)
	defer publisher.Close()
	log.Info().Str("mode", rabbitmq.PublisherMode(publisher)).Str("reason", rabbitmq.PublisherNoopReason(publisher)).Msg("event publisher ready")
	audit := telemetry.NewAuditEmitter(publisher, cfg.AMQP.AuditRouteKey, cfg.Telemetry.ServiceName, cfg.Telemetry.Environment, log)

	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.Storage.MaxRetries
	tx := txn.NewRunner(store, keylock.New(), retry.New(policy, log))
	bus := events.NewBus(log)

	tracker := presence.NewTracker(presence.Windows{Grace: cfg.Presence.Grace, Offline: cfg.Presence.Offline}, bus)
	typingHub := typing.NewHub(cfg.Typing.TTL, tracker, bus)
	threadSvc := threads.NewService(tx, store, store, bus, audit, log)
	messageSvc := messages.NewService(tx, store, bus, messages.Options{
		DisappearAfter: cfg.Messages.DisappearAfter,
		PageLimit:      cfg.Messages.PageLimit,
	}, log)
	groupSvc := groups.NewService(tx, store, bus, audit, log)
	callSvc := calls.NewService(tx, store, bus, cfg.Calls.RingTimeout, log)
	defer callSvc.Close()

	aggregator := notify.NewAggregator(publisher, tracker, store, notify.Options{
		DedupWindow: cfg.Notify.DedupWindow,
		DedupSize:   cfg.Notify.DedupSize,
	}, log)
	defer aggregator.Close()
	hub := ws.NewHub(publisher, log)
	bus.Subscribe("ws", hub.Dispatch)
	bus.Subscribe("notify", aggregator.Handle)

	var profiles *grpcclient.ProfileClient
	if cfg.Profile.GRPCAddr != "" {
		conn, err := grpcclient.Dial(cfg.Profile.GRPCAddr)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Profile.GRPCAddr).Msg("failed to connect to profile grpc")
		}
		defer conn.Close()
		profiles = grpcclient.NewProfileClient(conn, cfg.Profile.Timeout)
	} else {
		profiles = grpcclient.NewProfileClient(nil, cfg.Profile.Timeout)
	}

	verifier := middleware.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	wsHandler := ws.NewHandler(hub, verifier, ws.Deps{
		Presence: tracker,
		Typing:   typingHub,
		Threads:  threadSvc,
		Messages: messageSvc,
		Calls:    callSvc,
	}, log)

	runner := housekeeping.NewRunner(cfg.Housekeeping.Cron, typingHub, tracker, store, cfg.Calls.Retention, log)
	if err := runner.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start housekeeping")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(handlers.RequestID())
	router.Use(requestLogger(log))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/ws", wsHandler.Handle)

	api := router.Group("/")
	api.Use(middleware.AuthMiddleware(verifier))
	api.Use(middleware.RateLimit(middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)))
	handlers.Handlers{
		Threads:  handlers.NewThreadHandler(threadSvc, aggregator, profiles),
		Messages: handlers.NewMessageHandler(messageSvc),
		Groups:   handlers.NewGroupHandler(threadSvc, groupSvc),
		Calls:    handlers.NewCallHandler(callSvc),
		Presence: handlers.NewPresenceHandler(tracker, typingHub, threadSvc),
	}.Register(api)
	handlers.RegisterDebugRoutes(api, handlers.DebugDeps{Audit: audit, Publisher: publisher, Storage: cfg.Storage.Driver}, cfg.Server.DebugRoutes)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router}
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("storage", cfg.Storage.Driver).Msg("messaging core listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownWait)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown")
	}
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		evt := log.Debug()
		if len(c.Errors) > 0 {
			evt = log.Error().Str("errors", c.Errors.String())
		}
		evt.Str("method", c.Request.Method).
			Str("route", c.FullPath()).
			Int("status", c.Writer.Status()).
			Str("request_id", c.Writer.Header().Get("X-Request-ID")).
			Msg("request")
	}
}
