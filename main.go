package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"coach-chat-service/internal/auth"
	"coach-chat-service/internal/config"
	"coach-chat-service/internal/db"
	"coach-chat-service/internal/handlers"
	"coach-chat-service/internal/middleware"
	"coach-chat-service/internal/observability"
	"coach-chat-service/internal/rabbitmq"
	"coach-chat-service/internal/repositories"
	"coach-chat-service/internal/services"
	"coach-chat-service/internal/telemetry"
	"coach-chat-service/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logs.GetLoggerFromString(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.Environment)
	if err != nil {
		logger.Error("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	store, closeStore, err := openStore(ctx, logger, cfg)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	publisher := rabbitmq.NewPublisher(logger, cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	logger.Info("event publisher ready", "mode", rabbitmq.PublisherMode(publisher), "noop_reason", rabbitmq.PublisherNoopReason(publisher))

	auditor := telemetry.NewAuditEmitter(publisher, logger, cfg.AuditRoutingKey, cfg.ServiceName, cfg.Environment)
	hub := ws.NewHub(logger)

	coreCfg := services.DefaultConfig()
	coreCfg.DefaultQuotaLimit = cfg.DefaultQuotaLimit
	coreCfg.MaxMessageLength = cfg.MaxMessageLength
	core, err := services.New(store, logger, coreCfg,
		services.WithNotifier(services.MultiNotifier{hub, rabbitmq.NewEventNotifier(logger)}),
		services.WithAuditor(auditor),
	)
	if err != nil {
		logger.Error("invalid core config", "error", err)
		os.Exit(1)
	}
	defer core.Close()
	go core.RunContractSweeper(ctx, cfg.ContractSweepInterval)

	verifier := auth.NewJWTVerifier(cfg.JWTSecret)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(cfg.ServiceName), middleware.RequestID(), observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws/conversations/:conversation_id", ws.NewConversationWebSocketHandler(hub, core, verifier).Handle)

	api := router.Group("/", middleware.AuthMiddleware(verifier))
	handlers.NewConversationHandler(core).Register(api)
	handlers.RegisterDebugRoutes(api, auditor, cfg.DebugRoutes)

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(cfg.ServiceName, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Error("failed to listen grpc", "port", cfg.GRPCPort, "error", err)
		os.Exit(1)
	}
	go func() {
		logger.Info("grpc health server listening", "port", cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("http server listening", "port", cfg.Port, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	healthServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	grpcServer.GracefulStop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown", "error", err)
	}
}

func openStore(ctx context.Context, logger *slog.Logger, cfg config.Config) (repositories.Store, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("using in-memory store, data is lost on restart")
		return repositories.NewMemoryStore(), func() {}, nil
	}
	database, err := db.Connect(ctx, logger, cfg.DBDSN)
	if err != nil {
		return nil, nil, err
	}
	return repositories.NewSQLStore(database), func() { _ = database.Close() }, nil
}
