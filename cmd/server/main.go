package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stamp-order-service/config"
	"stamp-order-service/internal/api"
	"stamp-order-service/internal/broker"
	"stamp-order-service/internal/gateway"
	"stamp-order-service/internal/redisclient"
	"stamp-order-service/internal/service"
	"stamp-order-service/internal/store"
	"stamp-order-service/internal/store/memstore"
	"stamp-order-service/internal/util"
	"stamp-order-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// coordinator is the cross-instance state: idempotency locks, webhook
// de-duplication and sweeper leadership.
type coordinator interface {
	service.Locker
	service.EventDeduper
	worker.LeaderLock
	api.Pinger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel, cfg.Observ.ServiceName); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting order service", zap.String("env", cfg.Server.Env))

	if cfg.Observ.JaegerEndpoint != "" {
		tp, err := util.InitTracer(cfg.Observ.ServiceName, cfg.Server.Env, cfg.Observ.JaegerEndpoint)
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Error("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	checks := map[string]api.Pinger{}

	var repo store.Repository
	switch cfg.Database.Driver {
	case config.DriverMemory:
		logger.Warn("Using in-memory store, data is lost on restart")
		repo = memstore.New()
	default:
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		if cfg.Database.AutoMigrate {
			if err := db.Migrate(context.Background()); err != nil {
				logger.Fatal("Failed to apply migrations", zap.Error(err))
			}
		}
		logger.Info("Database connected")
		repo = db
		checks["database"] = db
	}

	var coord coordinator
	if cfg.Redis.Addr != "" {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		logger.Info("Redis connected")
		coord = redisClient
		checks["redis"] = redisClient
	} else {
		logger.Warn("REDIS_ADDR not set, locks and webhook de-duplication are process-local")
		coord = redisclient.NewLocal()
	}

	var sink broker.EventSink
	if len(cfg.Kafka.Brokers) > 0 {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
		defer producer.Close()
		logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
		sink = producer
	} else {
		logger.Warn("KAFKA_BROKERS not set, order events are only logged")
		sink = broker.NewLogSink()
	}
	eventPublisher := broker.NewEventPublisher(sink)

	gw := gateway.NewClient(gateway.Config{
		KeyID:         cfg.Gateway.KeyID,
		KeySecret:     cfg.Gateway.KeySecret,
		WebhookSecret: cfg.Gateway.WebhookSecret,
		BaseURL:       cfg.Gateway.BaseURL,
		Timeout:       time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second,
	})

	pricer, err := service.NewPricer(
		cfg.Business.TaxRate,
		cfg.Business.StandardShippingCost,
		cfg.Business.ExpressShippingCost,
		cfg.Business.FreeShippingThreshold,
	)
	if err != nil {
		logger.Fatal("Invalid pricing configuration", zap.Error(err))
	}

	compensator := service.NewCompensator(repo)
	inventory := service.NewInventoryService(repo, compensator)
	orderService := service.NewOrderService(repo, inventory, compensator, pricer, gw, coord, eventPublisher)
	settlementService := service.NewSettlementService(repo, inventory, compensator, gw, coord, eventPublisher, service.SettlementConfig{
		Currency:         cfg.Gateway.Currency,
		AuthorizationTTL: cfg.Business.PaymentAuthorizationTTL(),
		WebhookDedupeTTL: cfg.Business.WebhookDedupeTTL(),
	})
	walletService := service.NewWalletService(repo)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sweeper := worker.NewExpirySweeper(settlementService, coord, cfg.Business.PaymentSweepInterval())
	go func() {
		if err := sweeper.Start(workerCtx); err != nil {
			logger.Error("Expiry sweeper error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(
		orderService,
		settlementService,
		walletService,
		api.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		checks,
	)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := sweeper.Stop(); err != nil {
		logger.Error("Failed to stop expiry sweeper", zap.Error(err))
	}

	logger.Info("Server exited")
}
