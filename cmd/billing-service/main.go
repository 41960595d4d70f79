package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eduplatform/billing-service/internal/api/rest"
	"github.com/eduplatform/billing-service/internal/api/rest/handlers"
	"github.com/eduplatform/billing-service/internal/api/rest/middleware"
	"github.com/eduplatform/billing-service/internal/config"
	"github.com/eduplatform/billing-service/internal/gateway/moyasar"
	"github.com/eduplatform/billing-service/internal/kafka"
	"github.com/eduplatform/billing-service/internal/metrics"
	"github.com/eduplatform/billing-service/internal/repository"
	"github.com/eduplatform/billing-service/internal/service"
	"github.com/eduplatform/billing-service/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := initLogger()

	log.Infow("Billing service starting up...")

	cfg, err := config.LoadConfig(".env")
	if err != nil {
		log.Fatalw("Failed to load configuration", "error", err)
	}
	if cfg.Auth.JWTSecret == "" {
		log.Warnw("JWT secret is not set, authenticated endpoints will reject all requests")
	}

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Подключаемся к базе данных
	store, err := repository.NewSQLStore(cfg.Database.DSN, log)
	if err != nil {
		log.Fatalw("Failed to connect to database", "error", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorw("Error closing database connection", "error", err)
		}
	}()
	log.Infow("Database connection established")

	// Кеширующий путь чтения статуса: Redis недоступен - читаем из базы
	statusReads := store.Repos().Subscriptions
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	var cachedReads *repository.CachedSubscriptionRepository
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warnw("Redis unavailable, status reads will bypass cache", "error", err)
	} else {
		log.Infow("Redis cache initialized")
		cachedReads = repository.NewCachedSubscriptionRepository(statusReads, rdb, cfg.Redis.TTL, log)
		statusReads = cachedReads
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Errorw("Error closing Redis connection", "error", err)
			}
		}()
	}

	// Kafka producer: публикация событий не критична для основного флоу
	var producer kafka.Producer
	producer, err = kafka.NewSaramaProducer(cfg.Kafka.Brokers, log)
	if err != nil {
		log.Errorw("Failed to initialize Kafka producer, continuing without event publishing", "error", err)
		producer = kafka.NoOpProducer{}
	} else {
		log.Infow("Kafka producer initialized")
	}
	defer func() {
		if err := producer.Close(); err != nil {
			log.Errorw("Error closing Kafka producer", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	billingMetrics := metrics.NewBillingMetrics(registry, log)

	gateway := moyasar.NewClient(moyasar.Config{
		BaseURL:        cfg.Moyasar.BaseURL,
		APIKey:         cfg.Moyasar.APIKey,
		WebhookSecret:  cfg.Moyasar.WebhookSecret,
		RequestTimeout: cfg.Moyasar.RequestTimeout,
		MaxRetries:     cfg.Moyasar.MaxRetries,
	}, billingMetrics, log)

	// Service layer
	catalog := service.NewPlanCatalog(cfg.Billing.Plans)
	lifecycle := service.NewLifecycleService(store, producer, billingMetrics, log)
	if cachedReads != nil {
		lifecycle.SetCacheInvalidator(cachedReads.Invalidate)
	}
	webhooks := service.NewWebhookService(store, lifecycle, billingMetrics, cfg.Moyasar.WebhookSecret, log)
	reconciler := service.NewReconcileService(store, gateway, lifecycle, billingMetrics, log)
	subscriptions := service.NewSubscriptionService(statusReads, store, lifecycle, gateway, catalog, log)

	// Фоновый обходчик зависших подписок
	sweeper := service.NewSweeper(store, lifecycle, reconciler, cfg.Billing.PendingTimeout, cfg.Billing.SweepInterval, log)
	go sweeper.Run(ctx)

	// HTTP layer
	validator := &middleware.DefaultTokenValidator{
		Secret: []byte(cfg.Auth.JWTSecret),
	}
	auth := middleware.NewJWTMiddleware(log, validator)

	router := rest.SetupRouter(rest.Handlers{
		Webhooks:      handlers.NewWebhookHandler(webhooks, log),
		Subscriptions: handlers.NewSubscriptionHandler(subscriptions, log),
		Admin:         handlers.NewAdminHandler(reconciler, log),
	}, auth, registry, log)

	server := rest.NewServer(router, cfg.App.Port, log)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalw("Failed to start HTTP server", "error", err)
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infow("Shutdown signal received")

	cancel() // останавливаем sweeper

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("HTTP server shutdown error", "error", err)
	} else {
		log.Infow("HTTP server gracefully stopped")
	}

	log.Infow("Cleanup finished. Goodbye!")
}

// initLogger инициализирует новый логгер
func initLogger() *logger.Logger {
	logLevel := logger.INFO
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = logger.DEBUG
	}
	return logger.New(logLevel)
}
