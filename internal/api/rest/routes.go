package rest

import (
	"github.com/eduplatform/billing-service/internal/api/rest/handlers"
	"github.com/eduplatform/billing-service/internal/api/rest/middleware"
	"github.com/eduplatform/billing-service/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers набор обработчиков для регистрации маршрутов.
type Handlers struct {
	Webhooks      *handlers.WebhookHandler
	Subscriptions *handlers.SubscriptionHandler
	Admin         *handlers.AdminHandler
}

// SetupRouter настраивает маршрутизатор Gin с маршрутами и middleware
func SetupRouter(h Handlers, auth *middleware.JWTMiddleware, registry *prometheus.Registry, log *logger.Logger) *gin.Engine {
	r := gin.New()

	r.Use(middleware.LoggerMiddleware(log))
	r.Use(gin.Recovery())

	// Endpoint для проверки работоспособности сервиса
	r.GET("/health", handlers.HealthCheck)

	// Prometheus метрики
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// Вебхуки на корневом уровне: провайдер аутентифицируется подписью
	// тела запроса, а не JWT
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/moyasar", h.Webhooks.HandleMoyasarWebhook)
	}

	v1 := r.Group("/api/v1")
	{
		// Подписки текущего пользователя
		subscriptions := v1.Group("/subscriptions", auth.RequireAuth(middleware.ScopeBillingUser, middleware.ScopeBillingAdmin))
		{
			subscriptions.POST("", h.Subscriptions.CreateSubscription)
			subscriptions.GET("", h.Subscriptions.ListSubscriptions)
			subscriptions.POST("/:id/pay", h.Subscriptions.InitiatePayment)
			subscriptions.POST("/:id/cancel", h.Subscriptions.CancelSubscription)
			subscriptions.GET("/:id/attempts", h.Subscriptions.GetHistory)
		}

		// Платежи
		payments := v1.Group("/payments", auth.RequireAuth(middleware.ScopeBillingUser, middleware.ScopeBillingAdmin))
		{
			payments.POST("/verify", h.Subscriptions.VerifyPayment)
			payments.GET("/status/:subscriptionId", h.Subscriptions.GetStatus)
		}

		// Административные операции
		admin := v1.Group("/admin", auth.RequireAuth(middleware.ScopeBillingAdmin))
		{
			admin.POST("/subscriptions/:subscriptionId/sync-payment", h.Admin.SyncPayment)
		}
	}

	return r
}
