package handlers

import (
	"errors"
	"net/http"

	"github.com/eduplatform/billing-service/internal/api/rest/middleware"
	"github.com/eduplatform/billing-service/internal/domain"
	"github.com/eduplatform/billing-service/internal/service"
	"github.com/eduplatform/billing-service/pkg/logger"
	"github.com/eduplatform/billing-service/pkg/req"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// InitiatePaymentRequest тело запроса инициации оплаты.
type InitiatePaymentRequest struct {
	ReturnURL string `json:"return_url" validate:"required,url"`
}

// VerifyPaymentRequest тело verify-колбека после редиректа.
type VerifyPaymentRequest struct {
	ProviderPaymentID string `json:"provider_payment_id" validate:"required"`
}

// SubscriptionHandler обработчик пользовательских операций над подписками
type SubscriptionHandler struct {
	subscriptions *service.SubscriptionService
	log           *logger.Logger
}

// NewSubscriptionHandler создает новый обработчик подписок
func NewSubscriptionHandler(subscriptions *service.SubscriptionService, log *logger.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		subscriptions: subscriptions,
		log:           log,
	}
}

// CreateSubscription создает подписку в состоянии pending
func (h *SubscriptionHandler) CreateSubscription(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	type CreateSubscriptionRequest struct {
		PlanID string `json:"plan_id" binding:"required"`
	}

	var body CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.log.Warnw("Invalid create subscription request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := h.subscriptions.Create(c.Request.Context(), userID, body.PlanID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Plan not found"})
			return
		}
		h.log.Errorw("Failed to create subscription", "error", err, "userID", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create subscription"})
		return
	}

	c.JSON(http.StatusCreated, sub)
}

// ListSubscriptions возвращает подписки текущего пользователя
func (h *SubscriptionHandler) ListSubscriptions(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	subs, err := h.subscriptions.List(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err, "Failed to list subscriptions")
		return
	}

	c.JSON(http.StatusOK, subs)
}

// InitiatePayment создает платежную сессию у провайдера и возвращает
// URL для редиректа на платежную форму
func (h *SubscriptionHandler) InitiatePayment(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	subscriptionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid subscription ID format"})
		return
	}

	body, err := req.HandleBody[InitiatePaymentRequest](c.Writer, c.Request, h.log)
	if err != nil {
		c.Abort()
		return
	}

	initiation, err := h.subscriptions.InitiatePayment(c.Request.Context(), userID, subscriptionID, body.ReturnURL)
	if err != nil {
		h.respondError(c, err, "Failed to initiate payment")
		return
	}

	c.JSON(http.StatusOK, initiation)
}

// VerifyPayment колбек после возврата пользователя с платежной формы
func (h *SubscriptionHandler) VerifyPayment(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	body, err := req.HandleBody[VerifyPaymentRequest](c.Writer, c.Request, h.log)
	if err != nil {
		c.Abort()
		return
	}

	result, err := h.subscriptions.VerifyPayment(c.Request.Context(), userID, body.ProviderPaymentID)
	if err != nil {
		h.respondError(c, err, "Failed to verify payment")
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetStatus возвращает текущее состояние подписки
func (h *SubscriptionHandler) GetStatus(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	subscriptionID, err := uuid.Parse(c.Param("subscriptionId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid subscription ID format"})
		return
	}

	sub, err := h.subscriptions.Status(c.Request.Context(), userID, subscriptionID)
	if err != nil {
		h.respondError(c, err, "Failed to get subscription status")
		return
	}

	c.JSON(http.StatusOK, sub)
}

// GetHistory возвращает журнал попыток платежей по подписке
func (h *SubscriptionHandler) GetHistory(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	subscriptionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid subscription ID format"})
		return
	}

	attempts, err := h.subscriptions.History(c.Request.Context(), userID, subscriptionID)
	if err != nil {
		h.respondError(c, err, "Failed to get payment history")
		return
	}

	c.JSON(http.StatusOK, attempts)
}

// CancelSubscription отменяет активную подписку
func (h *SubscriptionHandler) CancelSubscription(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	subscriptionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid subscription ID format"})
		return
	}

	result, err := h.subscriptions.Cancel(c.Request.Context(), userID, subscriptionID)
	if err != nil {
		h.respondError(c, err, "Failed to cancel subscription")
		return
	}

	c.JSON(http.StatusOK, result)
}

// respondError транслирует доменные ошибки в HTTP статусы
func (h *SubscriptionHandler) respondError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Subscription not found"})
	case errors.Is(err, domain.ErrUnauthorized):
		// Чужая подписка не раскрывается существованием
		c.JSON(http.StatusNotFound, gin.H{"error": "Subscription not found"})
	case errors.Is(err, domain.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrGatewayUnavailable):
		h.log.Errorw("Payment gateway unavailable", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Payment gateway is temporarily unavailable"})
	default:
		h.log.Errorw(fallback, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
