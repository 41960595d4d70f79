package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/eduplatform/billing-service/internal/domain"
	"github.com/eduplatform/billing-service/internal/gateway/moyasar"
	"github.com/eduplatform/billing-service/internal/service"
	"github.com/eduplatform/billing-service/pkg/logger"
	"github.com/gin-gonic/gin"
)

// WebhookHandler обработчик вебхуков платежного провайдера
type WebhookHandler struct {
	webhooks *service.WebhookService
	log      *logger.Logger
}

// NewWebhookHandler создает новый обработчик вебхуков
func NewWebhookHandler(webhooks *service.WebhookService, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhooks: webhooks,
		log:      log,
	}
}

// HandleMoyasarWebhook принимает вебхук-событие Moyasar.
// 200 означает "событие принято и зафиксировано", включая повторы и
// события по неизвестным платежам. 5xx заставит провайдера повторить
// доставку, поэтому возвращается только при ошибке персистентности.
func (h *WebhookHandler) HandleMoyasarWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.log.Warnw("Failed to read webhook body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	signature := c.GetHeader(moyasar.SignatureHeader)

	result, err := h.webhooks.Process(c.Request.Context(), body, signature)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrSignatureInvalid):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid webhook signature"})
		case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrUnsupportedEvent):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed webhook payload"})
		default:
			h.log.Errorw("Webhook processing failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process webhook"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"outcome": result.Outcome})
}
