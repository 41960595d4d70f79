package handlers

import (
	"errors"
	"net/http"

	"github.com/eduplatform/billing-service/internal/domain"
	"github.com/eduplatform/billing-service/internal/service"
	"github.com/eduplatform/billing-service/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AdminHandler обработчик административных операций биллинга
type AdminHandler struct {
	reconciler *service.ReconcileService
	log        *logger.Logger
}

// NewAdminHandler создает новый обработчик административных операций
func NewAdminHandler(reconciler *service.ReconcileService, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		reconciler: reconciler,
		log:        log,
	}
}

// SyncPayment принудительно сверяет подписку с провайдером.
// Используется поддержкой при жалобах вида "оплатил, но доступа нет".
func (h *AdminHandler) SyncPayment(c *gin.Context) {
	subscriptionID, err := uuid.Parse(c.Param("subscriptionId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid subscription ID format"})
		return
	}

	report, err := h.reconciler.Reconcile(c.Request.Context(), subscriptionID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Subscription not found"})
		case errors.Is(err, domain.ErrGatewayUnavailable):
			h.log.Errorw("Gateway unavailable during manual sync", "error", err, "subscriptionID", subscriptionID)
			c.JSON(http.StatusBadGateway, gin.H{"error": "Payment gateway is temporarily unavailable"})
		default:
			h.log.Errorw("Manual payment sync failed", "error", err, "subscriptionID", subscriptionID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to sync payment"})
		}
		return
	}

	h.log.Infow("Manual payment sync completed", "subscriptionID", subscriptionID, "corrected", report.Corrected)
	c.JSON(http.StatusOK, report)
}
