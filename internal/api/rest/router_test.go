package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eduplatform/billing-service/internal/api/rest/handlers"
	"github.com/eduplatform/billing-service/internal/api/rest/middleware"
	"github.com/eduplatform/billing-service/internal/config"
	"github.com/eduplatform/billing-service/internal/domain"
	"github.com/eduplatform/billing-service/internal/gateway/moyasar"
	"github.com/eduplatform/billing-service/internal/kafka"
	"github.com/eduplatform/billing-service/internal/metrics"
	"github.com/eduplatform/billing-service/internal/repository"
	"github.com/eduplatform/billing-service/internal/service"
	"github.com/eduplatform/billing-service/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testWebhookSecret = "test-webhook-secret"
)

// fakeGateway реализация service.Gateway для интеграционных тестов роутера.
type fakeGateway struct {
	nextPaymentID string
	verifyResults map[string]moyasar.VerifyResult
}

func (g *fakeGateway) Initiate(ctx context.Context, req moyasar.InitiateRequest) (moyasar.InitiateResponse, error) {
	return moyasar.InitiateResponse{
		ProviderPaymentID: g.nextPaymentID,
		RedirectURL:       "https://pay.example/" + g.nextPaymentID,
	}, nil
}

func (g *fakeGateway) Verify(ctx context.Context, providerPaymentID string) (moyasar.VerifyResult, error) {
	result, ok := g.verifyResults[providerPaymentID]
	if !ok {
		return moyasar.VerifyResult{}, domain.NewNotFoundError("provider payment", providerPaymentID)
	}
	return result, nil
}

type routerFixture struct {
	router  *gin.Engine
	store   *repository.MemoryStore
	gateway *fakeGateway
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.New(logger.ERROR)
	log.SetOutput(io.Discard)

	store := repository.NewMemoryStore(log)
	gateway := &fakeGateway{verifyResults: map[string]moyasar.VerifyResult{}}

	lifecycle := service.NewLifecycleService(store, kafka.NoOpProducer{}, metrics.NopMetrics{}, log)
	webhooks := service.NewWebhookService(store, lifecycle, metrics.NopMetrics{}, testWebhookSecret, log)
	reconciler := service.NewReconcileService(store, gateway, lifecycle, metrics.NopMetrics{}, log)
	catalog := service.NewPlanCatalog([]config.PlanConfig{
		{ID: "monthly-basic", Name: "Monthly Basic", AmountMinor: 9900, Currency: "SAR", DurationDays: 30},
	})
	subscriptions := service.NewSubscriptionService(store.Repos().Subscriptions, store, lifecycle, gateway, catalog, log)

	auth := middleware.NewJWTMiddleware(log, &middleware.DefaultTokenValidator{Secret: []byte(testJWTSecret)})

	router := SetupRouter(Handlers{
		Webhooks:      handlers.NewWebhookHandler(webhooks, log),
		Subscriptions: handlers.NewSubscriptionHandler(subscriptions, log),
		Admin:         handlers.NewAdminHandler(reconciler, log),
	}, auth, prometheus.NewRegistry(), log)

	return &routerFixture{router: router, store: store, gateway: gateway}
}

func signToken(t *testing.T, userID uuid.UUID, scope string) string {
	t.Helper()
	claims := middleware.TokenClaims{
		UserEmail: "student@example.com",
		Scope:     scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

func (f *routerFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *routerFixture) postWebhook(t *testing.T, eventID, paymentID, status string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"eventId":           eventID,
		"providerPaymentId": paymentID,
		"status":            status,
		"amount":            9900,
		"currency":          "SAR",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/moyasar", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(moyasar.SignatureHeader, moyasar.Sign(body, testWebhookSecret))

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"service":"billing-service"`)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics", "", nil).Code)
}

func TestRouter_AuthRequired(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/subscriptions", "", map[string]string{"plan_id": "monthly-basic"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Пользовательский скоуп не дает доступа к админским маршрутам
	userToken := signToken(t, uuid.New(), middleware.ScopeBillingUser)
	w = f.do(t, http.MethodPost, "/api/v1/admin/subscriptions/"+uuid.NewString()+"/sync-payment", userToken, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// Сценарий "пользователь оплатил, вебхук пришел позже verify-колбека":
// оба пути применяют один и тот же факт, подписка активируется ровно раз.
func TestRouter_FullPaymentFlowWithDelayedWebhook(t *testing.T) {
	f := newRouterFixture(t)
	userID := uuid.New()
	token := signToken(t, userID, middleware.ScopeBillingUser)

	// 1. Создаем подписку
	w := f.do(t, http.MethodPost, "/api/v1/subscriptions", token, map[string]string{"plan_id": "monthly-basic"})
	require.Equal(t, http.StatusCreated, w.Code)

	var sub domain.Subscription
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))
	assert.Equal(t, domain.SubscriptionStatusPending, sub.Status)

	// 2. Инициируем оплату
	f.gateway.nextPaymentID = "pay_123"
	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/subscriptions/%s/pay", sub.ID), token,
		map[string]string{"return_url": "https://app.example/return"})
	require.Equal(t, http.StatusOK, w.Code)

	var initiation service.PaymentInitiation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &initiation))
	assert.Equal(t, "pay_123", initiation.ProviderPaymentID)
	assert.NotEmpty(t, initiation.RedirectURL)

	// 3. Пользователь вернулся с формы, verify подтверждает оплату
	f.gateway.verifyResults["pay_123"] = moyasar.VerifyResult{
		ProviderPaymentID: "pay_123",
		Outcome:           domain.PaymentOutcomePaid,
		AmountMinor:       9900,
		Currency:          "SAR",
	}
	w = f.do(t, http.MethodPost, "/api/v1/payments/verify", token,
		map[string]string{"provider_payment_id": "pay_123"})
	require.Equal(t, http.StatusOK, w.Code)

	var transition domain.TransitionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &transition))
	assert.Equal(t, domain.TransitionApplied, transition.Outcome)

	// 4. Запоздавший вебхук о том же платеже - noop, не дубль активации
	w = f.postWebhook(t, "evt_late", "pay_123", "paid")
	require.Equal(t, http.StatusOK, w.Code)

	var webhookResult service.WebhookResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &webhookResult))
	assert.Equal(t, domain.WebhookOutcomeIgnoredStale, webhookResult.Outcome)

	// 5. Статус активен, версия двигалась ровно на одну активацию
	w = f.do(t, http.MethodGet, "/api/v1/payments/status/"+sub.ID.String(), token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var current domain.Subscription
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &current))
	assert.Equal(t, domain.SubscriptionStatusActive, current.Status)
	assert.Equal(t, int64(3), current.Version) // attach + activate

	// 6. Журнал попыток содержит ровно одну успешную запись
	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/subscriptions/%s/attempts", sub.ID), token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var attempts []domain.PaymentAttempt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &attempts))
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.PaymentAttemptStatusSucceeded, attempts[0].Status)
}

func TestRouter_WebhookReplaysAcknowledged(t *testing.T) {
	f := newRouterFixture(t)
	userID := uuid.New()
	token := signToken(t, userID, middleware.ScopeBillingUser)

	w := f.do(t, http.MethodPost, "/api/v1/subscriptions", token, map[string]string{"plan_id": "monthly-basic"})
	require.Equal(t, http.StatusCreated, w.Code)
	var sub domain.Subscription
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))

	f.gateway.nextPaymentID = "pay_123"
	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/subscriptions/%s/pay", sub.ID), token,
		map[string]string{"return_url": "https://app.example/return"})
	require.Equal(t, http.StatusOK, w.Code)

	for i := 0; i < 3; i++ {
		w = f.postWebhook(t, "evt_1", "pay_123", "paid")
		assert.Equal(t, http.StatusOK, w.Code)
	}

	stored, err := f.store.Repos().Subscriptions.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, stored.Status)
	assert.Equal(t, int64(3), stored.Version)
}

func TestRouter_WebhookInvalidSignatureRejected(t *testing.T) {
	f := newRouterFixture(t)

	body := []byte(`{"eventId":"evt_1","providerPaymentId":"pay_1","status":"paid"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/moyasar", bytes.NewReader(body))
	req.Header.Set(moyasar.SignatureHeader, "deadbeef")

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_AdminSyncCorrectsSubscription(t *testing.T) {
	f := newRouterFixture(t)
	userID := uuid.New()
	userToken := signToken(t, userID, middleware.ScopeBillingUser)
	adminToken := signToken(t, uuid.New(), middleware.ScopeBillingAdmin)

	w := f.do(t, http.MethodPost, "/api/v1/subscriptions", userToken, map[string]string{"plan_id": "monthly-basic"})
	require.Equal(t, http.StatusCreated, w.Code)
	var sub domain.Subscription
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))

	f.gateway.nextPaymentID = "pay_123"
	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/subscriptions/%s/pay", sub.ID), userToken,
		map[string]string{"return_url": "https://app.example/return"})
	require.Equal(t, http.StatusOK, w.Code)

	// Вебхук потерялся, но провайдер знает об оплате
	f.gateway.verifyResults["pay_123"] = moyasar.VerifyResult{
		ProviderPaymentID: "pay_123",
		Outcome:           domain.PaymentOutcomePaid,
		AmountMinor:       9900,
		Currency:          "SAR",
	}

	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/admin/subscriptions/%s/sync-payment", sub.ID), adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var report service.ReconcileReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.True(t, report.Corrected)
	assert.Equal(t, domain.SubscriptionStatusActive, report.After)
}

func TestRouter_ListSubscriptions(t *testing.T) {
	f := newRouterFixture(t)
	userID := uuid.New()
	token := signToken(t, userID, middleware.ScopeBillingUser)

	w := f.do(t, http.MethodPost, "/api/v1/subscriptions", token, map[string]string{"plan_id": "monthly-basic"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/subscriptions", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var subs []domain.Subscription
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &subs))
	require.Len(t, subs, 1)
	assert.Equal(t, userID, subs[0].UserID)

	// Чужие подписки в списке не отдаются
	strangerToken := signToken(t, uuid.New(), middleware.ScopeBillingUser)
	w = f.do(t, http.MethodGet, "/api/v1/subscriptions", strangerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	subs = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &subs))
	assert.Empty(t, subs)
}

func TestRouter_ForeignSubscriptionNotFound(t *testing.T) {
	f := newRouterFixture(t)
	owner := uuid.New()
	ownerToken := signToken(t, owner, middleware.ScopeBillingUser)
	strangerToken := signToken(t, uuid.New(), middleware.ScopeBillingUser)

	w := f.do(t, http.MethodPost, "/api/v1/subscriptions", ownerToken, map[string]string{"plan_id": "monthly-basic"})
	require.Equal(t, http.StatusCreated, w.Code)
	var sub domain.Subscription
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))

	w = f.do(t, http.MethodGet, "/api/v1/payments/status/"+sub.ID.String(), strangerToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_CancelActiveSubscription(t *testing.T) {
	f := newRouterFixture(t)
	userID := uuid.New()
	token := signToken(t, userID, middleware.ScopeBillingUser)

	w := f.do(t, http.MethodPost, "/api/v1/subscriptions", token, map[string]string{"plan_id": "monthly-basic"})
	require.Equal(t, http.StatusCreated, w.Code)
	var sub domain.Subscription
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))

	// Отмена pending подписки невалидна
	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/subscriptions/%s/cancel", sub.ID), token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var transition domain.TransitionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &transition))
	assert.Equal(t, domain.TransitionRejected, transition.Outcome)

	// Активируем и отменяем
	f.gateway.nextPaymentID = "pay_123"
	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/subscriptions/%s/pay", sub.ID), token,
		map[string]string{"return_url": "https://app.example/return"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, http.StatusOK, f.postWebhook(t, "evt_1", "pay_123", "paid").Code)

	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/subscriptions/%s/cancel", sub.ID), token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &transition))
	assert.Equal(t, domain.TransitionApplied, transition.Outcome)
	assert.Equal(t, domain.SubscriptionStatusCancelled, transition.Subscription.Status)
}
