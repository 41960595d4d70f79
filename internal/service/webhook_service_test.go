package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/eduplatform/billing-service/internal/domain"
	"github.com/eduplatform/billing-service/internal/gateway/moyasar"
	"github.com/eduplatform/billing-service/internal/kafka"
	"github.com/eduplatform/billing-service/internal/metrics"
	"github.com/eduplatform/billing-service/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webhookSecret = "test-webhook-secret"

func newWebhookFixture(t *testing.T) (*WebhookService, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore(testLogger())
	lc := NewLifecycleService(store, kafka.NoOpProducer{}, metrics.NopMetrics{}, testLogger())
	ws := NewWebhookService(store, lc, metrics.NopMetrics{}, webhookSecret, testLogger())
	return ws, store
}

func webhookBody(t *testing.T, eventID, paymentID, status string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"eventId":           eventID,
		"providerPaymentId": paymentID,
		"status":            status,
		"amount":            9900,
		"currency":          "SAR",
	})
	require.NoError(t, err)
	return body
}

func TestWebhookProcess_PaidActivatesSubscription(t *testing.T) {
	ws, store := newWebhookFixture(t)
	sub := seedSubscription(t, store, domain.SubscriptionStatusPending, "pay_123")

	body := webhookBody(t, "evt_1", "pay_123", "paid")
	result, err := ws.Process(context.Background(), body, moyasar.Sign(body, webhookSecret))
	require.NoError(t, err)

	assert.Equal(t, domain.WebhookOutcomeApplied, result.Outcome)
	assert.Equal(t, domain.TransitionApplied, result.Transition.Outcome)

	stored, err := store.Repos().Subscriptions.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, stored.Status)

	event, err := store.Repos().Events.GetByEventID(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookOutcomeApplied, event.Outcome)
}

func TestWebhookProcess_ReplayAppliesExactlyOnce(t *testing.T) {
	ws, store := newWebhookFixture(t)
	sub := seedSubscription(t, store, domain.SubscriptionStatusPending, "pay_123")

	body := webhookBody(t, "evt_1", "pay_123", "paid")
	signature := moyasar.Sign(body, webhookSecret)

	applied := 0
	for i := 0; i < 5; i++ {
		result, err := ws.Process(context.Background(), body, signature)
		require.NoError(t, err)
		if result.Outcome == domain.WebhookOutcomeApplied {
			applied++
		} else {
			assert.Equal(t, domain.WebhookOutcomeIgnoredDuplicate, result.Outcome)
		}
	}
	assert.Equal(t, 1, applied)

	attempts, err := store.Repos().Attempts.ListBySubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)

	stored, err := store.Repos().Subscriptions.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
}

func TestWebhookProcess_InvalidSignatureWritesNothing(t *testing.T) {
	ws, store := newWebhookFixture(t)
	sub := seedSubscription(t, store, domain.SubscriptionStatusPending, "pay_123")

	body := webhookBody(t, "evt_1", "pay_123", "paid")
	result, err := ws.Process(context.Background(), body, "deadbeef")

	require.ErrorIs(t, err, domain.ErrSignatureInvalid)
	assert.Equal(t, domain.WebhookOutcomeRejectedSignature, result.Outcome)

	// Недоверенное событие не оставляет следов ни в одном журнале
	_, err = store.Repos().Events.GetByEventID(context.Background(), "evt_1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	stored, err := store.Repos().Subscriptions.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPending, stored.Status)
	assert.Equal(t, int64(1), stored.Version)
}

func TestWebhookProcess_UnknownPaymentAcknowledged(t *testing.T) {
	ws, store := newWebhookFixture(t)

	body := webhookBody(t, "evt_1", "pay_unknown", "paid")
	result, err := ws.Process(context.Background(), body, moyasar.Sign(body, webhookSecret))
	require.NoError(t, err)

	assert.Equal(t, domain.WebhookOutcomeIgnoredStale, result.Outcome)

	// Событие зафиксировано: повтор того же eventId - дубликат
	result, err = ws.Process(context.Background(), body, moyasar.Sign(body, webhookSecret))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookOutcomeIgnoredDuplicate, result.Outcome)

	_, err = store.Repos().Events.GetByEventID(context.Background(), "evt_1")
	assert.NoError(t, err)
}

func TestWebhookProcess_MalformedPayloadRejected(t *testing.T) {
	ws, _ := newWebhookFixture(t)

	body := []byte(`{"status": "paid"}`) // нет eventId и providerPaymentId
	_, err := ws.Process(context.Background(), body, moyasar.Sign(body, webhookSecret))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestWebhookProcess_UnknownStatusRejected(t *testing.T) {
	ws, _ := newWebhookFixture(t)

	body := webhookBody(t, "evt_1", "pay_123", "exploded")
	_, err := ws.Process(context.Background(), body, moyasar.Sign(body, webhookSecret))
	assert.ErrorIs(t, err, domain.ErrUnsupportedEvent)
}

// Вебхук, проигравший CAS-гонку verify-колбеку, повторяет транзакцию
// целиком и фиксирует событие как устаревшее, не дублируя активацию.
func TestWebhookProcess_VersionConflictRetries(t *testing.T) {
	inner := repository.NewMemoryStore(testLogger())
	sub := seedSubscription(t, inner, domain.SubscriptionStatusPending, "pay_123")

	rival := NewLifecycleService(inner, kafka.NoOpProducer{}, metrics.NopMetrics{}, testLogger())
	store := &racedStore{inner: inner}
	store.rival = func() {
		_, err := rival.ApplyPaymentOutcome(context.Background(), sub.ID, paidFact("pay_123"))
		require.NoError(t, err)
	}
	lc := NewLifecycleService(store, kafka.NoOpProducer{}, metrics.NopMetrics{}, testLogger())
	ws := NewWebhookService(store, lc, metrics.NopMetrics{}, webhookSecret, testLogger())

	body := webhookBody(t, "evt_1", "pay_123", "paid")
	result, err := ws.Process(context.Background(), body, moyasar.Sign(body, webhookSecret))
	require.NoError(t, err)

	assert.Equal(t, 1, store.conflicts)
	assert.Equal(t, domain.WebhookOutcomeIgnoredStale, result.Outcome)

	// Событие записано ровно один раз, и только повторной транзакцией
	event, err := inner.Repos().Events.GetByEventID(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookOutcomeIgnoredStale, event.Outcome)

	stored, err := inner.Repos().Subscriptions.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, stored.Status)
	assert.Equal(t, int64(2), stored.Version)

	attempts, err := inner.Repos().Attempts.ListBySubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

// Гонка вебхука и verify-колбека за один и тот же факт оплаты: какой бы
// путь ни победил, активация применяется ровно один раз.
func TestWebhookProcess_ConcurrentWithVerifyConverges(t *testing.T) {
	ws, store := newWebhookFixture(t)
	sub := seedSubscription(t, store, domain.SubscriptionStatusPending, "pay_123")
	lc := NewLifecycleService(store, kafka.NoOpProducer{}, metrics.NopMetrics{}, testLogger())

	body := webhookBody(t, "evt_1", "pay_123", "paid")
	signature := moyasar.Sign(body, webhookSecret)

	var wg sync.WaitGroup
	var webhookResult WebhookResult
	var webhookErr error
	var verifyResult domain.TransitionResult
	var verifyErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		webhookResult, webhookErr = ws.Process(context.Background(), body, signature)
	}()
	go func() {
		defer wg.Done()
		verifyResult, verifyErr = lc.ApplyPaymentOutcome(context.Background(), sub.ID, paidFact("pay_123"))
	}()
	wg.Wait()

	require.NoError(t, webhookErr)
	require.NoError(t, verifyErr)

	applied := 0
	if webhookResult.Transition.Outcome == domain.TransitionApplied {
		applied++
	}
	if verifyResult.Outcome == domain.TransitionApplied {
		applied++
	}
	assert.Equal(t, 1, applied)

	stored, err := store.Repos().Subscriptions.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, stored.Status)
	assert.Equal(t, int64(2), stored.Version)

	attempts, err := store.Repos().Attempts.ListBySubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestWebhookProcess_LateFailureForActiveIsStale(t *testing.T) {
	ws, store := newWebhookFixture(t)
	sub := seedSubscription(t, store, domain.SubscriptionStatusPending, "pay_123")

	paid := webhookBody(t, "evt_paid", "pay_123", "paid")
	_, err := ws.Process(context.Background(), paid, moyasar.Sign(paid, webhookSecret))
	require.NoError(t, err)

	failed := webhookBody(t, "evt_failed", "pay_123", "failed")
	result, err := ws.Process(context.Background(), failed, moyasar.Sign(failed, webhookSecret))
	require.NoError(t, err)

	assert.Equal(t, domain.WebhookOutcomeIgnoredStale, result.Outcome)

	stored, err := store.Repos().Subscriptions.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, stored.Status)
}
