package service

import (
	"context"
	"testing"
	"time"

	"github.com/eduplatform/billing-service/internal/domain"
	"github.com/eduplatform/billing-service/internal/gateway/moyasar"
	"github.com/eduplatform/billing-service/internal/kafka"
	"github.com/eduplatform/billing-service/internal/metrics"
	"github.com/eduplatform/billing-service/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSweeperFixture(t *testing.T, gw Gateway) (*Sweeper, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore(testLogger())
	lc := NewLifecycleService(store, kafka.NoOpProducer{}, metrics.NopMetrics{}, testLogger())
	rs := NewReconcileService(store, gw, lc, metrics.NopMetrics{}, testLogger())
	sw := NewSweeper(store, lc, rs, 30*time.Minute, time.Minute, testLogger())
	return sw, store
}

func TestSweep_TimesOutStalePending(t *testing.T) {
	gw := &stubGateway{
		verifyResult: moyasar.VerifyResult{
			ProviderPaymentID: "pay_123",
			Outcome:           domain.PaymentOutcomeInitiated,
		},
	}
	sw, store := newSweeperFixture(t, gw)
	sub := seedSubscription(t, store, domain.SubscriptionStatusPending, "pay_123")

	// Подписка висит в pending дольше окна ожидания
	sw.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	sw.Sweep(context.Background())

	stored, err := store.Repos().Subscriptions.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPaymentFailed, stored.Status)

	// Открытая попытка финализирована таймаутом
	attempt, err := store.Repos().Attempts.GetByIdempotencyKey(context.Background(), "pay_123")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentAttemptStatusFailed, attempt.Status)
}

func TestSweep_ReconciliationRescuesLostWebhook(t *testing.T) {
	// Провайдер знает об успешной оплате, но вебхук так и не дошел
	gw := &stubGateway{
		verifyResult: moyasar.VerifyResult{
			ProviderPaymentID: "pay_123",
			Outcome:           domain.PaymentOutcomePaid,
			AmountMinor:       9900,
			Currency:          "SAR",
		},
	}
	sw, store := newSweeperFixture(t, gw)
	sub := seedSubscription(t, store, domain.SubscriptionStatusPending, "pay_123")

	sw.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	sw.Sweep(context.Background())

	stored, err := store.Repos().Subscriptions.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, stored.Status)
}

func TestSweep_TimesOutPendingWithoutSession(t *testing.T) {
	gw := &stubGateway{}
	sw, store := newSweeperFixture(t, gw)
	sub := seedSubscription(t, store, domain.SubscriptionStatusPending, "")

	sw.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	sw.Sweep(context.Background())

	assert.Zero(t, gw.verifyCalls)

	stored, err := store.Repos().Subscriptions.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPaymentFailed, stored.Status)

	// Таймаут без платежной сессии получает синтетический ключ попытки
	attempt, err := store.Repos().Attempts.GetByIdempotencyKey(context.Background(), "timeout:"+sub.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentAttemptStatusFailed, attempt.Status)
}

func TestSweep_ExpiresDueSubscriptions(t *testing.T) {
	gw := &stubGateway{}
	sw, store := newSweeperFixture(t, gw)

	sub := seedSubscription(t, store, domain.SubscriptionStatusPending, "pay_123")
	lc := NewLifecycleService(store, kafka.NoOpProducer{}, metrics.NopMetrics{}, testLogger())
	_, err := lc.ApplyPaymentOutcome(context.Background(), sub.ID, paidFact("pay_123"))
	require.NoError(t, err)

	future := time.Now().UTC().AddDate(0, 0, 31)
	sw.now = func() time.Time { return future }
	sw.lifecycle.now = func() time.Time { return future }
	sw.Sweep(context.Background())

	stored, err := store.Repos().Subscriptions.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusExpired, stored.Status)
}

func TestSweep_LeavesFreshPendingAlone(t *testing.T) {
	gw := &stubGateway{}
	sw, store := newSweeperFixture(t, gw)
	sub := seedSubscription(t, store, domain.SubscriptionStatusPending, "pay_123")

	sw.Sweep(context.Background())

	stored, err := store.Repos().Subscriptions.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPending, stored.Status)
	assert.Zero(t, gw.verifyCalls)
}
