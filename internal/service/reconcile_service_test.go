package service

import (
	"context"
	"testing"

	"github.com/eduplatform/billing-service/internal/domain"
	"github.com/eduplatform/billing-service/internal/gateway/moyasar"
	"github.com/eduplatform/billing-service/internal/kafka"
	"github.com/eduplatform/billing-service/internal/metrics"
	"github.com/eduplatform/billing-service/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubGateway подменяет клиента провайдера в тестах сервисного слоя.
type stubGateway struct {
	verifyResult moyasar.VerifyResult
	verifyErr    error
	initiateResp moyasar.InitiateResponse
	initiateErr  error
	verifyCalls  int
}

func (g *stubGateway) Initiate(ctx context.Context, req moyasar.InitiateRequest) (moyasar.InitiateResponse, error) {
	return g.initiateResp, g.initiateErr
}

func (g *stubGateway) Verify(ctx context.Context, providerPaymentID string) (moyasar.VerifyResult, error) {
	g.verifyCalls++
	return g.verifyResult, g.verifyErr
}

func newReconcileFixture(t *testing.T, gw Gateway) (*ReconcileService, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore(testLogger())
	lc := NewLifecycleService(store, kafka.NoOpProducer{}, metrics.NopMetrics{}, testLogger())
	rs := NewReconcileService(store, gw, lc, metrics.NopMetrics{}, testLogger())
	return rs, store
}

func TestReconcile_CorrectsMissedPayment(t *testing.T) {
	gw := &stubGateway{
		verifyResult: moyasar.VerifyResult{
			ProviderPaymentID: "pay_123",
			Outcome:           domain.PaymentOutcomePaid,
			AmountMinor:       9900,
			Currency:          "SAR",
		},
	}
	rs, store := newReconcileFixture(t, gw)
	sub := seedSubscription(t, store, domain.SubscriptionStatusPending, "pay_123")

	report, err := rs.Reconcile(context.Background(), sub.ID)
	require.NoError(t, err)

	assert.True(t, report.Corrected)
	assert.Equal(t, domain.SubscriptionStatusPending, report.Before)
	assert.Equal(t, domain.SubscriptionStatusActive, report.After)
	assert.Equal(t, "paid", report.ProviderStatus)

	stored, err := store.Repos().Subscriptions.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, stored.Status)
	assert.NotNil(t, stored.LastReconciledAt)

	audits, err := store.Repos().Audits.ListBySubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.True(t, audits[0].Corrected)
	assert.False(t, audits[0].Anomaly)
}

func TestReconcile_NoCorrectionWhenInSync(t *testing.T) {
	gw := &stubGateway{
		verifyResult: moyasar.VerifyResult{
			ProviderPaymentID: "pay_123",
			Outcome:           domain.PaymentOutcomePaid,
		},
	}
	rs, store := newReconcileFixture(t, gw)

	sub := seedSubscription(t, store, domain.SubscriptionStatusPending, "pay_123")
	lc := NewLifecycleService(store, kafka.NoOpProducer{}, metrics.NopMetrics{}, testLogger())
	_, err := lc.ApplyPaymentOutcome(context.Background(), sub.ID, paidFact("pay_123"))
	require.NoError(t, err)

	report, err := rs.Reconcile(context.Background(), sub.ID)
	require.NoError(t, err)

	assert.False(t, report.Corrected)
	assert.Equal(t, domain.SubscriptionStatusActive, report.Before)
	assert.Equal(t, domain.SubscriptionStatusActive, report.After)
}

func TestReconcile_WithoutProviderSession(t *testing.T) {
	gw := &stubGateway{}
	rs, store := newReconcileFixture(t, gw)
	sub := seedSubscription(t, store, domain.SubscriptionStatusPending, "")

	report, err := rs.Reconcile(context.Background(), sub.ID)
	require.NoError(t, err)

	assert.False(t, report.Corrected)
	assert.Zero(t, gw.verifyCalls)

	audits, err := store.Repos().Audits.ListBySubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "no provider payment session", audits[0].Note)
}

func TestReconcile_FlagsAnomalyWhenLocalAhead(t *testing.T) {
	gw := &stubGateway{
		verifyResult: moyasar.VerifyResult{
			ProviderPaymentID: "pay_123",
			Outcome:           domain.PaymentOutcomeFailed,
		},
	}
	rs, store := newReconcileFixture(t, gw)

	sub := seedSubscription(t, store, domain.SubscriptionStatusPending, "pay_123")
	lc := NewLifecycleService(store, kafka.NoOpProducer{}, metrics.NopMetrics{}, testLogger())
	_, err := lc.ApplyPaymentOutcome(context.Background(), sub.ID, paidFact("pay_123"))
	require.NoError(t, err)

	report, err := rs.Reconcile(context.Background(), sub.ID)
	require.NoError(t, err)

	// Активная подписка не откатывается поздним failed, но аномалия
	// фиксируется в аудите
	assert.False(t, report.Corrected)
	assert.Equal(t, domain.SubscriptionStatusActive, report.After)

	audits, err := store.Repos().Audits.ListBySubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.True(t, audits[0].Anomaly)
}

func TestReconcile_GatewayErrorPropagates(t *testing.T) {
	gw := &stubGateway{verifyErr: domain.NewGatewayError("verify", 503, domain.ErrGatewayUnavailable, nil)}
	rs, store := newReconcileFixture(t, gw)
	sub := seedSubscription(t, store, domain.SubscriptionStatusPending, "pay_123")

	_, err := rs.Reconcile(context.Background(), sub.ID)
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	// Неудачная сверка не пишет аудит и не трогает подписку
	audits, err := store.Repos().Audits.ListBySubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Empty(t, audits)
}
