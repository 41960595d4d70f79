package service

import (
	"context"
	"time"

	"github.com/eduplatform/billing-service/internal/domain"
	"github.com/eduplatform/billing-service/internal/metrics"
	"github.com/eduplatform/billing-service/internal/repository"
	"github.com/eduplatform/billing-service/pkg/logger"
	"github.com/google/uuid"
)

// ReconcileReport результат сверки подписки с провайдером.
type ReconcileReport struct {
	Before         domain.SubscriptionStatus `json:"before"`
	After          domain.SubscriptionStatus `json:"after"`
	Corrected      bool                      `json:"corrected"`
	ProviderStatus string                    `json:"provider_status,omitempty"`
}

// ReconcileService движок сверки локального состояния с провайдером.
// Используется админским действием "sync payment" и фоновым обходом
// зависших подписок. Истина провайдера всегда побеждает кеш: локальное
// состояние никогда не переписывает провайдерское.
type ReconcileService struct {
	store     repository.UnitOfWork
	gateway   Gateway
	lifecycle *LifecycleService
	metrics   metrics.BillingMetrics
	log       *logger.Logger
	now       func() time.Time
}

// NewReconcileService создает новый движок сверки.
func NewReconcileService(store repository.UnitOfWork, gateway Gateway, lifecycle *LifecycleService, m metrics.BillingMetrics, log *logger.Logger) *ReconcileService {
	return &ReconcileService{
		store:     store,
		gateway:   gateway,
		lifecycle: lifecycle,
		metrics:   m,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile сверяет подписку с провайдером и корректирует расхождение.
// Запись аудита пишется при каждом вызове, даже когда коррекция не
// потребовалась, для операционной видимости.
func (s *ReconcileService) Reconcile(ctx context.Context, subscriptionID uuid.UUID) (ReconcileReport, error) {
	repos := s.store.Repos()

	sub, err := repos.Subscriptions.GetByID(ctx, subscriptionID)
	if err != nil {
		return ReconcileReport{}, err
	}

	// Платеж ни разу не инициировался - сверять нечего
	if sub.ProviderPaymentID == "" {
		report := ReconcileReport{Before: sub.Status, After: sub.Status, Corrected: false}
		s.writeAudit(ctx, repos, sub.ID, sub.Status, "", false, false, "no provider payment session")
		s.metrics.IncReconciliation(false)
		return report, nil
	}

	// Авторитетная истина - синхронный verify у провайдера
	verified, err := s.gateway.Verify(ctx, sub.ProviderPaymentID)
	if err != nil {
		return ReconcileReport{}, err
	}

	before := sub.Status

	transition, err := s.lifecycle.ApplyPaymentOutcome(ctx, sub.ID, PaymentFact{
		ProviderPaymentID: verified.ProviderPaymentID,
		Outcome:           verified.Outcome,
		AmountMinor:       verified.AmountMinor,
		Currency:          verified.Currency,
		Raw:               verified.Raw,
	})
	if err != nil {
		return ReconcileReport{}, err
	}

	after := before
	if transition.Subscription != nil {
		after = transition.Subscription.Status
	}
	corrected := transition.Outcome == domain.TransitionApplied

	// Локальное состояние "впереди" провайдера: подписка активна, а
	// провайдер успеха не подтверждает. При корректной логике не
	// случается - помечаем для ручного разбора, истину не переписываем.
	anomaly := before == domain.SubscriptionStatusActive &&
		verified.Outcome != domain.PaymentOutcomePaid &&
		verified.Outcome != domain.PaymentOutcomeRefunded
	if anomaly {
		s.metrics.IncReconciliationAnomaly()
		s.log.Warnw("Reconciliation anomaly: local state ahead of provider",
			"subscriptionID", sub.ID, "localStatus", before, "providerOutcome", verified.Outcome)
	}

	s.writeAudit(ctx, repos, sub.ID, before, string(verified.Outcome), corrected, anomaly, transition.Reason)
	s.metrics.IncReconciliation(corrected)

	s.log.Infow("Reconciliation finished",
		"subscriptionID", sub.ID, "before", before, "after", after, "corrected", corrected)

	return ReconcileReport{
		Before:         before,
		After:          after,
		Corrected:      corrected,
		ProviderStatus: string(verified.Outcome),
	}, nil
}

// writeAudit пишет запись аудита и отметку времени сверки (best-effort).
func (s *ReconcileService) writeAudit(ctx context.Context, repos repository.RepoSet, subID uuid.UUID, local domain.SubscriptionStatus, providerStatus string, corrected, anomaly bool, note string) {
	audit := &domain.ReconciliationAudit{
		ID:             uuid.New(),
		SubscriptionID: subID,
		LocalStatus:    local,
		ProviderStatus: providerStatus,
		Corrected:      corrected,
		Anomaly:        anomaly,
		Note:           note,
	}
	if err := repos.Audits.Record(ctx, audit); err != nil {
		s.log.Errorw("Failed to record reconciliation audit", "error", err, "subscriptionID", subID)
	}
	if err := repos.Subscriptions.MarkReconciled(ctx, subID, s.now()); err != nil {
		s.log.Errorw("Failed to mark subscription reconciled", "error", err, "subscriptionID", subID)
	}
}
