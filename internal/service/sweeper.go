package service

import (
	"context"
	"errors"
	"time"

	"github.com/eduplatform/billing-service/internal/domain"
	"github.com/eduplatform/billing-service/internal/repository"
	"github.com/eduplatform/billing-service/pkg/logger"
)

// sweepBatchSize ограничивает число подписок, обрабатываемых за один проход.
const sweepBatchSize = 100

// Sweeper фоновый обходчик зависших подписок.
// Подписка в pending дольше окна ожидания сначала сверяется с провайдером
// (оплата могла пройти, а вебхук - потеряться) и лишь затем, если успеха
// нет, переводится в payment_failed по таймауту. Заодно переводятся в
// expired активные подписки с истекшим сроком.
type Sweeper struct {
	store          repository.UnitOfWork
	lifecycle      *LifecycleService
	reconciler     *ReconcileService
	pendingTimeout time.Duration
	interval       time.Duration
	log            *logger.Logger
	now            func() time.Time
}

// NewSweeper создает новый фоновый обходчик.
func NewSweeper(store repository.UnitOfWork, lifecycle *LifecycleService, reconciler *ReconcileService, pendingTimeout, interval time.Duration, log *logger.Logger) *Sweeper {
	return &Sweeper{
		store:          store,
		lifecycle:      lifecycle,
		reconciler:     reconciler,
		pendingTimeout: pendingTimeout,
		interval:       interval,
		log:            log,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Run запускает периодический обход до отмены контекста.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Infow("Billing sweeper started", "interval", s.interval, "pendingTimeout", s.pendingTimeout)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Infow("Billing sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep выполняет один проход обхода.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sweepPending(ctx)
	s.sweepExpired(ctx)
}

// sweepPending обрабатывает подписки, зависшие в pending дольше таймаута.
func (s *Sweeper) sweepPending(ctx context.Context) {
	cutoff := s.now().Add(-s.pendingTimeout)

	stale, err := s.store.Repos().Subscriptions.ListPendingOlderThan(ctx, cutoff, sweepBatchSize)
	if err != nil {
		s.log.Errorw("Sweeper failed to list stale pending subscriptions", "error", err)
		return
	}

	for _, sub := range stale {
		if ctx.Err() != nil {
			return
		}

		// Сначала спрашиваем провайдера: вебхук мог не дойти
		if sub.ProviderPaymentID != "" {
			report, recErr := s.reconciler.Reconcile(ctx, sub.ID)
			if recErr != nil {
				s.log.Errorw("Sweeper reconciliation failed", "error", recErr, "subscriptionID", sub.ID)
				continue
			}
			if report.After != domain.SubscriptionStatusPending {
				s.log.Infow("Stale pending subscription resolved by reconciliation",
					"subscriptionID", sub.ID, "after", report.After)
				continue
			}
		}

		// Провайдер успеха не подтвердил - фиксируем таймаут оплаты
		fact := PaymentFact{
			ProviderPaymentID: sub.ProviderPaymentID,
			Outcome:           domain.PaymentOutcomeFailed,
			AmountMinor:       sub.PlanAmountMinor,
			Currency:          sub.PlanCurrency,
		}
		if sub.ProviderPaymentID == "" {
			// Оплата ни разу не инициировалась, журнальной попытки нет
			fact.IdempotencyKey = "timeout:" + sub.ID.String()
		}

		result, applyErr := s.lifecycle.ApplyPaymentOutcome(ctx, sub.ID, fact)
		if applyErr != nil {
			s.log.Errorw("Sweeper failed to time out pending subscription", "error", applyErr, "subscriptionID", sub.ID)
			continue
		}
		if result.Outcome == domain.TransitionApplied {
			s.log.Infow("Pending subscription timed out", "subscriptionID", sub.ID)
		}
	}
}

// sweepExpired переводит активные подписки с истекшим сроком в expired.
func (s *Sweeper) sweepExpired(ctx context.Context) {
	due, err := s.store.Repos().Subscriptions.ListActiveExpiredBefore(ctx, s.now(), sweepBatchSize)
	if err != nil {
		s.log.Errorw("Sweeper failed to list expired subscriptions", "error", err)
		return
	}

	for _, sub := range due {
		if ctx.Err() != nil {
			return
		}

		if _, err := s.lifecycle.MarkExpired(ctx, sub.ID); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				// Кто-то уже перевел подписку - догоним на следующем проходе
				continue
			}
			s.log.Errorw("Sweeper failed to expire subscription", "error", err, "subscriptionID", sub.ID)
		}
	}
}
