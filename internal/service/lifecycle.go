package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eduplatform/billing-service/internal/domain"
	"github.com/eduplatform/billing-service/internal/kafka"
	"github.com/eduplatform/billing-service/internal/metrics"
	"github.com/eduplatform/billing-service/internal/repository"
	"github.com/eduplatform/billing-service/pkg/logger"
	"github.com/google/uuid"
)

// casRetries - число повторов функции перехода при конфликте версий.
// Проигравший гонку писатель перечитывает состояние и либо признает
// переход уже выполненным, либо отбрасывает его как устаревший.
const casRetries = 3

// PaymentFact подтвержденный провайдером факт об исходе платежа.
// Единственный вход функции перехода: и вебхук, и verify-колбек, и сверка
// приводят свои данные к этому виду.
type PaymentFact struct {
	ProviderPaymentID string
	Outcome           domain.PaymentOutcome
	AmountMinor       int64
	Currency          string
	Raw               []byte
	// IdempotencyKey - ключ попытки платежа; по умолчанию ProviderPaymentID.
	IdempotencyKey string
}

func (f PaymentFact) attemptKey() string {
	if f.IdempotencyKey != "" {
		return f.IdempotencyKey
	}
	return f.ProviderPaymentID
}

// LifecycleService владеет переходами состояния подписки.
// Никто, кроме него, не пишет Subscription.Status: контроллеры и движок
// сверки выражают намерения через PaymentFact и методы этого сервиса.
type LifecycleService struct {
	store    repository.UnitOfWork
	producer kafka.Producer
	metrics  metrics.BillingMetrics
	log      *logger.Logger
	now      func() time.Time

	// invalidate сбрасывает кеш чтения статуса после зафиксированного
	// перехода; nil, если кеш не используется.
	invalidate func(ctx context.Context, id uuid.UUID)
}

// NewLifecycleService создает новый сервис жизненного цикла подписок.
func NewLifecycleService(store repository.UnitOfWork, producer kafka.Producer, m metrics.BillingMetrics, log *logger.Logger) *LifecycleService {
	return &LifecycleService{
		store:    store,
		producer: producer,
		metrics:  m,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetCacheInvalidator подключает сброс кеша статуса к переходам.
func (s *LifecycleService) SetCacheInvalidator(fn func(ctx context.Context, id uuid.UUID)) {
	s.invalidate = fn
}

// transact выполняет функцию перехода с повторами по конфликту версий.
func (s *LifecycleService) transact(ctx context.Context, fn func(r repository.RepoSet) (domain.TransitionResult, error)) (domain.TransitionResult, error) {
	var result domain.TransitionResult

	for attempt := 0; attempt < casRetries; attempt++ {
		err := s.store.Within(ctx, func(r repository.RepoSet) error {
			res, err := fn(r)
			if err != nil {
				return err
			}
			result = res
			return nil
		})
		if errors.Is(err, domain.ErrVersionConflict) {
			s.log.Debugw("Transition lost the race, re-reading state", "attempt", attempt)
			continue
		}
		if err != nil {
			return domain.TransitionResult{}, err
		}

		s.metrics.IncTransition(string(result.Outcome))
		return result, nil
	}

	return domain.TransitionResult{}, domain.ErrVersionConflict
}

// ApplyPaymentOutcome применяет подтвержденный исход платежа к подписке.
// Идемпотентен: повтор того же факта возвращает NoOp с тем же конечным
// состоянием, что и однократное применение.
func (s *LifecycleService) ApplyPaymentOutcome(ctx context.Context, subscriptionID uuid.UUID, fact PaymentFact) (domain.TransitionResult, error) {
	result, err := s.transact(ctx, func(r repository.RepoSet) (domain.TransitionResult, error) {
		sub, err := r.Subscriptions.GetByID(ctx, subscriptionID)
		if err != nil {
			return domain.TransitionResult{}, err
		}
		return s.ApplyIn(ctx, r, sub, fact)
	})
	if err != nil {
		return result, err
	}

	s.Announce(ctx, result)
	return result, nil
}

// ApplyIn применяет исход платежа внутри чужой транзакции.
// Используется приемником вебхуков, которому нужно зафиксировать запись
// журнала событий и переход атомарно. Kafka/метрики вызывающий публикует
// сам через Announce после коммита.
func (s *LifecycleService) ApplyIn(ctx context.Context, r repository.RepoSet, sub *domain.Subscription, fact PaymentFact) (domain.TransitionResult, error) {
	// Факт о чужой платежной сессии: после повторной инициации оплаты
	// старый providerPaymentId больше не относится к текущему состоянию.
	if fact.ProviderPaymentID != "" && sub.ProviderPaymentID != "" && fact.ProviderPaymentID != sub.ProviderPaymentID {
		s.log.Warnw("Payment fact for superseded provider session, dropping",
			"subscriptionID", sub.ID, "factPaymentID", fact.ProviderPaymentID, "currentPaymentID", sub.ProviderPaymentID)
		return rejected(sub, "payment fact refers to a superseded provider session"), nil
	}

	switch fact.Outcome {
	case domain.PaymentOutcomePaid:
		return s.applyPaid(ctx, r, sub, fact)
	case domain.PaymentOutcomeFailed:
		return s.applyFailed(ctx, r, sub, fact)
	case domain.PaymentOutcomeRefunded:
		return s.applyRefunded(ctx, r, sub, fact)
	case domain.PaymentOutcomeInitiated:
		// Провайдер еще не знает исхода - переход не требуется
		return noop(sub, "payment not yet confirmed by provider"), nil
	default:
		return domain.TransitionResult{}, fmt.Errorf("%w: outcome %q", domain.ErrUnsupportedEvent, fact.Outcome)
	}
}

// applyPaid выполняет переход Pending|PaymentFailed -> Active.
func (s *LifecycleService) applyPaid(ctx context.Context, r repository.RepoSet, sub *domain.Subscription, fact PaymentFact) (domain.TransitionResult, error) {
	switch sub.Status {
	case domain.SubscriptionStatusPending, domain.SubscriptionStatusPaymentFailed:
		now := s.now()
		expiry := now.AddDate(0, 0, sub.PlanDurationDays)

		sub.Status = domain.SubscriptionStatusActive
		sub.StartDate = &now
		sub.ExpiryDate = &expiry

		if err := s.recordAttempt(ctx, r, sub, fact, domain.PaymentAttemptStatusSucceeded); err != nil {
			return domain.TransitionResult{}, err
		}
		if err := r.Subscriptions.UpdateCAS(ctx, sub); err != nil {
			return domain.TransitionResult{}, err
		}

		s.log.Infow("Subscription activated", "subscriptionID", sub.ID, "expiryDate", expiry)
		return applied(sub), nil

	case domain.SubscriptionStatusActive:
		// Поздний повтор подтверждения - цель уже достигнута
		return noop(sub, "subscription already active"), nil

	default:
		return rejected(sub, fmt.Sprintf("cannot activate subscription in state %q", sub.Status)), nil
	}
}

// applyFailed выполняет переход Pending -> PaymentFailed.
func (s *LifecycleService) applyFailed(ctx context.Context, r repository.RepoSet, sub *domain.Subscription, fact PaymentFact) (domain.TransitionResult, error) {
	switch sub.Status {
	case domain.SubscriptionStatusPending:
		sub.Status = domain.SubscriptionStatusPaymentFailed

		if err := s.recordAttempt(ctx, r, sub, fact, domain.PaymentAttemptStatusFailed); err != nil {
			return domain.TransitionResult{}, err
		}
		if err := r.Subscriptions.UpdateCAS(ctx, sub); err != nil {
			return domain.TransitionResult{}, err
		}

		s.log.Infow("Subscription payment failed", "subscriptionID", sub.ID)
		return applied(sub), nil

	case domain.SubscriptionStatusPaymentFailed:
		return noop(sub, "payment failure already recorded"), nil

	case domain.SubscriptionStatusActive:
		// Однажды активированная подписка не откатывается поздним failed
		s.log.Warnw("Late failure event for active subscription, dropping",
			"subscriptionID", sub.ID, "providerPaymentID", fact.ProviderPaymentID)
		return rejected(sub, "subscription already active, failure event is stale"), nil

	default:
		return rejected(sub, fmt.Sprintf("cannot fail payment in state %q", sub.Status)), nil
	}
}

// applyRefunded фиксирует возврат в журнале попыток.
// Переход состояния подписки возврат не вызывает: доступ отзывается
// отменой или истечением, а не фактом возврата денег.
func (s *LifecycleService) applyRefunded(ctx context.Context, r repository.RepoSet, sub *domain.Subscription, fact PaymentFact) (domain.TransitionResult, error) {
	attempt, err := r.Attempts.GetByIdempotencyKey(ctx, fact.attemptKey())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return rejected(sub, "refund for unknown payment attempt"), nil
		}
		return domain.TransitionResult{}, err
	}

	if attempt.Status == domain.PaymentAttemptStatusInitiated {
		if err := r.Attempts.Finalize(ctx, attempt.ID, domain.PaymentAttemptStatusRefunded, fact.Raw); err != nil {
			return domain.TransitionResult{}, err
		}
		return noop(sub, "refund recorded in billing ledger"), nil
	}

	// Терминальная попытка не переоткрывается
	s.log.Warnw("Refund for finalized payment attempt, ledger entry kept as is",
		"subscriptionID", sub.ID, "attemptID", attempt.ID, "attemptStatus", attempt.Status)
	return noop(sub, "payment attempt already finalized"), nil
}

// recordAttempt пишет исход в журнал попыток платежей.
// На один ключ идемпотентности существует не более одной записи; открытая
// попытка финализируется ровно один раз, терминальная не трогается.
func (s *LifecycleService) recordAttempt(ctx context.Context, r repository.RepoSet, sub *domain.Subscription, fact PaymentFact, status domain.PaymentAttemptStatus) error {
	key := fact.attemptKey()
	if key == "" {
		return fmt.Errorf("%w: payment fact without idempotency key", domain.ErrInvalidInput)
	}

	existing, err := r.Attempts.GetByIdempotencyKey(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		attempt := &domain.PaymentAttempt{
			ID:                uuid.New(),
			SubscriptionID:    sub.ID,
			ProviderPaymentID: fact.ProviderPaymentID,
			IdempotencyKey:    key,
			Status:            status,
			AmountMinor:       fact.AmountMinor,
			Currency:          fact.Currency,
			RawResponse:       fact.Raw,
		}
		return r.Attempts.Append(ctx, attempt)
	}

	if existing.Status.IsTerminal() {
		if existing.Status != status {
			s.log.Warnw("Conflicting outcome for finalized payment attempt, ledger kept as is",
				"attemptID", existing.ID, "recorded", existing.Status, "incoming", status)
		}
		return nil
	}

	return r.Attempts.Finalize(ctx, existing.ID, status, fact.Raw)
}

// AttachProviderSession привязывает новую платежную сессию к подписке.
// Для PaymentFailed это переход обратно в Pending (повторная оплата с
// новым providerPaymentId), для Pending - первая инициация.
func (s *LifecycleService) AttachProviderSession(ctx context.Context, subscriptionID uuid.UUID, providerPaymentID string, redirectURL string) (domain.TransitionResult, error) {
	if providerPaymentID == "" {
		return domain.TransitionResult{}, fmt.Errorf("%w: provider payment id is required", domain.ErrInvalidInput)
	}

	return s.transact(ctx, func(r repository.RepoSet) (domain.TransitionResult, error) {
		sub, err := r.Subscriptions.GetByID(ctx, subscriptionID)
		if err != nil {
			return domain.TransitionResult{}, err
		}

		if sub.ProviderPaymentID == providerPaymentID {
			return noop(sub, "provider session already attached"), nil
		}

		switch sub.Status {
		case domain.SubscriptionStatusPending, domain.SubscriptionStatusPaymentFailed:
			sub.Status = domain.SubscriptionStatusPending
			sub.ProviderPaymentID = providerPaymentID

			attempt := &domain.PaymentAttempt{
				ID:                uuid.New(),
				SubscriptionID:    sub.ID,
				ProviderPaymentID: providerPaymentID,
				IdempotencyKey:    providerPaymentID,
				Status:            domain.PaymentAttemptStatusInitiated,
				AmountMinor:       sub.PlanAmountMinor,
				Currency:          sub.PlanCurrency,
			}
			if err := r.Attempts.Append(ctx, attempt); err != nil {
				return domain.TransitionResult{}, err
			}
			if err := r.Subscriptions.UpdateCAS(ctx, sub); err != nil {
				return domain.TransitionResult{}, err
			}

			s.log.Infow("Attached provider payment session", "subscriptionID", sub.ID, "providerPaymentID", providerPaymentID)
			return applied(sub), nil

		default:
			return rejected(sub, fmt.Sprintf("cannot start payment in state %q", sub.Status)), nil
		}
	})
}

// Cancel выполняет переход Active -> Cancelled.
// Отмена инициируется только пользователем или администратором,
// платежные события ее не вызывают.
func (s *LifecycleService) Cancel(ctx context.Context, subscriptionID uuid.UUID) (domain.TransitionResult, error) {
	result, err := s.transact(ctx, func(r repository.RepoSet) (domain.TransitionResult, error) {
		sub, err := r.Subscriptions.GetByID(ctx, subscriptionID)
		if err != nil {
			return domain.TransitionResult{}, err
		}

		switch sub.Status {
		case domain.SubscriptionStatusActive:
			sub.Status = domain.SubscriptionStatusCancelled
			if err := r.Subscriptions.UpdateCAS(ctx, sub); err != nil {
				return domain.TransitionResult{}, err
			}
			s.log.Infow("Subscription cancelled", "subscriptionID", sub.ID)
			return applied(sub), nil

		case domain.SubscriptionStatusCancelled:
			return noop(sub, "subscription already cancelled"), nil

		default:
			return rejected(sub, fmt.Sprintf("cannot cancel subscription in state %q", sub.Status)), nil
		}
	})
	if err != nil {
		return result, err
	}

	s.Announce(ctx, result)
	return result, nil
}

// MarkExpired выполняет переход Active -> Expired по истечении срока.
func (s *LifecycleService) MarkExpired(ctx context.Context, subscriptionID uuid.UUID) (domain.TransitionResult, error) {
	result, err := s.transact(ctx, func(r repository.RepoSet) (domain.TransitionResult, error) {
		sub, err := r.Subscriptions.GetByID(ctx, subscriptionID)
		if err != nil {
			return domain.TransitionResult{}, err
		}

		switch {
		case sub.Status == domain.SubscriptionStatusExpired:
			return noop(sub, "subscription already expired"), nil
		case sub.IsDue(s.now()):
			sub.Status = domain.SubscriptionStatusExpired
			if err := r.Subscriptions.UpdateCAS(ctx, sub); err != nil {
				return domain.TransitionResult{}, err
			}
			s.log.Infow("Subscription expired", "subscriptionID", sub.ID)
			return applied(sub), nil
		default:
			return rejected(sub, "subscription is not due for expiry"), nil
		}
	})
	if err != nil {
		return result, err
	}

	s.Announce(ctx, result)
	return result, nil
}

// Announce публикует событие жизненного цикла после зафиксированного
// перехода. Ошибки публикации логируются и не влияют на результат.
func (s *LifecycleService) Announce(ctx context.Context, result domain.TransitionResult) {
	if result.Outcome != domain.TransitionApplied || result.Subscription == nil {
		return
	}

	sub := result.Subscription
	if s.invalidate != nil {
		s.invalidate(ctx, sub.ID)
	}
	var topic string
	switch sub.Status {
	case domain.SubscriptionStatusActive:
		topic = kafka.TopicSubscriptionActivated
	case domain.SubscriptionStatusPaymentFailed:
		topic = kafka.TopicSubscriptionPaymentFailed
	case domain.SubscriptionStatusCancelled:
		topic = kafka.TopicSubscriptionCancelled
	case domain.SubscriptionStatusExpired:
		topic = kafka.TopicSubscriptionExpired
	default:
		return
	}

	event := kafka.SubscriptionEvent{
		SubscriptionID: sub.ID.String(),
		UserID:         sub.UserID.String(),
		PlanID:         sub.PlanID,
		Status:         sub.Status,
		AmountMinor:    sub.PlanAmountMinor,
		Currency:       sub.PlanCurrency,
		ExpiryDate:     sub.ExpiryDate,
		Timestamp:      s.now(),
	}

	if err := s.producer.PublishSubscriptionEvent(ctx, topic, event); err != nil {
		s.log.Errorw("Failed to publish lifecycle event", "error", err, "topic", topic, "subscriptionID", sub.ID)
	}
}

func applied(sub *domain.Subscription) domain.TransitionResult {
	out := *sub
	return domain.TransitionResult{Outcome: domain.TransitionApplied, Subscription: &out}
}

func noop(sub *domain.Subscription, reason string) domain.TransitionResult {
	out := *sub
	return domain.TransitionResult{Outcome: domain.TransitionNoOp, Reason: reason, Subscription: &out}
}

func rejected(sub *domain.Subscription, reason string) domain.TransitionResult {
	out := *sub
	return domain.TransitionResult{Outcome: domain.TransitionRejected, Reason: reason, Subscription: &out}
}
