package service

import (
	"context"
	"errors"

	"github.com/eduplatform/billing-service/internal/domain"
	"github.com/eduplatform/billing-service/internal/gateway/moyasar"
	"github.com/eduplatform/billing-service/internal/metrics"
	"github.com/eduplatform/billing-service/internal/repository"
	"github.com/eduplatform/billing-service/pkg/logger"
	"github.com/google/uuid"
)

// WebhookResult итог обработки входящего вебхука.
type WebhookResult struct {
	Outcome    domain.WebhookOutcome   `json:"outcome"`
	Transition domain.TransitionResult `json:"transition,omitempty"`
}

// WebhookService приемник вебхуков провайдера.
// Конвейер обработки: Received -> SignatureChecked -> Deduplicated ->
// Applied|Ignored. Запись журнала событий и переход подписки фиксируются
// в одной транзакции.
type WebhookService struct {
	store     repository.UnitOfWork
	lifecycle *LifecycleService
	metrics   metrics.BillingMetrics
	secret    string
	log       *logger.Logger
}

// NewWebhookService создает новый приемник вебхуков.
func NewWebhookService(store repository.UnitOfWork, lifecycle *LifecycleService, m metrics.BillingMetrics, secret string, log *logger.Logger) *WebhookService {
	return &WebhookService{
		store:     store,
		lifecycle: lifecycle,
		metrics:   m,
		secret:    secret,
		log:       log,
	}
}

// Process обрабатывает сырое вебхук-событие провайдера.
// Возвращаемые ошибки: domain.ErrSignatureInvalid и domain.ErrInvalidInput
// транслируются обработчиком в 400, остальные - в 500 (провайдер повторит
// доставку).
func (s *WebhookService) Process(ctx context.Context, rawBody []byte, signature string) (WebhookResult, error) {
	// 1. Проверка подписи. Недоверенное событие не пишется в журнал.
	if !moyasar.ValidateSignature(rawBody, signature, s.secret) {
		s.metrics.IncWebhook(string(domain.WebhookOutcomeRejectedSignature))
		s.log.Warnw("Webhook signature verification failed")
		return WebhookResult{Outcome: domain.WebhookOutcomeRejectedSignature}, domain.ErrSignatureInvalid
	}

	// 2. Разбор полезной нагрузки в закрытое множество исходов
	payload, outcome, err := moyasar.ParseWebhook(rawBody)
	if err != nil {
		s.log.Warnw("Webhook payload rejected", "error", err)
		return WebhookResult{}, err
	}

	s.log.Infow("Received verified provider event", "eventID", payload.EventID, "providerPaymentID", payload.ProviderPaymentID, "status", payload.Status)

	fact := PaymentFact{
		ProviderPaymentID: payload.ProviderPaymentID,
		Outcome:           outcome,
		AmountMinor:       payload.AmountMinor,
		Currency:          payload.Currency,
		Raw:               rawBody,
	}

	// 3-4. Дедупликация и применение перехода - атомарно, с повторами
	// по конфликту версий (гонка с verify-колбеком или админ-сверкой).
	var result WebhookResult
	for attempt := 0; attempt < casRetries; attempt++ {
		result = WebhookResult{}
		err = s.store.Within(ctx, func(r repository.RepoSet) error {
			existing, getErr := r.Events.GetByEventID(ctx, payload.EventID)
			if getErr == nil && existing != nil {
				// Повтор доставки: подтверждаем без побочных эффектов
				result.Outcome = domain.WebhookOutcomeIgnoredDuplicate
				return nil
			}
			if getErr != nil && !errors.Is(getErr, domain.ErrNotFound) {
				return getErr
			}

			event := &domain.WebhookEvent{
				ID:                uuid.New(),
				EventID:           payload.EventID,
				ProviderPaymentID: payload.ProviderPaymentID,
				ProviderStatus:    payload.Status,
				Payload:           rawBody,
			}

			sub, subErr := r.Subscriptions.GetByProviderPaymentID(ctx, payload.ProviderPaymentID)
			if subErr != nil {
				if errors.Is(subErr, domain.ErrNotFound) {
					// Событие валидно, но платежная сессия нам неизвестна.
					// Фиксируем и подтверждаем, чтобы провайдер не повторял.
					s.log.Warnw("Webhook for unknown provider payment", "eventID", payload.EventID, "providerPaymentID", payload.ProviderPaymentID)
					event.Outcome = domain.WebhookOutcomeIgnoredStale
					result.Outcome = domain.WebhookOutcomeIgnoredStale
					return r.Events.Record(ctx, event)
				}
				return subErr
			}

			transition, applyErr := s.lifecycle.ApplyIn(ctx, r, sub, fact)
			if applyErr != nil {
				return applyErr
			}

			if transition.Outcome == domain.TransitionApplied {
				event.Outcome = domain.WebhookOutcomeApplied
			} else {
				event.Outcome = domain.WebhookOutcomeIgnoredStale
			}
			result.Outcome = event.Outcome
			result.Transition = transition

			return r.Events.Record(ctx, event)
		})

		if errors.Is(err, domain.ErrVersionConflict) {
			s.log.Debugw("Webhook apply lost the race, retrying", "eventID", payload.EventID, "attempt", attempt)
			continue
		}
		break
	}

	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			// Повторы исчерпаны - пусть провайдер доставит событие еще раз
			s.log.Errorw("Webhook apply exhausted retries", "eventID", payload.EventID)
		}
		return WebhookResult{}, err
	}

	s.metrics.IncWebhook(string(result.Outcome))
	if result.Transition.Outcome != "" {
		s.metrics.IncTransition(string(result.Transition.Outcome))
	}
	s.lifecycle.Announce(ctx, result.Transition)

	return result, nil
}
