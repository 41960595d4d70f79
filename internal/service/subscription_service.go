package service

import (
	"context"
	"fmt"
	"time"

	"github.com/eduplatform/billing-service/internal/config"
	"github.com/eduplatform/billing-service/internal/domain"
	"github.com/eduplatform/billing-service/internal/gateway/moyasar"
	"github.com/eduplatform/billing-service/internal/repository"
	"github.com/eduplatform/billing-service/pkg/logger"
	"github.com/google/uuid"
)

// Gateway интерфейс адаптера платежного шлюза.
type Gateway interface {
	// Initiate создает платежную сессию у провайдера.
	Initiate(ctx context.Context, req moyasar.InitiateRequest) (moyasar.InitiateResponse, error)

	// Verify синхронно запрашивает авторитетное состояние платежа.
	Verify(ctx context.Context, providerPaymentID string) (moyasar.VerifyResult, error)
}

// PlanCatalog каталог тарифных планов (read-only снимок из конфигурации;
// сам каталог ведется отдельным сервисом платформы).
type PlanCatalog struct {
	plans map[string]config.PlanConfig
}

// NewPlanCatalog создает каталог планов из конфигурации.
func NewPlanCatalog(plans []config.PlanConfig) *PlanCatalog {
	m := make(map[string]config.PlanConfig, len(plans))
	for _, p := range plans {
		m[p.ID] = p
	}
	return &PlanCatalog{plans: m}
}

// Get возвращает план по ID.
func (c *PlanCatalog) Get(planID string) (config.PlanConfig, error) {
	plan, ok := c.plans[planID]
	if !ok {
		return config.PlanConfig{}, domain.NewNotFoundError("plan", planID)
	}
	return plan, nil
}

// PaymentInitiation результат инициации оплаты.
type PaymentInitiation struct {
	ProviderPaymentID string                  `json:"provider_payment_id"`
	RedirectURL       string                  `json:"redirect_url"`
	Transition        domain.TransitionResult `json:"transition"`
}

// SubscriptionService пользовательские операции над подписками.
// Все мутации состояния делегируются LifecycleService; здесь только
// проверки владения, чтение и вызовы шлюза.
type SubscriptionService struct {
	reads     repository.SubscriptionRepository // кешированный путь чтения статуса
	store     repository.UnitOfWork
	lifecycle *LifecycleService
	gateway   Gateway
	catalog   *PlanCatalog
	log       *logger.Logger
	now       func() time.Time
}

// NewSubscriptionService создает новый сервис подписок.
func NewSubscriptionService(reads repository.SubscriptionRepository, store repository.UnitOfWork, lifecycle *LifecycleService, gateway Gateway, catalog *PlanCatalog, log *logger.Logger) *SubscriptionService {
	return &SubscriptionService{
		reads:     reads,
		store:     store,
		lifecycle: lifecycle,
		gateway:   gateway,
		catalog:   catalog,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create создает подписку в состоянии pending со снимком плана.
// Повторная активация после терминального состояния - это создание
// новой записи, старая не оживляется.
func (s *SubscriptionService) Create(ctx context.Context, userID uuid.UUID, planID string) (*domain.Subscription, error) {
	plan, err := s.catalog.Get(planID)
	if err != nil {
		return nil, err
	}

	sub := &domain.Subscription{
		ID:               uuid.New(),
		UserID:           userID,
		PlanID:           plan.ID,
		PlanAmountMinor:  plan.AmountMinor,
		PlanCurrency:     plan.Currency,
		PlanDurationDays: plan.DurationDays,
		Status:           domain.SubscriptionStatusPending,
		Version:          1,
	}

	if err := s.store.Repos().Subscriptions.Create(ctx, sub); err != nil {
		return nil, err
	}

	s.log.Infow("Subscription created", "subscriptionID", sub.ID, "userID", userID, "planID", planID)
	return sub, nil
}

// InitiatePayment создает платежную сессию и привязывает ее к подписке.
func (s *SubscriptionService) InitiatePayment(ctx context.Context, userID, subscriptionID uuid.UUID, returnURL string) (PaymentInitiation, error) {
	sub, err := s.ownedSubscription(ctx, userID, subscriptionID)
	if err != nil {
		return PaymentInitiation{}, err
	}

	if sub.Status != domain.SubscriptionStatusPending && sub.Status != domain.SubscriptionStatusPaymentFailed {
		return PaymentInitiation{}, &domain.TransitionError{
			SubscriptionID: sub.ID.String(),
			From:           sub.Status,
			Requested:      "initiate_payment",
		}
	}

	initiated, err := s.gateway.Initiate(ctx, moyasar.InitiateRequest{
		SubscriptionID: sub.ID,
		AmountMinor:    sub.PlanAmountMinor,
		Currency:       sub.PlanCurrency,
		Description:    fmt.Sprintf("Subscription %s, plan %s", sub.ID, sub.PlanID),
		ReturnURL:      returnURL,
	})
	if err != nil {
		return PaymentInitiation{}, err
	}

	transition, err := s.lifecycle.AttachProviderSession(ctx, sub.ID, initiated.ProviderPaymentID, initiated.RedirectURL)
	if err != nil {
		return PaymentInitiation{}, err
	}

	return PaymentInitiation{
		ProviderPaymentID: initiated.ProviderPaymentID,
		RedirectURL:       initiated.RedirectURL,
		Transition:        transition,
	}, nil
}

// VerifyPayment колбек подтверждения после редиректа от провайдера.
// Запрашивает авторитетный статус и прогоняет его через ту же функцию
// перехода, что и вебхук: гонка двух путей сходится к одному состоянию.
func (s *SubscriptionService) VerifyPayment(ctx context.Context, userID uuid.UUID, providerPaymentID string) (domain.TransitionResult, error) {
	sub, err := s.store.Repos().Subscriptions.GetByProviderPaymentID(ctx, providerPaymentID)
	if err != nil {
		return domain.TransitionResult{}, err
	}
	if sub.UserID != userID {
		return domain.TransitionResult{}, domain.ErrUnauthorized
	}

	verified, err := s.gateway.Verify(ctx, providerPaymentID)
	if err != nil {
		return domain.TransitionResult{}, err
	}

	if verified.AmountMinor != sub.PlanAmountMinor || verified.Currency != sub.PlanCurrency {
		// Истина провайдера побеждает, но расхождение суммы оставляем
		// в логах для ручного разбора
		s.log.Warnw("Provider amount differs from plan snapshot",
			"subscriptionID", sub.ID, "providerAmount", verified.AmountMinor, "planAmount", sub.PlanAmountMinor)
	}

	return s.lifecycle.ApplyPaymentOutcome(ctx, sub.ID, PaymentFact{
		ProviderPaymentID: verified.ProviderPaymentID,
		Outcome:           verified.Outcome,
		AmountMinor:       verified.AmountMinor,
		Currency:          verified.Currency,
		Raw:               verified.Raw,
	})
}

// Status возвращает текущее состояние подписки без побочных эффектов
// для вызывающего; истекшая активная подписка лениво переводится в
// expired при чтении.
func (s *SubscriptionService) Status(ctx context.Context, userID, subscriptionID uuid.UUID) (*domain.Subscription, error) {
	sub, err := s.reads.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.UserID != userID {
		return nil, domain.ErrUnauthorized
	}

	if sub.IsDue(s.now()) {
		result, expireErr := s.lifecycle.MarkExpired(ctx, sub.ID)
		if expireErr != nil {
			s.log.Errorw("Lazy expiry failed", "error", expireErr, "subscriptionID", sub.ID)
			return sub, nil
		}
		if result.Subscription != nil {
			return result.Subscription, nil
		}
	}
	return sub, nil
}

// List возвращает все подписки пользователя, новые сверху.
func (s *SubscriptionService) List(ctx context.Context, userID uuid.UUID) ([]domain.Subscription, error) {
	return s.store.Repos().Subscriptions.GetByUserID(ctx, userID)
}

// History возвращает журнал попыток платежей по подписке.
func (s *SubscriptionService) History(ctx context.Context, userID, subscriptionID uuid.UUID) ([]domain.PaymentAttempt, error) {
	if _, err := s.ownedSubscription(ctx, userID, subscriptionID); err != nil {
		return nil, err
	}
	return s.store.Repos().Attempts.ListBySubscription(ctx, subscriptionID)
}

// Cancel отменяет активную подписку по запросу пользователя.
func (s *SubscriptionService) Cancel(ctx context.Context, userID, subscriptionID uuid.UUID) (domain.TransitionResult, error) {
	if _, err := s.ownedSubscription(ctx, userID, subscriptionID); err != nil {
		return domain.TransitionResult{}, err
	}
	return s.lifecycle.Cancel(ctx, subscriptionID)
}

// ownedSubscription возвращает подписку, проверив владение.
func (s *SubscriptionService) ownedSubscription(ctx context.Context, userID, subscriptionID uuid.UUID) (*domain.Subscription, error) {
	sub, err := s.store.Repos().Subscriptions.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.UserID != userID {
		return nil, domain.ErrUnauthorized
	}
	return sub, nil
}
