package repository

import (
	"context"
	"time"

	"github.com/eduplatform/billing-service/internal/domain"
	"github.com/google/uuid"
)

// SubscriptionRepository интерфейс репозитория подписок.
type SubscriptionRepository interface {
	// Create сохраняет новую подписку.
	Create(ctx context.Context, sub *domain.Subscription) error

	// GetByID возвращает подписку по ID.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)

	// GetByProviderPaymentID возвращает подписку по ID платежа у провайдера.
	GetByProviderPaymentID(ctx context.Context, providerPaymentID string) (*domain.Subscription, error)

	// GetByUserID возвращает все подписки пользователя.
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Subscription, error)

	// UpdateCAS фиксирует мутацию подписки при совпадении версии.
	// sub.Version содержит ожидаемую (прочитанную) версию; при успехе
	// счетчик инкрементируется и в базе, и в переданной структуре.
	// При несовпадении возвращается domain.ErrVersionConflict.
	UpdateCAS(ctx context.Context, sub *domain.Subscription) error

	// MarkReconciled проставляет отметку времени последней сверки.
	// Не трогает статус и версию: сверка без коррекции не является
	// переходом состояния.
	MarkReconciled(ctx context.Context, id uuid.UUID, at time.Time) error

	// ListPendingOlderThan возвращает подписки, зависшие в pending
	// дольше порога (для фоновой сверки и таймаута оплаты).
	ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.Subscription, error)

	// ListActiveExpiredBefore возвращает активные подписки с истекшим сроком.
	ListActiveExpiredBefore(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error)
}

// PaymentAttemptRepository интерфейс журнала попыток платежей (append-only).
type PaymentAttemptRepository interface {
	// Append добавляет новую попытку платежа.
	// Ключ идемпотентности уникален: повторная вставка с тем же ключом
	// возвращает domain.ErrDuplicate.
	Append(ctx context.Context, attempt *domain.PaymentAttempt) error

	// Finalize однократно переводит попытку из initiated в терминальный
	// статус. Повторная финализация возвращает domain.ErrAttemptSealed.
	Finalize(ctx context.Context, id uuid.UUID, status domain.PaymentAttemptStatus, raw []byte) error

	// GetByIdempotencyKey возвращает попытку по ключу идемпотентности.
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentAttempt, error)

	// ListBySubscription возвращает историю попыток по подписке.
	ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]domain.PaymentAttempt, error)
}

// WebhookEventRepository интерфейс журнала дедупликации вебхук-событий.
type WebhookEventRepository interface {
	// Record сохраняет обработанное событие.
	Record(ctx context.Context, event *domain.WebhookEvent) error

	// GetByEventID возвращает событие по ID события провайдера.
	GetByEventID(ctx context.Context, eventID string) (*domain.WebhookEvent, error)
}

// ReconciliationAuditRepository интерфейс журнала аудита сверок.
type ReconciliationAuditRepository interface {
	// Record сохраняет запись аудита.
	Record(ctx context.Context, audit *domain.ReconciliationAudit) error

	// ListBySubscription возвращает записи аудита по подписке.
	ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]domain.ReconciliationAudit, error)
}

// RepoSet набор репозиториев, разделяющих одну границу атомарности.
type RepoSet struct {
	Subscriptions SubscriptionRepository
	Attempts      PaymentAttemptRepository
	Events        WebhookEventRepository
	Audits        ReconciliationAuditRepository
}

// UnitOfWork выполняет набор операций над репозиториями атомарно.
// Запись вебхук-события и переход подписки обязаны фиксироваться вместе,
// иначе падение между ними приводит к тихой потере или повторной обработке.
type UnitOfWork interface {
	// Within выполняет fn в транзакции; ошибка fn откатывает все записи.
	Within(ctx context.Context, fn func(r RepoSet) error) error

	// Repos возвращает репозитории вне транзакции (для чтений).
	Repos() RepoSet
}
