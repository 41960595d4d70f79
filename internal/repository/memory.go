package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/eduplatform/billing-service/internal/domain"
	"github.com/eduplatform/billing-service/pkg/logger"
	"github.com/google/uuid"
)

// InMemorySubscriptionRepository реализация репозитория подписок в памяти.
// Используется в тестах и локальной разработке.
type InMemorySubscriptionRepository struct {
	subs  map[uuid.UUID]domain.Subscription
	mutex sync.RWMutex
	log   *logger.Logger
}

// NewInMemorySubscriptionRepository создает новый репозиторий подписок в памяти.
func NewInMemorySubscriptionRepository(log *logger.Logger) *InMemorySubscriptionRepository {
	return &InMemorySubscriptionRepository{
		subs: make(map[uuid.UUID]domain.Subscription),
		log:  log,
	}
}

// Create сохраняет новую подписку.
func (r *InMemorySubscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.subs[sub.ID]; exists {
		return domain.ErrDuplicate
	}

	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	r.subs[sub.ID] = *sub
	return nil
}

// GetByID возвращает подписку по ID.
func (r *InMemorySubscriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	sub, exists := r.subs[id]
	if !exists {
		return nil, domain.ErrNotFound
	}

	out := sub
	return &out, nil
}

// GetByProviderPaymentID возвращает подписку по ID платежа у провайдера.
func (r *InMemorySubscriptionRepository) GetByProviderPaymentID(ctx context.Context, providerPaymentID string) (*domain.Subscription, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if providerPaymentID == "" {
		return nil, domain.ErrNotFound
	}

	for _, sub := range r.subs {
		if sub.ProviderPaymentID == providerPaymentID {
			out := sub
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

// GetByUserID возвращает все подписки пользователя.
func (r *InMemorySubscriptionRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Subscription, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var out []domain.Subscription
	for _, sub := range r.subs {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateCAS фиксирует мутацию подписки при совпадении версии.
func (r *InMemorySubscriptionRepository) UpdateCAS(ctx context.Context, sub *domain.Subscription) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	cur, exists := r.subs[sub.ID]
	if !exists {
		return domain.ErrNotFound
	}

	if cur.Version != sub.Version {
		return domain.ErrVersionConflict
	}

	sub.Version++
	sub.UpdatedAt = time.Now().UTC()
	r.subs[sub.ID] = *sub
	return nil
}

// MarkReconciled проставляет отметку времени последней сверки.
func (r *InMemorySubscriptionRepository) MarkReconciled(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	sub, exists := r.subs[id]
	if !exists {
		return domain.ErrNotFound
	}

	sub.LastReconciledAt = &at
	sub.UpdatedAt = time.Now().UTC()
	r.subs[id] = sub
	return nil
}

// ListPendingOlderThan возвращает подписки, зависшие в pending дольше порога.
func (r *InMemorySubscriptionRepository) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.Subscription, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var out []domain.Subscription
	for _, sub := range r.subs {
		if sub.Status == domain.SubscriptionStatusPending && sub.UpdatedAt.Before(cutoff) {
			out = append(out, sub)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListActiveExpiredBefore возвращает активные подписки с истекшим сроком.
func (r *InMemorySubscriptionRepository) ListActiveExpiredBefore(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var out []domain.Subscription
	for _, sub := range r.subs {
		if sub.Status == domain.SubscriptionStatusActive && sub.ExpiryDate != nil && sub.ExpiryDate.Before(now) {
			out = append(out, sub)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemorySubscriptionRepository) snapshot() map[uuid.UUID]domain.Subscription {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	copied := make(map[uuid.UUID]domain.Subscription, len(r.subs))
	for k, v := range r.subs {
		copied[k] = v
	}
	return copied
}

func (r *InMemorySubscriptionRepository) restore(s map[uuid.UUID]domain.Subscription) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.subs = s
}

// InMemoryPaymentAttemptRepository реализация журнала попыток в памяти.
type InMemoryPaymentAttemptRepository struct {
	attempts map[uuid.UUID]domain.PaymentAttempt
	byKey    map[string]uuid.UUID
	mutex    sync.RWMutex
	log      *logger.Logger
}

// NewInMemoryPaymentAttemptRepository создает новый журнал попыток в памяти.
func NewInMemoryPaymentAttemptRepository(log *logger.Logger) *InMemoryPaymentAttemptRepository {
	return &InMemoryPaymentAttemptRepository{
		attempts: make(map[uuid.UUID]domain.PaymentAttempt),
		byKey:    make(map[string]uuid.UUID),
		log:      log,
	}
}

// Append добавляет новую попытку платежа.
func (r *InMemoryPaymentAttemptRepository) Append(ctx context.Context, attempt *domain.PaymentAttempt) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.byKey[attempt.IdempotencyKey]; exists {
		return domain.ErrDuplicate
	}

	now := time.Now().UTC()
	attempt.CreatedAt = now
	attempt.UpdatedAt = now

	r.attempts[attempt.ID] = *attempt
	r.byKey[attempt.IdempotencyKey] = attempt.ID
	return nil
}

// Finalize однократно переводит попытку в терминальный статус.
func (r *InMemoryPaymentAttemptRepository) Finalize(ctx context.Context, id uuid.UUID, status domain.PaymentAttemptStatus, raw []byte) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	attempt, exists := r.attempts[id]
	if !exists {
		return domain.ErrNotFound
	}

	if attempt.Status.IsTerminal() {
		return domain.ErrAttemptSealed
	}

	attempt.Status = status
	if len(raw) > 0 {
		attempt.RawResponse = raw
	}
	attempt.UpdatedAt = time.Now().UTC()
	r.attempts[id] = attempt
	return nil
}

// GetByIdempotencyKey возвращает попытку по ключу идемпотентности.
func (r *InMemoryPaymentAttemptRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentAttempt, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	id, exists := r.byKey[key]
	if !exists {
		return nil, domain.ErrNotFound
	}

	attempt := r.attempts[id]
	out := attempt
	return &out, nil
}

// ListBySubscription возвращает историю попыток по подписке.
func (r *InMemoryPaymentAttemptRepository) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]domain.PaymentAttempt, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var out []domain.PaymentAttempt
	for _, attempt := range r.attempts {
		if attempt.SubscriptionID == subscriptionID {
			out = append(out, attempt)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *InMemoryPaymentAttemptRepository) snapshot() (map[uuid.UUID]domain.PaymentAttempt, map[string]uuid.UUID) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	attempts := make(map[uuid.UUID]domain.PaymentAttempt, len(r.attempts))
	for k, v := range r.attempts {
		attempts[k] = v
	}
	byKey := make(map[string]uuid.UUID, len(r.byKey))
	for k, v := range r.byKey {
		byKey[k] = v
	}
	return attempts, byKey
}

func (r *InMemoryPaymentAttemptRepository) restore(attempts map[uuid.UUID]domain.PaymentAttempt, byKey map[string]uuid.UUID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.attempts = attempts
	r.byKey = byKey
}

// InMemoryWebhookEventRepository реализация журнала вебхук-событий в памяти.
type InMemoryWebhookEventRepository struct {
	events map[string]domain.WebhookEvent // ключ - event_id провайдера
	mutex  sync.RWMutex
	log    *logger.Logger
}

// NewInMemoryWebhookEventRepository создает новый журнал вебхук-событий в памяти.
func NewInMemoryWebhookEventRepository(log *logger.Logger) *InMemoryWebhookEventRepository {
	return &InMemoryWebhookEventRepository{
		events: make(map[string]domain.WebhookEvent),
		log:    log,
	}
}

// Record сохраняет обработанное событие.
func (r *InMemoryWebhookEventRepository) Record(ctx context.Context, event *domain.WebhookEvent) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.events[event.EventID]; exists {
		return domain.ErrDuplicate
	}

	event.ReceivedAt = time.Now().UTC()
	r.events[event.EventID] = *event
	return nil
}

// GetByEventID возвращает событие по ID события провайдера.
func (r *InMemoryWebhookEventRepository) GetByEventID(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	event, exists := r.events[eventID]
	if !exists {
		return nil, domain.ErrNotFound
	}

	out := event
	return &out, nil
}

func (r *InMemoryWebhookEventRepository) snapshot() map[string]domain.WebhookEvent {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	copied := make(map[string]domain.WebhookEvent, len(r.events))
	for k, v := range r.events {
		copied[k] = v
	}
	return copied
}

func (r *InMemoryWebhookEventRepository) restore(s map[string]domain.WebhookEvent) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = s
}

// InMemoryReconciliationAuditRepository реализация журнала аудита сверок в памяти.
type InMemoryReconciliationAuditRepository struct {
	audits []domain.ReconciliationAudit
	mutex  sync.RWMutex
	log    *logger.Logger
}

// NewInMemoryReconciliationAuditRepository создает новый журнал аудита в памяти.
func NewInMemoryReconciliationAuditRepository(log *logger.Logger) *InMemoryReconciliationAuditRepository {
	return &InMemoryReconciliationAuditRepository{log: log}
}

// Record сохраняет запись аудита.
func (r *InMemoryReconciliationAuditRepository) Record(ctx context.Context, audit *domain.ReconciliationAudit) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	audit.CreatedAt = time.Now().UTC()
	r.audits = append(r.audits, *audit)
	return nil
}

// ListBySubscription возвращает записи аудита по подписке.
func (r *InMemoryReconciliationAuditRepository) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]domain.ReconciliationAudit, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var out []domain.ReconciliationAudit
	for _, audit := range r.audits {
		if audit.SubscriptionID == subscriptionID {
			out = append(out, audit)
		}
	}
	return out, nil
}

func (r *InMemoryReconciliationAuditRepository) snapshot() []domain.ReconciliationAudit {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	copied := make([]domain.ReconciliationAudit, len(r.audits))
	copy(copied, r.audits)
	return copied
}

func (r *InMemoryReconciliationAuditRepository) restore(s []domain.ReconciliationAudit) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.audits = s
}

// MemoryStore реализация UnitOfWork в памяти.
// Within сериализует транзакции мьютексом и откатывает снимки при ошибке.
type MemoryStore struct {
	mu     sync.Mutex
	subs   *InMemorySubscriptionRepository
	att    *InMemoryPaymentAttemptRepository
	events *InMemoryWebhookEventRepository
	audits *InMemoryReconciliationAuditRepository
}

// NewMemoryStore создает новый UnitOfWork в памяти.
func NewMemoryStore(log *logger.Logger) *MemoryStore {
	return &MemoryStore{
		subs:   NewInMemorySubscriptionRepository(log),
		att:    NewInMemoryPaymentAttemptRepository(log),
		events: NewInMemoryWebhookEventRepository(log),
		audits: NewInMemoryReconciliationAuditRepository(log),
	}
}

// Repos возвращает репозитории вне транзакции.
func (s *MemoryStore) Repos() RepoSet {
	return RepoSet{
		Subscriptions: s.subs,
		Attempts:      s.att,
		Events:        s.events,
		Audits:        s.audits,
	}
}

// Within выполняет fn атомарно относительно других Within-вызовов.
func (s *MemoryStore) Within(ctx context.Context, fn func(r RepoSet) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	subsSnap := s.subs.snapshot()
	attSnap, keySnap := s.att.snapshot()
	eventsSnap := s.events.snapshot()
	auditsSnap := s.audits.snapshot()

	if err := fn(s.Repos()); err != nil {
		s.subs.restore(subsSnap)
		s.att.restore(attSnap, keySnap)
		s.events.restore(eventsSnap)
		s.audits.restore(auditsSnap)
		return err
	}
	return nil
}
