package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eduplatform/billing-service/internal/domain"
	"github.com/eduplatform/billing-service/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const subscriptionKeyPrefix = "billing:subscription:"

// CachedSubscriptionRepository кеширующая обертка над репозиторием подписок.
// Кеш используется только на пути чтения статуса; любая запись инвалидирует
// ключ, сервер остается единственным источником истины.
type CachedSubscriptionRepository struct {
	inner SubscriptionRepository
	rdb   *redis.Client
	ttl   time.Duration
	log   *logger.Logger
}

// NewCachedSubscriptionRepository создает кеширующую обертку над репозиторием.
func NewCachedSubscriptionRepository(inner SubscriptionRepository, rdb *redis.Client, ttl time.Duration, log *logger.Logger) *CachedSubscriptionRepository {
	return &CachedSubscriptionRepository{
		inner: inner,
		rdb:   rdb,
		ttl:   ttl,
		log:   log,
	}
}

func subscriptionKey(id uuid.UUID) string {
	return fmt.Sprintf("%s%s", subscriptionKeyPrefix, id)
}

// GetByID возвращает подписку, по возможности из кеша.
func (r *CachedSubscriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	key := subscriptionKey(id)

	data, err := r.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var sub domain.Subscription
		if unmarshalErr := json.Unmarshal(data, &sub); unmarshalErr == nil {
			r.log.Debugw("Subscription cache hit", "subscriptionID", id)
			return &sub, nil
		}
		// Битый кеш - игнорируем и идем в базу
		r.log.Warnw("Failed to unmarshal cached subscription, falling through", "subscriptionID", id)
	} else if !errors.Is(err, redis.Nil) {
		r.log.Warnw("Redis get failed, falling through to DB", "error", err, "subscriptionID", id)
	}

	sub, err := r.inner.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, marshalErr := json.Marshal(sub); marshalErr == nil {
		if setErr := r.rdb.Set(ctx, key, data, r.ttl).Err(); setErr != nil {
			r.log.Warnw("Failed to cache subscription", "error", setErr, "subscriptionID", id)
		}
	}
	return sub, nil
}

// Invalidate удаляет подписку из кеша. Вызывается и собственными
// мутациями обертки, и сервисным слоем, пишущим мимо нее (через
// транзакционные репозитории UnitOfWork).
func (r *CachedSubscriptionRepository) Invalidate(ctx context.Context, id uuid.UUID) {
	if err := r.rdb.Del(ctx, subscriptionKey(id)).Err(); err != nil {
		r.log.Warnw("Failed to invalidate subscription cache", "error", err, "subscriptionID", id)
	}
}

// Create сохраняет новую подписку.
func (r *CachedSubscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) error {
	if err := r.inner.Create(ctx, sub); err != nil {
		return err
	}
	r.Invalidate(ctx, sub.ID)
	return nil
}

// UpdateCAS фиксирует мутацию подписки при совпадении версии.
func (r *CachedSubscriptionRepository) UpdateCAS(ctx context.Context, sub *domain.Subscription) error {
	if err := r.inner.UpdateCAS(ctx, sub); err != nil {
		return err
	}
	r.Invalidate(ctx, sub.ID)
	return nil
}

// MarkReconciled проставляет отметку времени последней сверки.
func (r *CachedSubscriptionRepository) MarkReconciled(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := r.inner.MarkReconciled(ctx, id, at); err != nil {
		return err
	}
	r.Invalidate(ctx, id)
	return nil
}

// GetByProviderPaymentID возвращает подписку по ID платежа у провайдера.
func (r *CachedSubscriptionRepository) GetByProviderPaymentID(ctx context.Context, providerPaymentID string) (*domain.Subscription, error) {
	return r.inner.GetByProviderPaymentID(ctx, providerPaymentID)
}

// GetByUserID возвращает все подписки пользователя.
func (r *CachedSubscriptionRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Subscription, error) {
	return r.inner.GetByUserID(ctx, userID)
}

// ListPendingOlderThan возвращает подписки, зависшие в pending дольше порога.
func (r *CachedSubscriptionRepository) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.Subscription, error) {
	return r.inner.ListPendingOlderThan(ctx, cutoff, limit)
}

// ListActiveExpiredBefore возвращает активные подписки с истекшим сроком.
func (r *CachedSubscriptionRepository) ListActiveExpiredBefore(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error) {
	return r.inner.ListActiveExpiredBefore(ctx, now, limit)
}
