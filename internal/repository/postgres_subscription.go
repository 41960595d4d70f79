package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/eduplatform/billing-service/internal/domain"
	"github.com/eduplatform/billing-service/pkg/logger"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// postgresSubscriptionRepo реализует SubscriptionRepository для PostgreSQL.
type postgresSubscriptionRepo struct {
	ext sqlx.ExtContext // *sqlx.DB либо *sqlx.Tx
	log *logger.Logger
}

// withTx возвращает копию репозитория, привязанную к транзакции.
func (r *postgresSubscriptionRepo) withTx(tx *sqlx.Tx) SubscriptionRepository {
	return &postgresSubscriptionRepo{ext: tx, log: r.log}
}

const subscriptionColumns = `
        id, user_id, plan_id, plan_amount_minor, plan_currency, plan_duration_days,
        status, provider_payment_id, version, start_date, expiry_date,
        last_reconciled_at, created_at, updated_at`

// Create сохраняет новую подписку в базе данных.
func (r *postgresSubscriptionRepo) Create(ctx context.Context, sub *domain.Subscription) error {
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	query := `
        INSERT INTO subscriptions (
            id, user_id, plan_id, plan_amount_minor, plan_currency, plan_duration_days,
            status, provider_payment_id, version, start_date, expiry_date,
            last_reconciled_at, created_at, updated_at
        ) VALUES (
            :id, :user_id, :plan_id, :plan_amount_minor, :plan_currency, :plan_duration_days,
            :status, :provider_payment_id, :version, :start_date, :expiry_date,
            :last_reconciled_at, :created_at, :updated_at
        )`

	_, err := sqlx.NamedExecContext(ctx, r.ext, query, sub)
	if err != nil {
		r.log.Errorw("Failed to create subscription in DB", "error", err, "subscriptionID", sub.ID, "userID", sub.UserID)
		return fmt.Errorf("repository: failed to create subscription: %w", err)
	}

	r.log.Debugw("Successfully created subscription in DB", "subscriptionID", sub.ID, "userID", sub.UserID)
	return nil
}

// GetByID возвращает подписку по ее ID.
func (r *postgresSubscriptionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	var sub domain.Subscription
	query := `SELECT` + subscriptionColumns + `
        FROM subscriptions
        WHERE id = $1`

	err := sqlx.GetContext(ctx, r.ext, &sub, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.log.Warnw("Subscription not found by ID", "subscriptionID", id)
			return nil, domain.ErrNotFound
		}
		r.log.Errorw("Failed to get subscription by ID from DB", "error", err, "subscriptionID", id)
		return nil, fmt.Errorf("repository: failed to get subscription by ID: %w", err)
	}

	return &sub, nil
}

// GetByProviderPaymentID возвращает подписку по ID платежа у провайдера.
func (r *postgresSubscriptionRepo) GetByProviderPaymentID(ctx context.Context, providerPaymentID string) (*domain.Subscription, error) {
	if providerPaymentID == "" {
		return nil, domain.ErrNotFound
	}

	var sub domain.Subscription
	query := `SELECT` + subscriptionColumns + `
        FROM subscriptions
        WHERE provider_payment_id = $1`

	err := sqlx.GetContext(ctx, r.ext, &sub, query, providerPaymentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.log.Warnw("Subscription not found by provider payment ID", "providerPaymentID", providerPaymentID)
			return nil, domain.ErrNotFound
		}
		r.log.Errorw("Failed to get subscription by provider payment ID", "error", err, "providerPaymentID", providerPaymentID)
		return nil, fmt.Errorf("repository: failed to get subscription by provider payment ID: %w", err)
	}

	return &sub, nil
}

// GetByUserID возвращает все подписки пользователя.
func (r *postgresSubscriptionRepo) GetByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	query := `SELECT` + subscriptionColumns + `
        FROM subscriptions
        WHERE user_id = $1
        ORDER BY created_at DESC`

	err := sqlx.SelectContext(ctx, r.ext, &subs, query, userID)
	if err != nil {
		r.log.Errorw("Failed to get subscriptions by user ID from DB", "error", err, "userID", userID)
		return nil, fmt.Errorf("repository: failed to get subscriptions by user ID: %w", err)
	}

	return subs, nil
}

// UpdateCAS фиксирует мутацию подписки при совпадении версии.
// WHERE version = :version и есть compare-and-swap: проигравший гонку
// писатель получает domain.ErrVersionConflict и перечитывает состояние.
func (r *postgresSubscriptionRepo) UpdateCAS(ctx context.Context, sub *domain.Subscription) error {
	sub.UpdatedAt = time.Now().UTC()

	query := `
        UPDATE subscriptions SET
            status = :status,
            provider_payment_id = :provider_payment_id,
            start_date = :start_date,
            expiry_date = :expiry_date,
            updated_at = :updated_at,
            version = version + 1
        WHERE id = :id AND version = :version`

	result, err := sqlx.NamedExecContext(ctx, r.ext, query, sub)
	if err != nil {
		r.log.Errorw("Failed to update subscription in DB", "error", err, "subscriptionID", sub.ID)
		return fmt.Errorf("repository: failed to update subscription: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		r.log.Errorw("Failed to get rows affected after update", "error", err, "subscriptionID", sub.ID)
		return fmt.Errorf("repository: failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		// Либо запись исчезла, либо версия ушла вперед
		if _, getErr := r.GetByID(ctx, sub.ID); errors.Is(getErr, domain.ErrNotFound) {
			return domain.ErrNotFound
		}
		r.log.Debugw("Subscription version conflict", "subscriptionID", sub.ID, "expectedVersion", sub.Version)
		return domain.ErrVersionConflict
	}

	sub.Version++
	r.log.Debugw("Successfully updated subscription in DB", "subscriptionID", sub.ID, "version", sub.Version)
	return nil
}

// MarkReconciled проставляет отметку времени последней сверки.
func (r *postgresSubscriptionRepo) MarkReconciled(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
        UPDATE subscriptions SET
            last_reconciled_at = $1,
            updated_at = $1
        WHERE id = $2`

	result, err := r.ext.ExecContext(ctx, query, at, id)
	if err != nil {
		r.log.Errorw("Failed to mark subscription reconciled", "error", err, "subscriptionID", id)
		return fmt.Errorf("repository: failed to mark subscription reconciled: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListPendingOlderThan возвращает подписки, зависшие в pending дольше порога.
func (r *postgresSubscriptionRepo) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	query := `SELECT` + subscriptionColumns + `
        FROM subscriptions
        WHERE status = $1 AND updated_at < $2
        ORDER BY updated_at ASC
        LIMIT $3`

	err := sqlx.SelectContext(ctx, r.ext, &subs, query, domain.SubscriptionStatusPending, cutoff, limit)
	if err != nil {
		r.log.Errorw("Failed to list pending subscriptions", "error", err)
		return nil, fmt.Errorf("repository: failed to list pending subscriptions: %w", err)
	}
	return subs, nil
}

// ListActiveExpiredBefore возвращает активные подписки с истекшим сроком.
func (r *postgresSubscriptionRepo) ListActiveExpiredBefore(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	query := `SELECT` + subscriptionColumns + `
        FROM subscriptions
        WHERE status = $1 AND expiry_date IS NOT NULL AND expiry_date < $2
        ORDER BY expiry_date ASC
        LIMIT $3`

	err := sqlx.SelectContext(ctx, r.ext, &subs, query, domain.SubscriptionStatusActive, now, limit)
	if err != nil {
		r.log.Errorw("Failed to list expired subscriptions", "error", err)
		return nil, fmt.Errorf("repository: failed to list expired subscriptions: %w", err)
	}
	return subs, nil
}
