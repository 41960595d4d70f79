package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eduplatform/billing-service/internal/domain"
	"github.com/eduplatform/billing-service/pkg/logger"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// postgresPaymentAttemptRepo реализует PaymentAttemptRepository для PostgreSQL.
type postgresPaymentAttemptRepo struct {
	ext sqlx.ExtContext
	log *logger.Logger
}

func (r *postgresPaymentAttemptRepo) withTx(tx *sqlx.Tx) PaymentAttemptRepository {
	return &postgresPaymentAttemptRepo{ext: tx, log: r.log}
}

// Append добавляет новую попытку платежа.
func (r *postgresPaymentAttemptRepo) Append(ctx context.Context, attempt *domain.PaymentAttempt) error {
	now := time.Now().UTC()
	attempt.CreatedAt = now
	attempt.UpdatedAt = now

	query := `
        INSERT INTO payment_attempts (
            id, subscription_id, provider_payment_id, idempotency_key,
            status, amount_minor, currency, raw_response, created_at, updated_at
        ) VALUES (
            :id, :subscription_id, :provider_payment_id, :idempotency_key,
            :status, :amount_minor, :currency, :raw_response, :created_at, :updated_at
        )`

	_, err := sqlx.NamedExecContext(ctx, r.ext, query, attempt)
	if err != nil {
		// 23505 - нарушение уникальности (idempotency_key)
		if strings.Contains(err.Error(), "23505") {
			r.log.Warnw("Duplicate payment attempt", "idempotencyKey", attempt.IdempotencyKey)
			return domain.ErrDuplicate
		}
		r.log.Errorw("Failed to append payment attempt", "error", err, "subscriptionID", attempt.SubscriptionID)
		return fmt.Errorf("repository: failed to append payment attempt: %w", err)
	}

	r.log.Debugw("Appended payment attempt", "attemptID", attempt.ID, "status", attempt.Status)
	return nil
}

// Finalize однократно переводит попытку из initiated в терминальный статус.
// WHERE status = 'initiated' гарантирует ровно одну терминальную запись:
// повторная финализация не затрагивает ни одной строки.
func (r *postgresPaymentAttemptRepo) Finalize(ctx context.Context, id uuid.UUID, status domain.PaymentAttemptStatus, raw []byte) error {
	query := `
        UPDATE payment_attempts SET
            status = $1,
            raw_response = COALESCE(NULLIF($2, ''::bytea), raw_response),
            updated_at = $3
        WHERE id = $4 AND status = $5`

	result, err := r.ext.ExecContext(ctx, query, status, raw, time.Now().UTC(), id, domain.PaymentAttemptStatusInitiated)
	if err != nil {
		r.log.Errorw("Failed to finalize payment attempt", "error", err, "attemptID", id)
		return fmt.Errorf("repository: failed to finalize payment attempt: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var cur domain.PaymentAttempt
		getErr := sqlx.GetContext(ctx, r.ext, &cur, `SELECT id, status FROM payment_attempts WHERE id = $1`, id)
		if errors.Is(getErr, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		return domain.ErrAttemptSealed
	}
	return nil
}

// GetByIdempotencyKey возвращает попытку по ключу идемпотентности.
func (r *postgresPaymentAttemptRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentAttempt, error) {
	var attempt domain.PaymentAttempt
	query := `
        SELECT id, subscription_id, provider_payment_id, idempotency_key,
               status, amount_minor, currency, raw_response, created_at, updated_at
        FROM payment_attempts
        WHERE idempotency_key = $1`

	err := sqlx.GetContext(ctx, r.ext, &attempt, query, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.log.Errorw("Failed to get payment attempt by idempotency key", "error", err)
		return nil, fmt.Errorf("repository: failed to get payment attempt: %w", err)
	}
	return &attempt, nil
}

// ListBySubscription возвращает историю попыток по подписке.
func (r *postgresPaymentAttemptRepo) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]domain.PaymentAttempt, error) {
	var attempts []domain.PaymentAttempt
	query := `
        SELECT id, subscription_id, provider_payment_id, idempotency_key,
               status, amount_minor, currency, raw_response, created_at, updated_at
        FROM payment_attempts
        WHERE subscription_id = $1
        ORDER BY created_at ASC`

	err := sqlx.SelectContext(ctx, r.ext, &attempts, query, subscriptionID)
	if err != nil {
		r.log.Errorw("Failed to list payment attempts", "error", err, "subscriptionID", subscriptionID)
		return nil, fmt.Errorf("repository: failed to list payment attempts: %w", err)
	}
	return attempts, nil
}

// postgresWebhookEventRepo реализует WebhookEventRepository для PostgreSQL.
type postgresWebhookEventRepo struct {
	ext sqlx.ExtContext
	log *logger.Logger
}

func (r *postgresWebhookEventRepo) withTx(tx *sqlx.Tx) WebhookEventRepository {
	return &postgresWebhookEventRepo{ext: tx, log: r.log}
}

// Record сохраняет обработанное событие.
func (r *postgresWebhookEventRepo) Record(ctx context.Context, event *domain.WebhookEvent) error {
	event.ReceivedAt = time.Now().UTC()

	query := `
        INSERT INTO webhook_events (
            id, event_id, provider_payment_id, provider_status, outcome, payload, received_at
        ) VALUES (
            :id, :event_id, :provider_payment_id, :provider_status, :outcome, :payload, :received_at
        )`

	_, err := sqlx.NamedExecContext(ctx, r.ext, query, event)
	if err != nil {
		if strings.Contains(err.Error(), "23505") {
			r.log.Warnw("Duplicate webhook event", "eventID", event.EventID)
			return domain.ErrDuplicate
		}
		r.log.Errorw("Failed to record webhook event", "error", err, "eventID", event.EventID)
		return fmt.Errorf("repository: failed to record webhook event: %w", err)
	}
	return nil
}

// GetByEventID возвращает событие по ID события провайдера.
func (r *postgresWebhookEventRepo) GetByEventID(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	var event domain.WebhookEvent
	query := `
        SELECT id, event_id, provider_payment_id, provider_status, outcome, payload, received_at
        FROM webhook_events
        WHERE event_id = $1`

	err := sqlx.GetContext(ctx, r.ext, &event, query, eventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.log.Errorw("Failed to get webhook event", "error", err, "eventID", eventID)
		return nil, fmt.Errorf("repository: failed to get webhook event: %w", err)
	}
	return &event, nil
}

// postgresReconciliationAuditRepo реализует ReconciliationAuditRepository для PostgreSQL.
type postgresReconciliationAuditRepo struct {
	ext sqlx.ExtContext
	log *logger.Logger
}

func (r *postgresReconciliationAuditRepo) withTx(tx *sqlx.Tx) ReconciliationAuditRepository {
	return &postgresReconciliationAuditRepo{ext: tx, log: r.log}
}

// Record сохраняет запись аудита.
func (r *postgresReconciliationAuditRepo) Record(ctx context.Context, audit *domain.ReconciliationAudit) error {
	audit.CreatedAt = time.Now().UTC()

	query := `
        INSERT INTO reconciliation_audits (
            id, subscription_id, local_status, provider_status, corrected, anomaly, note, created_at
        ) VALUES (
            :id, :subscription_id, :local_status, :provider_status, :corrected, :anomaly, :note, :created_at
        )`

	_, err := sqlx.NamedExecContext(ctx, r.ext, query, audit)
	if err != nil {
		r.log.Errorw("Failed to record reconciliation audit", "error", err, "subscriptionID", audit.SubscriptionID)
		return fmt.Errorf("repository: failed to record reconciliation audit: %w", err)
	}
	return nil
}

// ListBySubscription возвращает записи аудита по подписке.
func (r *postgresReconciliationAuditRepo) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]domain.ReconciliationAudit, error) {
	var audits []domain.ReconciliationAudit
	query := `
        SELECT id, subscription_id, local_status, provider_status, corrected, anomaly, note, created_at
        FROM reconciliation_audits
        WHERE subscription_id = $1
        ORDER BY created_at DESC`

	err := sqlx.SelectContext(ctx, r.ext, &audits, query, subscriptionID)
	if err != nil {
		r.log.Errorw("Failed to list reconciliation audits", "error", err, "subscriptionID", subscriptionID)
		return nil, fmt.Errorf("repository: failed to list reconciliation audits: %w", err)
	}
	return audits, nil
}
