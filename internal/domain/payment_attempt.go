package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentAttemptStatus статус попытки платежа
type PaymentAttemptStatus string

const (
	PaymentAttemptStatusInitiated PaymentAttemptStatus = "initiated"
	PaymentAttemptStatusSucceeded PaymentAttemptStatus = "succeeded"
	PaymentAttemptStatusFailed    PaymentAttemptStatus = "failed"
	PaymentAttemptStatusRefunded  PaymentAttemptStatus = "refunded"
)

// IsTerminal сообщает, является ли статус попытки терминальным.
// Терминальная попытка не переоткрывается: новый исход по тому же
// платежу провайдера не перезаписывает ее.
func (s PaymentAttemptStatus) IsTerminal() bool {
	return s != PaymentAttemptStatusInitiated
}

// PaymentAttempt представляет запись о попытке платежа в журнале биллинга.
// Журнал append-only: единственная разрешенная мутация - однократный
// перевод из initiated в терминальный статус.
type PaymentAttempt struct {
	ID                uuid.UUID            `db:"id" json:"id"`
	SubscriptionID    uuid.UUID            `db:"subscription_id" json:"subscription_id"`
	ProviderPaymentID string               `db:"provider_payment_id" json:"provider_payment_id"`
	IdempotencyKey    string               `db:"idempotency_key" json:"idempotency_key"`
	Status            PaymentAttemptStatus `db:"status" json:"status"`
	AmountMinor       int64                `db:"amount_minor" json:"amount_minor"`
	Currency          string               `db:"currency" json:"currency"`

	// RawResponse - снимок сырого ответа провайдера для аудита.
	// После сохранения не парсится.
	RawResponse []byte `db:"raw_response" json:"-"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
