package domain

import (
	"time"

	"github.com/google/uuid"
)

// WebhookOutcome итог обработки входящего события провайдера.
type WebhookOutcome string

const (
	// WebhookOutcomeApplied событие применено к подписке.
	WebhookOutcomeApplied WebhookOutcome = "applied"
	// WebhookOutcomeIgnoredDuplicate повтор уже обработанного события.
	WebhookOutcomeIgnoredDuplicate WebhookOutcome = "ignored_duplicate"
	// WebhookOutcomeIgnoredStale событие валидно, но переход уже не нужен
	// или невозможен (позднее событие для уже активной подписки и т.п.).
	WebhookOutcomeIgnoredStale WebhookOutcome = "ignored_stale"
	// WebhookOutcomeRejectedSignature подпись не прошла проверку.
	// В журнал не пишется (недоверенное событие), используется только
	// в логах и метриках.
	WebhookOutcomeRejectedSignature WebhookOutcome = "rejected_invalid_signature"
)

// WebhookEvent запись журнала дедупликации входящих событий провайдера.
// Инвариант: event_id провайдера обрабатывается не более одного раза.
type WebhookEvent struct {
	ID                uuid.UUID      `db:"id" json:"id"`
	EventID           string         `db:"event_id" json:"event_id"` // ID события у провайдера, глобально уникален
	ProviderPaymentID string         `db:"provider_payment_id" json:"provider_payment_id"`
	ProviderStatus    string         `db:"provider_status" json:"provider_status"`
	Outcome           WebhookOutcome `db:"outcome" json:"outcome"`
	Payload           []byte         `db:"payload" json:"-"`
	ReceivedAt        time.Time      `db:"received_at" json:"received_at"`
}

// ReconciliationAudit запись аудита сверки с провайдером.
// Пишется при каждой сверке, даже если коррекция не потребовалась.
type ReconciliationAudit struct {
	ID             uuid.UUID          `db:"id" json:"id"`
	SubscriptionID uuid.UUID          `db:"subscription_id" json:"subscription_id"`
	LocalStatus    SubscriptionStatus `db:"local_status" json:"local_status"`
	ProviderStatus string             `db:"provider_status" json:"provider_status"`
	Corrected      bool               `db:"corrected" json:"corrected"`
	// Anomaly - локальное состояние оказалось "впереди" провайдера.
	// При корректной логике не случается, требует ручного разбора.
	Anomaly   bool      `db:"anomaly" json:"anomaly"`
	Note      string    `db:"note" json:"note,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
