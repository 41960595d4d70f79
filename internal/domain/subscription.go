package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus статус подписки
type SubscriptionStatus string

const (
	SubscriptionStatusPending       SubscriptionStatus = "pending"
	SubscriptionStatusActive        SubscriptionStatus = "active"
	SubscriptionStatusPaymentFailed SubscriptionStatus = "payment_failed"
	SubscriptionStatusExpired       SubscriptionStatus = "expired"
	SubscriptionStatusCancelled     SubscriptionStatus = "cancelled"
)

// IsTerminal сообщает, является ли статус терминальным.
// Из терминального статуса подписка не мутирует: повторная активация
// создает новую запись, а не оживляет старую.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionStatusExpired || s == SubscriptionStatusCancelled
}

// Subscription представляет собой модель подписки.
// Цена и длительность плана копируются при создании и далее неизменны,
// чтобы история биллинга не зависела от правок каталога планов.
type Subscription struct {
	ID     uuid.UUID `db:"id" json:"id"`
	UserID uuid.UUID `db:"user_id" json:"user_id"`
	PlanID string    `db:"plan_id" json:"plan_id"`

	PlanAmountMinor  int64  `db:"plan_amount_minor" json:"plan_amount_minor"` // в минимальных единицах валюты
	PlanCurrency     string `db:"plan_currency" json:"plan_currency"`
	PlanDurationDays int    `db:"plan_duration_days" json:"plan_duration_days"`

	Status SubscriptionStatus `db:"status" json:"status"`

	// ProviderPaymentID - ID платежа в платежной системе, пустая строка
	// пока платежная сессия не создана.
	ProviderPaymentID string `db:"provider_payment_id" json:"provider_payment_id,omitempty"`

	// Version - монотонный счетчик для оптимистичной конкуренции.
	// Каждая зафиксированная мутация увеличивает его на единицу.
	Version int64 `db:"version" json:"version"`

	StartDate        *time.Time `db:"start_date" json:"start_date,omitempty"`
	ExpiryDate       *time.Time `db:"expiry_date" json:"expiry_date,omitempty"`
	LastReconciledAt *time.Time `db:"last_reconciled_at" json:"last_reconciled_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IsDue сообщает, истекла ли активная подписка к моменту now.
func (s *Subscription) IsDue(now time.Time) bool {
	return s.Status == SubscriptionStatusActive && s.ExpiryDate != nil && s.ExpiryDate.Before(now)
}

// PaymentOutcome исход платежа, подтвержденный провайдером.
// Закрытое множество: неизвестные статусы провайдера отбрасываются
// на границе адаптера и сюда не попадают.
type PaymentOutcome string

const (
	PaymentOutcomePaid      PaymentOutcome = "paid"
	PaymentOutcomeFailed    PaymentOutcome = "failed"
	PaymentOutcomeInitiated PaymentOutcome = "initiated"
	PaymentOutcomeRefunded  PaymentOutcome = "refunded"
)

// TransitionOutcome результат применения перехода к подписке.
type TransitionOutcome string

const (
	// TransitionApplied переход применен и зафиксирован.
	TransitionApplied TransitionOutcome = "applied"
	// TransitionNoOp целевое состояние уже достигнуто (повтор/гонка).
	TransitionNoOp TransitionOutcome = "noop"
	// TransitionRejected переход невалиден для текущего состояния.
	TransitionRejected TransitionOutcome = "rejected"
)

// TransitionResult итог вызова функции перехода.
type TransitionResult struct {
	Outcome      TransitionOutcome `json:"outcome"`
	Reason       string            `json:"reason,omitempty"`
	Subscription *Subscription     `json:"subscription,omitempty"`
}
