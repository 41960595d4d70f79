package moyasar

import (
	"encoding/json"
	"fmt"

	"github.com/eduplatform/billing-service/internal/domain"
	"github.com/google/uuid"
)

// InitiateRequest запрос на создание платежной сессии у провайдера.
type InitiateRequest struct {
	SubscriptionID uuid.UUID
	AmountMinor    int64 // в минимальных единицах валюты (халалы)
	Currency       string
	Description    string
	ReturnURL      string
}

// InitiateResponse результат создания платежной сессии.
type InitiateResponse struct {
	ProviderPaymentID string
	RedirectURL       string
}

// VerifyResult авторитетное состояние платежа, полученное от провайдера.
// Используется и колбеком подтверждения оплаты, и движком сверки; при
// расхождении с закешированными данными вебхука истиной считается оно.
type VerifyResult struct {
	ProviderPaymentID string
	Outcome           domain.PaymentOutcome
	AmountMinor       int64
	Currency          string
	Raw               []byte // сырой ответ провайдера, хранится как есть
}

// paymentResource платеж в формате API провайдера.
type paymentResource struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Source   struct {
		Type    string `json:"type"`
		Message string `json:"message,omitempty"`
	} `json:"source"`
}

// invoiceResource счет (hosted payment page) в формате API провайдера.
type invoiceResource struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	URL    string `json:"url"`
}

// ParseOutcome отображает статус провайдера в закрытое множество исходов.
// Неизвестный статус отвергается явно, а не приводится к ближайшему.
func ParseOutcome(status string) (domain.PaymentOutcome, error) {
	switch status {
	case "paid", "captured":
		return domain.PaymentOutcomePaid, nil
	case "failed", "voided":
		return domain.PaymentOutcomeFailed, nil
	case "refunded":
		return domain.PaymentOutcomeRefunded, nil
	case "initiated", "authorized":
		return domain.PaymentOutcomeInitiated, nil
	default:
		return "", fmt.Errorf("%w: unknown payment status %q", domain.ErrUnsupportedEvent, status)
	}
}

// WebhookPayload тело вебхук-события провайдера.
type WebhookPayload struct {
	EventID           string `json:"eventId"`
	ProviderPaymentID string `json:"providerPaymentId"`
	Status            string `json:"status"`
	AmountMinor       int64  `json:"amount"`
	Currency          string `json:"currency"`
}

// ParseWebhook разбирает тело вебхука и классифицирует исход платежа.
func ParseWebhook(raw []byte) (*WebhookPayload, domain.PaymentOutcome, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, "", fmt.Errorf("%w: malformed webhook payload: %v", domain.ErrInvalidInput, err)
	}

	if payload.EventID == "" || payload.ProviderPaymentID == "" {
		return nil, "", fmt.Errorf("%w: webhook payload missing eventId or providerPaymentId", domain.ErrInvalidInput)
	}

	outcome, err := ParseOutcome(payload.Status)
	if err != nil {
		return nil, "", err
	}
	return &payload, outcome, nil
}
