package domain

import (
	"errors"
	"fmt"
)

// Application errors
var (
	// ErrNotFound запись не найдена
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate дубликат записи
	ErrDuplicate = errors.New("duplicate record")

	// ErrInvalidInput неверные входные данные
	ErrInvalidInput = errors.New("invalid input data")

	// ErrUnauthorized пользователь не авторизован
	ErrUnauthorized = errors.New("unauthorized")

	// ErrGatewayUnavailable платежный шлюз недоступен (сеть/5xx), можно повторить
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrInvalidRequest шлюз отверг запрос как некорректный, повтор бессмыслен
	ErrInvalidRequest = errors.New("invalid gateway request")

	// ErrInvalidTransition переход состояния не разрешен таблицей переходов
	ErrInvalidTransition = errors.New("invalid subscription transition")

	// ErrVersionConflict версия записи изменилась между чтением и записью
	ErrVersionConflict = errors.New("subscription version conflict")

	// ErrSignatureInvalid подпись вебхука не прошла проверку
	ErrSignatureInvalid = errors.New("webhook signature invalid")

	// ErrUnsupportedEvent неизвестный тип/статус события провайдера
	ErrUnsupportedEvent = errors.New("unsupported provider event")

	// ErrAttemptSealed попытка платежа уже в терминальном статусе
	ErrAttemptSealed = errors.New("payment attempt already finalized")
)

// GatewayError представляет ошибку обращения к платежному шлюзу.
type GatewayError struct {
	Op          string // операция адаптера: initiate, verify
	StatusCode  int    // HTTP статус ответа провайдера, 0 при сетевой ошибке
	Kind        error  // ErrGatewayUnavailable либо ErrInvalidRequest
	OriginalErr error
}

// Error реализует интерфейс error
func (e *GatewayError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("gateway %s failed (status %d): %v", e.Op, e.StatusCode, e.OriginalErr)
	}
	return fmt.Sprintf("gateway %s failed (status %d)", e.Op, e.StatusCode)
}

// Unwrap возвращает оригинальную ошибку
func (e *GatewayError) Unwrap() error {
	return e.OriginalErr
}

// Is сопоставляет ошибку с классом (retryable / terminal).
func (e *GatewayError) Is(target error) bool {
	return target == e.Kind
}

// NewGatewayError создает новую ошибку шлюза.
func NewGatewayError(op string, statusCode int, kind, err error) *GatewayError {
	return &GatewayError{
		Op:          op,
		StatusCode:  statusCode,
		Kind:        kind,
		OriginalErr: err,
	}
}

// TransitionError представляет отклоненный переход состояния.
type TransitionError struct {
	SubscriptionID string
	From           SubscriptionStatus
	Requested      string
}

// Error реализует интерфейс error
func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition %q not allowed from state %q (subscription %s)", e.Requested, e.From, e.SubscriptionID)
}

// Is сопоставляет ошибку с ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// NotFoundError представляет ошибку "не найдено"
type NotFoundError struct {
	Entity string
	ID     string
}

// Error реализует интерфейс error
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Entity, e.ID)
}

// Is проверяет, является ли ошибка ошибкой типа "не найдено"
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError создает новую ошибку "не найдено"
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{
		Entity: entity,
		ID:     id,
	}
}
