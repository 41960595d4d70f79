package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/eduplatform/billing-service/internal/domain"
	"github.com/eduplatform/billing-service/pkg/logger"
)

// Топики жизненного цикла подписки
const (
	TopicSubscriptionActivated     = "subscription.activated"
	TopicSubscriptionPaymentFailed = "subscription.payment_failed"
	TopicSubscriptionCancelled     = "subscription.cancelled"
	TopicSubscriptionExpired       = "subscription.expired"
)

// SubscriptionEvent представляет событие подписки для Kafka
type SubscriptionEvent struct {
	SubscriptionID string                    `json:"subscription_id"`
	UserID         string                    `json:"user_id"`
	PlanID         string                    `json:"plan_id"`
	Status         domain.SubscriptionStatus `json:"status"`
	AmountMinor    int64                     `json:"amount_minor"`
	Currency       string                    `json:"currency"`
	ExpiryDate     *time.Time                `json:"expiry_date,omitempty"`
	Timestamp      time.Time                 `json:"timestamp"`
}

// Producer определяет интерфейс для публикации событий подписок.
type Producer interface {
	// PublishSubscriptionEvent отправляет событие жизненного цикла подписки.
	// Ключ сообщения - SubscriptionID, чтобы события одной подписки
	// попадали в одну партицию и сохраняли порядок.
	PublishSubscriptionEvent(ctx context.Context, topic string, event SubscriptionEvent) error
	// Close закрывает соединение продюсера Kafka.
	Close() error
}

// saramaProducer реализует интерфейс Producer поверх sarama.SyncProducer.
type saramaProducer struct {
	producer sarama.SyncProducer
	log      *logger.Logger
}

// NewSaramaProducer создает и настраивает новый продюсер Kafka.
func NewSaramaProducer(brokers []string, log *logger.Logger) (Producer, error) {
	if len(brokers) == 0 {
		log.Errorw("Kafka brokers list is empty in config, cannot create producer")
		return nil, errors.New("kafka brokers are not configured")
	}

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Timeout = 5 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		log.Errorw("Failed to create Kafka producer", "error", err, "brokers", brokers)
		return nil, fmt.Errorf("kafka: failed to create producer: %w", err)
	}

	return &saramaProducer{producer: producer, log: log}, nil
}

// PublishSubscriptionEvent отправляет событие жизненного цикла подписки.
func (p *saramaProducer) PublishSubscriptionEvent(ctx context.Context, topic string, event SubscriptionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.SubscriptionID),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.log.Errorw("Failed to publish subscription event", "error", err, "topic", topic, "subscriptionID", event.SubscriptionID)
		return fmt.Errorf("kafka: failed to send message: %w", err)
	}

	p.log.Debugw("Published subscription event", "topic", topic, "partition", partition, "offset", offset, "subscriptionID", event.SubscriptionID)
	return nil
}

// Close закрывает соединение продюсера Kafka.
func (p *saramaProducer) Close() error {
	return p.producer.Close()
}

// NoOpProducer заглушка продюсера на случай недоступности брокеров.
type NoOpProducer struct{}

// PublishSubscriptionEvent ничего не делает.
func (NoOpProducer) PublishSubscriptionEvent(ctx context.Context, topic string, event SubscriptionEvent) error {
	return nil
}

// Close ничего не делает.
func (NoOpProducer) Close() error { return nil }
