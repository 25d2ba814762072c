package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeContinuationDue MessageType = "continuation.due"
	MessageTypeRunFinished     MessageType = "run.finished"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// ContinuationDuePayload — payload для continuation, готовой к выполнению.
type ContinuationDuePayload struct {
	ContinuationID uuid.UUID `json:"continuation_id"`
	RunID          uuid.UUID `json:"run_id"`
	Reason         string    `json:"reason"`
}

// RunFinishedPayload — payload для завершившегося run'а.
type RunFinishedPayload struct {
	RunID  uuid.UUID `json:"run_id"`
	Status string    `json:"status"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishContinuationDue публикует событие о continuation, готовой к
// выполнению. Потребитель: Runner.
func (p *Publisher) PublishContinuationDue(ctx context.Context, payload ContinuationDuePayload) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeContinuationDue,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeRuns, RoutingKeyContinuation, msg)
}

// PublishRunFinished публикует событие о run'е, достигшем терминального
// статуса. Потребитель: Dispatcher (доставка уведомлений подписчикам).
func (p *Publisher) PublishRunFinished(ctx context.Context, payload RunFinishedPayload) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeRunFinished,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeRuns, RoutingKeyFinished, msg)
}
