package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/avelkov/dancemill/internal/domain"
)

// MessageType — тип события.
type MessageType string

const (
	MessageTypeTransition     MessageType = "task.transition"
	MessageTypeBatchCompleted MessageType = "batch.completed"
)

// Publisher публикует события pipeline в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — конверт события.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип события.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// TransitionPayload — переход состояния задачи.
type TransitionPayload struct {
	TaskID    string    `json:"task_id"`
	BatchID   uuid.UUID `json:"batch_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	AccountID string    `json:"account_id,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Attempt   int       `json:"attempt"`
}

// BatchCompletedPayload — итог обработки batch'а.
type BatchCompletedPayload struct {
	BatchID   uuid.UUID `json:"batch_id"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
}

// PublishTransition публикует переход состояния задачи.
func (p *Publisher) PublishTransition(ctx context.Context, task *domain.Task, from string) error {
	payload := TransitionPayload{
		TaskID:    task.ID,
		BatchID:   task.BatchID,
		From:      from,
		To:        task.State(),
		AccountID: task.AccountID,
		ErrorKind: string(task.ErrorKind),
		Error:     task.ErrorMessage,
		Attempt:   task.Attempt(task.Stage),
	}
	return p.publish(ctx, "task.transition", MessageTypeTransition, payload)
}

// PublishBatchCompleted публикует итог batch'а.
func (p *Publisher) PublishBatchCompleted(ctx context.Context, payload BatchCompletedPayload) error {
	return p.publish(ctx, "batch.completed", MessageTypeBatchCompleted, payload)
}

// publish сериализует и отправляет событие в обменник.
func (p *Publisher) publish(ctx context.Context, routingKey string, msgType MessageType, payload any) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(ExchangeEvents), // exchange
			routingKey,             // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish %s: %w", routingKey, err)
		}

		p.logger.Debug("published event",
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}
