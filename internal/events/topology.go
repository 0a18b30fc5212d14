package events

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — имя обменника.
type Exchange string

// Queue — имя очереди.
type Queue string

const (
	// ExchangeEvents — topic-обменник всех событий pipeline.
	ExchangeEvents Exchange = "dancemill.events"
)

const (
	// QueueTransitions — переходы состояний задач (task.*).
	QueueTransitions Queue = "events.transitions"

	// QueueBatches — итоги batch'ей (batch.*).
	QueueBatches Queue = "events.batches"
)

// SetupTopology объявляет обменник и очереди событий.
// Идемпотентно: повторное объявление существующей топологии — no-op.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.ExchangeDeclare(
			string(ExchangeEvents), // name
			"topic",                // type
			true,                   // durable
			false,                  // auto-deleted
			false,                  // internal
			false,                  // no-wait
			nil,                    // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ExchangeEvents, err)
		}

		bindings := []struct {
			queue   Queue
			pattern string
		}{
			{QueueTransitions, "task.*"},
			{QueueBatches, "batch.*"},
		}

		for _, b := range bindings {
			_, err := ch.QueueDeclare(
				string(b.queue), // name
				true,            // durable
				false,           // delete when unused
				false,           // exclusive
				false,           // no-wait
				nil,             // arguments
			)
			if err != nil {
				return fmt.Errorf("declare queue %s: %w", b.queue, err)
			}

			err = ch.QueueBind(
				string(b.queue),        // queue name
				b.pattern,              // routing key pattern
				string(ExchangeEvents), // exchange
				false,                  // no-wait
				nil,                    // arguments
			)
			if err != nil {
				return fmt.Errorf("bind queue %s: %w", b.queue, err)
			}
		}

		return nil
	})
}
