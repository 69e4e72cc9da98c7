// Package queue owns the durable queue fabric of spec.md §4.3: exchange and
// queue topology, the persistent-message publish contract, and connection
// management with reconnect backoff. It is adapted from the teacher's
// internal/consumer.BaseConsumer.setupQueue — generalized from one
// hard-coded push queue into the per-channel table §4.3 specifies, and
// split out so both the ingress publisher and the worker consumer assert
// the same topology from one place.
package queue

import (
	"fmt"

	"github.com/streadway/amqp"

	"github.com/relayforge/notify-relay/internal/models"
)

const (
	Exchange   = "notifications.exchange"
	DeadLetter = "notifications.dlx"
	DLQ        = "notifications.dlq"
	DeadKey    = "dead"
)

// QueueFor returns the durable work queue name for a channel.
func QueueFor(channel models.Channel) string {
	return fmt.Sprintf("notifications.%s", channel)
}

// Channels lists every channel with its own work queue, in declaration order.
var Channels = []models.Channel{models.ChannelEmail, models.ChannelSMS, models.ChannelPush}

// Declare asserts the exact topology of §4.3, idempotently: the direct
// exchange, one durable work queue per channel bound with its own channel
// name as routing key and a dead-letter arg pointing at the DLX, and the
// DLX/DLQ pair itself. Safe to call from both the ingress (on publisher
// (re)connect) and the worker (on consumer start) — AMQP declare is a no-op
// when the topology already matches.
func Declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", Exchange, err)
	}
	if err := ch.ExchangeDeclare(DeadLetter, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", DeadLetter, err)
	}
	if _, err := ch.QueueDeclare(DLQ, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", DLQ, err)
	}
	if err := ch.QueueBind(DLQ, DeadKey, DeadLetter, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", DLQ, err)
	}

	for _, channel := range Channels {
		queueName := QueueFor(channel)
		args := amqp.Table{
			"x-dead-letter-exchange":    DeadLetter,
			"x-dead-letter-routing-key": DeadKey,
		}
		if _, err := ch.QueueDeclare(queueName, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", queueName, err)
		}
		if err := ch.QueueBind(queueName, string(channel), Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", queueName, err)
		}
	}
	return nil
}
