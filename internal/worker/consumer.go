// Package worker implements the consumer side of spec.md §4.4: one
// consumer per channel queue with bounded prefetch and a pool of
// cooperative goroutine workers, adapted from the teacher's
// internal/consumer.BaseConsumer — generalized from one hard-coded push
// queue into a queue name and handler supplied by the caller so the same
// consumer type serves all three channels.
package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"

	"github.com/relayforge/notify-relay/internal/queue"
)

// Consumer wires RabbitMQ QoS and a pool of handler goroutines for one
// durable queue. Messages are delivered with manual ack per §4.4.
type Consumer struct {
	conn        *amqp.Connection
	queueName   string
	prefetch    int
	workerCount int
	logger      *slog.Logger
}

func NewConsumer(conn *amqp.Connection, queueName string, prefetch, workerCount int, logger *slog.Logger) *Consumer {
	if prefetch <= 0 {
		prefetch = 10
	}
	if workerCount <= 0 {
		workerCount = 4
	}
	return &Consumer{
		conn:        conn,
		queueName:   queueName,
		prefetch:    prefetch,
		workerCount: workerCount,
		logger:      logger,
	}
}

// Start declares the shared topology, sets QoS, and runs workerCount
// goroutines pulling from the deliveries channel until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context, handler func(context.Context, amqp.Delivery)) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := queue.Declare(ch); err != nil {
		return err
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return err
	}

	deliveries, err := ch.Consume(c.queueName, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < c.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-deliveries:
					if !ok {
						return
					}
					handler(ctx, msg)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}
