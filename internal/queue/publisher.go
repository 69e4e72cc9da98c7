package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streadway/amqp"

	"github.com/relayforge/notify-relay/internal/models"
	"github.com/relayforge/notify-relay/pkg/retry"
)

const (
	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second
	startupDials  = 10
)

// Publisher owns one AMQP connection/channel pair, reconnecting with
// exponential backoff on close or error per §4.3's connection-management
// contract. Each process owns its own Publisher; the broker behind it is the
// shared serialization point for durable message state.
type Publisher struct {
	url         string
	logger      *slog.Logger
	callTimeout time.Duration

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	connected atomic.Bool
}

func NewPublisher(url string, logger *slog.Logger, callTimeout time.Duration) *Publisher {
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	return &Publisher{url: url, logger: logger, callTimeout: callTimeout}
}

// Start dials the broker, retrying up to startupDials times with backoff
// before giving up (§4.3 "Startup itself retries up to 10 times with
// backoff before process exit"), then launches the background reconnect
// watcher. The bounded dial loop is delegated to retry.Do; the open-ended
// watch/reconnect loop below stays a hand-written loop since it must retry
// indefinitely, which retry.Do's fixed MaxAttempts can't express.
func (p *Publisher) Start(ctx context.Context) error {
	dialCfg := retry.Config{
		MaxAttempts:    startupDials,
		InitialBackoff: reconnectBase,
		MaxBackoff:     reconnectCap,
	}
	err := retry.Do(ctx, dialCfg, func() error {
		if dialErr := p.dial(); dialErr != nil {
			p.logger.Warn("broker dial failed, retrying", slog.Any("error", dialErr))
			return dialErr
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to connect to broker after %d attempts: %w", startupDials, err)
	}
	go p.watch(ctx)
	return nil
}

func (p *Publisher) dial() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := Declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	p.mu.Lock()
	p.conn = conn
	p.ch = ch
	p.mu.Unlock()
	p.connected.Store(true)
	return nil
}

// watch reconnects with exponential backoff whenever the connection closes,
// retrying indefinitely until ctx is cancelled.
func (p *Publisher) watch(ctx context.Context) {
	for {
		p.mu.Lock()
		conn := p.conn
		p.mu.Unlock()
		if conn == nil {
			return
		}

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-ctx.Done():
			return
		case err := <-notifyClose:
			p.connected.Store(false)
			p.logger.Error("broker connection closed, reconnecting", slog.Any("error", err))
			p.reconnect(ctx)
		}
	}
}

func (p *Publisher) reconnect(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if err := p.dial(); err == nil {
			p.logger.Info("broker reconnected")
			return
		} else {
			delay := retry.Backoff(reconnectBase, attempt, reconnectCap)
			p.logger.Warn("broker reconnect failed, retrying", slog.Any("error", err), slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

// IsConnected reflects whether the live channel is currently usable.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// Publish implements the §4.3 publish contract: persistent delivery mode,
// JSON content-type, message-id, and the retry-count/idempotency-key header
// mirrors. Returns false (never an error) when the broker rejected or the
// publisher isn't connected, per §4.3 "Returns a boolean acceptance".
func (p *Publisher) Publish(ctx context.Context, msg models.QueueMessage) bool {
	if !p.IsConnected() {
		return false
	}

	body, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("failed to marshal queue message", slog.Any("error", err))
		return false
	}

	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		return false
	}

	return p.boundedPublish(ctx, func() error {
		return ch.Publish(Exchange, string(msg.Type), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Timestamp:    time.Unix(0, msg.Timestamp*int64(time.Millisecond)),
			Headers: amqp.Table{
				models.HeaderRetryCount:     msg.RetryCount,
				models.HeaderIdempotencyKey: msg.IdempotencyKey,
			},
			Body: body,
		})
	})
}

// boundedPublish runs fn (a blocking channel write) on its own goroutine and
// races it against callTimeout, since streadway/amqp's Channel methods take
// no context. A timeout is logged and reported as a failed publish, the same
// disposition the caller already gives any other broker error.
func (p *Publisher) boundedPublish(ctx context.Context, fn func() error) bool {
	ctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		if err != nil {
			p.logger.Error("publish failed", slog.Any("error", err))
			return false
		}
		return true
	case <-ctx.Done():
		p.logger.Error("publish timed out", slog.Any("error", ctx.Err()))
		return false
	}
}

// PublishDelayed schedules msg for delivery back onto its channel's work
// queue after delay, via a per-delay TTL queue routed back through the
// exchange — the scales-better realization of §4.4's two valid retry-delay
// patterns (the alternative being the worker sleeping in place).
func (p *Publisher) PublishDelayed(ctx context.Context, msg models.QueueMessage, delay time.Duration) bool {
	if !p.IsConnected() {
		return false
	}

	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		return false
	}

	body, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("failed to marshal queue message", slog.Any("error", err))
		return false
	}

	delayQueue := fmt.Sprintf("notifications.retry.%s.%dms", msg.Type, delay.Milliseconds())

	return p.boundedPublish(ctx, func() error {
		if _, err := ch.QueueDeclare(delayQueue, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    Exchange,
			"x-dead-letter-routing-key": string(msg.Type),
			"x-message-ttl":             int64(delay / time.Millisecond),
		}); err != nil {
			return fmt.Errorf("declare retry delay queue: %w", err)
		}

		return ch.Publish("", delayQueue, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Headers: amqp.Table{
				models.HeaderRetryCount:     msg.RetryCount,
				models.HeaderIdempotencyKey: msg.IdempotencyKey,
			},
			Body: body,
		})
	})
}

// Close closes the channel and connection so any unacked messages return to
// their queue for another worker (§5 shutdown sequence).
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			firstErr = err
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.connected.Store(false)
	return firstErr
}
