package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/relayforge/notify-relay/internal/models"
	"github.com/relayforge/notify-relay/internal/senders"
	"github.com/relayforge/notify-relay/pkg/metrics"
	"github.com/relayforge/notify-relay/pkg/retry"
)

const retryDelayCap = 16 * time.Second

// DeliveryGuard is the delivered-guard half of idempotency.Cache that the
// engine needs for P4 (at-most-once sender invocation per idempotency key).
type DeliveryGuard interface {
	IsDelivered(ctx context.Context, userID, idempotencyKey string) bool
	MarkDelivered(ctx context.Context, userID, idempotencyKey string, ttl time.Duration)
}

// Republisher is the retry-scheduling half of queue.Publisher the engine needs.
type Republisher interface {
	PublishDelayed(ctx context.Context, msg models.QueueMessage, delay time.Duration) bool
}

// StatusRecorder is the enrichment-only audit trail the engine reports
// delivery outcomes to. With no database configured the worker passes a nil
// *repository.StatusStore, whose methods are nil-receiver-safe; the engine
// calls the recorder without a nil check, so a nil interface value is not
// accepted.
type StatusRecorder interface {
	MarkDelivered(ctx context.Context, messageID, provider string)
	MarkDeadLettered(ctx context.Context, messageID, provider, detail string)
}

// Engine implements the per-message pipeline of §4.4: decode, delivery-idempotency
// guard, sender invocation, and outcome-driven ack/republish/DLQ routing. It is
// the rewrite of the teacher's services.PushProcessor + consumer.PushConsumer's
// handleDelivery/shouldRetry pair, generalized from a single FCM-only push path
// into the channel-agnostic Sender contract and the message-carried retry count
// this spec requires instead of AMQP's x-death header.
type Engine struct {
	sender        senders.Sender
	publisher     Republisher
	cache         DeliveryGuard
	status        StatusRecorder
	metrics       *metrics.Metrics
	logger        *slog.Logger
	maxRetries    int
	retryBaseMS   int
	idempTTL      time.Duration
	senderTimeout time.Duration
}

func NewEngine(
	sender senders.Sender,
	publisher Republisher,
	cache DeliveryGuard,
	status StatusRecorder,
	metrics *metrics.Metrics,
	logger *slog.Logger,
	maxRetries, retryBaseMS int,
	idempTTL time.Duration,
	senderTimeout time.Duration,
) *Engine {
	if senderTimeout <= 0 {
		senderTimeout = 10 * time.Second
	}
	return &Engine{
		sender:        sender,
		publisher:     publisher,
		cache:         cache,
		status:        status,
		metrics:       metrics,
		logger:        logger,
		maxRetries:    maxRetries,
		retryBaseMS:   retryBaseMS,
		idempTTL:      idempTTL,
		senderTimeout: senderTimeout,
	}
}

// HandleDelivery is the Consumer handler function. An unhandled panic
// anywhere in the pipeline (outside the sender invocation, which is
// recovered separately) is treated as a pipeline failure and nacked to the
// DLQ rather than crashing the worker goroutine, per §4.4's failure
// isolation requirement.
func (e *Engine) HandleDelivery(ctx context.Context, msg amqp.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in delivery pipeline, dead-lettering", slog.Any("panic", r))
			_ = msg.Nack(false, false)
			e.metrics.IncDeadLettered()
		}
	}()

	var qm models.QueueMessage
	if err := json.Unmarshal(msg.Body, &qm); err != nil {
		e.logger.Error("failed to decode queue message, dead-lettering", slog.Any("error", err))
		_ = msg.Nack(false, false)
		e.metrics.IncDeadLettered()
		return
	}

	if retryCount, ok := headerRetryCount(msg); ok {
		qm.RetryCount = retryCount
	}

	e.metrics.IncConsumed()

	if e.cache.IsDelivered(ctx, qm.UserID, qm.IdempotencyKey) {
		e.logger.Info("duplicate delivery guarded, acking without send",
			slog.String("id", qm.ID), slog.String("idempotency_key", qm.IdempotencyKey))
		_ = msg.Ack(false)
		return
	}

	outcome, sendErr := e.invokeSender(ctx, qm.Payload)

	switch outcome {
	case senders.OK:
		e.cache.MarkDelivered(ctx, qm.UserID, qm.IdempotencyKey, e.idempTTL)
		e.status.MarkDelivered(ctx, qm.ID, e.sender.Name())
		e.metrics.IncDelivered()
		_ = msg.Ack(false)

	case senders.Retriable:
		if qm.RetryCount < e.maxRetries {
			e.scheduleRetry(ctx, qm, sendErr)
			_ = msg.Ack(false)
		} else {
			e.logger.Error("max retries exhausted, dead-lettering",
				slog.String("id", qm.ID), slog.Any("error", sendErr))
			e.status.MarkDeadLettered(ctx, qm.ID, e.sender.Name(), errString(sendErr))
			e.metrics.IncDeadLettered()
			_ = msg.Nack(false, false)
		}

	case senders.Terminal:
		e.logger.Error("terminal send error, dead-lettering",
			slog.String("id", qm.ID), slog.Any("error", sendErr))
		e.status.MarkDeadLettered(ctx, qm.ID, e.sender.Name(), errString(sendErr))
		e.metrics.IncDeadLettered()
		_ = msg.Nack(false, false)
	}
}

// invokeSender calls the sender under a bounded timeout (§5 "each external
// call ... has a bounded timeout; on timeout the operation is treated as
// retriable from the caller's classification"), recovering a panic as
// Retriable per §4.4 "An unhandled exception in the sender MUST be caught
// and treated as retriable." The call runs on its own goroutine since the
// Sender contract offers no cancellation hook of its own to race against.
func (e *Engine) invokeSender(ctx context.Context, payload json.RawMessage) (senders.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, e.senderTimeout)
	defer cancel()

	type sendResult struct {
		outcome senders.Outcome
		err     error
	}
	resultCh := make(chan sendResult, 1)

	go func() {
		outcome, err := func() (outcome senders.Outcome, err error) {
			defer func() {
				if r := recover(); r != nil {
					outcome = senders.Retriable
					err = fmt.Errorf("sender panicked: %v", r)
				}
			}()
			return e.sender.Send(ctx, payload)
		}()
		resultCh <- sendResult{outcome, err}
	}()

	select {
	case res := <-resultCh:
		return res.outcome, res.err
	case <-ctx.Done():
		return senders.Retriable, fmt.Errorf("sender timed out: %w", ctx.Err())
	}
}

// scheduleRetry computes the §4.4 backoff delay (base=1s, doubling, cap 16s)
// and republishes a new message carrying retryCount+1. The current delivery
// is acked regardless — the retry lives entirely in the newly published copy.
func (e *Engine) scheduleRetry(ctx context.Context, qm models.QueueMessage, cause error) {
	delay := retry.Backoff(time.Duration(e.retryBaseMS)*time.Millisecond, qm.RetryCount, retryDelayCap)

	next := qm
	next.RetryCount = qm.RetryCount + 1
	if next.ID == "" {
		next.ID = uuid.NewString()
	}

	e.logger.Warn("scheduling retry",
		slog.String("id", next.ID), slog.Int("retry_count", next.RetryCount),
		slog.Duration("delay", delay), slog.Any("cause", cause))

	if !e.publisher.PublishDelayed(ctx, next, delay) {
		e.logger.Error("failed to republish retry, message will be lost", slog.String("id", next.ID))
	}
	e.metrics.IncRetried()
}

func headerRetryCount(msg amqp.Delivery) (int, bool) {
	if msg.Headers == nil {
		return 0, false
	}
	raw, ok := msg.Headers[models.HeaderRetryCount]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
