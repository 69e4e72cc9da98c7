package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"

	"github.com/relayforge/notify-relay/internal/models"
	"github.com/relayforge/notify-relay/internal/senders"
	"github.com/relayforge/notify-relay/internal/worker"
	"github.com/relayforge/notify-relay/pkg/metrics"
)

// ackRecorder is a stub amqp.Acknowledger that records what the engine did
// with a delivery instead of talking to a real broker.
type ackRecorder struct {
	mu      sync.Mutex
	acked   bool
	nacked  bool
	requeue bool
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = true
	return nil
}

func (a *ackRecorder) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = true
	a.requeue = requeue
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *ackRecorder) snapshot() (acked, nacked, requeue bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked, a.nacked, a.requeue
}

type stubSender struct {
	outcome senders.Outcome
	err     error
	panics  bool
	block   <-chan struct{}
	calls   int
}

func (s *stubSender) Name() string { return "stub" }

func (s *stubSender) Send(ctx context.Context, payload []byte) (senders.Outcome, error) {
	s.calls++
	if s.block != nil {
		<-s.block
	}
	if s.panics {
		panic("stub sender panic")
	}
	return s.outcome, s.err
}

type guardStub struct {
	delivered map[string]bool
	marked    []string
}

func newGuardStub() *guardStub {
	return &guardStub{delivered: make(map[string]bool)}
}

func (g *guardStub) IsDelivered(ctx context.Context, userID, idempotencyKey string) bool {
	return g.delivered[userID+":"+idempotencyKey]
}

func (g *guardStub) MarkDelivered(ctx context.Context, userID, idempotencyKey string, ttl time.Duration) {
	g.delivered[userID+":"+idempotencyKey] = true
	g.marked = append(g.marked, userID+":"+idempotencyKey)
}

type republisherStub struct {
	mu        sync.Mutex
	published []models.QueueMessage
	fail      bool
}

func (r *republisherStub) PublishDelayed(ctx context.Context, msg models.QueueMessage, delay time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return false
	}
	r.published = append(r.published, msg)
	return true
}

type statusStub struct {
	mu           sync.Mutex
	delivered    []string
	deadLettered []string
}

func (s *statusStub) MarkDelivered(ctx context.Context, messageID, provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, messageID)
}

func (s *statusStub) MarkDeadLettered(ctx context.Context, messageID, provider, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLettered = append(s.deadLettered, messageID)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDelivery(t *testing.T, qm models.QueueMessage, retryCount int) (amqp.Delivery, *ackRecorder) {
	t.Helper()
	body, err := json.Marshal(qm)
	if err != nil {
		t.Fatalf("failed to marshal queue message: %v", err)
	}
	ack := &ackRecorder{}
	headers := amqp.Table{}
	if retryCount > 0 {
		headers[models.HeaderRetryCount] = int32(retryCount)
	}
	return amqp.Delivery{
		Acknowledger: ack,
		Body:         body,
		Headers:      headers,
	}, ack
}

func TestHandleDeliverySuccessAcksAndMarksDelivered(t *testing.T) {
	sender := &stubSender{outcome: senders.OK}
	guard := newGuardStub()
	republisher := &republisherStub{}
	status := &statusStub{}
	engine := worker.NewEngine(sender, republisher, guard, status, metrics.New(), discardLogger(), 5, 1000, time.Minute, 5*time.Second)

	qm := models.QueueMessage{ID: "msg-1", UserID: "user-1", IdempotencyKey: "key-1", Payload: json.RawMessage(`{}`)}
	delivery, ack := newDelivery(t, qm, 0)

	engine.HandleDelivery(context.Background(), delivery)

	acked, nacked, _ := ack.snapshot()
	if !acked || nacked {
		t.Fatalf("expected ack, got acked=%v nacked=%v", acked, nacked)
	}
	if !guard.delivered["user-1:key-1"] {
		t.Fatalf("expected delivery guard to be marked")
	}
	if len(status.delivered) != 1 {
		t.Fatalf("expected one delivered status record, got %d", len(status.delivered))
	}
	if sender.calls != 1 {
		t.Fatalf("expected exactly one sender invocation, got %d", sender.calls)
	}
}

func TestHandleDeliveryDuplicateGuardSkipsSender(t *testing.T) {
	sender := &stubSender{outcome: senders.OK}
	guard := newGuardStub()
	guard.delivered["user-1:key-1"] = true
	engine := worker.NewEngine(sender, &republisherStub{}, guard, &statusStub{}, metrics.New(), discardLogger(), 5, 1000, time.Minute, 5*time.Second)

	qm := models.QueueMessage{ID: "msg-1", UserID: "user-1", IdempotencyKey: "key-1", Payload: json.RawMessage(`{}`)}
	delivery, ack := newDelivery(t, qm, 0)

	engine.HandleDelivery(context.Background(), delivery)

	if sender.calls != 0 {
		t.Fatalf("expected sender not to be invoked for a guarded duplicate, got %d calls", sender.calls)
	}
	acked, _, _ := ack.snapshot()
	if !acked {
		t.Fatalf("expected guarded duplicate to still be acked")
	}
}

func TestHandleDeliveryRetriableUnderBudgetSchedulesRedelivery(t *testing.T) {
	sender := &stubSender{outcome: senders.Retriable, err: errors.New("transient failure")}
	guard := newGuardStub()
	republisher := &republisherStub{}
	status := &statusStub{}
	engine := worker.NewEngine(sender, republisher, guard, status, metrics.New(), discardLogger(), 2, 1000, time.Minute, 5*time.Second)

	qm := models.QueueMessage{ID: "msg-1", UserID: "user-1", IdempotencyKey: "key-1", Payload: json.RawMessage(`{}`)}
	delivery, ack := newDelivery(t, qm, 1)

	engine.HandleDelivery(context.Background(), delivery)

	acked, nacked, _ := ack.snapshot()
	if !acked || nacked {
		t.Fatalf("retriable message under the retry budget should be acked, not nacked: acked=%v nacked=%v", acked, nacked)
	}
	if len(republisher.published) != 1 {
		t.Fatalf("expected one republish, got %d", len(republisher.published))
	}
	if republisher.published[0].RetryCount != 2 {
		t.Fatalf("expected republished retry count 2, got %d", republisher.published[0].RetryCount)
	}
}

func TestHandleDeliveryRetriableExhaustedDeadLetters(t *testing.T) {
	sender := &stubSender{outcome: senders.Retriable, err: errors.New("transient failure")}
	guard := newGuardStub()
	republisher := &republisherStub{}
	status := &statusStub{}
	engine := worker.NewEngine(sender, republisher, guard, status, metrics.New(), discardLogger(), 2, 1000, time.Minute, 5*time.Second)

	qm := models.QueueMessage{ID: "msg-1", UserID: "user-1", IdempotencyKey: "key-1", Payload: json.RawMessage(`{}`)}
	delivery, ack := newDelivery(t, qm, 2)

	engine.HandleDelivery(context.Background(), delivery)

	acked, nacked, requeue := ack.snapshot()
	if acked || !nacked {
		t.Fatalf("exhausted retriable message should be nacked, not acked: acked=%v nacked=%v", acked, nacked)
	}
	if requeue {
		t.Fatalf("dead-lettered message must not be requeued onto the same queue")
	}
	if len(republisher.published) != 0 {
		t.Fatalf("exhausted message must not be republished, got %d", len(republisher.published))
	}
	if len(status.deadLettered) != 1 {
		t.Fatalf("expected one dead-lettered status record, got %d", len(status.deadLettered))
	}
}

func TestHandleDeliveryTerminalDeadLettersImmediately(t *testing.T) {
	sender := &stubSender{outcome: senders.Terminal, err: errors.New("malformed payload")}
	republisher := &republisherStub{}
	engine := worker.NewEngine(sender, republisher, newGuardStub(), &statusStub{}, metrics.New(), discardLogger(), 5, 1000, time.Minute, 5*time.Second)

	qm := models.QueueMessage{ID: "msg-1", UserID: "user-1", IdempotencyKey: "key-1", Payload: json.RawMessage(`{}`)}
	delivery, ack := newDelivery(t, qm, 0)

	engine.HandleDelivery(context.Background(), delivery)

	acked, nacked, _ := ack.snapshot()
	if acked || !nacked {
		t.Fatalf("terminal outcome should be nacked immediately regardless of retry budget: acked=%v nacked=%v", acked, nacked)
	}
	if len(republisher.published) != 0 {
		t.Fatalf("terminal outcome must never be republished")
	}
}

func TestHandleDeliverySenderPanicIsRetriable(t *testing.T) {
	sender := &stubSender{panics: true}
	republisher := &republisherStub{}
	engine := worker.NewEngine(sender, republisher, newGuardStub(), &statusStub{}, metrics.New(), discardLogger(), 5, 1000, time.Minute, 5*time.Second)

	qm := models.QueueMessage{ID: "msg-1", UserID: "user-1", IdempotencyKey: "key-1", Payload: json.RawMessage(`{}`)}
	delivery, ack := newDelivery(t, qm, 0)

	engine.HandleDelivery(context.Background(), delivery)

	acked, nacked, _ := ack.snapshot()
	if !acked || nacked {
		t.Fatalf("a sender panic should be treated as retriable and scheduled, not dead-lettered: acked=%v nacked=%v", acked, nacked)
	}
	if len(republisher.published) != 1 {
		t.Fatalf("expected sender panic to schedule exactly one retry, got %d", len(republisher.published))
	}
}

func TestHandleDeliveryMalformedBodyDeadLetters(t *testing.T) {
	sender := &stubSender{outcome: senders.OK}
	ack := &ackRecorder{}
	delivery := amqp.Delivery{Acknowledger: ack, Body: []byte("not json")}
	engine := worker.NewEngine(sender, &republisherStub{}, newGuardStub(), &statusStub{}, metrics.New(), discardLogger(), 5, 1000, time.Minute, 5*time.Second)

	engine.HandleDelivery(context.Background(), delivery)

	acked, nacked, _ := ack.snapshot()
	if acked || !nacked {
		t.Fatalf("malformed body should be dead-lettered without invoking the sender: acked=%v nacked=%v", acked, nacked)
	}
	if sender.calls != 0 {
		t.Fatalf("sender must never be invoked for an undecodable message")
	}
}

func TestHandleDeliverySenderTimeoutIsRetriable(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	sender := &stubSender{outcome: senders.OK, block: block}
	republisher := &republisherStub{}
	engine := worker.NewEngine(sender, republisher, newGuardStub(), &statusStub{}, metrics.New(), discardLogger(), 5, 1000, time.Minute, 10*time.Millisecond)

	qm := models.QueueMessage{ID: "msg-1", UserID: "user-1", IdempotencyKey: "key-1", Payload: json.RawMessage(`{}`)}
	delivery, ack := newDelivery(t, qm, 0)

	engine.HandleDelivery(context.Background(), delivery)

	acked, nacked, _ := ack.snapshot()
	if !acked || nacked {
		t.Fatalf("a sender exceeding its bounded timeout should be treated as retriable and scheduled, not dead-lettered: acked=%v nacked=%v", acked, nacked)
	}
	if len(republisher.published) != 1 {
		t.Fatalf("expected sender timeout to schedule exactly one retry, got %d", len(republisher.published))
	}
}
