package models

import "encoding/json"

// QueueMessage is the on-wire shape published to a channel's work queue and
// decoded again by the worker. It carries its own retry count so the retry
// engine needs no out-of-band state to decide backoff or DLQ routing.
type QueueMessage struct {
	ID             string          `json:"id"`
	Type           Channel         `json:"type"`
	UserID         string          `json:"userId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      int64           `json:"timestamp"`
	RetryCount     int             `json:"retryCount"`
}

// HeaderRetryCount and HeaderIdempotencyKey mirror QueueMessage fields into
// AMQP message headers so the broker side (and any out-of-band tooling
// inspecting the DLQ) can read them without decoding the JSON body.
const (
	HeaderRetryCount     = "x-retry-count"
	HeaderIdempotencyKey = "x-idempotency-key"
)
