// Package validate implements the schema validation spec.md describes as an
// external collaborator, at the one boundary this repo actually owns: the
// HTTP request body. It follows the manual, Normalize()-returns-error style
// of the sibling API gateway's request model rather than a tag-driven
// validator library, since nothing else in this pack's notification
// services reaches for one either.
package validate

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/relayforge/notify-relay/internal/models"
)

// FieldError describes one invalid or missing field. Multiple FieldErrors
// are collected so a client sees every problem in one response, not just
// the first.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// RequestError is returned for any 400-worthy condition raised while
// validating a NotificationRequest.
type RequestError struct {
	Message string
	Fields  []FieldError
}

func (e *RequestError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Fields)
}

func fieldErr(field, reason string) FieldError {
	return FieldError{Field: field, Reason: reason}
}

// Envelope validates the channel-independent parts of a NotificationRequest:
// userId and idempotencyKey must be present before anything else is checked,
// matching §4.1's "userId required for rate limiting" and §4.2's
// "absence of idempotencyKey" 400s, both of which must fire before the
// request reaches rate-limit admission or idempotency probing.
func Envelope(req *models.NotificationRequest) *RequestError {
	var fields []FieldError
	if strings.TrimSpace(req.UserID) == "" {
		fields = append(fields, fieldErr("userId", "userId required for rate limiting"))
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		fields = append(fields, fieldErr("idempotencyKey", "idempotencyKey is required"))
	}
	if len(fields) > 0 {
		return &RequestError{Message: "validation failed", Fields: fields}
	}
	return nil
}

// Email decodes and validates raw into an EmailPayload.
func Email(raw json.RawMessage) (models.EmailPayload, *RequestError) {
	var p models.EmailPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, &RequestError{Message: "invalid payload", Fields: []FieldError{fieldErr("payload", err.Error())}}
	}

	var fields []FieldError
	if _, err := mail.ParseAddress(p.To); err != nil {
		fields = append(fields, fieldErr("to", "must be a valid RFC-5322 address"))
	}
	if strings.TrimSpace(p.Subject) == "" {
		fields = append(fields, fieldErr("subject", "subject is required"))
	}
	if strings.TrimSpace(p.Body) == "" {
		fields = append(fields, fieldErr("body", "body is required"))
	}
	for i, cc := range p.CC {
		if _, err := mail.ParseAddress(cc); err != nil {
			fields = append(fields, fieldErr(fmt.Sprintf("cc[%d]", i), "must be a valid address"))
		}
	}
	for i, bcc := range p.BCC {
		if _, err := mail.ParseAddress(bcc); err != nil {
			fields = append(fields, fieldErr(fmt.Sprintf("bcc[%d]", i), "must be a valid address"))
		}
	}

	if len(fields) > 0 {
		return p, &RequestError{Message: "validation failed", Fields: fields}
	}
	return p, nil
}

// SMS decodes and validates raw into an SmsPayload.
func SMS(raw json.RawMessage) (models.SmsPayload, *RequestError) {
	var p models.SmsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, &RequestError{Message: "invalid payload", Fields: []FieldError{fieldErr("payload", err.Error())}}
	}

	var fields []FieldError
	if utf8.RuneCountInString(p.To) < 10 {
		fields = append(fields, fieldErr("to", "must be at least 10 characters"))
	}
	if l := utf8.RuneCountInString(p.Message); l < 1 || l > 160 {
		fields = append(fields, fieldErr("message", "must be 1-160 characters"))
	}

	if len(fields) > 0 {
		return p, &RequestError{Message: "validation failed", Fields: fields}
	}
	return p, nil
}

// Push decodes and validates raw into a PushPayload.
func Push(raw json.RawMessage) (models.PushPayload, *RequestError) {
	var p models.PushPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, &RequestError{Message: "invalid payload", Fields: []FieldError{fieldErr("payload", err.Error())}}
	}

	var fields []FieldError
	if strings.TrimSpace(p.DeviceToken) == "" {
		fields = append(fields, fieldErr("deviceToken", "deviceToken is required"))
	}
	if strings.TrimSpace(p.Title) == "" {
		fields = append(fields, fieldErr("title", "title is required"))
	}
	if strings.TrimSpace(p.Body) == "" {
		fields = append(fields, fieldErr("body", "body is required"))
	}

	if len(fields) > 0 {
		return p, &RequestError{Message: "validation failed", Fields: fields}
	}
	return p, nil
}
