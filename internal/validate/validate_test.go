package validate_test

import (
	"encoding/json"
	"testing"

	"github.com/relayforge/notify-relay/internal/models"
	"github.com/relayforge/notify-relay/internal/validate"
)

func TestEnvelopeRequiresUserIDAndIdempotencyKey(t *testing.T) {
	err := validate.Envelope(&models.NotificationRequest{})
	if err == nil {
		t.Fatalf("expected an error for an empty envelope")
	}
	if len(err.Fields) != 2 {
		t.Fatalf("expected both userId and idempotencyKey flagged, got %v", err.Fields)
	}
}

func TestEnvelopeAcceptsPopulatedFields(t *testing.T) {
	req := &models.NotificationRequest{UserID: "user-1", IdempotencyKey: "key-1"}
	if err := validate.Envelope(req); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestEmailRejectsInvalidAddress(t *testing.T) {
	raw, _ := json.Marshal(models.EmailPayload{To: "not-an-address", Subject: "hi", Body: "hello"})
	if _, err := validate.Email(raw); err == nil {
		t.Fatalf("expected an error for an invalid To address")
	}
}

func TestEmailRejectsInvalidCC(t *testing.T) {
	raw, _ := json.Marshal(models.EmailPayload{To: "a@example.com", Subject: "hi", Body: "hello", CC: []string{"not-an-address"}})
	_, err := validate.Email(raw)
	if err == nil {
		t.Fatalf("expected an error for an invalid cc address")
	}
	if err.Fields[0].Field != "cc[0]" {
		t.Fatalf("expected the cc field to be flagged by index, got %v", err.Fields)
	}
}

func TestEmailAcceptsValidPayload(t *testing.T) {
	raw, _ := json.Marshal(models.EmailPayload{To: "a@example.com", Subject: "hi", Body: "hello"})
	if _, err := validate.Email(raw); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestSMSRejectsShortNumberAndEmptyMessage(t *testing.T) {
	raw, _ := json.Marshal(models.SmsPayload{To: "123", Message: ""})
	_, err := validate.SMS(raw)
	if err == nil || len(err.Fields) != 2 {
		t.Fatalf("expected two field errors, got %v", err)
	}
}

func TestSMSAcceptsValidPayload(t *testing.T) {
	raw, _ := json.Marshal(models.SmsPayload{To: "+15551234567", Message: "hello"})
	if _, err := validate.SMS(raw); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestPushRequiresDeviceTokenTitleAndBody(t *testing.T) {
	_, err := validate.Push(json.RawMessage(`{}`))
	if err == nil || len(err.Fields) != 3 {
		t.Fatalf("expected three field errors, got %v", err)
	}
}

func TestPayloadDecodeErrorReportsPayloadField(t *testing.T) {
	_, err := validate.Email(json.RawMessage(`not-json`))
	if err == nil || len(err.Fields) != 1 || err.Fields[0].Field != "payload" {
		t.Fatalf("expected a single payload decode error, got %v", err)
	}
}
