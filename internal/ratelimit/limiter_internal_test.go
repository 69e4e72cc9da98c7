package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestKeyFormat(t *testing.T) {
	if got := key("user-1", "email"); got != "ratelimit:user-1:email" {
		t.Errorf("unexpected key: %s", got)
	}
}

func TestParseDecisionAdmitted(t *testing.T) {
	now := time.Now()
	raw := []interface{}{int64(1), int64(4), int64(now.Add(time.Minute).UnixMilli())}
	d := parseDecision(raw, now, time.Minute)
	if !d.Allowed {
		t.Fatalf("expected Allowed=true")
	}
	if d.Remaining != 4 {
		t.Fatalf("expected Remaining=4, got %d", d.Remaining)
	}
}

func TestParseDecisionRejected(t *testing.T) {
	now := time.Now()
	raw := []interface{}{int64(0), int64(0), int64(now.Add(time.Minute).UnixMilli())}
	d := parseDecision(raw, now, time.Minute)
	if d.Allowed {
		t.Fatalf("expected Allowed=false")
	}
}

func TestParseDecisionMalformedFailsOpen(t *testing.T) {
	now := time.Now()
	d := parseDecision("garbage", now, time.Minute)
	if !d.Allowed {
		t.Fatalf("expected a malformed script reply to fail open")
	}
}

func TestToInt64HandlesRedisReplyTypes(t *testing.T) {
	if got := toInt64(int64(7)); got != 7 {
		t.Errorf("expected 7, got %d", got)
	}
	if got := toInt64(float64(7.4)); got != 7 {
		t.Errorf("expected rounding to 7, got %d", got)
	}
	if got := toInt64("not-a-number"); got != 0 {
		t.Errorf("expected 0 for an unrecognized type, got %d", got)
	}
}

func TestIsNoScript(t *testing.T) {
	if !isNoScript(errors.New("NOSCRIPT No matching script")) {
		t.Errorf("expected NOSCRIPT error to be detected")
	}
	if isNoScript(errors.New("connection refused")) {
		t.Errorf("expected a non-NOSCRIPT error not to be detected")
	}
	if isNoScript(nil) {
		t.Errorf("expected nil error not to be detected as NOSCRIPT")
	}
}
