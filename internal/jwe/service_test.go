package jwe

import (
	"errors"
	"log/slog"
	"testing"
	"time"
)

func testService(t *testing.T, ttl time.Duration) *Service {
	t.Helper()
	svc, err := New(Config{ServerID: "server-1", TTL: ttl, InsecureDev: true, Logger: slog.Default()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	svc := testService(t, time.Hour)

	token, err := svc.Issue("agent-1", []string{"poll", "report"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := svc.Verify(token, "agent-1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "agent-1" {
		t.Errorf("Subject = %q, want agent-1", claims.Subject)
	}
	if claims.ServerID != "server-1" {
		t.Errorf("ServerID = %q, want server-1", claims.ServerID)
	}
	if len(claims.Permissions) != 2 {
		t.Errorf("Permissions = %v, want 2 entries", claims.Permissions)
	}
}

func TestVerifyRejectsAgentMismatch(t *testing.T) {
	svc := testService(t, time.Hour)

	token, err := svc.Issue("agent-1", nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := svc.Verify(token, "agent-2"); !errors.Is(err, ErrAgentIDMismatch) {
		t.Errorf("Verify error = %v, want ErrAgentIDMismatch", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	svc := testService(t, -time.Minute)

	token, err := svc.Issue("agent-1", nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := svc.Verify(token, "agent-1"); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Verify error = %v, want ErrTokenExpired", err)
	}
}

func TestVerifyRejectsGarbageToken(t *testing.T) {
	svc := testService(t, time.Hour)

	if _, err := svc.Verify("not-a-real-token", "agent-1"); !errors.Is(err, ErrTokenDecryptionFailed) {
		t.Errorf("Verify error = %v, want ErrTokenDecryptionFailed", err)
	}
}
