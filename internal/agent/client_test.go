package agent

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/hetuflow/hetuflow/internal/gateway"
)

func newTestClient() *Client {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(Config{Capacity: 4}, log)
}

func TestLoadReflectsRunningCount(t *testing.T) {
	c := newTestClient()
	if got := c.load(); got != 0 {
		t.Fatalf("expected 0 load with no running tasks, got %v", got)
	}

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	id := uuid.New()
	c.runningMu.Lock()
	c.running[id] = cancel
	c.runningMu.Unlock()

	if got := c.load(); got != 0.25 {
		t.Fatalf("expected load 0.25 with 1/4 capacity used, got %v", got)
	}
	if got := c.runningCount(); got != 1 {
		t.Fatalf("expected running count 1, got %d", got)
	}
}

func TestHandleCancelInvokesCancelFunc(t *testing.T) {
	c := newTestClient()
	id := uuid.New()
	cancelled := false
	c.runningMu.Lock()
	c.running[id] = func() { cancelled = true }
	c.runningMu.Unlock()

	env, err := gateway.NewEnvelope(gateway.KindCancelTask, gateway.CancelTaskPayload{InstanceID: id})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	c.handleCancel(env)

	if !cancelled {
		t.Fatalf("expected cancel func to be invoked")
	}
}
