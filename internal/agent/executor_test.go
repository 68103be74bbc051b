package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hetuflow/hetuflow/internal/model"
)

func TestExecuteSucceeds(t *testing.T) {
	exe := NewExecutor()
	result := exe.Execute(context.Background(), model.Task{}, "echo hello", nil)
	if !result.Succeeded {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	if strings.TrimSpace(result.Output) != "hello" {
		t.Fatalf("unexpected output %q", result.Output)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	exe := NewExecutor()
	result := exe.Execute(context.Background(), model.Task{}, "exit 3", nil)
	if result.Succeeded {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(result.Error, "exit code 3") {
		t.Fatalf("expected exit code in error, got %q", result.Error)
	}
}

func TestExecuteTimesOut(t *testing.T) {
	exe := NewExecutor()
	task := model.Task{Config: model.JobConfig{TimeoutSecs: 1}}
	start := time.Now()
	result := exe.Execute(context.Background(), task, "sleep 5", nil)
	if result.Succeeded {
		t.Fatalf("expected timeout failure")
	}
	if result.Error != "execution timed out" {
		t.Fatalf("unexpected error %q", result.Error)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatalf("timeout took too long to trigger")
	}
}

func TestExecutePassesEnvironment(t *testing.T) {
	exe := NewExecutor()
	result := exe.Execute(context.Background(), model.Task{}, `echo "$GREETING"`, []string{"GREETING=hi there"})
	if !result.Succeeded {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	if strings.TrimSpace(result.Output) != "hi there" {
		t.Fatalf("unexpected output %q", result.Output)
	}
}
