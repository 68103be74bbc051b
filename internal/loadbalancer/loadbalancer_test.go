package loadbalancer

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/hetuflow/hetuflow/internal/model"
	"github.com/hetuflow/hetuflow/internal/store"
)

func seedDispatchedInstance(t *testing.T, db store.Gateway, agentID string) *model.TaskInstance {
	t.Helper()
	ctx := context.Background()
	job := &model.Job{ID: model.NewID(), Namespace: "default", Name: "job", Command: "echo", Enabled: true}
	if err := db.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	task := &model.Task{ID: model.NewID(), JobID: job.ID, Status: model.TaskPending}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	inst := &model.TaskInstance{ID: model.NewID(), TaskID: task.ID, JobID: job.ID, AgentID: agentID, Status: model.InstanceDispatched}
	if err := db.CreateTaskInstance(ctx, inst); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return inst
}

func TestRebalanceMovesInstancesOffOfflineAgent(t *testing.T) {
	ctx := context.Background()
	db := store.NewMemory()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	lb := New(db, log)

	if err := db.UpsertAgent(ctx, &model.Agent{AgentID: "agent-offline", Status: model.AgentOffline}); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	inst := seedDispatchedInstance(t, db, "agent-offline")

	moved, err := lb.RebalanceIfNeeded(ctx)
	if err != nil {
		t.Fatalf("RebalanceIfNeeded: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 instance moved, got %d", moved)
	}

	got, err := db.FindTaskInstanceByID(ctx, inst.ID)
	if err != nil {
		t.Fatalf("FindTaskInstanceByID: %v", err)
	}
	if got.Status != model.InstancePending || got.AgentID != "" {
		t.Fatalf("expected instance reset to Pending/no agent, got status=%q agent=%q", got.Status, got.AgentID)
	}
}

func TestRebalanceLeavesHealthyAgentsAlone(t *testing.T) {
	ctx := context.Background()
	db := store.NewMemory()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	lb := New(db, log)

	if err := db.UpsertAgent(ctx, &model.Agent{AgentID: "agent-online", Status: model.AgentOnline}); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	inst := seedDispatchedInstance(t, db, "agent-online")

	moved, err := lb.RebalanceIfNeeded(ctx)
	if err != nil {
		t.Fatalf("RebalanceIfNeeded: %v", err)
	}
	if moved != 0 {
		t.Fatalf("expected 0 instances moved for a single balanced agent, got %d", moved)
	}

	got, err := db.FindTaskInstanceByID(ctx, inst.ID)
	if err != nil {
		t.Fatalf("FindTaskInstanceByID: %v", err)
	}
	if got.Status != model.InstanceDispatched {
		t.Fatalf("expected instance to remain Dispatched, got %q", got.Status)
	}
}
