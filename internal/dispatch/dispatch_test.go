package dispatch

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/hetuflow/hetuflow/internal/gateway"
	"github.com/hetuflow/hetuflow/internal/model"
	"github.com/hetuflow/hetuflow/internal/store"
)

func testDispatcher(t *testing.T) (*Dispatcher, store.Gateway) {
	t.Helper()
	db := store.NewMemory()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := gateway.NewHub(log)
	router := gateway.NewRouter(hub, nil, log)
	return New(db, router, log), db
}

func seedPendingInstance(t *testing.T, db store.Gateway, namespace string, priority int32) *model.TaskInstance {
	t.Helper()
	ctx := context.Background()
	job := &model.Job{ID: model.NewID(), Namespace: namespace, Name: "job", Command: "echo", Enabled: true}
	if err := db.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	task := &model.Task{ID: model.NewID(), JobID: job.ID, Namespace: namespace, Priority: priority, Status: model.TaskPending}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	inst := &model.TaskInstance{ID: model.NewID(), TaskID: task.ID, JobID: job.ID, Status: model.InstancePending}
	if err := db.CreateTaskInstance(ctx, inst); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return inst
}

func TestHandlePollWithNoSessionRevertsInstances(t *testing.T) {
	d, db := testDispatcher(t)
	ctx := context.Background()

	agent := &model.Agent{AgentID: "agent-1", Namespace: "default", Status: model.AgentOnline}
	if err := db.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	inst := seedPendingInstance(t, db, "default", 5)

	err := d.HandlePoll(ctx, "agent-1", gateway.TaskPollPayload{MaxTasks: 10})
	if err == nil {
		t.Fatalf("expected error dispatching with no live session")
	}

	got, err := db.FindTaskInstanceByID(ctx, inst.ID)
	if err != nil {
		t.Fatalf("FindTaskInstanceByID: %v", err)
	}
	if got.Status != model.InstancePending {
		t.Fatalf("expected instance reverted to Pending after send failure, got %q", got.Status)
	}
}

func TestHandlePollSkipsDrainingAgent(t *testing.T) {
	d, db := testDispatcher(t)
	ctx := context.Background()

	agent := &model.Agent{AgentID: "agent-2", Namespace: "default", Status: model.AgentDrain}
	if err := db.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	inst := seedPendingInstance(t, db, "default", 5)

	if err := d.HandlePoll(ctx, "agent-2", gateway.TaskPollPayload{MaxTasks: 10}); err != nil {
		t.Fatalf("HandlePoll: %v", err)
	}

	got, err := db.FindTaskInstanceByID(ctx, inst.ID)
	if err != nil {
		t.Fatalf("FindTaskInstanceByID: %v", err)
	}
	if got.Status != model.InstancePending {
		t.Fatalf("draining agent must not receive dispatches, got status %q", got.Status)
	}
}

func TestHandlePollNoCandidatesIsNotAnError(t *testing.T) {
	d, db := testDispatcher(t)
	ctx := context.Background()

	agent := &model.Agent{AgentID: "agent-3", Namespace: "default", Status: model.AgentOnline}
	if err := db.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}

	if err := d.HandlePoll(ctx, "agent-3", gateway.TaskPollPayload{MaxTasks: 10}); err != nil {
		t.Fatalf("HandlePoll with no candidates should not error: %v", err)
	}
}
