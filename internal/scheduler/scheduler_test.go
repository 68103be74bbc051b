package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hetuflow/hetuflow/internal/model"
	"github.com/hetuflow/hetuflow/internal/store"
)

func testScheduler(t *testing.T) (*Scheduler, store.Gateway) {
	t.Helper()
	db := store.NewMemory()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(db, log), db
}

func mustCreateJob(t *testing.T, db store.Gateway) *model.Job {
	t.Helper()
	job := &model.Job{
		ID:        model.NewID(),
		Namespace: "default",
		Name:      "nightly-export",
		Command:   "echo hi",
		Config:    model.JobConfig{MaxRetries: 2},
		Enabled:   true,
	}
	if err := db.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestGenerateTasksForWindowCron(t *testing.T) {
	sched, db := testScheduler(t)
	job := mustCreateJob(t, db)

	start := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	s := &model.Schedule{
		ID:             model.NewID(),
		JobID:          job.ID,
		Kind:           model.ScheduleCron,
		CronExpression: "*/15 * * * *",
		Status:         model.ScheduleActive,
		StartTime:      &start,
	}
	if err := db.CreateSchedule(context.Background(), s); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	from := start
	to := start.Add(1 * time.Hour)
	created, err := sched.GenerateTasksForWindow(context.Background(), from, to)
	if err != nil {
		t.Fatalf("GenerateTasksForWindow: %v", err)
	}
	if created != 4 {
		t.Fatalf("expected 4 occurrences (00:00, 00:15, 00:30, 00:45) in a 1h/15m window, got %d", created)
	}

	// Re-running the same window must be a no-op thanks to the dedup key.
	created, err = sched.GenerateTasksForWindow(context.Background(), from, to)
	if err != nil {
		t.Fatalf("GenerateTasksForWindow (second pass): %v", err)
	}
	if created != 0 {
		t.Fatalf("expected second materialization pass to create 0 tasks, got %d", created)
	}
}

func TestGenerateTasksForWindowInterval(t *testing.T) {
	sched, db := testScheduler(t)
	job := mustCreateJob(t, db)

	start := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	s := &model.Schedule{
		ID:           model.NewID(),
		JobID:        job.ID,
		Kind:         model.ScheduleInterval,
		IntervalSecs: 600,
		Status:       model.ScheduleActive,
		StartTime:    &start,
	}
	if err := db.CreateSchedule(context.Background(), s); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	created, err := sched.GenerateTasksForWindow(context.Background(), start, start.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("GenerateTasksForWindow: %v", err)
	}
	if created != 3 {
		t.Fatalf("expected 3 occurrences in a 30m/10m window, got %d", created)
	}
}

func TestGenerateTasksForWindowExpiresPastEndTime(t *testing.T) {
	sched, db := testScheduler(t)
	job := mustCreateJob(t, db)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	s := &model.Schedule{
		ID:             model.NewID(),
		JobID:          job.ID,
		Kind:           model.ScheduleCron,
		CronExpression: "0 * * * *",
		Status:         model.ScheduleActive,
		StartTime:      &start,
		EndTime:        &end,
	}
	if err := db.CreateSchedule(context.Background(), s); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	from := end.Add(time.Hour)
	to := from.Add(time.Hour)
	if _, err := sched.GenerateTasksForWindow(context.Background(), from, to); err != nil {
		t.Fatalf("GenerateTasksForWindow: %v", err)
	}

	got, err := db.FindScheduleByID(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("FindScheduleByID: %v", err)
	}
	if got.Status != model.ScheduleExpired {
		t.Fatalf("expected schedule to be expired, got %q", got.Status)
	}
}

func TestGenerateEventTask(t *testing.T) {
	sched, db := testScheduler(t)
	job := mustCreateJob(t, db)

	task, err := sched.GenerateEventTask(context.Background(), job.ID, map[string]any{"reason": "manual"}, 5)
	if err != nil {
		t.Fatalf("GenerateEventTask: %v", err)
	}
	if task.ScheduleID != nil {
		t.Fatalf("event task should have no parent schedule")
	}
	if task.Priority != 5 {
		t.Fatalf("expected priority 5, got %d", task.Priority)
	}

	instances, err := db.FindTaskInstances(context.Background(), store.And(store.Eq("task_id", task.ID)), store.Page{})
	if err != nil {
		t.Fatalf("FindTaskInstances: %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(instances))
	}
}

func TestGenerateRetryTasksRespectsMaxRetries(t *testing.T) {
	sched, db := testScheduler(t)
	job := mustCreateJob(t, db) // MaxRetries: 2

	exhausted := &model.Task{
		ID:         model.NewID(),
		JobID:      job.ID,
		Status:     model.TaskFailed,
		RetryCount: 2,
		Config:     job.Config,
	}
	retryable := &model.Task{
		ID:         model.NewID(),
		JobID:      job.ID,
		Status:     model.TaskFailed,
		RetryCount: 0,
		Config:     job.Config,
	}
	if err := db.CreateTask(context.Background(), exhausted); err != nil {
		t.Fatalf("create exhausted task: %v", err)
	}
	if err := db.CreateTask(context.Background(), retryable); err != nil {
		t.Fatalf("create retryable task: %v", err)
	}

	created, err := sched.GenerateRetryTasks(context.Background())
	if err != nil {
		t.Fatalf("GenerateRetryTasks: %v", err)
	}
	if created != 1 {
		t.Fatalf("expected exactly 1 retry task, got %d", created)
	}
}
