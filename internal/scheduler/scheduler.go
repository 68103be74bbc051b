// Package scheduler implements the Scheduler Service (C6): leader-only,
// serialized materialization of Task + initial TaskInstance rows from
// Schedule definitions (spec.md §4.6), grounded on
// original_source's scheduler_svc.rs generate_tasks_for_window algorithm —
// the teacher's own scheduler package only dequeues already-created work, it
// never materializes cron/interval occurrences.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/hetuflow/hetuflow/internal/model"
	"github.com/hetuflow/hetuflow/internal/observability"
	"github.com/hetuflow/hetuflow/internal/store"
)

// maxCronIterations bounds a single window's cron expansion, spec.md §4.6
// step 3's "iteration cap".
const maxCronIterations = 1000

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type Scheduler struct {
	db  store.Gateway
	log *slog.Logger
}

func New(db store.Gateway, log *slog.Logger) *Scheduler {
	return &Scheduler{db: db, log: log}
}

// GenerateTasksForWindow materializes occurrences for every schedulable
// Schedule whose next occurrence falls in [from, to), exactly spec.md §4.6.
func (s *Scheduler) GenerateTasksForWindow(ctx context.Context, from, to time.Time) (int, error) {
	schedules, err := s.db.FindSchedules(ctx, store.And(store.Eq("status", model.ScheduleActive)), store.Page{})
	if err != nil {
		return 0, fmt.Errorf("scheduler: load schedules: %w", err)
	}

	created := 0
	for _, sch := range schedules {
		if sch.EndTime != nil && !sch.EndTime.After(from) {
			if err := s.db.UpdateScheduleByID(ctx, sch.ID, store.NewPatch(map[string]any{"status": model.ScheduleExpired})); err != nil {
				s.log.Warn("scheduler: failed to expire schedule", "schedule_id", sch.ID, "error", err)
			}
			continue
		}

		occurrences, err := occurrencesInWindow(sch, from, to)
		if err != nil {
			s.log.Warn("scheduler: skipping schedule with invalid trigger", "schedule_id", sch.ID, "error", err)
			continue
		}

		for _, at := range occurrences {
			ok, err := s.materializeOccurrence(ctx, sch, at)
			if err != nil {
				s.log.Warn("scheduler: materialize occurrence failed", "schedule_id", sch.ID, "scheduled_at", at, "error", err)
				continue
			}
			if ok {
				created++
			}
		}
	}
	return created, nil
}

// occurrencesInWindow computes trigger times in [from, to) for Cron and
// Interval schedules; Event/Once are materialized on demand, never here.
func occurrencesInWindow(sch *model.Schedule, from, to time.Time) ([]time.Time, error) {
	switch sch.Kind {
	case model.ScheduleCron:
		return cronOccurrences(sch.CronExpression, from, to)
	case model.ScheduleInterval:
		return intervalOccurrences(sch, from, to)
	case model.ScheduleEvent, model.ScheduleOnce:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", sch.Kind)
	}
}

func cronOccurrences(expr string, from, to time.Time) ([]time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}

	var out []time.Time
	// Next returns times strictly after its argument; stepping back 1ns lets
	// an occurrence exactly at from count.
	next := from.Add(-time.Nanosecond)
	for i := 0; i < maxCronIterations; i++ {
		next = schedule.Next(next)
		if next.IsZero() || !next.Before(to) {
			break
		}
		out = append(out, next)
	}
	return out, nil
}

func intervalOccurrences(sch *model.Schedule, from, to time.Time) ([]time.Time, error) {
	if sch.StartTime == nil || sch.IntervalSecs <= 0 {
		return nil, fmt.Errorf("interval schedule missing start_time/interval_secs")
	}
	interval := time.Duration(sch.IntervalSecs) * time.Second

	// Skip to the first occurrence at or after from.
	first := 0
	if from.After(*sch.StartTime) {
		first = int((from.Sub(*sch.StartTime) + interval - 1) / interval)
	}

	var out []time.Time
	k := first
	for {
		at := sch.StartTime.Add(time.Duration(k) * interval)
		if !at.Before(to) {
			break
		}
		if sch.MaxCount != nil && k >= *sch.MaxCount {
			break
		}
		out = append(out, at)
		k++
		if k-first > maxCronIterations {
			break
		}
	}
	return out, nil
}

// materializeTaskAndInstance inserts task and its initial instance inside one
// transaction, so a failure partway through never leaves a Task orphaned
// without a TaskInstance (spec.md §4.6 step 4, grounded on
// original_source's scheduler_svc.rs begin_txn/commit_txn wrapping of the
// same pair).
func (s *Scheduler) materializeTaskAndInstance(ctx context.Context, task *model.Task, instance *model.TaskInstance) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if err := tx.CreateTaskInstance(ctx, instance); err != nil {
		return fmt.Errorf("create task instance: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// materializeOccurrence inserts the (Task, TaskInstance) pair if the dedup
// key (schedule_id, scheduled_at) doesn't already exist, making the whole
// window idempotent to re-runs (spec.md §4.6 "Determinism").
func (s *Scheduler) materializeOccurrence(ctx context.Context, sch *model.Schedule, at time.Time) (bool, error) {
	if _, err := s.db.FindTaskByDedupKey(ctx, sch.ID, at); err == nil {
		return false, nil
	}

	job, err := s.db.FindJobByID(ctx, sch.JobID)
	if err != nil {
		return false, fmt.Errorf("load job %s: %w", sch.JobID, err)
	}

	task := &model.Task{
		ID:          model.NewID(),
		JobID:       job.ID,
		ScheduleID:  &sch.ID,
		ScheduledAt: at,
		Priority:    0,
		Status:      model.TaskPending,
		Command:     job.Command,
		Environment: job.Environment,
		Config:      job.Config,
		Namespace:   job.Namespace,
		Kind:        sch.Kind,
	}
	instance := &model.TaskInstance{
		ID:     model.NewID(),
		TaskID: task.ID,
		JobID:  job.ID,
		Status: model.InstancePending,
	}
	if err := s.materializeTaskAndInstance(ctx, task, instance); err != nil {
		return false, err
	}
	observability.TasksMaterialized.WithLabelValues(string(sch.Kind)).Inc()
	return true, nil
}

// GenerateEventTask immediately materializes an Event-kind Task with no
// parent schedule, spec.md §4.6's generate_event_task.
func (s *Scheduler) GenerateEventTask(ctx context.Context, jobID uuid.UUID, parameters map[string]any, priority int32) (*model.Task, error) {
	job, err := s.db.FindJobByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}

	task := &model.Task{
		ID:          model.NewID(),
		JobID:       job.ID,
		ScheduleID:  nil,
		ScheduledAt: time.Now(),
		Priority:    priority,
		Status:      model.TaskPending,
		Command:     job.Command,
		Environment: job.Environment,
		Parameters:  parameters,
		Config:      job.Config,
		Namespace:   job.Namespace,
		Kind:        model.ScheduleEvent,
	}
	instance := &model.TaskInstance{ID: model.NewID(), TaskID: task.ID, JobID: job.ID, Status: model.InstancePending}
	if err := s.materializeTaskAndInstance(ctx, task, instance); err != nil {
		return nil, err
	}
	observability.TasksMaterialized.WithLabelValues(string(model.ScheduleEvent)).Inc()
	return task, nil
}

// GenerateRetryTasks re-materializes Failed tasks still under their job's
// retry budget, spec.md §4.6's generate_retry_tasks.
func (s *Scheduler) GenerateRetryTasks(ctx context.Context) (int, error) {
	failed, err := s.db.FindTasks(ctx, store.And(store.Eq("status", model.TaskFailed)), store.Page{})
	if err != nil {
		return 0, fmt.Errorf("scheduler: load failed tasks: %w", err)
	}

	created := 0
	for _, t := range failed {
		if t.RetryCount >= t.Config.MaxRetries {
			continue
		}
		job, err := s.db.FindJobByID(ctx, t.JobID)
		if err != nil {
			s.log.Warn("scheduler: retry load job failed", "task_id", t.ID, "error", err)
			continue
		}

		retry := &model.Task{
			ID:          model.NewID(),
			JobID:       job.ID,
			ScheduleID:  t.ScheduleID,
			ScheduledAt: time.Now(),
			Priority:    t.Priority,
			Status:      model.TaskPending,
			RetryCount:  t.RetryCount + 1,
			Command:     job.Command,
			Environment: job.Environment,
			Parameters:  t.Parameters,
			Config:      job.Config,
			Namespace:   job.Namespace,
			Kind:        model.ScheduleEvent,
		}
		instance := &model.TaskInstance{ID: model.NewID(), TaskID: retry.ID, JobID: job.ID, Status: model.InstancePending}
		if err := s.materializeTaskAndInstance(ctx, retry, instance); err != nil {
			s.log.Warn("scheduler: retry materialize failed", "task_id", t.ID, "error", err)
			continue
		}
		observability.TasksMaterialized.WithLabelValues("retry").Inc()
		created++
	}
	return created, nil
}
