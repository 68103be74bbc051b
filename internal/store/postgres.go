package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/google/uuid"
	"github.com/hetuflow/hetuflow/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Postgres is the durable Gateway backend: jobs, schedules, tasks, task
// instances, agents and the durable leader epochs live in one database (the
// leader lease itself lives in Redis), grounded on the teacher's pooled pgx
// usage.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a pool and verifies connectivity before returning.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 32
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Migrate applies the embedded schema. It is idempotent (every statement is
// IF NOT EXISTS) so it's safe to call on every process start, the same
// "ensure schema, don't version it" posture the teacher's pack sibling
// jordigilh-kubernaut takes with its own embedded migration set, simplified
// here since hetuflow ships a single schema generation rather than a
// migration chain.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) Close() { p.pool.Close() }

// execer is satisfied by both *pgxpool.Pool and pgx.Tx, so the same
// per-entity write logic runs identically whether or not it's wrapped in an
// explicit transaction (spec.md §4.6 step 4, §4.8 "single transaction per
// event" — the Postgres methods below are the plain-pool path, pgxTx's
// methods the transactional one, both calling into the same helpers).
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgxTx adapts a pgx.Tx to the Gateway's Tx handle.
type pgxTx struct{ tx pgx.Tx }

func (t *pgxTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgxTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func (t *pgxTx) CreateTask(ctx context.Context, task *model.Task) error {
	return createTask(ctx, t.tx, task)
}

func (t *pgxTx) CreateTaskInstance(ctx context.Context, ti *model.TaskInstance) error {
	return createTaskInstance(ctx, t.tx, ti)
}

func (t *pgxTx) UpsertAgent(ctx context.Context, a *model.Agent) error {
	return upsertAgent(ctx, t.tx, a)
}

func (t *pgxTx) CASTransitionInstance(ctx context.Context, id uuid.UUID, fromStatus model.InstanceStatus, patch Patch) (bool, error) {
	return casTransitionInstance(ctx, t.tx, id, fromStatus, patch)
}

func (p *Postgres) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, Transport(err)
	}
	return &pgxTx{tx: tx}, nil
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

// --- Jobs ---

func (p *Postgres) CreateJob(ctx context.Context, j *model.Job) error {
	env, err := marshalJSON(j.Environment)
	if err != nil {
		return InvalidArgument(err)
	}
	cfg, err := marshalJSON(j.Config)
	if err != nil {
		return InvalidArgument(err)
	}
	const q = `
		INSERT INTO jobs (id, namespace, name, command, environment, config, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`
	_, err = p.pool.Exec(ctx, q, j.ID, j.Namespace, j.Name, j.Command, env, cfg, j.Enabled)
	if err != nil {
		return classifyExecErr("jobs", err)
	}
	return nil
}

func (p *Postgres) UpdateJobByID(ctx context.Context, id uuid.UUID, patch Patch) error {
	if len(patch.Fields) == 0 {
		return nil
	}
	set, args := buildSet(patch, 0)
	args = append(args, id)
	q := fmt.Sprintf(`UPDATE jobs SET %s, updated_at = NOW() WHERE id = $%d AND deleted_at IS NULL`, set, len(args))
	tag, err := p.pool.Exec(ctx, q, args...)
	if err != nil {
		return classifyExecErr("jobs", err)
	}
	if tag.RowsAffected() == 0 {
		return NotFound("jobs")
	}
	return nil
}

// UpdateJobs applies patch to every job matching filter, spec.md §4.1's
// update(filter, patch).
func (p *Postgres) UpdateJobs(ctx context.Context, filter Filter, patch Patch) (int, error) {
	if len(patch.Fields) == 0 {
		return 0, nil
	}
	set, args := buildSet(patch, 0)
	where, wargs := buildWhereTombstoned(filter, len(args))
	args = append(args, wargs...)
	q := fmt.Sprintf(`UPDATE jobs SET %s, updated_at = NOW()%s`, set, where)
	tag, err := p.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, classifyExecErr("jobs", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteJobByID writes a tombstone rather than removing the row, so tasks a
// deleted job already spawned keep a resolvable job_id (spec.md §4.1).
func (p *Postgres) DeleteJobByID(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE jobs SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`
	tag, err := p.pool.Exec(ctx, q, id)
	if err != nil {
		return classifyExecErr("jobs", err)
	}
	if tag.RowsAffected() == 0 {
		return NotFound("jobs")
	}
	return nil
}

func (p *Postgres) FindJobByID(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	const q = `SELECT id, namespace, name, command, environment, config, enabled, created_at, updated_at
		FROM jobs WHERE id = $1 AND deleted_at IS NULL`
	var j model.Job
	var env, cfg []byte
	err := p.pool.QueryRow(ctx, q, id).Scan(&j.ID, &j.Namespace, &j.Name, &j.Command, &env, &cfg, &j.Enabled, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, NotFound("jobs")
	}
	if err != nil {
		return nil, classifyExecErr("jobs", err)
	}
	_ = json.Unmarshal(env, &j.Environment)
	_ = json.Unmarshal(cfg, &j.Config)
	return &j, nil
}

func (p *Postgres) FindJobs(ctx context.Context, filter Filter, page Page) ([]*model.Job, error) {
	where, wargs := buildWhereTombstoned(filter, 0)
	pageClause, pargs := buildPage(page, len(wargs))
	q := `SELECT id, namespace, name, command, environment, config, enabled, created_at, updated_at FROM jobs` + where + pageClause
	rows, err := p.pool.Query(ctx, q, append(wargs, pargs...)...)
	if err != nil {
		return nil, classifyExecErr("jobs", err)
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		var j model.Job
		var env, cfg []byte
		if err := rows.Scan(&j.ID, &j.Namespace, &j.Name, &j.Command, &env, &cfg, &j.Enabled, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, classifyExecErr("jobs", err)
		}
		_ = json.Unmarshal(env, &j.Environment)
		_ = json.Unmarshal(cfg, &j.Config)
		out = append(out, &j)
	}
	return out, rows.Err()
}

func (p *Postgres) CountJobs(ctx context.Context, filter Filter) (int, error) {
	where, wargs := buildWhereTombstoned(filter, 0)
	q := `SELECT COUNT(*) FROM jobs` + where
	var n int
	if err := p.pool.QueryRow(ctx, q, wargs...).Scan(&n); err != nil {
		return 0, classifyExecErr("jobs", err)
	}
	return n, nil
}

// InsertJobsMany batches the same insert CreateJob issues one-by-one,
// spec.md §4.1's insert_many.
func (p *Postgres) InsertJobsMany(ctx context.Context, jobs []*model.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, j := range jobs {
		env, err := marshalJSON(j.Environment)
		if err != nil {
			return InvalidArgument(err)
		}
		cfg, err := marshalJSON(j.Config)
		if err != nil {
			return InvalidArgument(err)
		}
		batch.Queue(`
			INSERT INTO jobs (id, namespace, name, command, environment, config, enabled, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`, j.ID, j.Namespace, j.Name, j.Command, env, cfg, j.Enabled)
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range jobs {
		if _, err := br.Exec(); err != nil {
			return classifyExecErr("jobs", err)
		}
	}
	return nil
}

// --- Schedules ---

func (p *Postgres) CreateSchedule(ctx context.Context, s *model.Schedule) error {
	const q = `
		INSERT INTO schedules (id, job_id, kind, cron_expression, interval_secs, start_time, end_time, max_count, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())`
	_, err := p.pool.Exec(ctx, q, s.ID, s.JobID, s.Kind, s.CronExpression, s.IntervalSecs, s.StartTime, s.EndTime, s.MaxCount, s.Status)
	if err != nil {
		return classifyExecErr("schedules", err)
	}
	return nil
}

func (p *Postgres) UpdateScheduleByID(ctx context.Context, id uuid.UUID, patch Patch) error {
	if len(patch.Fields) == 0 {
		return nil
	}
	set, args := buildSet(patch, 0)
	args = append(args, id)
	q := fmt.Sprintf(`UPDATE schedules SET %s, updated_at = NOW() WHERE id = $%d AND deleted_at IS NULL`, set, len(args))
	tag, err := p.pool.Exec(ctx, q, args...)
	if err != nil {
		return classifyExecErr("schedules", err)
	}
	if tag.RowsAffected() == 0 {
		return NotFound("schedules")
	}
	return nil
}

// UpdateSchedules applies patch to every schedule matching filter, spec.md
// §4.1's update(filter, patch).
func (p *Postgres) UpdateSchedules(ctx context.Context, filter Filter, patch Patch) (int, error) {
	if len(patch.Fields) == 0 {
		return 0, nil
	}
	set, args := buildSet(patch, 0)
	where, wargs := buildWhereTombstoned(filter, len(args))
	args = append(args, wargs...)
	q := fmt.Sprintf(`UPDATE schedules SET %s, updated_at = NOW()%s`, set, where)
	tag, err := p.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, classifyExecErr("schedules", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteScheduleByID writes a tombstone so tasks it already materialized
// keep a resolvable schedule_id (spec.md §4.1).
func (p *Postgres) DeleteScheduleByID(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE schedules SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`
	tag, err := p.pool.Exec(ctx, q, id)
	if err != nil {
		return classifyExecErr("schedules", err)
	}
	if tag.RowsAffected() == 0 {
		return NotFound("schedules")
	}
	return nil
}

func (p *Postgres) FindScheduleByID(ctx context.Context, id uuid.UUID) (*model.Schedule, error) {
	const q = `SELECT id, job_id, kind, cron_expression, interval_secs, start_time, end_time, max_count, status, created_at, updated_at
		FROM schedules WHERE id = $1 AND deleted_at IS NULL`
	var s model.Schedule
	err := p.pool.QueryRow(ctx, q, id).Scan(&s.ID, &s.JobID, &s.Kind, &s.CronExpression, &s.IntervalSecs, &s.StartTime, &s.EndTime, &s.MaxCount, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, NotFound("schedules")
	}
	if err != nil {
		return nil, classifyExecErr("schedules", err)
	}
	return &s, nil
}

func (p *Postgres) FindSchedules(ctx context.Context, filter Filter, page Page) ([]*model.Schedule, error) {
	where, wargs := buildWhereTombstoned(filter, 0)
	pageClause, pargs := buildPage(page, len(wargs))
	q := `SELECT id, job_id, kind, cron_expression, interval_secs, start_time, end_time, max_count, status, created_at, updated_at FROM schedules` + where + pageClause
	rows, err := p.pool.Query(ctx, q, append(wargs, pargs...)...)
	if err != nil {
		return nil, classifyExecErr("schedules", err)
	}
	defer rows.Close()

	var out []*model.Schedule
	for rows.Next() {
		var s model.Schedule
		if err := rows.Scan(&s.ID, &s.JobID, &s.Kind, &s.CronExpression, &s.IntervalSecs, &s.StartTime, &s.EndTime, &s.MaxCount, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, classifyExecErr("schedules", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (p *Postgres) CountSchedules(ctx context.Context, filter Filter) (int, error) {
	where, wargs := buildWhereTombstoned(filter, 0)
	q := `SELECT COUNT(*) FROM schedules` + where
	var n int
	if err := p.pool.QueryRow(ctx, q, wargs...).Scan(&n); err != nil {
		return 0, classifyExecErr("schedules", err)
	}
	return n, nil
}

// InsertSchedulesMany batches the same insert CreateSchedule issues
// one-by-one, spec.md §4.1's insert_many.
func (p *Postgres) InsertSchedulesMany(ctx context.Context, schedules []*model.Schedule) error {
	if len(schedules) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, s := range schedules {
		batch.Queue(`
			INSERT INTO schedules (id, job_id, kind, cron_expression, interval_secs, start_time, end_time, max_count, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())`,
			s.ID, s.JobID, s.Kind, s.CronExpression, s.IntervalSecs, s.StartTime, s.EndTime, s.MaxCount, s.Status)
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range schedules {
		if _, err := br.Exec(); err != nil {
			return classifyExecErr("schedules", err)
		}
	}
	return nil
}

// --- Tasks ---

func (p *Postgres) CreateTask(ctx context.Context, t *model.Task) error {
	return createTask(ctx, p.pool, t)
}

// InsertTasksMany batches the same insert CreateTask issues one-by-one,
// spec.md §4.1's insert_many.
func (p *Postgres) InsertTasksMany(ctx context.Context, tasks []*model.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range tasks {
		params, err := marshalJSON(t.Parameters)
		if err != nil {
			return InvalidArgument(err)
		}
		cfg, err := marshalJSON(t.Config)
		if err != nil {
			return InvalidArgument(err)
		}
		deps, err := marshalJSON(t.Dependencies)
		if err != nil {
			return InvalidArgument(err)
		}
		batch.Queue(`
			INSERT INTO tasks (id, job_id, schedule_id, scheduled_at, priority, status, retry_count, parameters, config, dependencies, namespace, kind, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())`,
			t.ID, t.JobID, t.ScheduleID, t.ScheduledAt, t.Priority, t.Status, t.RetryCount, params, cfg, deps, t.Namespace, t.Kind)
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range tasks {
		if _, err := br.Exec(); err != nil {
			return classifyExecErr("tasks", err)
		}
	}
	return nil
}

func createTask(ctx context.Context, ex execer, t *model.Task) error {
	params, err := marshalJSON(t.Parameters)
	if err != nil {
		return InvalidArgument(err)
	}
	cfg, err := marshalJSON(t.Config)
	if err != nil {
		return InvalidArgument(err)
	}
	deps, err := marshalJSON(t.Dependencies)
	if err != nil {
		return InvalidArgument(err)
	}
	const q = `
		INSERT INTO tasks (id, job_id, schedule_id, scheduled_at, priority, status, retry_count, parameters, config, dependencies, namespace, kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())`
	_, err = ex.Exec(ctx, q, t.ID, t.JobID, t.ScheduleID, t.ScheduledAt, t.Priority, t.Status, t.RetryCount, params, cfg, deps, t.Namespace, t.Kind)
	if err != nil {
		return classifyExecErr("tasks", err)
	}
	return nil
}

// DeleteTaskByID is a hard delete: tasks are append-only execution history
// with no tombstone column (see DESIGN.md).
func (p *Postgres) DeleteTaskByID(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return classifyExecErr("tasks", err)
	}
	if tag.RowsAffected() == 0 {
		return NotFound("tasks")
	}
	return nil
}

// UpdateTasks applies patch to every task matching filter, spec.md §4.1's
// update(filter, patch).
func (p *Postgres) UpdateTasks(ctx context.Context, filter Filter, patch Patch) (int, error) {
	if len(patch.Fields) == 0 {
		return 0, nil
	}
	set, args := buildSet(patch, 0)
	where, wargs := buildWhere(filter, len(args))
	args = append(args, wargs...)
	q := fmt.Sprintf(`UPDATE tasks SET %s%s`, set, where)
	tag, err := p.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, classifyExecErr("tasks", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) FindTaskByDedupKey(ctx context.Context, scheduleID uuid.UUID, scheduledAt time.Time) (*model.Task, error) {
	const q = `SELECT id, job_id, schedule_id, scheduled_at, priority, status, retry_count, parameters, config, dependencies, namespace, kind, created_at
		FROM tasks WHERE schedule_id = $1 AND scheduled_at = $2`
	return p.scanOneTask(p.pool.QueryRow(ctx, q, scheduleID, scheduledAt))
}

func (p *Postgres) UpdateTaskByID(ctx context.Context, id uuid.UUID, patch Patch) error {
	if len(patch.Fields) == 0 {
		return nil
	}
	set, args := buildSet(patch, 0)
	args = append(args, id)
	q := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = $%d`, set, len(args))
	tag, err := p.pool.Exec(ctx, q, args...)
	if err != nil {
		return classifyExecErr("tasks", err)
	}
	if tag.RowsAffected() == 0 {
		return NotFound("tasks")
	}
	return nil
}

func (p *Postgres) FindTaskByID(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	const q = `SELECT id, job_id, schedule_id, scheduled_at, priority, status, retry_count, parameters, config, dependencies, namespace, kind, created_at
		FROM tasks WHERE id = $1`
	return p.scanOneTask(p.pool.QueryRow(ctx, q, id))
}

func (p *Postgres) scanOneTask(row pgx.Row) (*model.Task, error) {
	var t model.Task
	var params, cfg, deps []byte
	err := row.Scan(&t.ID, &t.JobID, &t.ScheduleID, &t.ScheduledAt, &t.Priority, &t.Status, &t.RetryCount, &params, &cfg, &deps, &t.Namespace, &t.Kind, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, NotFound("tasks")
	}
	if err != nil {
		return nil, classifyExecErr("tasks", err)
	}
	_ = json.Unmarshal(params, &t.Parameters)
	_ = json.Unmarshal(cfg, &t.Config)
	_ = json.Unmarshal(deps, &t.Dependencies)
	return &t, nil
}

func (p *Postgres) FindTasks(ctx context.Context, filter Filter, page Page) ([]*model.Task, error) {
	where, wargs := buildWhere(filter, 0)
	pageClause, pargs := buildPage(page, len(wargs))
	q := `SELECT id, job_id, schedule_id, scheduled_at, priority, status, retry_count, parameters, config, dependencies, namespace, kind, created_at FROM tasks` + where + pageClause
	rows, err := p.pool.Query(ctx, q, append(wargs, pargs...)...)
	if err != nil {
		return nil, classifyExecErr("tasks", err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		var t model.Task
		var params, cfg, deps []byte
		if err := rows.Scan(&t.ID, &t.JobID, &t.ScheduleID, &t.ScheduledAt, &t.Priority, &t.Status, &t.RetryCount, &params, &cfg, &deps, &t.Namespace, &t.Kind, &t.CreatedAt); err != nil {
			return nil, classifyExecErr("tasks", err)
		}
		_ = json.Unmarshal(params, &t.Parameters)
		_ = json.Unmarshal(cfg, &t.Config)
		_ = json.Unmarshal(deps, &t.Dependencies)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (p *Postgres) CountTasks(ctx context.Context, filter Filter) (int, error) {
	where, wargs := buildWhere(filter, 0)
	q := `SELECT COUNT(*) FROM tasks` + where
	var n int
	if err := p.pool.QueryRow(ctx, q, wargs...).Scan(&n); err != nil {
		return 0, classifyExecErr("tasks", err)
	}
	return n, nil
}

// --- Task instances ---

func (p *Postgres) CreateTaskInstance(ctx context.Context, ti *model.TaskInstance) error {
	return createTaskInstance(ctx, p.pool, ti)
}

// InsertTaskInstancesMany batches the same insert CreateTaskInstance issues
// one-by-one, spec.md §4.1's insert_many.
func (p *Postgres) InsertTaskInstancesMany(ctx context.Context, instances []*model.TaskInstance) error {
	if len(instances) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ti := range instances {
		metrics, err := marshalJSON(ti.Metrics)
		if err != nil {
			return InvalidArgument(err)
		}
		batch.Queue(`
			INSERT INTO task_instances (id, task_id, job_id, agent_id, status, started_at, completed_at, output, error_message, metrics, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())`,
			ti.ID, ti.TaskID, ti.JobID, nullableStr(ti.AgentID), ti.Status, ti.StartedAt, ti.CompletedAt, ti.Output, ti.ErrorMessage, metrics)
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range instances {
		if _, err := br.Exec(); err != nil {
			return classifyExecErr("task_instances", err)
		}
	}
	return nil
}

func createTaskInstance(ctx context.Context, ex execer, ti *model.TaskInstance) error {
	metrics, err := marshalJSON(ti.Metrics)
	if err != nil {
		return InvalidArgument(err)
	}
	const q = `
		INSERT INTO task_instances (id, task_id, job_id, agent_id, status, started_at, completed_at, output, error_message, metrics, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())`
	_, err = ex.Exec(ctx, q, ti.ID, ti.TaskID, ti.JobID, nullableStr(ti.AgentID), ti.Status, ti.StartedAt, ti.CompletedAt, ti.Output, ti.ErrorMessage, metrics)
	if err != nil {
		return classifyExecErr("task_instances", err)
	}
	return nil
}

// DeleteTaskInstanceByID is a hard delete: instances are execution history
// with no tombstone column (see DESIGN.md).
func (p *Postgres) DeleteTaskInstanceByID(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM task_instances WHERE id = $1`, id)
	if err != nil {
		return classifyExecErr("task_instances", err)
	}
	if tag.RowsAffected() == 0 {
		return NotFound("task_instances")
	}
	return nil
}

// UpdateTaskInstances applies patch to every instance matching filter,
// spec.md §4.1's update(filter, patch).
func (p *Postgres) UpdateTaskInstances(ctx context.Context, filter Filter, patch Patch) (int, error) {
	if len(patch.Fields) == 0 {
		return 0, nil
	}
	set, args := buildSet(patch, 0)
	where, wargs := buildWhere(filter, len(args))
	args = append(args, wargs...)
	q := fmt.Sprintf(`UPDATE task_instances SET %s, updated_at = NOW()%s`, set, where)
	tag, err := p.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, classifyExecErr("task_instances", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) CountTaskInstances(ctx context.Context, filter Filter) (int, error) {
	where, wargs := buildWhere(filter, 0)
	q := `SELECT COUNT(*) FROM task_instances` + where
	var n int
	if err := p.pool.QueryRow(ctx, q, wargs...).Scan(&n); err != nil {
		return 0, classifyExecErr("task_instances", err)
	}
	return n, nil
}

func (p *Postgres) UpdateTaskInstanceByID(ctx context.Context, id uuid.UUID, patch Patch) error {
	if len(patch.Fields) == 0 {
		return nil
	}
	set, args := buildSet(patch, 0)
	args = append(args, id)
	q := fmt.Sprintf(`UPDATE task_instances SET %s, updated_at = NOW() WHERE id = $%d`, set, len(args))
	tag, err := p.pool.Exec(ctx, q, args...)
	if err != nil {
		return classifyExecErr("task_instances", err)
	}
	if tag.RowsAffected() == 0 {
		return NotFound("task_instances")
	}
	return nil
}

func (p *Postgres) FindTaskInstanceByID(ctx context.Context, id uuid.UUID) (*model.TaskInstance, error) {
	const q = `SELECT id, task_id, job_id, agent_id, status, started_at, completed_at, output, error_message, metrics, created_at, updated_at
		FROM task_instances WHERE id = $1`
	return p.scanOneInstance(p.pool.QueryRow(ctx, q, id))
}

func (p *Postgres) scanOneInstance(row pgx.Row) (*model.TaskInstance, error) {
	var ti model.TaskInstance
	var agentID *string
	var metrics []byte
	err := row.Scan(&ti.ID, &ti.TaskID, &ti.JobID, &agentID, &ti.Status, &ti.StartedAt, &ti.CompletedAt, &ti.Output, &ti.ErrorMessage, &metrics, &ti.CreatedAt, &ti.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, NotFound("task_instances")
	}
	if err != nil {
		return nil, classifyExecErr("task_instances", err)
	}
	if agentID != nil {
		ti.AgentID = *agentID
	}
	if len(metrics) > 0 && string(metrics) != "null" {
		ti.Metrics = &model.InstanceMetrics{}
		_ = json.Unmarshal(metrics, ti.Metrics)
	}
	return &ti, nil
}

func (p *Postgres) FindTaskInstances(ctx context.Context, filter Filter, page Page) ([]*model.TaskInstance, error) {
	where, wargs := buildWhere(filter, 0)
	pageClause, pargs := buildPage(page, len(wargs))
	q := `SELECT id, task_id, job_id, agent_id, status, started_at, completed_at, output, error_message, metrics, created_at, updated_at FROM task_instances` + where + pageClause
	rows, err := p.pool.Query(ctx, q, append(wargs, pargs...)...)
	if err != nil {
		return nil, classifyExecErr("task_instances", err)
	}
	defer rows.Close()

	var out []*model.TaskInstance
	for rows.Next() {
		ti, err := p.scanOneInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

// DispatchCandidates implements the ordering spec.md §4.7 requires:
// priority DESC, scheduled_at ASC, id ASC, joined against tasks for priority,
// namespace and label affinity. A task's config.labels is a node-selector:
// every key/value pair it names must be present in the polling agent's
// labels, so "$3::jsonb @> config->'labels'" (agent labels contain task
// labels) is the dispatch-eligibility predicate; a task with no labels
// matches any agent, since jsonb containment of '{}' is always true.
func (p *Postgres) DispatchCandidates(ctx context.Context, namespace string, labels map[string]string, limit int) ([]*model.TaskInstance, error) {
	labelsJSON, err := marshalJSON(labels)
	if err != nil {
		return nil, InvalidArgument(err)
	}
	const q = `
		SELECT ti.id, ti.task_id, ti.job_id, ti.agent_id, ti.status, ti.started_at, ti.completed_at, ti.output, ti.error_message, ti.metrics, ti.created_at, ti.updated_at
		FROM task_instances ti
		JOIN tasks t ON t.id = ti.task_id
		WHERE ti.status = $1 AND t.namespace = $2 AND $3::jsonb @> COALESCE(t.config->'labels', '{}'::jsonb)
		ORDER BY t.priority DESC, t.scheduled_at ASC, ti.id ASC
		LIMIT $4`
	rows, err := p.pool.Query(ctx, q, model.InstancePending, namespace, labelsJSON, limit)
	if err != nil {
		return nil, classifyExecErr("task_instances", err)
	}
	defer rows.Close()

	var out []*model.TaskInstance
	for rows.Next() {
		ti, err := p.scanOneInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

// CASTransitionInstance is a single guarded UPDATE: it only moves rows still
// in fromStatus, so two dispatchers racing on the same instance leave exactly
// one winner (spec.md §4.7 step 3, §8 double-dispatch property).
func (p *Postgres) CASTransitionInstance(ctx context.Context, id uuid.UUID, fromStatus model.InstanceStatus, patch Patch) (bool, error) {
	return casTransitionInstance(ctx, p.pool, id, fromStatus, patch)
}

func casTransitionInstance(ctx context.Context, ex execer, id uuid.UUID, fromStatus model.InstanceStatus, patch Patch) (bool, error) {
	set, args := buildSet(patch, 0)
	args = append(args, id, fromStatus)
	q := fmt.Sprintf(`UPDATE task_instances SET %s, updated_at = NOW() WHERE id = $%d AND status = $%d`, set, len(args)-1, len(args))
	tag, err := ex.Exec(ctx, q, args...)
	if err != nil {
		return false, classifyExecErr("task_instances", err)
	}
	return tag.RowsAffected() > 0, nil
}

// --- Agents ---

func (p *Postgres) UpsertAgent(ctx context.Context, a *model.Agent) error {
	return upsertAgent(ctx, p.pool, a)
}

// upsertAgent clears any prior tombstone on conflict: an agent that re-joins
// after having been administratively deleted is active again, not a ghost.
func upsertAgent(ctx context.Context, ex execer, a *model.Agent) error {
	labels, err := marshalJSON(a.Labels)
	if err != nil {
		return InvalidArgument(err)
	}
	reliability, err := marshalJSON(a.Reliability)
	if err != nil {
		return InvalidArgument(err)
	}
	const q = `
		INSERT INTO agents (agent_id, namespace, address, labels, capacity_hint, last_heartbeat, status, reliability, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (agent_id) DO UPDATE SET
			namespace = EXCLUDED.namespace,
			address = EXCLUDED.address,
			labels = EXCLUDED.labels,
			capacity_hint = EXCLUDED.capacity_hint,
			last_heartbeat = EXCLUDED.last_heartbeat,
			status = EXCLUDED.status,
			reliability = EXCLUDED.reliability,
			updated_at = NOW(),
			deleted_at = NULL`
	_, err = ex.Exec(ctx, q, a.AgentID, a.Namespace, a.Address, labels, a.CapacityHint, a.LastHeartbeat, a.Status, reliability)
	if err != nil {
		return classifyExecErr("agents", err)
	}
	return nil
}

// UpdateAgents applies patch to every agent matching filter, spec.md §4.1's
// update(filter, patch).
func (p *Postgres) UpdateAgents(ctx context.Context, filter Filter, patch Patch) (int, error) {
	if len(patch.Fields) == 0 {
		return 0, nil
	}
	set, args := buildSet(patch, 0)
	where, wargs := buildWhereTombstoned(filter, len(args))
	args = append(args, wargs...)
	q := fmt.Sprintf(`UPDATE agents SET %s, updated_at = NOW()%s`, set, where)
	tag, err := p.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, classifyExecErr("agents", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteAgentByID writes a tombstone so an agent's historical task instances
// still resolve to a known agent_id (spec.md §4.1).
func (p *Postgres) DeleteAgentByID(ctx context.Context, agentID string) error {
	const q = `UPDATE agents SET deleted_at = NOW(), updated_at = NOW() WHERE agent_id = $1 AND deleted_at IS NULL`
	tag, err := p.pool.Exec(ctx, q, agentID)
	if err != nil {
		return classifyExecErr("agents", err)
	}
	if tag.RowsAffected() == 0 {
		return NotFound("agents")
	}
	return nil
}

func (p *Postgres) FindAgentByID(ctx context.Context, agentID string) (*model.Agent, error) {
	const q = `SELECT agent_id, namespace, address, labels, capacity_hint, last_heartbeat, status, reliability, created_at, updated_at
		FROM agents WHERE agent_id = $1 AND deleted_at IS NULL`
	return p.scanOneAgent(p.pool.QueryRow(ctx, q, agentID))
}

func (p *Postgres) scanOneAgent(row pgx.Row) (*model.Agent, error) {
	var a model.Agent
	var labels, reliability []byte
	err := row.Scan(&a.AgentID, &a.Namespace, &a.Address, &labels, &a.CapacityHint, &a.LastHeartbeat, &a.Status, &reliability, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, NotFound("agents")
	}
	if err != nil {
		return nil, classifyExecErr("agents", err)
	}
	_ = json.Unmarshal(labels, &a.Labels)
	_ = json.Unmarshal(reliability, &a.Reliability)
	return &a, nil
}

func (p *Postgres) FindAgents(ctx context.Context, filter Filter, page Page) ([]*model.Agent, error) {
	where, wargs := buildWhereTombstoned(filter, 0)
	pageClause, pargs := buildPage(page, len(wargs))
	q := `SELECT agent_id, namespace, address, labels, capacity_hint, last_heartbeat, status, reliability, created_at, updated_at FROM agents` + where + pageClause
	rows, err := p.pool.Query(ctx, q, append(wargs, pargs...)...)
	if err != nil {
		return nil, classifyExecErr("agents", err)
	}
	defer rows.Close()

	var out []*model.Agent
	for rows.Next() {
		a, err := p.scanOneAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) CountAgents(ctx context.Context, filter Filter) (int, error) {
	where, wargs := buildWhereTombstoned(filter, 0)
	q := `SELECT COUNT(*) FROM agents` + where
	var n int
	if err := p.pool.QueryRow(ctx, q, wargs...).Scan(&n); err != nil {
		return 0, classifyExecErr("agents", err)
	}
	return n, nil
}

// --- Durable fencing epoch ---

// IncrementDurableEpoch is an atomic UPSERT-increment: the fencing token
// survives a Redis flush because it never lives there, grounded on
// coordination/leader.go's IncrementDurableEpoch("leader_election").
func (p *Postgres) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	const q = `
		INSERT INTO leader_epochs (resource_id, epoch)
		VALUES ($1, 1)
		ON CONFLICT (resource_id) DO UPDATE SET epoch = leader_epochs.epoch + 1
		RETURNING epoch`
	var epoch int64
	if err := p.pool.QueryRow(ctx, q, resourceID).Scan(&epoch); err != nil {
		return 0, classifyExecErr("leader_epochs", err)
	}
	return epoch, nil
}

func (p *Postgres) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	const q = `SELECT epoch FROM leader_epochs WHERE resource_id = $1`
	var epoch int64
	err := p.pool.QueryRow(ctx, q, resourceID).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classifyExecErr("leader_epochs", err)
	}
	return epoch, nil
}

func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func classifyExecErr(table string, err error) error {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) && pgErr.SQLState() == "23505" {
		return UniqueViolation(table, "")
	}
	return ExecuteFail(table, err)
}
