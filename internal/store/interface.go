package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hetuflow/hetuflow/internal/model"
)

// Entity is the interface storage-backed types implement. It exposes only
// TableName(); ids, create/update fields and filtering are handled by the
// per-entity Gateway methods rather than through this interface.
type Entity interface {
	TableName() string
}

// Tx is a transactional handle. Every Begin opens an independent handle;
// Begin calls are not nested or reference-counted, and each handle's own
// Commit/Rollback ends it. It also exposes the subset of Gateway's write operations that actually
// need multi-statement atomicity (spec.md §4.6 step 4, §4.8): scoped calls
// run inside the transaction instead of against the bare pool/map.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	CreateTask(ctx context.Context, t *model.Task) error
	CreateTaskInstance(ctx context.Context, ti *model.TaskInstance) error
	UpsertAgent(ctx context.Context, a *model.Agent) error
	CASTransitionInstance(ctx context.Context, id uuid.UUID, fromStatus model.InstanceStatus, patch Patch) (bool, error)
}

// Gateway is the typed CRUD + query surface both backends (Postgres and
// memory) implement. Failure modes are the typed errors in errors.go.
type Gateway interface {
	Begin(ctx context.Context) (Tx, error)

	// Jobs. Jobs carry a tombstone (spec.md §4.1 "Logical deletion is a
	// per-table policy") since admin-managed definitions need to disappear
	// from listings without losing the audit trail of tasks they spawned.
	CreateJob(ctx context.Context, job *model.Job) error
	InsertJobsMany(ctx context.Context, jobs []*model.Job) error
	UpdateJobByID(ctx context.Context, id uuid.UUID, patch Patch) error
	UpdateJobs(ctx context.Context, filter Filter, patch Patch) (int, error)
	DeleteJobByID(ctx context.Context, id uuid.UUID) error
	FindJobByID(ctx context.Context, id uuid.UUID) (*model.Job, error)
	FindJobs(ctx context.Context, filter Filter, page Page) ([]*model.Job, error)
	CountJobs(ctx context.Context, filter Filter) (int, error)

	// Schedules. Tombstoned for the same reason as Jobs.
	CreateSchedule(ctx context.Context, s *model.Schedule) error
	InsertSchedulesMany(ctx context.Context, schedules []*model.Schedule) error
	UpdateScheduleByID(ctx context.Context, id uuid.UUID, patch Patch) error
	UpdateSchedules(ctx context.Context, filter Filter, patch Patch) (int, error)
	DeleteScheduleByID(ctx context.Context, id uuid.UUID) error
	FindScheduleByID(ctx context.Context, id uuid.UUID) (*model.Schedule, error)
	FindSchedules(ctx context.Context, filter Filter, page Page) ([]*model.Schedule, error)
	CountSchedules(ctx context.Context, filter Filter) (int, error)

	// Tasks. Append-only execution history: delete is a hard delete, there's
	// no tombstone column (see DESIGN.md).
	CreateTask(ctx context.Context, t *model.Task) error
	InsertTasksMany(ctx context.Context, tasks []*model.Task) error
	// FindTaskByDedupKey looks up a Task by (schedule_id, scheduled_at), the
	// dedup key that makes materialization idempotent (spec.md §3, §4.6).
	FindTaskByDedupKey(ctx context.Context, scheduleID uuid.UUID, scheduledAt time.Time) (*model.Task, error)
	UpdateTaskByID(ctx context.Context, id uuid.UUID, patch Patch) error
	UpdateTasks(ctx context.Context, filter Filter, patch Patch) (int, error)
	DeleteTaskByID(ctx context.Context, id uuid.UUID) error
	FindTaskByID(ctx context.Context, id uuid.UUID) (*model.Task, error)
	FindTasks(ctx context.Context, filter Filter, page Page) ([]*model.Task, error)
	CountTasks(ctx context.Context, filter Filter) (int, error)

	// Task instances. Same hard-delete posture as Tasks.
	CreateTaskInstance(ctx context.Context, ti *model.TaskInstance) error
	InsertTaskInstancesMany(ctx context.Context, instances []*model.TaskInstance) error
	UpdateTaskInstanceByID(ctx context.Context, id uuid.UUID, patch Patch) error
	UpdateTaskInstances(ctx context.Context, filter Filter, patch Patch) (int, error)
	DeleteTaskInstanceByID(ctx context.Context, id uuid.UUID) error
	FindTaskInstanceByID(ctx context.Context, id uuid.UUID) (*model.TaskInstance, error)
	FindTaskInstances(ctx context.Context, filter Filter, page Page) ([]*model.TaskInstance, error)
	CountTaskInstances(ctx context.Context, filter Filter) (int, error)
	// DispatchCandidates returns up to limit Pending instances ordered
	// (priority DESC, scheduled_at ASC, id ASC) for the given namespace whose
	// task's labels are satisfied by the polling agent's labels, the exact
	// ordering and selection spec.md §4.7 requires.
	DispatchCandidates(ctx context.Context, namespace string, labels map[string]string, limit int) ([]*model.TaskInstance, error)
	// CASTransitionInstance atomically transitions an instance from
	// fromStatus to the patch's status, guarded by fromStatus, returning
	// false (no error) if the row was already moved by another caller —
	// the double-dispatch guard spec.md §4.7 step 3 requires.
	CASTransitionInstance(ctx context.Context, id uuid.UUID, fromStatus model.InstanceStatus, patch Patch) (bool, error)

	// Agents. Tombstoned like Jobs/Schedules; no bulk insert since agents
	// only ever arrive one at a time over the Register handshake (see
	// DESIGN.md).
	UpsertAgent(ctx context.Context, a *model.Agent) error
	UpdateAgents(ctx context.Context, filter Filter, patch Patch) (int, error)
	DeleteAgentByID(ctx context.Context, agentID string) error
	FindAgentByID(ctx context.Context, agentID string) (*model.Agent, error)
	FindAgents(ctx context.Context, filter Filter, page Page) ([]*model.Agent, error)
	CountAgents(ctx context.Context, filter Filter) (int, error)

	// Durable fencing epoch backing internal/lock: the lease itself lives in
	// Redis, but the monotonic epoch survives a Redis flush because it lives
	// here (spec.md §4.2, grounded on coordination/leader.go's currentEpoch).
	IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error)
	GetDurableEpoch(ctx context.Context, resourceID string) (int64, error)

	Close()
}
