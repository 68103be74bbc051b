package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hetuflow/hetuflow/internal/model"
)

// Memory is an in-process Gateway used by tests and single-node dev runs.
// It trades CAS/index efficiency for simplicity, grounded on the teacher's
// map-backed store.
type Memory struct {
	mu        sync.RWMutex
	jobs      map[uuid.UUID]*model.Job
	schedules map[uuid.UUID]*model.Schedule
	tasks     map[uuid.UUID]*model.Task
	instances map[uuid.UUID]*model.TaskInstance
	agents    map[string]*model.Agent
	epochs    map[string]int64

	// Tombstone sets for the entities spec.md §4.1 gives logical deletion
	// (Jobs/Schedules/Agents). A row present in the map is invisible to every
	// find/count/update but still addressable by id, the same effect the
	// Postgres backend gets from a deleted_at column.
	jobsDeleted      map[uuid.UUID]bool
	schedulesDeleted map[uuid.UUID]bool
	agentsDeleted    map[string]bool
}

func NewMemory() *Memory {
	return &Memory{
		jobs:             make(map[uuid.UUID]*model.Job),
		schedules:        make(map[uuid.UUID]*model.Schedule),
		tasks:            make(map[uuid.UUID]*model.Task),
		instances:        make(map[uuid.UUID]*model.TaskInstance),
		agents:           make(map[string]*model.Agent),
		epochs:           make(map[string]int64),
		jobsDeleted:      make(map[uuid.UUID]bool),
		schedulesDeleted: make(map[uuid.UUID]bool),
		agentsDeleted:    make(map[string]bool),
	}
}

func (m *Memory) Close() {}

// memTx holds its parent Memory and delegates straight into its already-
// locking methods: Memory applies writes immediately under mu, so there is
// nothing to buffer between Begin and Commit. Rollback is therefore a no-op,
// which is safe only because Memory has no uncommitted-write concept; the
// Postgres backend is where rollback actually undoes anything.
type memTx struct{ m *Memory }

func (memTx) Commit(ctx context.Context) error   { return nil }
func (memTx) Rollback(ctx context.Context) error { return nil }

func (t memTx) CreateTask(ctx context.Context, task *model.Task) error {
	return t.m.CreateTask(ctx, task)
}

func (t memTx) CreateTaskInstance(ctx context.Context, ti *model.TaskInstance) error {
	return t.m.CreateTaskInstance(ctx, ti)
}

func (t memTx) UpsertAgent(ctx context.Context, a *model.Agent) error {
	return t.m.UpsertAgent(ctx, a)
}

func (t memTx) CASTransitionInstance(ctx context.Context, id uuid.UUID, fromStatus model.InstanceStatus, patch Patch) (bool, error) {
	return t.m.CASTransitionInstance(ctx, id, fromStatus, patch)
}

func (m *Memory) Begin(ctx context.Context) (Tx, error) { return memTx{m: m}, nil }

func copyJob(j *model.Job) *model.Job                         { c := *j; return &c }
func copySchedule(s *model.Schedule) *model.Schedule          { c := *s; return &c }
func copyTask(t *model.Task) *model.Task                      { c := *t; return &c }
func copyInstance(ti *model.TaskInstance) *model.TaskInstance { c := *ti; return &c }
func copyAgent(a *model.Agent) *model.Agent                   { c := *a; return &c }

// --- Jobs ---

func (m *Memory) CreateJob(ctx context.Context, j *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return UniqueViolation("jobs", "id")
	}
	now := time.Now()
	j.CreatedAt, j.UpdatedAt = now, now
	m.jobs[j.ID] = copyJob(j)
	delete(m.jobsDeleted, j.ID)
	return nil
}

// InsertJobsMany batches the same insert CreateJob issues one-by-one,
// spec.md §4.1's insert_many.
func (m *Memory) InsertJobsMany(ctx context.Context, jobs []*model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range jobs {
		if _, ok := m.jobs[j.ID]; ok {
			return UniqueViolation("jobs", "id")
		}
	}
	now := time.Now()
	for _, j := range jobs {
		j.CreatedAt, j.UpdatedAt = now, now
		m.jobs[j.ID] = copyJob(j)
		delete(m.jobsDeleted, j.ID)
	}
	return nil
}

func (m *Memory) UpdateJobByID(ctx context.Context, id uuid.UUID, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || m.jobsDeleted[id] {
		return NotFound("jobs")
	}
	applyPatch(j, patch)
	j.UpdatedAt = time.Now()
	return nil
}

// UpdateJobs applies patch to every job matching filter, spec.md §4.1's
// update(filter, patch).
func (m *Memory) UpdateJobs(ctx context.Context, filter Filter, patch Patch) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, j := range m.jobs {
		if m.jobsDeleted[id] || !matchesFilter(jobFields(j), filter) {
			continue
		}
		applyPatch(j, patch)
		j.UpdatedAt = time.Now()
		n++
	}
	return n, nil
}

// DeleteJobByID tombstones rather than removes, so tasks a deleted job
// already spawned keep a resolvable job_id (spec.md §4.1).
func (m *Memory) DeleteJobByID(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok || m.jobsDeleted[id] {
		return NotFound("jobs")
	}
	m.jobsDeleted[id] = true
	return nil
}

func (m *Memory) FindJobByID(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok || m.jobsDeleted[id] {
		return nil, NotFound("jobs")
	}
	return copyJob(j), nil
}

func (m *Memory) FindJobs(ctx context.Context, filter Filter, page Page) ([]*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Job
	for id, j := range m.jobs {
		if m.jobsDeleted[id] || !matchesFilter(jobFields(j), filter) {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID.String() < out[k].ID.String() })
	return applyPage(out, page), nil
}

func (m *Memory) CountJobs(ctx context.Context, filter Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for id, j := range m.jobs {
		if m.jobsDeleted[id] {
			continue
		}
		if matchesFilter(jobFields(j), filter) {
			n++
		}
	}
	return n, nil
}

// --- Schedules ---

func (m *Memory) CreateSchedule(ctx context.Context, s *model.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; ok {
		return UniqueViolation("schedules", "id")
	}
	now := time.Now()
	s.CreatedAt, s.UpdatedAt = now, now
	m.schedules[s.ID] = copySchedule(s)
	delete(m.schedulesDeleted, s.ID)
	return nil
}

// InsertSchedulesMany batches the same insert CreateSchedule issues
// one-by-one, spec.md §4.1's insert_many.
func (m *Memory) InsertSchedulesMany(ctx context.Context, schedules []*model.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range schedules {
		if _, ok := m.schedules[s.ID]; ok {
			return UniqueViolation("schedules", "id")
		}
	}
	now := time.Now()
	for _, s := range schedules {
		s.CreatedAt, s.UpdatedAt = now, now
		m.schedules[s.ID] = copySchedule(s)
		delete(m.schedulesDeleted, s.ID)
	}
	return nil
}

func (m *Memory) UpdateScheduleByID(ctx context.Context, id uuid.UUID, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok || m.schedulesDeleted[id] {
		return NotFound("schedules")
	}
	applyPatch(s, patch)
	s.UpdatedAt = time.Now()
	return nil
}

// UpdateSchedules applies patch to every schedule matching filter, spec.md
// §4.1's update(filter, patch).
func (m *Memory) UpdateSchedules(ctx context.Context, filter Filter, patch Patch) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.schedules {
		if m.schedulesDeleted[id] || !matchesFilter(scheduleFields(s), filter) {
			continue
		}
		applyPatch(s, patch)
		s.UpdatedAt = time.Now()
		n++
	}
	return n, nil
}

// DeleteScheduleByID tombstones so tasks it already materialized keep a
// resolvable schedule_id (spec.md §4.1).
func (m *Memory) DeleteScheduleByID(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok || m.schedulesDeleted[id] {
		return NotFound("schedules")
	}
	m.schedulesDeleted[id] = true
	return nil
}

func (m *Memory) FindScheduleByID(ctx context.Context, id uuid.UUID) (*model.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok || m.schedulesDeleted[id] {
		return nil, NotFound("schedules")
	}
	return copySchedule(s), nil
}

func (m *Memory) FindSchedules(ctx context.Context, filter Filter, page Page) ([]*model.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Schedule
	for id, s := range m.schedules {
		if m.schedulesDeleted[id] || !matchesFilter(scheduleFields(s), filter) {
			continue
		}
		out = append(out, copySchedule(s))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID.String() < out[k].ID.String() })
	return applyPage(out, page), nil
}

func (m *Memory) CountSchedules(ctx context.Context, filter Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for id, s := range m.schedules {
		if m.schedulesDeleted[id] {
			continue
		}
		if matchesFilter(scheduleFields(s), filter) {
			n++
		}
	}
	return n, nil
}

// --- Tasks ---

func (m *Memory) CreateTask(ctx context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return UniqueViolation("tasks", "id")
	}
	t.CreatedAt = time.Now()
	m.tasks[t.ID] = copyTask(t)
	return nil
}

// InsertTasksMany batches the same insert CreateTask issues one-by-one,
// spec.md §4.1's insert_many.
func (m *Memory) InsertTasksMany(ctx context.Context, tasks []*model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tasks {
		if _, ok := m.tasks[t.ID]; ok {
			return UniqueViolation("tasks", "id")
		}
	}
	now := time.Now()
	for _, t := range tasks {
		t.CreatedAt = now
		m.tasks[t.ID] = copyTask(t)
	}
	return nil
}

// DeleteTaskByID is a hard delete: tasks are append-only execution history
// with no tombstone column (see DESIGN.md).
func (m *Memory) DeleteTaskByID(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return NotFound("tasks")
	}
	delete(m.tasks, id)
	return nil
}

func (m *Memory) FindTaskByDedupKey(ctx context.Context, scheduleID uuid.UUID, scheduledAt time.Time) (*model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tasks {
		if t.ScheduleID != nil && *t.ScheduleID == scheduleID && t.ScheduledAt.Equal(scheduledAt) {
			return copyTask(t), nil
		}
	}
	return nil, NotFound("tasks")
}

func (m *Memory) UpdateTaskByID(ctx context.Context, id uuid.UUID, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return NotFound("tasks")
	}
	applyPatch(t, patch)
	return nil
}

// UpdateTasks applies patch to every task matching filter, spec.md §4.1's
// update(filter, patch).
func (m *Memory) UpdateTasks(ctx context.Context, filter Filter, patch Patch) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if !matchesFilter(taskFields(t), filter) {
			continue
		}
		applyPatch(t, patch)
		n++
	}
	return n, nil
}

func (m *Memory) FindTaskByID(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, NotFound("tasks")
	}
	return copyTask(t), nil
}

func (m *Memory) FindTasks(ctx context.Context, filter Filter, page Page) ([]*model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Task
	for _, t := range m.tasks {
		if matchesFilter(taskFields(t), filter) {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ScheduledAt.Before(out[k].ScheduledAt) })
	return applyPage(out, page), nil
}

func (m *Memory) CountTasks(ctx context.Context, filter Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.tasks {
		if matchesFilter(taskFields(t), filter) {
			n++
		}
	}
	return n, nil
}

// --- Task instances ---

func (m *Memory) CreateTaskInstance(ctx context.Context, ti *model.TaskInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[ti.ID]; ok {
		return UniqueViolation("task_instances", "id")
	}
	now := time.Now()
	ti.CreatedAt, ti.UpdatedAt = now, now
	m.instances[ti.ID] = copyInstance(ti)
	return nil
}

// InsertTaskInstancesMany batches the same insert CreateTaskInstance issues
// one-by-one, spec.md §4.1's insert_many.
func (m *Memory) InsertTaskInstancesMany(ctx context.Context, instances []*model.TaskInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ti := range instances {
		if _, ok := m.instances[ti.ID]; ok {
			return UniqueViolation("task_instances", "id")
		}
	}
	now := time.Now()
	for _, ti := range instances {
		ti.CreatedAt, ti.UpdatedAt = now, now
		m.instances[ti.ID] = copyInstance(ti)
	}
	return nil
}

// DeleteTaskInstanceByID is a hard delete: instances are execution history
// with no tombstone column (see DESIGN.md).
func (m *Memory) DeleteTaskInstanceByID(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[id]; !ok {
		return NotFound("task_instances")
	}
	delete(m.instances, id)
	return nil
}

func (m *Memory) UpdateTaskInstanceByID(ctx context.Context, id uuid.UUID, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ti, ok := m.instances[id]
	if !ok {
		return NotFound("task_instances")
	}
	applyPatch(ti, patch)
	ti.UpdatedAt = time.Now()
	return nil
}

// UpdateTaskInstances applies patch to every instance matching filter,
// spec.md §4.1's update(filter, patch).
func (m *Memory) UpdateTaskInstances(ctx context.Context, filter Filter, patch Patch) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ti := range m.instances {
		if !matchesFilter(instanceFields(ti), filter) {
			continue
		}
		applyPatch(ti, patch)
		ti.UpdatedAt = time.Now()
		n++
	}
	return n, nil
}

func (m *Memory) CountTaskInstances(ctx context.Context, filter Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, ti := range m.instances {
		if matchesFilter(instanceFields(ti), filter) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) FindTaskInstanceByID(ctx context.Context, id uuid.UUID) (*model.TaskInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ti, ok := m.instances[id]
	if !ok {
		return nil, NotFound("task_instances")
	}
	return copyInstance(ti), nil
}

func (m *Memory) FindTaskInstances(ctx context.Context, filter Filter, page Page) ([]*model.TaskInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.TaskInstance
	for _, ti := range m.instances {
		if matchesFilter(instanceFields(ti), filter) {
			out = append(out, copyInstance(ti))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID.String() < out[k].ID.String() })
	return applyPage(out, page), nil
}

func (m *Memory) DispatchCandidates(ctx context.Context, namespace string, labels map[string]string, limit int) ([]*model.TaskInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var cands []*model.TaskInstance
	for _, ti := range m.instances {
		if ti.Status != model.InstancePending {
			continue
		}
		t, ok := m.tasks[ti.TaskID]
		if !ok || t.Namespace != namespace || !labelsMatch(t.Config.Labels, labels) {
			continue
		}
		cands = append(cands, copyInstance(ti))
	}
	sort.Slice(cands, func(i, k int) bool {
		ti, tk := m.tasks[cands[i].TaskID], m.tasks[cands[k].TaskID]
		if ti.Priority != tk.Priority {
			return ti.Priority > tk.Priority
		}
		if !ti.ScheduledAt.Equal(tk.ScheduledAt) {
			return ti.ScheduledAt.Before(tk.ScheduledAt)
		}
		return cands[i].ID.String() < cands[k].ID.String()
	})
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	return cands, nil
}

func (m *Memory) CASTransitionInstance(ctx context.Context, id uuid.UUID, fromStatus model.InstanceStatus, patch Patch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ti, ok := m.instances[id]
	if !ok {
		return false, NotFound("task_instances")
	}
	if ti.Status != fromStatus {
		return false, nil
	}
	applyPatch(ti, patch)
	ti.UpdatedAt = time.Now()
	return true, nil
}

// --- Agents ---

// UpsertAgent clears any prior tombstone: an agent that re-joins after
// having been administratively deleted is active again, not a ghost.
func (m *Memory) UpsertAgent(ctx context.Context, a *model.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if existing, ok := m.agents[a.AgentID]; ok {
		a.CreatedAt = existing.CreatedAt
	} else {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	m.agents[a.AgentID] = copyAgent(a)
	delete(m.agentsDeleted, a.AgentID)
	return nil
}

// UpdateAgents applies patch to every agent matching filter, spec.md §4.1's
// update(filter, patch).
func (m *Memory) UpdateAgents(ctx context.Context, filter Filter, patch Patch) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, a := range m.agents {
		if m.agentsDeleted[id] || !matchesFilter(agentFields(a), filter) {
			continue
		}
		applyPatch(a, patch)
		a.UpdatedAt = time.Now()
		n++
	}
	return n, nil
}

// DeleteAgentByID tombstones so an agent's historical task instances still
// resolve to a known agent_id (spec.md §4.1).
func (m *Memory) DeleteAgentByID(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agentID]; !ok || m.agentsDeleted[agentID] {
		return NotFound("agents")
	}
	m.agentsDeleted[agentID] = true
	return nil
}

func (m *Memory) FindAgentByID(ctx context.Context, agentID string) (*model.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	if !ok || m.agentsDeleted[agentID] {
		return nil, NotFound("agents")
	}
	return copyAgent(a), nil
}

func (m *Memory) FindAgents(ctx context.Context, filter Filter, page Page) ([]*model.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Agent
	for id, a := range m.agents {
		if m.agentsDeleted[id] || !matchesFilter(agentFields(a), filter) {
			continue
		}
		out = append(out, copyAgent(a))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].AgentID < out[k].AgentID })
	return applyPage(out, page), nil
}

func (m *Memory) CountAgents(ctx context.Context, filter Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for id, a := range m.agents {
		if m.agentsDeleted[id] {
			continue
		}
		if matchesFilter(agentFields(a), filter) {
			n++
		}
	}
	return n, nil
}

// --- Durable fencing epoch ---

func (m *Memory) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epochs[resourceID]++
	return m.epochs[resourceID], nil
}

func (m *Memory) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epochs[resourceID], nil
}

// applyPatch writes the subset of fields Patch carries onto a struct pointer.
// Memory's entities are small enough that a type switch beats reflection.
func applyPatch(target any, patch Patch) {
	switch t := target.(type) {
	case *model.Job:
		if v, ok := patch.Fields["name"]; ok {
			t.Name = v.(string)
		}
		if v, ok := patch.Fields["command"]; ok {
			t.Command = v.(string)
		}
		if v, ok := patch.Fields["enabled"]; ok {
			t.Enabled = v.(bool)
		}
	case *model.Schedule:
		if v, ok := patch.Fields["status"]; ok {
			t.Status = v.(model.ScheduleStatus)
		}
	case *model.Task:
		if v, ok := patch.Fields["status"]; ok {
			t.Status = v.(model.TaskStatus)
		}
		if v, ok := patch.Fields["retry_count"]; ok {
			t.RetryCount = v.(int)
		}
	case *model.TaskInstance:
		if v, ok := patch.Fields["status"]; ok {
			t.Status = v.(model.InstanceStatus)
		}
		if v, ok := patch.Fields["agent_id"]; ok {
			t.AgentID = v.(string)
		}
		if v, ok := patch.Fields["started_at"]; ok {
			t.StartedAt = v.(*time.Time)
		}
		if v, ok := patch.Fields["completed_at"]; ok {
			t.CompletedAt = v.(*time.Time)
		}
		if v, ok := patch.Fields["output"]; ok {
			t.Output = v.(string)
		}
		if v, ok := patch.Fields["error_message"]; ok {
			t.ErrorMessage = v.(string)
		}
		if v, ok := patch.Fields["metrics"]; ok {
			t.Metrics = v.(*model.InstanceMetrics)
		}
	case *model.Agent:
		if v, ok := patch.Fields["status"]; ok {
			t.Status = v.(model.AgentStatus)
		}
		if v, ok := patch.Fields["address"]; ok {
			t.Address = v.(string)
		}
		if v, ok := patch.Fields["capacity_hint"]; ok {
			t.CapacityHint = v.(int)
		}
		if v, ok := patch.Fields["last_heartbeat"]; ok {
			t.LastHeartbeat = v.(time.Time)
		}
		if v, ok := patch.Fields["reliability"]; ok {
			t.Reliability = v.(model.ReliabilityStats)
		}
	}
}

func jobFields(j *model.Job) map[string]any {
	return map[string]any{"namespace": j.Namespace, "name": j.Name, "enabled": j.Enabled}
}

func scheduleFields(s *model.Schedule) map[string]any {
	return map[string]any{"status": s.Status, "kind": s.Kind, "job_id": s.JobID}
}

func taskFields(t *model.Task) map[string]any {
	return map[string]any{"status": t.Status, "namespace": t.Namespace, "job_id": t.JobID, "priority": t.Priority}
}

func instanceFields(ti *model.TaskInstance) map[string]any {
	return map[string]any{"status": ti.Status, "agent_id": ti.AgentID, "task_id": ti.TaskID}
}

func agentFields(a *model.Agent) map[string]any {
	return map[string]any{"namespace": a.Namespace, "status": a.Status}
}

// labelsMatch implements the node-selector semantics spec.md §4.7 step 2
// requires: every key/value pair a task names must be present on the
// candidate agent. A task with no labels matches any agent.
func labelsMatch(taskLabels, agentLabels map[string]string) bool {
	for k, v := range taskLabels {
		if agentLabels[k] != v {
			return false
		}
	}
	return true
}

// matchesFilter evaluates a Filter against a flattened field map: OR across
// groups, AND across each group's conditions. Only Eq and In are evaluated
// (the operators Memory's callers actually use); a condition with any other
// operator is not checked and counts as matching.
func matchesFilter(fields map[string]any, filter Filter) bool {
	if len(filter.Groups) == 0 {
		return true
	}
	for _, g := range filter.Groups {
		if groupMatches(fields, g) {
			return true
		}
	}
	return false
}

func groupMatches(fields map[string]any, g Group) bool {
	for _, c := range g {
		v, ok := fields[c.Field]
		if !ok {
			return false
		}
		switch c.Op {
		case OpEq:
			if v != c.Value {
				return false
			}
		case OpIn:
			values, _ := c.Value.([]any)
			found := false
			for _, want := range values {
				if v == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			// Other operators aren't exercised against the memory backend today.
		}
	}
	return true
}

func applyPage[T any](items []T, page Page) []T {
	if page.Offset > 0 {
		if page.Offset >= len(items) {
			return nil
		}
		items = items[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(items) {
		items = items[:page.Limit]
	}
	return items
}
