// Package model defines the core scheduling entities shared by every
// hetuflow component: jobs, schedules, tasks, task instances, agents and
// the distributed lock row.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ScheduleKind is the trigger strategy bound to a Job.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleEvent    ScheduleKind = "event"
	ScheduleOnce     ScheduleKind = "once"
)

// ScheduleStatus is the lifecycle state of a Schedule.
type ScheduleStatus string

const (
	ScheduleActive   ScheduleStatus = "active"
	ScheduleExpired  ScheduleStatus = "expired"
	ScheduleDisabled ScheduleStatus = "disabled"
)

// TaskStatus is the lifecycle state of a Task (a scheduled occurrence).
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// InstanceStatus is the lifecycle state of a TaskInstance (an execution attempt).
type InstanceStatus string

const (
	InstancePending    InstanceStatus = "pending"
	InstanceDispatched InstanceStatus = "dispatched"
	InstanceRunning    InstanceStatus = "running"
	InstanceSucceeded  InstanceStatus = "succeeded"
	InstanceFailed     InstanceStatus = "failed"
	InstanceCancelled  InstanceStatus = "cancelled"
)

// IsTerminal reports whether status is final: an instance in it never moves
// to another status.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceSucceeded, InstanceFailed, InstanceCancelled:
		return true
	default:
		return false
	}
}

// AgentStatus is the liveness state of a registered Agent.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
	AgentDrain   AgentStatus = "draining"
)

// JobConfig holds execution parameters common to every occurrence of a Job.
type JobConfig struct {
	MaxRetries  int               `json:"max_retries"`
	TimeoutSecs int               `json:"timeout_secs"`
	CPUHint     float64           `json:"cpu_hint,omitempty"`
	MemHintMB   int               `json:"mem_hint_mb,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// Job is an immutable-ish definition of a unit of work.
type Job struct {
	ID          uuid.UUID         `json:"id" db:"id"`
	Namespace   string            `json:"namespace" db:"namespace"`
	Name        string            `json:"name" db:"name"`
	Command     string            `json:"command" db:"command"`
	Environment map[string]string `json:"environment" db:"environment"`
	Config      JobConfig         `json:"config" db:"config"`
	Enabled     bool              `json:"enabled" db:"enabled"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

// Schedule binds a Job to a trigger.
type Schedule struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	JobID          uuid.UUID      `json:"job_id" db:"job_id"`
	Kind           ScheduleKind   `json:"kind" db:"kind"`
	CronExpression string         `json:"cron_expression,omitempty" db:"cron_expression"`
	IntervalSecs   int            `json:"interval_secs,omitempty" db:"interval_secs"`
	StartTime      *time.Time     `json:"start_time,omitempty" db:"start_time"`
	EndTime        *time.Time     `json:"end_time,omitempty" db:"end_time"`
	MaxCount       *int           `json:"max_count,omitempty" db:"max_count"`
	Status         ScheduleStatus `json:"status" db:"status"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// Task is one scheduled occurrence of a Job. Command/Environment are
// denormalized from the parent Job at materialization time so a dispatched
// Task is self-contained: the agent never needs to fetch the Job back to
// know what to run.
type Task struct {
	ID           uuid.UUID         `json:"id" db:"id"`
	JobID        uuid.UUID         `json:"job_id" db:"job_id"`
	ScheduleID   *uuid.UUID        `json:"schedule_id,omitempty" db:"schedule_id"`
	ScheduledAt  time.Time         `json:"scheduled_at" db:"scheduled_at"`
	Priority     int32             `json:"priority" db:"priority"`
	Status       TaskStatus        `json:"status" db:"status"`
	RetryCount   int               `json:"retry_count" db:"retry_count"`
	Command      string            `json:"command" db:"command"`
	Environment  map[string]string `json:"environment,omitempty" db:"environment"`
	Parameters   map[string]any    `json:"parameters,omitempty" db:"parameters"`
	Config       JobConfig         `json:"config" db:"config"`
	Dependencies []uuid.UUID       `json:"dependencies,omitempty" db:"dependencies"`
	Namespace    string            `json:"namespace" db:"namespace"`
	Kind         ScheduleKind      `json:"kind" db:"kind"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
}

// InstanceMetrics is the resource-usage summary reported by an agent.
type InstanceMetrics struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	CPUMs     int64     `json:"cpu_ms"`
	RSSBytes  int64     `json:"rss_bytes"`
}

// TaskInstance is one execution attempt of a Task on a specific Agent.
type TaskInstance struct {
	ID           uuid.UUID        `json:"id" db:"id"`
	TaskID       uuid.UUID        `json:"task_id" db:"task_id"`
	JobID        uuid.UUID        `json:"job_id" db:"job_id"`
	AgentID      string           `json:"agent_id,omitempty" db:"agent_id"`
	Status       InstanceStatus   `json:"status" db:"status"`
	StartedAt    *time.Time       `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
	Output       string           `json:"output,omitempty" db:"output"`
	ErrorMessage string           `json:"error_message,omitempty" db:"error_message"`
	Metrics      *InstanceMetrics `json:"metrics,omitempty" db:"metrics"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at" db:"updated_at"`
}

// ReliabilityStats tracks an agent's execution track record.
type ReliabilityStats struct {
	MeanResponseMs      float64 `json:"mean_response_ms"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	TotalCompleted      int64   `json:"total_completed"`
}

// Agent is a registered execution node.
type Agent struct {
	AgentID       string            `json:"agent_id" db:"agent_id"`
	Namespace     string            `json:"namespace" db:"namespace"`
	Address       string            `json:"address" db:"address"`
	Labels        map[string]string `json:"labels" db:"labels"`
	CapacityHint  int               `json:"capacity_hint" db:"capacity_hint"`
	LastHeartbeat time.Time         `json:"last_heartbeat" db:"last_heartbeat"`
	Status        AgentStatus       `json:"status" db:"status"`
	Reliability   ReliabilityStats  `json:"reliability" db:"reliability"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" db:"updated_at"`
}

// DistributedLock describes a lock row (holder, version, expiry). No table
// stores it and no code reads it: leader election keeps its lease in Redis
// (internal/lock) and its epoch in the leader_epochs table.
type DistributedLock struct {
	ID          string    `json:"id" db:"id"`
	Holder      string    `json:"holder" db:"holder"`
	Version     int64     `json:"version" db:"version"`
	ExpiresAt   time.Time `json:"expires_at" db:"expires_at"`
	LastRefresh time.Time `json:"last_refresh" db:"last_refresh"`
}

// NewID generates a UUIDv7, monotonic and time-ordered.
func NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if crypto/rand is broken; fall back rather than panic.
		return uuid.New()
	}
	return id
}
