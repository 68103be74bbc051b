// Package agentmanager implements the Agent Manager (C8): consumes the
// Connection Manager's AgentEvent stream and applies the side effects spec.md
// §4.8 names for each event kind, tracking per-agent reliability stats along
// the way.
//
// Grounded on control_plane/coordination/agent_monitor.go's liveness-sweep
// shape (list agents, compare last_heartbeat, mark Offline) generalized from
// a standalone ticker loop into an event-driven consumer, and on
// scheduler/types.go's NodeHealth composite-score weighting, reused here for
// the EWMA reliability tracking spec.md §4.8 calls for.
package agentmanager

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hetuflow/hetuflow/internal/gateway"
	"github.com/hetuflow/hetuflow/internal/model"
	"github.com/hetuflow/hetuflow/internal/observability"
	"github.com/hetuflow/hetuflow/internal/store"
)

// ewmaAlpha weights the most recent response time against history, same
// smoothing constant the teacher's NodeHealth composite score implies for a
// "recent signals matter more" rolling stat.
const ewmaAlpha = 0.3

// LogSink receives TaskLog frames forwarded off the wire. The default
// implementation just structured-logs; a file or external collector sink can
// satisfy the same interface without touching the Agent Manager.
type LogSink interface {
	Write(ctx context.Context, instanceID string, kind string, content string, ts int64)
}

type slogSink struct{ log *slog.Logger }

func (s slogSink) Write(ctx context.Context, instanceID, kind, content string, ts int64) {
	s.log.Info("task log", "instance_id", instanceID, "kind", kind, "content", content, "ts", ts)
}

type AgentManager struct {
	db   store.Gateway
	sink LogSink
	log  *slog.Logger
}

func New(db store.Gateway, log *slog.Logger) *AgentManager {
	return &AgentManager{db: db, sink: slogSink{log: log}, log: log}
}

// SetLogSink overrides the default structured-log sink, e.g. with a file or
// external collector forwarder.
func (m *AgentManager) SetLogSink(sink LogSink) { m.sink = sink }

// Run consumes events until the channel closes or ctx is cancelled.
func (m *AgentManager) Run(ctx context.Context, events <-chan gateway.AgentEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := m.handle(ctx, evt); err != nil {
				m.log.Warn("agentmanager: event handling failed", "agent_id", evt.AgentID, "kind", evt.Kind, "error", err)
			}
		}
	}
}

func (m *AgentManager) handle(ctx context.Context, evt gateway.AgentEvent) error {
	switch evt.Kind {
	case gateway.KindRegister:
		return m.handleRegistered(ctx, evt.AgentID, evt.Payload)
	case gateway.KindHeartbeat:
		return m.handleHeartbeat(ctx, evt.AgentID, evt.Payload)
	case gateway.KindUnconnected:
		return m.handleUnconnected(ctx, evt.AgentID, evt.Payload)
	case gateway.KindTaskInstanceChanged:
		return m.handleTaskInstanceChanged(ctx, evt.AgentID, evt.Payload)
	case gateway.KindTaskLog:
		return m.handleTaskLog(ctx, evt.Payload)
	default:
		return nil
	}
}

func (m *AgentManager) handleRegistered(ctx context.Context, agentID string, raw []byte) error {
	var reg gateway.RegisterPayload
	if err := json.Unmarshal(raw, &reg); err != nil {
		return err
	}
	agent := &model.Agent{
		AgentID:      agentID,
		Namespace:    reg.Namespace,
		Address:      reg.Address,
		Labels:       reg.Labels,
		CapacityHint: reg.Capacity,
		Status:       model.AgentOnline,
	}
	if existing, err := m.db.FindAgentByID(ctx, agentID); err == nil {
		agent.Reliability = existing.Reliability
	}
	agent.LastHeartbeat = time.Now()
	return m.db.UpsertAgent(ctx, agent)
}

func (m *AgentManager) handleHeartbeat(ctx context.Context, agentID string, raw []byte) error {
	agent, err := m.db.FindAgentByID(ctx, agentID)
	if err != nil {
		return err
	}
	agent.LastHeartbeat = time.Now()
	agent.Status = model.AgentOnline
	return m.db.UpsertAgent(ctx, agent)
}

// handleUnconnected marks the agent Offline and fails every Dispatched or
// Running instance it was holding, so the retry loop can recover them
// (spec.md §4.8 "Unconnected(reason)"). The agent transition and every
// instance transition run inside one transaction, so an offline sweep
// either lands completely or not at all, never half-applied.
func (m *AgentManager) handleUnconnected(ctx context.Context, agentID string, raw []byte) error {
	agent, err := m.db.FindAgentByID(ctx, agentID)
	if err != nil {
		return err
	}
	agent.Status = model.AgentOffline

	instances, err := m.db.FindTaskInstances(ctx, store.Or(
		store.Group{store.Eq("agent_id", agentID), store.Eq("status", model.InstanceDispatched)},
		store.Group{store.Eq("agent_id", agentID), store.Eq("status", model.InstanceRunning)},
	), store.Page{})
	if err != nil {
		return err
	}

	tx, err := m.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := tx.UpsertAgent(ctx, agent); err != nil {
		return err
	}

	var failed []*model.TaskInstance
	for _, inst := range instances {
		patch := store.NewPatch(map[string]any{
			"status":        model.InstanceFailed,
			"error_message": "agent offline",
			"completed_at":  timePtr(time.Now()),
		})
		ok, err := tx.CASTransitionInstance(ctx, inst.ID, inst.Status, patch)
		if err != nil {
			return err
		}
		if ok {
			failed = append(failed, inst)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	for _, inst := range failed {
		if err := m.applyTaskRetryDecision(ctx, inst.TaskID); err != nil {
			m.log.Warn("agentmanager: retry decision failed", "task_id", inst.TaskID, "error", err)
		}
	}
	return nil
}

// handleTaskInstanceChanged applies one TaskInstance status transition,
// enforcing that terminal states cannot be re-entered, and updates the
// parent Task and the agent's reliability stats (spec.md §4.8).
func (m *AgentManager) handleTaskInstanceChanged(ctx context.Context, agentID string, raw []byte) error {
	var changed gateway.TaskInstanceChangedPayload
	if err := json.Unmarshal(raw, &changed); err != nil {
		return err
	}
	newStatus := model.InstanceStatus(changed.Status)

	inst, err := m.db.FindTaskInstanceByID(ctx, changed.InstanceID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		m.log.Warn("agentmanager: ignoring transition out of terminal state", "instance_id", inst.ID, "from", inst.Status, "to", newStatus)
		return nil
	}

	fields := map[string]any{"status": newStatus}
	if newStatus == model.InstanceRunning && inst.StartedAt == nil {
		fields["started_at"] = timePtr(time.Now())
	}
	if newStatus.IsTerminal() {
		fields["completed_at"] = timePtr(time.Now())
	}
	if changed.Output != "" {
		fields["output"] = changed.Output
	}
	if changed.Error != "" {
		fields["error_message"] = changed.Error
	}

	ok, err := m.db.CASTransitionInstance(ctx, inst.ID, inst.Status, store.NewPatch(fields))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if newStatus.IsTerminal() {
		if err := m.applyTaskOutcome(ctx, inst.TaskID, newStatus); err != nil {
			m.log.Warn("agentmanager: task outcome update failed", "task_id", inst.TaskID, "error", err)
		}
		switch newStatus {
		case model.InstanceSucceeded:
			observability.TaskSuccesses.Inc()
		case model.InstanceFailed:
			observability.TaskRetries.Inc()
		}
	}

	if err := m.updateReliability(ctx, agentID, newStatus, inst.StartedAt, changed.EpochMs); err != nil {
		m.log.Warn("agentmanager: reliability update failed", "agent_id", agentID, "error", err)
	}
	return nil
}

func (m *AgentManager) handleTaskLog(ctx context.Context, raw []byte) error {
	var logMsg gateway.TaskLogPayload
	if err := json.Unmarshal(raw, &logMsg); err != nil {
		return err
	}
	m.sink.Write(ctx, logMsg.InstanceID.String(), logMsg.Kind, logMsg.Content, logMsg.TS)
	return nil
}

// applyTaskOutcome sets the parent Task's terminal status on Succeeded, or
// drives the retry decision on Failed (spec.md §4.8's retry_count/max_retries
// rule, identical to the one the Scheduler's GenerateRetryTasks consumes).
func (m *AgentManager) applyTaskOutcome(ctx context.Context, taskID uuid.UUID, instanceStatus model.InstanceStatus) error {
	if instanceStatus == model.InstanceSucceeded {
		return m.db.UpdateTaskByID(ctx, taskID, store.NewPatch(map[string]any{"status": model.TaskSucceeded}))
	}
	return m.applyTaskRetryDecision(ctx, taskID)
}

// applyTaskRetryDecision increments retry_count and leaves the Task Pending
// (so GenerateRetryTasks or a future occurrence can pick it up) while it's
// still under budget, else marks it terminally Failed.
func (m *AgentManager) applyTaskRetryDecision(ctx context.Context, taskID uuid.UUID) error {
	task, err := m.db.FindTaskByID(ctx, taskID)
	if err != nil {
		return err
	}
	retryCount := task.RetryCount + 1
	status := model.TaskPending
	if retryCount >= task.Config.MaxRetries {
		status = model.TaskFailed
		observability.TaskFailures.Inc()
	}
	return m.db.UpdateTaskByID(ctx, taskID, store.NewPatch(map[string]any{
		"status":      status,
		"retry_count": retryCount,
	}))
}

// updateReliability maintains the per-agent EWMA response time and
// consecutive-failure counter spec.md §4.8 names, grounded on
// scheduler/types.go's NodeHealth composite score weighting.
func (m *AgentManager) updateReliability(ctx context.Context, agentID string, status model.InstanceStatus, startedAt *time.Time, epochMs int64) error {
	agent, err := m.db.FindAgentByID(ctx, agentID)
	if err != nil {
		return err
	}

	if startedAt != nil && epochMs > 0 {
		observedMs := float64(epochMs) - float64(startedAt.UnixMilli())
		if observedMs < 0 {
			observedMs = 0
		}
		if agent.Reliability.TotalCompleted == 0 {
			agent.Reliability.MeanResponseMs = observedMs
		} else {
			agent.Reliability.MeanResponseMs = ewmaAlpha*observedMs + (1-ewmaAlpha)*agent.Reliability.MeanResponseMs
		}
	}

	switch status {
	case model.InstanceSucceeded:
		agent.Reliability.ConsecutiveFailures = 0
	case model.InstanceFailed:
		agent.Reliability.ConsecutiveFailures++
	}
	agent.Reliability.TotalCompleted++

	observability.AgentResponseMs.WithLabelValues(agentID).Set(agent.Reliability.MeanResponseMs)
	return m.db.UpsertAgent(ctx, agent)
}

func timePtr(t time.Time) *time.Time { return &t }
