// Package dispatch implements the Dispatch Service (C7): turns an agent's
// TaskPoll into a bounded batch of DispatchTask commands, grounded on
// control_plane/scheduler/scheduler.go's processNextTask admission path
// (priority-ordered selection, rate limiting, circuit breaking) rewired from
// "pop a reconciliation task and call Reconciler.Reconcile" to "select
// TaskInstance rows and emit a WebSocket DispatchTask command".
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hetuflow/hetuflow/internal/gateway"
	"github.com/hetuflow/hetuflow/internal/model"
	"github.com/hetuflow/hetuflow/internal/observability"
	"github.com/hetuflow/hetuflow/internal/store"
)

// defaultMaxTasks caps a single poll round when the agent omits max_tasks.
const defaultMaxTasks = 16

type Dispatcher struct {
	db      store.Gateway
	router  *gateway.Router
	limiter *AgentLimiter
	breaker *CircuitBreaker
	log     *slog.Logger
}

func New(db store.Gateway, router *gateway.Router, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		db:      db,
		router:  router,
		limiter: NewAgentLimiter(5, 10),
		breaker: NewCircuitBreaker(500),
		log:     log,
	}
}

// Run consumes the Connection Manager's AgentEvent stream, dispatching a
// goroutine-free handler per TaskPoll (spec.md §4.7, §4.4 subscribe_event).
func (d *Dispatcher) Run(ctx context.Context, events <-chan gateway.AgentEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Kind != gateway.KindTaskPoll {
				continue
			}
			var poll gateway.TaskPollPayload
			if err := json.Unmarshal(evt.Payload, &poll); err != nil {
				d.log.Warn("dispatch: malformed TaskPoll payload", "agent_id", evt.AgentID, "error", err)
				continue
			}
			if err := d.HandlePoll(ctx, evt.AgentID, poll); err != nil {
				d.log.Warn("dispatch: poll handling failed", "agent_id", evt.AgentID, "error", err)
			}
		}
	}
}

// HandlePoll implements spec.md §4.7 steps 1-5: select candidates ordered
// (priority DESC, scheduled_at ASC, id ASC), CAS-transition each to
// Dispatched, load the parent Task, and emit one DispatchTask command
// carrying every instance that survived the race.
func (d *Dispatcher) HandlePoll(ctx context.Context, agentID string, poll gateway.TaskPollPayload) error {
	if !d.limiter.Allow(agentID) {
		d.log.Debug("dispatch: rate limited", "agent_id", agentID)
		return nil
	}

	agent, err := d.db.FindAgentByID(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status == model.AgentDrain {
		return nil
	}

	inFlightInstances, err := d.db.FindTaskInstances(ctx, store.Or(
		store.Group{store.Eq("status", model.InstanceDispatched)},
		store.Group{store.Eq("status", model.InstanceRunning)},
	), store.Page{})
	if err != nil {
		return err
	}
	if !d.breaker.ShouldAdmit(len(inFlightInstances), 0) {
		d.log.Warn("dispatch: circuit breaker open, skipping poll", "agent_id", agentID)
		return nil
	}

	maxTasks := poll.MaxTasks
	if maxTasks <= 0 {
		maxTasks = defaultMaxTasks
	}

	labels := poll.Labels
	if labels == nil {
		labels = agent.Labels
	}
	candidates, err := d.db.DispatchCandidates(ctx, agent.Namespace, labels, maxTasks)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	var dispatched []gateway.DispatchedTask
	var dispatchedIDs []uuid.UUID
	for _, inst := range candidates {
		patch := store.NewPatch(map[string]any{
			"status":   model.InstanceDispatched,
			"agent_id": agentID,
		})
		ok, err := d.db.CASTransitionInstance(ctx, inst.ID, model.InstancePending, patch)
		if err != nil {
			d.log.Warn("dispatch: CAS transition failed", "instance_id", inst.ID, "error", err)
			continue
		}
		if !ok {
			// Another poll round already claimed it; not an error.
			continue
		}

		task, err := d.db.FindTaskByID(ctx, inst.TaskID)
		if err != nil {
			d.log.Warn("dispatch: parent task missing for dispatched instance, leaving orphaned", "instance_id", inst.ID, "task_id", inst.TaskID, "error", err)
			continue
		}

		inst.Status = model.InstanceDispatched
		inst.AgentID = agentID
		dispatched = append(dispatched, gateway.DispatchedTask{Task: task, Instance: inst})
		dispatchedIDs = append(dispatchedIDs, inst.ID)
	}

	if len(dispatched) == 0 {
		return nil
	}
	if err := d.router.SendDispatch(agentID, dispatched); err != nil {
		d.breaker.RecordFailure()
		d.revertDispatched(ctx, dispatchedIDs)
		return err
	}
	d.breaker.RecordSuccess()
	observability.DispatchedTotal.WithLabelValues(agentID).Add(float64(len(dispatched)))
	observability.DispatchCircuitState.Set(float64(d.breaker.GetState()))
	return nil
}

// revertDispatched undoes a stored CAS transition when the agent's
// session died between selection and send, so the instance falls back into
// the next poll round's candidate set instead of being stranded.
func (d *Dispatcher) revertDispatched(ctx context.Context, ids []uuid.UUID) {
	for _, id := range ids {
		patch := store.NewPatch(map[string]any{"status": model.InstancePending, "agent_id": ""})
		if _, err := d.db.CASTransitionInstance(ctx, id, model.InstanceDispatched, patch); err != nil {
			d.log.Warn("dispatch: failed to revert stranded instance", "instance_id", id, "error", err)
		}
	}
}
