// Package loadbalancer implements the Load Balancer (C9): a leader-only
// periodic sweep that reassigns a bounded number of Dispatched-but-not-yet-
// Running instances away from offline or overloaded agents, spec.md §4.9.
//
// The teacher has no rebalancer of its own — FluxForge's sharding is static,
// assigned at startup via POD_INDEX/POD_COUNT (control_plane/main.go) — so
// this is new code, shaped after coordination/agent_monitor.go's periodic
// ticker loop (the only "leader-ish periodic sweep over agents" shape in the
// pack) and spec.md §4.9's explicit bound on how much it may move per tick.
package loadbalancer

import (
	"context"
	"log/slog"
	"time"

	"github.com/hetuflow/hetuflow/internal/model"
	"github.com/hetuflow/hetuflow/internal/observability"
	"github.com/hetuflow/hetuflow/internal/store"
)

const (
	defaultMaxPerTick     = 50
	defaultOverloadMargin = 1.5
)

type LoadBalancer struct {
	db             store.Gateway
	maxPerTick     int
	overloadMargin float64
	log            *slog.Logger
}

func New(db store.Gateway, log *slog.Logger) *LoadBalancer {
	return &LoadBalancer{
		db:             db,
		maxPerTick:     defaultMaxPerTick,
		overloadMargin: defaultOverloadMargin,
		log:            log,
	}
}

// Run ticks RebalanceIfNeeded every interval until ctx is cancelled. The
// caller (internal/app) only starts this while holding leadership.
func (lb *LoadBalancer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := lb.RebalanceIfNeeded(ctx)
			if err != nil {
				lb.log.Warn("loadbalancer: rebalance failed", "error", err)
				continue
			}
			if n > 0 {
				lb.log.Info("loadbalancer: rebalanced instances", "count", n)
			}
		}
	}
}

// RebalanceIfNeeded is advisory: it rewrites agent_id to empty and status to
// Pending for instances whose agent is offline, or for the most-loaded slice
// of an overloaded agent's Dispatched instances, bounded by maxPerTick. The
// dispatch path remains the source of truth for correctness; a rebalance
// that races a real dispatch simply loses the CAS and is skipped.
func (lb *LoadBalancer) RebalanceIfNeeded(ctx context.Context) (int, error) {
	agents, err := lb.db.FindAgents(ctx, store.Filter{}, store.Page{})
	if err != nil {
		return 0, err
	}

	pending, err := lb.db.FindTaskInstances(ctx, store.And(store.Eq("status", model.InstanceDispatched)), store.Page{})
	if err != nil {
		return 0, err
	}

	byAgent := make(map[string][]*model.TaskInstance)
	for _, inst := range pending {
		byAgent[inst.AgentID] = append(byAgent[inst.AgentID], inst)
	}

	avgLoad := averageLoad(agents, byAgent)

	type candidate struct {
		inst   *model.TaskInstance
		reason string
	}
	var toReassign []candidate
	for _, agent := range agents {
		instances := byAgent[agent.AgentID]
		if len(instances) == 0 {
			continue
		}
		if agent.Status == model.AgentOffline {
			for _, inst := range instances {
				toReassign = append(toReassign, candidate{inst, "offline"})
			}
			continue
		}
		if float64(len(instances)) > avgLoad*lb.overloadMargin {
			excess := int(float64(len(instances)) - avgLoad)
			if excess > len(instances) {
				excess = len(instances)
			}
			for _, inst := range instances[:excess] {
				toReassign = append(toReassign, candidate{inst, "overloaded"})
			}
		}
	}

	if len(toReassign) > lb.maxPerTick {
		toReassign = toReassign[:lb.maxPerTick]
	}

	moved := 0
	for _, c := range toReassign {
		patch := store.NewPatch(map[string]any{"status": model.InstancePending, "agent_id": ""})
		ok, err := lb.db.CASTransitionInstance(ctx, c.inst.ID, model.InstanceDispatched, patch)
		if err != nil {
			lb.log.Warn("loadbalancer: reassign failed", "instance_id", c.inst.ID, "error", err)
			continue
		}
		if ok {
			moved++
			observability.RebalancedInstances.WithLabelValues(c.reason).Inc()
		}
	}
	return moved, nil
}

func averageLoad(agents []*model.Agent, byAgent map[string][]*model.TaskInstance) float64 {
	online := 0
	total := 0
	for _, a := range agents {
		if a.Status != model.AgentOnline {
			continue
		}
		online++
		total += len(byAgent[a.AgentID])
	}
	if online == 0 {
		return 0
	}
	return float64(total) / float64(online)
}
