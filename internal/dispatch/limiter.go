package dispatch

import (
	"sync"

	"golang.org/x/time/rate"
)

// AgentLimiter bounds how often a single agent can be handed a DispatchTask
// command, one token bucket per agent_id, adapted from
// control_plane/scheduler/limiter.go's per-tenant TokenBucketLimiter.
type AgentLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewAgentLimiter allows r dispatches/sec per agent with burst b.
func NewAgentLimiter(r float64, b int) *AgentLimiter {
	return &AgentLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

func (l *AgentLimiter) Allow(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[agentID]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[agentID] = lim
	}
	return lim.Allow()
}
