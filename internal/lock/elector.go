package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hetuflow/hetuflow/internal/observability"
)

// Elector drives leader election on top of Lock, grounded on
// coordination/leader.go: it owns a renew loop with exponential backoff on
// error and notifies callbacks on acquire/step-down.
type Elector struct {
	lock     *Lock
	lockID   string
	holderID string
	ttl      time.Duration

	mu       sync.RWMutex
	isLeader bool
	epoch    int64

	leaderCtx    context.Context
	leaderCancel context.CancelFunc

	onElected func(context.Context)
	onLost    func()

	log *slog.Logger
}

func NewElector(l *Lock, lockID, holderID string, ttl time.Duration, log *slog.Logger) *Elector {
	return &Elector{lock: l, lockID: lockID, holderID: holderID, ttl: ttl, log: log}
}

func (e *Elector) SetCallbacks(onElected func(context.Context), onLost func()) {
	e.onElected, e.onLost = onElected, onLost
}

func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// Epoch returns the fencing token of the current (or last held) lease.
func (e *Elector) Epoch() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.epoch
}

// Run blocks until ctx is cancelled, repeatedly trying to acquire or renew
// the lease. The loop cadence is ttl/3, backing off exponentially up to
// 10*ttl on error — the same schedule as coordination/leader.go's loop.
func (e *Elector) Run(ctx context.Context) {
	interval := e.ttl / 3
	const maxInterval = 10
	maxBackoff := e.ttl * maxInterval

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Step down without deleting the lease: spec.md §4.10 step 5
			// has shutdown let the TTL expire rather than DEL it, so a
			// crash-then-restart and a clean-shutdown-then-restart behave
			// identically and neither can race a concurrent acquirer into
			// split-brain.
			if e.IsLeader() {
				e.stepDown()
			}
			return
		case <-timer.C:
			lease, err := e.lock.TryAcquireOrUpdate(ctx, e.lockID, e.holderID, e.ttl)
			switch {
			case err != nil:
				e.log.Warn("lock renew/acquire failed", "lock_id", e.lockID, "error", err)
				if e.IsLeader() {
					e.stepDown()
				}
				interval *= 2
				if interval > maxBackoff {
					interval = maxBackoff
				}
			case lease == nil:
				if e.IsLeader() {
					e.stepDown()
				}
				interval = e.ttl / 3
			default:
				e.mu.Lock()
				e.epoch = lease.Epoch
				e.mu.Unlock()
				if !e.IsLeader() {
					e.becomeLeader(lease.Epoch)
				}
				interval = e.ttl / 3
			}
			timer.Reset(interval)
		}
	}
}

func (e *Elector) becomeLeader(epoch int64) {
	e.mu.Lock()
	e.isLeader = true
	ctx, cancel := context.WithCancel(context.Background())
	e.leaderCtx, e.leaderCancel = ctx, cancel
	e.mu.Unlock()

	e.log.Info("acquired leadership", "lock_id", e.lockID, "epoch", epoch)
	observability.LeaderStatus.Set(1)
	observability.LeaderEpoch.Set(float64(epoch))
	observability.LeaderTransitions.WithLabelValues("elected").Inc()
	if e.onElected != nil {
		go e.onElected(ctx)
	}
}

func (e *Elector) stepDown() {
	e.mu.Lock()
	if !e.isLeader {
		e.mu.Unlock()
		return
	}
	e.isLeader = false
	cancel := e.leaderCancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.log.Info("lost leadership", "lock_id", e.lockID)
	observability.LeaderStatus.Set(0)
	observability.LeaderEpoch.Set(0)
	observability.LeaderTransitions.WithLabelValues("lost").Inc()
	if e.onLost != nil {
		e.onLost()
	}
}
