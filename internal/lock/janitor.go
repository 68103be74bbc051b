package lock

import (
	"context"
	"log/slog"
	"time"
)

// Janitor periodically force-releases leases that are fenced (epoch behind
// the durable counter) or physically stale, grounded on
// coordination/janitor.go. Without it a leaked lease — one whose holder
// crashed between acquiring and ever renewing or releasing — can outlive its
// own TTL key if Redis persistence replayed a stale AOF entry; the sweep is
// a second line of defense, not the primary expiry mechanism.
type Janitor struct {
	lock     *Lock
	epochs   EpochStore
	pattern  string
	interval time.Duration
	log      *slog.Logger
}

func NewJanitor(l *Lock, epochs EpochStore, interval time.Duration, log *slog.Logger) *Janitor {
	return &Janitor{lock: l, epochs: epochs, pattern: "hetuflow:lock:*", interval: interval, log: log}
}

func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	keys, err := j.lock.Scan(ctx, j.pattern)
	if err != nil {
		j.log.Warn("janitor scan failed", "error", err)
		return
	}

	for _, key := range keys {
		lockID := key[len("hetuflow:lock:"):]
		lease, err := j.lock.Get(ctx, lockID)
		if err != nil || lease == nil {
			continue
		}

		currentEpoch, err := j.epochs.GetDurableEpoch(ctx, key)
		if err != nil {
			j.log.Warn("janitor epoch lookup failed", "lock_id", lockID, "error", err)
			continue
		}
		if lease.Epoch < currentEpoch {
			j.log.Warn("janitor fencing stale lease", "lock_id", lockID, "lease_epoch", lease.Epoch, "current_epoch", currentEpoch)
			_ = j.lock.Release(ctx, lockID, lease.Holder)
			continue
		}

		if time.Now().After(lease.ExpiresAt.Add(5 * time.Second)) {
			j.log.Warn("janitor reclaiming stale lease", "lock_id", lockID, "expired_at", lease.ExpiresAt)
			_ = j.lock.Release(ctx, lockID, lease.Holder)
		}
	}
}
