package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hetuflow/hetuflow/internal/store"
)

func newTestLock(t *testing.T) *Lock {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })

	l, err := New(context.Background(), rdb, store.NewMemory())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestTryAcquireOrUpdateFreshLock(t *testing.T) {
	l := newTestLock(t)
	ctx := context.Background()

	lease, err := l.TryAcquireOrUpdate(ctx, "scheduler", "node-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease == nil {
		t.Fatalf("expected lease on fresh acquisition")
	}
	if lease.Holder != "node-1" || lease.Epoch != 1 {
		t.Fatalf("unexpected lease %+v", lease)
	}
}

func TestTryAcquireOrUpdateRejectsOtherHolder(t *testing.T) {
	l := newTestLock(t)
	ctx := context.Background()

	if _, err := l.TryAcquireOrUpdate(ctx, "scheduler", "node-1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	lease, err := l.TryAcquireOrUpdate(ctx, "scheduler", "node-2", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease != nil {
		t.Fatalf("expected nil lease, another holder owns it")
	}
}

func TestTryAcquireOrUpdateRefreshKeepsEpoch(t *testing.T) {
	l := newTestLock(t)
	ctx := context.Background()

	first, err := l.TryAcquireOrUpdate(ctx, "scheduler", "node-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	refreshed, err := l.TryAcquireOrUpdate(ctx, "scheduler", "node-1", time.Minute)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed == nil {
		t.Fatalf("expected refreshed lease")
	}
	if refreshed.Epoch != first.Epoch {
		t.Fatalf("epoch changed on refresh: %d -> %d", first.Epoch, refreshed.Epoch)
	}
	if !refreshed.ExpiresAt.After(first.ExpiresAt) {
		t.Fatalf("expected refreshed lease to extend expiry")
	}
}

func TestReleaseThenReacquireBumpsEpoch(t *testing.T) {
	l := newTestLock(t)
	ctx := context.Background()

	first, err := l.TryAcquireOrUpdate(ctx, "scheduler", "node-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Release(ctx, "scheduler", "node-1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	second, err := l.TryAcquireOrUpdate(ctx, "scheduler", "node-2", time.Minute)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if second == nil {
		t.Fatalf("expected fresh acquisition after release")
	}
	if second.Epoch <= first.Epoch {
		t.Fatalf("expected epoch to advance, got %d after %d", second.Epoch, first.Epoch)
	}
}

func TestGetReturnsNilWhenAbsent(t *testing.T) {
	l := newTestLock(t)
	lease, err := l.Get(context.Background(), "never-acquired")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if lease != nil {
		t.Fatalf("expected nil lease for unacquired lock")
	}
}

func TestScanFindsAcquiredLocks(t *testing.T) {
	l := newTestLock(t)
	ctx := context.Background()

	if _, err := l.TryAcquireOrUpdate(ctx, "scheduler", "node-1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	keys, err := l.Scan(ctx, "hetuflow:lock:*")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected 1 key, got %d: %v", len(keys), keys)
	}
}
