// Package lock implements the distributed lock (C2): a Redis-backed lease
// with a Postgres-backed fencing epoch that survives a Redis flush.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EpochStore is the durable fencing-epoch half of the lock, satisfied by
// store.Gateway.
type EpochStore interface {
	IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error)
	GetDurableEpoch(ctx context.Context, resourceID string) (int64, error)
}

// Lease is the metadata serialized into the Redis lock value, grounded on
// coordination/leader.go's LockMetadata.
type Lease struct {
	Holder    string    `json:"holder"`
	Epoch     int64     `json:"epoch"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

var (
	ErrNotHeld   = errors.New("lock: lease not held")
	ErrLostLease = errors.New("lock: lease lost to another holder")
)

const renewScript = `
local val = redis.call("get", KEYS[1])
if not val then
	return -1
end
if val == ARGV[1] then
	return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
end
return -2
`

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// Lock provides TryAcquireOrUpdate(ctx, lockID, holder, ttl), backed by SET NX
// for first acquisition and a preloaded Lua CAS script for refresh
// (store/redis.go's RenewLock). It takes no refresh interval: every call by
// the current holder extends the lease.
type Lock struct {
	redis      *redis.Client
	epochs     EpochStore
	renewSHA   string
	releaseSHA string
}

func New(ctx context.Context, rdb *redis.Client, epochs EpochStore) (*Lock, error) {
	renewSHA, err := rdb.ScriptLoad(ctx, renewScript).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: preload renew script: %w", err)
	}
	releaseSHA, err := rdb.ScriptLoad(ctx, releaseScript).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: preload release script: %w", err)
	}
	return &Lock{redis: rdb, epochs: epochs, renewSHA: renewSHA, releaseSHA: releaseSHA}, nil
}

func redisKey(lockID string) string { return "hetuflow:lock:" + lockID }

// TryAcquireOrUpdate attempts to acquire lockID for holder, or refresh an
// already-held lease. Returns the current Lease on success, nil if another
// holder has it. The epoch is bumped only on a fresh acquisition so the
// fencing token advances monotonically across the lock's lifetime regardless
// of how many times it is refreshed (spec.md §3 invariant: monotonic epoch).
func (l *Lock) TryAcquireOrUpdate(ctx context.Context, lockID, holder string, ttl time.Duration) (*Lease, error) {
	key := redisKey(lockID)

	raw, err := l.redis.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return l.acquireFresh(ctx, key, holder, ttl)
	case err != nil:
		return nil, fmt.Errorf("lock: get %s: %w", lockID, err)
	}

	var lease Lease
	if err := json.Unmarshal([]byte(raw), &lease); err != nil {
		return nil, fmt.Errorf("lock: decode lease %s: %w", lockID, err)
	}
	if lease.Holder != holder {
		return nil, nil
	}

	val, _ := json.Marshal(Lease{Holder: holder, Epoch: lease.Epoch, CreatedAt: lease.CreatedAt, ExpiresAt: time.Now().Add(ttl)})
	res, err := l.redis.EvalSha(ctx, l.renewSHA, []string{key}, string(raw), int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: renew %s: %w", lockID, err)
	}
	code, _ := res.(int64)
	if code != 1 {
		return nil, nil
	}
	// The key's TTL was extended but its value still carries the old
	// ExpiresAt; overwrite it so readers see the refreshed deadline.
	if err := l.redis.Set(ctx, key, val, ttl).Err(); err != nil {
		return nil, fmt.Errorf("lock: persist refreshed lease %s: %w", lockID, err)
	}
	var refreshed Lease
	_ = json.Unmarshal(val, &refreshed)
	return &refreshed, nil
}

func (l *Lock) acquireFresh(ctx context.Context, key, holder string, ttl time.Duration) (*Lease, error) {
	epoch, err := l.epochs.IncrementDurableEpoch(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lock: increment epoch: %w", err)
	}
	now := time.Now()
	lease := Lease{Holder: holder, Epoch: epoch, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	val, _ := json.Marshal(lease)

	ok, err := l.redis.SetNX(ctx, key, val, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: setnx: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &lease, nil
}

// Release drops the lease if still held by holder.
func (l *Lock) Release(ctx context.Context, lockID, holder string) error {
	key := redisKey(lockID)
	raw, err := l.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock: get %s: %w", lockID, err)
	}
	if _, err := l.redis.EvalSha(ctx, l.releaseSHA, []string{key}, raw).Result(); err != nil {
		return fmt.Errorf("lock: release %s: %w", lockID, err)
	}
	return nil
}

// Get reads the current lease without mutating it.
func (l *Lock) Get(ctx context.Context, lockID string) (*Lease, error) {
	raw, err := l.redis.Get(ctx, redisKey(lockID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock: get %s: %w", lockID, err)
	}
	var lease Lease
	if err := json.Unmarshal([]byte(raw), &lease); err != nil {
		return nil, fmt.Errorf("lock: decode lease %s: %w", lockID, err)
	}
	return &lease, nil
}

// Scan lists lock keys matching a hetuflow:lock:* pattern, used by Janitor.
func (l *Lock) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := l.redis.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}
