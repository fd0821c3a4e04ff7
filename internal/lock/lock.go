// Package lock provides per-shop mutual exclusion for bulk operations.
//
// The platform allows only one active bulk operation per shop at a time, so
// a worker must hold the shop's lock before starting one. The lock lives in
// Redis with a TTL bounding how long a crashed worker can block its shop.
package lock

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockPrefix = "lock:bulkop:"

// DefaultTTL covers the longest expected single stage; long holders extend.
const DefaultTTL = 35 * time.Minute

// Lua: delete only if the value matches, so a job cannot release a lock that
// expired and was re-acquired by another job.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end
`)

// Lua: extend only if we still hold the lock.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
else
  return 0
end
`)

// Manager implements acquire/release/extend over a shared Redis instance.
//
// Failure policy: if Redis itself is unreachable, Acquire fails open and
// grants the lock. The platform rejects overlapping bulk operations anyway,
// so availability wins over strict exclusion here.
type Manager struct {
	redis *redis.Client
}

func NewManager(redisClient *redis.Client) *Manager {
	return &Manager{redis: redisClient}
}

// Acquire attempts an atomic set-if-absent with expiry. Returns true when the
// lock was granted to holderID.
func (m *Manager) Acquire(ctx context.Context, shopID, holderID string, ttl time.Duration) (bool, error) {
	key := lockPrefix + shopID

	ok, err := m.redis.SetNX(ctx, key, holderID, ttl).Result()
	if err != nil {
		log.Printf("[Lock] Acquire failed for shop %s, failing open: %v", shopID, err)
		return true, nil
	}

	if ok {
		log.Printf("[Lock] Acquired shop %s for job %s (ttl %s)", shopID, holderID, ttl)
		return true, nil
	}

	holder, _ := m.redis.Get(ctx, key).Result()
	log.Printf("[Lock] Shop %s already locked by %s (requested by %s)", shopID, holder, holderID)
	return false, nil
}

// Release deletes the lock only if holderID still owns it. Returns whether it
// actually released.
func (m *Manager) Release(ctx context.Context, shopID, holderID string) (bool, error) {
	key := lockPrefix + shopID

	n, err := releaseScript.Run(ctx, m.redis, []string{key}, holderID).Int()
	if err != nil {
		log.Printf("[Lock] Release failed for shop %s: %v", shopID, err)
		return false, err
	}
	if n == 1 {
		log.Printf("[Lock] Released shop %s (job %s)", shopID, holderID)
		return true, nil
	}
	log.Printf("[Lock] Shop %s not held by job %s, nothing released", shopID, holderID)
	return false, nil
}

// Extend resets the TTL only if holderID still owns the lock. Long-running
// jobs call this on a timer so the lock does not expire mid-operation.
func (m *Manager) Extend(ctx context.Context, shopID, holderID string, ttl time.Duration) (bool, error) {
	key := lockPrefix + shopID

	n, err := extendScript.Run(ctx, m.redis, []string{key}, holderID, strconv.FormatInt(ttl.Milliseconds(), 10)).Int()
	if err != nil {
		log.Printf("[Lock] Extend failed for shop %s: %v", shopID, err)
		return false, err
	}
	if n != 1 {
		log.Printf("[Lock] Cannot extend shop %s, not held by job %s", shopID, holderID)
		return false, nil
	}
	return true, nil
}

// Holder returns the job id currently holding the shop's lock, or empty.
func (m *Manager) Holder(ctx context.Context, shopID string) (string, error) {
	holder, err := m.redis.Get(ctx, lockPrefix+shopID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return holder, err
}
