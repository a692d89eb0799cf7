// Package distlock provides named mutual-exclusion locks. Redis backs locks
// shared across processes; the local backend covers single-process
// deployments without Redis.
package distlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Extend when the lock has expired or is owned by
// someone else.
var ErrNotHeld = errors.New("lock not held")

// Lock is a single named lock. Instances are not safe for concurrent use
// across goroutines; create one per holder.
type Lock interface {
	// Acquire tries to take the lock without blocking. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
	// Extend pushes the expiry out by ttl if we still own the lock.
	Extend(ctx context.Context, ttl time.Duration) error
}

// Locker creates locks for keys.
type Locker interface {
	NewLock(key string, ttl time.Duration) Lock
}

// NewLocker returns a Redis-backed locker when redisClient is non-nil and an
// in-process locker otherwise.
func NewLocker(redisClient *redis.Client) Locker {
	if redisClient != nil {
		return &RedisLocker{client: redisClient}
	}
	return NewLocalLocker()
}

// RedisLocker hands out RedisLock instances.
type RedisLocker struct {
	client *redis.Client
}

// NewLock implements Locker.
func (r *RedisLocker) NewLock(key string, ttl time.Duration) Lock {
	return NewRedisLock(r.client, key, ttl)
}

// =============================================================================
// In-process lock (used when Redis is not configured)
// =============================================================================

// LocalLocker keeps lock ownership in memory. Expiry is honoured so a holder
// that never releases does not wedge the key forever.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
}

type localEntry struct {
	owner   *localLock
	expires time.Time
}

// NewLocalLocker creates an empty in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localEntry), now: time.Now}
}

// NewLock implements Locker.
func (l *LocalLocker) NewLock(key string, ttl time.Duration) Lock {
	return &localLock{parent: l, key: "lock:" + key, ttl: ttl}
}

type localLock struct {
	parent *LocalLocker
	key    string
	ttl    time.Duration
}

func (l *localLock) Acquire(_ context.Context) (bool, error) {
	p := l.parent
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.held[l.key]; ok && e.owner != l && p.now().Before(e.expires) {
		return false, nil
	}
	p.held[l.key] = localEntry{owner: l, expires: p.now().Add(l.ttl)}
	return true, nil
}

func (l *localLock) Release(_ context.Context) error {
	p := l.parent
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.held[l.key]; ok && e.owner == l {
		delete(p.held, l.key)
	}
	return nil
}

func (l *localLock) Extend(_ context.Context, ttl time.Duration) error {
	p := l.parent
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.held[l.key]
	if !ok || e.owner != l || !p.now().Before(e.expires) {
		return ErrNotHeld
	}
	p.held[l.key] = localEntry{owner: l, expires: p.now().Add(ttl)}
	return nil
}
