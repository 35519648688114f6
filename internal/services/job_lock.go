package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// JobLock makes sure a background job runs on one instance at a time.
// Run reports false without calling fn when another holder owns the lock.
type JobLock interface {
	Run(ctx context.Context, job string, fn func(ctx context.Context) error) (bool, error)
}

// RedisJobLock is a cluster-wide lock backed by redsync
type RedisJobLock struct {
	rs  *redsync.Redsync
	ttl time.Duration
}

// NewRedisJobLock creates a lock over the given redis client
func NewRedisJobLock(client redis.UniversalClient, ttl time.Duration) *RedisJobLock {
	return &RedisJobLock{rs: redsync.New(goredis.NewPool(client)), ttl: ttl}
}

// Run acquires the job lock with a single try and releases it after fn
func (l *RedisJobLock) Run(ctx context.Context, job string, fn func(ctx context.Context) error) (bool, error) {
	mutex := l.rs.NewMutex("ticketing:job:"+job, redsync.WithExpiry(l.ttl), redsync.WithTries(1))
	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire %s lock: %w", job, err)
	}
	defer func() {
		_, _ = mutex.UnlockContext(context.WithoutCancel(ctx))
	}()

	return true, fn(ctx)
}

// LocalJobLock serializes jobs inside one process
type LocalJobLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocalJobLock creates an in-process lock
func NewLocalJobLock() *LocalJobLock {
	return &LocalJobLock{locks: make(map[string]*sync.Mutex)}
}

// Run skips the job when a previous run is still going
func (l *LocalJobLock) Run(ctx context.Context, job string, fn func(ctx context.Context) error) (bool, error) {
	l.mu.Lock()
	m, ok := l.locks[job]
	if !ok {
		m = &sync.Mutex{}
		l.locks[job] = m
	}
	l.mu.Unlock()

	if !m.TryLock() {
		return false, nil
	}
	defer m.Unlock()
	return true, fn(ctx)
}
