package phasesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const (
	runLockKey         = "phasesync:run"
	propertyLockPrefix = "phasesync:property:"
)

// ErrLockHeld is returned by TryLock when another holder owns the key.
var ErrLockHeld = errors.New("lock held")

func propertyLockKey(externalId string) string {
	return propertyLockPrefix + externalId
}

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out named locks without waiting.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// acquireWithWait retries TryLock a few times before giving up.
func acquireWithWait(ctx context.Context, l Locker, key string, ttl, wait time.Duration) (Lease, error) {
	if wait <= 0 {
		return l.TryLock(ctx, key, ttl)
	}
	step := 50 * time.Millisecond
	tries := uint64(wait / step)
	var lease Lease
	err := retry.Do(ctx, retry.WithMaxRetries(tries, retry.NewConstant(step)), func(ctx context.Context) error {
		var err error
		lease, err = l.TryLock(ctx, key, ttl)
		if errors.Is(err, ErrLockHeld) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// RedisLocker keeps locks in Redis so replicas share them. Held locks are
// refreshed in the background until released.
type RedisLocker struct {
	client func() *redislock.Client
	logger *logrus.Logger
}

func NewRedisLocker(client func() *redislock.Client, logger *logrus.Logger) *RedisLocker {
	return &RedisLocker{client: client, logger: logger}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	c := l.client()
	if c == nil {
		return nil, errors.New("redis lock client is not connected")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	lock, err := c.Obtain(ctx, key, ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}
	lease := &redisLease{lock: lock, key: key, ttl: ttl, stop: make(chan struct{}), done: make(chan struct{}), logger: l.logger}
	go lease.keepAlive()
	return lease, nil
}

type redisLease struct {
	lock   *redislock.Lock
	key    string
	ttl    time.Duration
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	logger *logrus.Logger
}

func (l *redisLease) keepAlive() {
	defer close(l.done)
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			err := l.lock.Refresh(ctx, l.ttl, nil)
			cancel()
			if err != nil {
				if l.logger != nil {
					l.logger.WithFields(logrus.Fields{"lock": l.key}).Warn("lock refresh failed: " + err.Error())
				}
				return
			}
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		err = l.lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			err = nil
		}
	})
	return err
}

// LocalLocker keeps locks in process memory. It is used when Redis is not
// configured, which is only safe with a single replica, and in tests.
type LocalLocker struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{sems: map[string]*semaphore.Weighted{}}
}

// TryLock ignores ttl; a local lock lives until released.
func (l *LocalLocker) TryLock(_ context.Context, key string, _ time.Duration) (Lease, error) {
	l.mu.Lock()
	sem, ok := l.sems[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.sems[key] = sem
	}
	l.mu.Unlock()

	if !sem.TryAcquire(1) {
		return nil, ErrLockHeld
	}
	return &localLease{sem: sem}, nil
}

type localLease struct {
	sem  *semaphore.Weighted
	once sync.Once
}

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() { l.sem.Release(1) })
	return nil
}
