package phasesync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLocalLockerExcludes(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	lease, err := l.TryLock(ctx, runLockKey, time.Minute)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := l.TryLock(ctx, runLockKey, time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	other, err := l.TryLock(ctx, propertyLockKey("P-1"), time.Minute)
	if err != nil {
		t.Fatalf("independent key must lock: %v", err)
	}
	_ = other.Release(ctx)

	_ = lease.Release(ctx)
	_ = lease.Release(ctx)
	again, err := l.TryLock(ctx, runLockKey, time.Minute)
	if err != nil {
		t.Fatalf("relock after release: %v", err)
	}
	defer again.Release(ctx)
	if _, err := l.TryLock(ctx, runLockKey, time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("a repeated release must not free the lock twice, got %v", err)
	}
}

func TestAcquireWithWaitGetsLockReleasedMeanwhile(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	held, err := l.TryLock(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	go func() {
		time.Sleep(60 * time.Millisecond)
		_ = held.Release(ctx)
	}()
	lease, err := acquireWithWait(ctx, l, "k", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("expected the lock after release, got %v", err)
	}
	_ = lease.Release(ctx)
}

func TestAcquireWithWaitGivesUp(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	held, _ := l.TryLock(ctx, "k", time.Minute)
	defer held.Release(ctx)

	if _, err := acquireWithWait(ctx, l, "k", time.Minute, 100*time.Millisecond); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
}
