package engine

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// targetLocks serializes dispatches per target. The weighted semaphore
// queues waiters in FIFO order, so same-target requests run in
// submission order and are never reordered by priority hints.
type targetLocks struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

func newTargetLocks() *targetLocks {
	return &targetLocks{locks: make(map[string]*semaphore.Weighted)}
}

func (l *targetLocks) acquire(ctx context.Context, target string) error {
	return l.sem(target).Acquire(ctx, 1)
}

func (l *targetLocks) release(target string) {
	l.sem(target).Release(1)
}

func (l *targetLocks) sem(target string) *semaphore.Weighted {
	key := strings.ToLower(target)
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.locks[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.locks[key] = sem
	}
	return sem
}
