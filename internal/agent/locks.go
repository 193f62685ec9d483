package agent

import (
	"context"
	"sync"
)

// threadLocks serializes runs per thread. Entries exist only while a run
// holds or waits for them.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	sem  chan struct{}
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*threadLock)}
}

// acquire blocks until the thread is free or ctx is done.
func (t *threadLocks) acquire(ctx context.Context, threadID string) (release func(), err error) {
	t.mu.Lock()
	l := t.locks[threadID]
	if l == nil {
		l = &threadLock{sem: make(chan struct{}, 1)}
		t.locks[threadID] = l
	}
	l.refs++
	t.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.sem
				t.unref(threadID, l)
			})
		}, nil
	case <-ctx.Done():
		t.unref(threadID, l)
		return nil, ctx.Err()
	}
}

func (t *threadLocks) unref(threadID string, l *threadLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, threadID)
	}
}

func (t *threadLocks) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
