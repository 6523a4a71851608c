package consistency

import (
	"context"
	"sort"
	"sync"
)

// Locker serializes the validate-then-write sequence of operations touching
// the same keys. Implementations must acquire keys in the order given.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
}

// LockKeys sorts and dedupes keys, dropping empty ones.
func LockKeys(keys ...string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// LocalLocker is an in-process Locker: one buffered channel per key acting as
// a mutex that can be abandoned when the context ends.
type LocalLocker struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{sems: make(map[string]chan struct{})}
}

func (l *LocalLocker) sem(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.sems[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.sems[key] = ch
	}
	return ch
}

func (l *LocalLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	held := make([]chan struct{}, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}
	for _, key := range keys {
		ch := l.sem(key)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}

type nopLocker struct{}

func (nopLocker) Lock(context.Context, ...string) (func(), error) {
	return func() {}, nil
}
