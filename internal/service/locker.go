package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Locker serializes writers on a set of keys. Implementations must acquire keys in
// the given order and release everything acquired when they fail.
type Locker interface {
	Lock(ctx context.Context, keys []string) (unlock func(), err error)
}

func productKey(id int64) string { return fmt.Sprintf("product:%d", id) }

// productKeys returns the sorted, de-duplicated lock keys for the given products
func productKeys(ids ...int64) []string {
	seen := make(map[int64]bool, len(ids))
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		keys = append(keys, productKey(id))
	}
	sort.Strings(keys)
	return keys
}

// KeyedLocker is an in-process Locker with one slot per key
type KeyedLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewKeyedLocker creates an empty KeyedLocker
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{slots: make(map[string]chan struct{})}
}

func (l *KeyedLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Lock blocks until every key is held or ctx is done
func (l *KeyedLocker) Lock(ctx context.Context, keys []string) (func(), error) {
	acquired := make([]chan struct{}, 0, len(keys))
	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			<-acquired[i]
		}
	}

	for _, key := range keys {
		ch := l.slot(key)
		select {
		case ch <- struct{}{}:
			acquired = append(acquired, ch)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}
