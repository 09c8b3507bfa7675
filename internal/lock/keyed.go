package lock

import (
	"context"
	"sync"
)

// Keyed is a set of mutexes addressed by string key. Holders of different
// keys never contend. Entries are reference counted and removed once the last
// holder or waiter lets go, so the map only holds keys in use.
type Keyed struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewKeyed returns an empty keyed lock set.
func NewKeyed() *Keyed {
	return &Keyed{slots: make(map[string]*slot)}
}

func (k *Keyed) acquireSlot(key string) *slot {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	return s
}

func (k *Keyed) releaseSlot(key string, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}

// Lock blocks until key is held or ctx is done. The returned func releases
// the key and must be called exactly once.
func (k *Keyed) Lock(ctx context.Context, key string) (func(), error) {
	s := k.acquireSlot(key)
	select {
	case s.ch <- struct{}{}:
		return k.unlocker(key, s), nil
	case <-ctx.Done():
		k.releaseSlot(key, s)
		return nil, ctx.Err()
	}
}

// TryLock takes key without waiting. ok is false when another holder has it.
func (k *Keyed) TryLock(key string) (unlock func(), ok bool) {
	s := k.acquireSlot(key)
	select {
	case s.ch <- struct{}{}:
		return k.unlocker(key, s), true
	default:
		k.releaseSlot(key, s)
		return nil, false
	}
}

func (k *Keyed) unlocker(key string, s *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			k.releaseSlot(key, s)
		})
	}
}

// Len reports how many keys are currently held or awaited.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}
