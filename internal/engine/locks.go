package engine

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// EntityKind orders lock keys: all accounts, then idempotency keys, then pools.
type EntityKind uint8

const (
	EntityAccount EntityKind = iota + 1
	EntityIdempotencyKey
	EntityPool
)

func (k EntityKind) String() string {
	switch k {
	case EntityAccount:
		return "account"
	case EntityIdempotencyKey:
		return "idempotency_key"
	case EntityPool:
		return "pool"
	}
	return "unknown"
}

// LockKey names one lockable entity.
type LockKey struct {
	Kind EntityKind
	ID   string
}

func (k LockKey) less(o LockKey) bool {
	if k.Kind != o.Kind {
		return k.Kind < o.Kind
	}
	return k.ID < o.ID
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// LockTable hands out exclusive per-entity locks. Locks for a set of entities
// are always taken in canonical (kind, id) order, so two transactions can
// never wait on each other in a cycle.
type LockTable struct {
	mu      sync.Mutex
	entries map[LockKey]*lockEntry
}

func NewLockTable() *LockTable {
	return &LockTable{entries: make(map[LockKey]*lockEntry)}
}

func (t *LockTable) ref(k LockKey) *semaphore.Weighted {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[k]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		t.entries[k] = e
	}
	e.refs++
	return e.sem
}

func (t *LockTable) unref(k LockKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[k]
	e.refs--
	if e.refs == 0 {
		delete(t.entries, k)
	}
}

// Canonical sorts keys and removes duplicates and empty ids.
func Canonical(keys []LockKey) []LockKey {
	out := make([]LockKey, 0, len(keys))
	for _, k := range keys {
		if k.ID != "" {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	n := 0
	for i, k := range out {
		if i == 0 || k != out[n-1] {
			out[n] = k
			n++
		}
	}
	return out[:n]
}

// Acquire locks every key in canonical order, waiting until ctx is done.
// On failure no lock is held. The returned func releases all locks.
func (t *LockTable) Acquire(ctx context.Context, keys []LockKey) (func(), error) {
	keys = Canonical(keys)
	held := make([]LockKey, 0, len(keys))
	sems := make([]*semaphore.Weighted, 0, len(keys))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			sems[i].Release(1)
			t.unref(held[i])
		}
	}

	for _, k := range keys {
		sem := t.ref(k)
		if err := sem.Acquire(ctx, 1); err != nil {
			t.unref(k)
			release()
			return nil, err
		}
		held = append(held, k)
		sems = append(sems, sem)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// Len returns the number of entities currently locked or awaited.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
