package store

import (
	"sort"
	"sync"
)

// Locks is a set of mutexes addressed by string key. Entries are dropped
// when nobody holds or waits on them.
type Locks struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewLocks() *Locks {
	return &Locks{m: make(map[string]*lockEntry)}
}

// Lock acquires the mutex for key and returns its release func.
func (l *Locks) Lock(key string) func() {
	l.mu.Lock()
	e, ok := l.m[key]
	if !ok {
		e = &lockEntry{}
		l.m[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
	}
}

// LockAll acquires every key in sorted order and returns one release func.
func (l *Locks) LockAll(keys []string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	releases := make([]func(), 0, len(sorted))
	for i, k := range sorted {
		if i > 0 && k == sorted[i-1] {
			continue
		}
		releases = append(releases, l.Lock(k))
	}
	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
}

// Len reports how many keys currently have holders or waiters.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func DeviceLockKey(user string, device uint32) string { return "dev:" + GenIdentityKey(user, device) }

func UserLockKey(user string) string { return "user:" + esc(user) }
