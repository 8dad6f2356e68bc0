package store

import (
	"sync"

	"github.com/kimhsiao/shopsync/internal/models"
)

// KeyLocks serializes local mutations per entity key. Entries are reference
// counted and removed once nobody holds or waits on them.
//
// A key lock must never be held across remote I/O.
type KeyLocks struct {
	mu    sync.Mutex
	locks map[models.EntityKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyLocks creates an empty lock table.
func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: make(map[models.EntityKey]*keyLock)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (l *KeyLocks) Lock(key models.EntityKey) func() {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			kl.mu.Unlock()
			l.mu.Lock()
			kl.refs--
			if kl.refs == 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}

// Len returns how many keys are currently held or awaited.
func (l *KeyLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
