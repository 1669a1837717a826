package accounting

import (
	"sync"

	"github.com/codelaboratoryltd/radiusd/pkg/session"
)

// keyedMutex serializes work per session key. Entries are dropped once no
// goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[session.Key]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[session.Key]*keyLock)}
}

// Lock blocks until k is free and returns the matching unlock
func (km *keyedMutex) Lock(k session.Key) func() {
	km.mu.Lock()
	l, ok := km.locks[k]
	if !ok {
		l = &keyLock{}
		km.locks[k] = l
	}
	l.refs++
	km.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		km.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(km.locks, k)
		}
		km.mu.Unlock()
	}
}

// closedSet remembers the most recently closed session keys so a
// retransmitted Stop is recognised after the session left the table.
// The oldest key is forgotten once the set is full.
type closedSet struct {
	mu   sync.Mutex
	seq  uint64
	keys map[session.Key]uint64
	ring []closedEntry
	next int
}

type closedEntry struct {
	key session.Key
	seq uint64
}

func newClosedSet(size int) *closedSet {
	if size <= 0 {
		size = 1
	}
	return &closedSet{
		keys: make(map[session.Key]uint64, size),
		ring: make([]closedEntry, size),
	}
}

func (c *closedSet) Add(k session.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.ring[c.next]
	if old.seq != 0 && c.keys[old.key] == old.seq {
		delete(c.keys, old.key)
	}
	c.seq++
	c.ring[c.next] = closedEntry{key: k, seq: c.seq}
	c.keys[k] = c.seq
	c.next = (c.next + 1) % len(c.ring)
}

func (c *closedSet) Contains(k session.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.keys[k]
	return ok
}

// Remove forgets k and reports whether it was present
func (c *closedSet) Remove(k session.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.keys[k]; !ok {
		return false
	}
	delete(c.keys, k)
	return true
}

func (c *closedSet) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}
