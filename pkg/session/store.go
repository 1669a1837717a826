package session

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// DefaultShards is the shard count used when none is configured
const DefaultShards = 32

type shard struct {
	mu       sync.RWMutex
	sessions map[Key]*Online
}

// Store is the online-session table. Sessions are sharded by NAS address so
// bulk operations for one NAS touch a single shard.
type Store struct {
	shards []*shard
}

// NewStore creates a store with n shards
func NewStore(n int) *Store {
	if n <= 0 {
		n = DefaultShards
	}
	s := &Store{shards: make([]*shard, n)}
	for i := range s.shards {
		s.shards[i] = &shard{sessions: make(map[Key]*Online)}
	}
	return s
}

func (s *Store) shardFor(nasAddr string) *shard {
	h := fnv.New32a()
	h.Write([]byte(nasAddr))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Get returns a copy of the session stored under k
func (s *Store) Get(k Key) (Online, bool) {
	sh := s.shardFor(k.NasAddr)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	o, ok := sh.sessions[k]
	if !ok {
		return Online{}, false
	}
	return *o, true
}

// Put inserts or overwrites a session
func (s *Store) Put(o Online) {
	sh := s.shardFor(o.NasAddr)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.sessions[o.Key()] = &o
}

// Update applies fn to the session under k while holding the shard lock.
// It returns false if the session does not exist.
func (s *Store) Update(k Key, fn func(o *Online)) bool {
	sh := s.shardFor(k.NasAddr)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	o, ok := sh.sessions[k]
	if !ok {
		return false
	}
	fn(o)
	return true
}

// Delete removes a session, returning the removed value
func (s *Store) Delete(k Key) (Online, bool) {
	sh := s.shardFor(k.NasAddr)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	o, ok := sh.sessions[k]
	if !ok {
		return Online{}, false
	}
	delete(sh.sessions, k)
	return *o, true
}

// ListByNAS returns the sessions of one NAS
func (s *Store) ListByNAS(nasAddr string) []Online {
	sh := s.shardFor(nasAddr)
	sh.mu.RLock()
	var out []Online
	for k, o := range sh.sessions {
		if k.NasAddr == nasAddr {
			out = append(out, *o)
		}
	}
	sh.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AcctSessionID < out[j].AcctSessionID })
	return out
}

// List returns a snapshot of all sessions ordered by NAS and session id
func (s *Store) List() []Online {
	return s.filter(func(*Online) bool { return true })
}

// ListByAccount returns the sessions of one account
func (s *Store) ListByAccount(account string) []Online {
	return s.filter(func(o *Online) bool { return o.AccountNumber == account })
}

// Stale returns sessions whose last update is before cutoff
func (s *Store) Stale(cutoff time.Time) []Online {
	return s.filter(func(o *Online) bool { return o.LastUpdate.Before(cutoff) })
}

// CountByAccount returns the number of live sessions of an account
func (s *Store) CountByAccount(account string) int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, o := range sh.sessions {
			if o.AccountNumber == account {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n
}

// Count returns the number of live sessions
func (s *Store) Count() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

func (s *Store) filter(keep func(*Online) bool) []Online {
	var out []Online
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, o := range sh.sessions {
			if keep(o) {
				out = append(out, *o)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NasAddr != out[j].NasAddr {
			return out[i].NasAddr < out[j].NasAddr
		}
		return out[i].AcctSessionID < out[j].AcctSessionID
	})
	return out
}
