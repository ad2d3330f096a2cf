// Package registry maps an identity to its single live connection.
package registry

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"dateper-messaging/internal/event"
	"github.com/google/uuid"
)

const shardCount = 64

// Conn is a live connection able to receive events.
// Implementations must be comparable (pointer types), the registry compares them by identity.
type Conn interface {
	Send(ev event.Event) error
}

type shard struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]Conn
}

// Registry holds at most one connection per identity.
// Entries are spread over shards so unrelated identities never contend on the same lock.
type Registry struct {
	shards [shardCount]*shard
	size   int64
}

func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[uuid.UUID]Conn)}
	}
	return r
}

func (r *Registry) shard(id uuid.UUID) *shard {
	return r.shards[binary.BigEndian.Uint32(id[12:])%shardCount]
}

// Register stores conn for id and returns the connection it replaced, if any.
// The replaced connection is not closed.
func (r *Registry) Register(id uuid.UUID, conn Conn) Conn {
	s := r.shard(id)
	s.mu.Lock()
	prev, ok := s.conns[id]
	s.conns[id] = conn
	s.mu.Unlock()

	if !ok {
		atomic.AddInt64(&r.size, 1)
	}
	return prev
}

// Unregister removes the entry for id only if conn is the registered connection.
// It reports whether the entry was removed, a stale disconnect returns false.
func (r *Registry) Unregister(id uuid.UUID, conn Conn) bool {
	s := r.shard(id)
	s.mu.Lock()
	cur, ok := s.conns[id]
	if !ok || cur != conn {
		s.mu.Unlock()
		return false
	}
	delete(s.conns, id)
	s.mu.Unlock()

	atomic.AddInt64(&r.size, -1)
	return true
}

func (r *Registry) Lookup(id uuid.UUID) (Conn, bool) {
	s := r.shard(id)
	s.mu.RLock()
	conn, ok := s.conns[id]
	s.mu.RUnlock()
	return conn, ok
}

// Len returns the number of registered identities
func (r *Registry) Len() int {
	return int(atomic.LoadInt64(&r.size))
}

// Range calls fn for every registered connection.
// Each shard is snapshotted before fn runs so fn may call back into the registry.
func (r *Registry) Range(fn func(id uuid.UUID, conn Conn)) {
	type entry struct {
		id   uuid.UUID
		conn Conn
	}

	var entries []entry
	for _, s := range r.shards {
		s.mu.RLock()
		for id, conn := range s.conns {
			entries = append(entries, entry{id: id, conn: conn})
		}
		s.mu.RUnlock()

		for _, e := range entries {
			fn(e.id, e.conn)
		}
		entries = entries[:0]
	}
}
