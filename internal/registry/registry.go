package registry

import (
	"sort"
	"sync"
)

// Conn is a live client transport session owned by the registry. The
// registry never writes to the network itself: Send enqueues onto the
// connection's outbound buffer, so no registry lock is held across I/O.
type Conn interface {
	// UserID is the authenticated owner of the connection.
	UserID() int
	// Send enqueues an event for delivery. It must not block; a send to
	// a connection that is already closing is a no-op, not an error.
	Send(event string, payload any) error
	// Close tears down the transport.
	Close() error
}

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	conns map[int]map[Conn]struct{}
}

// Registry maps user ids to their live connections. A user may hold
// zero, one, or more connections at a time (multi-tab, multi-device).
// State is sharded by user id so unrelated users' admits and evicts
// never contend on the same lock.
type Registry struct {
	shards [shardCount]*shard
}

// New creates an empty Registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[int]map[Conn]struct{})}
	}
	return r
}

func (r *Registry) shardFor(userID int) *shard {
	return r.shards[uint(userID)%shardCount]
}

// Admit registers conn under its user id and reports whether the user
// transitioned from offline to online.
func (r *Registry) Admit(conn Conn) (wentOnline bool) {
	s := r.shardFor(conn.UserID())
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.conns[conn.UserID()]
	if !ok {
		set = make(map[Conn]struct{})
		s.conns[conn.UserID()] = set
	}
	set[conn] = struct{}{}
	return !ok
}

// Evict removes exactly that connection and reports whether the user
// transitioned to offline. Evicting an unknown connection is a no-op.
func (r *Registry) Evict(conn Conn) (wentOffline bool) {
	s := r.shardFor(conn.UserID())
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.conns[conn.UserID()]
	if !ok {
		return false
	}
	if _, present := set[conn]; !present {
		return false
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(s.conns, conn.UserID())
		return true
	}
	return false
}

// ConnectionsFor returns a snapshot of the user's live connections.
func (r *Registry) ConnectionsFor(userID int) []Conn {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.conns[userID]
	if len(set) == 0 {
		return nil
	}
	conns := make([]Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

// IsOnline reports whether the user has at least one connection.
func (r *Registry) IsOnline(userID int) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns[userID]) > 0
}

// OnlineUserIDs returns a sorted snapshot of users with at least one
// connection.
func (r *Registry) OnlineUserIDs() []int {
	ids := make([]int, 0)
	for _, s := range r.shards {
		s.mu.RLock()
		for id := range s.conns {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	sort.Ints(ids)
	return ids
}

// PushToUser enqueues an event on every live connection of the user.
// Dead connections are skipped; delivery is best-effort.
func (r *Registry) PushToUser(userID int, event string, payload any) {
	for _, c := range r.ConnectionsFor(userID) {
		_ = c.Send(event, payload)
	}
}

// Broadcast enqueues an event on every connection in the registry.
// Used only for the global presence events; chat traffic is scoped to
// participants through the room router.
func (r *Registry) Broadcast(event string, payload any) {
	for _, s := range r.shards {
		s.mu.RLock()
		conns := make([]Conn, 0)
		for _, set := range s.conns {
			for c := range set {
				conns = append(conns, c)
			}
		}
		s.mu.RUnlock()
		for _, c := range conns {
			_ = c.Send(event, payload)
		}
	}
}
