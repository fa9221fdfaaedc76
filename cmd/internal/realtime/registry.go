package realtime

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Entry is one (user, channel) pair taken from a registry snapshot.
type Entry struct {
	UserID  int64
	Channel Channel
}

// Registry maps a user to its single live channel.
//
// Concurrency model:
// - All operations hold mu only for the map access; no I/O happens under the lock.
// - Snapshot returns a copy so fan-out never iterates the live map.
type Registry struct {
	mu    sync.RWMutex
	conns map[int64]Channel
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[int64]Channel)}
}

// Register inserts or replaces the channel for id and returns the superseded channel, if any.
func (r *Registry) Register(id int64, ch Channel) Channel {
	r.mu.Lock()
	prev := r.conns[id]
	r.conns[id] = ch
	r.mu.Unlock()

	if prev == ch {
		return nil
	}
	return prev
}

// Remove deletes the entry for id. Missing ids are a no-op.
func (r *Registry) Remove(id int64) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// Release deletes the entry for id only while it still references ch.
// It reports whether the entry was removed.
func (r *Registry) Release(id int64, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.conns[id]
	if !ok || cur != ch {
		return false
	}
	delete(r.conns, id)
	return true
}

// Lookup returns the current channel for id.
func (r *Registry) Lookup(id int64) (Channel, bool) {
	r.mu.RLock()
	ch, ok := r.conns[id]
	r.mu.RUnlock()
	return ch, ok
}

// Snapshot returns a point-in-time copy of all entries ordered by user id.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.conns))
	for id, ch := range r.conns {
		out = append(out, Entry{UserID: id, Channel: ch})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// OnlineUserIDs returns the ids of every registered user in ascending order.
func (r *Registry) OnlineUserIDs() []int64 {
	return lo.Map(r.Snapshot(), func(e Entry, _ int) int64 { return e.UserID })
}

// Len returns the number of registered users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
