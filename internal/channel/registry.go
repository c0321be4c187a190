package channel

import (
	"sync"
)

// Registry is the single owned aggregate for live channel state. One lock
// guards the whole map; callers do all reads and writes through closures so
// no *State ever escapes the lock.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*State
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*State)}
}

// With runs fn against the named channel if it exists.
func (r *Registry) With(name string, fn func(*State)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.channels[Key(name)]
	if !ok {
		return false
	}
	fn(st)
	return true
}

// WithCreate runs fn against the named channel, creating it first if
// needed. Reports whether the channel was created by this call.
func (r *Registry) WithCreate(name string, fn func(*State)) (created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := Key(name)
	st, ok := r.channels[key]
	if !ok {
		st = newState(key)
		r.channels[key] = st
		created = true
	}
	fn(st)
	return created
}

// ForEach runs fn over every channel under the lock.
func (r *Registry) ForEach(fn func(*State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.channels {
		fn(st)
	}
}

// Exists reports whether the channel is present.
func (r *Registry) Exists(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.channels[Key(name)]
	return ok
}

// Len reports the number of live channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// RemoveOrigin drops every remote member vouched for by origin across all
// channels and returns, per channel, the nicks that were removed. Used when
// a peer link dies.
func (r *Registry) RemoveOrigin(origin string) map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	gone := make(map[string][]string)
	for name, st := range r.channels {
		members, ok := st.Remote[origin]
		if !ok {
			continue
		}
		nicks := make([]string, 0, len(members))
		for nick := range members {
			nicks = append(nicks, nick)
		}
		delete(st.Remote, origin)
		gone[name] = nicks
	}
	return gone
}

// RenameRemote moves a remote member from oldNick to newNick in every
// channel where origin vouches for it, returning the affected channels.
func (r *Registry) RenameRemote(origin, oldNick, newNick string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var affected []string
	for name, st := range r.channels {
		members, ok := st.Remote[origin]
		if !ok {
			continue
		}
		m, ok := members[oldNick]
		if !ok {
			continue
		}
		delete(members, oldNick)
		m.Nick = newNick
		members[newNick] = m
		affected = append(affected, name)
	}
	return affected
}

// Prune removes channels with no remaining reason to exist and returns
// their names.
func (r *Registry) Prune() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pruned []string
	for name, st := range r.channels {
		if !st.HasReasonToExist() {
			delete(r.channels, name)
			pruned = append(pruned, name)
		}
	}
	return pruned
}
