package core

import (
	"sort"
	"sync"
)

// Snapshot maps user ids to their active session ids. It is a private copy.
type Snapshot map[string]map[string]struct{}

// Sessions returns the sorted session ids of a user.
func (s Snapshot) Sessions(userID string) []string {
	set := s[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Users returns the sorted user ids.
func (s Snapshot) Users() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Presence tracks which users have at least one active session on a channel.
// A user is present in the registry iff its session set is non-empty.
type Presence struct {
	mu       sync.Mutex
	users    map[string]map[string]struct{}
	watchers map[int]func(Snapshot)
	nextID   int
}

// NewPresence creates an empty registry.
func NewPresence() *Presence {
	return &Presence{
		users:    make(map[string]map[string]struct{}),
		watchers: make(map[int]func(Snapshot)),
	}
}

// MarkOnline adds sessionID to userID's sessions. Returns true if newly added.
func (p *Presence) MarkOnline(userID, sessionID string) bool {
	if userID == "" || sessionID == "" {
		return false
	}

	p.mu.Lock()
	set, ok := p.users[userID]
	if !ok {
		set = make(map[string]struct{})
		p.users[userID] = set
	}
	if _, exists := set[sessionID]; exists {
		p.mu.Unlock()
		return false
	}
	set[sessionID] = struct{}{}
	snap, watchers := p.changedLocked()
	p.mu.Unlock()

	notify(watchers, snap)
	return true
}

// MarkOffline removes sessionID from userID's sessions, pruning the user when
// no session is left. Returns true if something was removed.
func (p *Presence) MarkOffline(userID, sessionID string) bool {
	p.mu.Lock()
	set, ok := p.users[userID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	if _, exists := set[sessionID]; !exists {
		p.mu.Unlock()
		return false
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(p.users, userID)
	}
	snap, watchers := p.changedLocked()
	p.mu.Unlock()

	notify(watchers, snap)
	return true
}

// IsOnline reports whether the user has at least one active session.
func (p *Presence) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.users[userID]) > 0
}

// Count returns the number of online users.
func (p *Presence) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.users)
}

// Snapshot returns a copy of the registry.
func (p *Presence) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.copyLocked()
}

// Others returns a snapshot without selfUserID.
func (p *Presence) Others(selfUserID string) Snapshot {
	snap := p.Snapshot()
	delete(snap, selfUserID)
	return snap
}

// Watch registers fn to receive a fresh snapshot after every change.
// The returned function unregisters it.
func (p *Presence) Watch(fn func(Snapshot)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.watchers[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.watchers, id)
		p.mu.Unlock()
	}
}

func (p *Presence) copyLocked() Snapshot {
	out := make(Snapshot, len(p.users))
	for user, set := range p.users {
		sessions := make(map[string]struct{}, len(set))
		for s := range set {
			sessions[s] = struct{}{}
		}
		out[user] = sessions
	}
	return out
}

func (p *Presence) changedLocked() (Snapshot, []func(Snapshot)) {
	if len(p.watchers) == 0 {
		return nil, nil
	}
	watchers := make([]func(Snapshot), 0, len(p.watchers))
	for _, fn := range p.watchers {
		watchers = append(watchers, fn)
	}
	return p.copyLocked(), watchers
}

func notify(watchers []func(Snapshot), snap Snapshot) {
	for _, fn := range watchers {
		// Each watcher gets its own copy.
		fn(cloneSnapshot(snap))
	}
}

func cloneSnapshot(s Snapshot) Snapshot {
	out := make(Snapshot, len(s))
	for user, set := range s {
		sessions := make(map[string]struct{}, len(set))
		for id := range set {
			sessions[id] = struct{}{}
		}
		out[user] = sessions
	}
	return out
}
