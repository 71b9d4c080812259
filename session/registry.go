// Package session tracks which live sessions have joined which document room.
package session

import (
	"sort"
	"sync"
)

// Registry is an in-process room membership index. Rooms exist only while
// they have members and are rebuilt from scratch on restart.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]struct{}
	sessions map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[string]map[string]struct{}),
		sessions: make(map[string]map[string]struct{}),
	}
}

// Join adds sessionID to the room for key. It reports whether the session
// was not already a member.
func (r *Registry) Join(sessionID, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[key]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[key] = members
	}
	if _, exists := members[sessionID]; exists {
		return false
	}
	members[sessionID] = struct{}{}

	keys, ok := r.sessions[sessionID]
	if !ok {
		keys = make(map[string]struct{})
		r.sessions[sessionID] = keys
	}
	keys[key] = struct{}{}
	return true
}

// Leave removes sessionID from the room for key, dropping the room once empty.
func (r *Registry) Leave(sessionID, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(sessionID, key)
}

// LeaveAll removes sessionID from every room it joined and returns those keys.
func (r *Registry) LeaveAll(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := sortedKeys(r.sessions[sessionID])
	for _, key := range keys {
		r.leaveLocked(sessionID, key)
	}
	return keys
}

func (r *Registry) leaveLocked(sessionID, key string) bool {
	members, ok := r.rooms[key]
	if !ok {
		return false
	}
	if _, exists := members[sessionID]; !exists {
		return false
	}

	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.rooms, key)
	}

	if keys, ok := r.sessions[sessionID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(r.sessions, sessionID)
		}
	}
	return true
}

// MembersExcluding lists the room for key without sessionID, sorted.
func (r *Registry) MembersExcluding(key, sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[key]
	out := make([]string, 0, len(members))
	for id := range members {
		if id != sessionID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Members(key string) []string {
	return r.MembersExcluding(key, "")
}

// Keys lists the rooms sessionID has joined, sorted.
func (r *Registry) Keys(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.sessions[sessionID])
}

// Rooms returns a snapshot of member counts per room.
func (r *Registry) Rooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make(map[string]int, len(r.rooms))
	for key, members := range r.rooms {
		rooms[key] = len(members)
	}
	return rooms
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
