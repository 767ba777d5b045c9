package session

import (
	"container/list"
	"sync"
	"time"
)

// Store holds live session states. Lookups and inserts are O(1); when the
// store grows past its cap the least recently used session is dropped.
type Store struct {
	maxSessions int

	mu       sync.RWMutex
	sessions map[string]*list.Element
	lru      *list.List // front = most recently used; values are *State
}

// NewStore creates a store. maxSessions <= 0 means unbounded.
func NewStore(maxSessions int) *Store {
	return &Store{
		maxSessions: maxSessions,
		sessions:    make(map[string]*list.Element),
		lru:         list.New(),
	}
}

// Get returns the state of a session, creating it if needed.
func (s *Store) Get(id string, now time.Time) *State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.sessions[id]; ok {
		s.lru.MoveToFront(el)
		return el.Value.(*State)
	}

	st := NewState(id)
	st.LastSeen = now
	s.sessions[id] = s.lru.PushFront(st)
	s.evictLocked()
	return st
}

// Peek returns a session without creating or touching it.
func (s *Store) Peek(id string) (*State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	el, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return el.Value.(*State), true
}

// With runs fn with the session lock held, creating the session if needed.
// A state swept out of the store while the lock was awaited is not used.
func (s *Store) With(id string, now time.Time, fn func(*State)) {
	for !s.with(s.Get(id, now), now, fn) {
	}
}

func (s *Store) with(st *State, now time.Time, fn func(*State)) bool {
	st.Lock()
	defer st.Unlock()
	if !s.holds(st) {
		return false
	}
	st.LastSeen = now
	fn(st)
	return true
}

// holds reports whether st is the state currently stored under its id.
func (s *Store) holds(st *State) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	el, ok := s.sessions[st.ID]
	return ok && el.Value.(*State) == st
}

// Put installs a state wholesale (snapshot restore).
func (s *Store) Put(st *State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.sessions[st.ID]; ok {
		el.Value = st
		s.lru.MoveToFront(el)
		return
	}
	s.sessions[st.ID] = s.lru.PushFront(st)
	s.evictLocked()
}

// Delete drops a session.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.sessions[id]; ok {
		s.lru.Remove(el)
		delete(s.sessions, id)
	}
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// All returns every live state, most recently used first.
func (s *Store) All() []*State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*State, 0, s.lru.Len())
	for el := s.lru.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*State))
	}
	return out
}

// Sweep purges expired records in every session and drops sessions left
// empty. Returns the number of sessions dropped.
func (s *Store) Sweep(now time.Time) int {
	dropped := 0
	for _, st := range s.All() {
		st.Lock()
		st.Purge(now)
		if st.Empty() && s.deleteState(st) {
			dropped++
		}
		st.Unlock()
	}
	return dropped
}

// deleteState drops st if it is still the state stored under its id. The
// caller holds st's lock.
func (s *Store) deleteState(st *State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.sessions[st.ID]
	if !ok || el.Value.(*State) != st {
		return false
	}
	s.lru.Remove(el)
	delete(s.sessions, st.ID)
	return true
}

func (s *Store) evictLocked() {
	if s.maxSessions <= 0 {
		return
	}
	for len(s.sessions) > s.maxSessions {
		oldest := s.lru.Back()
		if oldest == nil {
			return
		}
		s.lru.Remove(oldest)
		delete(s.sessions, oldest.Value.(*State).ID)
	}
}
