package services

import (
	"errors"
	"log"
	"sync"
	"time"

	"tradingagents/internal/models"

	"github.com/google/uuid"
)

// Error types for session store operations
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session id already in use")
)

// sessionEntry guards one session. Readers take the read lock to copy a
// snapshot; the runner takes the write lock for each atomic mutation.
type sessionEntry struct {
	mu      sync.RWMutex
	session *models.Session
	changed chan struct{} // closed and replaced on every mutation
}

// SessionStore is the volatile in-process table of analysis sessions.
// The store-level lock only guards map membership, so unrelated sessions
// never contend with each other.
type SessionStore struct {
	sessions map[string]*sessionEntry
	mutex    sync.RWMutex
	newID    func() string
}

// NewSessionStore creates an empty session store
func NewSessionStore() *SessionStore {
	log.Println("📦 SessionStore initialized")
	return &SessionStore{
		sessions: make(map[string]*sessionEntry),
		newID:    uuid.NewString,
	}
}

// Create allocates a session with a fresh id and every plan stage pending
func (s *SessionStore) Create(input models.AnalysisInput, selected, plan []string) *models.Session {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	id := s.newID()
	for {
		if _, exists := s.sessions[id]; !exists {
			break
		}
		log.Printf("⚠️ [SESSION] Generated id %s collides with a live session, regenerating", id)
		id = s.newID()
	}

	session := models.NewSession(id, input, selected, plan)
	s.sessions[id] = &sessionEntry{
		session: session,
		changed: make(chan struct{}),
	}
	return session
}

func (s *SessionStore) entry(id string) (*sessionEntry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}

// Get returns a deep-copied snapshot of the session
func (s *SessionStore) Get(id string) (*models.SessionSnapshot, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session.Snapshot(), nil
}

// Mutate applies fn to the session under its write lock. The change becomes
// visible to readers as a whole; watchers are woken afterwards.
// A completed session is final: fn is not applied and the version is unchanged.
func (s *SessionStore) Mutate(id string, fn func(*models.Session)) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.session.IsComplete {
		e.mu.Unlock()
		return nil
	}
	fn(e.session)
	e.session.Version++
	e.session.UpdatedAt = time.Now()
	changed := e.changed
	e.changed = make(chan struct{})
	e.mu.Unlock()

	close(changed)
	return nil
}

// Watch returns the current snapshot and a channel that is closed on the next mutation
func (s *SessionStore) Watch(id string) (*models.SessionSnapshot, <-chan struct{}, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session.Snapshot(), e.changed, nil
}

// Count returns the number of stored sessions
func (s *SessionStore) Count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.sessions)
}

// SessionStats is a point-in-time summary of the store
type SessionStats struct {
	Total    int `json:"total"`
	Running  int `json:"running"`
	Complete int `json:"complete"`
}

// Stats counts running and complete sessions
func (s *SessionStore) Stats() SessionStats {
	s.mutex.RLock()
	entries := make([]*sessionEntry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mutex.RUnlock()

	stats := SessionStats{Total: len(entries)}
	for _, e := range entries {
		e.mu.RLock()
		if e.session.IsComplete {
			stats.Complete++
		} else {
			stats.Running++
		}
		e.mu.RUnlock()
	}
	return stats
}

// RunningSession identifies an unfinished session
type RunningSession struct {
	ID        string
	CreatedAt time.Time
}

// Incomplete lists every session that has not been finalized
func (s *SessionStore) Incomplete() []RunningSession {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []RunningSession
	for id, e := range s.sessions {
		e.mu.RLock()
		if !e.session.IsComplete {
			out = append(out, RunningSession{ID: id, CreatedAt: e.session.CreatedAt})
		}
		e.mu.RUnlock()
	}
	return out
}

// EvictCompleted removes sessions that completed before cutoff and returns how many were removed
func (s *SessionStore) EvictCompleted(completedBefore time.Time) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	evicted := 0
	for id, e := range s.sessions {
		e.mu.RLock()
		expired := e.session.IsComplete && e.session.CompletedAt != nil && e.session.CompletedAt.Before(completedBefore)
		e.mu.RUnlock()
		if expired {
			delete(s.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		log.Printf("📦 [SESSION] Evicted %d completed sessions, %d remaining", evicted, len(s.sessions))
	}
	return evicted
}
