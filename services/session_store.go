package services

import (
	"fmt"
	"sync"
	"time"

	"docqa-platform/models"
)

// Session is one client's retrieval state: the active document, the results
// of its last search and the results the user picked from them
type Session struct {
	ID          string
	DocumentID  string
	LastResults []models.SearchResult
	Selection   models.SelectionSet
	UpdatedAt   time.Time
}

// SessionStore holds sessions in memory. Every change happens under one mutex.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// RecordSearch replaces the session's last results. Any selection is cleared
// because it referred to the previous result list.
func (s *SessionStore) RecordSearch(sessionID, documentID string, results []models.SearchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreate(sessionID)
	sess.DocumentID = documentID
	sess.LastResults = cloneResults(results)
	sess.Selection = models.SelectionSet{DocumentID: documentID}
	sess.UpdatedAt = s.now()
}

// SetActiveDocument switches the session to documentID, clearing results and
// selection when the document changes
func (s *SessionStore) SetActiveDocument(sessionID, documentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreate(sessionID)
	if sess.DocumentID != documentID {
		sess.DocumentID = documentID
		sess.LastResults = nil
		sess.Selection = models.SelectionSet{DocumentID: documentID}
	}
	sess.UpdatedAt = s.now()
}

// Select replaces the selection with the results at the given 0-based
// positions of the last search. Duplicate positions count once.
func (s *SessionStore) Select(sessionID string, positions []int) (models.SelectionSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || len(sess.LastResults) == 0 {
		return models.SelectionSet{}, fmt.Errorf("%w: session %q has no search results to select from", models.ErrInvalidInput, sessionID)
	}

	seen := make(map[int]bool, len(positions))
	selected := make([]models.SearchResult, 0, len(positions))
	for _, pos := range positions {
		if pos < 0 || pos >= len(sess.LastResults) {
			return models.SelectionSet{}, fmt.Errorf("%w: position %d outside last results (0-%d)",
				models.ErrInvalidInput, pos, len(sess.LastResults)-1)
		}
		if seen[pos] {
			continue
		}
		seen[pos] = true
		selected = append(selected, sess.LastResults[pos])
	}

	sess.Selection = models.SelectionSet{DocumentID: sess.DocumentID, Results: selected}
	sess.UpdatedAt = s.now()
	return cloneSelection(sess.Selection), nil
}

// ClearSelection empties the selection and keeps the last results
func (s *SessionStore) ClearSelection(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionID]; ok {
		sess.Selection = models.SelectionSet{DocumentID: sess.DocumentID}
		sess.UpdatedAt = s.now()
	}
}

// Get returns a copy of the session
func (s *SessionStore) Get(sessionID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	out := *sess
	out.LastResults = cloneResults(sess.LastResults)
	out.Selection = cloneSelection(sess.Selection)
	return out, true
}

// ForgetDocument clears every session pointing at documentID
func (s *SessionStore) ForgetDocument(documentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sess := range s.sessions {
		if sess.DocumentID == documentID {
			sess.DocumentID = ""
			sess.LastResults = nil
			sess.Selection = models.SelectionSet{}
		}
	}
}

// Reset drops every session
func (s *SessionStore) Reset() {
	s.mu.Lock()
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()
}

// Evict removes sessions idle for longer than ttl and returns how many went
func (s *SessionStore) Evict(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-ttl)
	evicted := 0
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			evicted++
		}
	}
	return evicted
}

func (s *SessionStore) getOrCreate(sessionID string) *Session {
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &Session{ID: sessionID}
		s.sessions[sessionID] = sess
	}
	return sess
}

func cloneResults(results []models.SearchResult) []models.SearchResult {
	if results == nil {
		return nil
	}
	out := make([]models.SearchResult, len(results))
	copy(out, results)
	return out
}

func cloneSelection(sel models.SelectionSet) models.SelectionSet {
	return models.SelectionSet{DocumentID: sel.DocumentID, Results: cloneResults(sel.Results)}
}
