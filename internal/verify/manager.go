package verify

import (
	"context"
	"sync"

	"attendai/internal/attendance"
	"attendai/internal/capture"
	"attendai/internal/match"
)

// Manager tracks open sessions. Each student has one camera and at most one
// active session; opening a new session closes the previous one first.
type Manager struct {
	loader    capture.Loader
	templates Templates
	matcher   match.Matcher
	recorder  attendance.Recorder
	opts      []Option

	mu        sync.Mutex
	sessions  map[string]*Session
	byStudent map[string]*Session
	cameras   map[string]*capture.PushSource
}

// NewManager builds a manager. opts apply to every session it opens.
func NewManager(loader capture.Loader, templates Templates, matcher match.Matcher, recorder attendance.Recorder, opts ...Option) *Manager {
	return &Manager{
		loader:    loader,
		templates: templates,
		matcher:   matcher,
		recorder:  recorder,
		opts:      opts,
		sessions:  make(map[string]*Session),
		byStudent: make(map[string]*Session),
		cameras:   make(map[string]*capture.PushSource),
	}
}

// Open starts a session for studentID. On capability failure the returned
// session is in Error and is not registered.
func (m *Manager) Open(ctx context.Context, studentID, classID, date string) (*Session, error) {
	m.mu.Lock()
	prev := m.byStudent[studentID]
	cam, ok := m.cameras[studentID]
	if !ok {
		cam = capture.NewPushSource()
		m.cameras[studentID] = cam
	}
	m.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}

	s := New(studentID, classID, date, Deps{
		Loader:    m.loader,
		Source:    cam,
		Templates: m.templates,
		Matcher:   m.matcher,
		Recorder:  m.recorder,
	}, m.opts...)
	if err := s.Open(ctx); err != nil {
		return s, err
	}

	m.mu.Lock()
	s.mu.Lock()
	s.onClose = func() { m.remove(s) }
	s.mu.Unlock()
	m.sessions[s.id] = s
	m.byStudent[studentID] = s
	m.mu.Unlock()

	// closed before registration finished
	if s.State() == Closed {
		m.remove(s)
		return s, ErrSessionClosed
	}
	return s, nil
}

// Get returns an open session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Active returns the student's current session, if any.
func (m *Manager) Active(studentID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byStudent[studentID]
	return s, ok
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll closes every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range open {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			_ = s.Close()
		}(s)
	}
	wg.Wait()
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s.id)
	if m.byStudent[s.studentID] == s {
		delete(m.byStudent, s.studentID)
	}
}
