package enrollment

import (
	"context"
	"sync"
	"time"
)

// Template is the enrolled face descriptor of one student. A student has at
// most one template; saving again replaces it.
type Template struct {
	StudentID  string    `json:"student_id"`
	Vector     []float32 `json:"vector"`
	CapturedAt time.Time `json:"captured_at"`
}

// Store persists templates.
type Store interface {
	// Lookup returns found=false with a nil error when the student has no template.
	Lookup(ctx context.Context, studentID string) (tmpl Template, found bool, err error)
	Save(ctx context.Context, tmpl Template) error
}

// Memory is an in-process Store.
type Memory struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{templates: make(map[string]Template)}
}

func (m *Memory) Lookup(_ context.Context, studentID string) (Template, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[studentID]
	if !ok {
		return Template{}, false, nil
	}
	t.Vector = append([]float32(nil), t.Vector...)
	return t, true, nil
}

func (m *Memory) Save(_ context.Context, tmpl Template) error {
	tmpl.Vector = append([]float32(nil), tmpl.Vector...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[tmpl.StudentID] = tmpl
	return nil
}
