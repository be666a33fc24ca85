// Package memory keeps the question/answer transcript that is fed back to
// the model on each turn.
package memory

import (
	"context"
	"sync"

	"studybuddy/internal/models"
)

// Store holds per-session transcripts. Callers serialize read-then-append for
// a single session; implementations only guarantee that individual calls are
// safe for concurrent use.
type Store interface {
	Append(ctx context.Context, sessionID string, turn models.Turn) error
	Transcript(ctx context.Context, sessionID string) ([]models.Turn, error)
}

// InMemory is a process-local Store. Transcripts are lost on restart.
type InMemory struct {
	window   int
	mu       sync.RWMutex
	sessions map[string][]models.Turn
}

// NewInMemory keeps the last window turns per session; window <= 0 keeps all.
func NewInMemory(window int) *InMemory {
	return &InMemory{window: window, sessions: make(map[string][]models.Turn)}
}

func (m *InMemory) Append(_ context.Context, sessionID string, turn models.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := append(m.sessions[sessionID], turn)
	if m.window > 0 && len(turns) > m.window {
		trimmed := make([]models.Turn, m.window)
		copy(trimmed, turns[len(turns)-m.window:])
		turns = trimmed
	}
	m.sessions[sessionID] = turns
	return nil
}

// Transcript returns a copy of the session's turns, oldest first.
func (m *InMemory) Transcript(_ context.Context, sessionID string) ([]models.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	turns := m.sessions[sessionID]
	out := make([]models.Turn, len(turns))
	copy(out, turns)
	return out, nil
}
