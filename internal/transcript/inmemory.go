package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultPerSession = 200

// InMemoryStore keeps the most recent captions of each session in process.
type InMemoryStore struct {
	mu         sync.RWMutex
	perSession int
	records    map[string][]Caption
}

func NewInMemoryStore(perSession int) *InMemoryStore {
	if perSession <= 0 {
		perSession = defaultPerSession
	}
	return &InMemoryStore{perSession: perSession, records: make(map[string][]Caption)}
}

func (s *InMemoryStore) SaveCaption(_ context.Context, c Caption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	arr := append(s.records[c.SessionID], c)
	if len(arr) > s.perSession {
		arr = append([]Caption(nil), arr[len(arr)-s.perSession:]...)
	}
	s.records[c.SessionID] = arr
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]Caption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Caption, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

// Forget drops everything stored for sessionID.
func (s *InMemoryStore) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, sessionID)
}

func (s *InMemoryStore) Close() error { return nil }
