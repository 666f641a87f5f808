package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultInMemoryCap = 256

// InMemoryStore keeps the most recent turns per session for local/dev use.
type InMemoryStore struct {
	mu         sync.RWMutex
	perSession int
	records    map[string][]TurnRecord
}

func NewInMemoryStore(perSession int) *InMemoryStore {
	if perSession <= 0 {
		perSession = defaultInMemoryCap
	}
	return &InMemoryStore{perSession: perSession, records: make(map[string][]TurnRecord)}
}

func (s *InMemoryStore) RecordTurn(_ context.Context, record TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	arr := append(s.records[record.SessionID], record)
	if len(arr) > s.perSession {
		arr = arr[len(arr)-s.perSession:]
	}
	s.records[record.SessionID] = arr
	return nil
}

func (s *InMemoryStore) SessionTurns(_ context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TurnRecord, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
