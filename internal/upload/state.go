package upload

import (
	"context"
	"sync"
	"time"
)

// StateRecord captures how far a session's contiguous prefix has been
// flushed to the working file. Buffered out-of-order chunks are never
// recorded; after a restart the client re-sends anything past NextIndex.
type StateRecord struct {
	SessionID    string    `json:"sessionId"`
	FileName     string    `json:"fileName"`
	TotalChunks  int       `json:"totalChunks"`
	NextIndex    int       `json:"nextIndex"`
	FlushedBytes int64     `json:"flushedBytes"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// StateStore persists per-session progress so in-flight uploads survive a
// process restart.
type StateStore interface {
	Save(ctx context.Context, record StateRecord) error
	Load(ctx context.Context, sessionID string) (StateRecord, bool, error)
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]StateRecord, error)
}

// MemoryStateStore keeps progress records in process memory. It satisfies
// StateStore for single-node deployments and tests; restarts lose state,
// which simply forces clients to start their sessions over.
type MemoryStateStore struct {
	mu      sync.Mutex
	records map[string]StateRecord
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{records: make(map[string]StateRecord)}
}

func (s *MemoryStateStore) Save(_ context.Context, record StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.SessionID] = record
	return nil
}

func (s *MemoryStateStore) Load(_ context.Context, sessionID string) (StateRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[sessionID]
	return record, ok, nil
}

func (s *MemoryStateStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, sessionID)
	return nil
}

func (s *MemoryStateStore) List(_ context.Context) ([]StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StateRecord, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record)
	}
	return out, nil
}
