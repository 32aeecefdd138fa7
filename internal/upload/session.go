package upload

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

type sessionStatus string

const (
	statusActive sessionStatus = "active"
	statusFailed sessionStatus = "failed"
)

// totalUnknown marks a session whose chunk count has not been declared yet.
const totalUnknown = 0

// session tracks one in-flight upload. The working file only ever grows by
// appending the next expected chunk; anything arriving early sits in the
// pending buffer until the gap before it closes.
type session struct {
	mu sync.Mutex

	id        string
	fileName  string
	total     int
	createdAt time.Time

	next          int
	flushedBytes  int64
	pending       map[int][]byte
	pendingBytes  int64
	acceptedCount int

	file     *os.File
	workPath string

	status       sessionStatus
	failure      error
	lastActivity time.Time

	// removed is set once the registry has let go of this session; holders
	// of a stale pointer re-run the lookup when they see it.
	removed bool
}

func (s *session) touch(now time.Time) {
	s.lastActivity = now
}

// pendingIndexes returns the buffered chunk indexes in ascending order.
func (s *session) pendingIndexes() []int {
	out := make([]int, 0, len(s.pending))
	for index := range s.pending {
		out = append(out, index)
	}
	sort.Ints(out)
	return out
}

// appendChunk writes payload at the tail of the working file and advances
// the contiguous prefix.
func (s *session) appendChunk(payload []byte) error {
	if _, err := s.file.Write(payload); err != nil {
		return fmt.Errorf("append chunk %d: %w", s.next, err)
	}
	s.flushedBytes += int64(len(payload))
	s.next++
	s.acceptedCount++
	return nil
}

// drainPending flushes the contiguous run of buffered chunks that starts at
// the current write position.
func (s *session) drainPending() error {
	for {
		payload, ok := s.pending[s.next]
		if !ok {
			return nil
		}
		index := s.next
		if err := s.appendChunk(payload); err != nil {
			return err
		}
		delete(s.pending, index)
		s.pendingBytes -= int64(len(payload))
	}
}

// complete reports whether every declared chunk has been flushed.
func (s *session) complete() bool {
	return s.total != totalUnknown && s.next == s.total
}

// fail closes the working file and turns the session into a tombstone.
// Later chunks for the same id are rejected until the reaper purges it.
func (s *session) fail(cause error, now time.Time) {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	s.pending = nil
	s.pendingBytes = 0
	s.status = statusFailed
	s.failure = cause
	s.touch(now)
}

func (s *session) stateRecord(now time.Time) StateRecord {
	return StateRecord{
		SessionID:    s.id,
		FileName:     s.fileName,
		TotalChunks:  s.total,
		NextIndex:    s.next,
		FlushedBytes: s.flushedBytes,
		UpdatedAt:    now,
	}
}

// SessionSnapshot is a point-in-time view of an in-flight session, served
// to clients that want to resume after an interruption.
type SessionSnapshot struct {
	SessionID     string    `json:"sessionId"`
	FileName      string    `json:"fileName"`
	TotalChunks   int       `json:"totalChunks"`
	NextIndex     int       `json:"nextIndex"`
	FlushedBytes  int64     `json:"flushedBytes"`
	PendingChunks []int     `json:"pendingChunks,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActivity  time.Time `json:"lastActivity"`
}

func (s *session) snapshot() SessionSnapshot {
	return SessionSnapshot{
		SessionID:     s.id,
		FileName:      s.fileName,
		TotalChunks:   s.total,
		NextIndex:     s.next,
		FlushedBytes:  s.flushedBytes,
		PendingChunks: s.pendingIndexes(),
		Status:        string(s.status),
		CreatedAt:     s.createdAt,
		LastActivity:  s.lastActivity,
	}
}
