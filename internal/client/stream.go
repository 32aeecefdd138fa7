package client

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"chunkstream/internal/catalog"
)

// Stream uploads chunks as they are produced, for sources like a live
// recorder where the total count is unknown until the capture stops. Push
// delivers chunks sequentially; Stop declares the final count and publishes.
type Stream struct {
	client    *Client
	sessionID string
	fileName  string
	next      int
	stopped   bool
}

func (c *Client) NewStream(fileName string) *Stream {
	return &Stream{
		client:    c,
		sessionID: uuid.NewString(),
		fileName:  fileName,
	}
}

func (s *Stream) SessionID() string {
	return s.sessionID
}

// Push delivers the next chunk. The total stays undeclared so the server
// keeps the session open until Stop.
func (s *Stream) Push(ctx context.Context, payload []byte) error {
	if s.stopped {
		return fmt.Errorf("stream %s is stopped", s.sessionID)
	}
	if len(payload) == 0 {
		return fmt.Errorf("chunk payload is empty")
	}
	if _, err := s.client.sendChunk(ctx, s.sessionID, s.next, 0, s.fileName, payload); err != nil {
		return err
	}
	s.next++
	return nil
}

// Stop finalizes the stream and returns the published artifact. Calling
// Stop without any pushed chunks is an error.
func (s *Stream) Stop(ctx context.Context) (catalog.Artifact, error) {
	if s.stopped {
		return catalog.Artifact{}, fmt.Errorf("stream %s is stopped", s.sessionID)
	}
	if s.next == 0 {
		return catalog.Artifact{}, fmt.Errorf("stream %s has no chunks", s.sessionID)
	}
	s.stopped = true
	return s.client.Finalize(ctx, s.sessionID, s.next)
}
