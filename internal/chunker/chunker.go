// Package chunker divides a binary payload into fixed-size spans suitable for
// independent transfer. Planning is a pure function of the payload length and
// chunk size, so an interrupted upload can rebuild the identical plan and
// resume from the indices the server already holds.
package chunker

import (
	"fmt"
	"io"
)

// DefaultChunkSize matches the browser upload client's 128 KiB slices.
const DefaultChunkSize = 128 * 1024

// Span describes one chunk of the payload: its sequence index and the byte
// range it covers.
type Span struct {
	Index  int
	Offset int64
	Length int64
}

// Plan covers [0, size) with consecutive spans of chunkSize bytes, the last
// span possibly shorter. A zero-length payload yields an empty plan.
func Plan(size, chunkSize int64) ([]Span, error) {
	if size < 0 {
		return nil, fmt.Errorf("payload size must not be negative, got %d", size)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if size == 0 {
		return nil, nil
	}
	count := size / chunkSize
	if size%chunkSize != 0 {
		count++
	}
	spans := make([]Span, 0, count)
	for offset := int64(0); offset < size; offset += chunkSize {
		length := chunkSize
		if remaining := size - offset; remaining < length {
			length = remaining
		}
		spans = append(spans, Span{Index: len(spans), Offset: offset, Length: length})
	}
	return spans, nil
}

// Count reports how many chunks Plan would produce without materializing them.
func Count(size, chunkSize int64) (int, error) {
	if size < 0 {
		return 0, fmt.Errorf("payload size must not be negative, got %d", size)
	}
	if chunkSize <= 0 {
		return 0, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if size == 0 {
		return 0, nil
	}
	count := size / chunkSize
	if size%chunkSize != 0 {
		count++
	}
	return int(count), nil
}

// Payload returns a reader over the bytes a span covers.
func (s Span) Payload(source io.ReaderAt) io.Reader {
	return io.NewSectionReader(source, s.Offset, s.Length)
}

// Read copies the span's bytes out of the source.
func (s Span) Read(source io.ReaderAt) ([]byte, error) {
	buf := make([]byte, s.Length)
	if _, err := io.ReadFull(s.Payload(source), buf); err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", s.Index, err)
	}
	return buf, nil
}
