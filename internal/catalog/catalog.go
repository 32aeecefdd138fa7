// Package catalog records finalized upload artifacts so the API can list and
// resolve them independently of the filesystem layout.
package catalog

import (
	"context"
	"time"
)

// Artifact describes one reassembled upload after finalization. Records are
// immutable once written.
type Artifact struct {
	Name        string    `json:"name"`
	FileName    string    `json:"fileName"`
	Path        string    `json:"path"`
	SizeBytes   int64     `json:"sizeBytes"`
	Checksum    string    `json:"checksum,omitempty"`
	SessionID   string    `json:"sessionId"`
	TotalChunks int       `json:"totalChunks"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Repository exposes the artifact catalog operations required by the upload
// registry and API handlers.
type Repository interface {
	Ping(ctx context.Context) error
	Put(ctx context.Context, artifact Artifact) error
	Get(ctx context.Context, name string) (Artifact, bool, error)
	List(ctx context.Context) ([]Artifact, error)
	Delete(ctx context.Context, name string) error
}
