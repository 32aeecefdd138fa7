package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

type dataset struct {
	Artifacts map[string]Artifact `json:"artifacts"`
}

// JSONRepository persists the catalog to a single JSON snapshot file, suitable
// for single-node deployments and local development.
type JSONRepository struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewJSONRepository opens (or creates) the JSON-backed catalog at path.
func NewJSONRepository(path string) (*JSONRepository, error) {
	if path == "" {
		return nil, fmt.Errorf("catalog path is required")
	}
	repo := &JSONRepository{
		filePath: path,
		data:     dataset{Artifacts: make(map[string]Artifact)},
	}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *JSONRepository) load() error {
	payload, err := os.ReadFile(r.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read catalog: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	var data dataset
	if err := json.Unmarshal(payload, &data); err != nil {
		return fmt.Errorf("decode catalog: %w", err)
	}
	if data.Artifacts == nil {
		data.Artifacts = make(map[string]Artifact)
	}
	r.data = data
	return nil
}

func (r *JSONRepository) persistLocked() error {
	if r.persistOverride != nil {
		return r.persistOverride(r.data)
	}
	payload, err := json.MarshalIndent(r.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	if dir := filepath.Dir(r.filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create catalog directory: %w", err)
		}
	}
	tmp := r.filePath + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	if err := os.Rename(tmp, r.filePath); err != nil {
		return fmt.Errorf("replace catalog: %w", err)
	}
	return nil
}

// Ping reports whether the snapshot location is writable.
func (r *JSONRepository) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(r.filePath)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("catalog directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("catalog parent %s is not a directory", dir)
	}
	return nil
}

// Put stores the artifact record and persists the snapshot.
func (r *JSONRepository) Put(ctx context.Context, artifact Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if artifact.Name == "" {
		return fmt.Errorf("artifact name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.data.Artifacts[artifact.Name]; exists {
		return fmt.Errorf("artifact %s already recorded", artifact.Name)
	}
	r.data.Artifacts[artifact.Name] = artifact
	if err := r.persistLocked(); err != nil {
		delete(r.data.Artifacts, artifact.Name)
		return err
	}
	return nil
}

// Get fetches a single artifact record by generated name.
func (r *JSONRepository) Get(ctx context.Context, name string) (Artifact, bool, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	artifact, ok := r.data.Artifacts[name]
	return artifact, ok, nil
}

// List returns all artifact records, newest first.
func (r *JSONRepository) List(ctx context.Context) ([]Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	artifacts := make([]Artifact, 0, len(r.data.Artifacts))
	for _, artifact := range r.data.Artifacts {
		artifacts = append(artifacts, artifact)
	}
	sort.Slice(artifacts, func(i, j int) bool {
		if !artifacts[i].CreatedAt.Equal(artifacts[j].CreatedAt) {
			return artifacts[i].CreatedAt.After(artifacts[j].CreatedAt)
		}
		return artifacts[i].Name < artifacts[j].Name
	})
	return artifacts, nil
}

// Delete removes an artifact record. Deleting an unknown name is an error so
// callers notice catalog drift.
func (r *JSONRepository) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	artifact, ok := r.data.Artifacts[name]
	if !ok {
		return fmt.Errorf("artifact %s not found", name)
	}
	delete(r.data.Artifacts, name)
	if err := r.persistLocked(); err != nil {
		r.data.Artifacts[name] = artifact
		return err
	}
	return nil
}
