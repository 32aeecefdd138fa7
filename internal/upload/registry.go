package upload

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"chunkstream/internal/catalog"
	"chunkstream/internal/observability/metrics"
)

// DefaultMaxPendingBytes caps how much out-of-order data a single session
// may hold in memory before early chunks are pushed back to the client.
const DefaultMaxPendingBytes = 8 << 20

// Injection points for failure-path tests.
var (
	openWorkFile    = os.OpenFile
	publishArtifact = os.Rename
)

// Config wires a Registry to its storage and observability collaborators.
type Config struct {
	// WorkDir holds in-flight .part files; PublicDir receives finished
	// artifacts via rename, so both must sit on the same filesystem.
	WorkDir   string
	PublicDir string

	// MaxPendingBytes bounds the per-session reorder buffer. Zero selects
	// DefaultMaxPendingBytes.
	MaxPendingBytes int64

	State   StateStore
	Catalog catalog.Repository
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Registry owns every in-flight upload session: it routes incoming chunks,
// buffers the out-of-order ones, and publishes finished files atomically.
type Registry struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu       sync.Mutex
	sessions map[string]*session

	now func() time.Time
}

func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.WorkDir == "" || cfg.PublicDir == "" {
		return nil, fmt.Errorf("upload registry requires work and public directories")
	}
	if cfg.State == nil {
		cfg.State = NewMemoryStateStore()
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("upload registry requires a catalog repository")
	}
	if cfg.MaxPendingBytes <= 0 {
		cfg.MaxPendingBytes = DefaultMaxPendingBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	for _, dir := range []string{cfg.WorkDir, cfg.PublicDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Registry{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "upload"),
		metrics:  cfg.Metrics,
		sessions: make(map[string]*session),
		now:      time.Now,
	}, nil
}

// ChunkRequest carries one chunk from the transport layer. TotalChunks is
// zero when the client has not declared the chunk count on this request.
type ChunkRequest struct {
	SessionID   string
	Index       int
	TotalChunks int
	FileName    string
	Payload     []byte
}

// ChunkResult reports what happened to a chunk. Artifact is non-nil when
// this chunk completed the session and the file was published.
type ChunkResult struct {
	Outcome      Outcome
	SessionID    string
	NextIndex    int
	FlushedBytes int64
	Completed    bool
	Artifact     *catalog.Artifact
}

// AcceptChunk applies one chunk to its session, creating the session on
// first contact. Redelivered chunks return OutcomeDuplicate with no error.
func (r *Registry) AcceptChunk(ctx context.Context, req ChunkRequest) (ChunkResult, error) {
	if err := validateChunkRequest(req); err != nil {
		r.metrics.ObserveChunk(string(OutcomeCaller), 0)
		return ChunkResult{Outcome: OutcomeCaller, SessionID: req.SessionID}, err
	}

	s, err := r.acquire(ctx, req)
	if err != nil {
		r.metrics.ObserveChunk(string(Classify(err)), 0)
		return ChunkResult{Outcome: Classify(err), SessionID: req.SessionID}, err
	}

	result, err := r.applyChunk(ctx, s, req)
	removed := s.removed
	s.mu.Unlock()
	if removed {
		r.detach(s)
	}
	r.metrics.ObserveChunk(string(result.Outcome), int64(len(req.Payload)))
	return result, err
}

func validateChunkRequest(req ChunkRequest) error {
	switch {
	case req.SessionID == "":
		return callerErrorf("session id is required")
	case req.Index < 0:
		return callerErrorf("chunk index %d is negative", req.Index)
	case req.TotalChunks < 0:
		return callerErrorf("total chunks %d is negative", req.TotalChunks)
	case req.TotalChunks > 0 && req.Index >= req.TotalChunks:
		return callerErrorf("chunk index %d out of range for %d chunks", req.Index, req.TotalChunks)
	case len(req.Payload) == 0:
		return callerErrorf("chunk payload is empty")
	}
	return nil
}

// acquire returns the session for req locked, creating it when absent.
func (r *Registry) acquire(ctx context.Context, req ChunkRequest) (*session, error) {
	for {
		r.mu.Lock()
		s, ok := r.sessions[req.SessionID]
		if !ok {
			created, err := r.createSession(ctx, req)
			if err != nil {
				r.mu.Unlock()
				return nil, err
			}
			r.sessions[req.SessionID] = created
			r.mu.Unlock()
			created.mu.Lock()
			return created, nil
		}
		r.mu.Unlock()

		s.mu.Lock()
		if s.removed {
			s.mu.Unlock()
			continue
		}
		return s, nil
	}
}

func (r *Registry) createSession(ctx context.Context, req ChunkRequest) (*session, error) {
	now := r.now()
	workPath := filepath.Join(r.cfg.WorkDir, sanitizeSessionPath(req.SessionID)+".part")
	file, err := openWorkFile(workPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fatalErrorf("open working file for session %s: %w", req.SessionID, err)
	}
	s := &session{
		id:           req.SessionID,
		fileName:     req.FileName,
		total:        totalUnknown,
		createdAt:    now,
		pending:      make(map[int][]byte),
		file:         file,
		workPath:     workPath,
		status:       statusActive,
		lastActivity: now,
	}
	if err := r.cfg.State.Save(ctx, s.stateRecord(now)); err != nil {
		r.logger.Warn("persist session state", "session_id", req.SessionID, "error", err)
	}
	r.metrics.SessionOpened()
	r.logger.Info("session opened", "session_id", req.SessionID, "file_name", req.FileName)
	return s, nil
}

// applyChunk runs with s.mu held.
func (r *Registry) applyChunk(ctx context.Context, s *session, req ChunkRequest) (ChunkResult, error) {
	now := r.now()
	result := ChunkResult{SessionID: s.id, NextIndex: s.next, FlushedBytes: s.flushedBytes}

	if s.status == statusFailed {
		result.Outcome = OutcomeFatal
		return result, fatalErrorf("session %s: %w: %v", s.id, ErrSessionFailed, s.failure)
	}
	if s.fileName == "" && req.FileName != "" {
		s.fileName = req.FileName
	}
	if req.TotalChunks > 0 {
		if err := r.declareTotal(s, req.TotalChunks); err != nil {
			result.Outcome = OutcomeCaller
			return result, err
		}
	}
	if s.total != totalUnknown && req.Index >= s.total {
		result.Outcome = OutcomeCaller
		return result, callerErrorf("chunk index %d out of range for %d chunks", req.Index, s.total)
	}

	s.touch(now)
	switch {
	case req.Index < s.next:
		result.Outcome = OutcomeDuplicate
		return result, nil
	case req.Index > s.next:
		if _, buffered := s.pending[req.Index]; buffered {
			result.Outcome = OutcomeDuplicate
			return result, nil
		}
		if s.pendingBytes+int64(len(req.Payload)) > r.cfg.MaxPendingBytes {
			result.Outcome = OutcomeTransient
			return result, transientErrorf("session %s: reorder buffer full at chunk %d, resend after chunk %d lands", s.id, req.Index, s.next)
		}
		buf := make([]byte, len(req.Payload))
		copy(buf, req.Payload)
		s.pending[req.Index] = buf
		s.pendingBytes += int64(len(buf))
		result.Outcome = OutcomeAccepted
		result.NextIndex = s.next
		return result, nil
	}

	if err := s.appendChunk(req.Payload); err != nil {
		return r.failSession(s, err, now, result)
	}
	if err := s.drainPending(); err != nil {
		return r.failSession(s, err, now, result)
	}
	if err := r.cfg.State.Save(ctx, s.stateRecord(now)); err != nil {
		r.logger.Warn("persist session state", "session_id", s.id, "error", err)
	}

	result.Outcome = OutcomeAccepted
	result.NextIndex = s.next
	result.FlushedBytes = s.flushedBytes

	if s.complete() {
		artifact, err := r.finishSession(ctx, s)
		if err != nil {
			result.Outcome = Classify(err)
			return result, err
		}
		result.Completed = true
		result.Artifact = &artifact
	}
	return result, nil
}

func (r *Registry) declareTotal(s *session, total int) error {
	if s.total == totalUnknown {
		if s.next > total {
			return callerErrorf("session %s: %w: already flushed %d chunks, declared %d", s.id, ErrTotalMismatch, s.next, total)
		}
		for index := range s.pending {
			if index >= total {
				return callerErrorf("session %s: %w: buffered chunk %d exceeds declared total %d", s.id, ErrTotalMismatch, index, total)
			}
		}
		s.total = total
		return nil
	}
	if s.total != total {
		return callerErrorf("session %s: %w: declared %d, previously %d", s.id, ErrTotalMismatch, total, s.total)
	}
	return nil
}

func (r *Registry) failSession(s *session, cause error, now time.Time, result ChunkResult) (ChunkResult, error) {
	s.fail(cause, now)
	r.metrics.SessionClosed("failed")
	r.logger.Error("session failed", "session_id", s.id, "error", cause)
	result.Outcome = OutcomeFatal
	return result, fatalErrorf("session %s: %w", s.id, cause)
}

// Finalize publishes a complete session. totalChunks carries the client's
// declaration when chunks arrived without one; zero means rely on what the
// session already knows.
func (r *Registry) Finalize(ctx context.Context, sessionID string, totalChunks int) (catalog.Artifact, error) {
	if sessionID == "" {
		return catalog.Artifact{}, callerErrorf("session id is required")
	}
	if totalChunks < 0 {
		return catalog.Artifact{}, callerErrorf("total chunks %d is negative", totalChunks)
	}

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return catalog.Artifact{}, callerErrorf("session %s: %w", sessionID, ErrUnknownSession)
	}

	s.mu.Lock()
	defer func() {
		removed := s.removed
		s.mu.Unlock()
		if removed {
			r.detach(s)
		}
	}()

	if s.removed {
		return catalog.Artifact{}, callerErrorf("session %s: %w", sessionID, ErrUnknownSession)
	}
	if s.status == statusFailed {
		return catalog.Artifact{}, fatalErrorf("session %s: %w: %v", s.id, ErrSessionFailed, s.failure)
	}
	priorTotal := s.total
	if totalChunks > 0 {
		if err := r.declareTotal(s, totalChunks); err != nil {
			return catalog.Artifact{}, err
		}
	}
	if s.total == totalUnknown {
		return catalog.Artifact{}, callerErrorf("session %s: total chunk count was never declared", s.id)
	}
	if !s.complete() {
		// A rejected finalize must not bind the total: the remaining chunks
		// would auto-finalize and strand the client's retried finalize.
		declared := s.total
		s.total = priorTotal
		return catalog.Artifact{}, callerErrorf("session %s: %w: have %d of %d chunks", s.id, ErrSessionIncomplete, s.next, declared)
	}
	return r.finishSession(ctx, s)
}

// finishSession runs with s.mu held and the session known complete. The
// working file is closed, checksummed, renamed into the public directory,
// and recorded in the catalog; only then does the session disappear.
func (r *Registry) finishSession(ctx context.Context, s *session) (catalog.Artifact, error) {
	now := r.now()
	if err := s.file.Sync(); err != nil {
		_, ferr := r.failSession(s, fmt.Errorf("sync working file: %w", err), now, ChunkResult{})
		return catalog.Artifact{}, ferr
	}
	if err := s.file.Close(); err != nil {
		s.file = nil
		_, ferr := r.failSession(s, fmt.Errorf("close working file: %w", err), now, ChunkResult{})
		return catalog.Artifact{}, ferr
	}
	s.file = nil

	checksum, err := checksumFile(s.workPath)
	if err != nil {
		_, ferr := r.failSession(s, err, now, ChunkResult{})
		return catalog.Artifact{}, ferr
	}

	name := artifactName(s.fileName)
	publicPath := filepath.Join(r.cfg.PublicDir, name)
	if err := publishArtifact(s.workPath, publicPath); err != nil {
		_, ferr := r.failSession(s, fmt.Errorf("publish artifact: %w", err), now, ChunkResult{})
		return catalog.Artifact{}, ferr
	}

	artifact := catalog.Artifact{
		Name:        name,
		FileName:    s.fileName,
		Path:        publicPath,
		SizeBytes:   s.flushedBytes,
		Checksum:    checksum,
		SessionID:   s.id,
		TotalChunks: s.total,
		CreatedAt:   now,
	}
	if err := r.cfg.Catalog.Put(ctx, artifact); err != nil {
		// Pull the file back so a retried finalize can publish it again.
		if restoreErr := r.restoreWorkFile(s, publicPath); restoreErr != nil {
			_, ferr := r.failSession(s, fmt.Errorf("record artifact: %v; restore working file: %w", err, restoreErr), now, ChunkResult{})
			return catalog.Artifact{}, ferr
		}
		return catalog.Artifact{}, transientErrorf("session %s: record artifact: %w", s.id, err)
	}

	if err := r.cfg.State.Delete(ctx, s.id); err != nil {
		r.logger.Warn("clear session state", "session_id", s.id, "error", err)
	}
	s.removed = true
	r.metrics.SessionClosed("finalized")
	r.metrics.ArtifactPublished(artifact.SizeBytes)
	r.logger.Info("artifact published",
		"session_id", s.id,
		"artifact", name,
		"size_bytes", artifact.SizeBytes,
		"total_chunks", s.total)
	return artifact, nil
}

func (r *Registry) restoreWorkFile(s *session, publicPath string) error {
	if err := publishArtifact(publicPath, s.workPath); err != nil {
		return err
	}
	file, err := openWorkFile(s.workPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.file = file
	return nil
}

func checksumFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for checksum: %w", err)
	}
	defer file.Close()
	hasher, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("init checksum: %w", err)
	}
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("checksum: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func (r *Registry) detach(s *session) {
	r.mu.Lock()
	if current, ok := r.sessions[s.id]; ok && current == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
}

// Snapshot reports the progress of one in-flight session.
func (r *Registry) Snapshot(sessionID string) (SessionSnapshot, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return SessionSnapshot{}, callerErrorf("session %s: %w", sessionID, ErrUnknownSession)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return SessionSnapshot{}, callerErrorf("session %s: %w", sessionID, ErrUnknownSession)
	}
	return s.snapshot(), nil
}

// Sessions snapshots every live session, newest activity first not
// guaranteed; callers sort as needed.
func (r *Registry) Sessions() []SessionSnapshot {
	r.mu.Lock()
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	out := make([]SessionSnapshot, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		if !s.removed {
			out = append(out, s.snapshot())
		}
		s.mu.Unlock()
	}
	return out
}

// PurgeIdle drops sessions with no activity for longer than maxIdle,
// deleting their working files and persisted state. Failed tombstones are
// reaped the same way. Returns how many sessions were removed.
func (r *Registry) PurgeIdle(ctx context.Context, maxIdle time.Duration) int {
	now := r.now()
	r.mu.Lock()
	candidates := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.Unlock()

	purged := 0
	for _, s := range candidates {
		s.mu.Lock()
		if s.removed || now.Sub(s.lastActivity) <= maxIdle {
			s.mu.Unlock()
			continue
		}
		wasActive := s.status == statusActive
		if s.file != nil {
			s.file.Close()
			s.file = nil
		}
		if err := os.Remove(s.workPath); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("remove working file", "session_id", s.id, "error", err)
		}
		if err := r.cfg.State.Delete(ctx, s.id); err != nil {
			r.logger.Warn("clear session state", "session_id", s.id, "error", err)
		}
		s.removed = true
		s.mu.Unlock()
		r.detach(s)
		if wasActive {
			r.metrics.SessionClosed("expired")
		}
		r.logger.Info("session expired", "session_id", s.id, "idle_since", s.lastActivity)
		purged++
	}
	return purged
}

// Recover rebuilds in-flight sessions from the state store after a restart.
// Each working file is truncated back to its recorded contiguous prefix;
// clients learn the resume point from the session snapshot endpoint.
func (r *Registry) Recover(ctx context.Context) error {
	records, err := r.cfg.State.List(ctx)
	if err != nil {
		return fmt.Errorf("list session state: %w", err)
	}
	now := r.now()
	for _, record := range records {
		workPath := filepath.Join(r.cfg.WorkDir, sanitizeSessionPath(record.SessionID)+".part")
		info, err := os.Stat(workPath)
		if err != nil || info.Size() < record.FlushedBytes {
			r.logger.Warn("dropping unrecoverable session",
				"session_id", record.SessionID,
				"error", err)
			if err := r.cfg.State.Delete(ctx, record.SessionID); err != nil {
				r.logger.Warn("clear session state", "session_id", record.SessionID, "error", err)
			}
			os.Remove(workPath)
			continue
		}
		if err := os.Truncate(workPath, record.FlushedBytes); err != nil {
			return fmt.Errorf("truncate %s: %w", workPath, err)
		}
		file, err := openWorkFile(workPath, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("reopen %s: %w", workPath, err)
		}
		s := &session{
			id:           record.SessionID,
			fileName:     record.FileName,
			total:        record.TotalChunks,
			createdAt:    now,
			next:         record.NextIndex,
			flushedBytes: record.FlushedBytes,
			pending:      make(map[int][]byte),
			file:         file,
			workPath:     workPath,
			status:       statusActive,
			lastActivity: now,
		}
		r.mu.Lock()
		r.sessions[record.SessionID] = s
		r.mu.Unlock()
		r.metrics.SessionOpened()
		r.logger.Info("session recovered",
			"session_id", record.SessionID,
			"next_index", record.NextIndex,
			"flushed_bytes", record.FlushedBytes)
	}
	return nil
}

// Close releases open working files. State and .part files stay on disk so
// Recover can pick the sessions back up.
func (r *Registry) Close() error {
	r.mu.Lock()
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*session)
	r.mu.Unlock()

	var firstErr error
	for _, s := range all {
		s.mu.Lock()
		if s.file != nil {
			if err := s.file.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			s.file = nil
		}
		s.removed = true
		s.mu.Unlock()
	}
	return firstErr
}
