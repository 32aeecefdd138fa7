package upload

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/blake2b"

	"chunkstream/internal/catalog"
	"chunkstream/internal/observability/logging"
	"chunkstream/internal/observability/metrics"
)

type memCatalog struct {
	mu     sync.Mutex
	items  map[string]catalog.Artifact
	putErr error
}

func newMemCatalog() *memCatalog {
	return &memCatalog{items: make(map[string]catalog.Artifact)}
}

func (c *memCatalog) Ping(context.Context) error { return nil }

func (c *memCatalog) Put(_ context.Context, artifact catalog.Artifact) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.putErr != nil {
		return c.putErr
	}
	c.items[artifact.Name] = artifact
	return nil
}

func (c *memCatalog) Get(_ context.Context, name string) (catalog.Artifact, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	artifact, ok := c.items[name]
	return artifact, ok, nil
}

func (c *memCatalog) List(context.Context) ([]catalog.Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]catalog.Artifact, 0, len(c.items))
	for _, artifact := range c.items {
		out = append(out, artifact)
	}
	return out, nil
}

func (c *memCatalog) Delete(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, name)
	return nil
}

type registryFixture struct {
	registry *Registry
	catalog  *memCatalog
	state    StateStore
	workDir  string
	publicDir string
}

func newFixture(t *testing.T, mutate func(*Config)) *registryFixture {
	t.Helper()
	root := t.TempDir()
	cfg := Config{
		WorkDir:   filepath.Join(root, "work"),
		PublicDir: filepath.Join(root, "public"),
		State:     NewMemoryStateStore(),
		Catalog:   newMemCatalog(),
		Logger:    logging.New(logging.Config{Level: "error", Writer: io.Discard}),
		Metrics:   metrics.New(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	registry, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(func() { registry.Close() })
	return &registryFixture{
		registry:  registry,
		catalog:   cfg.Catalog.(*memCatalog),
		state:     cfg.State,
		workDir:   cfg.WorkDir,
		publicDir: cfg.PublicDir,
	}
}

func chunkPayload(index, size int) []byte {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte((index*31 + i) % 251)
	}
	return payload
}

func sendChunk(t *testing.T, r *Registry, sessionID string, index, total int, payload []byte) ChunkResult {
	t.Helper()
	result, err := r.AcceptChunk(context.Background(), ChunkRequest{
		SessionID:   sessionID,
		Index:       index,
		TotalChunks: total,
		FileName:    "clip.webm",
		Payload:     payload,
	})
	if err != nil {
		t.Fatalf("chunk %d: %v", index, err)
	}
	return result
}

func TestAcceptChunkInOrderAutoFinalizes(t *testing.T) {
	fx := newFixture(t, nil)
	payloads := [][]byte{chunkPayload(0, 128<<10), chunkPayload(1, 128<<10), chunkPayload(2, 44<<10)}

	var final ChunkResult
	for i, payload := range payloads {
		final = sendChunk(t, fx.registry, "sess-a", i, len(payloads), payload)
		if final.Outcome != OutcomeAccepted {
			t.Fatalf("chunk %d outcome = %s", i, final.Outcome)
		}
	}
	if !final.Completed || final.Artifact == nil {
		t.Fatalf("last chunk should finalize the session: %+v", final)
	}

	assembled := bytes.Join(payloads, nil)
	published, err := os.ReadFile(final.Artifact.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.Equal(published, assembled) {
		t.Fatal("published file does not match assembled chunks")
	}

	sum := blake2b.Sum256(assembled)
	if final.Artifact.Checksum != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum mismatch: %s", final.Artifact.Checksum)
	}
	if final.Artifact.SizeBytes != int64(len(assembled)) {
		t.Fatalf("size = %d, want %d", final.Artifact.SizeBytes, len(assembled))
	}
	if filepath.Ext(final.Artifact.Name) != ".webm" {
		t.Fatalf("artifact name %q should keep the extension", final.Artifact.Name)
	}
	if _, ok, _ := fx.catalog.Get(context.Background(), final.Artifact.Name); !ok {
		t.Fatal("artifact missing from catalog")
	}
	if _, err := fx.registry.Snapshot("sess-a"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("finalized session should be gone, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(fx.workDir, "sess-a.part")); !os.IsNotExist(err) {
		t.Fatal("working file should be renamed away")
	}
}

func TestAcceptChunkReordersIntoFileOrder(t *testing.T) {
	fx := newFixture(t, nil)
	payloads := [][]byte{chunkPayload(0, 128<<10), chunkPayload(1, 128<<10), chunkPayload(2, 44<<10)}

	r1 := sendChunk(t, fx.registry, "sess-b", 1, 3, payloads[1])
	if r1.Outcome != OutcomeAccepted || r1.NextIndex != 0 {
		t.Fatalf("buffered chunk result: %+v", r1)
	}
	r0 := sendChunk(t, fx.registry, "sess-b", 0, 3, payloads[0])
	if r0.NextIndex != 2 {
		t.Fatalf("chunk 0 should flush the buffered chunk 1, next=%d", r0.NextIndex)
	}
	r2 := sendChunk(t, fx.registry, "sess-b", 2, 3, payloads[2])
	if !r2.Completed {
		t.Fatal("chunk 2 should complete the session")
	}

	published, err := os.ReadFile(r2.Artifact.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.Equal(published, bytes.Join(payloads, nil)) {
		t.Fatal("reordered chunks assembled out of order")
	}
}

func TestAcceptChunkDuplicateIsIdempotent(t *testing.T) {
	fx := newFixture(t, nil)
	payload := chunkPayload(0, 1024)

	sendChunk(t, fx.registry, "sess-c", 0, 3, payload)
	dup := sendChunk(t, fx.registry, "sess-c", 0, 3, payload)
	if dup.Outcome != OutcomeDuplicate {
		t.Fatalf("flushed redelivery outcome = %s", dup.Outcome)
	}

	sendChunk(t, fx.registry, "sess-c", 2, 3, chunkPayload(2, 1024))
	dupPending := sendChunk(t, fx.registry, "sess-c", 2, 3, chunkPayload(2, 1024))
	if dupPending.Outcome != OutcomeDuplicate {
		t.Fatalf("buffered redelivery outcome = %s", dupPending.Outcome)
	}

	snap, err := fx.registry.Snapshot("sess-c")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.FlushedBytes != 1024 {
		t.Fatalf("duplicates must not grow the file: %d bytes", snap.FlushedBytes)
	}
}

func TestAcceptChunkValidation(t *testing.T) {
	fx := newFixture(t, nil)
	cases := []struct {
		name string
		req  ChunkRequest
	}{
		{"missing session", ChunkRequest{Index: 0, TotalChunks: 1, Payload: []byte("x")}},
		{"negative index", ChunkRequest{SessionID: "s", Index: -1, TotalChunks: 1, Payload: []byte("x")}},
		{"index past total", ChunkRequest{SessionID: "s", Index: 3, TotalChunks: 3, Payload: []byte("x")}},
		{"empty payload", ChunkRequest{SessionID: "s", Index: 0, TotalChunks: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := fx.registry.AcceptChunk(context.Background(), tc.req)
			if Classify(err) != OutcomeCaller {
				t.Fatalf("err = %v, want caller error", err)
			}
			if result.Outcome != OutcomeCaller {
				t.Fatalf("outcome = %s", result.Outcome)
			}
		})
	}
}

func TestAcceptChunkTotalMismatch(t *testing.T) {
	fx := newFixture(t, nil)
	sendChunk(t, fx.registry, "sess-d", 0, 4, chunkPayload(0, 64))

	_, err := fx.registry.AcceptChunk(context.Background(), ChunkRequest{
		SessionID: "sess-d", Index: 1, TotalChunks: 5, Payload: chunkPayload(1, 64),
	})
	if !errors.Is(err, ErrTotalMismatch) {
		t.Fatalf("err = %v, want total mismatch", err)
	}
	if Classify(err) != OutcomeCaller {
		t.Fatalf("mismatch should be a caller error, got %s", Classify(err))
	}
}

func TestAcceptChunkReorderBudget(t *testing.T) {
	fx := newFixture(t, func(cfg *Config) { cfg.MaxPendingBytes = 100 })

	first := sendChunk(t, fx.registry, "sess-e", 2, 4, chunkPayload(2, 80))
	if first.Outcome != OutcomeAccepted {
		t.Fatalf("first buffered chunk outcome = %s", first.Outcome)
	}
	_, err := fx.registry.AcceptChunk(context.Background(), ChunkRequest{
		SessionID: "sess-e", Index: 3, TotalChunks: 4, Payload: chunkPayload(3, 80),
	})
	if Classify(err) != OutcomeTransient {
		t.Fatalf("overflow should be transient, got %v", err)
	}

	// Landing the missing prefix drains the buffered chunk and frees the
	// budget for the retry.
	sendChunk(t, fx.registry, "sess-e", 0, 4, chunkPayload(0, 80))
	sendChunk(t, fx.registry, "sess-e", 1, 4, chunkPayload(1, 80))
	retried := sendChunk(t, fx.registry, "sess-e", 3, 4, chunkPayload(3, 80))
	if retried.Outcome != OutcomeAccepted {
		t.Fatalf("retry after drain outcome = %s", retried.Outcome)
	}
}

func TestFinalizeRequiresAllChunks(t *testing.T) {
	fx := newFixture(t, nil)
	sendChunk(t, fx.registry, "sess-f", 0, 3, chunkPayload(0, 64))

	_, err := fx.registry.Finalize(context.Background(), "sess-f", 0)
	if !errors.Is(err, ErrSessionIncomplete) {
		t.Fatalf("err = %v, want incomplete", err)
	}
}

func TestFinalizeUnknownSession(t *testing.T) {
	fx := newFixture(t, nil)
	_, err := fx.registry.Finalize(context.Background(), "never-seen", 3)
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("err = %v, want unknown session", err)
	}
}

func TestFinalizeDeclaresTotalLate(t *testing.T) {
	fx := newFixture(t, nil)
	payloads := [][]byte{chunkPayload(0, 512), chunkPayload(1, 512)}
	for i, payload := range payloads {
		// Chunks arrive without a declared total, so nothing auto-finalizes.
		result := sendChunk(t, fx.registry, "sess-g", i, 0, payload)
		if result.Completed {
			t.Fatalf("chunk %d must not finalize without a declared total", i)
		}
	}

	artifact, err := fx.registry.Finalize(context.Background(), "sess-g", 2)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	published, err := os.ReadFile(artifact.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.Equal(published, bytes.Join(payloads, nil)) {
		t.Fatal("explicit finalize assembled the wrong bytes")
	}
}

func TestFinalizeRejectedIncompleteDoesNotBindTotal(t *testing.T) {
	fx := newFixture(t, nil)
	payloads := [][]byte{chunkPayload(0, 512), chunkPayload(1, 512)}
	sendChunk(t, fx.registry, "sess-n", 0, 0, payloads[0])

	_, err := fx.registry.Finalize(context.Background(), "sess-n", 2)
	if !errors.Is(err, ErrSessionIncomplete) {
		t.Fatalf("err = %v, want incomplete", err)
	}

	// The rejected declaration must not stick, or the last chunk would
	// finalize on its own and the client's retried finalize would find the
	// session gone.
	result := sendChunk(t, fx.registry, "sess-n", 1, 0, payloads[1])
	if result.Completed {
		t.Fatal("chunk finalized a session whose total was never accepted")
	}

	artifact, err := fx.registry.Finalize(context.Background(), "sess-n", 2)
	if err != nil {
		t.Fatalf("retried finalize: %v", err)
	}
	published, err := os.ReadFile(artifact.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.Equal(published, bytes.Join(payloads, nil)) {
		t.Fatal("retried finalize assembled the wrong bytes")
	}
}

func TestAcceptChunkConcurrentSameSession(t *testing.T) {
	fx := newFixture(t, nil)
	const sessions = 50

	for i := 0; i < sessions; i++ {
		id := fmt.Sprintf("sess-race-%d", i)
		var wg sync.WaitGroup
		for index := 0; index < 2; index++ {
			wg.Add(1)
			go func(index int) {
				defer wg.Done()
				_, err := fx.registry.AcceptChunk(context.Background(), ChunkRequest{
					SessionID:   id,
					Index:       index,
					TotalChunks: 2,
					FileName:    "clip.webm",
					Payload:     chunkPayload(index, 256),
				})
				if err != nil {
					t.Errorf("session %s chunk %d: %v", id, index, err)
				}
			}(index)
		}
		wg.Wait()
	}

	artifacts, err := fx.catalog.List(context.Background())
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(artifacts) != sessions {
		t.Fatalf("published %d artifacts, want %d", len(artifacts), sessions)
	}
}

func TestFinalizeRetriesAfterCatalogOutage(t *testing.T) {
	fx := newFixture(t, nil)
	// No declared total, so the chunk cannot auto-finalize before the outage
	// is staged.
	sendChunk(t, fx.registry, "sess-h", 0, 0, chunkPayload(0, 2048))

	fx.catalog.putErr = errors.New("catalog down")
	_, err := fx.registry.Finalize(context.Background(), "sess-h", 1)
	if Classify(err) != OutcomeTransient {
		t.Fatalf("catalog outage should be transient, got %v", err)
	}

	fx.catalog.putErr = nil
	artifact, err := fx.registry.Finalize(context.Background(), "sess-h", 1)
	if err != nil {
		t.Fatalf("retried finalize: %v", err)
	}
	if _, statErr := os.Stat(artifact.Path); statErr != nil {
		t.Fatalf("artifact not published after retry: %v", statErr)
	}
}

func TestFailedSessionBecomesTombstone(t *testing.T) {
	fx := newFixture(t, nil)

	// A read-only working file makes the first append fail.
	original := openWorkFile
	openWorkFile = func(name string, _ int, _ os.FileMode) (*os.File, error) {
		if f, err := os.Create(name); err == nil {
			f.Close()
		}
		return os.Open(name)
	}
	_, err := fx.registry.AcceptChunk(context.Background(), ChunkRequest{
		SessionID: "sess-i", Index: 0, TotalChunks: 2, Payload: chunkPayload(0, 64),
	})
	openWorkFile = original
	if Classify(err) != OutcomeFatal {
		t.Fatalf("write failure should be fatal, got %v", err)
	}

	_, err = fx.registry.AcceptChunk(context.Background(), ChunkRequest{
		SessionID: "sess-i", Index: 1, TotalChunks: 2, Payload: chunkPayload(1, 64),
	})
	if !errors.Is(err, ErrSessionFailed) {
		t.Fatalf("tombstoned session should reject chunks, got %v", err)
	}
}

func TestPurgeIdleRemovesStaleSessions(t *testing.T) {
	fx := newFixture(t, nil)
	sendChunk(t, fx.registry, "stale", 0, 3, chunkPayload(0, 64))

	base := time.Now()
	fx.registry.now = func() time.Time { return base.Add(time.Hour) }
	sendChunk(t, fx.registry, "fresh", 0, 3, chunkPayload(0, 64))

	if purged := fx.registry.PurgeIdle(context.Background(), 30*time.Minute); purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if _, err := fx.registry.Snapshot("stale"); !errors.Is(err, ErrUnknownSession) {
		t.Fatal("stale session should be gone")
	}
	if _, err := fx.registry.Snapshot("fresh"); err != nil {
		t.Fatalf("fresh session should survive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(fx.workDir, "stale.part")); !os.IsNotExist(err) {
		t.Fatal("purge should delete the working file")
	}
	if _, ok, _ := fx.state.Load(context.Background(), "stale"); ok {
		t.Fatal("purge should clear persisted state")
	}
}

func TestRecoverResumesFromPersistedState(t *testing.T) {
	root := t.TempDir()
	state := NewMemoryStateStore()
	cat := newMemCatalog()
	mutate := func(cfg *Config) {
		cfg.WorkDir = filepath.Join(root, "work")
		cfg.PublicDir = filepath.Join(root, "public")
		cfg.State = state
		cfg.Catalog = cat
	}

	fx := newFixture(t, mutate)
	payloads := [][]byte{chunkPayload(0, 4096), chunkPayload(1, 4096), chunkPayload(2, 1024)}
	sendChunk(t, fx.registry, "sess-j", 0, 3, payloads[0])
	sendChunk(t, fx.registry, "sess-j", 1, 3, payloads[1])
	if err := fx.registry.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	replacement := newFixture(t, mutate)
	if err := replacement.registry.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	snap, err := replacement.registry.Snapshot("sess-j")
	if err != nil {
		t.Fatalf("snapshot after recover: %v", err)
	}
	if snap.NextIndex != 2 || snap.FlushedBytes != 8192 {
		t.Fatalf("recovered progress wrong: %+v", snap)
	}

	final := sendChunk(t, replacement.registry, "sess-j", 2, 3, payloads[2])
	if !final.Completed {
		t.Fatal("resumed session should finalize on its last chunk")
	}
	published, err := os.ReadFile(final.Artifact.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.Equal(published, bytes.Join(payloads, nil)) {
		t.Fatal("recovered session assembled the wrong bytes")
	}
}

func TestRecoverDropsSessionsWithMissingFiles(t *testing.T) {
	root := t.TempDir()
	state := NewMemoryStateStore()
	mutate := func(cfg *Config) {
		cfg.WorkDir = filepath.Join(root, "work")
		cfg.PublicDir = filepath.Join(root, "public")
		cfg.State = state
	}

	if err := state.Save(context.Background(), StateRecord{
		SessionID:    "ghost",
		FileName:     "ghost.webm",
		TotalChunks:  3,
		NextIndex:    2,
		FlushedBytes: 8192,
		UpdatedAt:    time.Now(),
	}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	fx := newFixture(t, mutate)
	if err := fx.registry.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if _, err := fx.registry.Snapshot("ghost"); !errors.Is(err, ErrUnknownSession) {
		t.Fatal("unrecoverable session should be dropped")
	}
	if _, ok, _ := state.Load(context.Background(), "ghost"); ok {
		t.Fatal("state for the dropped session should be cleared")
	}
}

func TestConcurrentSessionsStayIsolated(t *testing.T) {
	fx := newFixture(t, nil)
	const sessions = 8
	const chunks = 5

	var wg sync.WaitGroup
	errs := make(chan error, sessions)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("concurrent-%d", n)
			for c := 0; c < chunks; c++ {
				_, err := fx.registry.AcceptChunk(context.Background(), ChunkRequest{
					SessionID:   id,
					Index:       c,
					TotalChunks: chunks,
					FileName:    "clip.webm",
					Payload:     chunkPayload(n*chunks+c, 512),
				})
				if err != nil {
					errs <- fmt.Errorf("session %s chunk %d: %w", id, c, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	artifacts, err := fx.catalog.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(artifacts) != sessions {
		t.Fatalf("published %d artifacts, want %d", len(artifacts), sessions)
	}
	for _, artifact := range artifacts {
		if artifact.SizeBytes != chunks*512 {
			t.Fatalf("artifact %s size = %d", artifact.Name, artifact.SizeBytes)
		}
	}
}

func TestSanitizeExtension(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"movie.webm", ".webm"},
		{"MOVIE.MP4", ".mp4"},
		{"archive.tar.gz", ".gz"},
		{"../../etc/passwd", ""},
		{"noext", ""},
		{"weird.W3-bM", ".w3bm"},
	}
	for _, tc := range cases {
		if got := sanitizeExtension(tc.in); got != tc.want {
			t.Errorf("sanitizeExtension(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
