// Package client uploads files to a chunkstream server: it splits files
// into fixed-size chunks, pushes them with bounded parallelism and retry,
// and resumes interrupted sessions from the server's progress snapshot.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"chunkstream/internal/catalog"
	"chunkstream/internal/chunker"
	"chunkstream/internal/upload"
)

const (
	DefaultMaxAttempts = 5
	DefaultBackoff     = 500 * time.Millisecond
	DefaultParallelism = 4
)

// Config controls one Client. Zero values fall back to the defaults above
// and the chunker's default chunk size.
type Config struct {
	BaseURL     string
	HTTPClient  *http.Client
	Logger      *slog.Logger
	ChunkSize   int64
	Parallelism int

	// MaxAttempts bounds deliveries per chunk; Backoff is the base delay,
	// doubled per retry unless the server sends Retry-After.
	MaxAttempts int
	Backoff     time.Duration

	// OnProgress, when set, receives (deliveredChunks, totalChunks) after
	// every confirmed chunk.
	OnProgress func(delivered, total int)
}

type Client struct {
	baseURL     string
	httpClient  *http.Client
	logger      *slog.Logger
	chunkSize   int64
	parallelism int
	maxAttempts int
	backoff     time.Duration
	onProgress  func(delivered, total int)

	// sleep is swapped in tests to keep retries instant.
	sleep func(context.Context, time.Duration) error
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = chunker.DefaultChunkSize
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	return &Client{
		baseURL:     base,
		httpClient:  httpClient,
		logger:      logger.With("component", "client"),
		chunkSize:   chunkSize,
		parallelism: parallelism,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		onProgress:  cfg.OnProgress,
		sleep:       sleepContext,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PermanentError marks a server rejection that retrying cannot fix.
type PermanentError struct {
	Status  int
	Message string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("server rejected request (%d): %s", e.Status, e.Message)
}

type chunkResponse struct {
	Outcome      string            `json:"outcome"`
	SessionID    string            `json:"sessionId"`
	NextIndex    int               `json:"nextIndex"`
	FlushedBytes int64             `json:"flushedBytes"`
	Completed    bool              `json:"completed"`
	Artifact     *catalog.Artifact `json:"artifact,omitempty"`
}

type finalizeResponse struct {
	Outcome  string           `json:"outcome"`
	Artifact catalog.Artifact `json:"artifact"`
}

// UploadFile pushes path under a fresh session and returns the published
// artifact.
func (c *Client) UploadFile(ctx context.Context, path string) (catalog.Artifact, error) {
	return c.uploadFrom(ctx, path, uuid.NewString(), 0, nil)
}

// Resume continues an interrupted session. The server snapshot tells us the
// first chunk it is still missing; anything it already flushed is skipped
// and anything it buffered is deduplicated on arrival.
func (c *Client) Resume(ctx context.Context, path, sessionID string) (catalog.Artifact, error) {
	snapshot, found, err := c.fetchSnapshot(ctx, sessionID)
	if err != nil {
		return catalog.Artifact{}, err
	}
	if !found {
		// Session expired or the server restarted without state; start over
		// under the same identifier.
		return c.uploadFrom(ctx, path, sessionID, 0, nil)
	}
	skip := make(map[int]bool, len(snapshot.PendingChunks))
	for _, index := range snapshot.PendingChunks {
		skip[index] = true
	}
	return c.uploadFrom(ctx, path, sessionID, snapshot.NextIndex, skip)
}

func (c *Client) uploadFrom(ctx context.Context, path, sessionID string, fromIndex int, skip map[int]bool) (catalog.Artifact, error) {
	file, err := os.Open(path)
	if err != nil {
		return catalog.Artifact{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return catalog.Artifact{}, fmt.Errorf("stat %s: %w", path, err)
	}

	spans, err := chunker.Plan(info.Size(), c.chunkSize)
	if err != nil {
		return catalog.Artifact{}, err
	}
	if len(spans) == 0 {
		return catalog.Artifact{}, fmt.Errorf("%s is empty", path)
	}
	total := len(spans)
	fileName := filepath.Base(path)
	c.logger.Info("upload starting",
		"session_id", sessionID,
		"file", fileName,
		"chunks", total,
		"from_index", fromIndex)

	var (
		mu        sync.Mutex
		artifact  *catalog.Artifact
		delivered = fromIndex + len(skip)
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.parallelism)
	for _, span := range spans {
		if span.Index < fromIndex || skip[span.Index] {
			continue
		}
		span := span
		group.Go(func() error {
			payload := make([]byte, span.Length)
			if _, err := file.ReadAt(payload, span.Offset); err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("read chunk %d: %w", span.Index, err)
			}
			resp, err := c.sendChunk(groupCtx, sessionID, span.Index, total, fileName, payload)
			if err != nil {
				return err
			}
			mu.Lock()
			delivered++
			count := delivered
			if resp.Artifact != nil {
				artifact = resp.Artifact
			}
			mu.Unlock()
			if c.onProgress != nil {
				c.onProgress(count, total)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return catalog.Artifact{}, err
	}

	if artifact != nil {
		return *artifact, nil
	}
	// Auto-finalize did not surface an artifact on any chunk response, so
	// drive publication explicitly. This is also the retry path after a
	// transient finalize failure.
	return c.Finalize(ctx, sessionID, total)
}

// sendChunk delivers one chunk, retrying transient failures with capped
// exponential backoff. A duplicate outcome counts as success.
func (c *Client) sendChunk(ctx context.Context, sessionID string, index, total int, fileName string, payload []byte) (chunkResponse, error) {
	var lastErr error
	delay := c.backoff
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, retryAfter, err := c.postChunk(ctx, sessionID, index, total, fileName, payload)
		if err == nil {
			return resp, nil
		}
		var permanent *PermanentError
		if errors.As(err, &permanent) {
			return chunkResponse{}, fmt.Errorf("chunk %d: %w", index, err)
		}
		lastErr = err
		if attempt == c.maxAttempts {
			break
		}
		wait := delay
		if retryAfter > 0 {
			wait = retryAfter
		}
		c.logger.Warn("chunk delivery failed, retrying",
			"session_id", sessionID,
			"chunk", index,
			"attempt", attempt,
			"wait", wait,
			"error", err)
		if err := c.sleep(ctx, wait); err != nil {
			return chunkResponse{}, err
		}
		delay *= 2
	}
	return chunkResponse{}, fmt.Errorf("chunk %d failed after %d attempts: %w", index, c.maxAttempts, lastErr)
}

func (c *Client) postChunk(ctx context.Context, sessionID string, index, total int, fileName string, payload []byte) (chunkResponse, time.Duration, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	fields := map[string]string{
		"session":     sessionID,
		"chunkIndex":  strconv.Itoa(index),
		"totalChunks": strconv.Itoa(total),
		"fileName":    fileName,
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return chunkResponse{}, 0, fmt.Errorf("encode %s: %w", name, err)
		}
	}
	part, err := writer.CreateFormFile("videoChunk", fileName)
	if err != nil {
		return chunkResponse{}, 0, fmt.Errorf("encode chunk: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return chunkResponse{}, 0, fmt.Errorf("encode chunk: %w", err)
	}
	if err := writer.Close(); err != nil {
		return chunkResponse{}, 0, fmt.Errorf("encode form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", &body)
	if err != nil {
		return chunkResponse{}, 0, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Upload-Session", sessionID)

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return chunkResponse{}, 0, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 300 {
		return chunkResponse{}, retryAfterHint(httpResp), responseError(httpResp)
	}
	var resp chunkResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return chunkResponse{}, 0, fmt.Errorf("decode chunk response: %w", err)
	}
	if resp.Outcome == string(upload.OutcomeDuplicate) {
		c.logger.Debug("chunk already delivered", "session_id", sessionID, "chunk", index)
	}
	return resp, 0, nil
}

// Finalize asks the server to publish the session.
func (c *Client) Finalize(ctx context.Context, sessionID string, totalChunks int) (catalog.Artifact, error) {
	payload, err := json.Marshal(map[string]any{
		"sessionId":   sessionID,
		"totalChunks": totalChunks,
	})
	if err != nil {
		return catalog.Artifact{}, err
	}

	delay := c.backoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		artifact, err := c.postFinalize(ctx, sessionID, payload)
		if err == nil {
			c.logger.Info("upload finalized", "session_id", sessionID, "artifact", artifact.Name)
			return artifact, nil
		}
		var permanent *PermanentError
		if errors.As(err, &permanent) {
			return catalog.Artifact{}, fmt.Errorf("finalize session %s: %w", sessionID, err)
		}
		lastErr = err
		if attempt == c.maxAttempts {
			break
		}
		if err := c.sleep(ctx, delay); err != nil {
			return catalog.Artifact{}, err
		}
		delay *= 2
	}
	return catalog.Artifact{}, fmt.Errorf("finalize session %s failed after %d attempts: %w", sessionID, c.maxAttempts, lastErr)
}

func (c *Client) postFinalize(ctx context.Context, sessionID string, payload []byte) (catalog.Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/finalize", bytes.NewReader(payload))
	if err != nil {
		return catalog.Artifact{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Upload-Session", sessionID)

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return catalog.Artifact{}, err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode >= 300 {
		return catalog.Artifact{}, responseError(httpResp)
	}
	var resp finalizeResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return catalog.Artifact{}, fmt.Errorf("decode finalize response: %w", err)
	}
	return resp.Artifact, nil
}

func (c *Client) fetchSnapshot(ctx context.Context, sessionID string) (upload.SessionSnapshot, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/sessions/"+sessionID, nil)
	if err != nil {
		return upload.SessionSnapshot{}, false, err
	}
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return upload.SessionSnapshot{}, false, err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode == http.StatusNotFound {
		return upload.SessionSnapshot{}, false, nil
	}
	if httpResp.StatusCode != http.StatusOK {
		return upload.SessionSnapshot{}, false, responseError(httpResp)
	}
	var snapshot upload.SessionSnapshot
	if err := json.NewDecoder(httpResp.Body).Decode(&snapshot); err != nil {
		return upload.SessionSnapshot{}, false, fmt.Errorf("decode session snapshot: %w", err)
	}
	return snapshot, true, nil
}

// responseError converts a non-2xx response into a permanent or retryable
// error. 429 and every 5xx are retryable; other 4xx are permanent.
func responseError(resp *http.Response) error {
	message := strings.TrimSpace(string(readBodyPrefix(resp)))
	if parsed := parseErrorMessage(message); parsed != "" {
		message = parsed
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return &PermanentError{Status: resp.StatusCode, Message: message}
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, message)
}

func readBodyPrefix(resp *http.Response) []byte {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return body
}

func parseErrorMessage(body string) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		return ""
	}
	return envelope.Error.Message
}

func retryAfterHint(resp *http.Response) time.Duration {
	raw := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
