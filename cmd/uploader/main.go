// Command uploader splits a local file into chunks and pushes them to a
// chunkstream server, retrying transient failures and resuming interrupted
// sessions.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chunkstream/internal/catalog"
	"chunkstream/internal/client"
	"chunkstream/internal/observability/logging"
)

func main() {
	serverURL := flag.String("server", "", "base URL of the chunkstream server (e.g. http://127.0.0.1:8080)")
	chunkSize := flag.Int64("chunk-size", 0, "chunk size in bytes")
	parallelism := flag.Int("parallel", 0, "concurrent chunk uploads")
	maxAttempts := flag.Int("max-attempts", 0, "delivery attempts per chunk before giving up")
	backoff := flag.Duration("backoff", 0, "base delay between retries, doubled per attempt")
	resumeSession := flag.String("resume", "", "session ID of an interrupted upload to resume")
	quiet := flag.Bool("quiet", false, "suppress per-chunk progress output")
	logLevel := flag.String("log-level", "warn", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.New(logging.Config{Level: *logLevel, Writer: os.Stderr})

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: uploader [flags] <file>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	path := flag.Arg(0)

	baseURL := firstNonEmpty(*serverURL, os.Getenv("CHUNKSTREAM_SERVER_URL"))
	if baseURL == "" {
		fmt.Fprintln(os.Stderr, "uploader: no server URL: pass --server or set CHUNKSTREAM_SERVER_URL")
		os.Exit(2)
	}

	cfg := client.Config{
		BaseURL:     baseURL,
		Logger:      logger,
		ChunkSize:   *chunkSize,
		Parallelism: *parallelism,
		MaxAttempts: *maxAttempts,
		Backoff:     *backoff,
	}
	if !*quiet {
		cfg.OnProgress = func(delivered, total int) {
			fmt.Fprintf(os.Stderr, "\rchunks %d/%d", delivered, total)
		}
	}

	c, err := client.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "uploader: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	var artifact catalog.Artifact
	if *resumeSession != "" {
		artifact, err = c.Resume(ctx, path, *resumeSession)
	} else {
		artifact, err = c.UploadFile(ctx, path)
	}
	if !*quiet {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "uploader: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("uploaded %s (%d bytes, %d chunks) in %s\n",
		artifact.Name, artifact.SizeBytes, artifact.TotalChunks, time.Since(start).Round(time.Millisecond))
	fmt.Printf("checksum %s\n", artifact.Checksum)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
