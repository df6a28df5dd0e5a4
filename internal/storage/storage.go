package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/diarize-engine/internal/config"
)

var (
	// ErrExists is returned by Create when the key is already taken.
	ErrExists = errors.New("audio file already exists")
	// ErrInvalidKey is returned for keys that are not bare file names.
	ErrInvalidKey = errors.New("invalid audio key")
)

// AudioStore abstracts where uploads and derived clips live. Keys are bare
// file names inside the upload directory; the pipeline always works on the
// local copy.
type AudioStore interface {
	// Create writes r to a new file for key, failing with ErrExists if the
	// key is taken. Returns the local path.
	Create(ctx context.Context, key string, r io.Reader) (string, error)

	// LocalPath returns the local filesystem path if the file exists on disk.
	// Returns "" if not available locally.
	LocalPath(key string) string

	// URL returns a presigned URL for the audio file.
	// Returns "" for local-only backends.
	URL(ctx context.Context, key string) (string, error)

	// Open returns a reader for the audio file.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if an audio file exists in any backend.
	Exists(ctx context.Context, key string) bool

	// Type returns "local" or "tiered".
	Type() string
}

// New creates an AudioStore rooted at uploadDir. When S3 is configured the
// store is tiered (local primary, S3 backup) and an Archiver is returned that
// the caller must Start/Stop. Returns an error if S3 is configured but
// unreachable.
func New(cfg config.S3Config, uploadDir string, log zerolog.Logger) (AudioStore, *Archiver, error) {
	local, err := NewLocalStore(uploadDir)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Enabled() {
		return local, nil, nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("S3 init failed: %w", err)
	}

	// Startup validation: verify credentials and bucket access
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	tiered := NewTieredStore(s3store, local, log)
	archiver := NewArchiver(s3store, local, cfg.ArchiveQueue, log)
	archiver.pruner = NewCachePruner(local.Dir(), cfg.CacheRetention, int64(cfg.CacheMaxGB)<<30, s3store, log)
	return tiered, archiver, nil
}

// ValidKey reports whether key is a bare file name that is safe to join with
// the upload directory.
func ValidKey(key string) bool {
	if key == "" || key == "." || key == ".." {
		return false
	}
	return !strings.ContainsAny(key, `/\`) && !strings.ContainsRune(key, 0)
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".wav"):
		return "audio/wav"
	case strings.HasSuffix(key, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(key, ".m4a"):
		return "audio/mp4"
	case strings.HasSuffix(key, ".ogg"), strings.HasSuffix(key, ".opus"):
		return "audio/ogg"
	case strings.HasSuffix(key, ".flac"):
		return "audio/flac"
	}
	return "application/octet-stream"
}
