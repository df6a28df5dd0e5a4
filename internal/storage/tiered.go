package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// TieredStore keeps the upload directory as the working copy and the
// bucket as backup. Writes go to disk only; the Archiver copies finished
// files up. Reads that miss on disk restore the file from the bucket first,
// so evicted clips come back transparently.
type TieredStore struct {
	local  *LocalStore
	bucket *S3Store
	log    zerolog.Logger
}

func NewTieredStore(bucket *S3Store, local *LocalStore, log zerolog.Logger) *TieredStore {
	return &TieredStore{
		local:  local,
		bucket: bucket,
		log:    log.With().Str("component", "tiered-store").Logger(),
	}
}

func (s *TieredStore) Create(ctx context.Context, key string, r io.Reader) (string, error) {
	return s.local.Create(ctx, key, r)
}

func (s *TieredStore) LocalPath(key string) string { return s.local.LocalPath(key) }

func (s *TieredStore) URL(ctx context.Context, key string) (string, error) {
	return s.bucket.URL(ctx, key)
}

func (s *TieredStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if s.local.LocalPath(key) != "" {
		return s.local.Open(ctx, key)
	}
	if err := s.restore(ctx, key); err != nil {
		return nil, err
	}
	return s.local.Open(ctx, key)
}

// restore copies key from the bucket back into the upload directory.
func (s *TieredStore) restore(ctx context.Context, key string) error {
	body, err := s.bucket.Open(ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := s.local.Save(ctx, key, body); err != nil {
		return fmt.Errorf("restore %s: %w", key, err)
	}
	s.log.Debug().Str("key", key).Msg("restored from bucket")
	return nil
}

func (s *TieredStore) Exists(ctx context.Context, key string) bool {
	return s.local.Exists(ctx, key) || s.bucket.Exists(ctx, key)
}

func (s *TieredStore) Type() string { return "tiered" }
