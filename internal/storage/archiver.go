package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Archiver copies finished uploads and clips to S3 in the background so a
// job never waits on the bucket. Files are read from local disk when the
// upload runs, so they must still exist at that point.
type Archiver struct {
	s3      *S3Store
	local   *LocalStore
	ch      chan string
	log     zerolog.Logger
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
	pruner  *CachePruner

	uploaded atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64
}

// NewArchiver creates an async S3 archiver with the given buffer size.
func NewArchiver(s3 *S3Store, local *LocalStore, bufferSize int, log zerolog.Logger) *Archiver {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Archiver{
		s3:    s3,
		local: local,
		ch:    make(chan string, bufferSize),
		log:   log.With().Str("component", "archiver").Logger(),
	}
}

// Enqueue schedules key for upload. Non-blocking. Drops with a warning if
// the queue is full or the archiver is stopped; the local copy is unaffected.
func (a *Archiver) Enqueue(key string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.stopped {
		return
	}
	select {
	case a.ch <- key:
	default:
		a.dropped.Add(1)
		a.log.Warn().Str("key", key).Msg("archive queue full, skipping (file safe on disk)")
	}
}

// Start launches worker goroutines and the cache pruner, if any.
func (a *Archiver) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		a.wg.Add(1)
		go a.worker()
	}
	if a.pruner != nil {
		a.pruner.Start()
	}
	a.log.Info().Int("workers", workers).Int("buffer", cap(a.ch)).Msg("archiver started")
}

// Stop drains queued uploads and waits for the workers.
func (a *Archiver) Stop() {
	a.mu.Lock()
	if !a.stopped {
		a.stopped = true
		close(a.ch)
	}
	a.mu.Unlock()
	a.wg.Wait()
	if a.pruner != nil {
		a.pruner.Stop()
	}
	a.log.Info().
		Int64("uploaded", a.uploaded.Load()).
		Int64("failed", a.failed.Load()).
		Int64("dropped", a.dropped.Load()).
		Msg("archiver stopped")
}

func (a *Archiver) worker() {
	defer a.wg.Done()
	for key := range a.ch {
		path := a.local.LocalPath(key)
		if path == "" {
			a.failed.Add(1)
			a.log.Warn().Str("key", key).Msg("archive skipped, file no longer on disk")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		if err := a.s3.PutFile(ctx, key, path); err != nil {
			a.failed.Add(1)
			a.log.Error().Err(err).Str("key", key).Msg("S3 archive upload failed (file safe on disk)")
		} else {
			a.uploaded.Add(1)
		}
		cancel()
	}
}
