package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// remoteChecker reports whether a key is already safe in the backup tier.
type remoteChecker interface {
	Exists(ctx context.Context, key string) bool
}

// CachePruner evicts archived files from the upload directory by age and
// total size. A file is only removed once the bucket has it.
type CachePruner struct {
	dir       string
	retention time.Duration
	maxBytes  int64
	interval  time.Duration
	remote    remoteChecker
	now       func() time.Time
	log       zerolog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewCachePruner creates a pruner for dir. A zero retention and maxBytes
// disables it.
func NewCachePruner(dir string, retention time.Duration, maxBytes int64, remote remoteChecker, log zerolog.Logger) *CachePruner {
	return &CachePruner{
		dir:       dir,
		retention: retention,
		maxBytes:  maxBytes,
		interval:  time.Hour,
		remote:    remote,
		now:       time.Now,
		log:       log.With().Str("component", "cache-pruner").Logger(),
		stop:      make(chan struct{}),
	}
}

// Enabled reports whether any eviction rule is configured.
func (p *CachePruner) Enabled() bool {
	return p.retention > 0 || p.maxBytes > 0
}

func (p *CachePruner) Start() {
	if !p.Enabled() {
		return
	}
	p.wg.Add(1)
	go p.loop()
}

func (p *CachePruner) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

func (p *CachePruner) loop() {
	defer p.wg.Done()
	p.Prune()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Prune()
		case <-p.stop:
			return
		}
	}
}

type cacheEntry struct {
	key     string
	modTime time.Time
	size    int64
}

// Prune runs one eviction pass and returns the number of files removed.
func (p *CachePruner) Prune() int {
	if !p.Enabled() {
		return 0
	}
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		p.log.Warn().Err(err).Msg("cache prune: read dir failed")
		return 0
	}

	var (
		files       []cacheEntry
		totalSize   int64
		prunedBytes int64
		pruned      int
		notArchived int
	)
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, cacheEntry{key: e.Name(), modTime: info.ModTime(), size: info.Size()})
		totalSize += info.Size()
	}
	slices.SortFunc(files, func(a, b cacheEntry) int { return a.modTime.Compare(b.modTime) })

	cutoff := p.now().Add(-p.retention)
	for _, f := range files {
		expired := p.retention > 0 && f.modTime.Before(cutoff)
		oversize := p.maxBytes > 0 && totalSize > p.maxBytes
		if !expired && !oversize {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		archived := p.remote.Exists(ctx, f.key)
		cancel()
		if !archived {
			notArchived++
			continue
		}
		if err := os.Remove(filepath.Join(p.dir, f.key)); err == nil {
			pruned++
			prunedBytes += f.size
			totalSize -= f.size
		}
	}

	if pruned > 0 || notArchived > 0 {
		p.log.Info().
			Int("pruned", pruned).
			Str("freed", humanizeBytes(prunedBytes)).
			Str("remaining", humanizeBytes(totalSize)).
			Int("skipped_not_archived", notArchived).
			Msg("cache prune complete")
	}
	return pruned
}

func humanizeBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
