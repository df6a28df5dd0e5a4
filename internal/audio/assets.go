package audio

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// ErrAssetTaken is returned when a derived file name already exists on
// disk, for instance because another upload was given that name.
var ErrAssetTaken = errors.New("derived audio file already exists")

// Assets owns the derived files of one job: the resampled full track and
// the per-turn clips. It is not shared between jobs.
//
// Cleanup always removes the resampled track. Clips are removed too unless
// Retain was called, which the caller does once the clips back a completed
// transcript.
type Assets struct {
	conv     Converter
	original string

	mu       sync.Mutex
	track    string
	clips    []string
	retained bool
}

// NewAssets creates an asset set for the uploaded file at original.
func NewAssets(conv Converter, original string) *Assets {
	return &Assets{conv: conv, original: original}
}

// Track returns the resampled track path, or "" before Prepare.
func (a *Assets) Track() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.track
}

// Prepare resamples the original into {original}.temp.wav.
func (a *Assets) Prepare(ctx context.Context) (string, error) {
	dst := a.original + ".temp.wav"
	if err := reserve(dst); err != nil {
		return "", err
	}
	a.mu.Lock()
	a.track = dst
	a.mu.Unlock()

	if err := a.conv.Resample(ctx, a.original, dst); err != nil {
		return "", fmt.Errorf("resample %s: %w", filepath.Base(a.original), err)
	}
	return dst, nil
}

// Extract cuts [start, end) from the resampled track into {original}.{n}.wav.
func (a *Assets) Extract(ctx context.Context, n int, start, end float64) (string, error) {
	track := a.Track()
	if track == "" {
		return "", errors.New("extract before prepare")
	}
	dst := fmt.Sprintf("%s.%d.wav", a.original, n)
	if err := reserve(dst); err != nil {
		return "", fmt.Errorf("extract clip %d: %w", n, err)
	}
	a.mu.Lock()
	a.clips = append(a.clips, dst)
	a.mu.Unlock()

	if err := a.conv.Cut(ctx, track, dst, start, end); err != nil {
		return "", fmt.Errorf("extract clip %d: %w", n, err)
	}
	return dst, nil
}

// Clips returns the clip paths created so far.
func (a *Assets) Clips() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.clips...)
}

// Retain keeps the clips on disk through Cleanup.
func (a *Assets) Retain() {
	a.mu.Lock()
	a.retained = true
	a.mu.Unlock()
}

// Cleanup deletes the files this asset set is responsible for. Missing files
// are not an error; the first other failure is returned after all removals
// have been attempted.
func (a *Assets) Cleanup() error {
	a.mu.Lock()
	paths := make([]string, 0, len(a.clips)+1)
	if a.track != "" {
		paths = append(paths, a.track)
	}
	if !a.retained {
		paths = append(paths, a.clips...)
		a.clips = nil
	}
	a.track = ""
	a.mu.Unlock()

	var first error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) && first == nil {
			first = err
		}
	}
	return first
}

// reserve creates dst exclusively so that a derived file never replaces a
// file this job does not own. Only reserved paths are tracked for Cleanup.
func reserve(dst string) error {
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrAssetTaken, filepath.Base(dst))
		}
		return fmt.Errorf("reserve %s: %w", filepath.Base(dst), err)
	}
	return f.Close()
}
