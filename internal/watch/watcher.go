package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/snarg/diarize-engine/internal/jobs"
	"github.com/snarg/diarize-engine/internal/pipeline"
)

// SubmittedDir is the subdirectory of the watch dir that submitted files are
// moved into.
const SubmittedDir = ".submitted"

var audioExts = map[string]bool{
	".wav": true, ".mp3": true, ".m4a": true, ".flac": true,
	".ogg": true, ".opus": true, ".webm": true, ".mp4": true, ".aac": true,
}

// Submitter starts a job for an upload.
type Submitter interface {
	Submit(ctx context.Context, up pipeline.Upload) (jobs.Job, error)
}

// Status is the watcher state reported by the health endpoint.
type Status struct {
	Status         string `json:"status"`
	WatchDir       string `json:"watch_dir"`
	FilesSubmitted int64  `json:"files_submitted"`
	FilesFailed    int64  `json:"files_failed"`
}

// DropWatcher submits audio files that appear in a directory as jobs. Files
// already present at startup are submitted too, oldest first. A submitted
// file is moved into SubmittedDir so it is not picked up again.
type DropWatcher struct {
	submitter Submitter
	dir       string
	lang      string
	debounce  time.Duration
	log       zerolog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	submitted atomic.Int64
	failed    atomic.Int64
	status    atomic.Value // string: "starting", "watching", "stopped"
}

// Options configures a DropWatcher.
type Options struct {
	Dir       string
	Lang      string
	Debounce  time.Duration
	Submitter Submitter
	Log       zerolog.Logger
}

// New creates a drop-folder watcher. Call Start to begin watching.
func New(opts Options) *DropWatcher {
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &DropWatcher{
		submitter:      opts.Submitter,
		dir:            opts.Dir,
		lang:           opts.Lang,
		debounce:       opts.Debounce,
		log:            opts.Log.With().Str("component", "watcher").Logger(),
		ctx:            ctx,
		cancel:         cancel,
		debounceTimers: make(map[string]*time.Timer),
	}
	w.status.Store("starting")
	return w
}

// Start creates the watch directory if needed, begins watching it and
// submits files that are already there.
func (w *DropWatcher) Start() error {
	if err := os.MkdirAll(filepath.Join(w.dir, SubmittedDir), 0o755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw

	w.log.Info().Str("watch_dir", w.dir).Msg("drop folder watcher initialized")

	w.wg.Add(1)
	go w.watchLoop()
	w.backfill()
	w.status.Store("watching")
	return nil
}

// Stop closes the fsnotify watcher and cancels pending submissions.
func (w *DropWatcher) Stop() {
	w.status.Store("stopped")
	w.cancel()
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.wg.Wait()

	w.debounceMu.Lock()
	for path, t := range w.debounceTimers {
		t.Stop()
		delete(w.debounceTimers, path)
	}
	w.debounceMu.Unlock()

	w.log.Info().
		Int64("files_submitted", w.submitted.Load()).
		Int64("files_failed", w.failed.Load()).
		Msg("drop folder watcher stopped")
}

// Status returns the current watcher status for the health endpoint.
func (w *DropWatcher) Status() Status {
	s, _ := w.status.Load().(string)
	return Status{
		Status:         s,
		WatchDir:       w.dir,
		FilesSubmitted: w.submitted.Load(),
		FilesFailed:    w.failed.Load(),
	}
}

func (w *DropWatcher) watchLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isAudio(event.Name) {
				continue
			}
			w.scheduleSubmit(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleSubmit debounces submission. Each new write to the same file
// pushes the deadline back, so a file is submitted once the writer has been
// quiet for the debounce interval.
func (w *DropWatcher) scheduleSubmit(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if t, ok := w.debounceTimers[path]; ok {
		t.Reset(w.debounce)
		return
	}

	w.debounceTimers[path] = time.AfterFunc(w.debounce, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		w.debounceMu.Unlock()

		w.submitFile(path)
	})
}

func (w *DropWatcher) submitFile(path string) {
	if w.ctx.Err() != nil {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.failed.Add(1)
			w.log.Warn().Err(err).Str("path", path).Msg("failed to open dropped file")
		}
		return
	}
	job, err := w.submitter.Submit(w.ctx, pipeline.Upload{
		Filename: filepath.Base(path),
		Lang:     w.lang,
		Body:     f,
		Source:   "watch",
	})
	f.Close()
	if err != nil {
		w.failed.Add(1)
		w.log.Warn().Err(err).Str("path", path).Msg("failed to submit dropped file")
		return
	}

	dst := filepath.Join(w.dir, SubmittedDir, job.ID)
	if err := os.Rename(path, dst); err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("failed to move submitted file")
	}
	w.submitted.Add(1)
	w.log.Info().Str("path", path).Str("job_id", job.ID).Msg("dropped file submitted")
}

// backfill submits audio files already in the directory, oldest first.
func (w *DropWatcher) backfill() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.log.Warn().Err(err).Msg("failed to list watch directory")
		return
	}

	type fileEntry struct {
		path    string
		modTime time.Time
	}
	var files []fileEntry
	for _, e := range entries {
		if e.IsDir() || !isAudio(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileEntry{path: filepath.Join(w.dir, e.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	if len(files) > 0 {
		w.log.Info().Int("files", len(files)).Msg("submitting files already in watch directory")
	}
	for _, f := range files {
		w.submitFile(f.path)
	}
}

func isAudio(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return audioExts[strings.ToLower(filepath.Ext(base))]
}
