package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/diarize-engine/internal/diarize"
	"github.com/snarg/diarize-engine/internal/jobs"
	"github.com/snarg/diarize-engine/internal/storage"
	"github.com/snarg/diarize-engine/internal/transcribe"
)

// fileConverter writes placeholder files instead of running ffmpeg.
type fileConverter struct {
	resampleErr error
}

func (c *fileConverter) Resample(ctx context.Context, src, dst string) error {
	if c.resampleErr != nil {
		return c.resampleErr
	}
	return os.WriteFile(dst, []byte("track"), 0o644)
}

func (c *fileConverter) Cut(ctx context.Context, src, dst string, start, end float64) error {
	return os.WriteFile(dst, []byte(fmt.Sprintf("%.2f-%.2f", start, end)), 0o644)
}

type fakeEngine struct {
	turns []diarize.SpeakerTurn
	err   error
	block bool
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Diarize(ctx context.Context, path string, progress diarize.ProgressFunc) ([]diarize.SpeakerTurn, error) {
	progress(diarize.Progress{Step: "segmentation", Completed: 1, Total: 2})
	if e.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	progress(diarize.Progress{Step: "segmentation", Completed: 2, Total: 2})
	return e.turns, e.err
}

// fakeTranscriber returns "text <n>" for the n-th call, failing on failOn.
type fakeTranscriber struct {
	mu     sync.Mutex
	calls  []string
	failOn int
	err    error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, clip, lang string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, clip)
	if f.failOn > 0 && len(f.calls) == f.failOn {
		return "", f.err
	}
	return fmt.Sprintf("text %d", len(f.calls)), nil
}

func (f *fakeTranscriber) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type recordingArchiver struct {
	mu   sync.Mutex
	keys []string
}

func (a *recordingArchiver) Enqueue(key string) {
	a.mu.Lock()
	a.keys = append(a.keys, key)
	a.mu.Unlock()
}

type harness struct {
	orch     *Orchestrator
	registry *jobs.Registry
	dir      string
}

func newHarness(t *testing.T, engine diarize.Engine, tr transcribe.Transcriber, conv *fileConverter, archiver Archiver) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	pool := diarize.NewPool(diarize.PoolOptions{Engine: engine, Workers: 1, QueueSize: 4, Log: zerolog.Nop()})
	pool.Start()
	t.Cleanup(pool.Stop)

	if conv == nil {
		conv = &fileConverter{}
	}
	reg := jobs.NewRegistry()
	o := New(Options{
		Registry:  reg,
		Store:     store,
		Converter: conv,
		Diarizer:  diarize.NewAdapter(pool),
		Segments:  NewSegmentPipeline(tr, zerolog.Nop()),
		Archiver:  archiver,
		Now:       func() time.Time { return time.Unix(1700000000, 0) },
		Log:       zerolog.Nop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.Shutdown(ctx)
	})
	return &harness{orch: o, registry: reg, dir: dir}
}

func (h *harness) submit(t *testing.T, name string) jobs.Job {
	t.Helper()
	job, err := h.orch.Submit(context.Background(), Upload{Filename: name, Body: strings.NewReader("RIFF....")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return job
}

func (h *harness) wait(t *testing.T, id string) jobs.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := h.registry.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if j.Status.Terminal() {
			// Let the run goroutine finish its cleanup.
			for h.orch.Active() > 0 && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return jobs.Job{}
}

func (h *harness) files(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestOrchestrator_TwoSpeakers(t *testing.T) {
	engine := &fakeEngine{turns: []diarize.SpeakerTurn{
		{Start: 0, End: 4.9, Speaker: "A"},
		{Start: 5.0, End: 9.8, Speaker: "B"},
	}}
	archiver := &recordingArchiver{}
	h := newHarness(t, engine, &fakeTranscriber{}, nil, archiver)

	job := h.submit(t, "meeting.mp3")
	if job.ID != "1700000000_meeting.mp3" {
		t.Errorf("ID = %q", job.ID)
	}
	if job.Info != "Upload success" {
		t.Errorf("Info = %q, want Upload success", job.Info)
	}

	got := h.wait(t, job.ID)
	if got.Status != jobs.StatusCompleted {
		t.Fatalf("Status = %s (error %q), want completed", got.Status, got.Error)
	}
	if got.Error != "" {
		t.Errorf("Error = %q on completed job", got.Error)
	}
	if len(got.Result) != 2 {
		t.Fatalf("len(Result) = %d, want 2", len(got.Result))
	}
	want := []jobs.Segment{
		{Start: 0, End: 4.9, Speaker: "A", File: job.ID + ".1.wav"},
		{Start: 5.0, End: 9.8, Speaker: "B", File: job.ID + ".2.wav"},
	}
	for i, w := range want {
		s := got.Result[i]
		if s.Start != w.Start || s.End != w.End || s.Speaker != w.Speaker || s.File != w.File {
			t.Errorf("Result[%d] = %+v, want %+v", i, s, w)
		}
		if s.Text == "" {
			t.Errorf("Result[%d].Text is empty", i)
		}
	}

	// Track removed, clips retained for playback.
	files := h.files(t)
	for _, f := range files {
		if strings.HasSuffix(f, ".temp.wav") {
			t.Errorf("resampled track %s left behind", f)
		}
	}
	for _, w := range want {
		if _, err := os.Stat(filepath.Join(h.dir, w.File)); err != nil {
			t.Errorf("clip %s not retained: %v", w.File, err)
		}
	}

	archiver.mu.Lock()
	defer archiver.mu.Unlock()
	if len(archiver.keys) != 3 || archiver.keys[0] != job.ID {
		t.Errorf("archived keys = %v", archiver.keys)
	}
}

func TestOrchestrator_ReversedTurnsSortedByEnd(t *testing.T) {
	engine := &fakeEngine{turns: []diarize.SpeakerTurn{
		{Start: 5, End: 6, Speaker: "B"},
		{Start: 0, End: 1, Speaker: "A"},
	}}
	tr := &fakeTranscriber{}
	h := newHarness(t, engine, tr, nil, nil)

	job := h.submit(t, "reversed.wav")
	got := h.wait(t, job.ID)
	if got.Status != jobs.StatusCompleted {
		t.Fatalf("Status = %s (error %q)", got.Status, got.Error)
	}
	if len(got.Result) != 2 || got.Result[0].Speaker != "A" || got.Result[1].Speaker != "B" {
		t.Fatalf("Result = %+v, want A before B", got.Result)
	}
	// Transcribed in emission order, stored in end order.
	calls := tr.Calls()
	if len(calls) != 2 || !strings.HasSuffix(calls[0], ".1.wav") {
		t.Errorf("calls = %v", calls)
	}
	if got.Result[1].File != job.ID+".1.wav" {
		t.Errorf("B clip = %q, want first extracted clip", got.Result[1].File)
	}
}

func TestOrchestrator_ShortTurnsDropped(t *testing.T) {
	engine := &fakeEngine{turns: []diarize.SpeakerTurn{
		{Start: 0, End: 0.5, Speaker: "A"},  // exactly 0.5s
		{Start: 1, End: 1.2, Speaker: "B"},  // too short
		{Start: 2, End: 2.51, Speaker: "A"}, // just long enough
		{Start: 3, End: 10, Speaker: "B"},
	}}
	tr := &fakeTranscriber{}
	h := newHarness(t, engine, tr, nil, nil)

	got := h.wait(t, h.submit(t, "short.wav").ID)
	if got.Status != jobs.StatusCompleted {
		t.Fatalf("Status = %s (error %q)", got.Status, got.Error)
	}
	if len(got.Result) != 2 {
		t.Fatalf("len(Result) = %d, want 2: %+v", len(got.Result), got.Result)
	}
	for _, s := range got.Result {
		if s.End-s.Start <= MinTurnDuration {
			t.Errorf("segment %+v should have been dropped", s)
		}
	}
	if n := len(tr.Calls()); n != 2 {
		t.Errorf("transcriber called %d times, want 2", n)
	}
}

func TestOrchestrator_TranscriptionFailsOnKthSegment(t *testing.T) {
	engine := &fakeEngine{turns: []diarize.SpeakerTurn{
		{Start: 0, End: 2, Speaker: "A"},
		{Start: 2, End: 4, Speaker: "B"},
		{Start: 4, End: 6, Speaker: "A"},
		{Start: 6, End: 8, Speaker: "B"},
	}}
	tr := &fakeTranscriber{failOn: 3, err: fmt.Errorf("%w: status 500: boom", transcribe.ErrFailed)}
	h := newHarness(t, engine, tr, nil, nil)

	job := h.submit(t, "fail.wav")
	got := h.wait(t, job.ID)
	if got.Status != jobs.StatusFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	if got.Result != nil {
		t.Errorf("partial result stored: %+v", got.Result)
	}
	if !strings.Contains(got.Error, "transcription") || !strings.Contains(got.Error, "segment 3") {
		t.Errorf("Error = %q, want transcription stage and segment 3", got.Error)
	}
	if n := len(tr.Calls()); n != 3 {
		t.Errorf("transcriber called %d times, want abort after 3", n)
	}

	// Only the upload itself remains.
	files := h.files(t)
	if len(files) != 1 || files[0] != job.ID {
		t.Errorf("files after failure = %v, want only %s", files, job.ID)
	}
}

func TestOrchestrator_TranscriptionEndpointUnreachable(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL + "/inference"
	srv.Close()

	engine := &fakeEngine{turns: []diarize.SpeakerTurn{{Start: 0, End: 3, Speaker: "A"}}}
	h := newHarness(t, engine, transcribe.NewClient(url, 2*time.Second), nil, nil)

	got := h.wait(t, h.submit(t, "offline.wav").ID)
	if got.Status != jobs.StatusFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	if got.Error == "" || !strings.Contains(got.Error, "transcription") {
		t.Errorf("Error = %q, want transcription marker", got.Error)
	}
	if got.Result != nil {
		t.Errorf("Result = %+v, want none", got.Result)
	}
}

func TestOrchestrator_DiarizationFailure(t *testing.T) {
	engine := &fakeEngine{err: errors.New("CUDA out of memory")}
	tr := &fakeTranscriber{}
	h := newHarness(t, engine, tr, nil, nil)

	got := h.wait(t, h.submit(t, "gpu.wav").ID)
	if got.Status != jobs.StatusFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	if !strings.HasPrefix(got.Error, "diarization failed: ") || !strings.Contains(got.Error, "CUDA out of memory") {
		t.Errorf("Error = %q", got.Error)
	}
	if strings.Count(got.Error, "diarization failed") != 1 {
		t.Errorf("Error repeats the stage: %q", got.Error)
	}
	if len(tr.Calls()) != 0 {
		t.Error("transcription ran after diarization failure")
	}
}

func TestOrchestrator_PrepareFailure(t *testing.T) {
	engine := &fakeEngine{}
	conv := &fileConverter{resampleErr: errors.New("invalid data found when processing input")}
	h := newHarness(t, engine, &fakeTranscriber{}, conv, nil)

	got := h.wait(t, h.submit(t, "corrupt.mp3").ID)
	if got.Status != jobs.StatusFailed || !strings.HasPrefix(got.Error, "prepare failed: ") {
		t.Fatalf("got %s %q, want prepare failure", got.Status, got.Error)
	}
}

func TestOrchestrator_DuplicateUpload(t *testing.T) {
	engine := &fakeEngine{block: true}
	h := newHarness(t, engine, &fakeTranscriber{}, nil, nil)

	first := h.submit(t, "same.wav")
	_, err := h.orch.Submit(context.Background(), Upload{Filename: "same.wav", Body: strings.NewReader("other")})
	if !errors.Is(err, jobs.ErrDuplicateJob) {
		t.Fatalf("second Submit err = %v, want ErrDuplicateJob", err)
	}
	data, _ := os.ReadFile(filepath.Join(h.dir, first.ID))
	if string(data) != "RIFF...." {
		t.Errorf("original upload overwritten: %q", data)
	}
}

func TestOrchestrator_ShutdownFailsInFlightJobs(t *testing.T) {
	engine := &fakeEngine{block: true}
	h := newHarness(t, engine, &fakeTranscriber{}, nil, nil)

	job := h.submit(t, "long.wav")
	// Wait for diarization progress so the run is inside the engine.
	deadline := time.Now().Add(5 * time.Second)
	for {
		j, _ := h.registry.Get(job.ID)
		if strings.HasPrefix(j.Info, "segmentation") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no diarization progress, info %q", j.Info)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got, _ := h.registry.Get(job.ID); got.Info != "segmentation (50%)" {
		t.Errorf("Info = %q, want segmentation (50%%)", got.Info)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.orch.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got, _ := h.registry.Get(job.ID)
	if got.Status != jobs.StatusFailed {
		t.Fatalf("Status = %s, want failed after shutdown", got.Status)
	}
	for _, f := range h.files(t) {
		if strings.HasSuffix(f, ".temp.wav") {
			t.Errorf("track %s left after shutdown", f)
		}
	}

	if _, err := h.orch.Submit(context.Background(), Upload{Filename: "late.wav", Body: strings.NewReader("x")}); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Shutdown err = %v, want ErrClosed", err)
	}
}

func TestOrchestrator_UploadErrorCreatesNoJob(t *testing.T) {
	h := newHarness(t, &fakeEngine{}, &fakeTranscriber{}, nil, nil)

	_, err := h.orch.Submit(context.Background(), Upload{Filename: "broken.wav", Body: failingReader{}})
	if !errors.Is(err, ErrUpload) {
		t.Fatalf("err = %v, want ErrUpload", err)
	}
	if _, err := h.registry.Get("1700000000_broken.wav"); !errors.Is(err, jobs.ErrNotFound) {
		t.Errorf("job registered despite upload failure: %v", err)
	}
	if files := h.files(t); len(files) != 0 {
		t.Errorf("partial upload left behind: %v", files)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestOrchestrator_DerivedNamesNeverClobberOtherUploads(t *testing.T) {
	engine := &fakeEngine{turns: []diarize.SpeakerTurn{{Start: 0, End: 4, Speaker: "A"}}}
	h := newHarness(t, engine, &fakeTranscriber{}, nil, nil)

	// "a.wav.1.wav" lands exactly where job "a.wav" would cut its first clip.
	other := h.submit(t, "a.wav.1.wav")
	h.wait(t, other.ID)
	otherPath := filepath.Join(h.dir, other.ID)
	before, err := os.ReadFile(otherPath)
	if err != nil {
		t.Fatal(err)
	}

	job := h.submit(t, "a.wav")
	got := h.wait(t, job.ID)
	if got.Status != jobs.StatusFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "already exists") {
		t.Errorf("Error = %q, want a name collision", got.Error)
	}

	after, err := os.ReadFile(otherPath)
	if err != nil {
		t.Fatalf("other upload removed: %v", err)
	}
	if string(after) != string(before) {
		t.Errorf("other upload rewritten: before %q after %q", before, after)
	}
}
