package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/diarize-engine/internal/audio"
	"github.com/snarg/diarize-engine/internal/diarize"
	"github.com/snarg/diarize-engine/internal/jobs"
	"github.com/snarg/diarize-engine/internal/metrics"
	"github.com/snarg/diarize-engine/internal/storage"
)

// ErrClosed is returned by Submit after Shutdown has started.
var ErrClosed = errors.New("orchestrator is shutting down")

// Diarizer produces speaker turns for a prepared track.
type Diarizer interface {
	Run(ctx context.Context, audioPath string, onInfo func(string)) (*diarize.Diarization, error)
}

// Archiver receives keys of files worth backing up once a job completes.
type Archiver interface {
	Enqueue(key string)
}

// Upload is one file handed to Submit.
type Upload struct {
	Filename string
	Lang     string
	Body     io.Reader
	Source   string // "http" or "watch", for metrics
}

// Options configures an Orchestrator.
type Options struct {
	Registry  *jobs.Registry
	Store     storage.AudioStore
	Converter audio.Converter
	Diarizer  Diarizer
	Segments  *SegmentPipeline
	Archiver  Archiver // optional

	DefaultLang    string
	DiarizeTimeout time.Duration
	Now            func() time.Time
	Log            zerolog.Logger
}

// Orchestrator owns the lifecycle of every job: it persists the upload,
// registers the job and drives one run goroutine per job to a terminal
// state.
type Orchestrator struct {
	opts Options
	log  zerolog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	active atomic.Int64
}

// New creates an orchestrator. Runs are bound to an internal context that
// Shutdown cancels.
func New(opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:   opts,
		log:    opts.Log,
		base:   base,
		cancel: cancel,
	}
}

// Submit persists the upload, registers its job and starts processing in the
// background. It returns as soon as the job is registered. Failures to store
// the bytes are reported as ErrUpload; an id that is already taken as
// jobs.ErrDuplicateJob. Neither creates a job.
func (o *Orchestrator) Submit(ctx context.Context, up Upload) (jobs.Job, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return jobs.Job{}, ErrClosed
	}
	o.wg.Add(1)
	o.mu.Unlock()
	launched := false
	defer func() {
		if !launched {
			o.wg.Done()
		}
	}()

	id := jobs.NewID(o.opts.Now(), up.Filename)
	if _, err := o.opts.Registry.Get(id); err == nil {
		return jobs.Job{}, fmt.Errorf("%w: %s", jobs.ErrDuplicateJob, id)
	}

	path, err := o.opts.Store.Create(ctx, id, up.Body)
	if err != nil {
		if errors.Is(err, storage.ErrExists) {
			return jobs.Job{}, fmt.Errorf("%w: %s", jobs.ErrDuplicateJob, id)
		}
		return jobs.Job{}, fmt.Errorf("%w: %w", ErrUpload, err)
	}

	lang := up.Lang
	if lang == "" {
		lang = o.opts.DefaultLang
	}
	job, err := o.opts.Registry.Create(id, up.Filename, lang)
	if err != nil {
		os.Remove(path)
		return jobs.Job{}, err
	}

	source := up.Source
	if source == "" {
		source = "http"
	}
	metrics.JobsSubmittedTotal.WithLabelValues(source).Inc()
	o.log.Info().Str("job_id", id).Str("source", source).Str("lang", lang).Msg("job submitted")

	launched = true
	go o.run(id, path, lang)
	return job, nil
}

// Active returns the number of runs in flight.
func (o *Orchestrator) Active() int64 { return o.active.Load() }

// Shutdown stops accepting jobs, cancels runs in flight and waits for them
// to record their failure and clean up, or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) run(id, path, lang string) {
	defer o.wg.Done()
	o.active.Add(1)
	defer o.active.Add(-1)

	start := time.Now()
	log := o.log.With().Str("job_id", id).Logger()
	assets := audio.NewAssets(o.opts.Converter, path)
	status := jobs.StatusFailed

	defer func() {
		if err := assets.Cleanup(); err != nil {
			log.Warn().Err(err).Msg("asset cleanup incomplete")
		}
		metrics.JobsFinishedTotal.WithLabelValues(string(status)).Inc()
		metrics.JobDuration.WithLabelValues(string(status)).Observe(time.Since(start).Seconds())
	}()

	segments, err := o.execute(o.base, log, id, assets, lang)
	if err != nil {
		msg := err.Error()
		if stageOf(err) == "" {
			msg = (&StageError{Stage: StageFinalize, Err: err}).Error()
		}
		if serr := o.opts.Registry.SetError(id, msg); serr != nil {
			log.Error().Err(serr).Msg("failed to record job failure")
		}
		log.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("job failed")
		return
	}

	status = jobs.StatusCompleted
	log.Info().Int("segments", len(segments)).Dur("elapsed", time.Since(start)).Msg("job completed")

	if o.opts.Archiver != nil {
		o.opts.Archiver.Enqueue(id)
		for _, s := range segments {
			o.opts.Archiver.Enqueue(s.File)
		}
	}
}

// execute drives one job from Processing to a result. A panic anywhere in
// the run is converted into a failure of the stage it happened in.
func (o *Orchestrator) execute(ctx context.Context, log zerolog.Logger, id string, assets *audio.Assets, lang string) (segments []jobs.Segment, err error) {
	stage := StagePrepare
	defer func() {
		if rv := recover(); rv != nil {
			log.Error().Interface("panic", rv).Str("stage", stage).Msg("job run panicked")
			segments, err = nil, &StageError{Stage: stage, Err: fmt.Errorf("internal error: %v", rv)}
		}
	}()

	reg := o.opts.Registry
	onInfo := func(text string) {
		if err := reg.UpdateInfo(id, text); err != nil {
			log.Debug().Err(err).Msg("info update dropped")
		}
	}

	if err := reg.MarkProcessing(id); err != nil {
		return nil, &StageError{Stage: stage, Err: err}
	}

	t := time.Now()
	track, err := assets.Prepare(ctx)
	if err != nil {
		return nil, &StageError{Stage: stage, Err: err}
	}
	observeStage(stage, t)

	stage = StageDiarization
	t = time.Now()
	dctx := ctx
	if o.opts.DiarizeTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, o.opts.DiarizeTimeout)
		defer cancel()
	}
	d, err := o.opts.Diarizer.Run(dctx, track, onInfo)
	if err != nil {
		return nil, &StageError{Stage: stage, Err: err}
	}
	observeStage(stage, t)
	log.Debug().Int("turns", d.Len()).Float64("total_s", d.TotalDuration()).Msg("diarization done")

	stage = StageTranscription
	t = time.Now()
	segments, err = o.opts.Segments.Run(ctx, d.Turns(), d.TotalDuration(), assets, lang, onInfo)
	if err != nil {
		return nil, err
	}
	observeStage(stage, t)

	stage = StageFinalize
	if err := reg.SetResult(id, segments); err != nil {
		return nil, &StageError{Stage: stage, Err: err}
	}
	assets.Retain()
	return segments, nil
}

func observeStage(stage string, since time.Time) {
	metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(since).Seconds())
}
