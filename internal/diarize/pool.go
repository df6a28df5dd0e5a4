package diarize

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrPoolStopped is returned by Submit after Stop.
var ErrPoolStopped = errors.New("diarization pool stopped")

// QueueStats reports the current state of the diarization pool.
type QueueStats struct {
	Pending   int   `json:"pending"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// PoolOptions configures the diarization worker pool.
type PoolOptions struct {
	Engine    Engine
	Workers   int
	QueueSize int
	Log       zerolog.Logger
}

type request struct {
	ctx       context.Context
	audioPath string
	progress  chan<- Progress
	done      chan<- outcome
}

type outcome struct {
	turns []SpeakerTurn
	err   error
}

// Pool runs blocking engine calls on a fixed set of worker goroutines so that
// inference never runs on a job's own goroutine.
type Pool struct {
	reqs   chan request
	stop   chan struct{}
	engine Engine
	opts   PoolOptions
	log    zerolog.Logger
	wg     sync.WaitGroup
	once   sync.Once

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewPool creates a diarization worker pool.
func NewPool(opts PoolOptions) *Pool {
	if opts.Workers < 0 {
		opts.Workers = 0
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	return &Pool{
		reqs:   make(chan request, opts.QueueSize),
		stop:   make(chan struct{}),
		engine: opts.Engine,
		opts:   opts,
		log:    opts.Log,
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.Info().
		Str("engine", p.engine.Name()).
		Int("workers", p.opts.Workers).
		Int("queue_size", p.opts.QueueSize).
		Msg("diarization pool started")
}

// Stop prevents new submissions and waits for running inferences to return.
// Requests still queued are answered with ErrPoolStopped.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
	for {
		select {
		case req := <-p.reqs:
			req.done <- outcome{err: ErrPoolStopped}
		default:
			p.log.Info().
				Int64("completed", p.completed.Load()).
				Int64("failed", p.failed.Load()).
				Msg("diarization pool stopped")
			return
		}
	}
}

// Submit queues an inference and returns a channel that receives exactly one
// outcome. It blocks while the queue is full, until ctx is done or the pool
// stops. Progress is delivered on progress without blocking the engine;
// events are dropped if the receiver falls behind.
func (p *Pool) Submit(ctx context.Context, audioPath string, progress chan<- Progress) (<-chan outcome, error) {
	select {
	case <-p.stop:
		return nil, ErrPoolStopped
	default:
	}

	done := make(chan outcome, 1)
	req := request{ctx: ctx, audioPath: audioPath, progress: progress, done: done}
	select {
	case p.reqs <- req:
		return done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stop:
		return nil, ErrPoolStopped
	}
}

// Stats returns current pool statistics.
func (p *Pool) Stats() QueueStats {
	return QueueStats{
		Pending:   len(p.reqs),
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int { return p.opts.Workers }

// EngineName returns the backend name.
func (p *Pool) EngineName() string { return p.engine.Name() }

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker", id).Logger()

	for {
		select {
		case <-p.stop:
			return
		case req := <-p.reqs:
			out := p.run(log, req)
			if out.err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}
			req.done <- out
		}
	}
}

func (p *Pool) run(log zerolog.Logger, req request) (out outcome) {
	if err := req.ctx.Err(); err != nil {
		return outcome{err: err}
	}

	p.active.Add(1)
	defer p.active.Add(-1)

	defer func() {
		if rv := recover(); rv != nil {
			log.Error().Interface("panic", rv).Str("audio", req.audioPath).Msg("diarization engine panicked")
			out = outcome{err: fmt.Errorf("engine panic: %v", rv)}
		}
	}()

	start := time.Now()
	turns, err := p.engine.Diarize(req.ctx, req.audioPath, func(pr Progress) {
		select {
		case req.progress <- pr:
		default:
		}
	})
	if err != nil {
		log.Warn().Err(err).Str("audio", req.audioPath).Msg("diarization failed")
		return outcome{err: err}
	}

	log.Debug().
		Str("audio", req.audioPath).
		Int("turns", len(turns)).
		Dur("elapsed", time.Since(start)).
		Msg("diarization complete")
	return outcome{turns: turns}
}
