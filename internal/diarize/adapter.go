package diarize

import (
	"context"
	"fmt"
)

// Adapter submits a prepared 16 kHz mono track to the pool and relays
// progress to the caller while the engine runs.
type Adapter struct {
	pool *Pool
}

// NewAdapter creates an adapter on top of a started pool.
func NewAdapter(pool *Pool) *Adapter {
	return &Adapter{pool: pool}
}

// Run blocks until diarization of audioPath finishes, ctx is done, or the
// pool stops. onInfo is called on the caller's goroutine with rendered
// progress text as events arrive. Any failure is wrapped in
// ErrDiarizationFailed and no turns are returned.
func (a *Adapter) Run(ctx context.Context, audioPath string, onInfo func(string)) (*Diarization, error) {
	progress := make(chan Progress, 16)
	done, err := a.pool.Submit(ctx, audioPath, progress)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiarizationFailed, err)
	}

	for {
		select {
		case pr := <-progress:
			onInfo(pr.Info())
		case out := <-done:
			// Flush progress that raced with completion.
			for drained := false; !drained; {
				select {
				case pr := <-progress:
					onInfo(pr.Info())
				default:
					drained = true
				}
			}
			if out.err != nil {
				return nil, fmt.Errorf("%w: %w", ErrDiarizationFailed, out.err)
			}
			return newDiarization(validTurns(out.turns)), nil
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrDiarizationFailed, ctx.Err())
		}
	}
}

// validTurns drops turns that do not satisfy end > start.
func validTurns(turns []SpeakerTurn) []SpeakerTurn {
	out := turns[:0:0]
	for _, t := range turns {
		if t.End > t.Start {
			out = append(out, t)
		}
	}
	return out
}
