// Package diarize runs speaker diarization engines off the job goroutines and
// turns their output into speaker turns and progress text.
package diarize

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
)

// ErrDiarizationFailed wraps every engine failure.
var ErrDiarizationFailed = errors.New("diarization failed")

// SpeakerTurn is one contiguous interval attributed to a single speaker.
// Speaker labels are stable within one run only.
type SpeakerTurn struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// Duration returns End - Start in seconds.
func (t SpeakerTurn) Duration() float64 { return t.End - t.Start }

// Progress is one step notification from an engine. Total == 0 means the
// engine did not report counts and the step is treated as finished.
type Progress struct {
	Step      string `json:"step"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

// Percent returns completion in the range 0-100.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 100
	}
	pct := float64(p.Completed) / float64(p.Total) * 100
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}

// Info renders the progress the way job pollers see it, e.g. "segmentation (42%)".
func (p Progress) Info() string {
	return fmt.Sprintf("%s (%.0f%%)", p.Step, p.Percent())
}

// ProgressFunc receives engine progress. It must not block.
type ProgressFunc func(Progress)

// Engine is a blocking diarization backend.
type Engine interface {
	Diarize(ctx context.Context, audioPath string, progress ProgressFunc) ([]SpeakerTurn, error)
	Name() string
}

// Diarization is the completed output of one run.
type Diarization struct {
	turns    []SpeakerTurn
	total    float64
	consumed atomic.Bool
}

func newDiarization(turns []SpeakerTurn) *Diarization {
	d := &Diarization{turns: turns}
	for _, t := range turns {
		if t.End > d.total {
			d.total = t.End
		}
	}
	return d
}

// Turns yields the turns in engine emission order. The sequence can be
// consumed once; later iterations yield nothing.
func (d *Diarization) Turns() iter.Seq[SpeakerTurn] {
	return func(yield func(SpeakerTurn) bool) {
		if d.consumed.Swap(true) {
			return
		}
		for _, t := range d.turns {
			if !yield(t) {
				return
			}
		}
	}
}

// Len returns the number of turns.
func (d *Diarization) Len() int { return len(d.turns) }

// TotalDuration is the largest turn end time, in seconds.
func (d *Diarization) TotalDuration() float64 { return d.total }
