package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"path/filepath"
	"slices"

	"github.com/rs/zerolog"
	"github.com/snarg/diarize-engine/internal/diarize"
	"github.com/snarg/diarize-engine/internal/jobs"
	"github.com/snarg/diarize-engine/internal/metrics"
	"github.com/snarg/diarize-engine/internal/transcribe"
)

// MinTurnDuration is the shortest turn, in seconds, that gets transcribed.
// Shorter turns are dropped as noise.
const MinTurnDuration = 0.5

// ClipExtractor cuts one turn out of the prepared track.
type ClipExtractor interface {
	Extract(ctx context.Context, n int, start, end float64) (string, error)
}

// SegmentPipeline turns speaker turns into transcript segments, one turn at
// a time.
type SegmentPipeline struct {
	transcriber transcribe.Transcriber
	log         zerolog.Logger
}

// NewSegmentPipeline creates a segment pipeline.
func NewSegmentPipeline(t transcribe.Transcriber, log zerolog.Logger) *SegmentPipeline {
	return &SegmentPipeline{transcriber: t, log: log}
}

// Run extracts and transcribes every turn longer than MinTurnDuration in the
// order turns yields them, reporting progress through onInfo. The first
// failure aborts the run and no segments are returned. On success the
// segments are sorted by ascending end time.
func (p *SegmentPipeline) Run(
	ctx context.Context,
	turns iter.Seq[diarize.SpeakerTurn],
	total float64,
	clips ClipExtractor,
	lang string,
	onInfo func(string),
) ([]jobs.Segment, error) {
	var (
		segments []jobs.Segment
		n        int
		runErr   error
	)

	for turn := range turns {
		if turn.Duration() <= MinTurnDuration {
			metrics.TurnsSkippedTotal.Inc()
			continue
		}
		if err := ctx.Err(); err != nil {
			runErr = &StageError{Stage: StageTranscription, Err: err}
			break
		}
		n++
		detail := fmt.Sprintf("segment %d, %.2f-%.2fs", n, turn.Start, turn.End)

		clip, err := clips.Extract(ctx, n, turn.Start, turn.End)
		if err != nil {
			runErr = &StageError{Stage: StageTranscription, Detail: detail, Err: err}
			break
		}

		onInfo(fmt.Sprintf("Transcribing (%d%%)", progressPercent(turn.Start, total)))

		text, err := p.transcriber.Transcribe(ctx, clip, lang)
		if err != nil {
			metrics.TranscriptionRequestsTotal.WithLabelValues(transcriptionResult(err)).Inc()
			runErr = &StageError{Stage: StageTranscription, Detail: detail, Err: err}
			break
		}
		metrics.TranscriptionRequestsTotal.WithLabelValues("ok").Inc()

		segments = append(segments, jobs.Segment{
			Start:   turn.Start,
			End:     turn.End,
			Speaker: turn.Speaker,
			Text:    text,
			File:    filepath.Base(clip),
		})
	}
	if runErr != nil {
		return nil, runErr
	}

	slices.SortStableFunc(segments, func(a, b jobs.Segment) int {
		switch {
		case a.End < b.End:
			return -1
		case a.End > b.End:
			return 1
		}
		return 0
	})
	p.log.Debug().Int("segments", len(segments)).Msg("segment pipeline complete")
	return segments, nil
}

// progressPercent is floor(start/total*100), clamped to [0, 100].
func progressPercent(start, total float64) int {
	if total <= 0 {
		return 0
	}
	pct := int(math.Floor(start / total * 100))
	return max(0, min(pct, 100))
}

func transcriptionResult(err error) string {
	switch {
	case errors.Is(err, transcribe.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, transcribe.ErrFailed):
		return "failed"
	}
	return "error"
}
