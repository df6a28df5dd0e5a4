package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/rs/zerolog"
	"github.com/snarg/diarize-engine/internal/diarize"
)

type clipRecorder struct {
	clips []int
	err   error
}

func (c *clipRecorder) Extract(ctx context.Context, n int, start, end float64) (string, error) {
	c.clips = append(c.clips, n)
	if c.err != nil {
		return "", c.err
	}
	return fmt.Sprintf("/tmp/x.wav.%d.wav", n), nil
}

func TestSegmentPipeline_ProgressInfo(t *testing.T) {
	turns := []diarize.SpeakerTurn{
		{Start: 0, End: 10, Speaker: "A"},
		{Start: 33.3, End: 50, Speaker: "B"},
		{Start: 99.9, End: 100, Speaker: "A"}, // dropped
		{Start: 66.7, End: 100, Speaker: "B"},
	}
	var infos []string
	p := NewSegmentPipeline(&fakeTranscriber{}, zerolog.Nop())
	segs, err := p.Run(context.Background(), slices.Values(turns), 100, &clipRecorder{}, "", func(s string) {
		infos = append(infos, s)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"Transcribing (0%)", "Transcribing (33%)", "Transcribing (66%)"}
	if !slices.Equal(infos, want) {
		t.Errorf("infos = %v, want %v", infos, want)
	}
	if len(segs) != 3 {
		t.Fatalf("len = %d, want 3", len(segs))
	}
	if segs[0].Start != 0 || segs[1].Start != 33.3 || segs[2].Start != 66.7 {
		t.Errorf("order = %+v", segs)
	}
}

func TestSegmentPipeline_ExtractFailure(t *testing.T) {
	turns := []diarize.SpeakerTurn{{Start: 0, End: 2, Speaker: "A"}}
	tr := &fakeTranscriber{}
	p := NewSegmentPipeline(tr, zerolog.Nop())
	_, err := p.Run(context.Background(), slices.Values(turns), 2, &clipRecorder{err: errors.New("disk full")}, "", func(string) {})

	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageTranscription {
		t.Fatalf("err = %v, want transcription StageError", err)
	}
	if len(tr.Calls()) != 0 {
		t.Error("transcriber called after failed extraction")
	}
}

func TestSegmentPipeline_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	turns := []diarize.SpeakerTurn{{Start: 0, End: 2, Speaker: "A"}}
	p := NewSegmentPipeline(&fakeTranscriber{}, zerolog.Nop())
	_, err := p.Run(ctx, slices.Values(turns), 2, &clipRecorder{}, "", func(string) {})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestProgressPercent(t *testing.T) {
	tests := []struct {
		start, total float64
		want         int
	}{
		{0, 10, 0},
		{4.99, 10, 49},
		{9.99, 10, 99},
		{10, 10, 100},
		{5, 0, 0},
	}
	for _, tt := range tests {
		if got := progressPercent(tt.start, tt.total); got != tt.want {
			t.Errorf("progressPercent(%v, %v) = %d, want %d", tt.start, tt.total, got, tt.want)
		}
	}
}

func TestStageErrorMessage(t *testing.T) {
	tests := []struct {
		err  *StageError
		want string
	}{
		{&StageError{Stage: StageDiarization, Err: errors.New("diarization failed: oom")}, "diarization failed: oom"},
		{&StageError{Stage: StageTranscription, Detail: "segment 2, 1.00-3.00s", Err: errors.New("timeout")}, "transcription failed (segment 2, 1.00-3.00s): timeout"},
		{&StageError{Stage: StagePrepare}, "prepare failed: unknown error"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
