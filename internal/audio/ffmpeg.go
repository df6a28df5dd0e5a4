package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// SampleRate is the rate diarization and transcription expect.
const SampleRate = 16000

// Converter produces derived audio files.
type Converter interface {
	// Resample writes src as a 16 kHz mono WAV to dst.
	Resample(ctx context.Context, src, dst string) error
	// Cut writes the [start, end) range of src (seconds) to dst as WAV.
	Cut(ctx context.Context, src, dst string, start, end float64) error
}

// FFmpeg implements Converter by shelling out to ffmpeg.
type FFmpeg struct {
	Bin string
}

// NewFFmpeg returns an ffmpeg converter. An empty bin means "ffmpeg" from PATH.
func NewFFmpeg(bin string) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &FFmpeg{Bin: bin}
}

// Check verifies the ffmpeg binary can be found.
func (f *FFmpeg) Check() error {
	if _, err := exec.LookPath(f.Bin); err != nil {
		return fmt.Errorf("ffmpeg binary not found: %w", err)
	}
	return nil
}

func (f *FFmpeg) Resample(ctx context.Context, src, dst string) error {
	// ffmpeg -y -i input -ac 1 -ar 16000 -f wav output
	return f.run(ctx, dst,
		"-y", "-i", src,
		"-vn",
		"-ac", "1", "-ar", strconv.Itoa(SampleRate),
		"-acodec", "pcm_s16le",
		"-f", "wav",
		dst,
	)
}

func (f *FFmpeg) Cut(ctx context.Context, src, dst string, start, end float64) error {
	if end <= start {
		return fmt.Errorf("cut %s: empty range %.3f-%.3f", src, start, end)
	}
	return f.run(ctx, dst,
		"-y",
		"-ss", formatSeconds(start),
		"-t", formatSeconds(end-start),
		"-i", src,
		"-acodec", "pcm_s16le",
		"-f", "wav",
		dst,
	)
}

func (f *FFmpeg) run(ctx context.Context, out string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.Bin, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		// Clean up partial output
		os.Remove(out)
		return fmt.Errorf("ffmpeg: %w: %s", err, lastLine(stderr.String()))
	}
	return nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
