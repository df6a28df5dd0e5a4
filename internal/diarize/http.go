package diarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HTTPEngine sends the track to a pyannote HTTP sidecar (POST {base}/diarize).
// The sidecar gives no intermediate progress, so the engine reports one step
// at submission and one on completion.
type HTTPEngine struct {
	baseURL string
	hfToken string
	client  *http.Client
}

// NewHTTPEngine creates a sidecar engine.
func NewHTTPEngine(baseURL, hfToken string, timeout time.Duration) *HTTPEngine {
	return &HTTPEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		hfToken: hfToken,
		client:  &http.Client{Timeout: timeout},
	}
}

type sidecarResponse struct {
	Segments []struct {
		SpeakerID string  `json:"speaker_id"`
		StartTime float64 `json:"start_time"`
		EndTime   float64 `json:"end_time"`
	} `json:"segments"`
	Error string `json:"error,omitempty"`
}

func (e *HTTPEngine) Name() string { return "pyannote-http" }

func (e *HTTPEngine) Diarize(ctx context.Context, audioPath string, progress ProgressFunc) ([]SpeakerTurn, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("audio", filepath.Base(audioPath))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/diarize", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if e.hfToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.hfToken)
	}

	report(progress, Progress{Step: "diarization", Completed: 0, Total: 1})

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("diarization request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("diarization error (status %d): %s", resp.StatusCode, string(body))
	}

	var result sidecarResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode diarization response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("diarization error: %s", result.Error)
	}

	turns := make([]SpeakerTurn, len(result.Segments))
	for i, s := range result.Segments {
		turns[i] = SpeakerTurn{Start: s.StartTime, End: s.EndTime, Speaker: s.SpeakerID}
	}
	report(progress, Progress{Step: "diarization", Completed: 1, Total: 1})
	return turns, nil
}

// IsAvailable checks the sidecar health endpoint.
func (e *HTTPEngine) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func report(fn ProgressFunc, p Progress) {
	if fn != nil {
		fn(p)
	}
}
