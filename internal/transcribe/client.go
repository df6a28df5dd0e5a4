package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrUnavailable means the service could not be reached or timed out.
	ErrUnavailable = errors.New("transcription service unavailable")
	// ErrFailed means the service answered but not with a usable transcript.
	ErrFailed = errors.New("transcription failed")
)

// Fixed decoding parameters sent with every request.
const (
	Temperature    = "0.0"
	TemperatureInc = "0.2"
	ResponseFormat = "json"
)

// Transcriber turns one audio clip into text.
type Transcriber interface {
	Transcribe(ctx context.Context, clipPath, lang string) (string, error)
}

// Client calls a whisper.cpp-style /inference endpoint.
type Client struct {
	url    string
	client *http.Client
}

// NewClient creates a transcription client. A zero timeout disables the
// client-side deadline; the caller's context still applies.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type inferenceResponse struct {
	Text *string `json:"text"`
}

// Transcribe uploads the clip as multipart/form-data and returns the text.
// No retry is attempted.
func (c *Client) Transcribe(ctx context.Context, clipPath, lang string) (string, error) {
	f, err := os.Open(clipPath)
	if err != nil {
		return "", fmt.Errorf("%w: open clip: %w", ErrFailed, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(clipPath))
	if err != nil {
		return "", fmt.Errorf("%w: create form file: %w", ErrFailed, err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("%w: copy audio data: %w", ErrFailed, err)
	}

	w.WriteField("temperature", Temperature)
	w.WriteField("temperature_inc", TemperatureInc)
	w.WriteField("response_format", ResponseFormat)
	if lang != "" {
		w.WriteField("lang", lang)
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &buf)
	if err != nil {
		return "", fmt.Errorf("%w: create request: %w", ErrFailed, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classifyTransportError(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d: %s", ErrFailed, resp.StatusCode, truncate(string(body), 200))
	}

	var result inferenceResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrFailed, err)
	}
	if result.Text == nil {
		return "", fmt.Errorf("%w: response has no text field", ErrFailed)
	}
	return *result.Text, nil
}

// classifyTransportError maps errors from the HTTP round trip. Anything that
// never produced a complete response counts as unavailability; timeouts are
// labelled so the job error says so.
func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: timeout: %w", ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
