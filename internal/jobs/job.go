package jobs

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Segment is one transcribed speaker turn.
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
	Text    string  `json:"text"`
	File    string  `json:"file"` // clip key under the upload dir
}

// Job is a snapshot of one upload's processing state.
// Error is set only when Status is StatusFailed; Result is non-nil only when
// Status is StatusCompleted.
type Job struct {
	ID           string    `json:"id"`
	OriginalName string    `json:"original_name,omitempty"`
	Lang         string    `json:"lang,omitempty"`
	Status       Status    `json:"status"`
	Info         string    `json:"info"`
	Error        string    `json:"error,omitempty"`
	Result       []Segment `json:"result,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (j *Job) clone() Job {
	c := *j
	if j.Result != nil {
		c.Result = make([]Segment, len(j.Result))
		copy(c.Result, j.Result)
	}
	return c
}

// NewID builds a job id from the upload time and the client's file name.
// Directory components are stripped so the id is always a bare file name.
func NewID(uploadedAt time.Time, originalName string) string {
	name := filepath.Base(filepath.ToSlash(strings.ReplaceAll(originalName, `\`, "/")))
	if name == "." || name == ".." || name == "/" || name == "" {
		name = "audio"
	}
	return fmt.Sprintf("%d_%s", uploadedAt.Unix(), name)
}
