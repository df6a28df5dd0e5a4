package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUpload is returned by Submit when the uploaded bytes cannot be persisted.
// The job is never created in that case.
var ErrUpload = errors.New("upload failed")

// Pipeline stages, as they appear in job error messages.
const (
	StagePrepare       = "prepare"
	StageDiarization   = "diarization"
	StageTranscription = "transcription"
	StageFinalize      = "finalize"
)

// StageError attributes a run failure to the stage it happened in. Its
// message is what pollers see in the job's error field.
type StageError struct {
	Stage  string
	Detail string
	Err    error
}

func (e *StageError) Error() string {
	cause := "unknown error"
	if e.Err != nil {
		cause = strings.TrimPrefix(e.Err.Error(), e.Stage+" failed: ")
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s failed (%s): %s", e.Stage, e.Detail, cause)
	}
	return fmt.Sprintf("%s failed: %s", e.Stage, cause)
}

func (e *StageError) Unwrap() error { return e.Err }

// stageOf returns the stage of err, or "" when err carries none.
func stageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
