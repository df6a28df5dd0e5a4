package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/diarize-engine/internal/jobs"
	"github.com/snarg/diarize-engine/internal/pipeline"
)

// JobSubmitter starts jobs. Implemented by *pipeline.Orchestrator.
type JobSubmitter interface {
	Submit(ctx context.Context, up pipeline.Upload) (jobs.Job, error)
}

// JobReader reads job state. Implemented by *jobs.Registry.
type JobReader interface {
	Get(id string) (jobs.Job, error)
	List() []jobs.Job
	Stats() jobs.Stats
}

// TaskHandler serves the upload and polling endpoints.
type TaskHandler struct {
	submitter JobSubmitter
	reader    JobReader
	maxUpload int64
	log       zerolog.Logger
}

// NewTaskHandler creates the upload/status handler. maxUpload caps the
// request body in bytes; zero means no limit.
func NewTaskHandler(submitter JobSubmitter, reader JobReader, maxUpload int64, log zerolog.Logger) *TaskHandler {
	return &TaskHandler{
		submitter: submitter,
		reader:    reader,
		maxUpload: maxUpload,
		log:       log.With().Str("handler", "tasks").Logger(),
	}
}

// Routes registers the task endpoints.
func (h *TaskHandler) Routes(r chi.Router) {
	r.Post("/upload_audio", h.Upload)
	r.Get("/task_status/{filename}", h.Status)
	r.Get("/tasks", h.List)
}

// UploadResponse is returned by POST /upload_audio.
type UploadResponse struct {
	Filename string `json:"filename"`
	Status   string `json:"status"`
	Info     string `json:"info"`
}

// StatusResponse is returned by GET /task_status/{filename}.
type StatusResponse struct {
	Status string         `json:"status"`
	Info   string         `json:"info,omitempty"`
	Error  string         `json:"error,omitempty"`
	Data   *[]SegmentView `json:"data,omitempty"` // set, possibly empty, only when completed
}

// SegmentView is one transcript segment as returned to clients.
type SegmentView struct {
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Speaker  string  `json:"speaker"`
	Text     string  `json:"text"`
	File     string  `json:"file"`
	AudioURL string  `json:"audio_url"`
}

// Upload handles POST /upload_audio. The multipart field "file" carries the
// recording; "lang" optionally selects the transcription language.
func (h *TaskHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteErrorWithCode(w, http.StatusRequestEntityTooLarge, ErrTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrMissingFile, "missing file field")
		return
	}
	defer file.Close()

	name := header.Filename
	if strings.TrimSpace(name) == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrMissingFile, "file has no name")
		return
	}

	job, err := h.submitter.Submit(r.Context(), pipeline.Upload{
		Filename: name,
		Lang:     strings.TrimSpace(r.FormValue("lang")),
		Body:     file,
		Source:   "http",
	})
	switch {
	case err == nil:
	case errors.Is(err, jobs.ErrDuplicateJob):
		WriteErrorWithCode(w, http.StatusConflict, ErrDuplicate, err.Error())
		return
	case errors.Is(err, pipeline.ErrClosed):
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrUnavailable, err.Error())
		return
	default:
		hlog.FromRequest(r).Error().Err(err).Str("file", name).Msg("upload failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrUploadFailed, "failed to store upload")
		return
	}

	WriteJSON(w, http.StatusOK, UploadResponse{
		Filename: job.ID,
		Status:   "processing",
		Info:     job.Info,
	})
}

// Status handles GET /task_status/{filename}. It always answers 200; an
// unknown id is reported as status "not_found".
func (h *TaskHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "filename")
	job, err := h.reader.Get(id)
	if err != nil {
		WriteJSON(w, http.StatusOK, StatusResponse{Status: "not_found"})
		return
	}
	WriteJSON(w, http.StatusOK, statusOf(job))
}

func statusOf(j jobs.Job) StatusResponse {
	switch j.Status {
	case jobs.StatusFailed:
		return StatusResponse{Status: "failed", Error: j.Error}
	case jobs.StatusCompleted:
		data := make([]SegmentView, len(j.Result))
		for i, s := range j.Result {
			data[i] = SegmentView{
				Start:    s.Start,
				End:      s.End,
				Speaker:  s.Speaker,
				Text:     s.Text,
				File:     s.File,
				AudioURL: "/audio/" + url.PathEscape(s.File),
			}
		}
		return StatusResponse{Status: "completed", Data: &data}
	}
	return StatusResponse{Status: "processing", Info: j.Info}
}

// TaskSummary is one entry of GET /tasks.
type TaskSummary struct {
	Filename  string    `json:"filename"`
	Status    string    `json:"status"`
	Info      string    `json:"info,omitempty"`
	Error     string    `json:"error,omitempty"`
	Segments  int       `json:"segments"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskListResponse is returned by GET /tasks.
type TaskListResponse struct {
	Tasks []TaskSummary `json:"tasks"`
	Total int           `json:"total"`
}

// List handles GET /tasks, newest first. The optional status query
// ("processing", "completed" or "failed") filters by the reported status.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	want := r.URL.Query().Get("status")
	switch want {
	case "", "processing", "completed", "failed":
	default:
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "status must be processing, completed or failed")
		return
	}

	tasks := []TaskSummary{}
	for _, j := range h.reader.List() {
		st := statusOf(j)
		if want != "" && st.Status != want {
			continue
		}
		tasks = append(tasks, TaskSummary{
			Filename:  j.ID,
			Status:    st.Status,
			Info:      st.Info,
			Error:     st.Error,
			Segments:  len(j.Result),
			CreatedAt: j.CreatedAt,
			UpdatedAt: j.UpdatedAt,
		})
	}
	WriteJSON(w, http.StatusOK, TaskListResponse{Tasks: tasks, Total: len(tasks)})
}
