package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/diarize-engine/internal/events"
	"github.com/snarg/diarize-engine/internal/jobs"
)

// EventSource is the live event feed. Implemented by *events.Bus.
type EventSource interface {
	Subscribe(filter events.Filter) (<-chan events.Event, func())
	ReplaySince(lastEventID string, filter events.Filter) ([]events.Event, bool)
}

// TaskEvent is the data of every event on a job stream, snapshot or
// change alike: the /task_status body plus the job id and change time.
type TaskEvent struct {
	Filename string `json:"filename"`
	StatusResponse
	UpdatedAt time.Time `json:"updated_at"`
}

func taskEventOf(j jobs.Job) TaskEvent {
	return TaskEvent{Filename: j.ID, StatusResponse: statusOf(j), UpdatedAt: j.UpdatedAt}
}

type EventsHandler struct {
	live      EventSource
	reader    JobReader
	keepalive time.Duration
}

func NewEventsHandler(live EventSource, reader JobReader) *EventsHandler {
	return &EventsHandler{live: live, reader: reader, keepalive: 15 * time.Second}
}

// StreamJob opens an SSE connection that pushes every change of one job.
// The current snapshot is sent first unless Last-Event-ID is given and still
// buffered, in which case the events after it are replayed instead. The
// stream ends after the job reaches a terminal state.
func (h *EventsHandler) StreamJob(w http.ResponseWriter, r *http.Request) {
	if h.live == nil {
		WriteError(w, http.StatusServiceUnavailable, "event streaming not available")
		return
	}
	id := chi.URLParam(r, "filename")
	filter := events.Filter{JobID: id}
	// Subscribe before reading state so no change falls in between.
	ch, cancel := h.live.Subscribe(filter)
	defer cancel()

	job, err := h.reader.Get(id)
	if err != nil {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "job not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	log := hlog.FromRequest(r)

	replayed := false
	done := job.Status.Terminal()
	sent := make(map[string]bool)
	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		missed, found := h.live.ReplaySince(lastEventID, filter)
		for _, e := range missed {
			writeEvent(w, log, e)
			sent[e.ID] = true
			done = done || terminalEvent(e.Type)
		}
		replayed = found
	}
	if !replayed {
		fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", mustJSON(taskEventOf(job)))
	}
	flusher.Flush()
	if done {
		return
	}

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	log.Debug().Str("job_id", id).Msg("SSE client connected")

	for {
		select {
		case <-r.Context().Done():
			log.Debug().Str("job_id", id).Msg("SSE client disconnected")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if sent[event.ID] {
				continue
			}
			writeEvent(w, log, event)
			flusher.Flush()
			if terminalEvent(event.Type) {
				return
			}
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// Routes registers event routes on the given router.
func (h *EventsHandler) Routes(r chi.Router) {
	r.Get("/task_events/{filename}", h.StreamJob)
}

func terminalEvent(typ string) bool {
	return typ == "job_"+string(jobs.StatusCompleted) || typ == "job_"+string(jobs.StatusFailed)
}

// writeEvent renders a bus event, which carries a jobs.Job, as a TaskEvent.
func writeEvent(w http.ResponseWriter, log *zerolog.Logger, e events.Event) {
	var j jobs.Job
	if err := json.Unmarshal(e.Data, &j); err != nil {
		log.Warn().Err(err).Str("event_id", e.ID).Msg("skipping undecodable job event")
		return
	}
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, mustJSON(taskEventOf(j)))
}
