package api

import (
	"io"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/diarize-engine/internal/storage"
)

// AudioHandler serves uploads and retained transcript clips.
type AudioHandler struct {
	store storage.AudioStore
}

func NewAudioHandler(store storage.AudioStore) *AudioHandler {
	return &AudioHandler{store: store}
}

// Routes registers the audio endpoint.
func (h *AudioHandler) Routes(r chi.Router) {
	r.Get("/audio/{key}", h.Serve)
}

// Serve streams a clip from local disk when present, otherwise redirects to a
// presigned URL or proxies from the backing store.
func (h *AudioHandler) Serve(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !storage.ValidKey(key) {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "invalid audio key")
		return
	}

	if path := h.store.LocalPath(key); path != "" {
		http.ServeFile(w, r, path)
		return
	}
	if !h.store.Exists(r.Context(), key) {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "audio not found")
		return
	}
	if u, err := h.store.URL(r.Context(), key); err == nil && u != "" {
		http.Redirect(w, r, u, http.StatusFound)
		return
	}

	rc, err := h.store.Open(r.Context(), key)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("key", key).Msg("open audio failed")
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "audio not found")
		return
	}
	defer rc.Close()
	if ct := mime.TypeByExtension(filepath.Ext(key)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	io.Copy(w, rc)
}
