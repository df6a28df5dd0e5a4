package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/snarg/diarize-engine/internal/diarize"
	"github.com/snarg/diarize-engine/internal/jobs"
	"github.com/snarg/diarize-engine/internal/watch"
)

type HealthResponse struct {
	Status        string             `json:"status"`
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Checks        map[string]string  `json:"checks"`
	Jobs          jobs.Stats         `json:"jobs"`
	Diarization   *DiarizationStatus `json:"diarization,omitempty"`
	Watcher       *watch.Status      `json:"watcher,omitempty"`
}

// DiarizationStatus describes the diarization worker pool.
type DiarizationStatus struct {
	Engine  string             `json:"engine"`
	Workers int                `json:"workers"`
	Queue   diarize.QueueStats `json:"queue"`
}

// PoolStatus is implemented by *diarize.Pool.
type PoolStatus interface {
	Stats() diarize.QueueStats
	Workers() int
	EngineName() string
}

// BrokerStatus is implemented by *mqttclient.Client.
type BrokerStatus interface {
	IsConnected() bool
}

// WatcherStatus is implemented by *watch.DropWatcher.
type WatcherStatus interface {
	Status() watch.Status
}

// HealthDeps are the optional components the health check reports on. Nil
// fields are reported as not configured.
type HealthDeps struct {
	Jobs    JobReader
	Pool    PoolStatus
	MQTT    BrokerStatus
	Watcher WatcherStatus
	Storage string
}

type HealthHandler struct {
	deps      HealthDeps
	version   string
	startTime time.Time
}

func NewHealthHandler(deps HealthDeps, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{deps: deps, version: version, startTime: startTime}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"

	resp := HealthResponse{
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}
	if h.deps.Jobs != nil {
		resp.Jobs = h.deps.Jobs.Stats()
	}

	if h.deps.Pool != nil {
		checks["diarization"] = "ok"
		resp.Diarization = &DiarizationStatus{
			Engine:  h.deps.Pool.EngineName(),
			Workers: h.deps.Pool.Workers(),
			Queue:   h.deps.Pool.Stats(),
		}
	} else {
		checks["diarization"] = "not_configured"
		status = "unhealthy"
	}

	if h.deps.MQTT != nil {
		if h.deps.MQTT.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	if h.deps.Watcher != nil {
		ws := h.deps.Watcher.Status()
		checks["file_watcher"] = ws.Status
		resp.Watcher = &ws
	}

	if h.deps.Storage != "" {
		checks["storage"] = h.deps.Storage
	}

	resp.Status = status
	httpStatus := http.StatusOK
	if status == "unhealthy" {
		httpStatus = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(resp)
}

// Ping answers liveness checks with an empty JSON object.
func Ping(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, struct{}{})
}
