package jobs

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrDuplicateJob      = errors.New("duplicate job")
	ErrInvalidTransition = errors.New("invalid job transition")
)

// ChangeFunc is called with the post-write snapshot after every committed
// mutation. It runs on the writer's goroutine, outside the registry lock.
type ChangeFunc func(Job)

// Stats counts jobs per status.
type Stats struct {
	Uploaded   int `json:"uploaded"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Registry is the process-wide store of job state and the single source of
// truth for status polling. Reads return copies, so a reader never observes a
// half-applied write.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time

	listenersMu sync.RWMutex
	listeners   []ChangeFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// OnChange registers a listener for job mutations.
func (r *Registry) OnChange(fn ChangeFunc) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

// Create registers a new job in the Uploaded state.
func (r *Registry) Create(id, originalName, lang string) (Job, error) {
	r.mu.Lock()
	if _, ok := r.jobs[id]; ok {
		r.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	now := r.now()
	j := &Job{
		ID:           id,
		OriginalName: originalName,
		Lang:         lang,
		Status:       StatusUploaded,
		Info:         "Upload success",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.jobs[id] = j
	snap := j.clone()
	r.mu.Unlock()

	r.notify(snap)
	return snap, nil
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j.clone(), nil
}

// MarkProcessing moves an Uploaded job to Processing.
func (r *Registry) MarkProcessing(id string) error {
	return r.mutate(id, func(j *Job) error {
		if j.Status != StatusUploaded {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusProcessing)
		}
		j.Status = StatusProcessing
		return nil
	})
}

// UpdateInfo replaces the advisory progress text of a running job.
func (r *Registry) UpdateInfo(id, info string) error {
	return r.mutate(id, func(j *Job) error {
		if j.Status.Terminal() {
			return fmt.Errorf("%w: info update on %s job", ErrInvalidTransition, j.Status)
		}
		j.Info = info
		return nil
	})
}

// SetResult completes the job with the given segments.
func (r *Registry) SetResult(id string, segments []Segment) error {
	stored := make([]Segment, len(segments))
	copy(stored, segments)
	return r.mutate(id, func(j *Job) error {
		if j.Status.Terminal() {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusCompleted)
		}
		j.Status = StatusCompleted
		j.Info = "Completed"
		j.Result = stored
		return nil
	})
}

// SetError fails the job with a user-visible message.
func (r *Registry) SetError(id, message string) error {
	return r.mutate(id, func(j *Job) error {
		if j.Status.Terminal() {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusFailed)
		}
		j.Status = StatusFailed
		j.Error = message
		return nil
	})
}

// List returns snapshots of all jobs, newest first.
func (r *Registry) List() []Job {
	r.mu.RLock()
	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID > out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out
}

// Stats returns the number of jobs in each status.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s Stats
	for _, j := range r.jobs {
		switch j.Status {
		case StatusUploaded:
			s.Uploaded++
		case StatusProcessing:
			s.Processing++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

func (r *Registry) mutate(id string, fn func(*Job) error) error {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	// Apply to a copy so a rejected mutation leaves no trace.
	next := j.clone()
	if err := fn(&next); err != nil {
		r.mu.Unlock()
		return err
	}
	next.UpdatedAt = r.now()
	r.jobs[id] = &next
	snap := next.clone()
	r.mu.Unlock()

	r.notify(snap)
	return nil
}

func (r *Registry) notify(j Job) {
	r.listenersMu.RLock()
	defer r.listenersMu.RUnlock()
	for _, fn := range r.listeners {
		fn(j)
	}
}
