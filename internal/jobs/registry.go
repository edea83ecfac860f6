package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/chunkforge/internal/orchestrator"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobFinished = errors.New("job already finished")
	ErrSessionBusy = errors.New("session already has an active job")
)

// #region job
// Job is the registry record of one background session. Registry methods
// return copies; only the registry mutates the stored record.
type Job struct {
	ID         string
	SessionID  string
	Resumed    bool
	Status     orchestrator.Status
	Queued     bool
	Cancelling bool
	Err        string
	Result     *Result
	CreatedAt  time.Time
	FinishedAt time.Time

	cancel context.CancelFunc
}

// Result summarizes a finished job.
type Result struct {
	Prose           string `json:"prose"`
	Chunks          int    `json:"chunks"`
	CumulativeWords int    `json:"cumulative_words"`
	Warnings        int    `json:"warnings"`
}

// #endregion job

// #region registry
// Registry owns job records. Terminal jobs are dropped by Expire once they are
// older than the TTL; ids come from uuid and are never reused.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*Job
	ttl  time.Duration
	now  func() time.Time
}

// NewRegistry creates an empty registry. ttl <= 0 keeps finished jobs forever.
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		jobs: make(map[string]*Job),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Create registers a running job for sessionID. A session has at most one
// non-terminal job; a second one is refused with ErrSessionBusy.
func (r *Registry) Create(sessionID string, resumed bool, cancel context.CancelFunc) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, j := range r.jobs {
		if j.SessionID == sessionID && !j.Status.Terminal() {
			return Job{}, fmt.Errorf("session %s: %w (job %s)", sessionID, ErrSessionBusy, j.ID)
		}
	}

	id := uuid.New().String()
	for r.jobs[id] != nil {
		id = uuid.New().String()
	}
	j := &Job{
		ID:        id,
		SessionID: sessionID,
		Resumed:   resumed,
		Status:    orchestrator.StatusRunning,
		Queued:    true,
		CreatedAt: r.now(),
		cancel:    cancel,
	}
	r.jobs[id] = j
	return *j, nil
}

// Get returns a copy of the job.
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// List returns copies of every job, in no particular order.
func (r *Registry) List() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	return out
}

// Expire removes terminal jobs that finished more than ttl ago and returns
// how many were removed.
func (r *Registry) Expire() int {
	if r.ttl <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.ttl)
	n := 0
	for id, j := range r.jobs {
		if j.Status.Terminal() && j.FinishedAt.Before(cutoff) {
			delete(r.jobs, id)
			n++
		}
	}
	return n
}

// RunExpiry calls Expire every interval until ctx is done.
func (r *Registry) RunExpiry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Expire()
		}
	}
}

func (r *Registry) markStarted(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.Queued = false
	}
}

func (r *Registry) cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status.Terminal() {
		return ErrJobFinished
	}
	j.Cancelling = true
	if j.cancel != nil {
		j.cancel()
	}
	return nil
}

func (r *Registry) finish(id string, out orchestrator.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return
	}
	j.Status = out.Status
	j.Queued = false
	j.FinishedAt = r.now()
	if out.Err != nil {
		j.Err = out.Err.Error()
	}
	j.Result = &Result{
		Prose:           out.Prose,
		Chunks:          len(out.Checkpoints),
		CumulativeWords: out.CumulativeWords(),
		Warnings:        out.Warnings,
	}
	j.cancel = nil
}

// #endregion registry
