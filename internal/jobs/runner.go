package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/danielpatrickdp/chunkforge/internal/checkpoint"
	"github.com/danielpatrickdp/chunkforge/internal/orchestrator"
	"github.com/danielpatrickdp/chunkforge/internal/state"
)

// #region interfaces
// SessionRunner is the blocking chunk loop wrapped by the Runner.
type SessionRunner interface {
	Run(ctx context.Context, sessionID string, params state.UserParams) orchestrator.Outcome
	Resume(ctx context.Context, sessionID string) orchestrator.Outcome
}

// Observer receives job lifecycle events.
type Observer interface {
	JobStarted()
	JobFinished(status orchestrator.Status, ran bool)
}

// #endregion interfaces

// #region status
// StatusReport is what a poller sees. Progress comes from the latest written
// checkpoint, never from the live session state.
type StatusReport struct {
	JobID               string              `json:"job_id"`
	SessionID           string              `json:"session_id"`
	Status              orchestrator.Status `json:"status"`
	Queued              bool                `json:"queued,omitempty"`
	CumulativeWordCount int                 `json:"cumulative_word_count"`
	LastChunkIndex      int                 `json:"last_chunk_index"`
	Error               string              `json:"error,omitempty"`
	Result              *Result             `json:"result,omitempty"`
}

// #endregion status

// #region runner
// Runner starts sessions in the background. A weighted semaphore caps how many
// chunk loops run at once; excess jobs wait queued.
type Runner struct {
	sessions SessionRunner
	writer   checkpoint.Writer
	registry *Registry
	sem      *semaphore.Weighted
	obs      Observer
	logger   *slog.Logger

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewRunner creates a runner. maxConcurrent < 1 is treated as 1.
func NewRunner(sessions SessionRunner, writer checkpoint.Writer, registry *Registry, maxConcurrent int64, obs Observer, logger *slog.Logger) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Runner{
		sessions: sessions,
		writer:   writer,
		registry: registry,
		sem:      semaphore.NewWeighted(maxConcurrent),
		obs:      obs,
		logger:   logger.With(slog.String("component", "jobs")),
		base:     base,
		stop:     stop,
	}
}

// Start validates params and launches a new session. It returns as soon as the
// job is registered.
func (r *Runner) Start(params state.UserParams) (string, error) {
	if err := params.Validate(); err != nil {
		return "", fmt.Errorf("params: %w", err)
	}
	sessionID := uuid.New().String()
	return r.launch(sessionID, false, func(ctx context.Context) orchestrator.Outcome {
		return r.sessions.Run(ctx, sessionID, params)
	})
}

// StartResume launches a job that continues an existing session. It fails with
// ErrSessionBusy while another job for the session is queued or running.
func (r *Runner) StartResume(sessionID string) (string, error) {
	if _, ok, err := r.writer.LoadLatest(sessionID); err != nil {
		return "", err
	} else if !ok {
		return "", fmt.Errorf("session %s: %w", sessionID, orchestrator.ErrNothingToResume)
	}
	return r.launch(sessionID, true, func(ctx context.Context) orchestrator.Outcome {
		return r.sessions.Resume(ctx, sessionID)
	})
}

func (r *Runner) launch(sessionID string, resumed bool, run func(context.Context) orchestrator.Outcome) (string, error) {
	ctx, cancel := context.WithCancel(r.base)
	job, err := r.registry.Create(sessionID, resumed, cancel)
	if err != nil {
		cancel()
		return "", err
	}
	r.logger.Info("job created", slog.String("job_id", job.ID), slog.String("session_id", sessionID), slog.Bool("resumed", resumed))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()

		if err := r.sem.Acquire(ctx, 1); err != nil {
			r.registry.finish(job.ID, orchestrator.Outcome{SessionID: sessionID, Status: orchestrator.StatusCancelled, Err: err})
			r.logger.Info("job cancelled while queued", slog.String("job_id", job.ID))
			if r.obs != nil {
				r.obs.JobFinished(orchestrator.StatusCancelled, false)
			}
			return
		}
		defer r.sem.Release(1)

		r.registry.markStarted(job.ID)
		if r.obs != nil {
			r.obs.JobStarted()
		}
		out := run(ctx)
		r.registry.finish(job.ID, out)
		if r.obs != nil {
			r.obs.JobFinished(out.Status, true)
		}
		r.logger.Info("job finished",
			slog.String("job_id", job.ID),
			slog.String("session_id", sessionID),
			slog.String("status", string(out.Status)))
	}()
	return job.ID, nil
}

// Status reports a job's state and the progress of its latest checkpoint.
func (r *Runner) Status(jobID string) (StatusReport, error) {
	job, ok := r.registry.Get(jobID)
	if !ok {
		return StatusReport{}, ErrJobNotFound
	}
	rep := StatusReport{
		JobID:     job.ID,
		SessionID: job.SessionID,
		Status:    job.Status,
		Queued:    job.Queued,
		Error:     job.Err,
		Result:    job.Result,
	}
	cp, ok, err := r.writer.LoadLatest(job.SessionID)
	if err != nil {
		return StatusReport{}, err
	}
	if ok {
		rep.CumulativeWordCount = cp.CumulativeWordCount
		rep.LastChunkIndex = cp.ChunkIndex
	}
	return rep, nil
}

// Cancel asks a job to stop. The loop observes it before the next chunk.
func (r *Runner) Cancel(jobID string) error {
	if err := r.registry.cancel(jobID); err != nil {
		return err
	}
	r.logger.Info("job cancel requested", slog.String("job_id", jobID))
	return nil
}

// Wait blocks until every launched job has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown cancels all jobs and waits for them, or until ctx is done.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.stop()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// #endregion runner
