package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/chunkforge/internal/checkpoint"
	"github.com/danielpatrickdp/chunkforge/internal/orchestrator"
	"github.com/danielpatrickdp/chunkforge/internal/state"
)

// fakeSessions writes one checkpoint, reports started, then blocks until
// released or cancelled.
type fakeSessions struct {
	writer  checkpoint.Writer
	started chan string
	release chan struct{}
}

func newFake(t *testing.T, w checkpoint.Writer) *fakeSessions {
	return &fakeSessions{writer: w, started: make(chan string, 8), release: make(chan struct{})}
}

func (f *fakeSessions) Run(ctx context.Context, sessionID string, params state.UserParams) orchestrator.Outcome {
	cp := checkpoint.Checkpoint{
		ProtocolVersion:     checkpoint.ProtocolVersion,
		SessionID:           sessionID,
		ChunkIndex:          1,
		ChunkWordCount:      100,
		CumulativeWordCount: 100,
		Prose:               "first chunk",
	}
	if err := f.writer.Write(cp); err != nil {
		return orchestrator.Outcome{SessionID: sessionID, Status: orchestrator.StatusFailed, Err: err}
	}
	f.started <- sessionID
	select {
	case <-f.release:
		return orchestrator.Outcome{SessionID: sessionID, Status: orchestrator.StatusComplete, Prose: "first chunk", Checkpoints: []checkpoint.Checkpoint{cp}}
	case <-ctx.Done():
		return orchestrator.Outcome{SessionID: sessionID, Status: orchestrator.StatusCancelled, Checkpoints: []checkpoint.Checkpoint{cp}, Err: ctx.Err()}
	}
}

func (f *fakeSessions) Resume(ctx context.Context, sessionID string) orchestrator.Outcome {
	f.started <- sessionID
	<-f.release
	return orchestrator.Outcome{SessionID: sessionID, Status: orchestrator.StatusComplete}
}

type countingObserver struct {
	started  int
	finished []orchestrator.Status
}

func (c *countingObserver) JobStarted() { c.started++ }
func (c *countingObserver) JobFinished(s orchestrator.Status, ran bool) { c.finished = append(c.finished, s) }

func newRunner(t *testing.T, max int64) (*Runner, *fakeSessions, checkpoint.Writer) {
	t.Helper()
	w, err := checkpoint.NewBadgerStore(checkpoint.InMemoryBadgerConfig())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	f := newFake(t, w)
	return NewRunner(f, w, NewRegistry(time.Hour), max, nil, nil), f, w
}

var validParams = state.UserParams{Premise: "p", TargetWords: 100}

func waitStarted(t *testing.T, f *fakeSessions) string {
	t.Helper()
	select {
	case id := <-f.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("session did not start")
		return ""
	}
}

func TestStartReturnsBeforeLoopFinishes(t *testing.T) {
	r, f, _ := newRunner(t, 2)

	id, err := r.Start(validParams)
	require.NoError(t, err)
	waitStarted(t, f)

	rep, err := r.Status(id)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusRunning, rep.Status)
	assert.Equal(t, 1, rep.LastChunkIndex)
	assert.Equal(t, 100, rep.CumulativeWordCount)
	assert.Nil(t, rep.Result)

	close(f.release)
	r.Wait()

	rep, err = r.Status(id)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusComplete, rep.Status)
	require.NotNil(t, rep.Result)
	assert.Equal(t, "first chunk", rep.Result.Prose)
	assert.Equal(t, 1, rep.Result.Chunks)
}

func TestCancelRunningJob(t *testing.T) {
	r, f, _ := newRunner(t, 1)

	id, err := r.Start(validParams)
	require.NoError(t, err)
	waitStarted(t, f)

	require.NoError(t, r.Cancel(id))
	r.Wait()

	rep, err := r.Status(id)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCancelled, rep.Status)
	assert.Equal(t, 1, rep.LastChunkIndex, "checkpoints written before cancellation remain")

	assert.True(t, errors.Is(r.Cancel(id), ErrJobFinished))
	assert.True(t, errors.Is(r.Cancel("nope"), ErrJobNotFound))
}

func TestConcurrencyCapQueuesJobs(t *testing.T) {
	r, f, _ := newRunner(t, 1)
	obs := &countingObserver{}
	r.obs = obs

	first, err := r.Start(validParams)
	require.NoError(t, err)
	waitStarted(t, f)

	second, err := r.Start(validParams)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	job, ok := r.registry.Get(second)
	require.True(t, ok)
	assert.True(t, job.Queued)

	close(f.release)
	r.Wait()

	for _, id := range []string{first, second} {
		rep, err := r.Status(id)
		require.NoError(t, err)
		assert.Equal(t, orchestrator.StatusComplete, rep.Status)
		assert.False(t, rep.Queued)
	}
	assert.Equal(t, 2, obs.started)
	assert.Len(t, obs.finished, 2)
}

func TestCancelQueuedJob(t *testing.T) {
	r, f, _ := newRunner(t, 1)

	_, err := r.Start(validParams)
	require.NoError(t, err)
	waitStarted(t, f)

	queued, err := r.Start(validParams)
	require.NoError(t, err)
	require.NoError(t, r.Cancel(queued))

	close(f.release)
	r.Wait()

	rep, err := r.Status(queued)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCancelled, rep.Status)
	assert.Equal(t, 0, rep.LastChunkIndex)
}

func TestStartRejectsInvalidParams(t *testing.T) {
	r, _, _ := newRunner(t, 1)
	_, err := r.Start(state.UserParams{})
	assert.Error(t, err)
}

func TestStartResume(t *testing.T) {
	r, f, w := newRunner(t, 1)

	_, err := r.StartResume("missing")
	assert.True(t, errors.Is(err, orchestrator.ErrNothingToResume))

	require.NoError(t, w.Write(checkpoint.Checkpoint{ProtocolVersion: checkpoint.ProtocolVersion, SessionID: "old", ChunkIndex: 1}))
	id, err := r.StartResume("old")
	require.NoError(t, err)
	assert.Equal(t, "old", waitStarted(t, f))
	close(f.release)
	r.Wait()

	job, ok := r.registry.Get(id)
	require.True(t, ok)
	assert.True(t, job.Resumed)
	assert.Equal(t, orchestrator.StatusComplete, job.Status)
}

func TestStartResumeRefusesBusySession(t *testing.T) {
	r, f, _ := newRunner(t, 2)

	id, err := r.Start(validParams)
	require.NoError(t, err)
	sessionID := waitStarted(t, f)

	_, err = r.StartResume(sessionID)
	require.ErrorIs(t, err, ErrSessionBusy)
	assert.Len(t, r.registry.List(), 1)

	require.NoError(t, r.Cancel(id))
	r.Wait()

	resumed, err := r.StartResume(sessionID)
	require.NoError(t, err, "session is free once its job is terminal")
	assert.Equal(t, sessionID, waitStarted(t, f))
	close(f.release)
	r.Wait()

	job, ok := r.registry.Get(resumed)
	require.True(t, ok)
	assert.Equal(t, orchestrator.StatusComplete, job.Status)
}

func TestStatusUnknownJob(t *testing.T) {
	r, _, _ := newRunner(t, 1)
	_, err := r.Status("missing")
	assert.True(t, errors.Is(err, ErrJobNotFound))
}

func TestShutdownCancelsJobs(t *testing.T) {
	r, f, _ := newRunner(t, 1)
	id, err := r.Start(validParams)
	require.NoError(t, err)
	waitStarted(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	rep, err := r.Status(id)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCancelled, rep.Status)
}
