package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scenerunr/api/internal/types"
)

type fakeMirror struct {
	mu   sync.Mutex
	sets []types.RenderJob
	err  error
}

func (m *fakeMirror) Set(_ context.Context, job types.RenderJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sets = append(m.sets, job)
	return nil
}

func (m *fakeMirror) Get(context.Context, string) (types.RenderJob, bool, error) {
	return types.RenderJob{}, false, nil
}

func (m *fakeMirror) statuses() []types.JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.JobStatus, len(m.sets))
	for i, j := range m.sets {
		out[i] = j.Status
	}
	return out
}

type fakeProc struct{}

func (fakeProc) Terminate() error { return nil }
func (fakeProc) Kill() error      { return nil }
func (fakeProc) PID() int         { return 4242 }

func intp(v int) *int { return &v }

func TestCreateAndGet(t *testing.T) {
	reg := NewInMemory(nil)

	md := types.JobMetadata{TenantID: "t1", ClassroomID: "c1"}
	job, err := reg.Create("job-1", md)
	require.NoError(t, err)

	assert.Equal(t, "job-1", job.JobID)
	assert.Equal(t, types.StatusQueued, job.Status)
	assert.Equal(t, "Job queued for processing", job.Message)
	assert.Equal(t, 0, job.Progress)
	assert.Equal(t, md, job.Metadata)
	assert.False(t, job.CreatedAt.IsZero())

	got, ok := reg.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, job, got)
}

func TestCreateDuplicate(t *testing.T) {
	reg := NewInMemory(nil)
	_, err := reg.Create("job-1", types.JobMetadata{})
	require.NoError(t, err)

	_, err = reg.Create("job-1", types.JobMetadata{})
	assert.ErrorIs(t, err, ErrDuplicateJob)
}

func TestGetUnknown(t *testing.T) {
	reg := NewInMemory(nil)
	_, ok := reg.Get("missing")
	assert.False(t, ok)
}

func TestHappyPathTransitions(t *testing.T) {
	reg := NewInMemory(nil)
	_, err := reg.Create("job-1", types.JobMetadata{})
	require.NoError(t, err)

	job, err := reg.Transition("job-1", types.StatusRunning, Update{Message: "Starting render...", Progress: intp(10)})
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, job.Status)
	assert.Equal(t, 10, job.Progress)

	job, err = reg.Transition("job-1", types.StatusRunning, Update{Message: "Executing engine...", Progress: intp(20)})
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, job.Status)
	assert.Equal(t, 20, job.Progress)

	job, err = reg.Transition("job-1", types.StatusCompleted, Update{
		Message:         "Rendering completed successfully",
		Progress:        intp(100),
		OutputReference: "s3://bucket/render.mp4",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, "s3://bucket/render.mp4", job.OutputReference)
}

func TestCompletedRequiresOutputReference(t *testing.T) {
	reg := NewInMemory(nil)
	_, err := reg.Create("job-1", types.JobMetadata{})
	require.NoError(t, err)
	_, err = reg.Transition("job-1", types.StatusRunning, Update{})
	require.NoError(t, err)

	_, err = reg.Transition("job-1", types.StatusCompleted, Update{Message: "done"})
	assert.ErrorIs(t, err, ErrIllegalTransition)

	// The failed transition must not have moved the job.
	job, ok := reg.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, types.StatusRunning, job.Status)
}

func TestOutputReferenceOnlyOnCompleted(t *testing.T) {
	reg := NewInMemory(nil)
	_, err := reg.Create("job-1", types.JobMetadata{})
	require.NoError(t, err)
	_, err = reg.Transition("job-1", types.StatusRunning, Update{})
	require.NoError(t, err)

	job, err := reg.Transition("job-1", types.StatusError, Update{
		Message:         "Rendering engine execution failed",
		OutputReference: "s3://bucket/should-be-dropped",
		ErrorDetails:    "Return code: 1",
	})
	require.NoError(t, err)
	assert.Empty(t, job.OutputReference)
	assert.Equal(t, "Return code: 1", job.ErrorDetails)
}

func TestIllegalEdges(t *testing.T) {
	tests := []struct {
		name string
		from types.JobStatus
		to   types.JobStatus
	}{
		{"queued to completed", types.StatusQueued, types.StatusCompleted},
		{"queued to error", types.StatusQueued, types.StatusError},
		{"queued to timeout", types.StatusQueued, types.StatusTimeout},
		{"running to queued", types.StatusRunning, types.StatusQueued},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewInMemory(nil)
			_, err := reg.Create("job-1", types.JobMetadata{})
			require.NoError(t, err)
			if tt.from == types.StatusRunning {
				_, err = reg.Transition("job-1", types.StatusRunning, Update{})
				require.NoError(t, err)
			}

			upd := Update{}
			if tt.to == types.StatusCompleted {
				upd.OutputReference = "s3://bucket/x"
			}
			_, err = reg.Transition("job-1", tt.to, upd)
			assert.ErrorIs(t, err, ErrIllegalTransition)
		})
	}
}

func TestTerminalJobsAreFrozen(t *testing.T) {
	reg := NewInMemory(nil)
	_, err := reg.Create("job-1", types.JobMetadata{})
	require.NoError(t, err)
	_, err = reg.Transition("job-1", types.StatusRunning, Update{})
	require.NoError(t, err)
	_, err = reg.Transition("job-1", types.StatusTimeout, Update{Message: "Render timed out after 5s"})
	require.NoError(t, err)

	_, err = reg.Transition("job-1", types.StatusCompleted, Update{OutputReference: "s3://bucket/x"})
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	_, err = reg.Transition("job-1", types.StatusTimeout, Update{Message: "again"})
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	job, ok := reg.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, types.StatusTimeout, job.Status)
	assert.Equal(t, "Render timed out after 5s", job.Message)
}

func TestProgressClamped(t *testing.T) {
	reg := NewInMemory(nil)
	_, err := reg.Create("job-1", types.JobMetadata{})
	require.NoError(t, err)
	_, err = reg.Transition("job-1", types.StatusRunning, Update{})
	require.NoError(t, err)

	job, err := reg.Transition("job-1", types.StatusRunning, Update{Progress: intp(250)})
	require.NoError(t, err)
	assert.Equal(t, 100, job.Progress)

	job, err = reg.Transition("job-1", types.StatusRunning, Update{Progress: intp(-5)})
	require.NoError(t, err)
	assert.Equal(t, 0, job.Progress)
}

func TestRequestCancelQueued(t *testing.T) {
	reg := NewInMemory(nil)
	_, err := reg.Create("job-1", types.JobMetadata{})
	require.NoError(t, err)

	outcome, err := reg.RequestCancel("job-1")
	require.NoError(t, err)
	assert.Equal(t, CancelledQueued, outcome)

	job, ok := reg.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, types.StatusCancelled, job.Status)
	assert.Equal(t, "Job cancelled by user", job.Message)

	// The queued job can no longer start.
	_, err = reg.Transition("job-1", types.StatusRunning, Update{})
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	// Cancelling again reports the terminal state.
	_, err = reg.RequestCancel("job-1")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestRequestCancelRunning(t *testing.T) {
	reg := NewInMemory(nil)
	_, err := reg.Create("job-1", types.JobMetadata{})
	require.NoError(t, err)
	_, err = reg.Transition("job-1", types.StatusRunning, Update{})
	require.NoError(t, err)

	ch := reg.CancelChan("job-1")
	require.NotNil(t, ch)
	select {
	case <-ch:
		t.Fatal("cancel channel closed before any request")
	default:
	}

	outcome, err := reg.RequestCancel("job-1")
	require.NoError(t, err)
	assert.Equal(t, CancelSignalled, outcome)

	select {
	case <-ch:
	default:
		t.Fatal("cancel channel not closed after request")
	}

	// The job stays running until its supervisor confirms termination.
	job, ok := reg.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, types.StatusRunning, job.Status)

	// A second request must not close the channel twice.
	outcome, err = reg.RequestCancel("job-1")
	require.NoError(t, err)
	assert.Equal(t, CancelSignalled, outcome)
}

func TestRequestCancelUnknown(t *testing.T) {
	reg := NewInMemory(nil)
	_, err := reg.RequestCancel("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProcessHandleLifecycle(t *testing.T) {
	reg := NewInMemory(nil)
	_, err := reg.Create("job-1", types.JobMetadata{})
	require.NoError(t, err)

	// No handle while queued, and none may be attached.
	assert.False(t, reg.HasProcess("job-1"))
	err = reg.AttachProcess("job-1", fakeProc{})
	assert.ErrorIs(t, err, ErrIllegalTransition)

	_, err = reg.Transition("job-1", types.StatusRunning, Update{})
	require.NoError(t, err)
	require.NoError(t, reg.AttachProcess("job-1", fakeProc{}))
	assert.True(t, reg.HasProcess("job-1"))

	// Terminal transition drops the handle.
	_, err = reg.Transition("job-1", types.StatusError, Update{Message: "boom"})
	require.NoError(t, err)
	assert.False(t, reg.HasProcess("job-1"))
}

func TestEvict(t *testing.T) {
	reg := NewInMemory(nil)
	_, err := reg.Create("job-1", types.JobMetadata{})
	require.NoError(t, err)

	reg.Evict("job-1")
	_, ok := reg.Get("job-1")
	assert.False(t, ok)
	assert.Nil(t, reg.CancelChan("job-1"))
}

func TestMirrorReceivesEverySnapshot(t *testing.T) {
	mirror := &fakeMirror{}
	reg := NewInMemory(mirror)

	_, err := reg.Create("job-1", types.JobMetadata{})
	require.NoError(t, err)
	_, err = reg.Transition("job-1", types.StatusRunning, Update{Progress: intp(10)})
	require.NoError(t, err)
	_, err = reg.Transition("job-1", types.StatusCompleted, Update{OutputReference: "s3://bucket/x"})
	require.NoError(t, err)

	assert.Equal(t, []types.JobStatus{
		types.StatusQueued,
		types.StatusRunning,
		types.StatusCompleted,
	}, mirror.statuses())
}

func TestMirrorFailureDoesNotFailTransition(t *testing.T) {
	mirror := &fakeMirror{err: errors.New("mirror down")}
	reg := NewInMemory(mirror)

	_, err := reg.Create("job-1", types.JobMetadata{})
	require.NoError(t, err)
	job, err := reg.Transition("job-1", types.StatusRunning, Update{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, job.Status)
}
