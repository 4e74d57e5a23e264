package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/agentlab/internal/domain"
	"go.uber.org/zap/zaptest"
)

type fakeRegistry struct {
	mu       sync.Mutex
	agents   map[int64]*domain.Agent
	trail    []domain.AgentStatus
	rejectTr error // MarkTraining отклоняет переход
}

func newFakeRegistry(agents ...*domain.Agent) *fakeRegistry {
	r := &fakeRegistry{agents: make(map[int64]*domain.Agent)}
	for _, a := range agents {
		r.agents[a.ID] = a
	}
	return r
}

func (r *fakeRegistry) Get(id int64) (*domain.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

func (r *fakeRegistry) set(id int64, fn func(a *domain.Agent)) (*domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	fn(a)
	r.trail = append(r.trail, a.Status)
	return a.Clone(), nil
}

func (r *fakeRegistry) MarkTraining(id int64) (*domain.Agent, error) {
	if r.rejectTr != nil {
		return nil, r.rejectTr
	}
	return r.set(id, func(a *domain.Agent) { a.Status = domain.StatusTraining })
}

func (r *fakeRegistry) MarkReady(id int64) (*domain.Agent, error) {
	return r.set(id, func(a *domain.Agent) {
		a.Status = domain.StatusReady
		a.RequiresTraining = false
		a.LastError = ""
	})
}

func (r *fakeRegistry) MarkError(id int64, diag string) (*domain.Agent, error) {
	return r.set(id, func(a *domain.Agent) {
		a.Status = domain.StatusError
		a.RequiresTraining = true
		a.LastError = diag
	})
}

type dirExists struct{}

func (dirExists) Exists(p *domain.WorkspacePaths) bool {
	if p == nil {
		return false
	}
	_, err := os.Stat(p.Root)
	return err == nil
}

func writeTrainer(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell trainers need a unix shell")
	}
	path := filepath.Join(t.TempDir(), "trainer.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func agentWithWorkspace(t *testing.T) *domain.Agent {
	t.Helper()
	root := t.TempDir()
	return &domain.Agent{
		ID:     1,
		Name:   "Support",
		Type:   domain.AgentTypeFAQ,
		Status: domain.StatusReady,
		Port:   5005,
		Paths:  &domain.WorkspacePaths{Root: root, ModelDir: filepath.Join(root, "models")},
	}
}

func waitJob(t *testing.T, s *Supervisor, id int64) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := s.Wait(ctx, id)
	require.NoError(t, err)
	return job
}

func TestSupervisor_SimulatedTraining(t *testing.T) {
	reg := newFakeRegistry(&domain.Agent{ID: 1, Status: domain.StatusRequiresTraining, RequiresTraining: true})
	s := New(Config{Backend: BackendSimulated, SimulatedDelay: 10 * time.Millisecond}, reg, dirExists{}, nil, zaptest.NewLogger(t))
	defer s.Close(context.Background())

	job, err := s.Train(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, JobRunning, job.State)
	assert.Equal(t, BackendSimulated, job.Backend)

	a, _ := reg.Get(1)
	assert.Equal(t, domain.StatusTraining, a.Status, "training status is set before Train returns")

	done := waitJob(t, s, 1)
	assert.Equal(t, JobSucceeded, done.State)
	a, _ = reg.Get(1)
	assert.Equal(t, domain.StatusReady, a.Status)
	assert.False(t, a.RequiresTraining)
}

func TestSupervisor_ExternalSuccess(t *testing.T) {
	trainer := writeTrainer(t, `mkdir -p models && echo trained > models/model.tar.gz`)
	agent := agentWithWorkspace(t)
	reg := newFakeRegistry(agent)
	s := New(Config{Backend: BackendExternal, Binary: trainer, Timeout: 10 * time.Second}, reg, dirExists{}, nil, zaptest.NewLogger(t))
	defer s.Close(context.Background())

	_, err := s.Train(context.Background(), 1)
	require.NoError(t, err)

	job := waitJob(t, s, 1)
	assert.Equal(t, JobSucceeded, job.State)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 0, *job.ExitCode)

	_, err = os.Stat(filepath.Join(agent.Paths.Root, "models", "model.tar.gz"))
	assert.NoError(t, err, "trainer runs in the workspace root")
}

func TestSupervisor_ExternalNonZeroExit(t *testing.T) {
	trainer := writeTrainer(t, `echo "domain.yml is invalid" >&2; exit 3`)
	reg := newFakeRegistry(agentWithWorkspace(t))
	s := New(Config{Backend: BackendExternal, Binary: trainer, Timeout: 10 * time.Second}, reg, dirExists{}, nil, zaptest.NewLogger(t))
	defer s.Close(context.Background())

	_, err := s.Train(context.Background(), 1)
	require.NoError(t, err)

	job := waitJob(t, s, 1)
	assert.Equal(t, JobFailed, job.State)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 3, *job.ExitCode)
	assert.Contains(t, job.Output, "domain.yml is invalid")

	a, _ := reg.Get(1)
	assert.Equal(t, domain.StatusError, a.Status)
	assert.True(t, a.RequiresTraining)
	assert.Contains(t, a.LastError, "code 3")
	assert.Contains(t, a.LastError, "domain.yml is invalid")
}

func TestSupervisor_ExternalTimeout(t *testing.T) {
	trainer := writeTrainer(t, `sleep 30`)
	reg := newFakeRegistry(agentWithWorkspace(t))
	s := New(Config{Backend: BackendExternal, Binary: trainer, Timeout: 200 * time.Millisecond}, reg, dirExists{}, nil, zaptest.NewLogger(t))
	defer s.Close(context.Background())

	start := time.Now()
	_, err := s.Train(context.Background(), 1)
	require.NoError(t, err)

	job := waitJob(t, s, 1)
	assert.Equal(t, JobTimedOut, job.State)
	assert.Less(t, time.Since(start), 10*time.Second, "process group must be killed on timeout")

	a, _ := reg.Get(1)
	assert.Equal(t, domain.StatusError, a.Status, "timed out job must not leave the agent in training")
	assert.Contains(t, a.LastError, "timed out")
}

func TestSupervisor_RejectsConcurrentTraining(t *testing.T) {
	reg := newFakeRegistry(&domain.Agent{ID: 1, Status: domain.StatusReady})
	s := New(Config{Backend: BackendSimulated, SimulatedDelay: time.Second}, reg, dirExists{}, nil, zaptest.NewLogger(t))

	_, err := s.Train(context.Background(), 1)
	require.NoError(t, err)
	_, err = s.Train(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrTrainingInProgress)

	// Close отменяет задачу, агент не остается в training
	require.NoError(t, s.Close(context.Background()))
	a, _ := reg.Get(1)
	assert.Equal(t, domain.StatusError, a.Status)

	_, err = s.Train(context.Background(), 1)
	assert.Error(t, err)
}

func TestSupervisor_UnknownAgent(t *testing.T) {
	s := New(Config{Backend: BackendSimulated}, newFakeRegistry(), dirExists{}, nil, zaptest.NewLogger(t))
	defer s.Close(context.Background())

	_, err := s.Train(context.Background(), 42)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, ok := s.Job(42)
	assert.False(t, ok)
}

func TestSupervisor_AutoBackend(t *testing.T) {
	t.Run("missing binary falls back to simulated", func(t *testing.T) {
		reg := newFakeRegistry(agentWithWorkspace(t))
		s := New(Config{Backend: BackendAuto, Binary: "definitely-not-a-trainer-binary"}, reg, dirExists{}, nil, zaptest.NewLogger(t))
		defer s.Close(context.Background())

		job, err := s.Train(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, BackendSimulated, job.Backend)
		assert.Equal(t, JobSucceeded, waitJob(t, s, 1).State)
	})

	t.Run("missing workspace falls back to simulated", func(t *testing.T) {
		trainer := writeTrainer(t, `exit 0`)
		reg := newFakeRegistry(&domain.Agent{ID: 1, Status: domain.StatusError})
		s := New(Config{Backend: BackendAuto, Binary: trainer}, reg, dirExists{}, nil, zaptest.NewLogger(t))
		defer s.Close(context.Background())

		job, err := s.Train(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, BackendSimulated, job.Backend)
	})

	t.Run("trainer and workspace present", func(t *testing.T) {
		trainer := writeTrainer(t, `exit 0`)
		reg := newFakeRegistry(agentWithWorkspace(t))
		s := New(Config{Backend: BackendAuto, Binary: trainer, Timeout: 10 * time.Second}, reg, dirExists{}, nil, zaptest.NewLogger(t))
		defer s.Close(context.Background())

		job, err := s.Train(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, BackendExternal, job.Backend)
		assert.Equal(t, JobSucceeded, waitJob(t, s, 1).State)
	})
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("0123456789"))
	_, _ = b.Write([]byte("ab"))
	assert.Equal(t, "456789ab", b.String())
}

func TestSupervisor_Cancel(t *testing.T) {
	trainer := writeTrainer(t, `sleep 1; touch marker; sleep 30`)
	agent := agentWithWorkspace(t)
	reg := newFakeRegistry(agent)
	s := New(Config{Backend: BackendExternal, Binary: trainer, Timeout: time.Minute}, reg, dirExists{}, nil, zaptest.NewLogger(t))
	defer s.Close(context.Background())

	_, err := s.Train(context.Background(), 1)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	found, err := s.Cancel(ctx, 1)
	require.NoError(t, err)
	assert.True(t, found)

	job, ok := s.Job(1)
	require.True(t, ok)
	assert.Equal(t, JobCancelled, job.State)
	assert.True(t, job.State.Terminal())

	time.Sleep(1500 * time.Millisecond)
	_, err = os.Stat(filepath.Join(agent.Paths.Root, "marker"))
	assert.True(t, os.IsNotExist(err), "trainer process group must be gone")

	found, err = s.Cancel(ctx, 1)
	require.NoError(t, err)
	assert.False(t, found, "finished job is not cancelled twice")

	s.Forget(1)
	_, ok = s.Job(1)
	assert.False(t, ok)
}

func TestSupervisor_RejectedTransition(t *testing.T) {
	reg := newFakeRegistry(&domain.Agent{ID: 1, Status: domain.StatusCreated})
	reg.rejectTr = domain.ErrInvalidRequest
	s := New(Config{Backend: BackendSimulated}, reg, dirExists{}, nil, zaptest.NewLogger(t))
	defer s.Close(context.Background())

	_, err := s.Train(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, ok := s.Job(1)
	assert.False(t, ok, "no job is started for a rejected transition")
}
