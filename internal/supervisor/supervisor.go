package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/agentlab/internal/domain"
	"github.com/xela07ax/agentlab/internal/infra"
	"github.com/xela07ax/agentlab/internal/metrics"
	"go.uber.org/zap"
)

// Подменяются в тестах
var (
	execCommandContext = exec.CommandContext
	lookPath           = exec.LookPath
)

const outputTailBytes = 4096

var errJobCancelled = errors.New("job cancelled")

// Registry — переходы статусов, которые делает супервизор.
type Registry interface {
	Get(id int64) (*domain.Agent, bool)
	MarkTraining(id int64) (*domain.Agent, error)
	MarkReady(id int64) (*domain.Agent, error)
	MarkError(id int64, diagnostics string) (*domain.Agent, error)
}

// Workspaces отвечает на вопрос, есть ли у агента рабочая директория на диске.
type Workspaces interface {
	Exists(paths *domain.WorkspacePaths) bool
}

type Config struct {
	Backend        Backend
	Binary         string
	Args           []string
	Timeout        time.Duration
	SimulatedDelay time.Duration
}

// Supervisor запускает обучение в фоне и переводит агента в terminal-статус.
// Фоновые задачи живут в собственном контексте супервизора, а не HTTP-запроса.
type Supervisor struct {
	cfg     Config
	reg     Registry
	ws      Workspaces
	metrics *metrics.Metrics
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[int64]*Job // Последняя задача по агенту
	closed bool
}

func New(cfg Config, reg Registry, ws Workspaces, m *metrics.Metrics, logger *zap.Logger) *Supervisor {
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendAuto
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:     cfg,
		reg:     reg,
		ws:      ws,
		metrics: m,
		logger:  logger.Named("supervisor"),
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[int64]*Job),
	}
}

// Train ставит обучение и сразу возвращает снимок задачи в статусе running.
// Повторный запуск, пока идет предыдущий, — ErrTrainingInProgress.
func (s *Supervisor) Train(ctx context.Context, agentID int64) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("supervisor is shutting down")
	}
	if j, ok := s.jobs[agentID]; ok && j.State == JobRunning {
		return nil, fmt.Errorf("agent %d: %w", agentID, domain.ErrTrainingInProgress)
	}

	agent, ok := s.reg.Get(agentID)
	if !ok {
		return nil, fmt.Errorf("agent %d: %w", agentID, domain.ErrNotFound)
	}

	// 1. Синхронный переход в training: клиент сразу видит статус.
	// Без записи — реестр переход отклонил, иначе не удалось только сохранить.
	marked, err := s.reg.MarkTraining(agentID)
	if err != nil {
		if marked == nil {
			return nil, err
		}
		s.logger.Warn("training status not persisted", zap.Int64("agent_id", agentID), zap.Error(err))
	}
	if marked != nil {
		agent = marked
	}

	backend := s.resolveBackend(agent)
	jobCtx, cancel := context.WithCancelCause(s.ctx)
	job := &Job{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Backend:   backend,
		State:     JobRunning,
		StartedAt: time.Now().UTC(),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	s.jobs[agentID] = job

	s.logger.Info("training started",
		zap.Int64("agent_id", agentID),
		zap.String("job_id", job.ID),
		zap.String("backend", string(backend)),
		zap.String("trace_id", infra.TraceIDFrom(ctx)))

	// 2. Фон
	s.wg.Add(1)
	go s.run(jobCtx, job, agent)

	return job.snapshot(), nil
}

// Job — последняя задача агента (running или terminal).
func (s *Supervisor) Job(agentID int64) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[agentID]
	if !ok {
		return nil, false
	}
	return j.snapshot(), true
}

// Wait блокируется до завершения текущей задачи агента.
func (s *Supervisor) Wait(ctx context.Context, agentID int64) (*Job, error) {
	s.mu.Lock()
	j, ok := s.jobs[agentID]
	s.mu.Unlock()
	if !ok {
		return &Job{AgentID: agentID, State: JobIdle}, nil
	}

	select {
	case <-j.done:
		return s.snapshotOf(j), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel снимает текущую задачу агента (процесс тренера убивается) и ждет,
// пока она запишет terminal-статус. false — задачи не было.
func (s *Supervisor) Cancel(ctx context.Context, agentID int64) (bool, error) {
	s.mu.Lock()
	j, ok := s.jobs[agentID]
	if !ok || j.State != JobRunning {
		s.mu.Unlock()
		return false, nil
	}
	j.cancel(errJobCancelled)
	s.mu.Unlock()

	s.logger.Info("training cancellation requested", zap.Int64("agent_id", agentID), zap.String("job_id", j.ID))
	select {
	case <-j.done:
		return true, nil
	case <-ctx.Done():
		return true, fmt.Errorf("waiting for cancelled job: %w", ctx.Err())
	}
}

// Forget убирает задачу агента из таблицы (агент удален).
func (s *Supervisor) Forget(agentID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[agentID]; ok && j.State != JobRunning {
		delete(s.jobs, agentID)
	}
}

// Close отменяет все задачи (дерево процессов тренера убивается) и ждет,
// пока каждая запишет terminal-статус в реестр.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for training jobs: %w", ctx.Err())
	}
}

func (s *Supervisor) resolveBackend(agent *domain.Agent) Backend {
	switch s.cfg.Backend {
	case BackendExternal, BackendSimulated:
		return s.cfg.Backend
	}

	if _, err := lookPath(s.cfg.Binary); err != nil {
		s.logger.Info("trainer not found in PATH, using simulated training",
			zap.Int64("agent_id", agent.ID), zap.String("binary", s.cfg.Binary))
		return BackendSimulated
	}
	if s.ws == nil || !s.ws.Exists(agent.Paths) {
		s.logger.Info("agent has no workspace on disk, using simulated training",
			zap.Int64("agent_id", agent.ID))
		return BackendSimulated
	}
	return BackendExternal
}

type outcome struct {
	state    JobState
	exitCode *int
	output   string
	err      error
}

func (s *Supervisor) run(ctx context.Context, job *Job, agent *domain.Agent) {
	defer s.wg.Done()
	defer job.cancel(nil)
	start := time.Now()
	s.metrics.TrainingRunning.Inc()
	defer s.metrics.TrainingRunning.Dec()

	var res outcome
	switch job.Backend {
	case BackendExternal:
		res = s.runExternal(ctx, agent)
	default:
		res = s.runSimulated(ctx)
	}

	// 1. Terminal-статус в реестре. Запись в training навсегда не остается.
	log := s.logger.With(
		zap.Int64("agent_id", job.AgentID),
		zap.String("job_id", job.ID),
		zap.Duration("took", time.Since(start)))
	if res.state == JobSucceeded {
		if _, err := s.reg.MarkReady(job.AgentID); err != nil {
			log.Error("failed to mark agent ready", zap.Error(err))
		}
		log.Info("training succeeded")
	} else {
		diag := diagnostics(res)
		if _, err := s.reg.MarkError(job.AgentID, diag); err != nil {
			log.Error("failed to mark agent error", zap.Error(err))
		}
		log.Warn("training failed", zap.String("state", string(res.state)), zap.String("diagnostics", diag))
	}

	s.metrics.TrainingJobs.WithLabelValues(string(job.Backend), string(res.state)).Inc()
	s.metrics.TrainingDuration.WithLabelValues(string(job.Backend)).Observe(time.Since(start).Seconds())

	// 2. Снимок задачи
	s.mu.Lock()
	now := time.Now().UTC()
	job.State = res.state
	job.ExitCode = res.exitCode
	job.Output = res.output
	if res.err != nil {
		job.Error = res.err.Error()
	}
	job.FinishedAt = &now
	close(job.done)
	s.mu.Unlock()
}

func (s *Supervisor) runSimulated(ctx context.Context) outcome {
	timer := time.NewTimer(s.cfg.SimulatedDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return outcome{state: JobSucceeded}
	case <-ctx.Done():
		return cancelled(ctx, "")
	}
}

// cancelled различает снятие задачи оператором и остановку супервизора.
func cancelled(ctx context.Context, tail string) outcome {
	if errors.Is(context.Cause(ctx), errJobCancelled) {
		return outcome{state: JobCancelled, output: tail, err: fmt.Errorf("%w: cancelled", domain.ErrTrainingFailed)}
	}
	return outcome{state: JobFailed, output: tail, err: fmt.Errorf("%w: cancelled by shutdown", domain.ErrTrainingFailed)}
}

func (s *Supervisor) runExternal(jobCtx context.Context, agent *domain.Agent) outcome {
	if agent.Paths == nil || agent.Paths.Root == "" {
		return outcome{state: JobFailed, err: fmt.Errorf("%w: %w", domain.ErrTrainingFailed, domain.ErrNoWorkspace)}
	}
	bin, err := lookPath(s.cfg.Binary)
	if err != nil {
		return outcome{state: JobFailed, err: fmt.Errorf("%w: trainer %q not found: %v", domain.ErrTrainingFailed, s.cfg.Binary, err)}
	}

	ctx, cancel := context.WithTimeout(jobCtx, s.cfg.Timeout)
	defer cancel()

	out := newTailBuffer(outputTailBytes)
	cmd := execCommandContext(ctx, bin, s.cfg.Args...)
	cmd.Dir = agent.Paths.Root
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 5 * time.Second
	configureProcessGroup(cmd)

	s.logger.Debug("spawning trainer",
		zap.Int64("agent_id", agent.ID),
		zap.String("binary", bin),
		zap.Strings("args", s.cfg.Args),
		zap.String("dir", cmd.Dir))

	runErr := cmd.Run()
	tail := strings.TrimSpace(out.String())

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) && jobCtx.Err() == nil:
		return outcome{
			state:  JobTimedOut,
			output: tail,
			err:    fmt.Errorf("%w after %s", domain.ErrTrainingTimedOut, s.cfg.Timeout),
		}
	case jobCtx.Err() != nil:
		return cancelled(jobCtx, tail)
	case runErr == nil:
		code := 0
		return outcome{state: JobSucceeded, exitCode: &code, output: tail}
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitCode()
		return outcome{
			state:    JobFailed,
			exitCode: &code,
			output:   tail,
			err:      fmt.Errorf("%w: trainer exited with code %d", domain.ErrTrainingFailed, code),
		}
	}
	return outcome{state: JobFailed, output: tail, err: fmt.Errorf("%w: %v", domain.ErrTrainingFailed, runErr)}
}

func (s *Supervisor) snapshotOf(j *Job) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return j.snapshot()
}

// diagnostics — текст для LastError агента: причина плюс хвост вывода тренера.
func diagnostics(res outcome) string {
	msg := "training failed"
	if res.err != nil {
		msg = res.err.Error()
	}
	if res.output == "" {
		return msg
	}
	return msg + "\n" + res.output
}
