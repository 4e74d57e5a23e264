package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/agentlab/internal/agentclient"
	"github.com/xela07ax/agentlab/internal/dialog"
	"github.com/xela07ax/agentlab/internal/domain"
	"github.com/xela07ax/agentlab/internal/infra"
	"github.com/xela07ax/agentlab/internal/metrics"
	"github.com/xela07ax/agentlab/internal/nlu"
	"github.com/xela07ax/agentlab/internal/supervisor"
	"go.uber.org/zap"
)

type Registry interface {
	Create(ctx context.Context, req domain.CreateAgentRequest) (*domain.Agent, error)
	Get(id int64) (*domain.Agent, bool)
	List() []*domain.Agent
	MarkRequiresTraining(id int64) (*domain.Agent, error)
	MarkStopped(id int64) (*domain.Agent, error)
	Reallocate(id int64) (*domain.Agent, error)
	Delete(id int64) (bool, error)
}

type Trainer interface {
	Train(ctx context.Context, agentID int64) (*supervisor.Job, error)
	Job(agentID int64) (*supervisor.Job, bool)
	Cancel(ctx context.Context, agentID int64) (bool, error)
	Forget(agentID int64)
}

type AgentClient interface {
	Health(ctx context.Context, port int) bool
	SendMessage(ctx context.Context, port int, text, sender string) *agentclient.MessageResult
	Stop(ctx context.Context, port int) *agentclient.StopResult
	Forget(port int)
}

type NLUCodec interface {
	Load(path string) (*nlu.Data, error)
	Save(path string, data *nlu.Data) error
	UpdateDomainIntents(path string, names []string) error
}

// DialogLog — выборки журнала для API. Запись идет через dialog.Sink.
type DialogLog interface {
	List(ctx context.Context, agentID int64, f domain.DialogFilter) ([]domain.DialogEntry, error)
	Get(ctx context.Context, agentID int64, id string) (*domain.DialogEntry, error)
	Stats(ctx context.Context, agentID int64) (*domain.DialogStats, error)
	Intents(ctx context.Context, agentID int64) ([]string, error)
	Clear(ctx context.Context, agentID int64) (int64, error)
}

type Deps struct {
	Registry Registry
	Trainer  Trainer
	Client   AgentClient
	NLU      NLUCodec
	Sink     dialog.Sink
	Log      DialogLog
	Metrics  *metrics.Metrics
}

// Service — фасад оркестратора: собирает реестр, супервизор, клиента агентов
// и журнал в операторские операции. Своего состояния не держит.
type Service struct {
	reg     Registry
	trainer Trainer
	client  AgentClient
	nlu     NLUCodec
	sink    dialog.Sink
	log     DialogLog
	metrics *metrics.Metrics
	logger  *zap.Logger

	nluMu sync.Mutex // сериализует read-modify-write nlu.yml
}

func NewService(d Deps, logger *zap.Logger) *Service {
	if d.Metrics == nil {
		d.Metrics = metrics.NewMetrics(nil)
	}
	return &Service{
		reg:     d.Registry,
		trainer: d.Trainer,
		client:  d.Client,
		nlu:     d.NLU,
		sink:    d.Sink,
		log:     d.Log,
		metrics: d.Metrics,
		logger:  logger.Named("orchestrator"),
	}
}

func (s *Service) CreateAgent(ctx context.Context, req domain.CreateAgentRequest) (*domain.Agent, error) {
	a, err := s.reg.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	s.logger.Info("agent created",
		zap.Int64("agent_id", a.ID),
		zap.String("status", string(a.Status)),
		zap.Int("port", a.Port),
		zap.String("trace_id", infra.TraceIDFrom(ctx)))
	return a, nil
}

func (s *Service) GetAgent(id int64) (*domain.Agent, error) {
	a, ok := s.reg.Get(id)
	if !ok {
		return nil, fmt.Errorf("agent %d: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

func (s *Service) ListAgents() []*domain.Agent {
	return s.reg.List()
}

// TrainAgent запускает обучение и сразу возвращает задачу в статусе running.
func (s *Service) TrainAgent(ctx context.Context, id int64) (*supervisor.Job, error) {
	return s.trainer.Train(ctx, id)
}

func (s *Service) TrainingJob(id int64) (*supervisor.Job, error) {
	if _, err := s.GetAgent(id); err != nil {
		return nil, err
	}
	j, ok := s.trainer.Job(id)
	if !ok {
		return &supervisor.Job{AgentID: id, State: supervisor.JobIdle}, nil
	}
	return j, nil
}

type HealthStatus struct {
	AgentID int64              `json:"agent_id"`
	Port    int                `json:"port"`
	Status  domain.AgentStatus `json:"status"`
	Alive   bool               `json:"alive"`
}

func (s *Service) AgentHealth(ctx context.Context, id int64) (*HealthStatus, error) {
	a, err := s.GetAgent(id)
	if err != nil {
		return nil, err
	}
	return &HealthStatus{
		AgentID: a.ID,
		Port:    a.Port,
		Status:  a.Status,
		Alive:   a.Active() && s.client.Health(ctx, a.Port),
	}, nil
}

type MessageRequest struct {
	Message string `json:"message"`
	Sender  string `json:"sender"`
}

// MessageResponse — итог обмена. Недоступность агента — это Success=false, а не ошибка.
type MessageResponse struct {
	AgentID          int64           `json:"agent_id"`
	Success          bool            `json:"success"`
	Response         []string        `json:"response"`
	Intent           string          `json:"intent"`
	Confidence       float64         `json:"confidence"`
	IntentSource     string          `json:"intent_source"`
	Entities         []domain.Entity `json:"entities"`
	Error            string          `json:"error,omitempty"`
	LogID            string          `json:"log_id"`
	TraceID          string          `json:"trace_id,omitempty"`
	ProcessingTimeMs int64           `json:"processing_time_ms"`
}

// SendMessage: проверка живости → пересылка → запись в журнал (всегда, даже при сбое).
func (s *Service) SendMessage(ctx context.Context, id int64, req MessageRequest) (*MessageResponse, error) {
	a, err := s.GetAgent(id)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return nil, fmt.Errorf("%w: message is required", domain.ErrInvalidRequest)
	}
	sender := req.Sender
	if sender == "" {
		sender = "user"
	}

	start := time.Now()
	var res *agentclient.MessageResult
	switch {
	case !a.Active():
		res = unavailable(a, text, "agent is stopped")
	case !s.client.Health(ctx, a.Port):
		res = unavailable(a, text, "agent did not answer the health check")
	default:
		res = s.client.SendMessage(ctx, a.Port, text, sender)
	}
	elapsed := time.Since(start).Milliseconds()

	resp := &MessageResponse{
		AgentID:          a.ID,
		Success:          res.Success,
		Response:         res.Replies,
		Intent:           res.Classification.Intent,
		Confidence:       res.Classification.Confidence,
		IntentSource:     res.Classification.Source,
		Entities:         res.Classification.Entities,
		Error:            res.Error,
		LogID:            uuid.NewString(),
		TraceID:          infra.TraceIDFrom(ctx),
		ProcessingTimeMs: elapsed,
	}
	if !res.Success {
		resp.Response = []string{fmt.Sprintf("Agent %q is unavailable: %s", a.Name, res.Error)}
	}

	confidence := resp.Confidence
	s.sink.Log(domain.DialogEntry{
		ID:               resp.LogID,
		TraceID:          resp.TraceID,
		AgentID:          a.ID,
		Sender:           sender,
		UserMessage:      text,
		BotResponse:      resp.Response,
		Intent:           resp.Intent,
		Confidence:       &confidence,
		IntentSource:     resp.IntentSource,
		Entities:         resp.Entities,
		Success:          res.Success,
		Error:            res.Error,
		Timestamp:        start.UTC(),
		ProcessingTimeMs: elapsed,
	})
	s.metrics.MessagesTotal.WithLabelValues(strconv.FormatInt(a.ID, 10)).Inc()

	if !res.Success {
		s.logger.Warn("message not delivered",
			zap.Int64("agent_id", a.ID), zap.Int("port", a.Port),
			zap.String("reason", res.Error), zap.String("trace_id", resp.TraceID))
	}
	return resp, nil
}

func unavailable(a *domain.Agent, text, reason string) *agentclient.MessageResult {
	err := fmt.Errorf("%w: %s", domain.ErrAgentUnreachable, reason)
	return &agentclient.MessageResult{
		Port:           a.Port,
		Replies:        []string{},
		Classification: agentclient.Classify(text),
		Error:          err.Error(),
		Err:            err,
	}
}

type StopResponse struct {
	*agentclient.StopResult
	Agent *domain.Agent `json:"agent"`
}

// StopAgent — best-effort остановка процесса. При успехе агент становится stopped и отпускает порт.
func (s *Service) StopAgent(ctx context.Context, id int64) (*StopResponse, error) {
	a, err := s.GetAgent(id)
	if err != nil {
		return nil, err
	}
	if !a.Active() {
		return &StopResponse{
			StopResult: &agentclient.StopResult{Success: true, Port: a.Port, Method: "none", Reason: "agent is already stopped"},
			Agent:      a,
		}, nil
	}

	res := s.client.Stop(ctx, a.Port)
	out := &StopResponse{StopResult: res, Agent: a}
	if !res.Success {
		return out, nil
	}

	s.client.Forget(a.Port)
	stopped, err := s.reg.MarkStopped(id)
	if err != nil {
		s.logger.Warn("stopped status not persisted", zap.Int64("agent_id", id), zap.Error(err))
		return out, nil
	}
	out.Agent = stopped
	return out, nil
}

// ReassignPort выдает агенту свободный порт, если прежний перехвачен чужим процессом.
func (s *Service) ReassignPort(id int64) (*domain.Agent, error) {
	old, err := s.GetAgent(id)
	if err != nil {
		return nil, err
	}
	a, err := s.reg.Reallocate(id)
	if err != nil {
		return nil, err
	}
	s.client.Forget(old.Port)
	return a, nil
}

func (s *Service) DeleteAgent(ctx context.Context, id int64) error {
	a, ok := s.reg.Get(id)
	if !ok {
		return fmt.Errorf("agent %d: %w", id, domain.ErrNotFound)
	}
	// Тренер не должен пережить свой workspace
	cancelled, err := s.trainer.Cancel(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel training of agent %d: %w", id, err)
	}
	if cancelled {
		s.logger.Info("running training cancelled before delete", zap.Int64("agent_id", id))
	}
	deleted, err := s.reg.Delete(id)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("agent %d: %w", id, domain.ErrNotFound)
	}
	s.client.Forget(a.Port)
	s.trainer.Forget(id)
	s.logger.Info("agent deleted", zap.Int64("agent_id", id), zap.String("trace_id", infra.TraceIDFrom(ctx)))
	return nil
}

func (s *Service) MarkRequiresTraining(id int64) (*domain.Agent, error) {
	return s.reg.MarkRequiresTraining(id)
}
