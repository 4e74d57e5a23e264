package orchestrator

import (
	"context"

	"github.com/xela07ax/agentlab/internal/domain"
)

type LogStats struct {
	AgentID   int64  `json:"agent_id"`
	AgentName string `json:"agent_name"`
	domain.DialogStats
}

type LogIntents struct {
	AgentID            int64    `json:"agent_id"`
	Intents            []string `json:"intents"`
	TotalUniqueIntents int      `json:"total_unique_intents"`
}

func (s *Service) ListLogs(ctx context.Context, id int64, f domain.DialogFilter) ([]domain.DialogEntry, error) {
	if _, err := s.GetAgent(id); err != nil {
		return nil, err
	}
	return s.log.List(ctx, id, f)
}

func (s *Service) GetLog(ctx context.Context, id int64, logID string) (*domain.DialogEntry, error) {
	if _, err := s.GetAgent(id); err != nil {
		return nil, err
	}
	return s.log.Get(ctx, id, logID)
}

func (s *Service) LogStats(ctx context.Context, id int64) (*LogStats, error) {
	a, err := s.GetAgent(id)
	if err != nil {
		return nil, err
	}
	st, err := s.log.Stats(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LogStats{AgentID: a.ID, AgentName: a.Name, DialogStats: *st}, nil
}

func (s *Service) LogIntents(ctx context.Context, id int64) (*LogIntents, error) {
	if _, err := s.GetAgent(id); err != nil {
		return nil, err
	}
	intents, err := s.log.Intents(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LogIntents{AgentID: id, Intents: intents, TotalUniqueIntents: len(intents)}, nil
}

func (s *Service) ClearLogs(ctx context.Context, id int64) (int64, error) {
	if _, err := s.GetAgent(id); err != nil {
		return 0, err
	}
	return s.log.Clear(ctx, id)
}
