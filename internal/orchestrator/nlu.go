package orchestrator

import (
	"fmt"

	"github.com/xela07ax/agentlab/internal/domain"
	"github.com/xela07ax/agentlab/internal/nlu"
	"go.uber.org/zap"
)

type NLUUpdateResult struct {
	Message          string `json:"message"`
	RequiresTraining bool   `json:"requires_training"`
	IntentsCount     int    `json:"intents_count"`
	EntitiesCount    int    `json:"entities_count"`
}

func (s *Service) workspaceOf(id int64) (*domain.Agent, error) {
	a, err := s.GetAgent(id)
	if err != nil {
		return nil, err
	}
	if a.Paths == nil {
		return nil, fmt.Errorf("agent %d: %w: %w", id, domain.ErrInvalidRequest, domain.ErrNoWorkspace)
	}
	return a, nil
}

func (s *Service) LoadNLU(id int64) (*nlu.Data, error) {
	a, err := s.workspaceOf(id)
	if err != nil {
		return nil, err
	}
	return s.nlu.Load(a.Paths.NLUData)
}

// UpdateNLU перезаписывает обучающие данные целиком, синхронизирует domain.yml
// и помечает агента как требующего обучения.
func (s *Service) UpdateNLU(id int64, data *nlu.Data) (*NLUUpdateResult, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: nlu_data is required", domain.ErrInvalidRequest)
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}
	a, err := s.workspaceOf(id)
	if err != nil {
		return nil, err
	}

	s.nluMu.Lock()
	defer s.nluMu.Unlock()
	if err := s.commitNLU(a, data); err != nil {
		return nil, err
	}
	return &NLUUpdateResult{
		Message:          "NLU data updated successfully",
		RequiresTraining: true,
		IntentsCount:     len(data.Intents),
		EntitiesCount:    len(data.Entities),
	}, nil
}

func (s *Service) ListIntents(id int64) ([]nlu.Intent, error) {
	data, err := s.LoadNLU(id)
	if err != nil {
		return nil, err
	}
	return data.Intents, nil
}

func (s *Service) CreateIntent(id int64, in nlu.Intent) (*nlu.Intent, error) {
	err := s.editNLU(id, func(d *nlu.Data) error { return d.AddIntent(in) })
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func (s *Service) ReplaceIntent(id int64, name string, in nlu.Intent) (*nlu.Intent, error) {
	err := s.editNLU(id, func(d *nlu.Data) error { return d.ReplaceIntent(name, in) })
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func (s *Service) DeleteIntent(id int64, name string) error {
	return s.editNLU(id, func(d *nlu.Data) error { return d.RemoveIntent(name) })
}

func (s *Service) ListEntities(id int64) ([]nlu.Entity, error) {
	data, err := s.LoadNLU(id)
	if err != nil {
		return nil, err
	}
	return data.Entities, nil
}

func (s *Service) CreateEntity(id int64, e nlu.Entity) (*nlu.Entity, error) {
	if err := s.editNLU(id, func(d *nlu.Data) error { return d.AddEntity(e) }); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Service) ReplaceEntity(id int64, name string, e nlu.Entity) (*nlu.Entity, error) {
	if err := s.editNLU(id, func(d *nlu.Data) error { return d.ReplaceEntity(name, e) }); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Service) DeleteEntity(id int64, name string) error {
	return s.editNLU(id, func(d *nlu.Data) error { return d.RemoveEntity(name) })
}

func (s *Service) editNLU(id int64, edit func(*nlu.Data) error) error {
	a, err := s.workspaceOf(id)
	if err != nil {
		return err
	}

	s.nluMu.Lock()
	defer s.nluMu.Unlock()

	data, err := s.nlu.Load(a.Paths.NLUData)
	if err != nil {
		return err
	}
	if err := edit(data); err != nil {
		return err
	}
	return s.commitNLU(a, data)
}

func (s *Service) commitNLU(a *domain.Agent, data *nlu.Data) error {
	if err := s.nlu.Save(a.Paths.NLUData, data); err != nil {
		return fmt.Errorf("save nlu data: %w", err)
	}
	if err := s.nlu.UpdateDomainIntents(a.Paths.Domain, data.IntentNames()); err != nil {
		return fmt.Errorf("update domain intents: %w", err)
	}
	if _, err := s.reg.MarkRequiresTraining(a.ID); err != nil {
		return err
	}
	s.logger.Info("nlu data updated",
		zap.Int64("agent_id", a.ID),
		zap.Int("intents", len(data.Intents)),
		zap.Int("entities", len(data.Entities)))
	return nil
}
