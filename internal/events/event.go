package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xela07ax/agentlab/internal/domain"
)

// StatusEvent — сигнал об изменении состояния агента, уходит в Redis Pub/Sub
// и в hash текущих статусов.
type StatusEvent struct {
	AgentID          int64              `json:"agent_id"`
	Name             string             `json:"name,omitempty"`
	Status           domain.AgentStatus `json:"status,omitempty"`
	Port             int                `json:"port,omitempty"`
	RequiresTraining bool               `json:"requires_training"`
	LastError        string             `json:"last_error,omitempty"`
	Deleted          bool               `json:"deleted,omitempty"`
	At               time.Time          `json:"at"`
}

func FromAgent(a *domain.Agent) StatusEvent {
	return StatusEvent{
		AgentID:          a.ID,
		Name:             a.Name,
		Status:           a.Status,
		Port:             a.Port,
		RequiresTraining: a.RequiresTraining,
		LastError:        a.LastError,
		At:               a.UpdatedAt,
	}
}

func (e StatusEvent) Encode() string {
	b, _ := json.Marshal(e)
	return string(b)
}

func Decode(payload string) (StatusEvent, error) {
	var e StatusEvent
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return e, fmt.Errorf("invalid status event: %w", err)
	}
	if e.AgentID <= 0 {
		return e, fmt.Errorf("invalid status event: agent_id %d", e.AgentID)
	}
	return e, nil
}
