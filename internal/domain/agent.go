package domain

import (
	"fmt"
	"strings"
	"time"
)

type AgentType string

const (
	AgentTypeFAQ  AgentType = "faq"  // Шаблон faq_agent: вопрос-ответ
	AgentTypeForm AgentType = "form" // Шаблон form_agent: заполнение форм
)

// Valid проверяет, что тип агента известен системе.
func (t AgentType) Valid() bool {
	return t == AgentTypeFAQ || t == AgentTypeForm
}

type AgentStatus string

const (
	StatusCreated          AgentStatus = "created"
	StatusTraining         AgentStatus = "training"
	StatusReady            AgentStatus = "ready"
	StatusError            AgentStatus = "error"             // Последняя операция (провижининг/обучение) упала
	StatusRequiresTraining AgentStatus = "requires_training" // NLU данные менялись после обучения
	StatusStopped          AgentStatus = "stopped"           // Процесс агента остановлен, порт свободен
)

// WorkspacePaths — канонические пути рабочей директории агента.
// Записываются один раз при создании и дальше не меняются.
type WorkspacePaths struct {
	Root     string `json:"root"`
	Config   string `json:"config_path"`
	Domain   string `json:"domain_path"`
	NLUData  string `json:"nlu_data_path"`
	Stories  string `json:"stories_path"`
	ModelDir string `json:"model_path"`
}

type Agent struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Type        AgentType   `json:"agent_type"`
	Status      AgentStatus `json:"status"`
	Port        int         `json:"port"`

	Paths            *WorkspacePaths `json:"paths,omitempty"` // nil, если шаблон не скопировался
	RequiresTraining bool            `json:"requires_training"`
	LastError        string          `json:"last_error,omitempty"` // Диагностика для оператора

	// Ревизия NLU данных растет при каждой правке. TrainingRevision — ревизия,
	// с которой стартовало текущее/последнее обучение.
	NLURevision      int64 `json:"nlu_revision"`
	TrainingRevision int64 `json:"training_revision"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active — запись держит свой порт. Остановленные агенты порт отпускают.
func (a *Agent) Active() bool {
	return a.Status != StatusStopped
}

// Clone возвращает копию записи, безопасную для отдачи наружу из реестра.
func (a *Agent) Clone() *Agent {
	c := *a
	if a.Paths != nil {
		p := *a.Paths
		c.Paths = &p
	}
	return &c
}

type CreateAgentRequest struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Type        AgentType `json:"agent_type"`
}

func (r *CreateAgentRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if len(r.Name) > 100 {
		return fmt.Errorf("%w: name is longer than 100 characters", ErrInvalidRequest)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown agent type %q", ErrInvalidRequest, r.Type)
	}
	return nil
}
