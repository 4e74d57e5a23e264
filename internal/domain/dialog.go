package domain

import "time"

// Entity — сущность, извлеченная из реплики пользователя.
type Entity struct {
	Entity     string  `json:"entity"`
	Value      string  `json:"value"`
	Start      int     `json:"start,omitempty"`
	End        int     `json:"end,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// DialogEntry — одна запись журнала диалогов (один обмен репликами).
// Пишется на каждый обмен, в том числе неуспешный.
type DialogEntry struct {
	ID          string   `json:"id"` // UUID записи
	TraceID     string   `json:"trace_id"`
	AgentID     int64    `json:"agent_id"`
	Sender      string   `json:"sender"`
	UserMessage string   `json:"user_message"`
	BotResponse []string `json:"bot_response"`

	// Классификация: от агента или эвристика (см. IntentSource)
	Intent       string   `json:"intent,omitempty"`
	Confidence   *float64 `json:"intent_confidence,omitempty"`
	IntentSource string   `json:"intent_source,omitempty"`
	Entities     []Entity `json:"entities"`

	Success          bool      `json:"success"`
	Error            string    `json:"error,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
}

// DialogFilter — параметры выборки журнала по агенту.
type DialogFilter struct {
	Intent string
	Limit  int
}

type DialogStats struct {
	TotalDialogs int        `json:"total_dialogs"`
	LastActivity *time.Time `json:"last_activity"`
}
