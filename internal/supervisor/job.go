package supervisor

import (
	"context"
	"time"
)

type Backend string

const (
	BackendExternal  Backend = "external"  // Реальный тренер (rasa train) в дочернем процессе
	BackendSimulated Backend = "simulated" // Пауза и ready, для демо и окружений без тренера
	BackendAuto      Backend = "auto"      // external, если тренер найден в PATH, иначе simulated
)

type JobState string

const (
	JobIdle      JobState = "idle"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobTimedOut  JobState = "timed_out"
	JobCancelled JobState = "cancelled" // Снята оператором (агент удаляется)
)

// Terminal — задача завершена и больше не меняется.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobTimedOut || s == JobCancelled
}

// Job — снимок задачи обучения. Наружу отдаются только копии.
type Job struct {
	ID         string     `json:"id"`
	AgentID    int64      `json:"agent_id"`
	Backend    Backend    `json:"backend"`
	State      JobState   `json:"state"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Output     string     `json:"output,omitempty"` // Хвост stdout+stderr тренера
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	done   chan struct{}
	cancel context.CancelCauseFunc
}

func (j *Job) snapshot() *Job {
	c := *j
	c.done = nil
	c.cancel = nil
	if j.ExitCode != nil {
		code := *j.ExitCode
		c.ExitCode = &code
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
