package domain

import "errors"

// Таксономия ошибок оркестратора. Слой API маппит их в HTTP-коды,
// остальные слои оборачивают через fmt.Errorf("...: %w").
var (
	ErrNotFound           = errors.New("agent not found")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrPortExhausted      = errors.New("port range exhausted")
	ErrProvisioningFailed = errors.New("workspace provisioning failed")
	ErrTemplateMissing    = errors.New("workspace template missing")
	ErrWorkspaceExists    = errors.New("workspace already exists")
	ErrTrainingFailed     = errors.New("training failed")
	ErrTrainingTimedOut   = errors.New("training timed out")
	ErrTrainingInProgress = errors.New("training already in progress")
	ErrAgentUnreachable   = errors.New("agent unreachable")
	ErrStoreCorrupt       = errors.New("registry store corrupt")
	ErrTerminationFailed  = errors.New("agent termination failed")
	ErrNoWorkspace        = errors.New("agent has no workspace")
)
