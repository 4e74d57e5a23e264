package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "agentlab"
)

// Ключи состояния
const (
	RedisKeyAgentStatus   = RedisNamespace + ":agents:status" // hash: agent_id -> JSON события
	RedisKeyTrainingAgent = RedisNamespace + ":agents:training_set"
)

// Каналы Pub/Sub (события)
const (
	RedisChanStatus = RedisNamespace + ":agents:status-signal"
)

// GetWarmupLockKey Генератор ключей блокировок прогрева
func GetWarmupLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:warmup:%s", RedisNamespace, resource)
}
