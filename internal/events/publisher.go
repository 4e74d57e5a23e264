package events

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agentlab/internal/domain"
	"github.com/xela07ax/agentlab/internal/infra"
	"go.uber.org/zap"
)

const publishTimeout = 2 * time.Second

// Publisher транслирует переходы реестра в Redis: hash статусов, множество
// обучающихся агентов и канал сигналов. Без клиента (rdb == nil) — no-op.
type Publisher struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewPublisher(rdb *redis.Client, logger *zap.Logger) *Publisher {
	return &Publisher{rdb: rdb, logger: logger.With(zap.String("mod", "events"))}
}

func (p *Publisher) NotifyStatus(a *domain.Agent) {
	if p == nil || p.rdb == nil {
		return
	}
	ev := FromAgent(a)
	payload := ev.Encode()
	field := strconv.FormatInt(a.ID, 10)

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	pipe := p.rdb.TxPipeline()
	pipe.HSet(ctx, infra.RedisKeyAgentStatus, field, payload)
	if a.Status == domain.StatusTraining {
		pipe.SAdd(ctx, infra.RedisKeyTrainingAgent, field)
	} else {
		pipe.SRem(ctx, infra.RedisKeyTrainingAgent, field)
	}
	pipe.Publish(ctx, infra.RedisChanStatus, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.Warn("status event not published", zap.Int64("agent_id", a.ID), zap.Error(err))
	}
}

func (p *Publisher) NotifyDeleted(id int64) {
	if p == nil || p.rdb == nil {
		return
	}
	field := strconv.FormatInt(id, 10)
	payload := StatusEvent{AgentID: id, Deleted: true, At: time.Now().UTC()}.Encode()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	pipe := p.rdb.TxPipeline()
	pipe.HDel(ctx, infra.RedisKeyAgentStatus, field)
	pipe.SRem(ctx, infra.RedisKeyTrainingAgent, field)
	pipe.Publish(ctx, infra.RedisChanStatus, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.Warn("delete event not published", zap.Int64("agent_id", id), zap.Error(err))
	}
}

// Warmup заливает текущее состояние реестра в Redis при старте.
func (p *Publisher) Warmup(ctx context.Context, agents []*domain.Agent) error {
	if p == nil || p.rdb == nil {
		return nil
	}

	// 1. Распределенная блокировка (SetNX), чтобы только один инстанс перезаписывал hash
	ok, err := p.rdb.SetNX(ctx, infra.GetWarmupLockKey("agents"), "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return err // Либо ошибка сети, либо другой уже греет кэш
	}

	// 2. Реестр — источник истины: старое содержимое выбрасываем целиком
	pipe := p.rdb.TxPipeline()
	pipe.Del(ctx, infra.RedisKeyAgentStatus, infra.RedisKeyTrainingAgent)
	for _, a := range agents {
		field := strconv.FormatInt(a.ID, 10)
		pipe.HSet(ctx, infra.RedisKeyAgentStatus, field, FromAgent(a).Encode())
		if a.Status == domain.StatusTraining {
			pipe.SAdd(ctx, infra.RedisKeyTrainingAgent, field)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	p.logger.Info("redis status cache warmed up", zap.Int("agents", len(agents)))
	return nil
}

// Snapshot читает hash статусов, отсортированный по id.
func Snapshot(ctx context.Context, rdb *redis.Client, logger *zap.Logger) ([]StatusEvent, error) {
	all, err := rdb.HGetAll(ctx, infra.RedisKeyAgentStatus).Result()
	if err != nil {
		return nil, err
	}
	out := make([]StatusEvent, 0, len(all))
	for field, payload := range all {
		ev, err := Decode(payload)
		if err != nil {
			logger.Warn("skipping malformed status entry", zap.String("field", field), zap.Error(err))
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}
