package agentclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/agentlab/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ReliabilityConfig — параметры обвязки исходящих вызовов к агентам.
type ReliabilityConfig struct {
	Attempts      uint
	RateLimit     float64
	RateBurst     int
	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration // Время, через которое CB попробует "закрыться"
	CBMaxFailures uint32
}

// reliability: rate limiter (общий) -> circuit breaker (свой на каждый порт) -> retry.
// Повторяются только ошибки установки соединения: сообщение до агента не дошло,
// значит повтор не приведет к двойной доставке.
type reliability struct {
	cfg     ReliabilityConfig
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	breakers map[int]*gobreaker.CircuitBreaker
}

func newReliability(cfg ReliabilityConfig, m *metrics.Metrics, logger *zap.Logger) *reliability {
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &reliability{
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, max(cfg.RateBurst, 1)),
		metrics:  m,
		logger:   logger,
		breakers: make(map[int]*gobreaker.CircuitBreaker),
	}
}

func (r *reliability) breaker(port int) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[port]; ok {
		return cb
	}

	label := strconv.Itoa(port)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "agent-" + label,
		MaxRequests: r.cfg.CBMaxRequests,
		Interval:    r.cfg.CBInterval,
		Timeout:     r.cfg.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если ошибок подряд больше порога — открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > r.cfg.CBMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
			r.metrics.CircuitBreakerState.WithLabelValues(label).Set(breakerGauge(to))
		},
	})
	r.breakers[port] = cb
	return cb
}

// Forget сбрасывает предохранитель порта: порт отдан другому агенту или агент удален.
func (r *reliability) Forget(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, port)
	r.metrics.CircuitBreakerState.DeleteLabelValues(strconv.Itoa(port))
}

// Do выполняет call с таймаутом на каждую попытку.
func (r *reliability) Do(ctx context.Context, port int, timeout time.Duration, call func(ctx context.Context) error) error {
	// 1. Rate Limiter
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker
	_, err := r.breaker(port).Execute(func() (interface{}, error) {
		retrier := retry.New(
			retry.Context(ctx),
			retry.Attempts(r.cfg.Attempts),
			retry.Delay(100*time.Millisecond),
			retry.LastErrorOnly(true),
			retry.RetryIf(isDialError),
		)
		return nil, retrier.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return call(tCtx)
		})
	})
	return err
}

// isDialError — соединение не установлено, запрос агенту не ушел.
func isDialError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}
