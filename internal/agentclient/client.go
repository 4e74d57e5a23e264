package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/xela07ax/agentlab/internal/domain"
	"github.com/xela07ax/agentlab/internal/metrics"
	"go.uber.org/zap"
)

const (
	webhookPath  = "/webhooks/rest/webhook"
	shutdownPath = "/shutdown"
	maxReplySize = 1 << 20
)

type Config struct {
	BaseURL        string // Схема и хост агентов, порт подставляется из записи
	HealthTimeout  time.Duration
	MessageTimeout time.Duration
	ShutdownGrace  time.Duration
	Reliability    ReliabilityConfig
}

// MessageResult — нормализованный итог обмена. Ошибка транспорта сюда
// попадает как Success=false с причиной, наружу паника/ошибка не уходит.
type MessageResult struct {
	Success        bool           `json:"success"`
	Port           int            `json:"port"`
	Replies        []string       `json:"responses"`
	Classification Classification `json:"classification"`
	StatusCode     int            `json:"status_code,omitempty"`
	Error          string         `json:"error,omitempty"`

	Err      error         `json:"-"` // Совместима с domain.ErrAgentUnreachable
	Duration time.Duration `json:"-"`
}

// StopResult — итог best-effort остановки процесса агента.
type StopResult struct {
	Success bool   `json:"success"`
	Port    int    `json:"port"`
	Method  string `json:"method"` // none | shutdown_endpoint | signal | kill
	PIDs    []int  `json:"pids,omitempty"`
	Reason  string `json:"reason"`

	Err error `json:"-"` // Совместима с domain.ErrTerminationFailed
}

type Client struct {
	cfg     Config
	scheme  string
	host    string
	http    *http.Client
	rel     *reliability
	locator ProcessLocator
	term    Terminator
	selfPID int
	metrics *metrics.Metrics
	logger  *zap.Logger
}

type Option func(*Client)

func WithLocator(l ProcessLocator) Option { return func(c *Client) { c.locator = l } }
func WithTerminator(t Terminator) Option { return func(c *Client) { c.term = t } }
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func New(cfg Config, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Client {
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	logger = logger.Named("agentclient")

	scheme, host := "http", "127.0.0.1"
	if u, err := url.Parse(cfg.BaseURL); err == nil && u.Hostname() != "" {
		scheme, host = u.Scheme, u.Hostname()
	}

	c := &Client{
		cfg:     cfg,
		scheme:  scheme,
		host:    host,
		http:    &http.Client{},
		rel:     newReliability(cfg.Reliability, m, logger),
		term:    NewTerminator(),
		selfPID: os.Getpid(),
		metrics: m,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.locator == nil {
		c.locator = NewProcessLocator(logger)
	}
	return c
}

func (c *Client) url(port int, path string) string {
	return fmt.Sprintf("%s://%s%s", c.scheme, net.JoinHostPort(c.host, strconv.Itoa(port)), path)
}

// Health — GET / с коротким таймаутом. Любая ошибка или не-2xx — "не жив".
func (c *Client) Health(ctx context.Context, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(port, "/"), nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("health check failed", zap.Int("port", port), zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxReplySize))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// SendMessage пересылает реплику агенту и нормализует ответ.
// Если агент не прислал интент, классификация — эвристика Classify.
func (c *Client) SendMessage(ctx context.Context, port int, text, sender string) *MessageResult {
	start := time.Now()
	res := &MessageResult{Port: port, Replies: []string{}}
	defer func() {
		res.Duration = time.Since(start)
		status := "ok"
		if !res.Success {
			status = "error"
		}
		c.metrics.MessageDuration.WithLabelValues(status).Observe(res.Duration.Seconds())
	}()

	if sender == "" {
		sender = "user"
	}
	body, err := json.Marshal(struct {
		Sender  string `json:"sender"`
		Message string `json:"message"`
	}{sender, text})
	if err != nil {
		return c.fail(res, text, fmt.Errorf("encode message: %w", err))
	}

	var payload []byte
	err = c.rel.Do(ctx, port, c.cfg.MessageTimeout, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(port, webhookPath), bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		res.StatusCode = resp.StatusCode
		payload, err = io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
		if err != nil {
			return fmt.Errorf("read reply: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("agent responded with HTTP %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		return c.fail(res, text, err)
	}

	replies, cls, err := parseReply(payload)
	if err != nil {
		return c.fail(res, text, err)
	}

	res.Success = true
	res.Replies = replies
	if cls != nil {
		res.Classification = *cls
	} else {
		res.Classification = Classify(text)
	}
	return res
}

func (c *Client) fail(res *MessageResult, text string, err error) *MessageResult {
	res.Success = false
	res.Err = fmt.Errorf("%w: %v", domain.ErrAgentUnreachable, err)
	res.Error = res.Err.Error()
	res.Classification = Classify(text)
	c.metrics.ErrorTotal.WithLabelValues("agent_unreachable").Inc()
	c.logger.Warn("message relay failed", zap.Int("port", res.Port), zap.Error(err))
	return res
}

// Stop: сначала просим агента завершиться самого (POST /shutdown), затем ищем
// владельца порта средствами ОС, шлем SIGTERM и после grace — SIGKILL.
func (c *Client) Stop(ctx context.Context, port int) *StopResult {
	res := &StopResult{Port: port}

	// 0. Порт уже свободен — останавливать нечего
	if !c.portInUse(ctx, port) {
		res.Success = true
		res.Method = "none"
		res.Reason = "no process is listening on the port"
		return res
	}

	// 1. Graceful shutdown через эндпоинт агента
	if c.requestShutdown(ctx, port) {
		if c.waitPortFree(ctx, port, c.cfg.ShutdownGrace) {
			res.Success = true
			res.Method = "shutdown_endpoint"
			res.Reason = "agent accepted shutdown request"
			c.logger.Info("agent stopped via shutdown endpoint", zap.Int("port", port))
			return res
		}
		c.logger.Warn("agent accepted shutdown but keeps the port", zap.Int("port", port))
	}

	// 2. Интроспекция ОС
	pids, err := c.locator.FindPIDs(ctx, port)
	if err != nil {
		return c.stopFailed(res, fmt.Sprintf("could not locate process on port %d: %v", port, err))
	}
	pids = c.withoutSelf(pids)
	if len(pids) == 0 {
		return c.stopFailed(res, fmt.Sprintf("port %d is busy but its owner process was not found", port))
	}
	res.PIDs = pids

	// 3. SIGTERM -> grace -> SIGKILL
	for _, pid := range pids {
		if err := c.term.Terminate(pid); err != nil {
			c.logger.Debug("terminate signal failed", zap.Int("pid", pid), zap.Error(err))
		}
	}
	alive := waitGone(ctx, c.term, pids, c.cfg.ShutdownGrace)
	res.Method = "signal"
	if len(alive) > 0 {
		c.logger.Warn("process ignored SIGTERM, escalating", zap.Int("port", port), zap.Ints("pids", alive))
		for _, pid := range alive {
			if err := c.term.Kill(pid); err != nil {
				c.logger.Debug("kill signal failed", zap.Int("pid", pid), zap.Error(err))
			}
		}
		alive = waitGone(ctx, c.term, alive, 2*time.Second)
		res.Method = "kill"
	}
	if len(alive) > 0 {
		return c.stopFailed(res, fmt.Sprintf("processes %v survived SIGKILL", alive))
	}

	res.Success = true
	res.Reason = fmt.Sprintf("terminated %d process(es)", len(pids))
	c.logger.Info("agent process terminated", zap.Int("port", port), zap.Ints("pids", pids), zap.String("method", res.Method))
	return res
}

// Forget сбрасывает состояние предохранителя порта (агент удален или порт переназначен).
func (c *Client) Forget(port int) { c.rel.Forget(port) }

func (c *Client) stopFailed(res *StopResult, reason string) *StopResult {
	res.Success = false
	res.Reason = reason
	res.Err = fmt.Errorf("%w: %s", domain.ErrTerminationFailed, reason)
	c.metrics.ErrorTotal.WithLabelValues("termination").Inc()
	c.logger.Warn("agent stop failed", zap.Int("port", res.Port), zap.String("reason", reason))
	return res
}

func (c *Client) requestShutdown(ctx context.Context, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(port, shutdownPath), nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (c *Client) portInUse(ctx context.Context, port int) bool {
	d := net.Dialer{Timeout: 500 * time.Millisecond}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(c.host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (c *Client) waitPortFree(ctx context.Context, port int, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for {
		if !c.portInUse(ctx, port) {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c *Client) withoutSelf(pids []int) []int {
	out := pids[:0:0]
	for _, pid := range pids {
		if pid == c.selfPID {
			c.logger.Warn("refusing to signal the orchestrator itself", zap.Int("pid", pid))
			continue
		}
		out = append(out, pid)
	}
	return out
}
