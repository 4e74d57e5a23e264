package dialog

/*
Writer — асинхронный журнал диалогов.

- Log не блокирует обмен сообщениями: запись уходит в буферизованный канал,
  при переполнении запись сбрасывается (Load Shedding) с ошибкой в лог.
- Воркер копит пачку и пишет ее в Store по таймеру или по достижении BatchSize.
- Stop закрывает канал и дожидается финального flush (Drain Pattern).
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/agentlab/internal/domain"
	"github.com/xela07ax/agentlab/internal/metrics"
	"go.uber.org/zap"
)

type WriterConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

// Sink — то, чем пользуется оркестратор. Реализуется Writer.
type Sink interface {
	Log(entry domain.DialogEntry)
}

type Writer struct {
	ch      chan domain.DialogEntry
	repo    BatchWriter
	cfg     WriterConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
	wg      sync.WaitGroup

	started  atomic.Bool
	isClosed atomic.Bool
	once     sync.Once
}

func NewWriter(repo BatchWriter, cfg WriterConfig, m *metrics.Metrics, logger *zap.Logger) *Writer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	return &Writer{
		ch:      make(chan domain.DialogEntry, cfg.BufferSize),
		repo:    repo,
		cfg:     cfg,
		metrics: m,
		logger:  logger.Named("dialog_writer"),
	}
}

func (w *Writer) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.wg.Add(1)
	go w.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет. Повторный вызов безопасен.
func (w *Writer) Stop() {
	w.once.Do(func() {
		// 1. Сначала ставим флаг
		w.isClosed.Store(true)

		// 2. Даем крошечную паузу, чтобы текущие Log успели проскочить
		time.Sleep(10 * time.Millisecond)

		// 3. Закрываем канал и ждем финальный flush
		w.logger.Info("stopping dialog writer: closing channel and flushing buffer...")
		close(w.ch)
		if w.started.Load() {
			w.wg.Wait()
		}
		w.logger.Info("dialog writer stopped gracefully")
	})
}

// Log ставит запись в очередь. ID и Timestamp проставляются, если пусты.
func (w *Writer) Log(entry domain.DialogEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	if w.isClosed.Load() {
		w.logger.Warn("dialog entry dropped: writer is stopping", zap.String("id", entry.ID))
		return
	}

	select {
	case w.ch <- entry:
		w.metrics.DialogBufferFill.Set(float64(len(w.ch)))
	default:
		w.metrics.ErrorTotal.WithLabelValues("dialog_buffer_overflow").Inc()
		w.logger.Error("dialog_buffer_overflow",
			zap.Int64("agent_id", entry.AgentID),
			zap.String("trace_id", entry.TraceID),
		)
	}
}

func (w *Writer) worker() {
	defer w.wg.Done()

	batch := make([]domain.DialogEntry, 0, w.cfg.BatchSize)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: при остановке основной контекст уже отменен
		if err := w.repo.WriteBatch(context.Background(), batch); err != nil {
			w.metrics.ErrorTotal.WithLabelValues("dialog_flush").Inc()
			w.logger.Error("dialog flush failed", zap.Int("entries", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		w.metrics.DialogBufferFill.Set(float64(len(w.ch)))
	}

	for {
		select {
		case entry, ok := <-w.ch:
			if !ok {
				flush()
				w.logger.Info("dialog worker finished")
				return
			}
			batch = append(batch, entry)
			if len(batch) >= w.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
