package dialog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/agentlab/internal/domain"
	"go.uber.org/zap/zaptest"
)

type memoryRepo struct {
	mu      sync.Mutex
	batches [][]domain.DialogEntry
	fail    bool
}

func (m *memoryRepo) WriteBatch(_ context.Context, entries []domain.DialogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("db is down")
	}
	m.batches = append(m.batches, append([]domain.DialogEntry(nil), entries...))
	return nil
}

func (m *memoryRepo) entries() []domain.DialogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DialogEntry
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

func TestWriter_FlushOnStop(t *testing.T) {
	repo := &memoryRepo{}
	w := NewWriter(repo, WriterConfig{BatchSize: 100, FlushInterval: time.Hour}, nil, zaptest.NewLogger(t))
	w.Start()

	for i := 0; i < 5; i++ {
		w.Log(domain.DialogEntry{AgentID: 1, UserMessage: "hi"})
	}
	w.Stop()

	got := repo.entries()
	require.Len(t, got, 5)
	for _, e := range got {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}

	// после остановки записи отбрасываются без паники
	w.Log(domain.DialogEntry{AgentID: 1})
	w.Stop()
	assert.Len(t, repo.entries(), 5)
}

func TestWriter_BatchSizeAndTicker(t *testing.T) {
	repo := &memoryRepo{}
	w := NewWriter(repo, WriterConfig{BatchSize: 2, FlushInterval: 20 * time.Millisecond}, nil, zaptest.NewLogger(t))
	w.Start()
	defer w.Stop()

	w.Log(domain.DialogEntry{AgentID: 1})
	w.Log(domain.DialogEntry{AgentID: 1})
	w.Log(domain.DialogEntry{AgentID: 1})

	assert.Eventually(t, func() bool { return len(repo.entries()) == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestWriter_LoadShedding(t *testing.T) {
	repo := &memoryRepo{}
	// Воркер не запущен: канал на 2 записи переполняется
	w := NewWriter(repo, WriterConfig{BufferSize: 2}, nil, zaptest.NewLogger(t))
	for i := 0; i < 10; i++ {
		w.Log(domain.DialogEntry{AgentID: 1})
	}
	assert.Len(t, w.ch, 2)

	w.Start()
	w.Stop()
	assert.Len(t, repo.entries(), 2)
}

func TestWriter_FlushErrorDoesNotStopWorker(t *testing.T) {
	repo := &memoryRepo{fail: true}
	w := NewWriter(repo, WriterConfig{BatchSize: 1, FlushInterval: time.Hour}, nil, zaptest.NewLogger(t))
	w.Start()

	w.Log(domain.DialogEntry{AgentID: 1})
	time.Sleep(50 * time.Millisecond)

	repo.mu.Lock()
	repo.fail = false
	repo.mu.Unlock()

	w.Log(domain.DialogEntry{AgentID: 1, UserMessage: "second"})
	w.Stop()

	got := repo.entries()
	require.Len(t, got, 1)
	assert.Equal(t, "second", got[0].UserMessage)
}

func TestWriter_WithSQLite(t *testing.T) {
	s := openTestStore(t)
	w := NewWriter(s, WriterConfig{}, nil, zaptest.NewLogger(t))
	w.Start()
	w.Log(domain.DialogEntry{AgentID: 7, UserMessage: "привет", Intent: "greet", BotResponse: []string{"Здравствуйте"}, Success: true})
	w.Stop()

	list, err := s.List(context.Background(), 7, domain.DialogFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "greet", list[0].Intent)
}
