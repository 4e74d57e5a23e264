package dialog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/agentlab/internal/domain"
	"go.uber.org/zap/zaptest"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "logs", "dialogs.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entry(id string, agentID int64, intent string, ts time.Time) domain.DialogEntry {
	conf := 0.9
	return domain.DialogEntry{
		ID:           id,
		TraceID:      "trace-" + id,
		AgentID:      agentID,
		Sender:       "user",
		UserMessage:  "message " + id,
		BotResponse:  []string{"reply " + id},
		Intent:       intent,
		Confidence:   &conf,
		IntentSource: "heuristic",
		Entities:     []domain.Entity{{Entity: "city", Value: "Москва"}},
		Success:      true,
		Timestamp:    ts,
	}
}

func TestSQLiteStore_WriteAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	failed := entry("c", 1, "unknown", base.Add(2*time.Second))
	failed.Success = false
	failed.Error = "agent unreachable"
	failed.Confidence = nil
	failed.Entities = nil

	require.NoError(t, s.WriteBatch(ctx, []domain.DialogEntry{
		entry("a", 1, "greet", base),
		entry("b", 1, "goodbye", base.Add(time.Second)),
		failed,
		entry("x", 2, "greet", base),
	}))

	all, err := s.List(ctx, 1, domain.DialogFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID}, "newest first")

	got := all[0]
	assert.False(t, got.Success)
	assert.Equal(t, "agent unreachable", got.Error)
	assert.Nil(t, got.Confidence)
	assert.NotNil(t, got.Entities)
	assert.True(t, got.Timestamp.Equal(base.Add(2*time.Second)))

	limited, err := s.List(ctx, 1, domain.DialogFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "c", limited[0].ID)

	greet, err := s.List(ctx, 1, domain.DialogFilter{Intent: "greet"})
	require.NoError(t, err)
	require.Len(t, greet, 1)
	assert.Equal(t, "a", greet[0].ID)
	assert.Equal(t, []string{"reply a"}, greet[0].BotResponse)
	require.NotNil(t, greet[0].Confidence)
	assert.InDelta(t, 0.9, *greet[0].Confidence, 1e-9)
	assert.Equal(t, "Москва", greet[0].Entities[0].Value)

	none, err := s.List(ctx, 42, domain.DialogFilter{})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestSQLiteStore_GetStatsIntentsClear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.WriteBatch(ctx, []domain.DialogEntry{
		entry("a", 1, "greet", base),
		entry("b", 1, "greet", base.Add(time.Minute)),
		entry("c", 1, "faq_delivery", base.Add(2*time.Minute)),
		entry("x", 2, "goodbye", base),
	}))

	e, err := s.Get(ctx, 1, "b")
	require.NoError(t, err)
	assert.Equal(t, "trace-b", e.TraceID)

	_, err = s.Get(ctx, 2, "b")
	assert.ErrorIs(t, err, ErrEntryNotFound)

	st, err := s.Stats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalDialogs)
	require.NotNil(t, st.LastActivity)
	assert.True(t, st.LastActivity.Equal(base.Add(2*time.Minute)))

	empty, err := s.Stats(ctx, 99)
	require.NoError(t, err)
	assert.Zero(t, empty.TotalDialogs)
	assert.Nil(t, empty.LastActivity)

	intents, err := s.Intents(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"faq_delivery", "greet"}, intents)

	n, err := s.Clear(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	left, err := s.List(ctx, 1, domain.DialogFilter{})
	require.NoError(t, err)
	assert.Empty(t, left)
	other, err := s.List(ctx, 2, domain.DialogFilter{})
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mongo", "", zaptest.NewLogger(t))
	assert.Error(t, err)
}
