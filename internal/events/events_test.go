package events

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/agentlab/internal/domain"
	"go.uber.org/zap/zaptest"
)

func TestStatusEvent_EncodeDecode(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := &domain.Agent{ID: 3, Name: "shop", Status: domain.StatusTraining, Port: 5007, UpdatedAt: at}

	ev, err := Decode(FromAgent(a).Encode())
	require.NoError(t, err)
	assert.Equal(t, int64(3), ev.AgentID)
	assert.Equal(t, domain.StatusTraining, ev.Status)
	assert.Equal(t, 5007, ev.Port)
	assert.True(t, ev.At.Equal(at))

	_, err = Decode("3:true")
	assert.Error(t, err)
	_, err = Decode(`{"status":"ready"}`)
	assert.Error(t, err, "agent id is required")
}

func TestPublisher_NilClientIsNoop(t *testing.T) {
	p := NewPublisher(nil, zaptest.NewLogger(t))
	p.NotifyStatus(&domain.Agent{ID: 1, Status: domain.StatusReady})
	p.NotifyDeleted(1)
	assert.NoError(t, p.Warmup(context.Background(), []*domain.Agent{{ID: 1}}))

	var nilPub *Publisher
	nilPub.NotifyStatus(&domain.Agent{ID: 1})
}

func TestPublisher_UnreachableRedisDoesNotBlock(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()

	p := NewPublisher(rdb, zaptest.NewLogger(t))
	done := make(chan struct{})
	go func() {
		p.NotifyStatus(&domain.Agent{ID: 1, Status: domain.StatusReady})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on unreachable redis")
	}
}

func TestListen_StopsOnCancel(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Listen(ctx, rdb, zaptest.NewLogger(t), "test", nil, func(StatusEvent) {})
		close(done)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("listener did not stop")
	}
}
