package agentclient

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParsers(t *testing.T) {
	t.Run("lsof", func(t *testing.T) {
		assert.Equal(t, []int{1234, 5678}, parseLsof("5678\n1234\n1234\n", 5005))
		assert.Nil(t, parseLsof("", 5005))
	})

	t.Run("ss", func(t *testing.T) {
		out := `LISTEN 0 128 0.0.0.0:5005 0.0.0.0:* users:(("rasa",pid=1234,fd=12),("rasa",pid=1240,fd=12))
LISTEN 0 128 0.0.0.0:50050 0.0.0.0:* users:(("other",pid=999,fd=3))`
		assert.Equal(t, []int{1234, 1240}, parseSS(out, 5005))
	})

	t.Run("fuser", func(t *testing.T) {
		assert.Equal(t, []int{1234, 5678}, parseFuser("5005/tcp:            1234  5678", 5005))
		assert.Nil(t, parseFuser("", 5005))
	})

	t.Run("netstat", func(t *testing.T) {
		out := `
Active Connections

  Proto  Local Address          Foreign Address        State           PID
  TCP    0.0.0.0:5005           0.0.0.0:0              LISTENING       4321
  TCP    127.0.0.1:5005         127.0.0.1:60000        ESTABLISHED     4321
  TCP    0.0.0.0:50050          0.0.0.0:0              LISTENING       99`
		assert.Equal(t, []int{4321}, parseNetstat(out, 5005))
	})

	t.Run("proc net tcp", func(t *testing.T) {
		out := `  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   0: 00000000:138D 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 424242 1 0000000000000000 100 0 0 10 0
   1: 0100007F:138D 0100007F:C350 01 00000000:00000000 00:00000000 00000000  1000        0 777 1 0000000000000000 20 4 30 10 -1`
		assert.Equal(t, []string{"424242"}, parseProcNetTCP(out, 5005))
	})
}

func TestChainLocator(t *testing.T) {
	broken := Strategy{Name: "broken", Find: func(context.Context, int) ([]int, error) {
		return nil, errors.New("tool missing")
	}}
	empty := Strategy{Name: "empty", Find: func(context.Context, int) ([]int, error) { return nil, nil }}
	found := Strategy{Name: "found", Find: func(context.Context, int) ([]int, error) { return []int{7}, nil }}

	pids, err := NewChainLocator(zaptest.NewLogger(t), broken, empty, found).FindPIDs(context.Background(), 5005)
	require.NoError(t, err)
	assert.Equal(t, []int{7}, pids)

	pids, err = NewChainLocator(zaptest.NewLogger(t), empty).FindPIDs(context.Background(), 5005)
	require.NoError(t, err)
	assert.Empty(t, pids)

	_, err = NewChainLocator(zaptest.NewLogger(t), broken).FindPIDs(context.Background(), 5005)
	assert.Error(t, err)
}
