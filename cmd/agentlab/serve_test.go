package main

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenAll(t *testing.T) {
	t.Run("all addresses bound", func(t *testing.T) {
		lis, err := listenAll("127.0.0.1:0", "127.0.0.1:0")
		require.NoError(t, err)
		require.Len(t, lis, 2)
		for _, l := range lis {
			require.NoError(t, l.Close())
		}
	})

	t.Run("busy address releases the rest", func(t *testing.T) {
		busy, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer busy.Close()

		spare, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		free := spare.Addr().String()
		require.NoError(t, spare.Close())

		_, err = listenAll(free, busy.Addr().String())
		require.Error(t, err)
		assert.Contains(t, err.Error(), busy.Addr().String())

		again, err := net.Listen("tcp", free)
		require.NoError(t, err, "listener opened before the failure must be closed")
		require.NoError(t, again.Close())
	})
}
