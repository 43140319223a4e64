package ethrpc

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextInbound(t *testing.T, actor *connActor) (rpcFrame, bool) {
	t.Helper()
	select {
	case frame, ok := <-actor.inbound:
		return frame, ok
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for an inbound frame")
		return rpcFrame{}, false
	}
}

func TestConnActor_preservesOrder(t *testing.T) {
	conn := newScriptConn()
	actor := startConnActor(conn, 0, zerolog.Nop(), nil)
	defer actor.stop()

	for id := 1; id <= 5; id++ {
		conn.push(responseFrame(t, uint64(id), id))
	}
	for id := 1; id <= 5; id++ {
		frame, ok := nextInbound(t, actor)
		require.True(t, ok)
		assert.Equal(t, uint64(id), frame.Items[0].Id)
	}
}

func TestConnActor_writes(t *testing.T) {
	conn := newScriptConn()
	actor := startConnActor(conn, 0, zerolog.Nop(), nil)
	defer actor.stop()

	require.True(t, actor.send([]byte(`{"one":1}`), nil))
	require.True(t, actor.send([]byte(`{"two":2}`), nil))
	assert.Equal(t, `{"one":1}`, string(conn.nextFrame(t)))
	assert.Equal(t, `{"two":2}`, string(conn.nextFrame(t)))
}

func TestConnActor_dropsMalformedFrames(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	conn := newScriptConn()
	actor := startConnActor(conn, 0, zerolog.Nop(), metrics)
	defer actor.stop()

	conn.push(`definitely not json`)
	conn.push(`{"jsonrpc":"1.0","id":1,"result":true}`)
	conn.push(responseFrame(t, 2, true))

	frame, ok := nextInbound(t, actor)
	require.True(t, ok)
	assert.Equal(t, uint64(2), frame.Items[0].Id)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.malformed))
}

func TestConnActor_readFailure(t *testing.T) {
	conn := newScriptConn()
	actor := startConnActor(conn, 0, zerolog.Nop(), nil)

	conn.push(responseFrame(t, 1, true))
	require.Eventually(t, func() bool { return len(conn.in) == 0 }, testTimeout, time.Millisecond)
	conn.kill(errors.New("connection reset by peer"))

	// Frames decoded before the failure are still delivered.
	frame, ok := nextInbound(t, actor)
	require.True(t, ok)
	assert.Equal(t, uint64(1), frame.Items[0].Id)

	_, ok = nextInbound(t, actor)
	require.False(t, ok)

	err := actor.failure()
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.Contains(t, err.Error(), "connection reset by peer")

	assert.False(t, actor.send([]byte(`{}`), nil))
	<-conn.closed
}

func TestConnActor_writeFailure(t *testing.T) {
	conn := newScriptConn()
	actor := startConnActor(conn, 0, zerolog.Nop(), nil)

	conn.Close()
	actor.send([]byte(`{}`), nil)

	_, ok := nextInbound(t, actor)
	require.False(t, ok)
	assert.True(t, IsTransportError(actor.failure()))
}

func TestConnActor_stop(t *testing.T) {
	conn := newScriptConn()
	actor := startConnActor(conn, 0, zerolog.Nop(), nil)

	actor.stop()
	actor.stop()

	_, ok := nextInbound(t, actor)
	require.False(t, ok)
	assert.NoError(t, actor.failure())
	<-conn.closed
}

func TestConnActor_stalledWrite(t *testing.T) {
	t.Run("fails after a keepalive window", func(t *testing.T) {
		conn := newStallConn()
		actor := startConnActor(conn, 20*time.Millisecond, zerolog.Nop(), nil)

		require.True(t, actor.send([]byte(`{}`), nil))
		_, ok := nextInbound(t, actor)
		require.False(t, ok)

		err := actor.failure()
		require.Error(t, err)
		assert.True(t, IsTransportError(err))
		assert.Contains(t, err.Error(), "write stalled")
		<-conn.closed
	})

	t.Run("stop unblocks the write", func(t *testing.T) {
		conn := newStallConn()
		actor := startConnActor(conn, 0, zerolog.Nop(), nil)

		require.True(t, actor.send([]byte(`{}`), nil))
		require.Eventually(t, func() bool { return conn.writes.Load() == 1 }, testTimeout, time.Millisecond)

		actor.stop()
		_, ok := nextInbound(t, actor)
		require.False(t, ok)
		assert.NoError(t, actor.failure())
		assert.False(t, actor.send([]byte(`{}`), nil))
	})

	t.Run("send gives up on abort", func(t *testing.T) {
		conn := newStallConn()
		actor := startConnActor(conn, 0, zerolog.Nop(), nil)
		defer actor.stop()

		for i := 0; i <= outboundQueueSize; i++ {
			require.True(t, actor.send([]byte(`{}`), nil))
		}
		require.Eventually(t, func() bool { return len(actor.outbound) == outboundQueueSize }, testTimeout, time.Millisecond)

		abort := make(chan struct{})
		close(abort)
		assert.False(t, actor.send([]byte(`{}`), abort))
	})
}

// scriptConn with keepalive support. Answers pings only when "answer" is set.
type pingConn struct {
	*scriptConn
	answer bool
	pings  atomic.Int32
	pongs  chan struct{}
}

func newPingConn(answer bool) *pingConn {
	return &pingConn{scriptConn: newScriptConn(), answer: answer, pongs: make(chan struct{}, 1)}
}

func (self *pingConn) WritePing() error {
	self.pings.Add(1)
	if self.answer {
		select {
		case self.pongs <- struct{}{}:
		default:
		}
	}
	return nil
}

func (self *pingConn) Pongs() <-chan struct{} { return self.pongs }

func TestConnActor_keepalive(t *testing.T) {
	t.Run("missing pong is fatal", func(t *testing.T) {
		conn := newPingConn(false)
		actor := startConnActor(conn, 10*time.Millisecond, zerolog.Nop(), nil)

		_, ok := nextInbound(t, actor)
		require.False(t, ok)

		err := actor.failure()
		require.Error(t, err)
		assert.True(t, IsTransportError(err))
		assert.Contains(t, err.Error(), "no pong")
		assert.Equal(t, int32(1), conn.pings.Load())
	})

	t.Run("answered pings keep the connection", func(t *testing.T) {
		conn := newPingConn(true)
		actor := startConnActor(conn, 10*time.Millisecond, zerolog.Nop(), nil)
		defer actor.stop()

		time.Sleep(100 * time.Millisecond)
		require.Greater(t, conn.pings.Load(), int32(1))

		conn.push(responseFrame(t, 1, true))
		frame, ok := nextInbound(t, actor)
		require.True(t, ok)
		assert.Equal(t, uint64(1), frame.Items[0].Id)
	})
}
