package ethrpc

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

type testRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

/*
In-memory FrameConn driven by the test: frames pushed with "push" are read by
the client, frames written by the client are collected with "next".
*/
type scriptConn struct {
	in       chan []byte
	out      chan []byte
	fail     chan error
	closed   chan struct{}
	closeOne sync.Once
}

func newScriptConn() *scriptConn {
	return &scriptConn{
		in:     make(chan []byte, 256),
		out:    make(chan []byte, 256),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (self *scriptConn) ReadFrame() ([]byte, error) {
	select {
	case frame := <-self.in:
		return frame, nil
	case err := <-self.fail:
		return nil, err
	case <-self.closed:
		return nil, io.EOF
	}
}

func (self *scriptConn) WriteFrame(frame []byte) error {
	select {
	case <-self.closed:
		return io.ErrClosedPipe
	default:
	}
	self.out <- frame
	return nil
}

func (self *scriptConn) Close() error {
	self.closeOne.Do(func() { close(self.closed) })
	return nil
}

func (self *scriptConn) push(frame string) { self.in <- []byte(frame) }

func (self *scriptConn) kill(err error) { self.fail <- err }

func (self *scriptConn) nextFrame(t *testing.T) []byte {
	t.Helper()
	select {
	case frame := <-self.out:
		return frame
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for an outbound frame")
		return nil
	}
}

func (self *scriptConn) next(t *testing.T) testRequest {
	t.Helper()
	frame := self.nextFrame(t)
	var req testRequest
	require.NoError(t, json.Unmarshal(frame, &req), string(frame))
	require.Equal(t, "2.0", req.Jsonrpc)
	return req
}

func (self *scriptConn) nextBatch(t *testing.T) []testRequest {
	t.Helper()
	frame := self.nextFrame(t)
	var reqs []testRequest
	require.NoError(t, json.Unmarshal(frame, &reqs), string(frame))
	return reqs
}

// Fails if the client writes anything within a short window.
func (self *scriptConn) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case frame := <-self.out:
		t.Fatalf("unexpected outbound frame %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func (self *scriptConn) reply(t *testing.T, id uint64, result interface{}) {
	t.Helper()
	self.push(responseFrame(t, id, result))
}

func (self *scriptConn) replyError(id uint64, code int64, message string) {
	self.push(errorFrame(id, code, message))
}

func (self *scriptConn) notify(t *testing.T, sub string, payload interface{}) {
	t.Helper()
	self.push(notificationFrame(t, sub, payload))
}

func responseFrame(t *testing.T, id uint64, result interface{}) string {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	return `{"jsonrpc":"2.0","id":` + jsonString(t, id) + `,"result":` + string(raw) + `}`
}

func errorFrame(id uint64, code int64, message string) string {
	out, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]interface{}{"code": code, "message": message},
	})
	return string(out)
}

func notificationFrame(t *testing.T, sub string, payload interface{}) string {
	t.Helper()
	return `{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":` +
		jsonString(t, sub) + `,"result":` + jsonString(t, payload) + `}}`
}

func jsonString(t *testing.T, val interface{}) string {
	t.Helper()
	out, err := json.Marshal(val)
	require.NoError(t, err)
	return string(out)
}

// Hands out queued connections in order, then refuses.
type scriptDialer struct {
	conns    chan *scriptConn
	attempts atomic.Int32
}

func newScriptDialer(conns ...*scriptConn) *scriptDialer {
	self := &scriptDialer{conns: make(chan *scriptConn, len(conns)+1)}
	for _, conn := range conns {
		self.conns <- conn
	}
	return self
}

func (self *scriptDialer) connect(ctx context.Context) (FrameConn, error) {
	self.attempts.Add(1)
	select {
	case conn := <-self.conns:
		return conn, nil
	default:
		return nil, errors.New("connection refused")
	}
}

func testConfig(reconnects int) Config {
	conf := DefaultConfig()
	conf.Reconnects = reconnects
	conf.ReconnectDelay = Duration(time.Millisecond)
	return conf
}

/*
Starts a client over "first". Reconnect attempts dial "later" in order. The
client is closed when the test ends.
*/
func newScriptClient(t *testing.T, conf Config, first *scriptConn, later ...*scriptConn) (*Client, *scriptDialer) {
	t.Helper()
	dialer := newScriptDialer(append([]*scriptConn{first}, later...)...)
	client, err := NewClient(context.Background(), dialer.connect, conf)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, dialer
}

/*
Trans stub answering calls with "handler", whose result is JSON round-tripped
into the caller's output like a real transport would. Calls are serialized
and recorded.
*/
type fakeTrans struct {
	lock    sync.Mutex
	calls   []fakeCall
	handler func(method string, params []json.RawMessage) (interface{}, error)
}

type fakeCall struct {
	Method string
	Params []json.RawMessage
}

func (self *fakeTrans) Call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	raw := make([]json.RawMessage, len(params))
	for i, param := range params {
		input, err := json.Marshal(param)
		if err != nil {
			return errors.WithStack(err)
		}
		raw[i] = input
	}

	err := ctx.Err()
	if err != nil {
		return errors.WithStack(err)
	}

	self.lock.Lock()
	self.calls = append(self.calls, fakeCall{Method: method, Params: raw})
	result, err := self.handler(method, raw)
	self.lock.Unlock()

	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	input, err := json.Marshal(result)
	if err != nil {
		return errors.WithStack(err)
	}
	return decodeError(input, json.Unmarshal(input, out))
}

func (self *fakeTrans) callsTo(method string) []fakeCall {
	self.lock.Lock()
	defer self.lock.Unlock()

	var out []fakeCall
	for _, call := range self.calls {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

// Handlers may run outside the test goroutine, so this can't use "require".
func decodeHashParam(raw json.RawMessage) Hash {
	var out Hash
	_ = json.Unmarshal(raw, &out)
	return out
}

func minedReceipt(hash Hash, block uint64) map[string]interface{} {
	return map[string]interface{}{
		"transactionHash": hash,
		"blockNumber":     HexUint64(block),
		"status":          "0x1",
	}
}

// FrameConn whose peer never reads nor writes: both directions block until
// "Close".
type stallConn struct {
	closed   chan struct{}
	closeOne sync.Once
	writes   atomic.Int32
}

func newStallConn() *stallConn { return &stallConn{closed: make(chan struct{})} }

func (self *stallConn) ReadFrame() ([]byte, error) {
	<-self.closed
	return nil, io.EOF
}

func (self *stallConn) WriteFrame([]byte) error {
	self.writes.Add(1)
	<-self.closed
	return io.ErrClosedPipe
}

func (self *stallConn) Close() error {
	self.closeOne.Do(func() { close(self.closed) })
	return nil
}
