package ethrpc

import (
	"context"
	"encoding/json"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Yields the given hashes, then "err" or io.EOF.
type hashSource struct {
	hashes []Hash
	err    error
}

func (self *hashSource) Next(_ context.Context, out interface{}) error {
	if len(self.hashes) == 0 {
		if self.err != nil {
			return self.err
		}
		return io.EOF
	}
	*out.(*Hash) = self.hashes[0]
	self.hashes = self.hashes[1:]
	return nil
}

func testHashes(count int) []Hash {
	out := make([]Hash, count)
	for i := range out {
		out[i][31] = byte(i + 1)
	}
	return out
}

// Answers "eth_getTransactionByHash" after "release" is closed, tracking the
// highest number of lookups seen at once.
type gateTrans struct {
	release chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
}

func (self *gateTrans) Call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	if method != "eth_getTransactionByHash" {
		return errors.Errorf("unexpected method %q", method)
	}

	active := self.active.Add(1)
	defer self.active.Add(-1)
	for {
		peak := self.peak.Load()
		if active <= peak || self.peak.CompareAndSwap(peak, active) {
			break
		}
	}

	select {
	case <-self.release:
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}

	input, err := json.Marshal(map[string]interface{}{"hash": params[0]})
	if err != nil {
		return errors.WithStack(err)
	}
	return json.Unmarshal(input, out)
}

func collectTxs(out <-chan TxResult) map[Hash]TxResult {
	results := map[Hash]TxResult{}
	for res := range out {
		results[res.Hash] = res
	}
	return results
}

func TestStreamTxs(t *testing.T) {
	hashes := testHashes(3)
	missing := hashes[1]

	trans := &fakeTrans{handler: func(method string, params []json.RawMessage) (interface{}, error) {
		if method != "eth_getTransactionByHash" {
			return nil, errors.Errorf("unexpected method %q", method)
		}
		hash := decodeHashParam(params[0])
		if hash == missing {
			return nil, nil
		}
		return map[string]interface{}{"hash": hash, "nonce": "0x7"}, nil
	}}

	out := make(chan TxResult)
	done := make(chan error, 1)
	go func() { done <- StreamTxs(context.Background(), trans, &hashSource{hashes: hashes}, 2, out) }()

	results := collectTxs(out)
	require.NoError(t, <-done)
	require.Len(t, results, 3)

	for _, hash := range []Hash{hashes[0], hashes[2]} {
		res := results[hash]
		require.NoError(t, res.Err)
		require.NotNil(t, res.Tx)
		assert.Equal(t, hash, res.Tx.Hash)
		assert.Equal(t, "0x7", res.Tx.Nonce.String())
	}

	assert.Nil(t, results[missing].Tx)
	assert.ErrorIs(t, results[missing].Err, ErrTxNotFound)
	assert.Len(t, trans.callsTo("eth_getTransactionByHash"), 3)
}

func TestStreamTxs_lookupFailure(t *testing.T) {
	hashes := testHashes(2)
	trans := &fakeTrans{handler: func(method string, params []json.RawMessage) (interface{}, error) {
		hash := decodeHashParam(params[0])
		if hash == hashes[0] {
			return nil, &RpcError{Code: -32000, Message: "unavailable"}
		}
		return map[string]interface{}{"hash": hash}, nil
	}}

	out := make(chan TxResult, len(hashes))
	require.NoError(t, StreamTxs(context.Background(), trans, &hashSource{hashes: hashes}, 1, out))

	results := collectTxs(out)
	_, ok := AsRpcError(results[hashes[0]].Err)
	assert.True(t, ok, "%+v", results[hashes[0]].Err)
	assert.NotNil(t, results[hashes[1]].Tx)
}

func TestStreamTxs_sourceFailure(t *testing.T) {
	trans := &fakeTrans{handler: func(method string, params []json.RawMessage) (interface{}, error) {
		return map[string]interface{}{"hash": decodeHashParam(params[0])}, nil
	}}
	source := &hashSource{hashes: testHashes(1), err: errors.New("source broke")}

	out := make(chan TxResult, 1)
	err := StreamTxs(context.Background(), trans, source, 1, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source broke")

	// The lookup started before the failure still completes.
	results := collectTxs(out)
	assert.Len(t, results, 1)
}

func TestStreamTxs_boundedConcurrency(t *testing.T) {
	const limit = 3
	trans := &gateTrans{release: make(chan struct{})}

	out := make(chan TxResult)
	done := make(chan error, 1)
	go func() { done <- StreamTxs(context.Background(), trans, &hashSource{hashes: testHashes(10)}, limit, out) }()

	require.Eventually(t, func() bool { return trans.active.Load() == limit }, testTimeout, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(limit), trans.active.Load())

	close(trans.release)
	results := collectTxs(out)
	require.NoError(t, <-done)

	assert.Len(t, results, 10)
	assert.Equal(t, int32(limit), trans.peak.Load())
}

func TestStreamTxs_canceled(t *testing.T) {
	trans := &gateTrans{release: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())

	out := make(chan TxResult)
	done := make(chan error, 1)
	go func() { done <- StreamTxs(ctx, trans, &hashSource{hashes: testHashes(5)}, 2, out) }()

	require.Eventually(t, func() bool { return trans.active.Load() == 2 }, testTimeout, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err, "the source never saw the cancellation")
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for the stream to end")
	}

	_, open := <-out
	assert.False(t, open)
}

func TestStreamPendingTxs_filter(t *testing.T) {
	hashes := testHashes(2)
	polled := false

	trans := &fakeTrans{handler: func(method string, params []json.RawMessage) (interface{}, error) {
		switch method {
		case "eth_newPendingTransactionFilter":
			return "0x1", nil
		case "eth_getFilterChanges":
			if polled {
				return []Hash{}, nil
			}
			polled = true
			return hashes, nil
		case "eth_getTransactionByHash":
			return map[string]interface{}{"hash": decodeHashParam(params[0])}, nil
		case "eth_uninstallFilter":
			return true, nil
		}
		return nil, errors.Errorf("unexpected method %q", method)
	}}

	conf := testConfig(0)
	conf.PollInterval = Duration(time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan TxResult)
	done := make(chan error, 1)
	go func() { done <- StreamPendingTxs(ctx, trans, 0, conf, out) }()

	seen := map[Hash]bool{}
	for len(seen) < len(hashes) {
		select {
		case res := <-out:
			require.NoError(t, res.Err)
			seen[res.Tx.Hash] = true
		case <-time.After(testTimeout):
			t.Fatal("timed out waiting for transactions")
		}
	}
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, seen[hashes[0]] && seen[hashes[1]])

	uninstalls := trans.callsTo("eth_uninstallFilter")
	require.Len(t, uninstalls, 1)
	assert.JSONEq(t, `"0x1"`, string(uninstalls[0].Params[0]))
}
