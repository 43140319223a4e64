package ethrpc

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTxHash = MustParseHash("0x00000000000000000000000000000000000000000000000000000000000000aa")

func TestPendingTx_confirmations(t *testing.T) {
	heads := []uint64{100, 101, 102}
	trans := &fakeTrans{handler: func(method string, params []json.RawMessage) (interface{}, error) {
		switch method {
		case "eth_getTransactionReceipt":
			return minedReceipt(decodeHashParam(params[0]), 100), nil
		case "eth_blockNumber":
			head := heads[0]
			heads = heads[1:]
			return HexUint64(head), nil
		}
		return nil, errors.Errorf("unexpected method %q", method)
	}}

	receipt, err := NewPendingTx(trans, testTxHash).
		Confirmations(3).
		Interval(time.Millisecond).
		Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, testTxHash, receipt.TransactionHash)
	assert.True(t, receipt.Succeeded())
	assert.Len(t, trans.callsTo("eth_getTransactionReceipt"), 3)
	assert.Len(t, trans.callsTo("eth_blockNumber"), 3)
}

func TestPendingTx_notMinedYet(t *testing.T) {
	receipts := []interface{}{
		nil,
		map[string]interface{}{"transactionHash": testTxHash, "blockNumber": nil},
		minedReceipt(testTxHash, 7),
	}
	trans := &fakeTrans{handler: func(method string, params []json.RawMessage) (interface{}, error) {
		if method != "eth_getTransactionReceipt" {
			return nil, errors.Errorf("unexpected method %q", method)
		}
		out := receipts[0]
		receipts = receipts[1:]
		return out, nil
	}}

	pending := NewPendingTx(trans, testTxHash).Interval(time.Millisecond)
	receipt, err := pending.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0x7", receipt.BlockNumber.String())
	assert.Len(t, trans.callsTo("eth_getTransactionReceipt"), 3)

	// A completed wait resolves again without polling.
	again, err := pending.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, receipt, again)
	assert.Len(t, trans.callsTo("eth_getTransactionReceipt"), 3)
}

func TestPendingTx_rpcError(t *testing.T) {
	trans := &fakeTrans{handler: func(method string, params []json.RawMessage) (interface{}, error) {
		switch method {
		case "eth_getTransactionReceipt":
			return minedReceipt(testTxHash, 10), nil
		case "eth_blockNumber":
			return nil, &RpcError{Code: -32000, Message: "header not found"}
		}
		return nil, errors.Errorf("unexpected method %q", method)
	}}

	pending := NewPendingTx(trans, testTxHash).Confirmations(2).Interval(time.Millisecond)
	_, err := pending.Wait(context.Background())
	rpcErr, ok := AsRpcError(err)
	require.True(t, ok, "%+v", err)
	assert.Equal(t, "header not found", rpcErr.Message)

	_, err = pending.Wait(context.Background())
	assert.Error(t, err)
	assert.Len(t, trans.callsTo("eth_getTransactionReceipt"), 1)
}

func TestPendingTx_deadline(t *testing.T) {
	trans := &fakeTrans{handler: func(string, []json.RawMessage) (interface{}, error) {
		return nil, nil
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := NewPendingTx(trans, testTxHash).Interval(5 * time.Millisecond).Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIsConfirmed(t *testing.T) {
	receipt := &TxReceipt{BlockNumber: (*HexInt)(big.NewInt(100))}

	cases := []struct {
		head          uint64
		confirmations uint64
		expected      bool
	}{
		{99, 1, false},
		{100, 1, true},
		{101, 1, true},
		{100, 3, false},
		{101, 3, false},
		{102, 3, true},
		{103, 3, true},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.expected, isConfirmed(receipt, tc.head, tc.confirmations),
			"head %d, confirmations %d", tc.head, tc.confirmations)
	}
}

func TestSendRawAndWait(t *testing.T) {
	raw := HexBytes(MustHexParse("0xf86b01"))
	hash := TxHash(raw)

	trans := &fakeTrans{handler: func(method string, params []json.RawMessage) (interface{}, error) {
		switch method {
		case "eth_sendRawTransaction":
			return hash, nil
		case "eth_getTransactionReceipt":
			return minedReceipt(decodeHashParam(params[0]), 5), nil
		case "eth_blockNumber":
			return HexUint64(6), nil
		}
		return nil, errors.Errorf("unexpected method %q", method)
	}}

	conf := testConfig(0)
	conf.PollInterval = Duration(time.Millisecond)

	receipt, err := SendRawAndWait(context.Background(), trans, raw, 2, conf)
	require.NoError(t, err)
	assert.Equal(t, hash, receipt.TransactionHash)

	sends := trans.callsTo("eth_sendRawTransaction")
	require.Len(t, sends, 1)
	assert.JSONEq(t, `"0xf86b01"`, string(sends[0].Params[0]))
}
