package ethrpc

import (
	"encoding/json"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRequest(t *testing.T) {
	t.Run("without params", func(t *testing.T) {
		params, err := encodeParams("eth_blockNumber", nil)
		require.NoError(t, err)
		require.Nil(t, params)

		out, err := encodeRequest(1, "eth_blockNumber", params)
		require.NoError(t, err)
		assert.JSONEq(t, `{"jsonrpc":"2.0","method":"eth_blockNumber","id":1}`, string(out))
	})

	t.Run("with params", func(t *testing.T) {
		params, err := encodeParams("eth_getBalance", []interface{}{MustParseAddress("0x00000000000000000000000000000000000000ff"), BlockNumberLatest})
		require.NoError(t, err)

		out, err := encodeRequest(7, "eth_getBalance", params)
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"jsonrpc": "2.0",
			"method": "eth_getBalance",
			"params": ["0x00000000000000000000000000000000000000ff", "latest"],
			"id": 7
		}`, string(out))
	})

	t.Run("unencodable params", func(t *testing.T) {
		_, err := encodeParams("eth_call", []interface{}{make(chan int)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"eth_call"`)
	})
}

func TestEncodeBatch(t *testing.T) {
	out, err := encodeBatch([]rpcRequest{
		{Method: "eth_chainId", Id: 1},
		{Method: "eth_getBlockByNumber", Params: json.RawMessage(`["latest",false]`), Id: 2},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"jsonrpc":"2.0","method":"eth_chainId","id":1},
		{"jsonrpc":"2.0","method":"eth_getBlockByNumber","params":["latest",false],"id":2}
	]`, string(out))
}

func TestDecodeFrame(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		frame, err := decodeFrame([]byte(`{"jsonrpc":"2.0","id":3,"result":"0x10"}`))
		require.NoError(t, err)
		require.False(t, frame.Batch)
		require.Len(t, frame.Items, 1, spew.Sdump(frame))

		item := frame.Items[0]
		assert.False(t, item.Notification)
		assert.Equal(t, uint64(3), item.Id)
		assert.Equal(t, `"0x10"`, string(item.Result))
		assert.Nil(t, item.Error)
	})

	t.Run("null result", func(t *testing.T) {
		frame, err := decodeFrame([]byte(`{"jsonrpc":"2.0","id":4,"result":null}`))
		require.NoError(t, err)
		assert.Equal(t, `null`, string(frame.Items[0].Result))
	})

	t.Run("string id", func(t *testing.T) {
		frame, err := decodeFrame([]byte(`{"jsonrpc":"2.0","id":"12","result":true}`))
		require.NoError(t, err)
		assert.Equal(t, uint64(12), frame.Items[0].Id)
	})

	t.Run("error", func(t *testing.T) {
		frame, err := decodeFrame([]byte(`{"jsonrpc":"2.0","id":5,"error":{"code":-32000,"message":"nonce too low","data":"0xdead"}}`))
		require.NoError(t, err)

		item := frame.Items[0]
		require.NotNil(t, item.Error)
		assert.Equal(t, int64(-32000), item.Error.Code)
		assert.Equal(t, "nonce too low", item.Error.Message)
		assert.Equal(t, `"0xdead"`, string(item.Error.Data))
	})

	t.Run("error with null id", func(t *testing.T) {
		frame, err := decodeFrame([]byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse error"}}`))
		require.NoError(t, err)
		assert.Equal(t, uint64(0), frame.Items[0].Id)
		assert.NotNil(t, frame.Items[0].Error)
	})

	t.Run("notification", func(t *testing.T) {
		frame, err := decodeFrame([]byte(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0x0ABC","result":{"number":"0x1"}}}`))
		require.NoError(t, err)

		item := frame.Items[0]
		assert.True(t, item.Notification)
		assert.Equal(t, "0xabc", item.Sub)
		assert.JSONEq(t, `{"number":"0x1"}`, string(item.Payload))
	})

	t.Run("batch with a malformed element", func(t *testing.T) {
		frame, err := decodeFrame([]byte(`[
			{"jsonrpc":"2.0","id":1,"result":true},
			{"garbage":1},
			{"jsonrpc":"2.0","id":2,"result":false}
		]`))
		require.Error(t, err)
		assert.True(t, IsDecodeError(err))
		require.True(t, frame.Batch)
		require.Len(t, frame.Items, 2, spew.Sdump(frame))
		assert.Equal(t, uint64(1), frame.Items[0].Id)
		assert.Equal(t, uint64(2), frame.Items[1].Id)
	})

	invalid := map[string]string{
		"not json":                `{"jsonrpc":`,
		"empty":                   ``,
		"empty batch":             `[]`,
		"wrong version":           `{"jsonrpc":"1.0","id":1,"result":true}`,
		"missing version":         `{"id":1,"result":true}`,
		"no result or error":      `{"jsonrpc":"2.0","id":1}`,
		"success without id":      `{"jsonrpc":"2.0","id":null,"result":true}`,
		"server request":          `{"jsonrpc":"2.0","id":9,"method":"eth_sign","params":[]}`,
		"unknown notification":    `{"jsonrpc":"2.0","method":"eth_gossip","params":{"subscription":"0x1","result":1}}`,
		"notification without id": `{"jsonrpc":"2.0","method":"eth_subscription","params":{"result":1}}`,
		"negative id":             `{"jsonrpc":"2.0","id":-1,"result":true}`,
	}
	for name, input := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := decodeFrame([]byte(input))
			require.Error(t, err)
			assert.True(t, IsDecodeError(err), "%+v", err)
		})
	}
}

func TestSubscriptionKey(t *testing.T) {
	equivalent := []string{`"0xabc"`, `"0xABC"`, `"0x0abc"`, `"0X000ABC"`, `2748`}
	for _, input := range equivalent {
		key, err := subscriptionKey(json.RawMessage(input))
		require.NoError(t, err, input)
		assert.Equal(t, "0xabc", key, input)
	}

	// Non-hex ids are used verbatim, modulo case.
	key, err := subscriptionKey(json.RawMessage(`"Sub-1"`))
	require.NoError(t, err)
	assert.Equal(t, "sub-1", key)

	for _, input := range []string{`null`, `""`, `-5`, `1.5`} {
		_, err := subscriptionKey(json.RawMessage(input))
		assert.Error(t, err, input)
	}
}

func BenchmarkDecodeFrame(b *testing.B) {
	input := []byte(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0x9cef478923ff08bf67fde6c64013158d","result":{"number":"0x1b4","hash":"0xdc0818cf78f21a8e70579cb46a43643f78291264dda342ae31049421c82d21ae"}}}`)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, err := decodeFrame(input)
		if err != nil {
			b.Fatalf("%+v", err)
		}
	}
}
