/*
Library for talking to Ethereum nodes over JSON-RPC from within a Go program.
Compatible with go-ethereum, Erigon, Nethermind, and other nodes implementing
the standard "eth_" namespace.

Features:

	* one multiplexed connection shared by any number of concurrent calls

	* live subscriptions that survive reconnects

	* websocket, IPC and HTTP transports

	* batch calls

	* strongly-typed RPC methods and Ethereum types with hex encoding

	* pending transactions that wait for N confirmations

	* gas price escalation for stuck transactions

	* full pending transactions streamed from hash feeds

	* backoff for rate-limited providers

	* optional Prometheus metrics and a CLI tool, "eth_rpc"

Types

Interacting with Ethereum over RPC involves transmitting raw bytes, addresses,
hashes, and numbers in a hex-encoded format prefixed with "0x". This package
provides aliases for regular Go types such as []byte, [32]byte, *big.Int,
uint64, specialized for hex encoding and decoding. It also includes types
for various RPC methods.

To avoid potential gotchas, all byte array types such as Address, Hash, and Word
have a special rule: a zero-initialized array is JSON-encoded as "null", not as
"0x0000000000000.....". For consistency, this rule also affects MarshalText,
where an empty array encodes as "". However, the .String() method is unaffected.

RPC

Connect to an Ethereum node:

	trans, err := ethrpc.Dial(ctx, "wss://some-host:8546", ethrpc.DefaultConfig())

The transport is chosen by URL: "ws://" and "wss://" dial a websocket,
"ipc://" or a bare path dial a unix socket, "http://" and "https://" use plain
HTTP requests. Websocket and IPC transports return a *Client, which supports
subscriptions and should be closed when no longer needed.

Call RPC methods:

	head, err := ethrpc.EthBlockNumber(ctx, trans)

For methods without a typed wrapper, use "Trans.Call" directly:

	var out ethrpc.HexInt
	err := trans.Call(ctx, &out, "eth_getBalance", addr, ethrpc.BlockNumberLatest)

Errors

Calls fail with one of:

	* a transport error (see "IsTransportError") when the connection failed

	* an *RpcError when the node answered with a JSON-RPC error

	* a *DecodeError when the result didn't match the expected shape

	* an error wrapping ErrManagerShutDown once the client has shut down

Errors are wrapped with "github.com/pkg/errors"; use "errors.Is" and
"errors.As", or the helpers in this package, to inspect them.

Reconnects

A *Client reconnects automatically, up to "Config.Reconnects" attempts over
its lifetime, "Config.ReconnectDelay" apart. Calls in flight when the
connection drops fail with an error wrapping ErrConnectionDropped; the caller
decides whether to retry. Subscriptions are re-established on the new
connection and their streams continue without interruption, although
notifications sent while disconnected are lost. Once the budget runs out, the
client shuts down.

Subscriptions

	stream, err := client.Subscribe(ctx, "newHeads")
	defer stream.Close()

	for {
		var head ethrpc.BlockHead
		err := stream.Next(ctx, &head)
		if errors.Is(err, io.EOF) {
			break
		}
	}

Or use "SubscribeToBlockHeads", "SubscribeToLogs" and "SubscribeToPendingTxs",
which forward decoded values to a channel. Over HTTP, use "WatchLogs",
"WatchBlocks" and "WatchPendingTxs", which poll an installed filter.

Subscriptions and filters for pending transactions yield only hashes.
"StreamTxs" looks each one up, a few at a time, and forwards the full
transactions; "StreamPendingTxs" picks a subscription or a filter for you.

Rate limits

Hosted providers reject bursts of requests. Wrap the transport to back off
and try again:

	trans = ethrpc.NewRetryTrans(trans, conf)

Only rate-limit errors and timeouts are repeated; see "IsRateLimited".

Confirmations

	receipt, err := ethrpc.NewPendingTx(trans, hash).Confirmations(6).Wait(ctx)

"Wait" polls for the receipt, then for the chain head, until the transaction
is buried deep enough. Poll every few seconds for remote nodes; for a local dev
node, see "PollIntervalFor".

Escalation

A transaction priced too low can sit in the pool for a long time. Sign several
variants with the same nonce and increasing gas prices, for example with
"SignEscalations", and let "SendEscalating" broadcast them one by one until any
of them is mined:

	variants, err := ethrpc.SignEscalations(ctx, trans, signer, msg, 5, ethrpc.GeometricEscalation(1.125, nil))
	receipt, err := ethrpc.SendEscalating(ctx, trans, variants, conf)

Cancelation

All network operations accept a context.Context as the first argument. Use
it for cancelation:

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	head, err := ethrpc.EthBlockNumber(ctx, trans)

Canceling a call only stops waiting for it; the request already sent is not
recalled. Canceling a pending subscribe also unsubscribes once the node
confirms the subscription.

TODO

Notifications sent while reconnecting are lost; consider backfilling "logs"
subscriptions with "eth_getLogs" from the last seen block.
*/
package ethrpc
