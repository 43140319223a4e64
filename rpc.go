package ethrpc

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"

	"github.com/pkg/errors"
)

// Strongly-typed version of the "eth_chainId" RPC method.
func EthChainId(ctx context.Context, trans Trans) (*big.Int, error) {
	var out HexInt
	err := trans.Call(ctx, &out, "eth_chainId")
	return (*big.Int)(&out), errors.Wrap(err, `error in "eth_chainId"`)
}

// Strongly-typed version of the "eth_getBalance" RPC method, at the latest
// block.
func EthGetBalance(ctx context.Context, trans Trans, addr Address) (*big.Int, error) {
	var out HexInt
	err := trans.Call(ctx, &out, "eth_getBalance", addr, BlockNumberLatest)
	return (*big.Int)(&out), errors.Wrap(err, `error in "eth_getBalance"`)
}

// Strongly-typed version of the "eth_gasPrice" RPC method.
func EthGasPrice(ctx context.Context, trans Trans) (*big.Int, error) {
	var out HexInt
	err := trans.Call(ctx, &out, "eth_gasPrice")
	return (*big.Int)(&out), errors.Wrap(err, `error in "eth_gasPrice"`)
}

/*
Strongly-typed version of the "eth_getTransactionCount" RPC method, counting
pending transactions. The result is the next usable nonce for the address.
*/
func EthGetTxCount(ctx context.Context, trans Trans, addr Address) (uint64, error) {
	var out HexUint64
	err := trans.Call(ctx, &out, "eth_getTransactionCount", addr, BlockNumberPending)
	return uint64(out), errors.Wrap(err, `error in "eth_getTransactionCount"`)
}

/*
Strongly-typed version of the "eth_estimateGas" RPC method.

Note that estimating gas is a somewhat slow operation; the remote node will
attempt to execute the transaction against the current block, running EVM code
if required. This can easily take tens of milliseconds, or more.
*/
func EthEstimateGas(ctx context.Context, trans Trans, msg TxMsg) (*big.Int, error) {
	var out HexInt
	err := trans.Call(ctx, &out, "eth_estimateGas", msg)
	return (*big.Int)(&out), errors.Wrap(err, `error in "eth_estimateGas"`)
}

// Strongly-typed version of the "eth_blockNumber" RPC method.
func EthBlockNumber(ctx context.Context, trans Trans) (uint64, error) {
	var out HexUint64
	err := trans.Call(ctx, &out, "eth_blockNumber")
	return uint64(out), errors.Wrap(err, `error in "eth_blockNumber"`)
}

// Strongly-typed version of the "eth_getBlockByHash" RPC method.
func EthGetBlockByHash(ctx context.Context, trans Trans, hash Hash) (BlockHead, error) {
	var out BlockHead
	err := trans.Call(ctx, &out, "eth_getBlockByHash", hash, false)
	return out, errors.Wrap(err, `error in "eth_getBlockByHash"`)
}

/*
Variant of "EthGetBlockByHash" with deduplication and caching. For any given
hash, the corresponding block is fetched no more than once, and cached for the
lifetime of the map. Concurrent lookups of the same hash wait for one request.

Only implemented for hashes: the "hash -> block" association is immutable,
while "number -> block" changes when the chain reorganizes.
*/
func EthGetBlockByHashCached(ctx context.Context, trans Trans, cache *sync.Map, hash Hash) (BlockHead, error) {
	val, _ := cache.LoadOrStore(hash, &blockHeadCacheEntry{})
	entry := val.(*blockHeadCacheEntry)

	entry.lock.Lock()
	defer entry.lock.Unlock()

	if entry.valid {
		return entry.head, nil
	}

	head, err := EthGetBlockByHash(ctx, trans, hash)
	if err != nil {
		return head, err
	}

	entry.head = head
	entry.valid = true
	return head, nil
}

type blockHeadCacheEntry struct {
	lock  sync.Mutex
	head  BlockHead
	valid bool
}

/*
Strongly-typed version of the "eth_getBlockByNumber" RPC method. The input must
be a number or one of the magic strings; see the "BlockNumber" constants.
*/
func EthGetBlockByNumber(ctx context.Context, trans Trans, num BlockNumber) (BlockHead, error) {
	var out BlockHead
	number, err := toBlockNumber(num)
	if err != nil {
		return out, err
	}
	err = trans.Call(ctx, &out, "eth_getBlockByNumber", number, false)
	return out, errors.Wrap(err, `error in "eth_getBlockByNumber"`)
}

// Strongly-typed version of the "eth_getTransactionByHash" RPC method.
func EthGetTxByHash(ctx context.Context, trans Trans, hash Hash) (Transaction, error) {
	var out Transaction
	err := trans.Call(ctx, &out, "eth_getTransactionByHash", hash)
	return out, errors.Wrap(err, `error in "eth_getTransactionByHash"`)
}

/*
Strongly-typed version of the "eth_getTransactionReceipt" RPC method. Returns
nil without an error when the node has no receipt yet.
*/
func EthGetTxReceipt(ctx context.Context, trans Trans, hash Hash) (*TxReceipt, error) {
	var out *TxReceipt
	err := trans.Call(ctx, &out, "eth_getTransactionReceipt", hash)
	if err != nil {
		return nil, errors.Wrap(err, `error in "eth_getTransactionReceipt"`)
	}
	return out, nil
}

// Strongly-typed version of the "eth_sendRawTransaction" RPC method.
func EthSendRawTx(ctx context.Context, trans Trans, raw HexBytes) (Hash, error) {
	var out Hash
	err := trans.Call(ctx, &out, "eth_sendRawTransaction", raw)
	return out, errors.Wrap(err, `error in "eth_sendRawTransaction"`)
}

// Strongly-typed version of the "eth_getLogs" RPC method.
func EthGetLogs(ctx context.Context, trans Trans, filter LogFilter) ([]LogEntry, error) {
	filter, err := filter.wire()
	if err != nil {
		return nil, err
	}
	var out []LogEntry
	err = trans.Call(ctx, &out, "eth_getLogs", filter)
	return out, errors.Wrap(err, `error in "eth_getLogs"`)
}

// Strongly-typed version of the "eth_newFilter" RPC method. Returns the filter
// id for "FilterWatcher".
func EthNewFilter(ctx context.Context, trans Trans, filter LogFilter) (string, error) {
	filter, err := filter.wire()
	if err != nil {
		return "", err
	}
	var out string
	err = trans.Call(ctx, &out, "eth_newFilter", filter)
	return out, errors.Wrap(err, `error in "eth_newFilter"`)
}

// Strongly-typed version of the "eth_newBlockFilter" RPC method.
func EthNewBlockFilter(ctx context.Context, trans Trans) (string, error) {
	var out string
	err := trans.Call(ctx, &out, "eth_newBlockFilter")
	return out, errors.Wrap(err, `error in "eth_newBlockFilter"`)
}

// Strongly-typed version of the "eth_newPendingTransactionFilter" RPC method.
func EthNewPendingTxFilter(ctx context.Context, trans Trans) (string, error) {
	var out string
	err := trans.Call(ctx, &out, "eth_newPendingTransactionFilter")
	return out, errors.Wrap(err, `error in "eth_newPendingTransactionFilter"`)
}

// Strongly-typed version of the "eth_getFilterChanges" RPC method. Items are
// log entries or hashes depending on the filter kind.
func EthGetFilterChanges(ctx context.Context, trans Trans, id string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	err := trans.Call(ctx, &out, "eth_getFilterChanges", id)
	return out, errors.Wrap(err, `error in "eth_getFilterChanges"`)
}

// Strongly-typed version of the "eth_uninstallFilter" RPC method.
func EthUninstallFilter(ctx context.Context, trans Trans, id string) (bool, error) {
	var out bool
	err := trans.Call(ctx, &out, "eth_uninstallFilter", id)
	return out, errors.Wrap(err, `error in "eth_uninstallFilter"`)
}

/*
Strongly-typed version of the "eth_call" RPC method.

Invokes a "view" or "pure" contract method, without creating a transaction. The
caller must ABI-pack the "TxMsg.Data" payload and ABI-unpack the output.
*/
func EthCall(ctx context.Context, trans Trans, msg TxMsg, blockNumber BlockNumber) ([]byte, error) {
	number, err := toBlockNumber(blockNumber)
	if err != nil {
		return nil, err
	}
	var out HexBytes
	err = trans.Call(ctx, &out, "eth_call", msg, number)
	return out, errors.Wrap(err, `error in "eth_call"`)
}

// Same as "EthCall", but always uses the latest block number.
func EthCallLatest(ctx context.Context, trans Trans, msg TxMsg) ([]byte, error) {
	return EthCall(ctx, trans, msg, BlockNumberLatest)
}

/*
Fills in a missing gas price and gas limit by asking the node. Estimating the
limit executes the transaction against the current block; leaving it empty may
cause the transaction to be rejected.
*/
func AddEstimates(ctx context.Context, trans Trans, msg TxMsg) (TxMsg, error) {
	if msg.GasPrice == nil {
		gasPrice, err := EthGasPrice(ctx, trans)
		if err != nil {
			return msg, err
		}
		msg.GasPrice = (*HexInt)(gasPrice)
	}

	if msg.GasLimit == nil {
		gasLimit, err := EthEstimateGas(ctx, trans, msg)
		if err != nil {
			return msg, err
		}
		msg.GasLimit = (*HexInt)(gasLimit)
	}

	return msg, nil
}

// Copy of the filter with block numbers in wire form.
func (self LogFilter) wire() (LogFilter, error) {
	var err error
	if self.FromBlock != nil {
		self.FromBlock, err = toBlockNumber(self.FromBlock)
		if err != nil {
			return self, err
		}
	}
	if self.ToBlock != nil {
		self.ToBlock, err = toBlockNumber(self.ToBlock)
		if err != nil {
			return self, err
		}
	}
	return self, nil
}
