package ethrpc

import (
	"math/big"
	"net/url"
	"strings"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

// "Magic" words understood by RPC methods that expect a block number.
const (
	BlockNumberEarliest = "earliest"
	BlockNumberLatest   = "latest"
	BlockNumberPending  = "pending"
)

// Zero-initialized arrays for equality comparisons.
var (
	ZeroAddress Address
	ZeroWord    Word
	ZeroHash    Hash
	ZeroBloom   Bloom
)

// Timing defaults. Each can be overridden via "Config" or on the individual
// pending transaction or watcher.
const (
	DefaultReconnects             = 5
	DefaultReconnectDelay         = time.Second
	DefaultKeepaliveInterval      = 10 * time.Second
	DefaultPollInterval           = 7 * time.Second
	DefaultLocalPollInterval      = 100 * time.Millisecond
	DefaultBroadcastInterval      = 150 * time.Millisecond
	DefaultEscalationPollInterval = 10 * time.Millisecond
	DefaultConfirmations          = 1
	DefaultRetryAttempts          = 5
	DefaultRetryBackoff           = 500 * time.Millisecond
	DefaultTxFetchConcurrency     = 8
)

/*
Returns the polling interval suitable for the given RPC endpoint: short for
local nodes (loopback hosts and IPC sockets), where blocks are cheap to poll
and dev chains mine instantly, long for everything else.
*/
func PollIntervalFor(rpcPath string) time.Duration {
	if isLocalEndpoint(rpcPath) {
		return DefaultLocalPollInterval
	}
	return DefaultPollInterval
}

func isLocalEndpoint(rpcPath string) bool {
	rpcUrl, err := url.Parse(rpcPath)
	if err != nil {
		return false
	}
	if rpcUrl.Scheme == "" || rpcUrl.Scheme == "ipc" {
		return true
	}
	host := rpcUrl.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1" ||
		strings.HasSuffix(host, ".localhost")
}

// Computes the transaction hash of a signed, serialized transaction: the
// Keccak-256 digest of its raw bytes.
func TxHash(raw []byte) Hash {
	var out Hash
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(raw)
	hasher.Sum(out[:0])
	return out
}

/*
Converts a block number argument into its wire form. Go integers are hex-encoded,
strings are assumed to be either magic words or already hex-encoded.
*/
func toBlockNumber(num BlockNumber) (BlockNumber, error) {
	switch num := num.(type) {
	case nil:
		return BlockNumberLatest, nil
	case uint64:
		return HexUint64(num), nil
	case int:
		if num < 0 {
			return nil, errors.Errorf("negative block number %d", num)
		}
		return HexUint64(num), nil
	case *big.Int:
		return (*HexInt)(num), nil
	case string, HexUint64, *HexInt:
		return num, nil
	default:
		return nil, errors.Errorf("unsupported block number %T %v", num, num)
	}
}

/*
Reinterprets a byte slice as a string, saving an allocation.
Borrowed from the standard library. Reasonably safe.
*/
func bytesToMutableString(bytes []byte) string {
	return *(*string)(unsafe.Pointer(&bytes))
}

/*
Returns a byte slice backed by the provided string. Should be safe as long as
the bytes are treated as read-only.
*/
func stringToBytesUnsafe(str string) []byte {
	return unsafe.Slice(unsafe.StringData(str), len(str))
}
