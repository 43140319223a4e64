package ethrpc

import (
	"math/big"
	"strconv"

	"github.com/pkg/errors"
)

var null = []byte{'n', 'u', 'l', 'l'}

// Version of "[]byte" that uses "0x"-prefixed hex encoding and decoding.
type HexBytes []byte

/*
Decodes the provided string. Zero-length input is ok. Otherwise, it must be
prefixed with "0x".
*/
func ParseHexBytes(input string) (HexBytes, error) {
	var out HexBytes
	err := out.UnmarshalText(stringToBytesUnsafe(input))
	return out, err
}

// Same as "ParseHexBytes", but panics on error. Convenient for tests and
// global variables.
func MustParseHexBytes(input string) HexBytes {
	out, err := ParseHexBytes(input)
	if err != nil {
		panic(err)
	}
	return out
}

// Implements "encoding.TextMarshaler". Uses hex encoding prefixed with "0x".
func (self HexBytes) MarshalText() ([]byte, error) {
	return HexEncode([]byte(self)), nil
}

/*
Implements "encoding.TextUnmarshaler". Empty input is ok. Otherwise, it must be
prefixed with "0x".
*/
func (self *HexBytes) UnmarshalText(input []byte) error {
	out, err := HexDecode(input)
	if err != nil {
		return err
	}
	*self = HexBytes(out)
	return nil
}

/*
Implements "json.Marshaler". A zero-length value encodes as "null". Otherwise,
it encodes as a hex string, prefixed with "0x".
*/
func (self HexBytes) MarshalJSON() ([]byte, error) {
	if len(self) == 0 {
		return null, nil
	}
	return hexEncodeQuoted(self), nil
}

// Implements "fmt.Stringer". Follows the same rules as "MarshalText".
func (self HexBytes) String() string {
	return bytesToMutableString(HexEncode([]byte(self)))
}

// Version of `big.Int` that encodes/decodes in base 16 with the "0x" prefix.
type HexInt big.Int

// Implements "encoding.TextMarshaler". Uses hex encoding prefixed with "0x".
func (self *HexInt) MarshalText() ([]byte, error) {
	out := make([]byte, 0, 16)
	out = append(out, '0', 'x')
	return (*big.Int)(self).Append(out, 16), nil
}

/*
Implements "encoding.TextUnmarshaler". The input must be in base 16, prefixed
with "0x".
*/
func (self *HexInt) UnmarshalText(input []byte) error {
	input, err := drop0x(input)
	if err != nil {
		return err
	}

	_, ok := (*big.Int)(self).SetString(bytesToMutableString(input), 16)
	if !ok {
		return errors.Errorf("failed to decode %q as a hex integer", input)
	}
	return nil
}

// Implements "fmt.Stringer". Follows the same rules as "MarshalText".
func (self *HexInt) String() string {
	bytes, _ := self.MarshalText()
	return bytesToMutableString(bytes)
}

// Returns the value as *big.Int; nil stays nil.
func (self *HexInt) Big() *big.Int { return (*big.Int)(self) }

// Version of `uint64` that encodes/decodes in base 16 with the "0x" prefix.
type HexUint64 uint64

// Implements "encoding.TextMarshaler". Uses hex encoding prefixed with "0x".
func (self HexUint64) MarshalText() ([]byte, error) {
	out := make([]byte, 0, 16)
	out = append(out, '0', 'x')
	return strconv.AppendUint(out, uint64(self), 16), nil
}

/*
Implements "encoding.TextUnmarshaler". The input must be in base 16, prefixed
with "0x".
*/
func (self *HexUint64) UnmarshalText(input []byte) error {
	input, err := drop0x(input)
	if err != nil {
		return err
	}
	out, err := strconv.ParseUint(bytesToMutableString(input), 16, 64)
	*self = HexUint64(out)
	return errors.WithStack(err)
}

// Implements "fmt.Stringer". Follows the same rules as "MarshalText".
func (self HexUint64) String() string {
	bytes, _ := self.MarshalText()
	return bytesToMutableString(bytes)
}

/*
Compact representation of an Ethereum address. Uses hex-encoding and
hex-decoding with the mandatory "0x" prefix.

To avoid gotchas, a zero-initialized Address{} JSON-encodes as "null" and
text-encodes as "".
*/
type Address [20]byte

// Decodes the provided string. Zero-length input is ok. Otherwise, it must be
// prefixed with "0x".
func ParseAddress(input string) (Address, error) {
	var out Address
	err := out.UnmarshalText(stringToBytesUnsafe(input))
	return out, err
}

// Same as "ParseAddress", but panics on error.
func MustParseAddress(input string) Address {
	out, err := ParseAddress(input)
	if err != nil {
		panic(err)
	}
	return out
}

func (self Address) MarshalText() ([]byte, error)      { return fixedMarshalText(self[:]) }
func (self *Address) UnmarshalText(input []byte) error { return fixedUnmarshalText(self[:], input) }
func (self Address) MarshalJSON() ([]byte, error)      { return fixedMarshalJSON(self[:]) }
func (self Address) String() string                    { return bytesToMutableString(HexEncode(self[:])) }

// Converts into a Word for event log filtering, zero-padded on the left.
func (self Address) Word() Word {
	var out Word
	copy(out[len(out)-len(self):], self[:])
	return out
}

/*
A Word represents the standard memory granularity of the EVM: 32 bytes of
arbitrary content. This size is also used for hashes and log topics.

Note that Hash has exactly the same structure, but a slightly different
interpretation. A Word is not assumed to be a hash.

An empty Word{} text-encodes as "" and JSON-encodes as `null` rather than
"0x0000000000000000000000000000000000000000000000000000000000000000".
*/
type Word [32]byte

// Decodes the provided string. Zero-length input is ok. Otherwise, it must be
// prefixed with "0x".
func ParseWord(input string) (Word, error) {
	var out Word
	err := out.UnmarshalText(stringToBytesUnsafe(input))
	return out, err
}

// Same as "ParseWord", but panics on error.
func MustParseWord(input string) Word {
	out, err := ParseWord(input)
	if err != nil {
		panic(err)
	}
	return out
}

func (self Word) MarshalText() ([]byte, error)      { return fixedMarshalText(self[:]) }
func (self *Word) UnmarshalText(input []byte) error { return fixedUnmarshalText(self[:], input) }
func (self Word) MarshalJSON() ([]byte, error)      { return fixedMarshalJSON(self[:]) }
func (self Word) String() string                    { return bytesToMutableString(HexEncode(self[:])) }

/*
Usually represents a block or transaction hash. Shares structure and encoding
rules with Word.
*/
type Hash [32]byte

// Decodes the provided string. Zero-length input is ok. Otherwise, it must be
// prefixed with "0x".
func ParseHash(input string) (Hash, error) {
	word, err := ParseWord(input)
	return Hash(word), err
}

// Same as "ParseHash", but panics on error.
func MustParseHash(input string) Hash { return Hash(MustParseWord(input)) }

func (self Hash) MarshalText() ([]byte, error)      { return Word(self).MarshalText() }
func (self *Hash) UnmarshalText(input []byte) error { return (*Word)(self).UnmarshalText(input) }
func (self Hash) MarshalJSON() ([]byte, error)      { return Word(self).MarshalJSON() }
func (self Hash) String() string                    { return Word(self).String() }

type Bloom [256]byte

func (self Bloom) MarshalText() ([]byte, error)      { return fixedMarshalText(self[:]) }
func (self *Bloom) UnmarshalText(input []byte) error { return fixedUnmarshalText(self[:], input) }
func (self Bloom) MarshalJSON() ([]byte, error)      { return fixedMarshalJSON(self[:]) }
func (self Bloom) String() string                    { return bytesToMutableString(HexEncode(self[:])) }

/*
Shared encoding rules of the fixed-size byte arrays. A zero-initialized array
text-encodes as "" and JSON-encodes as "null". Decoding empty input zeroes the
array.
*/
func fixedMarshalText(self []byte) ([]byte, error) {
	if isZeroBytes(self) {
		return nil, nil
	}
	return HexEncode(self), nil
}

func fixedUnmarshalText(self []byte, input []byte) error {
	if len(input) == 0 {
		for i := range self {
			self[i] = 0
		}
		return nil
	}
	return HexDecodeTo(self, input)
}

func fixedMarshalJSON(self []byte) ([]byte, error) {
	if isZeroBytes(self) {
		return null, nil
	}
	return hexEncodeQuoted(self), nil
}

func isZeroBytes(input []byte) bool {
	for _, char := range input {
		if char != 0 {
			return false
		}
	}
	return true
}

/*
Represents the input for an Ethereum transaction, or the input to a non-mutating
contract call. Passed to "EthCall" and to "TxSigner" implementations.
*/
type TxMsg struct {
	From     Address    `json:"from"`
	To       Address    `json:"to"`
	Data     HexBytes   `json:"data"`
	Value    *HexInt    `json:"value"`
	GasPrice *HexInt    `json:"gasPrice"`
	GasLimit *HexInt    `json:"gas"`
	Nonce    *HexUint64 `json:"nonce,omitempty"`
}

// Represents an Ethereum block without any attached transactions.
type BlockHead struct {
	Difficulty       *HexInt  `json:"difficulty"`
	ExtraData        HexBytes `json:"extraData"`
	GasLimit         *HexInt  `json:"gasLimit"`
	GasUsed          *HexInt  `json:"gasUsed"`
	BaseFeePerGas    *HexInt  `json:"baseFeePerGas"`
	Hash             Hash     `json:"hash"`
	LogsBloom        Bloom    `json:"logsBloom"`
	Miner            Address  `json:"miner"`
	MixHash          Hash     `json:"mixHash"`
	Nonce            HexBytes `json:"nonce"`
	Number           *HexInt  `json:"number"`
	ParentHash       Hash     `json:"parentHash"`
	ReceiptsRoot     Hash     `json:"receiptsRoot"`
	Sha3Uncles       Hash     `json:"sha3Uncles"`
	StateRoot        Hash     `json:"stateRoot"`
	Timestamp        *HexInt  `json:"timestamp"`
	TransactionsRoot Hash     `json:"transactionsRoot"`
}

// Represents an Ethereum transaction.
type Transaction struct {
	Hash             Hash     `json:"hash"`
	Nonce            *HexInt  `json:"nonce"`
	BlockHash        Hash     `json:"blockHash"`
	BlockNumber      *HexInt  `json:"blockNumber"`
	TransactionIndex *HexInt  `json:"transactionIndex"`
	From             Address  `json:"from"`
	To               Address  `json:"to"`
	Value            *HexInt  `json:"value"`
	GasPrice         *HexInt  `json:"gasPrice"`
	Gas              *HexInt  `json:"gas"`
	Input            HexBytes `json:"input"`
	ChainId          *HexInt  `json:"chainId"`
	V                *HexInt  `json:"v"`
	R                *HexInt  `json:"r"`
	S                *HexInt  `json:"s"`
}

/*
Represents a transaction receipt. Some nodes return receipts for pending
transactions with a missing block number; see "IsMined".
*/
type TxReceipt struct {
	BlockHash         Hash       `json:"blockHash"`
	BlockNumber       *HexInt    `json:"blockNumber"`
	ContractAddress   Address    `json:"contractAddress"`
	GasUsed           *HexInt    `json:"gasUsed"`
	EffectiveGasPrice *HexInt    `json:"effectiveGasPrice"`
	Logs              []LogEntry `json:"logs"`
	LogsBloom         Bloom      `json:"logsBloom"`
	CumulativeGasUsed *HexInt    `json:"cumulativeGasUsed"`
	Status            *HexInt    `json:"status"`
	TransactionHash   Hash       `json:"transactionHash"`
	TransactionIndex  *HexInt    `json:"transactionIndex"`
}

// True if the receipt belongs to a block.
func (self *TxReceipt) IsMined() bool {
	return self != nil && self.BlockNumber != nil
}

// True if the receipt reports status 1. Pre-Byzantium receipts have no status
// and are reported as failed.
func (self *TxReceipt) Succeeded() bool {
	return self != nil && self.Status != nil && self.Status.Big().Cmp(big.NewInt(1)) == 0
}

/*
A log entry, obtained via "EthGetLogs", log filters, or "logs" subscriptions.
"Removed" is set when a chain reorganization drops the log.
*/
type LogEntry struct {
	Address          Address   `json:"address"`
	Topics           []Word    `json:"topics"`
	Data             HexBytes  `json:"data"`
	BlockHash        Hash      `json:"blockHash"`
	BlockNumber      HexUint64 `json:"blockNumber"`
	TransactionHash  Hash      `json:"transactionHash"`
	TransactionIndex HexUint64 `json:"transactionIndex"`
	LogIndex         HexUint64 `json:"logIndex"`
	Removed          bool      `json:"removed"`
}

/*
Stand-in for anything representing a block number. Makes the signatures of
RPC functions more readable.

RPC methods accept block numbers in several formats: a hex-encoded number, or
the magic strings "earliest", "latest", "pending". See "BlockNumberX" constants
and "toBlockNumber".
*/
type BlockNumber interface{}

/*
LogFilter is passed to "EthGetLogs", "EthNewFilter" and "logs" subscriptions.
All fields are optional. "Topics" is positional: each element is either nil
(wildcard), a Word, or a []Word of alternatives.
*/
type LogFilter struct {
	FromBlock BlockNumber `json:"fromBlock,omitempty"`
	ToBlock   BlockNumber `json:"toBlock,omitempty"`
	BlockHash *Hash       `json:"blockHash,omitempty"`
	Address   []Address   `json:"address,omitempty"`
	Topics    interface{} `json:"topics,omitempty"`
}
