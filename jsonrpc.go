package ethrpc

import (
	"bytes"
	"encoding/json"
	"math/big"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const jsonRpcVersion = "2.0"

// Notifications are named after the subscribing namespace, for example
// "eth_subscription" for "eth_subscribe".
const subscriptionSuffix = "_subscription"

// https://www.jsonrpc.org/specification#request_object
// "params" is omitted when empty; some nodes reject an empty array for
// parameterless methods.
type rpcRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Id      uint64          `json:"id"`
}

// https://www.jsonrpc.org/specification#response_object
type rpcResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RpcError       `json:"error,omitempty"`
}

// Notification is a variant of rpcRequest without an ID:
// https://www.jsonrpc.org/specification#notification
type rpcNotification struct {
	Jsonrpc string              `json:"jsonrpc"`
	Method  string              `json:"method"`
	Params  rpcNotificationBody `json:"params"`
}

type rpcNotificationBody struct {
	Subscription json.RawMessage `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

/*
Union of every envelope field. Inbound messages are decoded into this first,
then classified by which fields are present.
*/
type rpcMessage struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *RpcError       `json:"error"`
}

/*
One parsed inbound item: a response (success or error) correlated by "Id", or
a notification routed by "Sub". For error responses with a null id, "Id" is 0,
which is never allocated to a request.
*/
type rpcItem struct {
	Notification bool
	Id           uint64
	Result       json.RawMessage
	Error        *RpcError
	Sub          string
	Payload      json.RawMessage
}

// All items of one inbound frame. "Batch" is set for array frames.
type rpcFrame struct {
	Items []rpcItem
	Batch bool
}

// Encodes call parameters. Returns nil for zero params, so that the request
// omits the field.
func encodeParams(method string, params []interface{}) (json.RawMessage, error) {
	if len(params) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrapf(err, `failed to encode params of %q`, method)
	}
	return raw, nil
}

func encodeRequest(id uint64, method string, params json.RawMessage) ([]byte, error) {
	out, err := json.Marshal(rpcRequest{
		Jsonrpc: jsonRpcVersion,
		Method:  method,
		Params:  params,
		Id:      id,
	})
	return out, errors.WithStack(err)
}

func encodeBatch(reqs []rpcRequest) ([]byte, error) {
	for i := range reqs {
		reqs[i].Jsonrpc = jsonRpcVersion
	}
	out, err := json.Marshal(reqs)
	return out, errors.WithStack(err)
}

/*
Decodes a single inbound frame: one envelope, or an array of envelopes (batch
response). For a batch, malformed elements are skipped and reported via the
returned error while the rest are still returned.
*/
func decodeFrame(input []byte) (rpcFrame, error) {
	trimmed := bytes.TrimSpace(input)
	if len(trimmed) == 0 {
		return rpcFrame{}, decodeError(input, errors.New("empty frame"))
	}

	if trimmed[0] != '[' {
		item, err := decodeMessage(trimmed)
		if err != nil {
			return rpcFrame{}, err
		}
		return rpcFrame{Items: []rpcItem{item}}, nil
	}

	var elems []json.RawMessage
	err := json.Unmarshal(trimmed, &elems)
	if err != nil {
		return rpcFrame{}, decodeError(input, err)
	}
	if len(elems) == 0 {
		return rpcFrame{}, decodeError(input, errors.New("empty batch"))
	}

	out := rpcFrame{Items: make([]rpcItem, 0, len(elems)), Batch: true}
	var firstErr error
	for _, elem := range elems {
		item, err := decodeMessage(elem)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out.Items = append(out.Items, item)
	}
	return out, firstErr
}

func decodeMessage(input []byte) (rpcItem, error) {
	var msg rpcMessage
	err := json.Unmarshal(input, &msg)
	if err != nil {
		return rpcItem{}, decodeError(input, err)
	}
	if msg.Jsonrpc != jsonRpcVersion {
		return rpcItem{}, decodeError(input, errors.Errorf("unsupported JSON-RPC version %q", msg.Jsonrpc))
	}

	if msg.Method != "" {
		if !isNullish(msg.Id) {
			return rpcItem{}, decodeError(input, errors.Errorf("unsupported server-to-client request %q", msg.Method))
		}
		if !strings.HasSuffix(msg.Method, subscriptionSuffix) {
			return rpcItem{}, decodeError(input, errors.Errorf("unsupported notification %q", msg.Method))
		}

		var body rpcNotificationBody
		err := json.Unmarshal(msg.Params, &body)
		if err != nil {
			return rpcItem{}, decodeError(input, err)
		}
		sub, err := subscriptionKey(body.Subscription)
		if err != nil {
			return rpcItem{}, decodeError(input, err)
		}
		return rpcItem{Notification: true, Sub: sub, Payload: body.Result}, nil
	}

	if msg.Error == nil && len(msg.Result) == 0 {
		return rpcItem{}, decodeError(input, errors.New("response has neither result nor error"))
	}

	id, err := decodeId(msg.Id)
	if err != nil {
		return rpcItem{}, decodeError(input, err)
	}
	if id == 0 && msg.Error == nil {
		return rpcItem{}, decodeError(input, errors.New("successful response without an id"))
	}
	return rpcItem{Id: id, Result: msg.Result, Error: msg.Error}, nil
}

// Accepts a JSON number, a decimal string, or null (zero).
func decodeId(input json.RawMessage) (uint64, error) {
	if isNullish(input) {
		return 0, nil
	}
	if input[0] == '"' {
		var str string
		err := json.Unmarshal(input, &str)
		if err != nil {
			return 0, errors.WithStack(err)
		}
		input = json.RawMessage(str)
	}
	id, err := strconv.ParseUint(bytesToMutableString(input), 10, 64)
	return id, errors.Wrapf(err, `malformed response id %s`, input)
}

/*
Converts a server-assigned subscription id into the key used by the
subscription registry. Nodes use hex strings ("0x..."), sometimes with leading
zeros or upper case, and occasionally plain numbers; all equivalent forms map
to the same key.
*/
func subscriptionKey(input json.RawMessage) (string, error) {
	if isNullish(input) {
		return "", errors.New("missing subscription id")
	}

	if input[0] == '"' {
		var str string
		err := json.Unmarshal(input, &str)
		if err != nil {
			return "", errors.WithStack(err)
		}
		if str == "" {
			return "", errors.New("empty subscription id")
		}
		return normalizeHexQuantity(str), nil
	}

	num, ok := new(big.Int).SetString(bytesToMutableString(input), 10)
	if !ok || num.Sign() < 0 {
		return "", errors.Errorf("malformed subscription id %s", input)
	}
	return "0x" + num.Text(16), nil
}

func isNullish(input json.RawMessage) bool {
	return len(input) == 0 || bytes.Equal(input, null)
}
