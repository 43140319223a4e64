package ethrpc

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// Logical errors produced by this package. Compare with "errors.Is".
var (
	// The connection ended without reporting a failure.
	ErrUnexpectedClose = errors.New("connection closed unexpectedly")

	// The subscription id was never registered with this client.
	ErrUnknownSubscription = errors.New("unknown subscription id")

	// The client gave up reconnecting, or was closed. Terminal.
	ErrManagerShutDown = errors.New("request manager shut down")

	// The server answered a batch with fewer responses than requests.
	ErrIncompleteBatch = errors.New("incomplete batch response")

	// The node has no transaction with the requested hash.
	ErrTxNotFound = errors.New("transaction not found")

	/**
	The connection died while the request was in flight. Requests are not
	retried after reconnecting because they may not be idempotent; the caller
	decides whether to retry. Always wrapped in a TransportError.
	*/
	ErrConnectionDropped = errors.New("connection dropped before a response arrived")
)

/*
Socket-level failure: connect, read, write, keepalive timeout, or a connection
dropped mid-request. Distinct from RpcError, which is a well-formed error reply
from the node.
*/
type TransportError struct {
	Err error
}

func transportError(err error) error {
	if err == nil {
		return nil
	}
	var out *TransportError
	if errors.As(err, &out) {
		return err
	}
	return &TransportError{Err: err}
}

// Implements "error".
func (self *TransportError) Error() string { return "transport error: " + self.Err.Error() }

// Supports "errors.Is" and "errors.As".
func (self *TransportError) Unwrap() error { return self.Err }

// Supports "errors.Cause" from "github.com/pkg/errors".
func (self *TransportError) Cause() error { return self.Err }

// Non-200 reply from an HTTP endpoint. Always wrapped in a TransportError.
type HttpStatusError struct {
	Code   int
	Status string
	Body   string
}

// Implements "error".
func (self *HttpStatusError) Error() string {
	return "RPC error: " + self.Status + "\n" + self.Body
}

/*
Represents an error that arrives over JSON RPC. See
https://www.jsonrpc.org/specification#error_object for details.
*/
type RpcError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Implements "error". Includes the RPC error details if possible.
func (self *RpcError) Error() string {
	str := "RPC error " + strconv.FormatInt(self.Code, 10) + ": " + self.Message
	if len(self.Data) > 0 {
		str += " Additional details: " + string(self.Data)
	}
	return str
}

/*
A response that couldn't be decoded into the expected shape. Carries the raw
text for debugging.
*/
type DecodeError struct {
	Text string
	Err  error
}

func decodeError(text []byte, err error) error {
	if err == nil {
		return nil
	}
	return &DecodeError{Text: string(text), Err: err}
}

// Implements "error".
func (self *DecodeError) Error() string {
	return "failed to decode " + strconv.Quote(self.Text) + ": " + self.Err.Error()
}

func (self *DecodeError) Unwrap() error { return self.Err }

// True if the error, or anything it wraps, is a TransportError.
func IsTransportError(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

// Returns the RpcError wrapped by the given error, if any.
func AsRpcError(err error) (*RpcError, bool) {
	var target *RpcError
	ok := errors.As(err, &target)
	return target, ok
}

// True if the error, or anything it wraps, is a DecodeError.
func IsDecodeError(err error) bool {
	var target *DecodeError
	return errors.As(err, &target)
}
