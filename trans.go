package ethrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
)

/*
Common interface implemented by RPC transports. Obtained via "Dial" and passed
to the various RPC functions.
*/
type Trans interface {
	/**
	Should make an RPC request and decode the response body into `out`, which
	must be a pointer, or nil to discard the result. Returns a TransportError,
	an *RpcError, or a *DecodeError.
	*/
	Call(ctx context.Context, out interface{}, method string, params ...interface{}) error
}

/*
Transports with server push. Implemented by *Client; stateless transports such
as HTTP don't implement it and must fall back to "FilterWatcher".
*/
type PubsubTrans interface {
	Trans

	/**
	Should create a subscription and return a stream of its notifications. The
	stream ends when the subscription is closed, or when the transport gives up.
	*/
	Subscribe(ctx context.Context, params ...interface{}) (*SubscriptionStream, error)

	// Should cancel the subscription, returning whether the server knew it.
	Unsubscribe(ctx context.Context, id uint64) (bool, error)
}

/*
Chooses the appropriate transport for the given URL or path:

	ws://, wss://         -> *Client over a websocket
	ipc://, bare path     -> *Client over a unix socket
	http://, https://     -> HttpTrans

Persistent transports are connected before returning.
*/
func Dial(ctx context.Context, rpcPath string, conf Config) (Trans, error) {
	rpcUrl, err := url.Parse(rpcPath)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var client *Client
	switch rpcUrl.Scheme {
	case "http", "https":
		return &HttpTrans{Url: *rpcUrl, Header: conf.Header}, nil
	case "ws", "wss":
		client, err = DialWs(ctx, rpcPath, conf)
	case "ipc":
		client, err = DialIpc(ctx, rpcUrl.Host+rpcUrl.Path, conf)
	case "":
		client, err = DialIpc(ctx, rpcPath, conf)
	default:
		return nil, errors.Errorf("unsupported RPC path: %v", rpcPath)
	}

	// Avoid returning a non-nil interface holding a nil pointer.
	if err != nil {
		return nil, err
	}
	return client, nil
}

/*
Stateless HTTP transport: one request per call, no subscriptions. Satisfies
"Trans" so that typed wrappers, pending transactions and filter watchers work
over plain HTTP too.
*/
type HttpTrans struct {
	Url    url.URL
	Header http.Header
	Client *http.Client // defaults to http.DefaultClient

	lastId atomic.Uint64
}

// Makes an RPC call.
func (self *HttpTrans) Call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	raw, err := encodeParams(method, params)
	if err != nil {
		return err
	}
	body, err := encodeRequest(self.lastId.Add(1), method, raw)
	if err != nil {
		return err
	}

	input, err := self.post(ctx, body)
	if err != nil {
		return err
	}

	var res rpcResponse
	err = json.Unmarshal(input, &res)
	if err != nil {
		return decodeError(input, err)
	}
	// Note: `error((*RpcError)(nil)) != nil` !!!
	if res.Error != nil {
		return res.Error
	}
	if out == nil {
		return nil
	}
	return decodeError(res.Result, json.Unmarshal(res.Result, out))
}

/*
Same contract as "Client.BatchCall". The server's array reply is matched to
the elements by id; elements it leaves out fail with "ErrIncompleteBatch". A
single error object instead of an array rejects the whole batch.
*/
func (self *HttpTrans) BatchCall(ctx context.Context, elems []BatchElem) error {
	if len(elems) == 0 {
		return nil
	}

	reqs := make([]rpcRequest, len(elems))
	index := make(map[uint64]int, len(elems))
	for i, elem := range elems {
		raw, err := encodeParams(elem.Method, elem.Params)
		if err != nil {
			return err
		}
		id := self.lastId.Add(1)
		reqs[i] = rpcRequest{Method: elem.Method, Params: raw, Id: id}
		index[id] = i
	}

	body, err := encodeBatch(reqs)
	if err != nil {
		return err
	}
	input, err := self.post(ctx, body)
	if err != nil {
		return err
	}

	trimmed := bytes.TrimSpace(input)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return rejectedBatch(elems, trimmed)
	}

	var responses []rpcResponse
	err = json.Unmarshal(trimmed, &responses)
	if err != nil {
		return decodeError(input, err)
	}

	answered := make([]bool, len(elems))
	for _, res := range responses {
		i, ok := index[res.Id]
		if !ok || answered[i] {
			continue
		}
		answered[i] = true
		elem := &elems[i]
		if res.Error != nil {
			elem.Error = res.Error
		} else if elem.Result != nil {
			elem.Error = decodeError(res.Result, json.Unmarshal(res.Result, elem.Result))
		}
	}
	for i := range elems {
		if !answered[i] {
			elems[i].Error = errors.WithStack(ErrIncompleteBatch)
		}
	}
	return nil
}

/*
Handles a single object sent in reply to a batch, which is how servers reject
the batch as a whole. Every element receives the server's error.
*/
func rejectedBatch(elems []BatchElem, input []byte) error {
	var res rpcResponse
	err := json.Unmarshal(input, &res)
	if err != nil {
		return decodeError(input, err)
	}
	if res.Error == nil {
		return decodeError(input, errors.New("batch answered with a single non-error response"))
	}
	for i := range elems {
		elems[i].Error = res.Error
	}
	return res.Error
}

func (self *HttpTrans) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, self.Url.String(), bytes.NewReader(body))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for key, vals := range self.Header {
		req.Header[key] = vals
	}
	req.Header.Set("Content-Type", "application/json")

	client := self.Client
	if client == nil {
		client = http.DefaultClient
	}

	res, err := client.Do(req)
	if err != nil {
		return nil, transportError(errors.WithStack(err))
	}
	defer res.Body.Close()

	input, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, transportError(errors.WithStack(err))
	}
	if res.StatusCode != http.StatusOK {
		return nil, transportError(errors.WithStack(&HttpStatusError{
			Code:   res.StatusCode,
			Status: res.Status,
			Body:   strings.TrimSpace(string(input)),
		}))
	}
	return input, nil
}
