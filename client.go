package ethrpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Upper bound for the best-effort unsubscribe performed by
// "SubscriptionStream.Close" and abandoned subscribe calls.
const unsubscribeTimeout = 10 * time.Second

/*
Multiplexing JSON-RPC client over a persistent connection (websocket or IPC).
Safe for concurrent use; calls never block each other. Obtained via "DialWs",
"DialIpc", "Dial", or "NewClient" with a custom Connector.

The client only sends messages to its background dispatcher, which owns all
request and subscription state. When the connection fails, the dispatcher
reconnects within the configured budget: pending plain calls fail with an error
wrapping "ErrConnectionDropped", while subscriptions are restored transparently.
Once the budget is exhausted, or after "Close", every call fails with an error
wrapping "ErrManagerShutDown".
*/
type Client struct {
	disp   *dispatcher
	logger zerolog.Logger
}

var _ PubsubTrans = (*Client)(nil)

/*
Establishes the initial connection and starts the client. The context only
bounds the initial connection attempt; reconnects are bounded by "Close".
*/
func NewClient(ctx context.Context, connect Connector, conf Config) (*Client, error) {
	conf = conf.withDefaults()

	conn, err := connect(ctx)
	if err != nil {
		return nil, transportError(errors.Wrap(err, "failed to connect"))
	}

	disp := newDispatcher(connect, conn, conf)
	go disp.run()
	return &Client{disp: disp, logger: conf.Logger}, nil
}

/*
Makes an RPC call and decodes the result into "out", which must be a pointer,
or nil to discard the result. Returns a TransportError, an *RpcError, a
*DecodeError, or a logical error; see "errors.go".
*/
func (self *Client) Call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	result, err := self.Request(ctx, method, params...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decodeError(result, json.Unmarshal(result, out))
}

// Makes an RPC call and returns the raw result.
func (self *Client) Request(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	raw, err := encodeParams(method, params)
	if err != nil {
		return nil, err
	}

	reply := make(chan callReply, 1)
	err = self.send(ctx, callInstr{method: method, params: raw, reply: reply})
	if err != nil {
		return nil, err
	}

	res, err := self.await(ctx, reply)
	if err != nil {
		return nil, err
	}
	return res.result, res.err
}

/*
A single call within "BatchCall". After the batch completes, "Error" holds
the call's own failure, if any, and "Result" (a pointer, or nil to discard)
holds the decoded result.
*/
type BatchElem struct {
	Method string
	Params []interface{}
	Result interface{}
	Error  error
}

/*
Sends all calls in one frame and waits for every response. Per-call failures,
including "ErrIncompleteBatch" for calls the server didn't answer, are stored
in "BatchElem.Error". The returned error is reserved for failures of the whole
batch: encoding, cancelation, shutdown, a lost connection, or an *RpcError
when the server rejects the batch as a whole (for example "batch too large").
In the last case every element carries the same *RpcError.
*/
func (self *Client) BatchCall(ctx context.Context, elems []BatchElem) error {
	if len(elems) == 0 {
		return nil
	}

	calls := make([]batchCall, len(elems))
	for i, elem := range elems {
		raw, err := encodeParams(elem.Method, elem.Params)
		if err != nil {
			return err
		}
		calls[i] = batchCall{method: elem.Method, params: raw}
	}

	reply := make(chan []callReply, 1)
	err := self.send(ctx, batchInstr{calls: calls, reply: reply})
	if err != nil {
		return err
	}

	var replies []callReply
	select {
	case replies = <-reply:
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}

	var batchErr error
	for i, res := range replies {
		elem := &elems[i]
		elem.Error = res.err
		if res.err == nil && elem.Result != nil {
			elem.Error = decodeError(res.result, json.Unmarshal(res.result, elem.Result))
		}
		if batchErr == nil && res.err != nil &&
			(res.rejected || IsTransportError(res.err) || errors.Is(res.err, ErrManagerShutDown)) {
			batchErr = res.err
		}
	}
	return batchErr
}

/*
Creates an "eth_subscribe" subscription with the given params, for example
"newHeads", or "logs" followed by a LogFilter. See "Subscribe" in PubsubTrans.
*/
func (self *Client) Subscribe(ctx context.Context, params ...interface{}) (*SubscriptionStream, error) {
	return self.SubscribeWith(ctx, "eth_subscribe", params...)
}

/*
Same as "Subscribe", for a namespace other than "eth". The unsubscribe method
is derived from "method", for example "shh_subscribe" -> "shh_unsubscribe".
*/
func (self *Client) SubscribeWith(ctx context.Context, method string, params ...interface{}) (*SubscriptionStream, error) {
	raw, err := encodeParams(method, params)
	if err != nil {
		return nil, err
	}

	reply := make(chan callReply, 1)
	err = self.send(ctx, subscribeInstr{method: method, params: raw, reply: reply})
	if err != nil {
		return nil, err
	}

	res, err := self.await(ctx, reply)
	if err != nil {
		go self.abandonSubscription(reply)
		return nil, err
	}
	if res.err != nil {
		return nil, errors.Wrapf(res.err, `error in %q`, method)
	}

	queue, err := self.takeQueue(res.id)
	if err != nil {
		return nil, err
	}
	return newSubscriptionStream(self, res.id, queue), nil
}

func (self *Client) takeQueue(id uint64) (*notifQueue, error) {
	val, ok := self.disp.queues.LoadAndDelete(id)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSubscription, "subscription %d", id)
	}
	return val.(*notifQueue), nil
}

// The subscriber gave up waiting. If the subscription still gets created,
// tear it down so the server stops sending.
func (self *Client) abandonSubscription(reply chan callReply) {
	res := <-reply
	if res.err != nil {
		return
	}
	queue, err := self.takeQueue(res.id)
	if err == nil {
		queue.drop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	_, _ = self.Unsubscribe(ctx, res.id)
}

/*
Removes the subscription from the registry and asks the server to cancel it.
Returns whether the server knew the subscription. Failures of the unsubscribe
call itself are only logged and reported as "false": the local entry is gone
either way, and no further notifications are delivered for it.

Unsubscribing an id that was already removed returns false. Unsubscribing an
id that was never a subscription of this client returns an error wrapping
"ErrUnknownSubscription".
*/
func (self *Client) Unsubscribe(ctx context.Context, id uint64) (bool, error) {
	reply := make(chan callReply, 1)
	err := self.send(ctx, unsubscribeInstr{id: id, reply: reply})
	if err != nil {
		return false, err
	}

	res, err := self.await(ctx, reply)
	if err != nil {
		return false, err
	}
	if errors.Is(res.err, ErrUnknownSubscription) {
		return false, res.err
	}
	if res.err != nil {
		self.logger.Warn().Err(res.err).Uint64("sub", id).Msg("failed to unsubscribe")
		return false, nil
	}
	if res.result == nil {
		return false, nil
	}

	var known bool
	err = json.Unmarshal(res.result, &known)
	if err != nil {
		self.logger.Warn().Err(decodeError(res.result, err)).Uint64("sub", id).Msg("failed to unsubscribe")
		return false, nil
	}
	return known, nil
}

/*
Shuts down the client: pending calls fail, subscription streams end, and the
connection is closed. Idempotent. Always returns nil; implements "io.Closer".
*/
func (self *Client) Close() error {
	self.disp.cancel()
	<-self.disp.done
	return nil
}

// Closed once the client has shut down, either via "Close" or because the
// reconnect budget ran out.
func (self *Client) Done() <-chan struct{} { return self.disp.done }

// The reason for shutting down; nil while the client is running.
func (self *Client) Err() error {
	select {
	case <-self.disp.done:
		return self.disp.err
	default:
		return nil
	}
}

func (self *Client) send(ctx context.Context, instr interface{}) error {
	select {
	case self.disp.instructions <- instr:
		return nil
	case <-self.disp.done:
		return self.disp.err
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

/*
Waits for the reply to an accepted instruction. No shutdown case is needed:
the dispatcher answers every accepted instruction, at the latest when
terminating.
*/
func (self *Client) await(ctx context.Context, reply chan callReply) (callReply, error) {
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return callReply{}, errors.WithStack(ctx.Err())
	}
}
