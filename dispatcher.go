package ethrpc

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Instructions sent from Client to the dispatcher loop.
type (
	callInstr struct {
		method string
		params json.RawMessage
		reply  chan callReply
	}

	batchInstr struct {
		calls []batchCall
		reply chan []callReply
	}

	subscribeInstr struct {
		method string
		params json.RawMessage
		reply  chan callReply
	}

	unsubscribeInstr struct {
		id    uint64
		reply chan callReply
	}
)

type batchCall struct {
	method string
	params json.RawMessage
}

/*
Outcome of one request. For subscribe requests, "id" is the local subscription
id. For unsubscribe requests, a nil "result" with a nil "err" means the id
wasn't registered.
*/
type callReply struct {
	id     uint64
	result json.RawMessage
	err    error

	// Set when the server rejected the whole batch this call belonged to.
	rejected bool
}

/*
A request awaiting its response. Reply channels have capacity 1 and receive
exactly one value, so delivery never blocks the loop even if the caller has
stopped waiting. Requests issued by the dispatcher itself have no reply
channel.
*/
type inflight struct {
	method string
	params json.RawMessage
	reply  chan callReply
	sub    *activeSub
	batch  *batchGroup
	index  int
}

/*
Registry entry. "id" is the local id handed to the subscriber, which is also
the request id of every subscribe call made for it, including re-subscriptions
after reconnecting. "serverKey" is empty while a subscribe call is in flight.
*/
type activeSub struct {
	id        uint64
	method    string
	params    json.RawMessage
	serverKey string
	serverRaw json.RawMessage
	queue     *notifQueue
	cancelled bool
}

type batchGroup struct {
	ids     []uint64
	replies []callReply
	pending int
	reply   chan []callReply
}

/*
The multiplexing loop behind a Client. Everything below "Owned by the loop" is
touched only from "run", which is what makes the registry and the in-flight
table lock-free. "queues" is the one exception: the loop stores a delivery
queue there right before acknowledging a subscription, and the subscriber takes
it out.
*/
type dispatcher struct {
	connect Connector
	conf    Config
	logger  zerolog.Logger
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	instructions chan interface{}
	queues       sync.Map
	done         chan struct{}
	err          error // written before "done" is closed

	// Owned by the loop.
	lastId     uint64
	actor      *connActor
	reconnects int
	reqs       map[uint64]*inflight
	subs       map[uint64]*activeSub
	aliases    map[string]uint64
	retired    map[uint64]struct{}
	batches    []*batchGroup // sent order; may contain completed groups
}

func newDispatcher(connect Connector, conn FrameConn, conf Config) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	self := &dispatcher{
		connect:      connect,
		conf:         conf,
		logger:       conf.Logger,
		metrics:      conf.Metrics,
		ctx:          ctx,
		cancel:       cancel,
		instructions: make(chan interface{}),
		done:         make(chan struct{}),
		reconnects:   conf.Reconnects,
		reqs:         map[uint64]*inflight{},
		subs:         map[uint64]*activeSub{},
		aliases:      map[string]uint64{},
		retired:      map[uint64]struct{}{},
	}
	self.actor = self.startActor(conn)
	return self
}

func (self *dispatcher) startActor(conn FrameConn) *connActor {
	return startConnActor(conn, self.conf.KeepaliveInterval.Std(), self.logger, self.metrics)
}

func (self *dispatcher) run() {
	for {
		select {
		case <-self.ctx.Done():
			self.terminate(errors.WithMessage(ErrManagerShutDown, "client closed"))
			return

		case instr := <-self.instructions:
			self.handle(instr)

		case frame, ok := <-self.actor.inbound:
			if ok {
				self.route(frame)
				continue
			}
			cause := self.actor.failure()
			if cause == nil {
				cause = transportError(ErrUnexpectedClose)
			}
			if !self.recover(cause) {
				return
			}
		}
	}
}

// Never zero.
func (self *dispatcher) nextId() uint64 {
	self.lastId++
	return self.lastId
}

func (self *dispatcher) handle(instr interface{}) {
	switch instr := instr.(type) {
	case callInstr:
		id := self.nextId()
		req := &inflight{method: instr.method, params: instr.params, reply: instr.reply}
		self.reqs[id] = req
		self.sendRequest(id, req)

	case subscribeInstr:
		id := self.nextId()
		sub := &activeSub{id: id, method: instr.method, params: instr.params, queue: newNotifQueue()}
		req := &inflight{method: instr.method, params: instr.params, reply: instr.reply, sub: sub}
		self.reqs[id] = req
		self.sendRequest(id, req)

	case unsubscribeInstr:
		self.unsubscribe(instr)

	case batchInstr:
		self.sendBatch(instr)

	default:
		panic(errors.Errorf("unknown dispatcher instruction %T", instr))
	}
	self.metrics.setInflight(len(self.reqs))
}

func (self *dispatcher) sendRequest(id uint64, req *inflight) {
	frame, err := encodeRequest(id, req.method, req.params)
	if err != nil {
		delete(self.reqs, id)
		self.deliver(req, callReply{id: id, err: err})
		return
	}
	self.metrics.requestSent(req.method)
	self.logger.Debug().Uint64("id", id).Str("method", req.method).Msg("sending request")

	// A refused frame means the actor has died; its in-flight entry is dealt
	// with when the dispatcher observes the failure.
	self.actor.send(frame, self.ctx.Done())
}

func (self *dispatcher) sendBatch(instr batchInstr) {
	group := &batchGroup{
		ids:     make([]uint64, len(instr.calls)),
		replies: make([]callReply, len(instr.calls)),
		pending: len(instr.calls),
		reply:   instr.reply,
	}
	reqs := make([]rpcRequest, len(instr.calls))

	for i, call := range instr.calls {
		id := self.nextId()
		group.ids[i] = id
		self.reqs[id] = &inflight{method: call.method, params: call.params, batch: group, index: i}
		reqs[i] = rpcRequest{Method: call.method, Params: call.params, Id: id}
		self.metrics.requestSent(call.method)
	}

	frame, err := encodeBatch(reqs)
	if err != nil {
		for _, id := range group.ids {
			req := self.reqs[id]
			delete(self.reqs, id)
			self.deliver(req, callReply{id: id, err: err})
		}
		return
	}
	self.batches = append(self.pendingBatches(), group)
	self.logger.Debug().Int("size", len(reqs)).Msg("sending batch")
	self.actor.send(frame, self.ctx.Done())
}

func (self *dispatcher) route(frame rpcFrame) {
	var batches []*batchGroup

	for _, item := range frame.Items {
		if item.Notification {
			self.notify(item)
			continue
		}

		// A lone error without an id is how servers reject a whole batch.
		if item.Id == 0 && item.Error != nil && !frame.Batch && self.rejectBatch(item.Error) {
			continue
		}

		req, ok := self.reqs[item.Id]
		if !ok {
			event := self.logger.Debug()
			if item.Error != nil {
				event = self.logger.Warn().Err(item.Error)
			}
			event.Uint64("id", item.Id).Msg("dropping response without a matching request")
			continue
		}
		delete(self.reqs, item.Id)

		if req.batch != nil && frame.Batch {
			batches = append(batches, req.batch)
		}
		if req.sub != nil {
			self.subscribed(req, item)
			continue
		}
		self.deliver(req, callReply{id: item.Id, result: item.Result, err: itemError(item)})
	}

	for _, group := range batches {
		self.completeBatch(group)
	}
	self.metrics.setInflight(len(self.reqs))
}

func itemError(item rpcItem) error {
	if item.Error != nil {
		return item.Error
	}
	return nil
}

// Called after a batch reply has been routed. Members the server left out
// can no longer be answered.
func (self *dispatcher) completeBatch(group *batchGroup) {
	if group.pending == 0 {
		return
	}
	for _, id := range group.ids {
		req, ok := self.reqs[id]
		if ok && req.batch == group {
			delete(self.reqs, id)
			self.deliver(req, callReply{id: id, err: errors.WithStack(ErrIncompleteBatch)})
		}
	}
}

/*
Fails every unanswered member of the oldest outstanding batch with the given
error. Servers answer batches in order, so the rejection belongs to the oldest
one. Returns false if no batch is outstanding.
*/
func (self *dispatcher) rejectBatch(rpcErr *RpcError) bool {
	self.batches = self.pendingBatches()
	if len(self.batches) == 0 {
		return false
	}
	group := self.batches[0]
	self.batches[0] = nil
	self.batches = self.batches[1:]

	self.logger.Warn().Err(rpcErr).Int("size", len(group.ids)).Msg("batch rejected")
	for _, id := range group.ids {
		req, ok := self.reqs[id]
		if ok && req.batch == group {
			delete(self.reqs, id)
			self.deliver(req, callReply{id: id, err: rpcErr, rejected: true})
		}
	}
	return true
}

// Drops completed groups from "batches".
func (self *dispatcher) pendingBatches() []*batchGroup {
	out := self.batches[:0]
	for _, group := range self.batches {
		if group.pending > 0 {
			out = append(out, group)
		}
	}
	for i := len(out); i < len(self.batches); i++ {
		self.batches[i] = nil
	}
	return out
}

func (self *dispatcher) deliver(req *inflight, res callReply) {
	if res.err != nil {
		self.metrics.requestFailed(res.err)
	}

	if group := req.batch; group != nil {
		group.replies[req.index] = res
		group.pending--
		if group.pending == 0 {
			group.reply <- group.replies
		}
		return
	}

	if req.reply != nil {
		req.reply <- res
	}
}

func (self *dispatcher) subscribed(req *inflight, item rpcItem) {
	sub := req.sub

	err := itemError(item)
	var key string
	if err == nil {
		key, err = subscriptionKey(item.Result)
		if err != nil {
			err = decodeError(item.Result, err)
		}
	}

	if err != nil {
		if req.reply != nil {
			self.deliver(req, callReply{id: sub.id, err: err})
			return
		}
		self.logger.Warn().Err(err).Uint64("sub", sub.id).Msg("failed to re-subscribe after reconnecting")
		self.removeSub(sub)
		return
	}

	if sub.cancelled {
		self.unsubscribeServer(sub.method, item.Result, nil)
		return
	}

	sub.serverKey = key
	sub.serverRaw = item.Result
	self.subs[sub.id] = sub
	self.aliases[key] = sub.id
	self.metrics.setSubscriptions(len(self.subs))

	if req.reply != nil {
		self.queues.Store(sub.id, sub.queue)
		self.deliver(req, callReply{id: sub.id, result: item.Result})
	} else {
		self.logger.Debug().Uint64("sub", sub.id).Str("server_id", key).Msg("re-subscribed")
	}
}

func (self *dispatcher) notify(item rpcItem) {
	id, ok := self.aliases[item.Sub]
	if !ok {
		// Expected when a notification races an unsubscribe.
		self.metrics.notification("dropped")
		self.logger.Debug().Str("server_id", item.Sub).Msg("dropping notification for unknown subscription")
		return
	}

	sub := self.subs[id]
	if sub.queue.push(item.Payload) {
		self.metrics.notification("delivered")
		return
	}

	// The consumer closed its queue without unsubscribing.
	self.metrics.notification("dropped")
	self.removeSub(sub)
	self.unsubscribeServer(sub.method, sub.serverRaw, nil)
}

func (self *dispatcher) unsubscribe(instr unsubscribeInstr) {
	sub, ok := self.subs[instr.id]
	if !ok {
		if _, ok := self.retired[instr.id]; ok {
			instr.reply <- callReply{id: instr.id}
		} else {
			instr.reply <- callReply{id: instr.id, err: errors.WithStack(ErrUnknownSubscription)}
		}
		return
	}

	self.removeSub(sub)
	self.queues.Delete(sub.id)

	if sub.serverKey == "" {
		// Re-subscription in flight; the server id is unsubscribed once known.
		sub.cancelled = true
		instr.reply <- callReply{id: instr.id}
		return
	}
	self.unsubscribeServer(sub.method, sub.serverRaw, instr.reply)
}

func (self *dispatcher) unsubscribeServer(subMethod string, serverId json.RawMessage, reply chan callReply) {
	id := self.nextId()
	params := make(json.RawMessage, 0, len(serverId)+2)
	params = append(append(append(params, '['), serverId...), ']')

	req := &inflight{method: unsubscribeMethod(subMethod), params: params, reply: reply}
	self.reqs[id] = req
	self.sendRequest(id, req)
}

// "eth_subscribe" -> "eth_unsubscribe", and likewise for other namespaces.
func unsubscribeMethod(subMethod string) string {
	return strings.TrimSuffix(subMethod, "subscribe") + "unsubscribe"
}

func (self *dispatcher) removeSub(sub *activeSub) {
	delete(self.subs, sub.id)
	if sub.serverKey != "" && self.aliases[sub.serverKey] == sub.id {
		delete(self.aliases, sub.serverKey)
	}
	self.retired[sub.id] = struct{}{}
	sub.queue.close()
	self.metrics.setSubscriptions(len(self.subs))
}

/*
Handles the death of the current actor. Returns false if the dispatcher has
given up and terminated.
*/
func (self *dispatcher) recover(cause error) bool {
	self.logger.Warn().Err(cause).Int("reconnects_left", self.reconnects).Msg("connection lost")

	err := self.reconnect()
	if err != nil {
		self.logger.Error().Err(err).Msg("giving up on reconnecting")
		self.terminate(errors.Wrap(ErrManagerShutDown, cause.Error()))
		return false
	}

	self.logger.Info().Int("reconnects_left", self.reconnects).Msg("reconnected")
	self.reissue(cause)
	return true
}

/*
Each attempt, successful or not, consumes one unit of the budget, so the
budget bounds the total number of connection attempts over the client's
lifetime rather than per outage.
*/
func (self *dispatcher) reconnect() error {
	if self.reconnects <= 0 {
		return errors.New("no reconnect attempts left")
	}

	return retry.Do(
		func() error {
			self.reconnects--
			conn, err := self.connect(self.ctx)
			self.metrics.reconnect(err)
			if err != nil {
				return err
			}
			self.actor = self.startActor(conn)
			return nil
		},
		retry.Context(self.ctx),
		retry.Attempts(uint(self.reconnects)),
		retry.Delay(self.conf.ReconnectDelay.Std()),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			self.logger.Warn().Err(err).Uint("attempt", attempt+1).Msg("reconnect attempt failed")
		}),
	)
}

/*
Called on a fresh connection. The server has forgotten everything, so plain
requests fail with a dropped-connection error; they aren't retried because
they may not be idempotent. Subscriptions, both established and still pending,
are re-issued under their local ids so that consumers keep receiving
notifications.
*/
func (self *dispatcher) reissue(cause error) {
	dropped := transportError(errors.Wrap(ErrConnectionDropped, cause.Error()))

	for id, req := range self.reqs {
		if req.sub == nil {
			delete(self.reqs, id)
			self.deliver(req, callReply{id: id, err: dropped})
		}
	}

	for id, sub := range self.subs {
		if sub.serverKey != "" && self.aliases[sub.serverKey] == id {
			delete(self.aliases, sub.serverKey)
		}
		sub.serverKey = ""
		sub.serverRaw = nil
		if _, ok := self.reqs[id]; !ok {
			self.reqs[id] = &inflight{method: sub.method, params: sub.params, sub: sub}
		}
	}

	for id, req := range self.reqs {
		self.sendRequest(id, req)
	}
	self.metrics.setInflight(len(self.reqs))
}

// Fails everything and ends every subscription. Final.
func (self *dispatcher) terminate(err error) {
	self.err = err

	for id, req := range self.reqs {
		delete(self.reqs, id)
		self.deliver(req, callReply{id: id, err: err})
	}
	for _, sub := range self.subs {
		self.removeSub(sub)
	}
	self.batches = nil
	if self.actor != nil {
		self.actor.stop()
	}

	self.metrics.setInflight(0)
	self.logger.Debug().Err(err).Msg("dispatcher terminated")
	close(self.done)
}
