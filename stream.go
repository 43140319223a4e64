package ethrpc

import (
	"context"
	"encoding/json"
	"io"
	"reflect"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

/*
Lazy sequence of notifications for one subscription, in the order the server
sent them. Ends (io.EOF) once the subscription is closed or the client shuts
down; a transport failure that the client recovers from doesn't end it.

Not safe for concurrent "Next" calls. "Close" may be called from any
goroutine.
*/
type SubscriptionStream struct {
	// Local subscription id, stable across reconnects. Pass it to
	// "Client.Unsubscribe", or simply call "Close".
	Id uint64

	client    *Client
	queue     *notifQueue
	logger    zerolog.Logger
	closeOnce sync.Once
}

func newSubscriptionStream(client *Client, id uint64, queue *notifQueue) *SubscriptionStream {
	return &SubscriptionStream{
		Id:     id,
		client: client,
		queue:  queue,
		logger: client.logger.With().Uint64("sub", id).Logger(),
	}
}

// Returns the next raw notification payload, or io.EOF once the stream has
// ended.
func (self *SubscriptionStream) NextRaw(ctx context.Context) (json.RawMessage, error) {
	return self.queue.pop(ctx)
}

/*
Decodes the next notification into "out", which must be a non-nil pointer.
Payloads that fail to decode are logged and skipped rather than ending the
stream. Returns io.EOF once the stream has ended.
*/
func (self *SubscriptionStream) Next(ctx context.Context, out interface{}) error {
	for {
		payload, err := self.queue.pop(ctx)
		if err != nil {
			return err
		}

		err = decodeInto(payload, out)
		if err != nil {
			self.logger.Warn().Err(err).Msg("skipping undecodable notification")
			continue
		}
		return nil
	}
}

/*
Ends the stream and unsubscribes. Unsubscribing is best-effort: failures are
logged, never returned. Idempotent.
*/
func (self *SubscriptionStream) Close() error {
	self.closeOnce.Do(func() {
		self.queue.drop()

		ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
		defer cancel()

		known, err := self.client.Unsubscribe(ctx, self.Id)
		if err != nil {
			self.logger.Warn().Err(err).Msg("failed to unsubscribe")
			return
		}
		self.logger.Debug().Bool("known", known).Msg("unsubscribed")
	})
	return nil
}

/*
Decodes into a fresh value and assigns it to "out" only on success, so that a
failed decode never leaves "out" half-written.
*/
func decodeInto(payload json.RawMessage, out interface{}) error {
	rval := reflect.ValueOf(out)
	if rval.Kind() != reflect.Ptr || rval.IsNil() {
		return errors.Errorf("expected a non-nil pointer, got %T", out)
	}

	tmp := reflect.New(rval.Type().Elem())
	err := json.Unmarshal(payload, tmp.Interface())
	if err != nil {
		return decodeError(payload, err)
	}
	rval.Elem().Set(tmp.Elem())
	return nil
}

/*
Subscribes to new block headers, sending them over the provided channel.
Blocks until the context is canceled or the subscription ends; closes the
channel before returning. Returns nil when the subscription ended because the
client shut down or the stream was closed.
*/
func SubscribeToBlockHeads(ctx context.Context, trans PubsubTrans, out chan<- BlockHead) error {
	return forwardSubscription(ctx, trans, out, "newHeads")
}

// Like "SubscribeToBlockHeads", for event logs matching the filter. Logs
// dropped by a chain reorganization arrive again with "Removed" set.
func SubscribeToLogs(ctx context.Context, trans PubsubTrans, filter LogFilter, out chan<- LogEntry) error {
	filter, err := filter.wire()
	if err != nil {
		close(out)
		return err
	}
	return forwardSubscription(ctx, trans, out, "logs", filter)
}

// Like "SubscribeToBlockHeads", for hashes of transactions entering the
// node's pool.
func SubscribeToPendingTxs(ctx context.Context, trans PubsubTrans, out chan<- Hash) error {
	return forwardSubscription(ctx, trans, out, "newPendingTransactions")
}

func forwardSubscription[T any](ctx context.Context, trans PubsubTrans, out chan<- T, params ...interface{}) error {
	defer close(out)

	stream, err := trans.Subscribe(ctx, params...)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		var val T
		err := stream.Next(ctx, &val)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		select {
		case out <- val:
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		}
	}
}
