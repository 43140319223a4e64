package ethrpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

/*
Poll-based alternative to SubscriptionStream, for transports without server
push. Every interval it calls "eth_getFilterChanges", buffers the batch, and
yields the items one at a time before polling again. A failed poll yields
nothing for that tick; the watcher keeps going until the context is canceled.

Not safe for concurrent use.
*/
type FilterWatcher struct {
	// Server-assigned filter id, as returned by "eth_newFilter" and friends.
	Id string

	trans    Trans
	interval time.Duration
	logger   zerolog.Logger
	metrics  *Metrics
	buf      []json.RawMessage
}

// Creates a watcher for an installed filter, polling at the default interval.
func NewFilterWatcher(trans Trans, id string) *FilterWatcher {
	return &FilterWatcher{
		Id:       id,
		trans:    trans,
		interval: DefaultPollInterval,
		logger:   zerolog.Nop(),
	}
}

// Sets the polling interval. Returns the same watcher.
func (self *FilterWatcher) Interval(interval time.Duration) *FilterWatcher {
	self.interval = interval
	return self
}

// Applies logger, metrics and poll interval from the config.
func (self *FilterWatcher) Configure(conf Config) *FilterWatcher {
	conf = conf.withDefaults()
	self.interval = conf.PollInterval.Std()
	self.logger = conf.Logger.With().Str("filter", self.Id).Logger()
	self.metrics = conf.Metrics
	return self
}

/*
Decodes the next item into "out", polling as needed. Items that fail to decode
are logged and skipped. Only returns an error when the context is canceled.
*/
func (self *FilterWatcher) Next(ctx context.Context, out interface{}) error {
	for {
		raw, err := self.NextRaw(ctx)
		if err != nil {
			return err
		}

		err = decodeInto(raw, out)
		if err != nil {
			self.logger.Warn().Err(err).Msg("skipping undecodable filter item")
			continue
		}
		return nil
	}
}

// Returns the next raw item, polling as needed.
func (self *FilterWatcher) NextRaw(ctx context.Context) (json.RawMessage, error) {
	for len(self.buf) == 0 {
		err := sleep(ctx, self.interval)
		if err != nil {
			return nil, err
		}
		self.buf = self.poll(ctx)
	}

	item := self.buf[0]
	self.buf[0] = nil
	self.buf = self.buf[1:]
	return item, nil
}

func (self *FilterWatcher) poll(ctx context.Context) []json.RawMessage {
	self.metrics.poll("filter")

	var changes []json.RawMessage
	err := self.trans.Call(ctx, &changes, "eth_getFilterChanges", self.Id)
	if err != nil {
		if ctx.Err() == nil {
			self.logger.Warn().Err(err).Msg("failed to poll filter changes")
		}
		return nil
	}
	return changes
}

// Removes the filter from the node. Returns whether the node knew it.
func (self *FilterWatcher) Uninstall(ctx context.Context) (bool, error) {
	return EthUninstallFilter(ctx, self.trans, self.Id)
}

// Installs a log filter and returns a watcher for it.
func WatchLogs(ctx context.Context, trans Trans, filter LogFilter) (*FilterWatcher, error) {
	id, err := EthNewFilter(ctx, trans, filter)
	if err != nil {
		return nil, err
	}
	return NewFilterWatcher(trans, id), nil
}

// Installs a new-block filter and returns a watcher yielding block hashes.
func WatchBlocks(ctx context.Context, trans Trans) (*FilterWatcher, error) {
	id, err := EthNewBlockFilter(ctx, trans)
	if err != nil {
		return nil, err
	}
	return NewFilterWatcher(trans, id), nil
}

// Installs a pending-transaction filter and returns a watcher yielding
// transaction hashes.
func WatchPendingTxs(ctx context.Context, trans Trans) (*FilterWatcher, error) {
	id, err := EthNewPendingTxFilter(ctx, trans)
	if err != nil {
		return nil, err
	}
	return NewFilterWatcher(trans, id), nil
}

// Cooperative sleep, interrupted by the context.
func sleep(ctx context.Context, dur time.Duration) error {
	timer := time.NewTimer(dur)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}
