package ethrpc

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

/*
Anything yielding decoded items one at a time, ending with io.EOF. Both
"SubscriptionStream" and "FilterWatcher" qualify.
*/
type ItemSource interface {
	Next(ctx context.Context, out interface{}) error
}

// One entry of "StreamTxs". Exactly one of "Tx" and "Err" is set.
type TxResult struct {
	Hash Hash
	Tx   *Transaction
	Err  error
}

/*
Reads transaction hashes from the source and sends the full transactions over
the provided channel, fetching at most "limit" of them at once. Results arrive
in completion order, not hash order. A failed or empty lookup doesn't stop the
stream; it's reported in "TxResult.Err", with "ErrTxNotFound" when the node
doesn't know the hash.

Blocks until the source ends or fails, or the context is canceled, then waits
for lookups in progress and closes the channel. Returns nil when the source
ended with io.EOF.
*/
func StreamTxs(ctx context.Context, trans Trans, source ItemSource, limit int, out chan<- TxResult) error {
	defer close(out)

	if limit <= 0 {
		limit = DefaultTxFetchConcurrency
	}

	var group errgroup.Group
	group.SetLimit(limit)

	err := func() error {
		for {
			var hash Hash
			err := source.Next(ctx, &hash)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}

			// Blocks while "limit" lookups are in progress.
			group.Go(func() error {
				res := fetchTx(ctx, trans, hash)
				select {
				case out <- res:
				case <-ctx.Done():
				}
				return nil
			})
		}
	}()

	_ = group.Wait()
	return err
}

func fetchTx(ctx context.Context, trans Trans, hash Hash) TxResult {
	var tx *Transaction
	err := trans.Call(ctx, &tx, "eth_getTransactionByHash", hash)
	if err != nil {
		return TxResult{Hash: hash, Err: errors.Wrap(err, `error in "eth_getTransactionByHash"`)}
	}
	if tx == nil {
		return TxResult{Hash: hash, Err: errors.Wrapf(ErrTxNotFound, "transaction %v", hash)}
	}
	return TxResult{Hash: hash, Tx: tx}
}

/*
Convenience for the common case: full transactions entering the node's pool.
Uses a subscription when the transport supports it and a polled
pending-transaction filter otherwise, uninstalling the filter on exit.
*/
func StreamPendingTxs(ctx context.Context, trans Trans, limit int, conf Config, out chan<- TxResult) error {
	if pubsub, ok := trans.(PubsubTrans); ok {
		stream, err := pubsub.Subscribe(ctx, "newPendingTransactions")
		if err != nil {
			close(out)
			return err
		}
		defer stream.Close()
		return StreamTxs(ctx, trans, stream, limit, out)
	}

	watcher, err := WatchPendingTxs(ctx, trans)
	if err != nil {
		close(out)
		return err
	}
	watcher.Configure(conf)

	defer func() {
		uninstallCtx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
		defer cancel()
		_, err := watcher.Uninstall(uninstallCtx)
		if err != nil {
			conf.Logger.Warn().Err(err).Str("filter", watcher.Id).Msg("failed to uninstall filter")
		}
	}()

	return StreamTxs(ctx, trans, watcher, limit, out)
}
