package ethrpc

import (
	"context"
	"math/big"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type pendingState int

const (
	pendingGettingReceipt pendingState = iota
	pendingGettingBlockNumber
	pendingSleeping
	pendingCompleted
)

/*
Awaitable handle over a broadcast transaction. "Wait" polls for the receipt
and resolves once the transaction has the requested number of confirmations:
a receipt in block B with N confirmations resolves when the chain head reaches
B+N-1. An unmined transaction is polled indefinitely; bound the wait with the
context. Any RPC failure ends the wait; retrying is up to the caller.

Built with "NewPendingTx" and configured with the chainable setters before
calling "Wait". Not safe for concurrent use.
*/
type PendingTx struct {
	Hash Hash

	trans         Trans
	confirmations uint64
	interval      time.Duration
	logger        zerolog.Logger
	metrics       *Metrics

	state   pendingState
	receipt *TxReceipt
}

// Creates a pending transaction requiring one confirmation, polled every
// "DefaultPollInterval". See "PollIntervalFor" for local nodes.
func NewPendingTx(trans Trans, hash Hash) *PendingTx {
	return &PendingTx{
		Hash:          hash,
		trans:         trans,
		confirmations: DefaultConfirmations,
		interval:      DefaultPollInterval,
		logger:        zerolog.Nop(),
	}
}

// Sets the required confirmations. Zero is treated as one.
func (self *PendingTx) Confirmations(count uint64) *PendingTx {
	if count == 0 {
		count = 1
	}
	self.confirmations = count
	return self
}

// Sets the polling interval.
func (self *PendingTx) Interval(interval time.Duration) *PendingTx {
	self.interval = interval
	return self
}

// Applies logger, metrics, poll interval and confirmations from the config.
func (self *PendingTx) Configure(conf Config) *PendingTx {
	conf = conf.withDefaults()
	self.logger = conf.Logger.With().Str("hash", self.Hash.String()).Logger()
	self.metrics = conf.Metrics
	self.interval = conf.PollInterval.Std()
	return self.Confirmations(conf.Confirmations)
}

// Blocks until the transaction is confirmed, an RPC call fails, or the
// context is canceled.
func (self *PendingTx) Wait(ctx context.Context) (*TxReceipt, error) {
	for {
		done, err := self.step(ctx)
		if err != nil {
			self.state = pendingCompleted
			self.receipt = nil
			return nil, err
		}
		if done {
			return self.receipt, nil
		}
	}
}

// Performs one transition. All transitions live here.
func (self *PendingTx) step(ctx context.Context) (bool, error) {
	switch self.state {
	case pendingGettingReceipt:
		self.metrics.poll("pending")

		receipt, err := EthGetTxReceipt(ctx, self.trans, self.Hash)
		if err != nil {
			return false, err
		}
		if !receipt.IsMined() {
			self.logger.Debug().Msg("transaction not mined yet")
			self.state = pendingSleeping
			return false, nil
		}

		self.receipt = receipt
		if self.confirmations <= 1 {
			self.state = pendingCompleted
			return true, nil
		}
		self.state = pendingGettingBlockNumber
		return false, nil

	case pendingGettingBlockNumber:
		head, err := EthBlockNumber(ctx, self.trans)
		if err != nil {
			return false, err
		}
		if isConfirmed(self.receipt, head, self.confirmations) {
			self.state = pendingCompleted
			return true, nil
		}
		self.logger.Debug().
			Uint64("head", head).
			Str("block", self.receipt.BlockNumber.String()).
			Msg("waiting for confirmations")
		self.state = pendingSleeping
		return false, nil

	case pendingSleeping:
		err := sleep(ctx, self.interval)
		if err != nil {
			return false, err
		}
		// The receipt is fetched again because a reorg may have moved or
		// dropped the transaction.
		self.state = pendingGettingReceipt
		return false, nil

	case pendingCompleted:
		if self.receipt != nil {
			return true, nil
		}
		return false, errors.New("pending transaction already failed")
	}

	panic(errors.Errorf("unknown pending state %d", self.state))
}

// True once "head >= block + confirmations - 1".
func isConfirmed(receipt *TxReceipt, head uint64, confirmations uint64) bool {
	target := new(big.Int).SetUint64(confirmations)
	target.Add(target, receipt.BlockNumber.Big())
	target.Sub(target, big.NewInt(1))
	return new(big.Int).SetUint64(head).Cmp(target) >= 0
}

/*
Broadcasts a signed transaction and waits for the given number of
confirmations, polling with the interval and logger from the config.
*/
func SendRawAndWait(ctx context.Context, trans Trans, raw HexBytes, confirmations uint64, conf Config) (*TxReceipt, error) {
	hash, err := EthSendRawTx(ctx, trans, raw)
	if err != nil {
		return nil, err
	}
	return NewPendingTx(trans, hash).Configure(conf).Confirmations(confirmations).Wait(ctx)
}
