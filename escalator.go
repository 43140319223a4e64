package ethrpc

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type escalationState int

const (
	escalationInitial escalationState = iota
	escalationSleeping
	escalationBroadcastingNew
	escalationCheckingReceipts
	escalationCompleted
)

/*
Broadcasts progressively more expensive variants of one transaction (same
nonce, re-signed with higher fees) until any of them is mined.

The cheapest variant goes out first. After each poll interval, if the
broadcast interval has passed since the last broadcast, the next variant
replaces it; otherwise the receipts of every variant sent so far are checked
concurrently, since an earlier, cheaper one may be the one that got mined.
The first receipt found resolves the wait. Any broadcast or receipt failure
ends it, with two exceptions: "nonce too low" after at least one broadcast
means an earlier variant was mined, so the rejected variant is dropped and it
goes straight to checking receipts;
"already known" means the node has the variant, so its locally computed hash
is recorded.

Not safe for concurrent use.
*/
type EscalatingPendingTx struct {
	trans             Trans
	unsent            []HexBytes // highest fee first; consumed from the back
	sent              []Hash
	broadcastInterval time.Duration
	pollInterval      time.Duration
	lastBroadcast     time.Time
	logger            zerolog.Logger
	metrics           *Metrics

	state   escalationState
	receipt *TxReceipt
}

/*
Creates an escalating transaction from raw signed variants, which must be in
strictly increasing fee order. Uses "DefaultBroadcastInterval" and
"DefaultEscalationPollInterval".
*/
func NewEscalatingPendingTx(trans Trans, ascending []HexBytes) *EscalatingPendingTx {
	unsent := make([]HexBytes, len(ascending))
	for i, raw := range ascending {
		unsent[len(ascending)-1-i] = raw
	}

	return &EscalatingPendingTx{
		trans:             trans,
		unsent:            unsent,
		broadcastInterval: DefaultBroadcastInterval,
		pollInterval:      DefaultEscalationPollInterval,
		logger:            zerolog.Nop(),
	}
}

// Minimum time between two broadcasts.
func (self *EscalatingPendingTx) BroadcastInterval(interval time.Duration) *EscalatingPendingTx {
	self.broadcastInterval = interval
	return self
}

// Time between receipt checks.
func (self *EscalatingPendingTx) PollInterval(interval time.Duration) *EscalatingPendingTx {
	self.pollInterval = interval
	return self
}

// Applies logger, metrics and both intervals from the config.
func (self *EscalatingPendingTx) Configure(conf Config) *EscalatingPendingTx {
	conf = conf.withDefaults()
	self.logger = conf.Logger
	self.metrics = conf.Metrics
	self.broadcastInterval = conf.BroadcastInterval.Std()
	self.pollInterval = conf.EscalationPollInterval.Std()
	return self
}

// Hashes broadcast so far, cheapest first.
func (self *EscalatingPendingTx) Sent() []Hash { return self.sent }

// Blocks until a variant is mined, a call fails, or the context is canceled.
func (self *EscalatingPendingTx) Wait(ctx context.Context) (*TxReceipt, error) {
	if self.state == escalationInitial && len(self.unsent) == 0 {
		return nil, errors.New("escalating transaction has no variants")
	}

	for self.state != escalationCompleted {
		err := self.step(ctx)
		if err != nil {
			self.state = escalationCompleted
			return nil, err
		}
	}
	if self.receipt == nil {
		return nil, errors.New("escalating transaction already failed")
	}
	return self.receipt, nil
}

// Performs one transition. All transitions live here.
func (self *EscalatingPendingTx) step(ctx context.Context) error {
	switch self.state {
	case escalationInitial:
		err := self.broadcastNext(ctx)
		if err != nil {
			return err
		}
		self.state = escalationSleeping

	case escalationSleeping:
		err := sleep(ctx, self.pollInterval)
		if err != nil {
			return err
		}
		if len(self.unsent) > 0 && time.Since(self.lastBroadcast) >= self.broadcastInterval {
			self.state = escalationBroadcastingNew
		} else {
			self.state = escalationCheckingReceipts
		}

	case escalationBroadcastingNew:
		err := self.broadcastNext(ctx)
		if err != nil {
			if len(self.sent) > 0 && isNonceTooLow(err) {
				self.logger.Debug().Err(err).Msg("nonce consumed, an earlier variant was likely mined")
				// The node will never accept this variant.
				self.popUnsent()
				self.state = escalationCheckingReceipts
				return nil
			}
			return err
		}
		self.state = escalationCheckingReceipts

	case escalationCheckingReceipts:
		receipt, err := self.checkReceipts(ctx)
		if err != nil {
			return err
		}
		if receipt != nil {
			self.receipt = receipt
			self.state = escalationCompleted
			return nil
		}
		self.state = escalationSleeping

	default:
		panic(errors.Errorf("unexpected escalation state %d", self.state))
	}
	return nil
}

func (self *EscalatingPendingTx) broadcastNext(ctx context.Context) error {
	last := len(self.unsent) - 1
	raw := self.unsent[last]

	hash, err := EthSendRawTx(ctx, self.trans, raw)
	if err != nil {
		if !isAlreadyKnown(err) {
			return err
		}
		hash = TxHash(raw)
	}

	self.popUnsent()
	self.sent = append(self.sent, hash)
	self.lastBroadcast = time.Now()
	self.metrics.broadcast()
	self.logger.Debug().Str("hash", hash.String()).Int("variant", len(self.sent)).Msg("broadcast transaction variant")
	return nil
}

func (self *EscalatingPendingTx) popUnsent() {
	last := len(self.unsent) - 1
	self.unsent[last] = nil
	self.unsent = self.unsent[:last]
}

// Returns the first mined receipt among the sent hashes, or nil.
func (self *EscalatingPendingTx) checkReceipts(ctx context.Context) (*TxReceipt, error) {
	self.metrics.poll("escalator")

	receipts := make([]*TxReceipt, len(self.sent))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, hash := range self.sent {
		i, hash := i, hash
		group.Go(func() error {
			receipt, err := EthGetTxReceipt(groupCtx, self.trans, hash)
			receipts[i] = receipt
			return err
		})
	}

	err := group.Wait()
	if err != nil {
		return nil, err
	}
	for _, receipt := range receipts {
		if receipt.IsMined() {
			return receipt, nil
		}
	}
	return nil, nil
}

func isNonceTooLow(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

// Wordings used by geth, older geth, and OpenEthereum respectively.
func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") ||
		strings.Contains(msg, "known transaction") ||
		strings.Contains(msg, "already imported")
}

/*
Broadcasts pre-signed variants in increasing fee order and waits for any of
them to be mined. Intervals come from the config.
*/
func SendEscalating(ctx context.Context, trans Trans, ascending []HexBytes, conf Config) (*TxReceipt, error) {
	return NewEscalatingPendingTx(trans, ascending).Configure(conf).Wait(ctx)
}
