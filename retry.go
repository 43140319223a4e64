package ethrpc

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

/*
Trans wrapper that repeats calls rejected by rate limiting. The delay before
each repeat is "Backoff" multiplied by the attempt number plus the count of
other calls currently going through the same wrapper, so a burst of callers
backs off harder than a single one.

Any other failure is returned as-is after the first attempt. After the last
allowed attempt, the last error is returned with context. Safe for concurrent
use; the fields must not change after the first call.
*/
type RetryTrans struct {
	Trans    Trans
	Attempts uint
	Backoff  time.Duration

	// Decides whether an error is worth another attempt. Nil means
	// "IsRateLimited".
	ShouldRetry func(error) bool

	Logger  zerolog.Logger
	Metrics *Metrics

	inflight atomic.Int64
}

// Wraps the transport using the retry settings, logger and metrics from the
// config.
func NewRetryTrans(trans Trans, conf Config) *RetryTrans {
	conf = conf.withDefaults()
	return &RetryTrans{
		Trans:    trans,
		Attempts: conf.RetryAttempts,
		Backoff:  conf.RetryBackoff.Std(),
		Logger:   conf.Logger,
		Metrics:  conf.Metrics,
	}
}

// Implements "Trans".
func (self *RetryTrans) Call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	self.inflight.Add(1)
	defer self.inflight.Add(-1)

	attempts := self.Attempts
	if attempts == 0 {
		attempts = DefaultRetryAttempts
	}

	err := retry.Do(
		func() error {
			return self.Trans.Call(ctx, out, method, params...)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.DelayType(self.delay),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && self.shouldRetry(err)
		}),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			self.Metrics.retry(method)
			self.Logger.Debug().Err(err).Str("method", method).Uint("attempt", attempt+1).Msg("retrying call")
		}),
	)
	if err != nil && self.shouldRetry(err) {
		return errors.WithMessagef(err, "gave up on %q after %d attempts", method, attempts)
	}
	return err
}

// "n" starts at 1 for the first repeat.
func (self *RetryTrans) delay(n uint, _ error, _ *retry.Config) time.Duration {
	others := self.inflight.Load() - 1
	if others < 0 {
		others = 0
	}
	return self.Backoff * time.Duration(int64(n)+others)
}

func (self *RetryTrans) shouldRetry(err error) bool {
	if self.ShouldRetry != nil {
		return self.ShouldRetry(err)
	}
	return IsRateLimited(err)
}

/*
True for errors that mean "slow down": HTTP 429, JSON-RPC errors from
providers that enforce request quotas, and transport timeouts. Context
cancellation doesn't count.
*/
func IsRateLimited(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var status *HttpStatusError
	if errors.As(err, &status) {
		return status.Code == http.StatusTooManyRequests
	}

	if rpcErr, ok := AsRpcError(err); ok {
		// 429 is used by Alchemy, -32005 by Infura.
		if rpcErr.Code == 429 || rpcErr.Code == -32005 {
			return true
		}
		msg := strings.ToLower(rpcErr.Message)
		return strings.Contains(msg, "rate limit") ||
			strings.Contains(msg, "too many requests") ||
			strings.Contains(msg, "limit exceeded")
	}

	var netErr net.Error
	return IsTransportError(err) && errors.As(err, &netErr) && netErr.Timeout()
}
