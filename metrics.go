package ethrpc

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

/*
Prometheus instrumentation shared by clients, pending transactions and
watchers. Pass the same instance via "Config.Metrics" to every component that
should report into it. A nil *Metrics is valid and records nothing.
*/
type Metrics struct {
	requests      *prometheus.CounterVec
	failures      *prometheus.CounterVec
	inflight      prometheus.Gauge
	subscriptions prometheus.Gauge
	notifications *prometheus.CounterVec
	malformed     prometheus.Counter
	reconnects    *prometheus.CounterVec
	broadcasts    prometheus.Counter
	polls         *prometheus.CounterVec
	retries       *prometheus.CounterVec
}

// Creates and registers the collectors. Panics if they're already registered
// with the same registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ethrpc",
			Name:      "requests_total",
			Help:      "JSON-RPC requests written to the connection, by method.",
		}, []string{"method"}),

		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ethrpc",
			Name:      "request_failures_total",
			Help:      "Failed JSON-RPC requests, by error kind.",
		}, []string{"kind"}),

		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ethrpc",
			Name:      "inflight_requests",
			Help:      "Requests awaiting a response.",
		}),

		subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ethrpc",
			Name:      "active_subscriptions",
			Help:      "Subscriptions present in the registry.",
		}),

		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ethrpc",
			Name:      "notifications_total",
			Help:      "Subscription notifications received, by outcome.",
		}, []string{"outcome"}),

		malformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ethrpc",
			Name:      "malformed_frames_total",
			Help:      "Inbound frames dropped because they couldn't be decoded.",
		}),

		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ethrpc",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts, by outcome.",
		}, []string{"outcome"}),

		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ethrpc",
			Name:      "escalation_broadcasts_total",
			Help:      "Transaction variants broadcast by escalating pending transactions.",
		}),

		polls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ethrpc",
			Name:      "polls_total",
			Help:      "Polling iterations, by component.",
		}, []string{"component"}),

		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ethrpc",
			Name:      "retries_total",
			Help:      "Calls repeated after a rate-limited or timed out attempt, by method.",
		}, []string{"method"}),
	}
}

func (self *Metrics) requestSent(method string) {
	if self != nil {
		self.requests.WithLabelValues(method).Inc()
	}
}

func (self *Metrics) requestFailed(err error) {
	if self != nil {
		self.failures.WithLabelValues(errorKind(err)).Inc()
	}
}

func (self *Metrics) setInflight(count int) {
	if self != nil {
		self.inflight.Set(float64(count))
	}
}

func (self *Metrics) setSubscriptions(count int) {
	if self != nil {
		self.subscriptions.Set(float64(count))
	}
}

func (self *Metrics) notification(outcome string) {
	if self != nil {
		self.notifications.WithLabelValues(outcome).Inc()
	}
}

func (self *Metrics) malformedFrame() {
	if self != nil {
		self.malformed.Inc()
	}
}

func (self *Metrics) reconnect(err error) {
	if self == nil {
		return
	}
	if err != nil {
		self.reconnects.WithLabelValues("failed").Inc()
	} else {
		self.reconnects.WithLabelValues("ok").Inc()
	}
}

func (self *Metrics) broadcast() {
	if self != nil {
		self.broadcasts.Inc()
	}
}

func (self *Metrics) poll(component string) {
	if self != nil {
		self.polls.WithLabelValues(component).Inc()
	}
}

func (self *Metrics) retry(method string) {
	if self != nil {
		self.retries.WithLabelValues(method).Inc()
	}
}

// Label for "request_failures_total".
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrManagerShutDown):
		return "shutdown"
	case errors.Is(err, ErrIncompleteBatch):
		return "incomplete_batch"
	case IsTransportError(err):
		return "transport"
	case IsDecodeError(err):
		return "decode"
	}
	if _, ok := AsRpcError(err); ok {
		return "rpc"
	}
	return "other"
}
