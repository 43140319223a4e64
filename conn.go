package ethrpc

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

/*
A message-framed duplex connection to an RPC node. Implementations don't need
to be safe for concurrent use beyond one reader and one writer: the connection
actor reads from one goroutine and writes from another, and calls "Close" once.
*/
type FrameConn interface {
	// Blocks until a complete frame arrives. Any error is fatal.
	ReadFrame() ([]byte, error)

	// Writes one complete frame. Any error is fatal.
	WriteFrame([]byte) error

	Close() error
}

/*
Optional keepalive capability of a FrameConn. When implemented, the connection
actor pings the peer after an idle window and treats a missing pong as a
failure. "Pongs" must be signalled from within "ReadFrame". "WritePing" is
never called while a "WriteFrame" is in progress.
*/
type Pinger interface {
	WritePing() error
	Pongs() <-chan struct{}
}

// Establishes a fresh FrameConn. Called once on startup and again on every
// reconnect attempt.
type Connector func(ctx context.Context) (FrameConn, error)

const outboundQueueSize = 64

// Deadline for writing one frame to a socket.
const defaultWriteTimeout = 10 * time.Second

type readResult struct {
	frame []byte
	err   error
}

/*
Owns one FrameConn exclusively. A single loop hands outbound frames to a writer
goroutine one at a time, decodes inbound frames, and runs the keepalive.
Decoded frames are queued internally so that the loop never blocks on a slow
consumer; the consumer reads them from "inbound". With keepalive enabled, a
write that hasn't returned after a full keepalive window is a failure, even
for connections without ping support.

On failure, the loop reports the error exactly once via "errc", flushes the
frames it already decoded, and closes "inbound". On "stop", it closes "inbound"
without reporting anything. An actor is never restarted; reconnecting means
starting a new one.
*/
type connActor struct {
	conn      FrameConn
	keepalive time.Duration
	logger    zerolog.Logger
	metrics   *Metrics

	outbound chan []byte
	inbound  chan rpcFrame
	errc     chan error
	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	closer   sync.Once

	ready []rpcFrame
}

func startConnActor(conn FrameConn, keepalive time.Duration, logger zerolog.Logger, metrics *Metrics) *connActor {
	self := &connActor{
		conn:      conn,
		keepalive: keepalive,
		logger:    logger,
		metrics:   metrics,
		outbound:  make(chan []byte, outboundQueueSize),
		inbound:   make(chan rpcFrame),
		errc:      make(chan error, 1),
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	go self.run()
	return self
}

/*
Enqueues a frame for writing. Blocks only while the outbound queue is full,
and gives up when the actor stops or "abort" is closed. Returns false if the
frame wasn't accepted; a frame accepted just before the actor fails may still
be lost, which the owner detects via the failure.
*/
func (self *connActor) send(frame []byte, abort <-chan struct{}) bool {
	select {
	case <-self.done:
		return false
	case <-self.shutdown:
		return false
	default:
	}

	select {
	case self.outbound <- frame:
		return true
	case <-self.done:
		return false
	case <-self.shutdown:
		return false
	case <-abort:
		return false
	}
}

// Requests a clean exit and closes the connection, which unblocks a pending
// write. Idempotent.
func (self *connActor) stop() {
	self.stopOnce.Do(func() { close(self.shutdown) })
	self.closeConn()
}

// "stop" closes the connection, so I/O errors after it are expected.
func (self *connActor) stopping() bool {
	select {
	case <-self.shutdown:
		return true
	default:
		return false
	}
}

func (self *connActor) closeConn() {
	self.closer.Do(func() { self.conn.Close() })
}

/*
Returns the reported failure, if any. Only meaningful after "inbound" has been
closed; nil means the actor was stopped.
*/
func (self *connActor) failure() error {
	select {
	case err := <-self.errc:
		return err
	default:
		return nil
	}
}

func (self *connActor) run() {
	reads := make(chan readResult)
	go self.readLoop(reads)

	writes := make(chan []byte, 1)
	written := make(chan error)
	go self.writeLoop(writes, written)

	err := self.loop(reads, writes, written)
	close(self.done)
	self.closeConn()

	if err != nil {
		self.logger.Debug().Err(err).Msg("connection actor failed")
		self.errc <- transportError(err)
		self.flush()
	}
	close(self.inbound)
}

func (self *connActor) flush() {
	for _, frame := range self.ready {
		select {
		case self.inbound <- frame:
		case <-self.shutdown:
			return
		}
	}
	self.ready = nil
}

func (self *connActor) loop(reads <-chan readResult, writes chan<- []byte, written <-chan error) error {
	var pongs <-chan struct{}
	var idle <-chan time.Time
	var timer *time.Timer
	var stalls <-chan time.Time

	pinger, _ := self.conn.(Pinger)
	if self.keepalive > 0 {
		watchdog := time.NewTicker(self.keepalive)
		defer watchdog.Stop()
		stalls = watchdog.C

		if pinger != nil {
			pongs = pinger.Pongs()
			timer = time.NewTimer(self.keepalive)
			defer timer.Stop()
			idle = timer.C
		}
	}

	awaitingPong := false
	alive := func() {
		awaitingPong = false
		if timer != nil {
			timer.Reset(self.keepalive)
		}
	}

	writing := false
	var writeSince time.Time

	for {
		var inbound chan<- rpcFrame
		var next rpcFrame
		if len(self.ready) > 0 {
			inbound = self.inbound
			next = self.ready[0]
		}

		// One write at a time; the rest wait in the outbound queue.
		outbound := self.outbound
		if writing {
			outbound = nil
		}

		select {
		case <-self.shutdown:
			return nil

		case inbound <- next:
			self.ready[0] = rpcFrame{}
			self.ready = self.ready[1:]

		case frame := <-outbound:
			writes <- frame
			writing = true
			writeSince = time.Now()

		case err := <-written:
			if err != nil {
				if self.stopping() {
					return nil
				}
				return errors.Wrap(err, "failed to write frame")
			}
			writing = false

		case res := <-reads:
			if res.err != nil {
				if self.stopping() {
					return nil
				}
				return errors.Wrap(res.err, "failed to read frame")
			}
			alive()
			self.decode(res.frame)

		case <-pongs:
			alive()

		case <-stalls:
			if writing && time.Since(writeSince) >= self.keepalive {
				return errors.Errorf("write stalled for over %v", self.keepalive)
			}

		case <-idle:
			if awaitingPong {
				return errors.Errorf("no pong received within %v", self.keepalive)
			}
			// A write in progress is watched by the stall check instead.
			if !writing {
				err := pinger.WritePing()
				if err != nil {
					return errors.Wrap(err, "failed to write ping")
				}
				awaitingPong = true
			}
			timer.Reset(self.keepalive)
		}
	}
}

func (self *connActor) writeLoop(frames <-chan []byte, out chan<- error) {
	for {
		var frame []byte
		select {
		case frame = <-frames:
		case <-self.done:
			return
		}

		err := self.conn.WriteFrame(frame)
		select {
		case out <- err:
		case <-self.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (self *connActor) readLoop(out chan<- readResult) {
	for {
		frame, err := self.conn.ReadFrame()
		select {
		case out <- readResult{frame: frame, err: err}:
		case <-self.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Malformed frames are dropped; they never affect other traffic.
func (self *connActor) decode(input []byte) {
	frame, err := decodeFrame(input)
	if err != nil {
		self.metrics.malformedFrame()
		self.logger.Warn().Err(err).Msg("dropping malformed frame")
	}
	if len(frame.Items) > 0 {
		self.ready = append(self.ready, frame)
	}
}
