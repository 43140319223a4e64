package ethrpc

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

/*
Unbounded FIFO of notification payloads for one subscription. The dispatcher
is the only producer and must never block on a slow consumer, which is why
this isn't a buffered channel. Single consumer.
*/
type notifQueue struct {
	lock   sync.Mutex
	items  []json.RawMessage
	closed bool
	signal chan struct{}
}

func newNotifQueue() *notifQueue {
	return &notifQueue{signal: make(chan struct{}, 1)}
}

// Appends an item. Returns false if the queue has been closed by either side.
func (self *notifQueue) push(item json.RawMessage) bool {
	self.lock.Lock()
	if self.closed {
		self.lock.Unlock()
		return false
	}
	self.items = append(self.items, item)
	self.lock.Unlock()

	self.wake()
	return true
}

/*
Closes the queue. Items already queued remain available to "pop", after which
it returns io.EOF. Idempotent.
*/
func (self *notifQueue) close() {
	self.lock.Lock()
	self.closed = true
	self.lock.Unlock()
	self.wake()
}

// Like "close", but also discards queued items. Used by the consumer.
func (self *notifQueue) drop() {
	self.lock.Lock()
	self.closed = true
	self.items = nil
	self.lock.Unlock()
	self.wake()
}

func (self *notifQueue) wake() {
	select {
	case self.signal <- struct{}{}:
	default:
	}
}

// Blocks until an item is available, the queue is closed and drained
// (io.EOF), or the context is canceled.
func (self *notifQueue) pop(ctx context.Context) (json.RawMessage, error) {
	for {
		self.lock.Lock()
		if len(self.items) > 0 {
			item := self.items[0]
			self.items[0] = nil
			self.items = self.items[1:]
			self.lock.Unlock()
			return item, nil
		}
		closed := self.closed
		self.lock.Unlock()

		if closed {
			return nil, io.EOF
		}

		select {
		case <-self.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (self *notifQueue) len() int {
	self.lock.Lock()
	defer self.lock.Unlock()
	return len(self.items)
}
