// ABOUTME: Fan-out of one process output stream to any number of subscribers.
// ABOUTME: Delivery is lossless: a full subscriber buffer stalls the publisher until it drains or unsubscribes.

package process

import "sync"

// subscriberBufferSize is the channel buffer for each output subscriber.
const subscriberBufferSize = 256

type subscriber struct {
	ch       chan []byte
	quit     chan struct{}
	quitOnce sync.Once
}

// Broadcaster publishes byte chunks to every current subscriber. Publishing
// with no subscribers is a no-op. Once closed, Subscribe returns a channel
// that is already closed.
//
// Every subscriber sees every chunk published while it is subscribed. When a
// subscriber's buffer is full, Publish waits for it, which in turn stops the
// process output copy and leaves the process blocked on a full pipe.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool
}

// NewBroadcaster returns an open broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Subscribe registers a subscriber. The returned func unsubscribes and
// closes the channel; calling it more than once, or after Close, is safe.
// A subscriber that stops reading must unsubscribe to release the publisher.
func (b *Broadcaster) Subscribe() (<-chan []byte, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan []byte)
		close(ch)
		return ch, func() {}
	}

	sub := &subscriber{
		ch:   make(chan []byte, subscriberBufferSize),
		quit: make(chan struct{}),
	}
	b.subscribers[sub] = struct{}{}

	return sub.ch, func() {
		// quit first: a Publish blocked on this subscriber holds b.mu.
		sub.quitOnce.Do(func() { close(sub.quit) })

		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(sub.ch)
		}
	}
}

// Publish copies data to every subscriber, waiting on any whose buffer is
// full.
func (b *Broadcaster) Publish(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || len(b.subscribers) == 0 {
		return
	}

	chunk := make([]byte, len(data))
	copy(chunk, data)

	for sub := range b.subscribers {
		select {
		case sub.ch <- chunk:
		case <-sub.quit:
		}
	}
}

// Close closes every subscriber channel. Subsequent calls are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for sub := range b.subscribers {
		close(sub.ch)
	}
	b.subscribers = nil
}

// Closed reports whether Close has been called.
func (b *Broadcaster) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Write implements io.Writer so a broadcaster can be a process's stdout or
// stderr directly.
func (b *Broadcaster) Write(p []byte) (int, error) {
	b.Publish(p)
	return len(p), nil
}
