package client

import (
	"sync"

	"github.com/localrivet/gokernel/protocol"
)

// Bus fans inbound messages out to listeners. Each listener has its own
// unbounded queue and delivery goroutine, so a slow listener delays only itself.
// Messages are delivered to a listener in publish order.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	err    error
	done   chan struct{}
}

// NewBus creates an open bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[uint64]*Subscription),
		done: make(chan struct{}),
	}
}

// Subscription is one listener on a Bus.
type Subscription struct {
	bus     *Bus
	id      uint64
	handler func(*protocol.Message)

	mu      sync.Mutex
	queue   []*protocol.Message
	wake    chan struct{}
	stop    chan struct{}
	closing chan struct{}
	done    chan struct{}
	once    sync.Once
	drain   sync.Once
}

// Subscribe registers handler. It is called on the subscription's own
// goroutine, one message at a time. Subscribing to a closed bus returns an
// inert subscription.
func (b *Bus) Subscribe(handler func(*protocol.Message)) *Subscription {
	s := &Subscription{
		bus:     b,
		handler: handler,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.halt()
		close(s.done)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	go s.deliver()
	return s
}

// Publish queues msg for every active listener. It never blocks on a listener
// and is a no-op once the bus is closed.
func (b *Bus) Publish(msg *protocol.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.enqueue(msg)
	}
}

// Close stops accepting messages and records cause as the reason. Each
// listener still receives what was published before Close, then stops.
// Only the first call has an effect.
func (b *Bus) Close(cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.err = cause
	for id, s := range b.subs {
		delete(b.subs, id)
		s.drain.Do(func() { close(s.closing) })
	}
	close(b.done)
}

// Done is closed when the bus closes.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Err returns the cause passed to Close, or nil while the bus is open.
func (b *Bus) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Len returns the number of active listeners.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Done is closed once the delivery goroutine has exited. After the bus
// closes, that happens when every message published before Close has been
// handled.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Unsubscribe removes the listener. Queued messages are dropped. Calling it
// more than once, or from inside the handler, is safe.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	if s.bus.subs[s.id] == s {
		delete(s.bus.subs, s.id)
	}
	s.bus.mu.Unlock()
	s.halt()
}

func (s *Subscription) halt() {
	s.once.Do(func() { close(s.stop) })
}

func (s *Subscription) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Subscription) enqueue(msg *protocol.Message) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) deliver() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.closing:
			s.flush()
			return
		case <-s.wake:
		}
		if !s.flush() {
			return
		}
	}
}

// flush hands every queued message to the handler. It returns false when the
// subscription was stopped part way.
func (s *Subscription) flush() bool {
	s.mu.Lock()
	batch := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, msg := range batch {
		if s.stopped() {
			return false
		}
		s.handler(msg)
	}
	return true
}
