package transport

import (
	"sync"
	"sync/atomic"

	"peer-rpc/message"
)

// inbox holds a Conn's handler and delivers envelopes to it from a single
// goroutine, in the order they were pushed. Delivery waits until the first
// handler is installed.
type inbox struct {
	handler atomic.Pointer[Handler]
	ready   chan struct{}
	once    sync.Once

	mu     sync.Mutex
	queue  []*message.Envelope
	wake   chan struct{}
	closed chan struct{}
	stop   sync.Once
}

func newInbox() *inbox {
	return &inbox{
		ready:  make(chan struct{}),
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (b *inbox) setHandler(h Handler) {
	b.handler.Store(&h)
	b.once.Do(func() { close(b.ready) })
}

// push queues env for delivery. It never blocks.
func (b *inbox) push(env *message.Envelope) {
	b.mu.Lock()
	b.queue = append(b.queue, env)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// waitReady blocks until a handler is set; false if the inbox closed first.
func (b *inbox) waitReady() bool {
	select {
	case <-b.ready:
		return true
	case <-b.closed:
		return false
	}
}

// deliver hands env to the current handler.
func (b *inbox) deliver(env *message.Envelope) {
	if h := b.handler.Load(); h != nil && *h != nil {
		(*h)(env)
	}
}

// run drains the queue until close.
func (b *inbox) run() {
	if !b.waitReady() {
		return
	}
	for {
		b.mu.Lock()
		batch := b.queue
		b.queue = nil
		b.mu.Unlock()

		for _, env := range batch {
			b.deliver(env)
		}

		select {
		case <-b.wake:
		case <-b.closed:
			return
		}
	}
}

func (b *inbox) close() {
	b.stop.Do(func() { close(b.closed) })
}

func (b *inbox) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}
