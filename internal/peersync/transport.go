package peersync

import (
	"context"
	"sync"

	"github.com/mkoval/authlink/internal/msgauth"
)

// EnvelopeType tags every wire message carried by a Transport.
const EnvelopeType = "AUTH_SYNC"

// Envelope is the outer wire object: a constant type tag plus the signed
// message. Anything without the tag is not ours and is ignored.
type Envelope struct {
	Type    string                 `json:"type"`
	Message *msgauth.SignedMessage `json:"message"`
}

// Handler receives inbound envelopes. It must not block for long; transports
// deliver sequentially per connection.
type Handler func(env *Envelope)

// Transport carries envelopes between contexts. Implementations broadcast:
// Send reaches every other endpoint on the channel, never the sender itself.
type Transport interface {
	Send(ctx context.Context, env *Envelope) error
	// Subscribe registers h for inbound envelopes and returns a cancel
	// function. Multiple subscribers each receive every envelope.
	Subscribe(h Handler) (cancel func())
	Close() error
}

// Loopback is an in-process broadcast hub connecting endpoints in one
// process: same-origin sibling contexts, and tests. Delivery is asynchronous
// so a handler that sends a reply never re-enters the hub lock.
type Loopback struct {
	mu        sync.Mutex
	endpoints map[int]*LoopbackEndpoint
	next      int
	wg        sync.WaitGroup
}

func NewLoopback() *Loopback {
	return &Loopback{endpoints: make(map[int]*LoopbackEndpoint)}
}

// Endpoint attaches a new endpoint to the hub.
func (l *Loopback) Endpoint() *LoopbackEndpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	ep := &LoopbackEndpoint{hub: l, id: l.next}
	l.endpoints[l.next] = ep
	l.next++
	return ep
}

// Wait blocks until all in-flight deliveries have been handled.
func (l *Loopback) Wait() { l.wg.Wait() }

func (l *Loopback) broadcast(from int, env *Envelope) {
	l.mu.Lock()
	targets := make([]*LoopbackEndpoint, 0, len(l.endpoints))
	for id, ep := range l.endpoints {
		if id != from {
			targets = append(targets, ep)
		}
	}
	l.mu.Unlock()

	for _, ep := range targets {
		l.wg.Add(1)
		go func(ep *LoopbackEndpoint) {
			defer l.wg.Done()
			ep.deliver(env)
		}(ep)
	}
}

// LoopbackEndpoint is one attachment point on a Loopback hub.
type LoopbackEndpoint struct {
	hub *Loopback
	id  int

	mu       sync.Mutex
	handlers map[int]Handler
	nextSub  int
	closed   bool
}

func (ep *LoopbackEndpoint) Send(ctx context.Context, env *Envelope) error {
	ep.hub.broadcast(ep.id, env)
	return nil
}

func (ep *LoopbackEndpoint) Subscribe(h Handler) func() {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.handlers == nil {
		ep.handlers = make(map[int]Handler)
	}
	id := ep.nextSub
	ep.nextSub++
	ep.handlers[id] = h
	return func() {
		ep.mu.Lock()
		defer ep.mu.Unlock()
		delete(ep.handlers, id)
	}
}

func (ep *LoopbackEndpoint) Close() error {
	ep.mu.Lock()
	ep.closed = true
	ep.handlers = nil
	ep.mu.Unlock()

	ep.hub.mu.Lock()
	delete(ep.hub.endpoints, ep.id)
	ep.hub.mu.Unlock()
	return nil
}

func (ep *LoopbackEndpoint) deliver(env *Envelope) {
	ep.mu.Lock()
	handlers := make([]Handler, 0, len(ep.handlers))
	for _, h := range ep.handlers {
		handlers = append(handlers, h)
	}
	ep.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}
