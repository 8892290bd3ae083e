package realtime

import (
	"sync"
)

// Broker is an in-process channel service. Every transport it creates sees
// what is published on the channels that transport subscribed to.
type Broker struct {
	mu         sync.Mutex
	transports map[*MemoryTransport]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{transports: make(map[*MemoryTransport]struct{})}
}

// NewTransport connects a new client to the broker.
func (b *Broker) NewTransport() *MemoryTransport {
	t := &MemoryTransport{
		broker:   b,
		channels: make(map[string]bool),
		out:      make(chan Envelope, 256),
	}
	b.mu.Lock()
	b.transports[t] = struct{}{}
	b.mu.Unlock()
	return t
}

// Publish delivers env to every transport subscribed to env.Channel.
// Returns how many transports received it.
func (b *Broker) Publish(env Envelope) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for t := range b.transports {
		if t.deliver(env) {
			n++
		}
	}
	return n
}

// MemoryTransport is a Transport attached to a Broker.
type MemoryTransport struct {
	broker *Broker

	mu       sync.Mutex
	channels map[string]bool
	closed   bool
	out      chan Envelope
}

func (t *MemoryTransport) Subscribe(channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channels[channel] = true
}

func (t *MemoryTransport) Unsubscribe(channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.channels, channel)
}

func (t *MemoryTransport) Envelopes() <-chan Envelope { return t.out }

// Subscribed reports whether channel is currently subscribed.
func (t *MemoryTransport) Subscribed(channel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channels[channel]
}

// Close detaches the transport and closes its envelope channel.
func (t *MemoryTransport) Close() {
	t.broker.mu.Lock()
	delete(t.broker.transports, t)
	t.broker.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.out)
	}
}

func (t *MemoryTransport) deliver(env Envelope) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || !t.channels[env.Channel] {
		return false
	}
	select {
	case t.out <- env:
		return true
	default:
		return false
	}
}
