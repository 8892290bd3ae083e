package realtime

import (
	"context"
	"slices"
	"sync"

	"github.com/matheus3301/convsync/internal/logging"
	"go.uber.org/zap"
)

// Transport delivers envelopes for the channels it is subscribed to.
// Subscribe and Unsubscribe never block; a transport that is offline applies
// them once it connects.
type Transport interface {
	Subscribe(channel string)
	Unsubscribe(channel string)
	Envelopes() <-chan Envelope
}

// Handler receives decoded events for a channel.
type Handler func(Event)

// Hub multiplexes channel subscriptions over a single transport. A channel
// stays subscribed on the transport while at least one handler holds it.
type Hub struct {
	transport Transport
	logger    *zap.Logger

	mu   sync.RWMutex
	subs map[string]map[int]Handler
	next int
}

// NewHub creates a hub over transport.
func NewHub(transport Transport, logger *zap.Logger) *Hub {
	return &Hub{
		transport: transport,
		logger:    logging.OrNop(logger),
		subs:      make(map[string]map[int]Handler),
	}
}

// Subscribe registers fn for channel and returns a func that removes it.
// Transport calls happen under the hub lock so they reach the transport in
// the same order as the refcount changes.
func (h *Hub) Subscribe(channel string, fn Handler) (unsubscribe func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	handlers, ok := h.subs[channel]
	if !ok {
		handlers = make(map[int]Handler)
		h.subs[channel] = handlers
	}
	handlers[id] = fn
	if !ok {
		h.transport.Subscribe(channel)
	}
	h.mu.Unlock()

	if !ok {
		h.logger.Debug("channel subscribed", zap.String("channel", channel))
	}

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(channel, id) })
	}
}

func (h *Hub) remove(channel string, id int) {
	h.mu.Lock()
	handlers := h.subs[channel]
	delete(handlers, id)
	last := len(handlers) == 0
	if last {
		delete(h.subs, channel)
		h.transport.Unsubscribe(channel)
	}
	h.mu.Unlock()

	if last {
		h.logger.Debug("channel unsubscribed", zap.String("channel", channel))
	}
}

// Channels returns the currently subscribed channels, sorted.
func (h *Hub) Channels() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.subs))
	for ch := range h.subs {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

// Run dispatches envelopes until ctx is done or the transport stops.
func (h *Hub) Run(ctx context.Context) {
	envs := h.transport.Envelopes()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-envs:
			if !ok {
				return
			}
			h.Dispatch(env)
		}
	}
}

// Dispatch decodes env and hands it to every handler of its channel.
// Undecodable envelopes are logged and dropped.
func (h *Hub) Dispatch(env Envelope) {
	evt := Decode(env)
	if u, ok := evt.(Unknown); ok {
		h.logger.Debug("ignoring realtime event",
			zap.String("channel", env.Channel),
			zap.String("event", u.Name),
			zap.Error(u.Err),
		)
		return
	}

	h.mu.RLock()
	handlers := make([]Handler, 0, len(h.subs[env.Channel]))
	for _, fn := range h.subs[env.Channel] {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(evt)
	}
}
