package signaling

import (
	"fmt"
	"sync"

	"github.com/alania-chat/alania/internal/proto"
)

// MemorySignaler routes signaling envelopes between in-process endpoints,
// bypassing the relay entirely. Two peer registries sharing one
// MemorySignaler can negotiate sessions without any network, which is how
// the connection flow is exercised in tests.
type MemorySignaler struct {
	mu        sync.Mutex
	endpoints map[string]*MemoryEndpoint
}

// NewMemorySignaler creates an in-process signaler with no endpoints.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{endpoints: make(map[string]*MemoryEndpoint)}
}

// Endpoint registers (or returns) the endpoint for an address. Envelopes
// sent by other endpoints with To=address are dispatched to its
// subscriptions.
func (m *MemorySignaler) Endpoint(address string) *MemoryEndpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.endpoints[address]; ok {
		return e
	}
	e := &MemoryEndpoint{
		signaler: m,
		address:  address,
		handlers: make(map[string]Handler),
	}
	m.endpoints[address] = e
	return e
}

// route delivers one envelope to the destination endpoint's handler,
// synchronously, outside the signaler lock.
func (m *MemorySignaler) route(env *proto.SignalingEnvelope) error {
	if env.ConversationID == "" && env.From != "" && env.To != "" {
		env.ConversationID = proto.ConversationID(env.From, env.To)
	}

	m.mu.Lock()
	dest := m.endpoints[env.To]
	m.mu.Unlock()
	if dest == nil {
		return fmt.Errorf("memory signaler: no endpoint for %q", env.To)
	}

	dest.mu.Lock()
	handler := dest.handlers[env.ConversationID]
	dest.mu.Unlock()
	if handler == nil {
		log.Warnf("memory signaler: %s has no handler for %s, dropping %s",
			env.To, env.ConversationID, env.Kind)
		return nil
	}
	handler(env)
	return nil
}

// MemoryEndpoint is one party on a MemorySignaler. It exposes the same
// Send/Subscribe surface as Transport.
type MemoryEndpoint struct {
	signaler *MemorySignaler
	address  string

	mu       sync.Mutex
	handlers map[string]Handler
}

// Send stamps the local address and routes the envelope to its destination.
func (e *MemoryEndpoint) Send(env *proto.SignalingEnvelope) error {
	if env.From == "" {
		env.From = e.address
	}
	return e.signaler.route(env)
}

// Subscribe registers the conversation handler. There is no pending buffer:
// envelopes for unsubscribed conversations are dropped with a warning.
func (e *MemoryEndpoint) Subscribe(conversationID string, handler Handler) *Subscription {
	e.mu.Lock()
	e.handlers[conversationID] = handler
	e.mu.Unlock()
	return NewSubscription(func() {
		e.mu.Lock()
		delete(e.handlers, conversationID)
		e.mu.Unlock()
	})
}
