package signaling

import (
	"sync"

	"github.com/alania-chat/alania/internal/proto"
)

const (
	// pendingCap bounds each per-conversation queue of envelopes that
	// arrived before a handler was registered.
	pendingCap = 100

	// pendingKeep is how many of the newest envelopes survive an overflow.
	pendingKeep = 50
)

// pendingBuffer absorbs the race where a remote offer or candidate arrives
// before the local side has subscribed its conversation handler (receiver
// setup is asynchronous, typically awaiting media acquisition).
//
// This is a best-effort liveness safeguard, not a correctness guarantee:
// on overflow the oldest half of a queue is discarded and a warning is
// logged. A peer that needs a dropped candidate will renegotiate.
type pendingBuffer struct {
	mu     sync.Mutex
	queues map[string][]*proto.SignalingEnvelope
}

func newPendingBuffer() *pendingBuffer {
	return &pendingBuffer{queues: make(map[string][]*proto.SignalingEnvelope)}
}

// add appends env to the conversation's queue, trimming to the newest
// pendingKeep entries on overflow. Returns true if the overflow trim fired.
func (p *pendingBuffer) add(conversationID string, env *proto.SignalingEnvelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	q := append(p.queues[conversationID], env)
	trimmed := false
	if len(q) > pendingCap {
		q = append([]*proto.SignalingEnvelope(nil), q[len(q)-pendingKeep:]...)
		trimmed = true
	}
	p.queues[conversationID] = q
	return trimmed
}

// drain removes and returns all buffered envelopes for the conversation in
// original arrival order.
func (p *pendingBuffer) drain(conversationID string) []*proto.SignalingEnvelope {
	p.mu.Lock()
	defer p.mu.Unlock()

	q := p.queues[conversationID]
	delete(p.queues, conversationID)
	return q
}

// drop discards any buffered envelopes for the conversation.
func (p *pendingBuffer) drop(conversationID string) {
	p.mu.Lock()
	delete(p.queues, conversationID)
	p.mu.Unlock()
}

// size reports the queue length for the conversation.
func (p *pendingBuffer) size(conversationID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues[conversationID])
}
