// Package event is the typed notification bus between the connection layer
// and the UI collaborator. It replaces stringly-keyed emitter events with
// one feed per payload type; subscribers get a channel and a cancel func.
package event

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/alania-chat/alania/internal/proto"
)

// IncomingCall is published when a remote call_request arrives. The UI
// decides whether to accept; nothing is auto-accepted.
type IncomingCall struct {
	ConversationID string
	From           string
	IsVideo        bool
}

// RemoteTrack is published when a remote media track becomes available on a
// peer session (call connected, or renegotiation added a track).
type RemoteTrack struct {
	ConversationID string
	Kind           webrtc.RTPCodecType
	Track          *webrtc.TrackRemote
}

// CallEnded is published when the active call leaves the connected phase,
// whatever the reason (hang-up, reject, remote hang-up).
type CallEnded struct {
	ConversationID string
	Reason         string
}

// MessageReceived is published for every chat message accepted from the
// reliable channel, after it has been handed to persistence.
type MessageReceived struct {
	ConversationID string
	Message        *proto.Message
}

// Bus fans out typed events to any number of subscribers. Publishing never
// blocks: a subscriber that falls behind its channel buffer misses events.
type Bus struct {
	incomingCalls feed[IncomingCall]
	remoteTracks  feed[RemoteTrack]
	callEnded     feed[CallEnded]
	messages      feed[MessageReceived]
}

// NewBus creates an empty bus.
func NewBus() *Bus { return &Bus{} }

func (b *Bus) PublishIncomingCall(e IncomingCall) { b.incomingCalls.publish(e) }
func (b *Bus) PublishRemoteTrack(e RemoteTrack) { b.remoteTracks.publish(e) }
func (b *Bus) PublishCallEnded(e CallEnded) { b.callEnded.publish(e) }
func (b *Bus) PublishMessageReceived(e MessageReceived) { b.messages.publish(e) }

// SubscribeIncomingCalls returns a channel of IncomingCall events and a
// cancel func. Cancel closes the channel and detaches the subscriber.
func (b *Bus) SubscribeIncomingCalls() (<-chan IncomingCall, func()) {
	return b.incomingCalls.subscribe()
}

func (b *Bus) SubscribeRemoteTracks() (<-chan RemoteTrack, func()) {
	return b.remoteTracks.subscribe()
}

func (b *Bus) SubscribeCallEnded() (<-chan CallEnded, func()) {
	return b.callEnded.subscribe()
}

func (b *Bus) SubscribeMessages() (<-chan MessageReceived, func()) {
	return b.messages.subscribe()
}

const subscriberBuffer = 32

// feed is one typed listener set.
type feed[T any] struct {
	mu        sync.Mutex
	listeners map[chan T]struct{}
}

func (f *feed[T]) subscribe() (<-chan T, func()) {
	ch := make(chan T, subscriberBuffer)
	f.mu.Lock()
	if f.listeners == nil {
		f.listeners = make(map[chan T]struct{})
	}
	f.listeners[ch] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if _, ok := f.listeners[ch]; ok {
			delete(f.listeners, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

func (f *feed[T]) publish(e T) {
	f.mu.Lock()
	for ch := range f.listeners {
		select {
		case ch <- e:
		default:
			// Subscriber buffer full, skip.
		}
	}
	f.mu.Unlock()
}
