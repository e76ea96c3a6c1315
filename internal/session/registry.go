// Package session owns the per-conversation peer sessions: one
// PeerConnection and one reliable data channel per conversation, negotiated
// through the relay and renegotiated in-band over the channel itself once it
// is up.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/alania-chat/alania/internal/event"
	"github.com/alania-chat/alania/internal/media"
	"github.com/alania-chat/alania/internal/proto"
	"github.com/alania-chat/alania/internal/signaling"
)

var log = logging.Logger("alania.session")

// ErrAnswerTimeout is returned when the remote side does not answer an offer
// in time. The session stays registered: a late answer is still applied while
// the session remains in the negotiating state.
var ErrAnswerTimeout = errors.New("session: timed out waiting for answer")

const answerTimeout = 30 * time.Second

// Purpose is a reason a session is kept open. A session closes when its last
// purpose is released, so an active call survives the chat view closing and
// vice versa.
type Purpose string

const (
	PurposeMessaging Purpose = "messaging-active"
	PurposeCall      Purpose = "call-active"
)

// Signaler is the signaling surface the registry needs: the relay transport
// in production, MemorySignaler endpoints in tests.
type Signaler interface {
	Send(*proto.SignalingEnvelope) error
	Subscribe(conversationID string, handler signaling.Handler) *signaling.Subscription
}

// EnvelopeSink receives decoded data-channel envelopes that are not
// negotiation control. The message orchestrator installs itself here and
// forwards call control to the call orchestrator.
type EnvelopeSink func(conversationID string, env *proto.ChannelEnvelope)

// Registry holds at most one live session per conversation and reacts to
// inbound signaling for the conversations it listens on.
type Registry struct {
	signaler Signaler
	source   media.Source
	bus      *event.Bus
	self     string

	mu         sync.Mutex
	sessions   map[string]*Session
	subs       map[string]*signaling.Subscription
	iceServers []webrtc.ICEServer

	sinkMu sync.RWMutex
	sink   EnvelopeSink

	answerWait time.Duration
}

// NewRegistry creates a registry for the local address self.
func NewRegistry(signaler Signaler, source media.Source, bus *event.Bus, self string) *Registry {
	return &Registry{
		signaler:   signaler,
		source:     source,
		bus:        bus,
		self:       self,
		sessions:   make(map[string]*Session),
		subs:       make(map[string]*signaling.Subscription),
		answerWait: answerTimeout,
	}
}

// SetSink installs the envelope sink. Must be called before sessions start
// receiving; envelopes arriving with no sink are dropped with a warning.
func (r *Registry) SetSink(fn EnvelopeSink) {
	r.sinkMu.Lock()
	r.sink = fn
	r.sinkMu.Unlock()
}

// UpdateICEServers replaces the ICE configuration for sessions created from
// now on. Existing sessions keep the configuration they were built with.
func (r *Registry) UpdateICEServers(servers []webrtc.ICEServer) {
	r.mu.Lock()
	r.iceServers = servers
	r.mu.Unlock()
}

// Get returns the session for a conversation, if one exists.
func (r *Registry) Get(conversationID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[conversationID]
	return s, ok
}

// Listen subscribes the registry to relay signaling for a conversation, so
// inbound offers create receiver sessions. Idempotent. The subscription is
// made outside the registry lock: Subscribe replays buffered envelopes into
// signalHandler, which locks the registry itself.
func (r *Registry) Listen(conversationID string) {
	r.mu.Lock()
	_, ok := r.subs[conversationID]
	r.mu.Unlock()
	if ok {
		return
	}

	sub := r.signaler.Subscribe(conversationID, r.signalHandler(conversationID))

	r.mu.Lock()
	if _, ok := r.subs[conversationID]; !ok {
		// A concurrent Listen may have won the race; either way the
		// transport holds one handler for the conversation, and whichever
		// Subscription is stored here cancels it.
		r.subs[conversationID] = sub
	}
	r.mu.Unlock()
}

// GetOrCreate returns the live session for a conversation, creating and
// negotiating one as initiator when none exists. The check-then-act is
// atomic under the registry lock, so concurrent callers share one session.
// On ErrAnswerTimeout the session is returned and stays registered.
func (r *Registry) GetOrCreate(ctx context.Context, conversationID string, purpose Purpose) (*Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[conversationID]; ok && !s.isClosed() {
		r.mu.Unlock()
		s.AddPurpose(purpose)
		return s, nil
	}
	s, err := r.newSession(conversationID, roleInitiator)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	s.purposes[purpose] = struct{}{}
	r.sessions[conversationID] = s
	r.mu.Unlock()

	r.Listen(conversationID)

	if err := s.negotiate(ctx); err != nil {
		if errors.Is(err, ErrAnswerTimeout) {
			log.Warnf("no answer for %s yet, keeping session", conversationID)
			return s, err
		}
		s.Close()
		return nil, err
	}
	return s, nil
}

// newSession builds a session and its PeerConnection. Called with r.mu held;
// the caller registers the session.
func (r *Registry) newSession(conversationID string, role role) (*Session, error) {
	pc, err := r.source.NewPeerConnection(webrtc.Configuration{ICEServers: r.iceServers})
	if err != nil {
		return nil, fmt.Errorf("session: peer connection: %w", err)
	}
	// Group signaling addresses the group id itself; the relay fans it out
	// to the members.
	peer := proto.PeerAddress(conversationID, r.self)
	if proto.IsGroup(conversationID) {
		peer = conversationID
	}
	s := &Session{
		registry:       r,
		conversationID: conversationID,
		peer:           peer,
		role:           role,
		pc:             pc,
		state:          StateNew,
		purposes:       make(map[Purpose]struct{}),
		answered:       make(chan struct{}),
		chanOpen:       make(chan struct{}),
	}
	pc.OnICECandidate(s.handleLocalCandidate)
	pc.OnTrack(s.handleRemoteTrack)
	pc.OnICEConnectionStateChange(s.handleICEState)
	pc.OnDataChannel(s.adoptChannel)
	return s, nil
}

// signalHandler routes relay frames for one conversation. It runs on the
// transport's dispatch path, so per-conversation arrival order is preserved.
func (r *Registry) signalHandler(conversationID string) signaling.Handler {
	return func(env *proto.SignalingEnvelope) {
		switch env.Kind {
		case proto.KindOffer:
			r.handleRemoteOffer(conversationID, env)
		case proto.KindAnswer:
			s, ok := r.Get(conversationID)
			if !ok {
				log.Warnf("answer for unknown session %s, dropping", conversationID)
				return
			}
			if err := s.applyAnswer(env.SDP); err != nil {
				log.Errorf("applying answer for %s: %v", conversationID, err)
			}
		case proto.KindCandidate:
			s, ok := r.Get(conversationID)
			if !ok {
				log.Warnf("candidate for unknown session %s, dropping", conversationID)
				return
			}
			s.addRemoteCandidate(env.Candidate)
		default:
			log.Warnf("unknown signal kind %q for %s", env.Kind, conversationID)
		}
	}
}

// handleRemoteOffer answers an inbound offer, creating a receiver session
// when none exists. A signaling race (both sides offered at once) is broken
// lexicographically: the smaller address is the canonical offerer.
func (r *Registry) handleRemoteOffer(conversationID string, env *proto.SignalingEnvelope) {
	r.mu.Lock()
	s, ok := r.sessions[conversationID]
	if ok && s.isClosed() {
		delete(r.sessions, conversationID)
		ok = false
	}
	if ok && s.role == roleInitiator && s.State() == StateNegotiating {
		if env.From > r.self {
			// We are the canonical offerer; the peer will answer ours.
			r.mu.Unlock()
			log.Debugf("ignoring glare offer from %s on %s", env.From, conversationID)
			return
		}
		// The peer is the canonical offerer. Abandon our attempt and
		// answer theirs.
		delete(r.sessions, conversationID)
		r.mu.Unlock()
		s.Close()
		r.mu.Lock()
		ok = false
	}
	if !ok {
		var err error
		s, err = r.newSession(conversationID, roleReceiver)
		if err != nil {
			r.mu.Unlock()
			log.Errorf("creating receiver session for %s: %v", conversationID, err)
			return
		}
		s.purposes[PurposeMessaging] = struct{}{}
		r.sessions[conversationID] = s
	}
	r.mu.Unlock()

	if err := s.answerOffer(env.SDP); err != nil {
		log.Errorf("answering offer from %s on %s: %v", env.From, conversationID, err)
		s.Close()
	}
}

// deliver hands a non-control channel envelope to the installed sink.
func (r *Registry) deliver(conversationID string, env *proto.ChannelEnvelope) {
	r.sinkMu.RLock()
	sink := r.sink
	r.sinkMu.RUnlock()
	if sink == nil {
		log.Warnf("no envelope sink, dropping %s for %s", env.Type, conversationID)
		return
	}
	sink(conversationID, env)
}

// remove drops the session from the map if it is still the registered one.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if current, ok := r.sessions[s.conversationID]; ok && current == s {
		delete(r.sessions, s.conversationID)
	}
	r.mu.Unlock()
}

// Close tears down every session and cancels all signaling subscriptions.
func (r *Registry) Close() error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	subs := r.subs
	r.subs = make(map[string]*signaling.Subscription)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	for _, s := range sessions {
		s.Close()
	}
	return nil
}
