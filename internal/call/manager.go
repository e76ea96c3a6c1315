// Package call orchestrates audio/video calls on top of established peer
// sessions. Call control (request/accept/reject) travels over the session's
// data channel; media is attached to the same PeerConnection through in-band
// renegotiation, so a call never needs a second signaling round through the
// relay.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/alania-chat/alania/internal/event"
	"github.com/alania-chat/alania/internal/proto"
	"github.com/alania-chat/alania/internal/session"
)

var log = logging.Logger("alania.call")

// Phase is the local call state. There is one call state per client: no
// concurrent calls.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRingingOut Phase = "ringing_out"
	PhaseRingingIn  Phase = "ringing_in"
	PhaseConnected  Phase = "connected"
)

var (
	// ErrNoSession: calls ride an existing messaging session. Callers
	// open the conversation (which negotiates the session) before dialing.
	ErrNoSession = errors.New("call: no session for conversation")

	// ErrBusy rejects a second concurrent call.
	ErrBusy = errors.New("call: another call is in progress")
)

// ringTimeout bounds both ringing phases. An unanswered outbound call falls
// back to idle; an unanswered inbound call stops ringing as missed.
const ringTimeout = 30 * time.Second

// Manager tracks the single local call.
type Manager struct {
	registry *session.Registry
	bus      *event.Bus
	self     string

	mu             sync.Mutex
	phase          Phase
	conversationID string
	peer           string
	video          bool
	epoch          int
	ringTimer      *time.Timer
}

// New creates an idle call manager. Wire its HandleEnvelope into the
// channel-envelope flow for call control to reach it.
func New(registry *session.Registry, bus *event.Bus, self string) *Manager {
	return &Manager{
		registry: registry,
		bus:      bus,
		self:     self,
		phase:    PhaseIdle,
	}
}

// Phase returns the current call phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Active returns the conversation of the current call, or "" when idle.
func (m *Manager) Active() (string, Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversationID, m.phase
}

// Start dials the target. The session for the conversation must already be
// connected; local media is attached first, then the call request rings the
// peer. Denied capture degrades to receive-only; a failed renegotiation
// aborts the call and leaves messaging untouched.
func (m *Manager) Start(ctx context.Context, target string, video bool) error {
	conversationID := proto.ConversationID(m.self, target)
	s, ok := m.registry.Get(conversationID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, conversationID)
	}

	m.mu.Lock()
	if m.phase != PhaseIdle {
		m.mu.Unlock()
		return ErrBusy
	}
	m.phase = PhaseRingingOut
	m.conversationID = conversationID
	m.peer = target
	m.video = video
	epoch := m.bumpEpochLocked()
	m.mu.Unlock()

	s.AddPurpose(session.PurposeCall)
	if err := s.AddMedia(ctx, video); err != nil {
		m.abort(epoch, s)
		return fmt.Errorf("call: attach media: %w", err)
	}
	if err := s.SendEnvelope(&proto.ChannelEnvelope{
		Type:    proto.EnvCallRequest,
		IsVideo: video,
	}); err != nil {
		m.abort(epoch, s)
		return fmt.Errorf("call: send request: %w", err)
	}

	m.armRingTimer(epoch, "timeout")
	log.Infof("ringing %s (video=%v)", target, video)
	return nil
}

// Accept answers the inbound call currently ringing: attach media, confirm
// to the caller, go connected. On a failed renegotiation the call keeps
// ringing so the user can retry or reject.
func (m *Manager) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != PhaseRingingIn {
		phase := m.phase
		m.mu.Unlock()
		return fmt.Errorf("call: accept in phase %s", phase)
	}
	conversationID := m.conversationID
	video := m.video
	epoch := m.epoch
	m.mu.Unlock()

	s, ok := m.registry.Get(conversationID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, conversationID)
	}
	if err := s.AddMedia(ctx, video); err != nil {
		return fmt.Errorf("call: attach media: %w", err)
	}
	if err := s.SendEnvelope(&proto.ChannelEnvelope{Type: proto.EnvCallAccept}); err != nil {
		return fmt.Errorf("call: send accept: %w", err)
	}

	m.mu.Lock()
	if m.epoch != epoch || m.phase != PhaseRingingIn {
		m.mu.Unlock()
		return nil
	}
	m.phase = PhaseConnected
	m.stopRingTimerLocked()
	m.mu.Unlock()
	log.Infof("call connected on %s", conversationID)
	return nil
}

// Reject declines the inbound call. The session stays up for messaging.
func (m *Manager) Reject() error {
	m.mu.Lock()
	if m.phase != PhaseRingingIn {
		phase := m.phase
		m.mu.Unlock()
		return fmt.Errorf("call: reject in phase %s", phase)
	}
	conversationID := m.conversationID
	epoch := m.epoch
	m.mu.Unlock()

	if s, ok := m.registry.Get(conversationID); ok {
		if err := s.SendEnvelope(&proto.ChannelEnvelope{Type: proto.EnvCallReject}); err != nil {
			log.Warnf("sending reject on %s: %v", conversationID, err)
		}
		m.abort(epoch, s)
	} else {
		m.toIdle(epoch)
	}
	log.Infof("rejected call on %s", conversationID)
	return nil
}

// HangUp ends the current call in any non-idle phase. The reject notice
// doubles as the hang-up signal; only the call purpose is released, so the
// session survives for messaging.
func (m *Manager) HangUp() {
	m.mu.Lock()
	if m.phase == PhaseIdle {
		m.mu.Unlock()
		return
	}
	conversationID := m.conversationID
	epoch := m.epoch
	m.mu.Unlock()

	s, ok := m.registry.Get(conversationID)
	if ok {
		if err := s.SendEnvelope(&proto.ChannelEnvelope{Type: proto.EnvCallReject}); err != nil {
			log.Warnf("sending hang-up on %s: %v", conversationID, err)
		}
		m.abort(epoch, s)
	} else {
		m.toIdle(epoch)
	}
	m.bus.PublishCallEnded(event.CallEnded{ConversationID: conversationID, Reason: "hangup"})
	log.Infof("hung up on %s", conversationID)
}

// HandleEnvelope consumes one call-control envelope from the data channel.
// Non-control envelopes are ignored.
func (m *Manager) HandleEnvelope(conversationID string, env *proto.ChannelEnvelope) {
	switch env.Type {
	case proto.EnvCallRequest:
		m.handleRequest(conversationID, env)
	case proto.EnvCallAccept:
		m.handleAccept(conversationID)
	case proto.EnvCallReject:
		m.handleReject(conversationID)
	}
}

func (m *Manager) handleRequest(conversationID string, env *proto.ChannelEnvelope) {
	m.mu.Lock()
	if m.phase != PhaseIdle {
		m.mu.Unlock()
		log.Infof("busy, rejecting call from %s", env.From)
		if s, ok := m.registry.Get(conversationID); ok {
			if err := s.SendEnvelope(&proto.ChannelEnvelope{Type: proto.EnvCallReject}); err != nil {
				log.Warnf("sending busy reject: %v", err)
			}
		}
		return
	}
	m.phase = PhaseRingingIn
	m.conversationID = conversationID
	m.peer = env.From
	m.video = env.IsVideo
	epoch := m.bumpEpochLocked()
	m.mu.Unlock()

	if s, ok := m.registry.Get(conversationID); ok {
		s.AddPurpose(session.PurposeCall)
	}
	m.armRingTimer(epoch, "missed")
	m.bus.PublishIncomingCall(event.IncomingCall{
		ConversationID: conversationID,
		From:           env.From,
		IsVideo:        env.IsVideo,
	})
	log.Infof("incoming call from %s (video=%v)", env.From, env.IsVideo)
}

func (m *Manager) handleAccept(conversationID string) {
	m.mu.Lock()
	if m.phase != PhaseRingingOut || m.conversationID != conversationID {
		m.mu.Unlock()
		log.Debugf("stray call_accept for %s", conversationID)
		return
	}
	m.phase = PhaseConnected
	m.stopRingTimerLocked()
	m.mu.Unlock()
	log.Infof("call accepted on %s", conversationID)
}

func (m *Manager) handleReject(conversationID string) {
	m.mu.Lock()
	if m.phase == PhaseIdle || m.conversationID != conversationID {
		m.mu.Unlock()
		log.Debugf("stray call_reject for %s", conversationID)
		return
	}
	reason := "rejected"
	if m.phase == PhaseConnected {
		reason = "hangup"
	}
	epoch := m.epoch
	m.mu.Unlock()

	if s, ok := m.registry.Get(conversationID); ok {
		m.abort(epoch, s)
	} else {
		m.toIdle(epoch)
	}
	m.bus.PublishCallEnded(event.CallEnded{ConversationID: conversationID, Reason: reason})
	log.Infof("call on %s ended: %s", conversationID, reason)
}

// abort returns to idle and releases the call's hold on the session.
func (m *Manager) abort(epoch int, s *session.Session) {
	if !m.toIdle(epoch) {
		return
	}
	s.Release(session.PurposeCall)
}

// toIdle resets the call state if epoch still matches. Reports whether the
// reset happened.
func (m *Manager) toIdle(epoch int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return false
	}
	m.phase = PhaseIdle
	m.conversationID = ""
	m.peer = ""
	m.video = false
	m.stopRingTimerLocked()
	return true
}

// bumpEpochLocked invalidates outstanding timers. Caller holds mu.
func (m *Manager) bumpEpochLocked() int {
	m.epoch++
	m.stopRingTimerLocked()
	return m.epoch
}

func (m *Manager) stopRingTimerLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

// armRingTimer falls the call back to idle when nobody answers.
func (m *Manager) armRingTimer(epoch int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return
	}
	m.ringTimer = time.AfterFunc(ringTimeout, func() {
		m.mu.Lock()
		expired := m.epoch == epoch && (m.phase == PhaseRingingOut || m.phase == PhaseRingingIn)
		conversationID := m.conversationID
		m.mu.Unlock()
		if !expired {
			return
		}
		if s, ok := m.registry.Get(conversationID); ok {
			m.abort(epoch, s)
		} else {
			m.toIdle(epoch)
		}
		m.bus.PublishCallEnded(event.CallEnded{ConversationID: conversationID, Reason: reason})
		log.Infof("call on %s ended: %s", conversationID, reason)
	})
}
