package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/alania-chat/alania/internal/codec"
	"github.com/alania-chat/alania/internal/event"
	"github.com/alania-chat/alania/internal/media"
	"github.com/alania-chat/alania/internal/proto"
)

// State is the session lifecycle phase.
type State string

const (
	StateNew           State = "new"
	StateNegotiating   State = "negotiating"
	StateConnected     State = "connected"
	StateRenegotiating State = "renegotiating"
	StateClosed        State = "closed"
)

type role int

const (
	roleInitiator role = iota
	roleReceiver
)

const channelLabelPrefix = "messages-"

// ErrChannelNotOpen is returned by SendEnvelope before the data channel has
// opened. Callers that can wait should use WaitChannelOpen first.
var ErrChannelNotOpen = errors.New("session: data channel not open")

// Session is one peer session: a PeerConnection, its single reliable data
// channel, and the local capture attached to it. All fields behind mu; the
// pion handles themselves are internally synchronized.
type Session struct {
	registry       *Registry
	conversationID string
	peer           string
	role           role

	mu      sync.Mutex
	state   State
	pc      *webrtc.PeerConnection
	channel *webrtc.DataChannel
	stops   []func()

	// remoteSet gates candidate application: candidates arriving before
	// the remote description are parked and flushed once it lands.
	remoteSet         bool
	pendingCandidates []webrtc.ICECandidateInit

	// published gates outbound candidates: gathering starts on
	// SetLocalDescription, which can beat the offer or answer onto the
	// wire. Candidates are held until the description is sent.
	published       bool
	localCandidates []string

	purposes map[Purpose]struct{}
	answered chan struct{}
	chanOpen chan struct{}
	closed   bool
}

// ConversationID returns the id this session serves.
func (s *Session) ConversationID() string { return s.conversationID }

// Peer returns the remote signaling address: the other participant for a
// one-to-one conversation, the group id for a group conversation.
func (s *Session) Peer() string { return s.peer }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// negotiate runs the initiator flow: open the data channel, send the offer
// through the relay, wait for the answer. Candidates trickle via
// handleLocalCandidate as gathering produces them.
func (s *Session) negotiate(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateNegotiating
	pc := s.pc
	s.mu.Unlock()

	ordered := true
	retransmits := uint16(5)
	dc, err := pc.CreateDataChannel(channelLabelPrefix+s.conversationID, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &retransmits,
	})
	if err != nil {
		return fmt.Errorf("session: create data channel: %w", err)
	}
	s.adoptChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("session: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("session: set local offer: %w", err)
	}
	if err := s.registry.signaler.Send(&proto.SignalingEnvelope{
		Kind:           proto.KindOffer,
		To:             s.peer,
		ConversationID: s.conversationID,
		SDP:            offer.SDP,
	}); err != nil {
		return fmt.Errorf("session: send offer: %w", err)
	}
	s.flushLocalCandidates()
	log.Infof("offer sent for %s", s.conversationID)
	return s.waitAnswer(ctx)
}

func (s *Session) waitAnswer(ctx context.Context) error {
	s.mu.Lock()
	answered := s.answered
	s.mu.Unlock()

	timer := time.NewTimer(s.registry.answerWait)
	defer timer.Stop()
	select {
	case <-answered:
		return nil
	case <-timer.C:
		return ErrAnswerTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// applyAnswer installs the remote answer from the relay. Answers arriving in
// any other state than negotiating (duplicates, answers raced by glare
// teardown) are dropped; a late answer after the initiator gave up waiting
// still lands here, because timing out does not leave negotiating.
func (s *Session) applyAnswer(sdp string) error {
	s.mu.Lock()
	if s.state != StateNegotiating {
		s.mu.Unlock()
		log.Debugf("dropping answer for %s in state %s", s.conversationID, s.state)
		return nil
	}
	pc := s.pc
	s.mu.Unlock()

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("session: set remote answer: %w", err)
	}
	s.finishNegotiation()
	log.Infof("session %s connected (initiator)", s.conversationID)
	return nil
}

// answerOffer runs the receiver flow for a relay offer.
func (s *Session) answerOffer(sdp string) error {
	s.mu.Lock()
	s.state = StateNegotiating
	pc := s.pc
	s.mu.Unlock()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("session: set remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("session: create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("session: set local answer: %w", err)
	}
	if err := s.registry.signaler.Send(&proto.SignalingEnvelope{
		Kind:           proto.KindAnswer,
		To:             s.peer,
		ConversationID: s.conversationID,
		SDP:            answer.SDP,
	}); err != nil {
		return fmt.Errorf("session: send answer: %w", err)
	}
	s.flushLocalCandidates()
	s.finishNegotiation()
	log.Infof("session %s connected (receiver)", s.conversationID)
	return nil
}

// finishNegotiation flips to connected, flushes parked candidates and wakes
// any waitAnswer.
func (s *Session) finishNegotiation() {
	s.mu.Lock()
	s.remoteSet = true
	queued := s.pendingCandidates
	s.pendingCandidates = nil
	s.state = StateConnected
	answered := s.answered
	pc := s.pc
	s.mu.Unlock()

	for _, c := range queued {
		if err := pc.AddICECandidate(c); err != nil {
			log.Warnf("flushing candidate on %s: %v", s.conversationID, err)
		}
	}
	select {
	case <-answered:
	default:
		close(answered)
	}
}

// AddMedia attaches local capture tracks and renegotiates in-band over the
// data channel. When the devices cannot be opened the session renegotiates
// receive-only instead, so remote media still flows. On any failure after
// that the senders are removed, the capture is stopped and the session
// returns to connected, so the caller can surface the error and carry on
// messaging.
func (s *Session) AddMedia(ctx context.Context, withVideo bool) error {
	tracks, stop, err := s.registry.source.Acquire(withVideo)
	recvOnly := false
	if err != nil {
		if !errors.Is(err, media.ErrAccess) {
			return err
		}
		log.Warnf("no local capture for %s, receiving only: %v", s.conversationID, err)
		tracks, stop, recvOnly = nil, func() {}, true
	}

	s.mu.Lock()
	if s.state != StateConnected {
		state := s.state
		s.mu.Unlock()
		stop()
		return fmt.Errorf("session: cannot add media to %s in state %s", s.conversationID, state)
	}
	pc := s.pc
	s.state = StateRenegotiating
	s.answered = make(chan struct{})
	s.mu.Unlock()

	var senders []*webrtc.RTPSender
	rollback := func() {
		for _, sd := range senders {
			_ = pc.RemoveTrack(sd)
		}
		stop()
		s.mu.Lock()
		s.state = StateConnected
		s.mu.Unlock()
	}

	if recvOnly {
		media.AddRecvOnlyTransceivers(pc)
	}
	for _, t := range tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			rollback()
			return fmt.Errorf("session: add track: %w", err)
		}
		senders = append(senders, sender)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		rollback()
		return fmt.Errorf("session: renegotiation offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		rollback()
		return fmt.Errorf("session: set local offer: %w", err)
	}
	if err := s.SendEnvelope(&proto.ChannelEnvelope{
		Type: proto.EnvOffer,
		SDP:  offer.SDP,
	}); err != nil {
		rollback()
		return fmt.Errorf("session: send renegotiation offer: %w", err)
	}

	// The capture outlives this call now; Close releases it.
	s.mu.Lock()
	s.stops = append(s.stops, stop)
	s.mu.Unlock()

	log.Infof("renegotiating %s (video=%v, recvOnly=%v)", s.conversationID, withVideo, recvOnly)
	return s.waitAnswer(ctx)
}

// adoptChannel wires the session's data channel, whichever side opened it.
func (s *Session) adoptChannel(dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.channel = dc
	open := s.chanOpen
	s.mu.Unlock()

	dc.OnOpen(func() {
		log.Infof("data channel open for %s", s.conversationID)
		select {
		case <-open:
		default:
			close(open)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.handleChannelMessage(msg.Data)
	})
	dc.OnClose(func() {
		log.Debugf("data channel closed for %s", s.conversationID)
	})
}

// handleChannelMessage decodes one channel frame. Undecodable frames are
// dropped with a warning; in-band offer/answer is negotiation control and
// never reaches the sink.
func (s *Session) handleChannelMessage(data []byte) {
	env, err := codec.Decode(data)
	if err != nil {
		log.Warnf("dropping undecodable frame on %s: %v", s.conversationID, err)
		return
	}
	switch env.Type {
	case proto.EnvOffer:
		if err := s.handleInbandOffer(env.SDP); err != nil {
			log.Errorf("in-band offer on %s: %v", s.conversationID, err)
		}
	case proto.EnvAnswer:
		if err := s.handleInbandAnswer(env.SDP); err != nil {
			log.Errorf("in-band answer on %s: %v", s.conversationID, err)
		}
	default:
		s.registry.deliver(s.conversationID, env)
	}
}

// handleInbandOffer answers a renegotiation offer received on the channel.
func (s *Session) handleInbandOffer(sdp string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateRenegotiating
	pc := s.pc
	s.mu.Unlock()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := s.SendEnvelope(&proto.ChannelEnvelope{
		Type: proto.EnvAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	s.mu.Lock()
	s.state = StateConnected
	s.mu.Unlock()
	return nil
}

// handleInbandAnswer completes a renegotiation this side started.
func (s *Session) handleInbandAnswer(sdp string) error {
	s.mu.Lock()
	if s.state != StateRenegotiating {
		s.mu.Unlock()
		log.Debugf("dropping in-band answer for %s in state %s", s.conversationID, s.state)
		return nil
	}
	pc := s.pc
	s.mu.Unlock()

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	s.mu.Lock()
	s.state = StateConnected
	answered := s.answered
	s.mu.Unlock()
	select {
	case <-answered:
	default:
		close(answered)
	}
	return nil
}

// SendEnvelope encodes and sends one envelope on the data channel, stamping
// the local identity and conversation when the caller left them empty.
func (s *Session) SendEnvelope(env *proto.ChannelEnvelope) error {
	s.mu.Lock()
	dc := s.channel
	var open bool
	select {
	case <-s.chanOpen:
		open = true
	default:
	}
	s.mu.Unlock()
	if dc == nil || !open {
		return ErrChannelNotOpen
	}

	if env.From == "" {
		env.From = s.registry.self
	}
	if env.To == "" {
		env.To = s.peer
	}
	if env.ConversationID == "" {
		env.ConversationID = s.conversationID
	}
	data, err := codec.Encode(env)
	if err != nil {
		return err
	}
	return dc.Send(data)
}

// WaitChannelOpen blocks until the data channel opens or ctx expires.
func (s *Session) WaitChannelOpen(ctx context.Context) error {
	s.mu.Lock()
	open := s.chanOpen
	s.mu.Unlock()
	select {
	case <-open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ChannelReady reports whether the data channel is open right now.
func (s *Session) ChannelReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.chanOpen:
		return true
	default:
		return false
	}
}

// AddPurpose records a reason to keep the session alive.
func (s *Session) AddPurpose(p Purpose) {
	s.mu.Lock()
	if !s.closed {
		s.purposes[p] = struct{}{}
	}
	s.mu.Unlock()
}

// HasPurpose reports whether the purpose is currently held.
func (s *Session) HasPurpose(p Purpose) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.purposes[p]
	return ok
}

// Release drops one purpose and closes the session when it was the last.
// Hanging up a call releases only PurposeCall, so messaging stays up.
func (s *Session) Release(p Purpose) {
	s.mu.Lock()
	delete(s.purposes, p)
	last := len(s.purposes) == 0 && !s.closed
	s.mu.Unlock()
	if last {
		s.Close()
	}
}

// Close tears the session down: stop local capture, close the channel and
// the PeerConnection, drop out of the registry. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	stops := s.stops
	s.stops = nil
	dc := s.channel
	pc := s.pc
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	if dc != nil {
		_ = dc.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}
	s.registry.remove(s)
	log.Infof("session %s closed", s.conversationID)
}

func (s *Session) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(c.ToJSON())
	if err != nil {
		return
	}

	s.mu.Lock()
	if !s.published {
		s.localCandidates = append(s.localCandidates, string(raw))
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.sendCandidate(string(raw))
}

// flushLocalCandidates marks the local description as published and sends
// any candidates gathered while it was pending.
func (s *Session) flushLocalCandidates() {
	s.mu.Lock()
	s.published = true
	held := s.localCandidates
	s.localCandidates = nil
	s.mu.Unlock()
	for _, raw := range held {
		s.sendCandidate(raw)
	}
}

func (s *Session) sendCandidate(raw string) {
	env := &proto.SignalingEnvelope{
		Kind:           proto.KindCandidate,
		To:             s.peer,
		ConversationID: s.conversationID,
		Candidate:      raw,
	}
	if err := s.registry.signaler.Send(env); err != nil {
		log.Warnf("sending candidate for %s: %v", s.conversationID, err)
	}
}

// addRemoteCandidate applies a relayed candidate, parking it when the remote
// description has not landed yet.
func (s *Session) addRemoteCandidate(raw string) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(raw), &init); err != nil {
		// Bare candidate line, not the JSON form.
		init = webrtc.ICECandidateInit{Candidate: raw}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.remoteSet {
		s.pendingCandidates = append(s.pendingCandidates, init)
		s.mu.Unlock()
		return
	}
	pc := s.pc
	s.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		log.Warnf("adding candidate on %s: %v", s.conversationID, err)
	}
}

func (s *Session) handleRemoteTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	log.Infof("remote %s track on %s", track.Kind(), s.conversationID)
	s.registry.bus.PublishRemoteTrack(event.RemoteTrack{
		ConversationID: s.conversationID,
		Kind:           track.Kind(),
		Track:          track,
	})
}

func (s *Session) handleICEState(state webrtc.ICEConnectionState) {
	log.Debugf("ICE state on %s: %s", s.conversationID, state)
	switch state {
	case webrtc.ICEConnectionStateFailed:
		log.Warnf("ICE failed on %s", s.conversationID)
	case webrtc.ICEConnectionStateDisconnected:
		log.Warnf("ICE disconnected on %s", s.conversationID)
	}
}
