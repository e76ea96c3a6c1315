// Package signaling maintains the single persistent relay connection and
// fans inbound signaling envelopes out to per-conversation handlers. One
// Transport serves every concurrently active peer session of the local
// user; envelopes are routed by conversation id, and envelopes that arrive
// before their handler is subscribed are held in a bounded pending buffer.
package signaling

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/alania-chat/alania/internal/proto"
)

var log = logging.Logger("alania.signaling")

// Credentials identify the local user to the relay: the address registered
// with the relay and a bearer token checked at connect time.
type Credentials struct {
	Address string
	Token   string
}

// Handler consumes signaling envelopes for one conversation, in relay
// arrival order.
type Handler func(*proto.SignalingEnvelope)

// ControlHandler consumes relay control acknowledgements (registration
// results and relay-side errors). Never invoked for signaling frames.
type ControlHandler func(proto.ControlAck)

// Transport is the relay client. The zero value is not usable; call
// NewTransport. Connect is idempotent, Send fails with ErrNotConnected when
// the socket is down, and subscriptions survive reconnects so a fresh
// Connect resumes dispatching to existing handlers.
type Transport struct {
	relayURL string
	dialer   *websocket.Dialer

	// connMu guards conn, creds, sessionID and the in-flight connect state.
	connMu    sync.Mutex
	conn      *websocket.Conn
	creds     Credentials
	sessionID string
	inflight  chan struct{}

	// writeMu serializes writes: gorilla allows one concurrent writer.
	writeMu sync.Mutex

	// dispatchMu serializes the route-or-buffer decision in the read loop
	// against Subscribe's register-and-drain, preserving per-conversation
	// FIFO order across the pending buffer replay. Handlers are invoked
	// outside the lock; conversations in replaying have a Subscribe mid-
	// replay, and live frames for them buffer behind the queued ones.
	dispatchMu sync.Mutex
	handlers   map[string]Handler
	replaying  map[string]bool
	pending    *pendingBuffer

	onControl ControlHandler
	onDown    func(error)
}

// NewTransport creates a relay client for the given relay base URL
// (http(s) or ws(s); normalized by the caller via util.NormalizeWSURL).
func NewTransport(relayURL string) *Transport {
	return &Transport{
		relayURL:  relayURL,
		dialer:    websocket.DefaultDialer,
		handlers:  make(map[string]Handler),
		replaying: make(map[string]bool),
		pending:   newPendingBuffer(),
	}
}

// OnControl registers the dedicated control-acknowledgement handler.
func (t *Transport) OnControl(fn ControlHandler) { t.onControl = fn }

// OnDown registers a callback fired once when the relay socket closes for
// any reason other than an explicit Close. Higher layers decide whether to
// reconnect; this package never retries on its own.
func (t *Transport) OnDown(fn func(error)) { t.onDown = fn }

// Connect establishes the relay connection and registers the local address.
// Idempotent: when already connected it returns nil immediately, and when a
// connect is in flight it waits for that attempt instead of dialing a
// second socket.
func (t *Transport) Connect(ctx context.Context, creds Credentials) error {
	t.connMu.Lock()
	if t.conn != nil {
		t.connMu.Unlock()
		return nil
	}
	if t.inflight != nil {
		done := t.inflight
		t.connMu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		t.connMu.Lock()
		defer t.connMu.Unlock()
		if t.conn == nil {
			return &TransportError{Op: "connect", Err: ErrNotConnected}
		}
		return nil
	}
	done := make(chan struct{})
	t.inflight = done
	t.creds = creds
	t.connMu.Unlock()

	conn, err := t.dial(ctx, creds)

	t.connMu.Lock()
	t.inflight = nil
	close(done)
	if err != nil {
		t.connMu.Unlock()
		return err
	}
	t.conn = conn
	t.connMu.Unlock()

	go t.readLoop(conn)
	log.Infof("connected to relay as %s", creds.Address)
	return nil
}

func (t *Transport) dial(ctx context.Context, creds Credentials) (*websocket.Conn, error) {
	u := t.relayURL + "/ws?token=" + url.QueryEscape(creds.Token)
	conn, _, err := t.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, &TransportError{Op: "dial relay", Err: err}
	}

	reg := proto.RegisterFrame{Type: "register", Email: creds.Address, Token: creds.Token}
	if err := conn.WriteJSON(reg); err != nil {
		conn.Close()
		return nil, &TransportError{Op: "register", Err: err}
	}
	return conn, nil
}

// Connected reports whether the relay socket is currently open.
func (t *Transport) Connected() bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn != nil
}

// SessionID returns the relay-assigned session identifier from the last
// successful registration, or "" before one arrives. Bookkeeping only.
func (t *Transport) SessionID() string {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.sessionID
}

// Send transmits one signaling envelope to the relay. The local address and
// token are filled in if the caller left them empty.
func (t *Transport) Send(env *proto.SignalingEnvelope) error {
	t.connMu.Lock()
	conn := t.conn
	creds := t.creds
	t.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if env.From == "" {
		env.From = creds.Address
	}
	if env.Token == "" {
		env.Token = creds.Token
	}

	t.writeMu.Lock()
	err := conn.WriteJSON(env)
	t.writeMu.Unlock()
	if err != nil {
		return &TransportError{Op: "send " + string(env.Kind), Err: err}
	}
	return nil
}

// Subscription ties a conversation handler to an unsubscribe lifecycle.
// Cancel detaches the handler; envelopes arriving afterwards buffer again.
type Subscription struct {
	cancel func()
	once   sync.Once
}

// NewSubscription wraps a detach func. Exposed so alternative signalers
// (the in-memory loopback) can hand out the same subscription type.
func NewSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Subscribe registers the handler for a conversation and synchronously
// replays any envelopes the pending buffer holds for it, in original
// arrival order, before live dispatch resumes. The handler runs outside
// the transport's locks, so it may call back into Send or Subscribe.
// At most one handler per conversation; a second Subscribe replaces the
// first.
func (t *Transport) Subscribe(conversationID string, handler Handler) *Subscription {
	t.dispatchMu.Lock()
	t.handlers[conversationID] = handler
	t.replaying[conversationID] = true
	queued := t.pending.drain(conversationID)
	t.dispatchMu.Unlock()

	// Replay without the lock. Frames arriving mid-replay buffer behind
	// the queued ones (the replaying flag diverts them), so another drain
	// pass picks them up in order.
	replayed := 0
	for {
		for _, env := range queued {
			handler(env)
		}
		replayed += len(queued)

		t.dispatchMu.Lock()
		queued = t.pending.drain(conversationID)
		if len(queued) == 0 {
			delete(t.replaying, conversationID)
			t.dispatchMu.Unlock()
			break
		}
		t.dispatchMu.Unlock()
	}

	if replayed > 0 {
		log.Debugf("replayed %d buffered envelopes for %s", replayed, conversationID)
	}
	return NewSubscription(func() {
		t.dispatchMu.Lock()
		delete(t.handlers, conversationID)
		delete(t.replaying, conversationID)
		t.dispatchMu.Unlock()
	})
}

// Close shuts the relay socket. Subscriptions are kept so a later Connect
// resumes dispatching to them.
func (t *Transport) Close() error {
	t.connMu.Lock()
	conn := t.conn
	t.conn = nil
	t.connMu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// inboundFrame is the superset shape of everything the relay delivers.
// A non-nil Success marks a control acknowledgement; anything else must be
// a routable signaling envelope.
type inboundFrame struct {
	Success        *bool                 `json:"success,omitempty"`
	Message        string                `json:"message,omitempty"`
	Data           *proto.ControlAckData `json:"data,omitempty"`
	Kind           proto.SignalKind      `json:"type,omitempty"`
	From           string                `json:"from,omitempty"`
	To             string                `json:"to,omitempty"`
	SDP            string                `json:"sdp,omitempty"`
	Candidate      string                `json:"candidate,omitempty"`
	ConversationID string                `json:"conversationId,omitempty"`
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleDisconnect(conn, err)
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warnf("dropping unparseable relay frame: %v", err)
			continue
		}

		if frame.Success != nil {
			t.handleControl(proto.ControlAck{Success: *frame.Success, Message: frame.Message, Data: frame.Data})
			continue
		}
		t.dispatchSignal(&frame)
	}
}

func (t *Transport) handleControl(ack proto.ControlAck) {
	if ack.Success && ack.Data != nil && ack.Data.SessionID != "" {
		t.connMu.Lock()
		t.sessionID = ack.Data.SessionID
		t.connMu.Unlock()
		log.Debugf("relay session id %s", ack.Data.SessionID)
	}
	if !ack.Success {
		log.Warnf("relay error: %s", ack.Message)
	}
	if t.onControl != nil {
		t.onControl(ack)
	}
}

// dispatchSignal routes one signaling frame to its conversation handler or
// buffers it. Frames without a conversation id get one derived from the
// from/to pair — a defensive fallback for relays that drop the field.
func (t *Transport) dispatchSignal(frame *inboundFrame) {
	switch frame.Kind {
	case proto.KindOffer, proto.KindAnswer, proto.KindCandidate:
	default:
		log.Warnf("dropping relay frame with unroutable type %q", frame.Kind)
		return
	}

	conversationID := frame.ConversationID
	if conversationID == "" {
		if frame.From == "" || frame.To == "" {
			log.Warnf("dropping %s frame with no conversation id and no address pair", frame.Kind)
			return
		}
		conversationID = proto.ConversationID(frame.From, frame.To)
		log.Debugf("derived conversation id %s for %s frame", conversationID, frame.Kind)
	}

	env := &proto.SignalingEnvelope{
		Kind:           frame.Kind,
		From:           frame.From,
		To:             frame.To,
		SDP:            frame.SDP,
		Candidate:      frame.Candidate,
		ConversationID: conversationID,
	}

	t.dispatchMu.Lock()
	handler, ok := t.handlers[conversationID]
	if !ok || t.replaying[conversationID] {
		trimmed := t.pending.add(conversationID, env)
		t.dispatchMu.Unlock()
		if trimmed {
			log.Warnf("pending buffer overflow for %s, dropped oldest half", conversationID)
		}
		return
	}
	t.dispatchMu.Unlock()

	// Invoked outside the lock: handlers lock their own structures and may
	// call back into the transport. The read loop is a single goroutine, so
	// per-conversation arrival order is preserved.
	handler(env)
}

func (t *Transport) handleDisconnect(conn *websocket.Conn, err error) {
	t.connMu.Lock()
	current := t.conn == conn
	if current {
		t.conn = nil
	}
	t.connMu.Unlock()
	conn.Close()

	if !current {
		return // explicit Close or already replaced
	}
	log.Warnf("relay connection lost: %v", err)
	if t.onDown != nil {
		t.onDown(err)
	}
}
