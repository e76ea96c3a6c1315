// Package chat orchestrates message flow over peer sessions: outbound sends
// with optimistic local echo, inbound validation and persistence hand-off,
// and the bounded in-memory window the UI reads from.
package chat

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
	"github.com/alania-chat/alania/internal/util"
)

var log = logging.Logger("alania.chat")

// ErrChannelNotReady is returned when the session's data channel does not
// open within the send wait. The message is kept with Status=error and can
// be retried.
var ErrChannelNotReady = errors.New("chat: data channel not ready")

// ErrUnknownMessage is returned by Retry for a message id not in the window.
var ErrUnknownMessage = errors.New("chat: unknown message")

const (
	channelOpenWait = 5 * time.Second

	// DefaultBufferSize is the per-conversation in-memory window.
	DefaultBufferSize = 100
)

// CallHandler consumes call-control envelopes forwarded off the message
// path.
type CallHandler func(conversationID string, env *proto.ChannelEnvelope)

// Manager handles chat for one local user across all conversations.
type Manager struct {
	registry *session.Registry
	store    Store
	bus      *event.Bus
	self     string

	onCall CallHandler

	mu         sync.RWMutex
	buffers    map[string]*util.RingBuffer[*proto.Message]
	unread     map[string]int
	listeners  []chan *proto.Message
	bufferSize int
}

// New creates a chat manager and installs it as the registry's envelope
// sink, so every decoded channel envelope flows through it.
func New(registry *session.Registry, store Store, bus *event.Bus, self string, bufferSize int) *Manager {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	m := &Manager{
		registry:   registry,
		store:      store,
		bus:        bus,
		self:       self,
		buffers:    make(map[string]*util.RingBuffer[*proto.Message]),
		unread:     make(map[string]int),
		bufferSize: bufferSize,
	}
	registry.SetSink(m.handleEnvelope)
	return m
}

// SetCallHandler wires the call orchestrator in. Call control arriving with
// no handler installed is dropped with a warning.
func (m *Manager) SetCallHandler(fn CallHandler) {
	m.mu.Lock()
	m.onCall = fn
	m.mu.Unlock()
}

// Send builds, echoes and transmits one message. The message appears in the
// local window immediately; a transmission failure marks it Status=error
// and returns the message alongside the error so the caller can offer a
// retry.
func (m *Manager) Send(ctx context.Context, targetID string, kind proto.ReceiverKind, content proto.Content) (*proto.Message, error) {
	if err := content.Validate(); err != nil {
		return nil, err
	}

	conversationID := m.conversationFor(targetID, kind)
	msg := proto.NewMessage(m.self, targetID, kind, content)
	m.append(conversationID, msg, false)

	err := m.transmit(ctx, conversationID, msg)
	if err != nil {
		m.setStatus(conversationID, msg.ID, proto.StatusError)
		log.Warnf("send on %s failed: %v", conversationID, err)
	}
	if serr := m.store.SaveMessage(ctx, conversationID, msg); serr != nil {
		log.Errorf("persisting message %s: %v", msg.ID, serr)
	}
	return msg, err
}

// Retry re-transmits a message previously marked Status=error.
func (m *Manager) Retry(ctx context.Context, conversationID, messageID string) error {
	msg, ok := m.find(conversationID, messageID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	if msg.Status != proto.StatusError {
		return fmt.Errorf("chat: message %s is %s, not retryable", messageID, msg.Status)
	}

	if err := m.transmit(ctx, conversationID, msg); err != nil {
		return err
	}
	m.setStatus(conversationID, messageID, proto.StatusSent)
	if serr := m.store.SaveMessage(ctx, conversationID, msg); serr != nil {
		log.Errorf("persisting message %s: %v", messageID, serr)
	}
	return nil
}

// transmit gets the session up and pushes the message down its channel.
func (m *Manager) transmit(ctx context.Context, conversationID string, msg *proto.Message) error {
	s, err := m.registry.GetOrCreate(ctx, conversationID, session.PurposeMessaging)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, channelOpenWait)
	defer cancel()
	if err := s.WaitChannelOpen(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrChannelNotReady
	}

	return s.SendEnvelope(&proto.ChannelEnvelope{
		Type:    proto.EnvMessage,
		Message: msg,
	})
}

// handleEnvelope is the registry sink: call control forwards to the call
// orchestrator and stops; messages run the inbound pipeline.
func (m *Manager) handleEnvelope(conversationID string, env *proto.ChannelEnvelope) {
	switch env.Type {
	case proto.EnvCallRequest, proto.EnvCallAccept, proto.EnvCallReject:
		m.mu.RLock()
		onCall := m.onCall
		m.mu.RUnlock()
		if onCall == nil {
			log.Warnf("no call handler, dropping %s on %s", env.Type, conversationID)
			return
		}
		onCall(conversationID, env)
	case proto.EnvMessage:
		m.handleMessage(conversationID, env)
	default:
		log.Warnf("dropping envelope of type %q on %s", env.Type, conversationID)
	}
}

// handleMessage validates, persists and surfaces one inbound message.
// Malformed messages are logged and dropped; the channel keeps flowing.
func (m *Manager) handleMessage(conversationID string, env *proto.ChannelEnvelope) {
	msg := env.Message
	if !msg.Valid() {
		log.Warnf("dropping malformed message on %s from %s", conversationID, env.From)
		return
	}

	ctx := context.Background()
	for i := range msg.Content.Files {
		if err := m.store.SaveFile(ctx, conversationID, &msg.Content.Files[i]); err != nil {
			log.Errorf("saving attachment %s: %v", msg.Content.Files[i].Name, err)
		}
	}
	for i := range msg.Content.Voice {
		if err := m.store.SaveFile(ctx, conversationID, &msg.Content.Voice[i]); err != nil {
			log.Errorf("saving voice note %s: %v", msg.Content.Voice[i].Name, err)
		}
	}

	msg.Status = proto.StatusDelivered
	if err := m.store.SaveMessage(ctx, conversationID, msg); err != nil {
		log.Errorf("persisting inbound message %s: %v", msg.ID, err)
	}
	m.append(conversationID, msg, true)
	m.bus.PublishMessageReceived(event.MessageReceived{
		ConversationID: conversationID,
		Message:        msg,
	})
}

// Messages returns the in-memory window for a conversation, oldest first.
func (m *Manager) Messages(conversationID string) []*proto.Message {
	m.mu.RLock()
	buf := m.buffers[conversationID]
	m.mu.RUnlock()
	if buf == nil {
		return nil
	}
	return buf.Snapshot()
}

// Unread returns the count of messages received and not yet marked read.
func (m *Manager) Unread(conversationID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unread[conversationID]
}

// MarkRead flags one inbound message as read, locally and in the store.
func (m *Manager) MarkRead(ctx context.Context, conversationID, messageID string) error {
	readAt := time.Now().UnixMilli()

	m.mu.Lock()
	buf := m.buffers[conversationID]
	if n := m.unread[conversationID]; n > 0 {
		m.unread[conversationID] = n - 1
	}
	m.mu.Unlock()

	if buf != nil {
		buf.Update(func(msg **proto.Message) {
			if (*msg).ID == messageID {
				(*msg).Status = proto.StatusRead
				(*msg).ReadAt = readAt
			}
		})
	}
	return m.store.MarkRead(ctx, conversationID, messageID, readAt)
}

// Delete removes a message from the store and the local window.
func (m *Manager) Delete(ctx context.Context, conversationID, messageID string) error {
	m.mu.RLock()
	buf := m.buffers[conversationID]
	m.mu.RUnlock()
	if buf != nil {
		buf.Remove(func(msg *proto.Message) bool { return msg.ID == messageID })
	}
	return m.store.DeleteMessage(ctx, conversationID, messageID)
}

// Subscribe returns a channel receiving every message that enters the
// window, inbound and outbound.
func (m *Manager) Subscribe() <-chan *proto.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan *proto.Message, 10)
	m.listeners = append(m.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (m *Manager) Unsubscribe(ch <-chan *proto.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, listener := range m.listeners {
		if listener == ch {
			close(listener)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// Close shuts the listener channels down.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, listener := range m.listeners {
		close(listener)
	}
	m.listeners = nil
	return nil
}

func (m *Manager) conversationFor(targetID string, kind proto.ReceiverKind) string {
	if kind == proto.ReceiverGroup {
		return targetID
	}
	return proto.ConversationID(m.self, targetID)
}

// append pushes into the conversation window and notifies listeners.
func (m *Manager) append(conversationID string, msg *proto.Message, inbound bool) {
	m.mu.Lock()
	buf := m.buffers[conversationID]
	if buf == nil {
		buf = util.NewRingBuffer[*proto.Message](m.bufferSize)
		m.buffers[conversationID] = buf
	}
	if inbound {
		m.unread[conversationID]++
	}
	listeners := make([]chan *proto.Message, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	buf.Push(msg)
	for _, listener := range listeners {
		select {
		case listener <- msg:
		default:
			// Listener buffer full, skip.
		}
	}
}

func (m *Manager) find(conversationID, messageID string) (*proto.Message, bool) {
	m.mu.RLock()
	buf := m.buffers[conversationID]
	m.mu.RUnlock()
	if buf == nil {
		return nil, false
	}
	for _, msg := range buf.Snapshot() {
		if msg.ID == messageID {
			return msg, true
		}
	}
	return nil, false
}

func (m *Manager) setStatus(conversationID, messageID string, status proto.MessageStatus) {
	m.mu.RLock()
	buf := m.buffers[conversationID]
	m.mu.RUnlock()
	if buf == nil {
		return
	}
	buf.Update(func(msg **proto.Message) {
		if (*msg).ID == messageID {
			(*msg).Status = status
		}
	})
}
