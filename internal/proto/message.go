package proto

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// EnvelopeType discriminates data-channel envelopes.
type EnvelopeType string

const (
	// EnvMessage carries a chat Message.
	EnvMessage EnvelopeType = "message"

	// Call control notices, exchanged over the reliable channel rather
	// than the relay.
	EnvCallRequest EnvelopeType = "call_request"
	EnvCallAccept  EnvelopeType = "call_accept"
	EnvCallReject  EnvelopeType = "call_reject"

	// In-band renegotiation: a fresh offer/answer exchange on an already
	// connected session (adding media tracks) rides the data channel so no
	// relay round-trip is needed.
	EnvOffer  EnvelopeType = "offer"
	EnvAnswer EnvelopeType = "answer"
)

// ReceiverKind distinguishes one-to-one and group targets.
type ReceiverKind string

const (
	ReceiverUser  ReceiverKind = "user"
	ReceiverGroup ReceiverKind = "group"
)

// MessageStatus is the delivery state of a chat message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusError     MessageStatus = "error"
)

// ChannelEnvelope is the one record type sent over a session's reliable
// data channel, binary-encoded by internal/codec. Exactly one shape is
// populated depending on Type: Message for chat, IsVideo for call_request,
// SDP for in-band offer/answer.
type ChannelEnvelope struct {
	Type           EnvelopeType `cbor:"type"`
	From           string       `cbor:"from"`
	To             string       `cbor:"to,omitempty"`
	ConversationID string       `cbor:"conversationId"`
	IsVideo        bool         `cbor:"isVideo,omitempty"`
	SDP            string       `cbor:"sdp,omitempty"`
	Message        *Message     `cbor:"message,omitempty"`
}

// Message is one chat message. It is transient in this layer: constructed on
// send or decoded from the channel, then handed to the persistence
// collaborator immediately.
type Message struct {
	ID       string        `cbor:"id" json:"id"`
	Sender   string        `cbor:"senderId" json:"senderId"`
	TargetID string        `cbor:"targetId" json:"targetId"`
	Receiver ReceiverKind  `cbor:"receiverType" json:"receiverType"`
	Content  Content       `cbor:"content" json:"content"`
	Status   MessageStatus `cbor:"status" json:"status"`
	SentAt   int64         `cbor:"sentAt" json:"sentAt"`
	ReadAt   int64         `cbor:"readAt,omitempty" json:"readAt,omitempty"`
}

// Content is the message payload. Exactly one of Text, Files, Voice, Call
// must be present; ReplyTo is an optional annotation on any of them.
type Content struct {
	Text    string       `cbor:"text,omitempty" json:"text,omitempty"`
	Files   []Attachment `cbor:"file,omitempty" json:"file,omitempty"`
	Voice   []Attachment `cbor:"voice,omitempty" json:"voice,omitempty"`
	Call    *CallMeta    `cbor:"call,omitempty" json:"call,omitempty"`
	ReplyTo string       `cbor:"replyTo,omitempty" json:"replyTo,omitempty"`
}

// Attachment is a binary payload embedded inline in the envelope: no
// out-of-band transfer. Data carries the raw bytes; the rest is metadata for
// the receiving side's file store.
type Attachment struct {
	ID        string `cbor:"id,omitempty" json:"id,omitempty"`
	Name      string `cbor:"name" json:"name"`
	MIME      string `cbor:"type" json:"type"`
	Size      int64  `cbor:"size" json:"size"`
	CreatedAt int64  `cbor:"createdAt,omitempty" json:"createdAt,omitempty"`
	IsVoice   bool   `cbor:"isVoice,omitempty" json:"isVoice,omitempty"`
	Data      []byte `cbor:"arrayBuffer,omitempty" json:"-"`
}

// CallMeta records a call event inside the message history (missed call,
// call duration entries).
type CallMeta struct {
	Kind     string `cbor:"kind" json:"kind"` // audio|video
	Duration int64  `cbor:"duration" json:"duration"`
	Outcome  string `cbor:"outcome,omitempty" json:"outcome,omitempty"`
}

var (
	// ErrEmptyContent rejects messages with no content class at all.
	ErrEmptyContent = errors.New("message content is empty")

	// ErrAmbiguousContent rejects messages mixing content classes.
	ErrAmbiguousContent = errors.New("message content sets more than one of text/files/voice/call")
)

// Validate enforces the exactly-one-content-class invariant.
func (c Content) Validate() error {
	n := 0
	if c.Text != "" {
		n++
	}
	if len(c.Files) > 0 {
		n++
	}
	if len(c.Voice) > 0 {
		n++
	}
	if c.Call != nil {
		n++
	}
	switch {
	case n == 0:
		return ErrEmptyContent
	case n > 1:
		return ErrAmbiguousContent
	}
	return nil
}

// NewMessage constructs an outbound chat message with a fresh id and
// Status=sent. Content is validated by the caller before sending.
func NewMessage(sender, targetID string, kind ReceiverKind, content Content) *Message {
	return &Message{
		ID:       "msg-" + uuid.NewString(),
		Sender:   sender,
		TargetID: targetID,
		Receiver: kind,
		Content:  content,
		Status:   StatusSent,
		SentAt:   time.Now().UnixMilli(),
	}
}

// Valid reports whether an inbound message carries the fields the message
// orchestrator requires before it will persist it.
func (m *Message) Valid() bool {
	if m == nil {
		return false
	}
	if m.ID == "" || m.Sender == "" || m.TargetID == "" {
		return false
	}
	if m.Receiver != ReceiverUser && m.Receiver != ReceiverGroup {
		return false
	}
	return m.Content.Validate() == nil
}
