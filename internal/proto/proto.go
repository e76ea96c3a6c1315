// Package proto holds the wire types shared by the signaling transport,
// the peer sessions, and the orchestrators: relay signaling frames (JSON)
// and data-channel envelopes (CBOR via internal/codec).
package proto

import (
	"sort"
	"strings"
	"time"
)

// SignalKind discriminates relay signaling frames.
type SignalKind string

const (
	KindOffer     SignalKind = "offer"
	KindAnswer    SignalKind = "answer"
	KindCandidate SignalKind = "candidate"
)

// GroupPrefix marks conversation identifiers that address a group rather
// than a sorted address pair.
const GroupPrefix = "group-"

// ConversationID derives the deterministic conversation identifier for a
// one-to-one session: the two addresses sorted lexicographically and joined
// with an underscore. Both participants compute the same value regardless
// of argument order.
func ConversationID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + "_" + pair[1]
}

// IsGroup reports whether id addresses a group session. Group sessions use
// the literal group identifier as their conversation id.
func IsGroup(id string) bool {
	return strings.HasPrefix(id, GroupPrefix)
}

// PeerAddress returns the other participant's address in a one-to-one
// conversation id, or "" for group ids.
func PeerAddress(conversationID, self string) string {
	if IsGroup(conversationID) {
		return ""
	}
	for _, addr := range strings.SplitN(conversationID, "_", 2) {
		if addr != self {
			return addr
		}
	}
	return ""
}

// SignalingEnvelope is one relay signaling frame. The relay forwards it
// opaquely from From to To. SDP is set for offer/answer, Candidate for
// candidate frames. ConversationID routes the frame on the receiving side;
// relays that drop it are tolerated (the receiver re-derives it from
// From/To).
type SignalingEnvelope struct {
	Kind           SignalKind `json:"type"`
	From           string     `json:"from"`
	To             string     `json:"to"`
	SDP            string     `json:"sdp,omitempty"`
	Candidate      string     `json:"candidate,omitempty"`
	Token          string     `json:"token,omitempty"`
	ConversationID string     `json:"conversationId,omitempty"`
}

// RegisterFrame is the control message sent once after the relay socket
// opens, identifying the local address.
type RegisterFrame struct {
	Type  string `json:"type"`
	Email string `json:"email"`
	Token string `json:"token"`
}

// ControlAck is the relay's response to a register frame (or a relay-side
// error). Frames carrying a boolean "success" field are control
// acknowledgements and are never routed to conversation handlers.
type ControlAck struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    *ControlAckData `json:"data,omitempty"`
}

// ControlAckData carries the relay-assigned session identifier. It is cached
// for server-side bookkeeping across reconnects; correctness does not depend
// on it.
type ControlAckData struct {
	SessionID string `json:"sessionId"`
}

// NowMillis returns the current time as unix milliseconds, the timestamp
// unit used on the wire.
func NowMillis() int64 { return time.Now().UnixMilli() }
