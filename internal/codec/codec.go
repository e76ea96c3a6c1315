// Package codec is the binary envelope codec for the reliable data channel.
// Envelopes are CBOR-encoded with deterministic map ordering so the same
// logical envelope always produces identical bytes. Decode fails closed: a
// malformed frame yields a *DecodeError and never partial data.
package codec

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/alania-chat/alania/internal/proto"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	// Unknown fields are ignored for forward compatibility with newer
	// clients; extra duplicate keys are rejected.
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// DecodeError wraps any failure to turn channel bytes back into an
// envelope. The offending frame is dropped by the caller; the channel
// stays usable.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: %s: %v", e.Reason, e.Err)
	}
	return "codec: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is (or wraps) a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

var validTypes = map[proto.EnvelopeType]bool{
	proto.EnvMessage:     true,
	proto.EnvCallRequest: true,
	proto.EnvCallAccept:  true,
	proto.EnvCallReject:  true,
	proto.EnvOffer:       true,
	proto.EnvAnswer:      true,
}

// Encode serializes env for the data channel. Message envelopes are
// validated before encoding so a malformed message never reaches the wire.
func Encode(env *proto.ChannelEnvelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("codec: nil envelope")
	}
	if !validTypes[env.Type] {
		return nil, fmt.Errorf("codec: unknown envelope type %q", env.Type)
	}
	if env.Type == proto.EnvMessage {
		if env.Message == nil {
			return nil, errors.New("codec: message envelope without message")
		}
		if err := env.Message.Content.Validate(); err != nil {
			return nil, fmt.Errorf("codec: %w", err)
		}
	}
	return encMode.Marshal(env)
}

// Decode parses one channel frame. It rejects CBOR that does not decode,
// envelopes with an unknown type, and message envelopes with no embedded
// message — all as *DecodeError.
func Decode(data []byte) (*proto.ChannelEnvelope, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Reason: "empty frame"}
	}
	var env proto.ChannelEnvelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Reason: "unmarshal", Err: err}
	}
	if !validTypes[env.Type] {
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown envelope type %q", env.Type)}
	}
	if env.Type == proto.EnvMessage && env.Message == nil {
		return nil, &DecodeError{Reason: "message envelope without message"}
	}
	return &env, nil
}
