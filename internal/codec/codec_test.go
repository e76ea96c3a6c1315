package codec

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/alania-chat/alania/internal/proto"
)

func TestRoundTripText(t *testing.T) {
	msg := proto.NewMessage("alice@x.org", "contact-1", proto.ReceiverUser, proto.Content{Text: "hello"})
	env := &proto.ChannelEnvelope{
		Type:           proto.EnvMessage,
		From:           "alice@x.org",
		To:             "bob@x.org",
		ConversationID: proto.ConversationID("alice@x.org", "bob@x.org"),
		Message:        msg,
	}

	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(env, got) {
		t.Errorf("round trip mismatch:\n sent %+v\n got  %+v", env, got)
	}
}

func TestRoundTripBinaryAttachments(t *testing.T) {
	blob := make([]byte, 4096)
	for i := range blob {
		blob[i] = byte(i * 31)
	}
	msg := proto.NewMessage("bob@x.org", "contact-2", proto.ReceiverUser, proto.Content{
		Files: []proto.Attachment{
			{Name: "photo.png", MIME: "image/png", Size: int64(len(blob)), Data: blob},
			{Name: "empty.bin", MIME: "application/octet-stream", Size: 0, Data: []byte{}},
		},
	})
	env := &proto.ChannelEnvelope{
		Type:           proto.EnvMessage,
		From:           "bob@x.org",
		ConversationID: "alice@x.org_bob@x.org",
		Message:        msg,
	}

	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	files := got.Message.Content.Files
	if len(files) != 2 {
		t.Fatalf("got %d attachments, want 2", len(files))
	}
	if !bytes.Equal(files[0].Data, blob) {
		t.Error("attachment bytes corrupted in round trip")
	}
	if files[0].MIME != "image/png" || files[0].Size != int64(len(blob)) {
		t.Errorf("attachment metadata corrupted: %+v", files[0])
	}
}

func TestRoundTripCallControl(t *testing.T) {
	env := &proto.ChannelEnvelope{
		Type:           proto.EnvCallRequest,
		From:           "alice@x.org",
		To:             "bob@x.org",
		ConversationID: "alice@x.org_bob@x.org",
		IsVideo:        true,
	}
	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(env, got) {
		t.Errorf("round trip mismatch: %+v vs %+v", env, got)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	env := &proto.ChannelEnvelope{
		Type:           proto.EnvCallAccept,
		From:           "a@x.org",
		To:             "b@x.org",
		ConversationID: "a@x.org_b@x.org",
	}
	first, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	second, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("same envelope produced different bytes")
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"garbage", []byte{0xff, 0x00, 0xab, 0x13, 0x37}},
		{"truncated", mustEncode(t)[:3]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data)
			if err == nil {
				t.Fatal("Decode accepted malformed input")
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Errorf("error %v is not a *DecodeError", err)
			}
		})
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	// Structurally valid CBOR but an envelope type this client does not
	// understand must fail closed, not pass through half-filled.
	data, err := encMode.Marshal(map[string]any{"type": "telepathy", "from": "a@x.org"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(data); !IsDecodeError(err) {
		t.Errorf("unknown type: got %v, want DecodeError", err)
	}
}

func TestDecodeRejectsMessageWithoutBody(t *testing.T) {
	data, err := encMode.Marshal(map[string]any{"type": "message", "from": "a@x.org"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(data); !IsDecodeError(err) {
		t.Errorf("bodyless message: got %v, want DecodeError", err)
	}
}

func TestEncodeRejectsInvalidContent(t *testing.T) {
	msg := proto.NewMessage("a@x.org", "t", proto.ReceiverUser, proto.Content{})
	env := &proto.ChannelEnvelope{Type: proto.EnvMessage, From: "a@x.org", ConversationID: "c", Message: msg}
	if _, err := Encode(env); !errors.Is(err, proto.ErrEmptyContent) {
		t.Errorf("Encode empty content: got %v, want ErrEmptyContent", err)
	}
}

func mustEncode(t *testing.T) []byte {
	t.Helper()
	data, err := Encode(&proto.ChannelEnvelope{
		Type: proto.EnvCallReject, From: "a@x.org", ConversationID: "c",
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}
