package chat

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/alania-chat/alania/internal/event"
	"github.com/alania-chat/alania/internal/media"
	"github.com/alania-chat/alania/internal/proto"
	"github.com/alania-chat/alania/internal/session"
	"github.com/alania-chat/alania/internal/signaling"
)

const (
	addrAlice = "alice@example.com"
	addrBob   = "bob@example.com"
)

// recordingStore captures what the manager hands to persistence.
type recordingStore struct {
	mu       sync.Mutex
	messages []*proto.Message
	files    []*proto.Attachment
	deleted  []string
	read     []string
}

func (s *recordingStore) SaveMessage(_ context.Context, _ string, msg *proto.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingStore) SaveFile(_ context.Context, _ string, att *proto.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, att)
	return nil
}

func (s *recordingStore) DeleteMessage(_ context.Context, _ string, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, messageID)
	return nil
}

func (s *recordingStore) MarkRead(_ context.Context, _ string, messageID string, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.read = append(s.read, messageID)
	return nil
}

type chatPeer struct {
	registry *session.Registry
	bus      *event.Bus
	store    *recordingStore
	chat     *Manager
}

func newChatPeers(t *testing.T) (alice, bob *chatPeer, conversationID string) {
	t.Helper()
	sig := signaling.NewMemorySignaler()
	conversationID = proto.ConversationID(addrAlice, addrBob)

	build := func(self string) *chatPeer {
		bus := event.NewBus()
		registry := session.NewRegistry(sig.Endpoint(self), media.StaticSource{}, bus, self)
		store := &recordingStore{}
		return &chatPeer{
			registry: registry,
			bus:      bus,
			store:    store,
			chat:     New(registry, store, bus, self, 0),
		}
	}
	alice, bob = build(addrAlice), build(addrBob)
	bob.registry.Listen(conversationID)
	t.Cleanup(func() {
		alice.chat.Close()
		bob.chat.Close()
		alice.registry.Close()
		bob.registry.Close()
	})
	return alice, bob, conversationID
}

func TestSendEchoesAndDelivers(t *testing.T) {
	alice, bob, conversationID := newChatPeers(t)

	received, cancel := bob.bus.SubscribeMessages()
	defer cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer ctxCancel()

	msg, err := alice.chat.Send(ctx, addrBob, proto.ReceiverUser, proto.Content{Text: "hi bob"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Status != proto.StatusSent {
		t.Fatalf("status = %s, want %s", msg.Status, proto.StatusSent)
	}

	// Optimistic echo lands before anything else.
	window := alice.chat.Messages(conversationID)
	if len(window) != 1 || window[0].ID != msg.ID {
		t.Fatalf("local window = %v", window)
	}

	select {
	case e := <-received:
		if e.Message.Content.Text != "hi bob" {
			t.Fatalf("delivered text = %q", e.Message.Content.Text)
		}
		if e.Message.Status != proto.StatusDelivered {
			t.Fatalf("delivered status = %s", e.Message.Status)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("message never delivered")
	}

	if bob.chat.Unread(conversationID) != 1 {
		t.Fatalf("unread = %d, want 1", bob.chat.Unread(conversationID))
	}
	bob.store.mu.Lock()
	persisted := len(bob.store.messages)
	bob.store.mu.Unlock()
	if persisted != 1 {
		t.Fatalf("receiver persisted %d messages, want 1", persisted)
	}
}

func TestSendAttachmentReachesFileStore(t *testing.T) {
	alice, bob, _ := newChatPeers(t)

	received, cancel := bob.bus.SubscribeMessages()
	defer cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer ctxCancel()

	payload := bytes.Repeat([]byte{0xab}, 2048)
	content := proto.Content{Files: []proto.Attachment{{
		Name: "notes.pdf",
		MIME: "application/pdf",
		Size: int64(len(payload)),
		Data: payload,
	}}}
	if _, err := alice.chat.Send(ctx, addrBob, proto.ReceiverUser, content); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case e := <-received:
		files := e.Message.Content.Files
		if len(files) != 1 || !bytes.Equal(files[0].Data, payload) {
			t.Fatal("attachment payload corrupted in transit")
		}
	case <-time.After(15 * time.Second):
		t.Fatal("attachment never delivered")
	}

	bob.store.mu.Lock()
	saved := len(bob.store.files)
	bob.store.mu.Unlock()
	if saved != 1 {
		t.Fatalf("receiver saved %d files, want 1", saved)
	}
}

func TestSendInvalidContent(t *testing.T) {
	alice, _, _ := newChatPeers(t)

	_, err := alice.chat.Send(context.Background(), addrBob, proto.ReceiverUser, proto.Content{})
	if !errors.Is(err, proto.ErrEmptyContent) {
		t.Fatalf("err = %v, want ErrEmptyContent", err)
	}

	_, err = alice.chat.Send(context.Background(), addrBob, proto.ReceiverUser, proto.Content{
		Text: "x",
		Call: &proto.CallMeta{Kind: "audio"},
	})
	if !errors.Is(err, proto.ErrAmbiguousContent) {
		t.Fatalf("err = %v, want ErrAmbiguousContent", err)
	}
}

func TestMalformedInboundDropped(t *testing.T) {
	alice, bob, conversationID := newChatPeers(t)

	ctx, ctxCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer ctxCancel()
	if _, err := alice.chat.Send(ctx, addrBob, proto.ReceiverUser, proto.Content{Text: "warmup"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	s, ok := alice.registry.Get(conversationID)
	if !ok {
		t.Fatal("no session")
	}

	// Message with no sender: validation must drop it without disturbing
	// the channel.
	bad := &proto.Message{ID: "msg-bad", TargetID: addrBob, Receiver: proto.ReceiverUser,
		Content: proto.Content{Text: "evil"}, Status: proto.StatusSent}
	if err := s.SendEnvelope(&proto.ChannelEnvelope{Type: proto.EnvMessage, Message: bad}); err != nil {
		t.Fatalf("SendEnvelope: %v", err)
	}
	if _, err := alice.chat.Send(ctx, addrBob, proto.ReceiverUser, proto.Content{Text: "after"}); err != nil {
		t.Fatalf("Send after bad frame: %v", err)
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if bob.chat.Unread(conversationID) >= 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := bob.chat.Unread(conversationID); got != 2 {
		t.Fatalf("unread = %d, want 2 (malformed message must not count)", got)
	}
	for _, msg := range bob.chat.Messages(conversationID) {
		if msg.ID == "msg-bad" {
			t.Fatal("malformed message entered the window")
		}
	}
}

func TestRetryAfterChannelNotReady(t *testing.T) {
	sig := signaling.NewMemorySignaler()
	conversationID := proto.ConversationID(addrAlice, addrBob)

	// Bob receives signaling but never answers, so the channel never opens.
	sig.Endpoint(addrBob).Subscribe(conversationID, func(*proto.SignalingEnvelope) {})

	bus := event.NewBus()
	registry := session.NewRegistry(sig.Endpoint(addrAlice), media.StaticSource{}, bus, addrAlice)
	defer registry.Close()
	store := &recordingStore{}
	mgr := New(registry, store, bus, addrAlice, 0)
	defer mgr.Close()

	// Short deadline: negotiation can never finish, the send must fail.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := mgr.Send(ctx, addrBob, proto.ReceiverUser, proto.Content{Text: "anyone there"})
	if err == nil {
		t.Fatal("Send succeeded with no peer")
	}
	if msg == nil {
		t.Fatal("failed send did not return the message")
	}

	window := mgr.Messages(conversationID)
	if len(window) != 1 || window[0].Status != proto.StatusError {
		t.Fatalf("window after failure = %+v", window)
	}

	// Still no peer: retry fails and the message stays retryable.
	if err := mgr.Retry(ctx, conversationID, msg.ID); err == nil {
		t.Fatal("Retry succeeded with no peer")
	}
	if got := mgr.Messages(conversationID)[0].Status; got != proto.StatusError {
		t.Fatalf("status after failed retry = %s, want %s", got, proto.StatusError)
	}
}

func TestMarkReadAndDelete(t *testing.T) {
	alice, bob, conversationID := newChatPeers(t)

	received, cancel := bob.bus.SubscribeMessages()
	defer cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer ctxCancel()
	if _, err := alice.chat.Send(ctx, addrBob, proto.ReceiverUser, proto.Content{Text: "read me"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var delivered *proto.Message
	select {
	case e := <-received:
		delivered = e.Message
	case <-time.After(15 * time.Second):
		t.Fatal("message never delivered")
	}

	if err := bob.chat.MarkRead(ctx, conversationID, delivered.ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if got := bob.chat.Unread(conversationID); got != 0 {
		t.Fatalf("unread after MarkRead = %d", got)
	}
	if got := bob.chat.Messages(conversationID)[0].Status; got != proto.StatusRead {
		t.Fatalf("status = %s, want %s", got, proto.StatusRead)
	}

	if err := bob.chat.Delete(ctx, conversationID, delivered.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := len(bob.chat.Messages(conversationID)); got != 0 {
		t.Fatalf("window after delete = %d messages", got)
	}
	bob.store.mu.Lock()
	deleted := len(bob.store.deleted)
	bob.store.mu.Unlock()
	if deleted != 1 {
		t.Fatal("delete never reached the store")
	}
}

// A caller that gives up while waiting for the channel must get its own
// context error back, not the generic retryable one.
func TestSendSurfacesCallerCancellation(t *testing.T) {
	sig := signaling.NewMemorySignaler()
	conversationID := proto.ConversationID(addrAlice, addrBob)

	// Bob answers from a bare peer connection and never exchanges ICE
	// candidates, so negotiation completes but the channel cannot open.
	bobEnd := sig.Endpoint(addrBob)
	bobEnd.Subscribe(conversationID, func(env *proto.SignalingEnvelope) {
		if env.Kind != proto.KindOffer {
			return
		}
		pc, err := media.StaticSource{}.NewPeerConnection(webrtc.Configuration{})
		if err != nil {
			t.Errorf("answer peer connection: %v", err)
			return
		}
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: env.SDP}
		if err := pc.SetRemoteDescription(offer); err != nil {
			t.Errorf("set remote offer: %v", err)
			return
		}
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			t.Errorf("create answer: %v", err)
			return
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			t.Errorf("set local answer: %v", err)
			return
		}
		bobEnd.Send(&proto.SignalingEnvelope{
			Kind: proto.KindAnswer, To: addrAlice,
			ConversationID: conversationID, SDP: answer.SDP,
		})
	})

	bus := event.NewBus()
	registry := session.NewRegistry(sig.Endpoint(addrAlice), media.StaticSource{}, bus, addrAlice)
	defer registry.Close()
	mgr := New(registry, &recordingStore{}, bus, addrAlice, 0)
	defer mgr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sendErr := make(chan error, 1)
	go func() {
		_, err := mgr.Send(ctx, addrBob, proto.ReceiverUser, proto.Content{Text: "anyone there"})
		sendErr <- err
	}()

	// Cancel once negotiation is done and the send is parked on the channel.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if s, ok := registry.Get(conversationID); ok && s.State() == session.StateConnected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("negotiation never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-sendErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Send error = %v, want context.Canceled", err)
		}
		if errors.Is(err, ErrChannelNotReady) {
			t.Fatal("caller cancellation reported as channel-not-ready")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not return after cancellation")
	}
}
