package event

import "testing"

func TestSubscribePublish(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.SubscribeIncomingCalls()
	defer cancel()

	bus.PublishIncomingCall(IncomingCall{ConversationID: "a_b", From: "b", IsVideo: true})

	got := <-ch
	if got.ConversationID != "a_b" || got.From != "b" || !got.IsVideo {
		t.Errorf("unexpected event %+v", got)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.SubscribeCallEnded()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
	// Publishing after cancel must not panic or block.
	bus.PublishCallEnded(CallEnded{ConversationID: "a_b"})
	// Double cancel is a no-op.
	cancel()
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.SubscribeMessages()
	defer cancel()

	// Overfill the subscriber buffer; publish must drop, not block.
	for i := 0; i < subscriberBuffer*2; i++ {
		bus.PublishMessageReceived(MessageReceived{ConversationID: "a_b"})
	}
}

func TestIndependentFeeds(t *testing.T) {
	bus := NewBus()
	calls, cancelCalls := bus.SubscribeIncomingCalls()
	defer cancelCalls()

	bus.PublishCallEnded(CallEnded{ConversationID: "a_b"})

	select {
	case e := <-calls:
		t.Errorf("incoming-call feed received a call-ended event: %+v", e)
	default:
	}
}
