package media

import (
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestStaticSourceAcquire(t *testing.T) {
	src := StaticSource{}

	tracks, stop, err := src.Acquire(false)
	if err != nil {
		t.Fatalf("Acquire(audio): %v", err)
	}
	stop()
	if len(tracks) != 1 {
		t.Fatalf("expected 1 audio track, got %d", len(tracks))
	}

	tracks, stop, err = src.Acquire(true)
	if err != nil {
		t.Fatalf("Acquire(video): %v", err)
	}
	stop()
	if len(tracks) != 2 {
		t.Fatalf("expected audio+video, got %d tracks", len(tracks))
	}
}

func TestRecvOnlyTransceiversProduceMediaSections(t *testing.T) {
	pc, err := StaticSource{}.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	defer pc.Close()

	AddRecvOnlyTransceivers(pc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if !strings.Contains(offer.SDP, "m=video") || !strings.Contains(offer.SDP, "m=audio") {
		t.Fatalf("offer missing media sections:\n%s", offer.SDP)
	}
}
