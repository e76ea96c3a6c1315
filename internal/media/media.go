// Package media acquires local audio/video tracks for peer sessions. The
// Source interface hides the capture backend: hardware capture via
// pion/mediadevices on Linux, sample tracks for tests, receive-only
// everywhere capture is unavailable.
package media

import (
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("alania.media")

// ErrAccess wraps any failure to open the local microphone or camera.
// Sessions treat it as the last step of the capture fallback chain and
// renegotiate receive-only, so remote media still arrives.
var ErrAccess = errors.New("media: device access failed")

// Source provides local media for a peer session.
type Source interface {
	// NewPeerConnection builds a PeerConnection whose media engine is
	// compatible with the tracks this source produces.
	NewPeerConnection(config webrtc.Configuration) (*webrtc.PeerConnection, error)

	// Acquire opens local capture and returns the tracks to attach:
	// audio always, video only when withVideo. The returned stop func
	// releases the devices; it is never nil on success.
	Acquire(withVideo bool) ([]webrtc.TrackLocal, func(), error)
}

// AddRecvOnlyTransceivers adds recvonly video and audio transceivers so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE
// credentials even when no local track was attached.
func AddRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warnf("AddTransceiver(video): %v", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warnf("AddTransceiver(audio): %v", err)
	}
}

// StaticSource produces sample-fed tracks without touching hardware. Used
// in tests and as the capture-less default on platforms with no backend.
type StaticSource struct{}

// NewPeerConnection builds a PC with pion's default codecs, matching the
// Opus/VP8 sample tracks Acquire hands out. Loopback candidates are enabled
// so two in-process sources can connect on a machine whose only interface
// is lo.
func (StaticSource) NewPeerConnection(config webrtc.Configuration) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("media: register codecs: %w", err)
	}
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(se))
	return api.NewPeerConnection(config)
}

// Acquire returns static sample tracks: silence and, when requested, an
// empty VP8 track. No device is opened, so it never fails with ErrAccess.
func (StaticSource) Acquire(withVideo bool) ([]webrtc.TrackLocal, func(), error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "alania-static")
	if err != nil {
		return nil, nil, fmt.Errorf("media: audio track: %w", err)
	}
	tracks := []webrtc.TrackLocal{audio}

	if withVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "alania-static")
		if err != nil {
			return nil, nil, fmt.Errorf("media: video track: %w", err)
		}
		tracks = append(tracks, video)
	}
	return tracks, func() {}, nil
}
