//go:build linux && cgo

package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceSource captures camera and microphone via pion/mediadevices
// (V4L2 + malgo), encoding VP8 and Opus.
type DeviceSource struct {
	initOnce sync.Once
	initErr  error
	selector *mediadevices.CodecSelector
	engine   *webrtc.MediaEngine
}

// NewDeviceSource returns the hardware capture source for this platform.
func NewDeviceSource() Source { return &DeviceSource{} }

func (s *DeviceSource) init() error {
	s.initOnce.Do(func() {
		vpxParams, err := vpx.NewVP8Params()
		if err != nil {
			s.initErr = fmt.Errorf("media: vp8 params: %w", err)
			return
		}
		vpxParams.BitRate = 1_500_000 // 1.5 Mbps

		opusParams, err := opus.NewParams()
		if err != nil {
			s.initErr = fmt.Errorf("media: opus params: %w", err)
			return
		}

		s.selector = mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		)
		s.engine = &webrtc.MediaEngine{}
		s.selector.Populate(s.engine)
	})
	return s.initErr
}

// NewPeerConnection builds a PC with the VP8/Opus media engine and generous
// ICE timeouts: the default 5s disconnectedTimeout is far too short for
// relay paths with brief outages during re-keying or failover.
func (s *DeviceSource) NewPeerConnection(config webrtc.Configuration) (*webrtc.PeerConnection, error) {
	if err := s.init(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(s.engine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("media: register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(s.engine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	return api.NewPeerConnection(config)
}

// Acquire opens capture with a graceful fallback chain. GetUserMedia fails
// as a unit if either track can't be opened, so a busy microphone must not
// prevent the camera from working and vice versa.
func (s *DeviceSource) Acquire(withVideo bool) ([]webrtc.TrackLocal, func(), error) {
	if err := s.init(); err != nil {
		return nil, nil, err
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if withVideo {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node
				// that produces malformed frames, poisoning the VP8
				// encoder. Raw formats only, capped at 640x480.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		mdTracks := stream.GetTracks()
		tracks := make([]webrtc.TrackLocal, 0, len(mdTracks))
		for _, track := range mdTracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("local track ended: %v", err)
				}
			})
			tracks = append(tracks, track)
		}
		log.Infof("local media captured (%s), %d tracks", a.label, len(tracks))

		stop := func() {
			for _, t := range mdTracks {
				t.Close()
			}
		}
		return tracks, stop, nil
	}

	return nil, nil, fmt.Errorf("%w: %v", ErrAccess, lastErr)
}
