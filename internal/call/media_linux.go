//go:build linux && cgo

package call

import (
	"fmt"
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

// NewSessionFactory returns the production factory: VP8+Opus codecs, local
// camera/mic capture via pion/mediadevices (V4L2 + malgo), and a graceful
// fallback chain so a missing or busy device never prevents the call.
func NewSessionFactory(opts FactoryOptions) SessionFactory {
	return func(t Type) (Negotiator, LocalMedia, error) {
		vpxParams, err := vpx.NewVP8Params()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: vp8 params: %v", ErrMediaAccess, err)
		}
		vpxParams.BitRate = 1_500_000 // 1.5 Mbps

		opusParams, err := opus.NewParams()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: opus params: %v", ErrMediaAccess, err)
		}

		codecSelector := mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		)

		mediaEngine := &webrtc.MediaEngine{}
		codecSelector.Populate(mediaEngine)

		interceptorRegistry := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
			return nil, nil, fmt.Errorf("register interceptors: %w", err)
		}

		// Generous ICE timeouts so a brief NAT/relay hiccup does not
		// immediately terminate the call.
		se := webrtc.SettingEngine{}
		se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		)

		pc, err := api.NewPeerConnection(opts.rtcConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("new peer connection: %w", err)
		}

		media, err := captureLocalMedia(pc, t, codecSelector, opts.Constraints)
		if err != nil {
			_ = pc.Close()
			return nil, nil, err
		}

		return NewPeerNegotiator(pc), media, nil
	}
}

// captureLocalMedia opens local devices and attaches their tracks to pc.
// GetUserMedia fails as a unit if either requested track cannot be opened,
// so the attempts run from richest to poorest: video+audio, then video-only
// for video calls, then audio-only, then receive-only.
func captureLocalMedia(pc *webrtc.PeerConnection, t Type, sel *mediadevices.CodecSelector, mc MediaConstraints) (LocalMedia, error) {
	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if t == TypeVideo {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: sel}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG. Some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder and breaks SDP negotiation. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				if mc.Video.MaxWidth > 0 {
					c.Width = prop.IntRanged{Max: mc.Video.MaxWidth}
				}
				if mc.Video.MaxHeight > 0 {
					c.Height = prop.IntRanged{Max: mc.Video.MaxHeight}
				}
				if mc.Video.FrameRate > 0 {
					c.FrameRate = prop.FloatRanged{Max: mc.Video.FrameRate}
				}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("GetUserMedia (%s) failed: %v", a.label, err)
			continue
		}

		tracks := stream.GetTracks()
		hasVideo := false
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Debugf("local track ended: %v", err)
				}
			})
			if track.Kind() == webrtc.RTPCodecTypeVideo {
				hasVideo = true
			}
			if _, err := pc.AddTrack(track); err != nil {
				log.Warnf("add local track: %v", err)
			}
		}

		log.Infof("local media captured (%s), %d tracks", a.label, len(tracks))
		closeFn := func() {
			for _, tr := range tracks {
				tr.Close()
			}
		}
		return newLocalTracks(a.audio, hasVideo, closeFn), nil
	}

	// Every capture attempt failed. Proceed receive-only so the call can
	// still render remote media.
	log.Warnf("all media capture attempts failed, proceeding receive-only")
	addRecvOnlyTransceivers(pc, t)
	return newLocalTracks(false, false, nil), nil
}
