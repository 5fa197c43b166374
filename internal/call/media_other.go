//go:build !(linux && cgo)

package call

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// NewSessionFactory returns a receive-only factory on non-Linux platforms.
// Camera/mic capture via pion/mediadevices needs platform drivers (V4L2 and
// malgo on Linux); elsewhere the session still receives remote media.
func NewSessionFactory(opts FactoryOptions) SessionFactory {
	return func(t Type) (Negotiator, LocalMedia, error) {
		mediaEngine := &webrtc.MediaEngine{}
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, nil, fmt.Errorf("register codecs: %w", err)
		}

		interceptorRegistry := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
			return nil, nil, fmt.Errorf("register interceptors: %w", err)
		}

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
		)

		pc, err := api.NewPeerConnection(opts.rtcConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("new peer connection: %w", err)
		}

		addRecvOnlyTransceivers(pc, t)
		log.Infof("receive-only session ready (no local capture on this platform)")
		return NewPeerNegotiator(pc), newLocalTracks(false, false, nil), nil
	}
}
