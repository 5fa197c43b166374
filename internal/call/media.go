package call

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// SessionFactory builds the negotiator and local media for one call session.
// Production factories capture hardware; tests inject fakes.
type SessionFactory func(t Type) (Negotiator, LocalMedia, error)

// LocalMedia controls the local capture tracks of a session. Enable flags are
// session-local mute state; Stop releases the devices and is idempotent.
type LocalMedia interface {
	SetAudioEnabled(bool)
	SetVideoEnabled(bool)
	AudioEnabled() bool
	VideoEnabled() bool
	Stop()
}

// VideoConstraints caps the capture resolution and rate. Higher resolutions
// increase VP8 encoding latency, so the defaults stay modest.
type VideoConstraints struct {
	MaxWidth  int
	MaxHeight int
	FrameRate float32
}

// MediaConstraints configures local capture for video calls. Voice calls
// ignore the video section.
type MediaConstraints struct {
	Video VideoConstraints
}

// DefaultMediaConstraints returns the capture defaults: 640x480 at 30 fps.
func DefaultMediaConstraints() MediaConstraints {
	return MediaConstraints{Video: VideoConstraints{MaxWidth: 640, MaxHeight: 480, FrameRate: 30}}
}

// FactoryOptions configures NewSessionFactory.
type FactoryOptions struct {
	ICEServers  []string
	Constraints MediaConstraints
}

func (o FactoryOptions) rtcConfig() webrtc.Configuration {
	urls := o.ICEServers
	if len(urls) == 0 {
		urls = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{ICEServers: []webrtc.ICEServer{{URLs: urls}}}
}

// localTracks is the LocalMedia over captured hardware tracks. Toggles are
// session-local flags; stop releases the underlying devices.
type localTracks struct {
	mu       sync.Mutex
	audioOn  bool
	videoOn  bool
	stopFn   func()
	stopped  bool
	hasAudio bool
	hasVideo bool
}

func newLocalTracks(hasAudio, hasVideo bool, stop func()) *localTracks {
	return &localTracks{
		audioOn:  hasAudio,
		videoOn:  hasVideo,
		hasAudio: hasAudio,
		hasVideo: hasVideo,
		stopFn:   stop,
	}
}

func (l *localTracks) SetAudioEnabled(on bool) {
	l.mu.Lock()
	l.audioOn = on && l.hasAudio
	l.mu.Unlock()
}

func (l *localTracks) SetVideoEnabled(on bool) {
	l.mu.Lock()
	l.videoOn = on && l.hasVideo
	l.mu.Unlock()
}

func (l *localTracks) AudioEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.audioOn
}

func (l *localTracks) VideoEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.videoOn
}

func (l *localTracks) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	stop := l.stopFn
	l.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE
// credentials, even with no local capture.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection, t Type) {
	if t == TypeVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("add recvonly video transceiver: %v", err)
		}
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warnf("add recvonly audio transceiver: %v", err)
	}
}
