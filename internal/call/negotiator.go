package call

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pliInterval is how often a keyframe is re-requested from the remote video
// sender while the track is live.
const pliInterval = 3 * time.Second

// ConnState is the transport connection state, decoupled from Pion's type so
// the state machine can be tested without a real PeerConnection.
type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// RemoteTrack identifies one inbound media track.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     string // "audio" or "video"
}

// Negotiator drives SDP and ICE exchange for one call session.
//
// Implementations must tolerate the redelivery the rendezvous store imposes:
// SetRemoteDescription is a no-op when re-applied with an identical payload
// and fails with ErrProtocolViolation when re-applied with a different one.
// AddRemoteCandidate ignores duplicates and buffers candidates that arrive
// before the remote description.
type Negotiator interface {
	CreateOffer() (Description, error)
	CreateAnswer() (Description, error)
	SetLocalDescription(Description) error
	SetRemoteDescription(Description) error
	AddRemoteCandidate(Candidate) error

	OnLocalCandidate(func(Candidate))
	OnRemoteTrack(func(RemoteTrack))
	OnConnectionState(func(ConnState))

	Close() error
}

// PacketSink consumes RTP packets from a remote track. Renderers and
// recorders attach here; a nil sink discards the media.
type PacketSink func(RemoteTrack, *rtp.Packet)

// PeerNegotiator implements Negotiator over a single Pion PeerConnection.
type PeerNegotiator struct {
	pc *webrtc.PeerConnection

	mu         sync.Mutex
	localDesc  *Description
	remoteDesc *Description
	pending    []Candidate // buffered until the remote description lands
	seen       map[string]bool
	closed     bool

	onCandidate func(Candidate)
	onTrack     func(RemoteTrack)
	onState     func(ConnState)
	sink        PacketSink

	done chan struct{}
}

// NewPeerNegotiator wraps pc and wires its ICE, track and connection-state
// callbacks. The caller keeps ownership of any local tracks already added.
func NewPeerNegotiator(pc *webrtc.PeerConnection) *PeerNegotiator {
	n := &PeerNegotiator{
		pc:   pc,
		seen: make(map[string]bool),
		done: make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end-of-candidates marker
		}
		init := c.ToJSON()
		cand := Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		}
		n.mu.Lock()
		fn := n.onCandidate
		n.mu.Unlock()
		if fn != nil {
			fn(cand)
		}
	})

	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := RemoteTrack{ID: t.ID(), StreamID: t.StreamID(), Kind: t.Kind().String()}
		log.Infof("remote track %s (%s)", rt.ID, rt.Kind)

		if t.Kind() == webrtc.RTPCodecTypeVideo {
			go n.pliLoop(t)
		}
		go n.readLoop(rt, t)

		n.mu.Lock()
		fn := n.onTrack
		n.mu.Unlock()
		if fn != nil {
			fn(rt)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		n.mu.Lock()
		fn := n.onState
		n.mu.Unlock()
		if fn != nil {
			fn(connStateFromPion(s))
		}
	})

	return n
}

func connStateFromPion(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return ConnNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnFailed
	default:
		return ConnClosed
	}
}

// pliLoop requests a keyframe immediately and then on an interval, so a
// receiver joining mid-stream gets a decodable picture quickly.
func (n *PeerNegotiator) pliLoop(t *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		if err := n.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(t.SSRC())},
		}); err != nil {
			return
		}
		select {
		case <-n.done:
			return
		case <-ticker.C:
		}
	}
}

func (n *PeerNegotiator) readLoop(rt RemoteTrack, t *webrtc.TrackRemote) {
	for {
		pkt, _, err := t.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("remote track %s read: %v", rt.ID, err)
			}
			return
		}
		n.mu.Lock()
		sink := n.sink
		n.mu.Unlock()
		if sink != nil {
			sink(rt, pkt)
		}
	}
}

// SetPacketSink attaches the consumer for inbound RTP. May be nil.
func (n *PeerNegotiator) SetPacketSink(s PacketSink) {
	n.mu.Lock()
	n.sink = s
	n.mu.Unlock()
}

// CreateOffer produces the local offer SDP.
func (n *PeerNegotiator) CreateOffer() (Description, error) {
	sdp, err := n.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	return Description{SDPType: sdp.Type.String(), SDPBody: sdp.SDP}, nil
}

// CreateAnswer produces the local answer SDP. It requires that a remote
// offer has been applied first.
func (n *PeerNegotiator) CreateAnswer() (Description, error) {
	n.mu.Lock()
	haveRemote := n.remoteDesc != nil
	n.mu.Unlock()
	if !haveRemote {
		return Description{}, fmt.Errorf("%w: answer before remote offer", ErrNegotiation)
	}

	sdp, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	return Description{SDPType: sdp.Type.String(), SDPBody: sdp.SDP}, nil
}

// SetLocalDescription applies d locally. Re-applying the same description is
// a no-op; a conflicting one fails.
func (n *PeerNegotiator) SetLocalDescription(d Description) error {
	n.mu.Lock()
	if n.localDesc != nil {
		prev := *n.localDesc
		n.mu.Unlock()
		if prev == d {
			return nil
		}
		return fmt.Errorf("%w: conflicting local description", ErrProtocolViolation)
	}
	n.mu.Unlock()

	sdp, err := toSessionDescription(d)
	if err != nil {
		return err
	}
	if err := n.pc.SetLocalDescription(sdp); err != nil {
		return fmt.Errorf("%w: set local: %v", ErrNegotiation, err)
	}

	n.mu.Lock()
	n.localDesc = &d
	n.mu.Unlock()
	return nil
}

// SetRemoteDescription applies d and flushes any candidates that were
// buffered while the description was absent. Redeliveries of the identical
// description are ignored.
func (n *PeerNegotiator) SetRemoteDescription(d Description) error {
	n.mu.Lock()
	if n.remoteDesc != nil {
		prev := *n.remoteDesc
		n.mu.Unlock()
		if prev == d {
			return nil
		}
		return fmt.Errorf("%w: conflicting remote description", ErrProtocolViolation)
	}
	n.mu.Unlock()

	sdp, err := toSessionDescription(d)
	if err != nil {
		return err
	}
	if err := n.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("%w: set remote: %v", ErrNegotiation, err)
	}

	n.mu.Lock()
	n.remoteDesc = &d
	flush := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, c := range flush {
		if err := n.applyCandidate(c); err != nil {
			log.Warnf("buffered candidate dropped: %v", err)
		}
	}
	return nil
}

// AddRemoteCandidate feeds one remote ICE candidate into the connection.
// Duplicates are ignored; candidates arriving before the remote description
// are buffered in arrival order.
func (n *PeerNegotiator) AddRemoteCandidate(c Candidate) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	key := c.Key()
	if n.seen[key] {
		n.mu.Unlock()
		return nil
	}
	n.seen[key] = true
	if n.remoteDesc == nil {
		n.pending = append(n.pending, c)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	return n.applyCandidate(c)
}

func (n *PeerNegotiator) applyCandidate(c Candidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
	if err := n.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (n *PeerNegotiator) OnLocalCandidate(fn func(Candidate)) {
	n.mu.Lock()
	n.onCandidate = fn
	n.mu.Unlock()
}

func (n *PeerNegotiator) OnRemoteTrack(fn func(RemoteTrack)) {
	n.mu.Lock()
	n.onTrack = fn
	n.mu.Unlock()
}

func (n *PeerNegotiator) OnConnectionState(fn func(ConnState)) {
	n.mu.Lock()
	n.onState = fn
	n.mu.Unlock()
}

// Close tears down the PeerConnection. Idempotent.
func (n *PeerNegotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	close(n.done)
	return n.pc.Close()
}

func toSessionDescription(d Description) (webrtc.SessionDescription, error) {
	if d.Empty() {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: empty description", ErrNegotiation)
	}
	var t webrtc.SDPType
	switch d.SDPType {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	case "pranswer":
		t = webrtc.SDPTypePranswer
	case "rollback":
		t = webrtc.SDPTypeRollback
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: malformed description type %q", ErrNegotiation, d.SDPType)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDPBody}, nil
}
