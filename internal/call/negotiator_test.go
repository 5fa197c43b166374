package call

import (
	"errors"
	"testing"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

func newTestNegotiator(t *testing.T) *PeerNegotiator {
	t.Helper()
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		t.Fatal(err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		t.Fatal(err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(ir))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	addRecvOnlyTransceivers(pc, TypeVoice)
	n := NewPeerNegotiator(pc)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestNegotiatorOfferAnswerExchange(t *testing.T) {
	a := newTestNegotiator(t)
	b := newTestNegotiator(t)

	offer, err := a.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}
	if offer.SDPType != "offer" || offer.Empty() {
		t.Fatalf("bad offer: %+v", offer.SDPType)
	}
	if err := a.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}

	if err := b.SetRemoteDescription(offer); err != nil {
		t.Fatal(err)
	}
	answer, err := b.CreateAnswer()
	if err != nil {
		t.Fatal(err)
	}
	if err := b.SetLocalDescription(answer); err != nil {
		t.Fatal(err)
	}
	if err := a.SetRemoteDescription(answer); err != nil {
		t.Fatal(err)
	}
}

func TestNegotiatorAnswerRequiresRemoteOffer(t *testing.T) {
	b := newTestNegotiator(t)
	if _, err := b.CreateAnswer(); !errors.Is(err, ErrNegotiation) {
		t.Fatalf("expected ErrNegotiation, got %v", err)
	}
}

func TestNegotiatorDescriptionGuards(t *testing.T) {
	a := newTestNegotiator(t)
	b := newTestNegotiator(t)

	offer, err := a.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}
	if err := b.SetRemoteDescription(offer); err != nil {
		t.Fatal(err)
	}

	t.Run("identical redelivery is a no-op", func(t *testing.T) {
		if err := b.SetRemoteDescription(offer); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("conflicting redelivery fails", func(t *testing.T) {
		altered := offer
		altered.SDPBody += "a=conflict\r\n"
		if err := b.SetRemoteDescription(altered); !errors.Is(err, ErrProtocolViolation) {
			t.Fatalf("expected ErrProtocolViolation, got %v", err)
		}
	})

	t.Run("malformed description type fails", func(t *testing.T) {
		if err := b.SetLocalDescription(Description{SDPType: "nonsense", SDPBody: "x"}); !errors.Is(err, ErrNegotiation) {
			t.Fatalf("expected ErrNegotiation, got %v", err)
		}
	})
}

func TestNegotiatorBuffersEarlyCandidates(t *testing.T) {
	a := newTestNegotiator(t)
	b := newTestNegotiator(t)

	idx := uint16(0)
	early := Candidate{
		Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
		SDPMLineIndex: &idx,
	}

	// Before the remote description lands the candidate is buffered, and its
	// duplicate is absorbed.
	if err := b.AddRemoteCandidate(early); err != nil {
		t.Fatal(err)
	}
	if err := b.AddRemoteCandidate(early); err != nil {
		t.Fatal(err)
	}
	b.mu.Lock()
	buffered := len(b.pending)
	b.mu.Unlock()
	if buffered != 1 {
		t.Fatalf("expected 1 buffered candidate, got %d", buffered)
	}

	offer, err := a.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}
	if err := b.SetRemoteDescription(offer); err != nil {
		t.Fatal(err)
	}

	b.mu.Lock()
	flushed := len(b.pending)
	b.mu.Unlock()
	if flushed != 0 {
		t.Fatalf("buffer not flushed, %d left", flushed)
	}

	// Late candidates apply directly.
	late := early
	late.Candidate = "candidate:2 1 udp 2130706430 127.0.0.1 54322 typ host"
	if err := b.AddRemoteCandidate(late); err != nil {
		t.Fatal(err)
	}
}
