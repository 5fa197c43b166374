package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Virajr7123/Web-Chat-Ver-7.0.1/internal/signal"
	"github.com/Virajr7123/Web-Chat-Ver-7.0.1/internal/util"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// fakeNegotiator implements Negotiator without a PeerConnection. Tests drive
// the transport by firing connection states and emitting local candidates.
type fakeNegotiator struct {
	name string

	mu          sync.Mutex
	local       *Description
	remote      *Description
	candidates  []Candidate
	seen        map[string]bool
	closeCount  int
	onCandidate func(Candidate)
	onTrack     func(RemoteTrack)
	onState     func(ConnState)
}

func newFakeNegotiator(name string) *fakeNegotiator {
	return &fakeNegotiator{name: name, seen: map[string]bool{}}
}

func (f *fakeNegotiator) CreateOffer() (Description, error) {
	return Description{SDPType: "offer", SDPBody: "v=0 offer " + f.name}, nil
}

func (f *fakeNegotiator) CreateAnswer() (Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return Description{}, fmt.Errorf("%w: answer before remote offer", ErrNegotiation)
	}
	return Description{SDPType: "answer", SDPBody: "v=0 answer " + f.name}, nil
}

func (f *fakeNegotiator) SetLocalDescription(d Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.local != nil {
		if *f.local == d {
			return nil
		}
		return fmt.Errorf("%w: conflicting local description", ErrProtocolViolation)
	}
	f.local = &d
	return nil
}

func (f *fakeNegotiator) SetRemoteDescription(d Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote != nil {
		if *f.remote == d {
			return nil
		}
		return fmt.Errorf("%w: conflicting remote description", ErrProtocolViolation)
	}
	f.remote = &d
	return nil
}

func (f *fakeNegotiator) AddRemoteCandidate(c Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[c.Key()] {
		return nil
	}
	f.seen[c.Key()] = true
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeNegotiator) OnLocalCandidate(fn func(Candidate)) { f.onCandidate = fn }
func (f *fakeNegotiator) OnRemoteTrack(fn func(RemoteTrack)) { f.onTrack = fn }
func (f *fakeNegotiator) OnConnectionState(fn func(ConnState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeNegotiator) Close() error {
	f.mu.Lock()
	f.closeCount++
	f.mu.Unlock()
	return nil
}

func (f *fakeNegotiator) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

func (f *fakeNegotiator) fireState(s ConnState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (f *fakeNegotiator) emitCandidate(c Candidate) {
	if f.onCandidate != nil {
		f.onCandidate(c)
	}
}

func (f *fakeNegotiator) remoteCandidates() []Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Candidate, len(f.candidates))
	copy(out, f.candidates)
	return out
}

type fakeMedia struct {
	mu      sync.Mutex
	audioOn bool
	videoOn bool
	stops   int
}

func newFakeMedia() *fakeMedia { return &fakeMedia{audioOn: true, videoOn: true} }

func (f *fakeMedia) SetAudioEnabled(on bool) { f.mu.Lock(); f.audioOn = on; f.mu.Unlock() }
func (f *fakeMedia) SetVideoEnabled(on bool) { f.mu.Lock(); f.videoOn = on; f.mu.Unlock() }
func (f *fakeMedia) AudioEnabled() bool      { f.mu.Lock(); defer f.mu.Unlock(); return f.audioOn }
func (f *fakeMedia) VideoEnabled() bool      { f.mu.Lock(); defer f.mu.Unlock(); return f.videoOn }
func (f *fakeMedia) Stop()                   { f.mu.Lock(); f.stops++; f.mu.Unlock() }

func (f *fakeMedia) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func fakeFactory(neg *fakeNegotiator, media *fakeMedia) SessionFactory {
	return func(Type) (Negotiator, LocalMedia, error) {
		return neg, media, nil
	}
}

func testOptions(store signal.Store, selfID string, f SessionFactory) Options {
	return Options{
		Store:   store,
		SelfID:  selfID,
		Factory: f,
		Retry:   util.RetryPolicy{Attempts: 2, Backoff: 10 * time.Millisecond},
	}
}

func readRecord(t *testing.T, store signal.Store, id string) Record {
	t.Helper()
	raw, found, err := store.ReadOnce(context.Background(), signal.CallPath(id))
	if err != nil || !found {
		t.Fatalf("record %s not readable: found=%v err=%v", id, found, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func storedStatus(store signal.Store, id string) (Status, bool) {
	raw, found, err := store.ReadOnce(context.Background(), signal.StatusPath(id))
	if err != nil || !found {
		return "", false
	}
	var s Status
	if json.Unmarshal(raw, &s) != nil {
		return "", false
	}
	return s, true
}

func TestCallConnectFlow(t *testing.T) {
	ctx := context.Background()
	store := signal.NewMemoryStore()
	defer store.Close()

	callerNeg := newFakeNegotiator("alice")
	callerMedia := newFakeMedia()
	caller, err := StartCall(ctx, testOptions(store, "alice", fakeFactory(callerNeg, callerMedia)), "bob", TypeVideo)
	if err != nil {
		t.Fatal(err)
	}
	defer caller.Cleanup()

	if caller.Status() != StatusCalling {
		t.Fatalf("expected calling, got %s", caller.Status())
	}
	rec := readRecord(t, store, caller.ID())
	if rec.CallerID != "alice" || rec.CalleeID != "bob" || rec.Type != TypeVideo {
		t.Fatalf("bad record: %+v", rec)
	}

	calleeNeg := newFakeNegotiator("bob")
	calleeMedia := newFakeMedia()
	callee, err := AcceptCall(ctx, testOptions(store, "bob", fakeFactory(calleeNeg, calleeMedia)), rec)
	if err != nil {
		t.Fatal(err)
	}
	defer callee.Cleanup()

	if callee.Status() != StatusConnecting {
		t.Fatalf("expected callee connecting, got %s", callee.Status())
	}

	// The answer propagates through the store and moves the caller forward.
	waitFor(t, func() bool { return caller.Status() == StatusConnecting })

	calleeNeg.fireState(ConnConnected)
	callerNeg.fireState(ConnConnected)
	waitFor(t, func() bool { return caller.Connected() && callee.Connected() })

	waitFor(t, func() bool {
		s, ok := storedStatus(store, caller.ID())
		return ok && s == StatusConnected
	})
}

func TestCandidateExchangeOrderAndDedup(t *testing.T) {
	ctx := context.Background()
	store := signal.NewMemoryStore()
	defer store.Close()

	callerNeg := newFakeNegotiator("alice")
	caller, err := StartCall(ctx, testOptions(store, "alice", fakeFactory(callerNeg, newFakeMedia())), "bob", TypeVoice)
	if err != nil {
		t.Fatal(err)
	}
	defer caller.Cleanup()

	rec := readRecord(t, store, caller.ID())
	calleeNeg := newFakeNegotiator("bob")
	callee, err := AcceptCall(ctx, testOptions(store, "bob", fakeFactory(calleeNeg, newFakeMedia())), rec)
	if err != nil {
		t.Fatal(err)
	}
	defer callee.Cleanup()

	mid := "0"
	for _, body := range []string{"cand-a", "cand-b", "cand-c", "cand-b"} {
		callerNeg.emitCandidate(Candidate{Candidate: body, SDPMid: &mid})
	}

	waitFor(t, func() bool { return len(calleeNeg.remoteCandidates()) == 3 })
	got := calleeNeg.remoteCandidates()
	want := []string{"cand-a", "cand-b", "cand-c"}
	for i, body := range want {
		if got[i].Candidate != body {
			t.Fatalf("candidate %d: want %s, got %s", i, body, got[i].Candidate)
		}
		if got[i].Seq == 0 {
			t.Fatalf("candidate %d missing seq", i)
		}
	}
}

func TestAcceptCallOfferMissing(t *testing.T) {
	ctx := context.Background()
	store := signal.NewMemoryStore()
	defer store.Close()

	rec := Record{
		ID:        "no-offer",
		CallerID:  "alice",
		CalleeID:  "bob",
		Type:      TypeVoice,
		Status:    StatusCalling,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := store.Write(ctx, signal.CallPath(rec.ID), rec); err != nil {
		t.Fatal(err)
	}

	neg := newFakeNegotiator("bob")
	media := newFakeMedia()
	_, err := AcceptCall(ctx, testOptions(store, "bob", fakeFactory(neg, media)), rec)
	if !errors.Is(err, ErrOfferMissing) {
		t.Fatalf("expected ErrOfferMissing, got %v", err)
	}

	// Resources released, nothing written back to the record.
	if media.stopCount() != 1 || neg.closes() != 1 {
		t.Fatalf("resources not released: stops=%d closes=%d", media.stopCount(), neg.closes())
	}
	if s, ok := storedStatus(store, rec.ID); !ok || s != StatusCalling {
		t.Fatalf("record status changed: %s ok=%v", s, ok)
	}
}

func TestRemoteRejectionEndsCaller(t *testing.T) {
	ctx := context.Background()
	store := signal.NewMemoryStore()
	defer store.Close()

	neg := newFakeNegotiator("alice")
	media := newFakeMedia()

	var mu sync.Mutex
	var phases []Status
	opts := testOptions(store, "alice", fakeFactory(neg, media))
	opts.OnStatus = func(_ string, s Status) {
		mu.Lock()
		phases = append(phases, s)
		mu.Unlock()
	}

	caller, err := StartCall(ctx, opts, "bob", TypeVoice)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Write(ctx, signal.StatusPath(caller.ID()), StatusRejected); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return caller.Status() == StatusRejected })
	waitFor(t, func() bool { return media.stopCount() == 1 })

	// Cleanup removed the record subtree.
	waitFor(t, func() bool {
		_, found, err := store.ReadOnce(ctx, signal.CallPath(caller.ID()))
		return err == nil && !found
	})

	mu.Lock()
	defer mu.Unlock()
	if phases[len(phases)-1] != StatusRejected {
		t.Fatalf("expected final phase rejected, got %v", phases)
	}
}

func TestTransportFailureEndsCall(t *testing.T) {
	ctx := context.Background()
	store := signal.NewMemoryStore()
	defer store.Close()

	neg := newFakeNegotiator("alice")
	media := newFakeMedia()
	caller, err := StartCall(ctx, testOptions(store, "alice", fakeFactory(neg, media)), "bob", TypeVoice)
	if err != nil {
		t.Fatal(err)
	}

	neg.fireState(ConnFailed)
	waitFor(t, func() bool { return caller.Status() == StatusEnded })
	waitFor(t, func() bool {
		_, found, err := store.ReadOnce(ctx, signal.CallPath(caller.ID()))
		return err == nil && !found
	})
}

func TestEndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := signal.NewMemoryStore()
	defer store.Close()

	neg := newFakeNegotiator("alice")
	media := newFakeMedia()
	caller, err := StartCall(ctx, testOptions(store, "alice", fakeFactory(neg, media)), "bob", TypeVoice)
	if err != nil {
		t.Fatal(err)
	}

	caller.End(ctx)
	caller.End(ctx)
	caller.Cleanup()

	if media.stopCount() != 1 || neg.closes() != 1 {
		t.Fatalf("teardown ran more than once: stops=%d closes=%d", media.stopCount(), neg.closes())
	}
	if caller.Status() != StatusEnded {
		t.Fatalf("expected ended, got %s", caller.Status())
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	ctx := context.Background()
	store := signal.NewMemoryStore()
	defer store.Close()

	neg := newFakeNegotiator("alice")
	caller, err := StartCall(ctx, testOptions(store, "alice", fakeFactory(neg, newFakeMedia())), "bob", TypeVoice)
	if err != nil {
		t.Fatal(err)
	}
	defer caller.Cleanup()

	rec := readRecord(t, store, caller.ID())
	calleeNeg := newFakeNegotiator("bob")
	callee, err := AcceptCall(ctx, testOptions(store, "bob", fakeFactory(calleeNeg, newFakeMedia())), rec)
	if err != nil {
		t.Fatal(err)
	}
	defer callee.Cleanup()

	waitFor(t, func() bool { return caller.Status() == StatusConnecting })

	if caller.setStatus(StatusCalling) {
		t.Fatal("regression to calling was accepted")
	}
	if caller.Status() != StatusConnecting {
		t.Fatalf("status moved backwards to %s", caller.Status())
	}
}

// cancelCountingStore counts how many subscription cancels have run.
type cancelCountingStore struct {
	signal.Store
	mu        sync.Mutex
	cancelled int
}

func (s *cancelCountingStore) Subscribe(path string, fn func(json.RawMessage)) (func(), error) {
	cancel, err := s.Store.Subscribe(path, fn)
	if err != nil {
		return nil, err
	}
	return func() {
		s.mu.Lock()
		s.cancelled++
		s.mu.Unlock()
		cancel()
	}, nil
}

func (s *cancelCountingStore) cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func TestSubscriptionAfterCleanupIsCancelled(t *testing.T) {
	mem := signal.NewMemoryStore()
	defer mem.Close()
	store := &cancelCountingStore{Store: mem}

	c := newCall(Options{Store: store, SelfID: "alice"}, "late-sub", RoleCaller, "alice", "bob", TypeVoice)
	c.cleanup(false)

	if err := c.watch(sub{signal.StatusPath(c.id), func(json.RawMessage) {}}); err != nil {
		t.Fatal(err)
	}

	if store.cancels() != 1 {
		t.Fatalf("late subscription not cancelled: %d cancels", store.cancels())
	}
	c.mu.Lock()
	leaked := len(c.unsubs)
	c.mu.Unlock()
	if leaked != 0 {
		t.Fatalf("%d subscription handles appended after cleanup", leaked)
	}
}
