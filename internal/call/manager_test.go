package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Virajr7123/Web-Chat-Ver-7.0.1/internal/directory"
	"github.com/Virajr7123/Web-Chat-Ver-7.0.1/internal/signal"
	"github.com/Virajr7123/Web-Chat-Ver-7.0.1/internal/util"
)

type negRecorder struct {
	mu   sync.Mutex
	negs []*fakeNegotiator
}

func (r *negRecorder) factory(name string) SessionFactory {
	return func(Type) (Negotiator, LocalMedia, error) {
		n := newFakeNegotiator(name)
		r.mu.Lock()
		r.negs = append(r.negs, n)
		r.mu.Unlock()
		return n, newFakeMedia(), nil
	}
}

func (r *negRecorder) last(t *testing.T) *fakeNegotiator {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.negs) == 0 {
		t.Fatal("no negotiator created")
	}
	return r.negs[len(r.negs)-1]
}

func newTestManager(t *testing.T, store signal.Store, selfID string, rec *negRecorder) *Manager {
	t.Helper()
	m := NewManager(ManagerOptions{
		Store:     store,
		SelfID:    selfID,
		Directory: directory.New(store, ""),
		Factory:   rec.factory(selfID),
		Retry:     util.RetryPolicy{Attempts: 2, Backoff: 10 * time.Millisecond},
	})
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)
	return m
}

func publishProfiles(t *testing.T, store signal.Store) {
	t.Helper()
	dir := directory.New(store, "")
	for _, u := range []directory.User{
		{ID: "alice", Name: "Alice"},
		{ID: "bob", Name: "Bob"},
	} {
		if err := dir.Publish(context.Background(), u); err != nil {
			t.Fatal(err)
		}
	}
}

func TestManagerCallFlow(t *testing.T) {
	ctx := context.Background()
	store := signal.NewMemoryStore()
	defer store.Close()
	publishProfiles(t, store)

	aliceNegs := &negRecorder{}
	bobNegs := &negRecorder{}
	alice := newTestManager(t, store, "alice", aliceNegs)
	bob := newTestManager(t, store, "bob", bobNegs)

	incoming := make(chan Notification, 1)
	bob.OnIncoming(func(n Notification) { incoming <- n })

	outbound, err := alice.StartCall(ctx, "bob", TypeVoice)
	if err != nil {
		t.Fatal(err)
	}

	var n Notification
	select {
	case n = <-incoming:
	case <-time.After(3 * time.Second):
		t.Fatal("bob never rang")
	}
	if n.Caller.Name != "Alice" || n.CallID != outbound.ID() {
		t.Fatalf("bad notification: %+v", n)
	}

	inbound, err := bob.AcceptCall(ctx, n.CallID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bob.AcceptCall(ctx, n.CallID); err == nil {
		t.Fatal("second accept should fail")
	}

	waitFor(t, func() bool { return outbound.Status() == StatusConnecting })

	bobNegs.last(t).fireState(ConnConnected)
	aliceNegs.last(t).fireState(ConnConnected)
	waitFor(t, func() bool { return outbound.Connected() && inbound.Connected() })

	if err := alice.EndCall(ctx, outbound.ID()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return inbound.Status().Terminal() })

	// Terminal sessions leave the managers.
	waitFor(t, func() bool {
		_, aOK := alice.Get(outbound.ID())
		_, bOK := bob.Get(outbound.ID())
		return !aOK && !bOK
	})
}

func TestManagerRejectFlow(t *testing.T) {
	ctx := context.Background()
	store := signal.NewMemoryStore()
	defer store.Close()
	publishProfiles(t, store)

	alice := newTestManager(t, store, "alice", &negRecorder{})
	bob := newTestManager(t, store, "bob", &negRecorder{})

	incoming := make(chan Notification, 1)
	bob.OnIncoming(func(n Notification) { incoming <- n })

	outbound, err := alice.StartCall(ctx, "bob", TypeVoice)
	if err != nil {
		t.Fatal(err)
	}

	var n Notification
	select {
	case n = <-incoming:
	case <-time.After(3 * time.Second):
		t.Fatal("bob never rang")
	}

	if err := bob.RejectCall(ctx, n.CallID); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return outbound.Status() == StatusRejected })
	if _, ok := bob.Get(n.CallID); ok {
		t.Fatal("rejected call has a session")
	}
}
