package signal

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func startServer(t *testing.T, opts ServerOptions) (*Server, context.CancelFunc) {
	t.Helper()
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	srv, err := NewServer(opts)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		cancel()
		t.Fatal(err)
	}
	return srv, cancel
}

// waitWrite retries a write until the background dial succeeds.
func waitWrite(t *testing.T, store *RemoteStore, path string, value any) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		err := store.Write(context.Background(), path, value)
		if err == nil {
			return
		}
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("write %s: %v", path, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("write %s: server never became reachable", path)
}

func TestServerEndToEnd(t *testing.T) {
	srv, cancel := startServer(t, ServerOptions{})
	defer cancel()

	writer := NewRemoteStore(srv.URL(), "")
	defer writer.Close()
	reader := NewRemoteStore(srv.URL(), "")
	defer reader.Close()

	t.Run("write then read across clients", func(t *testing.T) {
		waitWrite(t, writer, "calls/e2e/status", "calling")

		var status string
		waitFor(t, func() bool {
			raw, found, err := reader.ReadOnce(context.Background(), "calls/e2e/status")
			if err != nil || !found {
				return false
			}
			return json.Unmarshal(raw, &status) == nil
		})
		if status != "calling" {
			t.Fatalf("expected calling, got %q", status)
		}
	})

	t.Run("subscription observes remote writes", func(t *testing.T) {
		var mu sync.Mutex
		var gotStatus string

		cancelSub, err := reader.Subscribe("calls/sub-test", func(v json.RawMessage) {
			if v == nil {
				return
			}
			var rec struct {
				Status string `json:"status"`
			}
			if json.Unmarshal(v, &rec) == nil {
				mu.Lock()
				gotStatus = rec.Status
				mu.Unlock()
			}
		})
		if err != nil {
			t.Fatal(err)
		}
		defer cancelSub()

		waitWrite(t, writer, "calls/sub-test/status", "ringing")
		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return gotStatus == "ringing"
		})
	})

	t.Run("delete subtree", func(t *testing.T) {
		waitWrite(t, writer, "calls/gone/status", "calling")
		if err := writer.DeleteSubtree(context.Background(), "calls/gone"); err != nil {
			t.Fatal(err)
		}
		waitFor(t, func() bool {
			_, found, err := reader.ReadOnce(context.Background(), "calls/gone")
			return err == nil && !found
		})
	})
}

func TestServerRejectsBadSecret(t *testing.T) {
	srv, cancel := startServer(t, ServerOptions{Secret: "hunter2"})
	defer cancel()

	good := NewRemoteStore(srv.URL(), "hunter2")
	defer good.Close()
	waitWrite(t, good, "calls/authed/status", "calling")

	// A client with the wrong secret never completes its handshake, so every
	// operation reports the channel as unavailable.
	bad := NewRemoteStore(srv.URL(), "wrong")
	defer bad.Close()
	time.Sleep(200 * time.Millisecond)
	err := bad.Write(context.Background(), "calls/intruder", map[string]string{"status": "calling"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	if _, found, _ := srv.Store().ReadOnce(context.Background(), "calls/intruder"); found {
		t.Fatal("unauthenticated write reached the store")
	}
}

func TestServerPersistsAcrossRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "signal.db")

	srv, cancel := startServer(t, ServerOptions{DBPath: dbPath})
	client := NewRemoteStore(srv.URL(), "")

	rec := map[string]any{
		"id":        "persisted",
		"callerId":  "alice",
		"calleeId":  "bob",
		"status":    "calling",
		"createdAt": time.Now().UnixMilli(),
	}
	waitWrite(t, client, "calls/persisted", rec)
	waitWrite(t, client, "calls/persisted/status", "ended")

	client.Close()
	cancel()
	time.Sleep(100 * time.Millisecond)

	srv2, cancel2 := startServer(t, ServerOptions{DBPath: dbPath})
	defer cancel2()

	raw, found, err := srv2.Store().ReadOnce(context.Background(), "calls/persisted")
	if err != nil || !found {
		t.Fatalf("record not restored: found=%v err=%v", found, err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got["status"] != "ended" {
		t.Fatalf("expected patched status to survive restart, got %v", got["status"])
	}
}

func TestServerSweepsStaleCallsOnStartup(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "signal.db")

	srv, cancel := startServer(t, ServerOptions{DBPath: dbPath})
	client := NewRemoteStore(srv.URL(), "")

	stale := map[string]any{
		"id":        "stale",
		"callerId":  "alice",
		"calleeId":  "bob",
		"status":    "calling",
		"createdAt": time.Now().Add(-24 * time.Hour).UnixMilli(),
	}
	fresh := map[string]any{
		"id":        "fresh",
		"callerId":  "alice",
		"calleeId":  "bob",
		"status":    "calling",
		"createdAt": time.Now().UnixMilli(),
	}
	waitWrite(t, client, "calls/stale", stale)
	waitWrite(t, client, "calls/fresh", fresh)

	client.Close()
	cancel()
	time.Sleep(100 * time.Millisecond)

	srv2, cancel2 := startServer(t, ServerOptions{DBPath: dbPath, StaleCallWindow: time.Hour})
	defer cancel2()

	if _, found, _ := srv2.Store().ReadOnce(context.Background(), "calls/stale"); found {
		t.Fatal("stale record survived the sweep")
	}
	if _, found, _ := srv2.Store().ReadOnce(context.Background(), "calls/fresh"); !found {
		t.Fatal("fresh record was swept")
	}
}
