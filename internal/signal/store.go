// Package signal provides the rendezvous channel used for call signaling:
// a shared key-value tree with per-path change notifications. Two
// implementations exist: an in-process MemoryStore (also the authoritative
// state of the Server) and a websocket RemoteStore client.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("signal")

// ErrUnavailable reports a rendezvous channel fault (network or service).
// Writes of transient fields should be retried; writes of terminal fields
// abort the call after a bounded number of retries.
var ErrUnavailable = errors.New("signal: channel unavailable")

// Store is the rendezvous channel surface the call core needs.
//
// Values are JSON. Writing a JSON object decomposes it into child paths, so
// a later write to "calls/x/status" replaces only that field of a record
// written at "calls/x". Reading an interior path reassembles the object.
//
// Subscribe delivers the full current JSON value of the subtree on every
// change under it (never a diff) and nil once the subtree is deleted.
// Deliveries are in order per subscription but may coalesce bursts into the
// latest snapshot; consumers must be idempotent against redelivery.
type Store interface {
	Write(ctx context.Context, path string, value any) error
	ReadOnce(ctx context.Context, path string) (json.RawMessage, bool, error)
	Subscribe(path string, fn func(json.RawMessage)) (cancel func(), err error)
	DeleteSubtree(ctx context.Context, path string) error
}

// splitPath normalizes a slash-separated path into segments.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// isPrefix reports whether a is a (possibly equal) prefix of b.
func isPrefix(a, b []string) bool {
	if len(a) > len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
