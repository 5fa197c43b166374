package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	dialTimeout      = 10 * time.Second
	requestTimeout   = 10 * time.Second
	reconnectInitial = 250 * time.Millisecond
	reconnectMax     = 5 * time.Second
)

// RemoteStore implements Store over a websocket connection to a signal
// Server. It reconnects automatically with exponential backoff and
// re-establishes subscriptions after each reconnect, which redelivers the
// current snapshot of every watched subtree; consumers are required to be
// idempotent against that.
type RemoteStore struct {
	url    string
	secret string
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[int64]chan wireResponse
	subs    map[int64]*memSub
	nextID  int64
	closed  bool

	done chan struct{}
}

// NewRemoteStore connects to the signal server at url (ws:// or wss://).
// The connection is managed in the background; operations issued while the
// link is down fail fast with ErrUnavailable.
func NewRemoteStore(url, secret string) *RemoteStore {
	r := &RemoteStore{
		url:     url,
		secret:  secret,
		dialer:  &websocket.Dialer{HandshakeTimeout: dialTimeout},
		pending: map[int64]chan wireResponse{},
		subs:    map[int64]*memSub{},
		done:    make(chan struct{}),
	}
	go r.connectLoop()
	return r
}

// Close tears down the connection and all subscriptions.
func (r *RemoteStore) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conn := r.conn
	r.conn = nil
	subs := r.subs
	r.subs = map[int64]*memSub{}
	r.mu.Unlock()

	close(r.done)
	if conn != nil {
		_ = conn.Close()
	}
	for _, s := range subs {
		close(s.done)
	}
}

// connectLoop dials the server, replays auth and subscriptions, then pumps
// frames until the connection drops. Backoff doubles up to reconnectMax.
func (r *RemoteStore) connectLoop() {
	backoff := reconnectInitial
	for {
		select {
		case <-r.done:
			return
		default:
		}

		err := r.runOnce()
		if err != nil {
			log.Debugf("remote: connection lost: %v", err)
		}
		r.failPending()

		select {
		case <-r.done:
			return
		case <-time.After(backoff):
		}
		if backoff < reconnectMax {
			backoff *= 2
		}
	}
}

func (r *RemoteStore) runOnce() error {
	conn, _, err := r.dialer.Dial(r.url, nil)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return nil
	}
	r.conn = conn
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.conn == conn {
			r.conn = nil
		}
		r.mu.Unlock()
		conn.Close()
	}()

	// Pump responses in a separate goroutine so handshake requests below can
	// wait on their acks.
	readErr := make(chan error, 1)
	go func() { readErr <- r.readPump(conn) }()

	if r.secret != "" {
		if err := r.requestOn(conn, wireRequest{Op: opAuth, Secret: r.secret}); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	// Replay live subscriptions; each redelivers its current snapshot.
	r.mu.Lock()
	subIDs := make([]int64, 0, len(r.subs))
	paths := make([]string, 0, len(r.subs))
	for id, s := range r.subs {
		subIDs = append(subIDs, id)
		paths = append(paths, joinSegs(s.path))
	}
	r.mu.Unlock()
	for i, id := range subIDs {
		if err := r.sendOn(conn, wireRequest{ID: id, Op: opSubscribe, Path: paths[i]}); err != nil {
			return err
		}
	}

	log.Debugf("remote: connected to %s (%d subscriptions)", r.url, len(subIDs))
	return <-readErr
}

func (r *RemoteStore) readPump(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var resp wireResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}

		if resp.Event {
			r.mu.Lock()
			sub := r.subs[resp.Sub]
			r.mu.Unlock()
			if sub != nil {
				sub.enqueue(resp.Value)
			}
			continue
		}

		r.mu.Lock()
		ch := r.pending[resp.ID]
		delete(r.pending, resp.ID)
		r.mu.Unlock()
		if ch != nil {
			ch <- resp
		}
	}
}

// failPending resolves all in-flight requests with a channel fault.
func (r *RemoteStore) failPending() {
	r.mu.Lock()
	pending := r.pending
	r.pending = map[int64]chan wireResponse{}
	r.mu.Unlock()
	for _, ch := range pending {
		ch <- wireResponse{Error: ErrUnavailable.Error()}
	}
}

func joinSegs(segs []string) string {
	out := ""
	for i, s := range segs {
		if i > 0 {
			out += "/"
		}
		out += s
	}
	return out
}

func (r *RemoteStore) allocID() int64 {
	r.nextID++
	return r.nextID
}

// sendOn writes a frame without waiting for its ack.
func (r *RemoteStore) sendOn(conn *websocket.Conn, req wireRequest) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}

// requestOn sends a frame on a specific connection and waits for its ack.
func (r *RemoteStore) requestOn(conn *websocket.Conn, req wireRequest) error {
	r.mu.Lock()
	if req.ID == 0 {
		req.ID = r.allocID()
	}
	ch := make(chan wireResponse, 1)
	r.pending[req.ID] = ch
	r.mu.Unlock()

	if err := r.sendOn(conn, req); err != nil {
		r.mu.Lock()
		delete(r.pending, req.ID)
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			if resp.Error == ErrUnavailable.Error() {
				return ErrUnavailable
			}
			return fmt.Errorf("signal: %s", resp.Error)
		}
		return nil
	case <-time.After(requestTimeout):
		r.mu.Lock()
		delete(r.pending, req.ID)
		r.mu.Unlock()
		return fmt.Errorf("%w: request timeout", ErrUnavailable)
	}
}

// request sends a frame on the current connection and waits for the response.
func (r *RemoteStore) request(ctx context.Context, req wireRequest) (wireResponse, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return wireResponse{}, fmt.Errorf("%w: store closed", ErrUnavailable)
	}
	conn := r.conn
	if conn == nil {
		r.mu.Unlock()
		return wireResponse{}, fmt.Errorf("%w: not connected", ErrUnavailable)
	}
	if req.ID == 0 {
		req.ID = r.allocID()
	}
	ch := make(chan wireResponse, 1)
	r.pending[req.ID] = ch
	r.mu.Unlock()

	if err := r.sendOn(conn, req); err != nil {
		r.mu.Lock()
		delete(r.pending, req.ID)
		r.mu.Unlock()
		return wireResponse{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			if resp.Error == ErrUnavailable.Error() {
				return wireResponse{}, ErrUnavailable
			}
			return wireResponse{}, fmt.Errorf("signal: %s", resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, req.ID)
		r.mu.Unlock()
		return wireResponse{}, ctx.Err()
	case <-time.After(requestTimeout):
		r.mu.Lock()
		delete(r.pending, req.ID)
		r.mu.Unlock()
		return wireResponse{}, fmt.Errorf("%w: request timeout", ErrUnavailable)
	}
}

// Write marshals value and stores it at path. The write is durable only once
// the server's ack has been received.
func (r *RemoteStore) Write(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("signal: marshal %s: %w", path, err)
	}
	_, err = r.request(ctx, wireRequest{Op: opWrite, Path: path, Value: raw})
	return err
}

// ReadOnce fetches the current value of the subtree at path.
func (r *RemoteStore) ReadOnce(ctx context.Context, path string) (json.RawMessage, bool, error) {
	resp, err := r.request(ctx, wireRequest{Op: opRead, Path: path})
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

// Subscribe watches the subtree at path. The subscription survives
// reconnects; after each reconnect the current snapshot is redelivered.
func (r *RemoteStore) Subscribe(path string, fn func(json.RawMessage)) (func(), error) {
	sub := &memSub{
		path: splitPath(path),
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: store closed", ErrUnavailable)
	}
	id := r.allocID()
	r.subs[id] = sub
	conn := r.conn
	r.mu.Unlock()

	go sub.run()

	// Best effort while the link is up; connectLoop replays it otherwise.
	if conn != nil {
		if err := r.sendOn(conn, wireRequest{ID: id, Op: opSubscribe, Path: path}); err != nil {
			log.Debugf("remote: subscribe %s deferred to reconnect: %v", path, err)
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			conn := r.conn
			r.mu.Unlock()
			close(sub.done)
			if conn != nil {
				_ = r.sendOn(conn, wireRequest{ID: 0, Op: opUnsubscribe, Sub: id})
			}
		})
	}
	return cancel, nil
}

// DeleteSubtree removes the subtree at path.
func (r *RemoteStore) DeleteSubtree(ctx context.Context, path string) error {
	_, err := r.request(ctx, wireRequest{Op: opDelete, Path: path})
	return err
}
