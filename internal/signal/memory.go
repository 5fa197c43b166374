package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// node is one entry in the rendezvous tree. A node is either a leaf holding a
// raw JSON value or an interior node holding children, never both.
type node struct {
	leaf     json.RawMessage
	children map[string]*node
}

func (n *node) child(seg string) *node {
	if n.children == nil {
		return nil
	}
	return n.children[seg]
}

// snapshot reassembles the JSON value of the subtree rooted at n.
func (n *node) snapshot() (json.RawMessage, error) {
	if n.children == nil {
		return n.leaf, nil
	}
	out := make(map[string]json.RawMessage, len(n.children))
	for seg, c := range n.children {
		v, err := c.snapshot()
		if err != nil {
			return nil, err
		}
		out[seg] = v
	}
	return json.Marshal(out)
}

// set replaces the subtree at n with value. JSON objects are decomposed into
// children so that sibling paths can be overwritten independently; any other
// JSON value becomes a leaf.
func (n *node) set(value json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(value, &obj); err == nil && obj != nil {
		n.leaf = nil
		n.children = make(map[string]*node, len(obj))
		for seg, v := range obj {
			c := &node{}
			if err := c.set(v); err != nil {
				return err
			}
			n.children[seg] = c
		}
		return nil
	}
	n.leaf = value
	n.children = nil
	return nil
}

// memSub is one subscription. Snapshots are coalesced: a delivery goroutine
// always hands the latest pending snapshot to fn, preserving order without
// letting a slow consumer stall the store.
type memSub struct {
	path []string
	fn   func(json.RawMessage)

	mu      sync.Mutex
	pending json.RawMessage
	has     bool

	wake chan struct{}
	done chan struct{}
}

func (s *memSub) enqueue(snap json.RawMessage) {
	s.mu.Lock()
	s.pending = snap
	s.has = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memSub) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if !s.has {
				s.mu.Unlock()
				break
			}
			snap := s.pending
			s.pending = nil
			s.has = false
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.fn(snap)
		}
	}
}

// MemoryStore is an in-process rendezvous tree. It backs the signal Server
// and doubles as the test stand-in for a remote channel.
type MemoryStore struct {
	mu     sync.Mutex
	root   *node
	subs   map[int]*memSub
	nextID int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		root: &node{children: map[string]*node{}},
		subs: map[int]*memSub{},
	}
}

// Write marshals value and stores it at path, replacing any previous subtree.
func (m *MemoryStore) Write(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("signal: marshal %s: %w", path, err)
	}
	return m.WriteRaw(ctx, path, raw)
}

// WriteRaw stores a pre-marshalled JSON value at path.
func (m *MemoryStore) WriteRaw(_ context.Context, path string, raw json.RawMessage) error {
	segs := splitPath(path)
	if len(segs) == 0 {
		return fmt.Errorf("signal: write to empty path")
	}

	m.mu.Lock()
	n := m.root
	for _, seg := range segs {
		if n.children == nil {
			n.leaf = nil
			n.children = map[string]*node{}
		}
		c := n.children[seg]
		if c == nil {
			c = &node{}
			n.children[seg] = c
		}
		n = c
	}
	if err := n.set(raw); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("signal: write %s: %w", path, err)
	}
	m.notifyLocked(segs)
	m.mu.Unlock()
	return nil
}

// ReadOnce returns the current value of the subtree at path.
// Returns found=false when the path does not exist.
func (m *MemoryStore) ReadOnce(_ context.Context, path string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.lookupLocked(splitPath(path))
	if n == nil {
		return nil, false, nil
	}
	snap, err := n.snapshot()
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

// Subscribe registers fn for the subtree at path. fn is called once with the
// current value (nil if absent) and again after every change under path.
func (m *MemoryStore) Subscribe(path string, fn func(json.RawMessage)) (func(), error) {
	sub := &memSub{
		path: splitPath(path),
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = sub
	snap := m.snapshotLocked(sub.path)
	m.mu.Unlock()

	go sub.run()
	sub.enqueue(snap)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(sub.done)
		})
	}
	return cancel, nil
}

// DeleteSubtree removes the subtree at path. Deleting an absent path is a no-op.
func (m *MemoryStore) DeleteSubtree(_ context.Context, path string) error {
	segs := splitPath(path)
	if len(segs) == 0 {
		return fmt.Errorf("signal: delete of empty path")
	}

	m.mu.Lock()
	parent := m.lookupLocked(segs[:len(segs)-1])
	if parent == nil || parent.child(segs[len(segs)-1]) == nil {
		m.mu.Unlock()
		return nil
	}
	delete(parent.children, segs[len(segs)-1])
	m.notifyLocked(segs)
	m.mu.Unlock()
	return nil
}

// Close cancels all subscriptions.
func (m *MemoryStore) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = map[int]*memSub{}
	m.mu.Unlock()
	for _, s := range subs {
		close(s.done)
	}
}

func (m *MemoryStore) lookupLocked(segs []string) *node {
	n := m.root
	for _, seg := range segs {
		n = n.child(seg)
		if n == nil {
			return nil
		}
	}
	return n
}

func (m *MemoryStore) snapshotLocked(segs []string) json.RawMessage {
	n := m.lookupLocked(segs)
	if n == nil {
		return nil
	}
	snap, err := n.snapshot()
	if err != nil {
		log.Errorf("snapshot %v: %v", segs, err)
		return nil
	}
	return snap
}

// notifyLocked fans out fresh snapshots to every subscription whose subtree
// intersects the mutated path: watchers of ancestors see the change inside
// their subtree, watchers of descendants see their subtree replaced.
func (m *MemoryStore) notifyLocked(mutated []string) {
	for _, s := range m.subs {
		if isPrefix(s.path, mutated) || isPrefix(mutated, s.path) {
			s.enqueue(m.snapshotLocked(s.path))
		}
	}
}
