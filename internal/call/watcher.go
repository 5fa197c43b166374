package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Virajr7123/Web-Chat-Ver-7.0.1/internal/directory"
	"github.com/Virajr7123/Web-Chat-Ver-7.0.1/internal/signal"
	"github.com/Virajr7123/Web-Chat-Ver-7.0.1/internal/util"
)

const (
	// defaultFreshWindow is how recent a record's createdAt must be for it
	// to ring at all. Stale records are leftovers from crashed peers.
	defaultFreshWindow = 60 * time.Second

	// defaultAcceptWindow is how long an incoming call rings before it is
	// auto-rejected.
	defaultAcceptWindow = 30 * time.Second
)

// WithdrawReason says why a surfaced incoming call went away without a local
// accept or reject.
type WithdrawReason string

const (
	WithdrawTimeout WithdrawReason = "timeout"
	WithdrawRemote  WithdrawReason = "remote"
)

// Notification is one ringing incoming call, with the caller identified.
type Notification struct {
	CallID    string
	Caller    directory.User
	Type      Type
	CreatedAt time.Time
}

// WatcherOptions configures the incoming-call watcher.
type WatcherOptions struct {
	Store     signal.Store
	SelfID    string
	Directory *directory.Directory

	// FreshWindow and AcceptWindow default to 60s and 30s.
	FreshWindow  time.Duration
	AcceptWindow time.Duration

	// Retry bounds the auto-reject status write. Zero means 3 attempts
	// starting at 250ms.
	Retry util.RetryPolicy

	// Now is a clock hook for tests. Defaults to time.Now.
	Now func() time.Time

	OnIncoming func(Notification)
	OnWithdraw func(callID string, reason WithdrawReason)
}

// Watcher holds one subscription on the calls root and surfaces at most one
// qualifying incoming call at a time. An unidentifiable caller is never
// surfaced.
type Watcher struct {
	store        signal.Store
	selfID       string
	dir          *directory.Directory
	freshWindow  time.Duration
	acceptWindow time.Duration
	retry        util.RetryPolicy
	now          func() time.Time
	onIncoming   func(Notification)
	onWithdraw   func(string, WithdrawReason)

	mu      sync.Mutex
	cancel  func()
	current *Record
	timer   *time.Timer
	handled map[string]bool
	closed  bool
}

// NewWatcher builds a watcher; Start attaches it to the store.
func NewWatcher(opts WatcherOptions) *Watcher {
	w := &Watcher{
		store:        opts.Store,
		selfID:       opts.SelfID,
		dir:          opts.Directory,
		freshWindow:  opts.FreshWindow,
		acceptWindow: opts.AcceptWindow,
		retry:        opts.Retry,
		now:          opts.Now,
		onIncoming:   opts.OnIncoming,
		onWithdraw:   opts.OnWithdraw,
		handled:      make(map[string]bool),
	}
	if w.freshWindow <= 0 {
		w.freshWindow = defaultFreshWindow
	}
	if w.acceptWindow <= 0 {
		w.acceptWindow = defaultAcceptWindow
	}
	if w.retry.Attempts == 0 {
		w.retry = util.RetryPolicy{Attempts: 3, Backoff: 250 * time.Millisecond}
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

// Start subscribes to the calls root. Snapshots may be redelivered at any
// time, so everything downstream is idempotent.
func (w *Watcher) Start() error {
	cancel, err := w.store.Subscribe(signal.CallsRoot, w.onSnapshot)
	if err != nil {
		return fmt.Errorf("watcher: subscribe: %w", err)
	}
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	return nil
}

// Stop detaches from the store and drops any ringing notification without
// writing to its record.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	cancel := w.cancel
	w.cancel = nil
	w.stopTimerLocked()
	w.current = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (w *Watcher) stopTimerLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watcher) onSnapshot(raw json.RawMessage) {
	var records map[string]Record
	if raw != nil {
		if err := json.Unmarshal(raw, &records); err != nil {
			log.Debugf("watcher: malformed calls snapshot: %v", err)
			return
		}
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}

	// Handled ids are only needed while their record can still reappear in a
	// snapshot. Once the record is gone the id is forgotten.
	for id := range w.handled {
		if _, ok := records[id]; !ok {
			delete(w.handled, id)
		}
	}

	// A surfaced call stays surfaced while its record still rings. It is
	// withdrawn when the record disappears or leaves the calling phase.
	if w.current != nil {
		rec, ok := records[w.current.ID]
		if ok && rec.Status == StatusCalling {
			w.mu.Unlock()
			return
		}
		id := w.current.ID
		w.stopTimerLocked()
		w.current = nil
		w.handled[id] = true
		w.mu.Unlock()
		log.Infof("watcher: incoming call %s withdrawn remotely", id)
		if w.onWithdraw != nil {
			w.onWithdraw(id, WithdrawRemote)
		}
		w.mu.Lock()
	}

	best, ok := w.pickLocked(records)
	w.mu.Unlock()
	if !ok {
		return
	}

	// Identify the caller before ringing. Lookup failures fail closed: the
	// record is skipped now and retried on the next snapshot.
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultReadTimeout)
	caller, err := w.dir.Resolve(ctx, best.CallerID)
	cancel()
	if err != nil {
		log.Warnf("watcher: call %s not surfaced: %v", best.ID, err)
		return
	}

	w.mu.Lock()
	if w.closed || w.current != nil || w.handled[best.ID] {
		w.mu.Unlock()
		return
	}
	rec := best
	w.current = &rec
	id := rec.ID
	w.timer = time.AfterFunc(w.acceptWindow, func() { w.timeout(id) })
	w.mu.Unlock()

	log.Infof("watcher: incoming %s call %s from %s", rec.Type, rec.ID, caller.ID)
	if w.onIncoming != nil {
		w.onIncoming(Notification{
			CallID:    rec.ID,
			Caller:    caller,
			Type:      rec.Type,
			CreatedAt: time.UnixMilli(rec.CreatedAt),
		})
	}
}

// pickLocked selects the best qualifying record: addressed to us, still
// calling, fresh, not already handled. Ties break on earliest createdAt,
// then smallest id.
func (w *Watcher) pickLocked(records map[string]Record) (Record, bool) {
	now := w.now()
	var candidates []Record
	for id, rec := range records {
		if rec.ID == "" {
			rec.ID = id
		}
		if rec.CalleeID != w.selfID || rec.Status != StatusCalling {
			continue
		}
		if rec.Validate() != nil || w.handled[rec.ID] {
			continue
		}
		if age := rec.Age(now); age < 0 || age >= w.freshWindow {
			continue
		}
		candidates = append(candidates, rec)
	}
	if len(candidates) == 0 {
		return Record{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt != candidates[j].CreatedAt {
			return candidates[i].CreatedAt < candidates[j].CreatedAt
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], true
}

// timeout fires when a surfaced call rang for the whole accept window.
func (w *Watcher) timeout(callID string) {
	w.mu.Lock()
	if w.closed || w.current == nil || w.current.ID != callID {
		w.mu.Unlock()
		return
	}
	w.current = nil
	w.timer = nil
	w.handled[callID] = true
	w.mu.Unlock()

	log.Infof("watcher: call %s unanswered, auto-rejecting", callID)
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultWriteTimeout)
	defer cancel()
	err := w.retry.Do(ctx, func() error {
		return w.store.Write(ctx, signal.StatusPath(callID), StatusRejected)
	})
	if err != nil {
		log.Warnf("watcher: auto-reject of %s not published: %v", callID, err)
	}
	if w.onWithdraw != nil {
		w.onWithdraw(callID, WithdrawTimeout)
	}
}

// Accept consumes the surfaced notification for callID and hands its record
// to the caller, who builds the session from it.
func (w *Watcher) Accept(callID string) (Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil || w.current.ID != callID {
		return Record{}, fmt.Errorf("%w: %s", ErrNoIncoming, callID)
	}
	rec := *w.current
	w.stopTimerLocked()
	w.current = nil
	w.handled[callID] = true
	return rec, nil
}

// Reject declines the surfaced notification for callID and publishes the
// rejection so the caller stops ringing.
func (w *Watcher) Reject(ctx context.Context, callID string) error {
	w.mu.Lock()
	if w.current == nil || w.current.ID != callID {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoIncoming, callID)
	}
	w.stopTimerLocked()
	w.current = nil
	w.handled[callID] = true
	w.mu.Unlock()

	err := w.retry.Do(ctx, func() error {
		return w.store.Write(ctx, signal.StatusPath(callID), StatusRejected)
	})
	if err != nil {
		return fmt.Errorf("watcher: reject %s: %w", callID, err)
	}
	return nil
}

// Ringing returns the id of the currently surfaced call, if any.
func (w *Watcher) Ringing() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return "", false
	}
	return w.current.ID, true
}
