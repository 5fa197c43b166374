package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Virajr7123/Web-Chat-Ver-7.0.1/internal/signal"
	"github.com/Virajr7123/Web-Chat-Ver-7.0.1/internal/util"
	"github.com/google/uuid"
)

// Role distinguishes the side that placed the call from the side that
// answered it.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Options carries the collaborators a call session needs.
type Options struct {
	Store   signal.Store
	SelfID  string
	Factory SessionFactory

	// Retry bounds writes of the terminal fields (record, offer, answer,
	// status). Zero means 3 attempts starting at 250ms.
	Retry util.RetryPolicy

	// OnStatus observes every local phase transition. Optional.
	OnStatus func(callID string, s Status)
}

func (o Options) retryPolicy() util.RetryPolicy {
	if o.Retry.Attempts == 0 {
		return util.RetryPolicy{Attempts: 3, Backoff: 250 * time.Millisecond}
	}
	return o.Retry
}

// Call is one live session, caller or callee side. All transitions are
// serialized on one mutex; phases only move forward and cleanup runs once.
type Call struct {
	store    signal.Store
	selfID   string
	retry    util.RetryPolicy
	onStatus func(string, Status)

	id       string
	role     Role
	callerID string
	calleeID string
	peerID   string
	ctype    Type

	mu        sync.Mutex
	status    Status
	neg       Negotiator
	media     LocalMedia
	unsubs    []func()
	cleaned   bool
	candSeq   int64
	speakerOn bool
	tracks    []RemoteTrack
}

func newCall(opts Options, id string, role Role, callerID, calleeID string, t Type) *Call {
	c := &Call{
		store:     opts.Store,
		selfID:    opts.SelfID,
		retry:     opts.retryPolicy(),
		onStatus:  opts.OnStatus,
		id:        id,
		role:      role,
		callerID:  callerID,
		calleeID:  calleeID,
		ctype:     t,
		status:    StatusIdle,
		speakerOn: true,
	}
	if role == RoleCaller {
		c.peerID = calleeID
	} else {
		c.peerID = callerID
	}
	return c
}

// StartCall places an outbound call to calleeID: acquire media, create and
// publish the offer and call record, then wait for the callee through store
// subscriptions. Setup failures abort the call and release everything.
func StartCall(ctx context.Context, opts Options, calleeID string, t Type) (*Call, error) {
	c := newCall(opts, uuid.NewString(), RoleCaller, opts.SelfID, calleeID, t)

	neg, media, err := opts.Factory(t)
	if err != nil {
		return nil, err
	}
	c.neg = neg
	c.media = media
	c.wireNegotiator()

	offer, err := neg.CreateOffer()
	if err != nil {
		c.cleanup(false)
		return nil, err
	}
	if err := neg.SetLocalDescription(offer); err != nil {
		c.cleanup(false)
		return nil, err
	}

	rec := Record{
		ID:        c.id,
		CallerID:  c.callerID,
		CalleeID:  calleeID,
		Type:      t,
		Status:    StatusCalling,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := c.writeField(ctx, signal.CallPath(c.id), rec); err != nil {
		c.abortSetup(err)
		return nil, err
	}
	if err := c.writeField(ctx, signal.OfferPath(c.id), offer); err != nil {
		c.abortSetup(err)
		return nil, err
	}
	c.setStatus(StatusCalling)

	if err := c.watch(
		sub{signal.AnswerPath(c.id), c.onAnswer},
		sub{signal.StatusPath(c.id), c.onRemoteStatus},
		sub{signal.CandidatesPath(c.id, calleeID), c.onCandidates},
	); err != nil {
		c.abortSetup(err)
		return nil, err
	}

	log.Infof("call %s: calling %s (%s)", c.id, calleeID, t)
	return c, nil
}

// AcceptCall answers the incoming call described by rec. The stored offer is
// required: when it is absent the acquired resources are released, nothing is
// written to the record, and the callee stays idle.
func AcceptCall(ctx context.Context, opts Options, rec Record) (*Call, error) {
	c := newCall(opts, rec.ID, RoleCallee, rec.CallerID, opts.SelfID, rec.Type)

	neg, media, err := opts.Factory(rec.Type)
	if err != nil {
		return nil, err
	}
	c.neg = neg
	c.media = media
	c.wireNegotiator()

	raw, found, err := opts.Store.ReadOnce(ctx, signal.OfferPath(rec.ID))
	if err != nil {
		c.cleanup(false)
		return nil, fmt.Errorf("call %s: read offer: %w", rec.ID, err)
	}
	var offer Description
	if !found || json.Unmarshal(raw, &offer) != nil || offer.Empty() {
		c.cleanup(false)
		return nil, fmt.Errorf("%w: call %s", ErrOfferMissing, rec.ID)
	}

	if err := neg.SetRemoteDescription(offer); err != nil {
		c.abortSetup(err)
		return nil, err
	}
	answer, err := neg.CreateAnswer()
	if err != nil {
		c.abortSetup(err)
		return nil, err
	}
	if err := neg.SetLocalDescription(answer); err != nil {
		c.abortSetup(err)
		return nil, err
	}

	if err := c.writeField(ctx, signal.AnswerPath(c.id), answer); err != nil {
		c.abortSetup(err)
		return nil, err
	}
	if err := c.writeStatus(ctx, StatusAccepted); err != nil {
		c.abortSetup(err)
		return nil, err
	}
	c.setStatus(StatusConnecting)
	if err := c.writeStatus(ctx, StatusConnecting); err != nil {
		c.abortSetup(err)
		return nil, err
	}

	if err := c.watch(
		sub{signal.StatusPath(c.id), c.onRemoteStatus},
		sub{signal.CandidatesPath(c.id, rec.CallerID), c.onCandidates},
	); err != nil {
		c.abortSetup(err)
		return nil, err
	}

	log.Infof("call %s: accepted from %s (%s)", c.id, rec.CallerID, rec.Type)
	return c, nil
}

type sub struct {
	path string
	fn   func(json.RawMessage)
}

func (c *Call) watch(subs ...sub) error {
	for _, s := range subs {
		cancel, err := c.store.Subscribe(s.path, s.fn)
		if err != nil {
			return fmt.Errorf("call %s: subscribe %s: %w", c.id, s.path, err)
		}
		c.mu.Lock()
		if c.cleaned {
			// The call was torn down between subscriptions. Nothing will
			// cancel a handle appended now, so drop it here.
			c.mu.Unlock()
			cancel()
			continue
		}
		c.unsubs = append(c.unsubs, cancel)
		c.mu.Unlock()
	}
	return nil
}

func (c *Call) wireNegotiator() {
	c.neg.OnLocalCandidate(c.publishCandidate)
	c.neg.OnConnectionState(c.handleConnState)
	c.neg.OnRemoteTrack(func(rt RemoteTrack) {
		c.mu.Lock()
		c.tracks = append(c.tracks, rt)
		c.mu.Unlock()
	})
}

// abortSetup handles a failure after resources are held: mark the call ended
// locally, tell the peer when we are not the record owner, and release
// everything.
func (c *Call) abortSetup(err error) {
	log.Warnf("call %s: setup failed: %v", c.id, err)
	c.mu.Lock()
	if c.status.forward(StatusEnded) {
		c.status = StatusEnded
	}
	final := c.status
	c.mu.Unlock()
	c.notify(final)

	if c.role == RoleCallee {
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultWriteTimeout)
		if werr := c.writeStatus(ctx, StatusEnded); werr != nil {
			log.Debugf("call %s: abort status not published: %v", c.id, werr)
		}
		cancel()
	}
	c.cleanup(c.role == RoleCaller)
}

// onAnswer reacts to the callee's answer landing in the record.
func (c *Call) onAnswer(raw json.RawMessage) {
	if raw == nil {
		return
	}
	var d Description
	if err := json.Unmarshal(raw, &d); err != nil || d.Empty() {
		return
	}

	if err := c.neg.SetRemoteDescription(d); err != nil {
		if errors.Is(err, ErrProtocolViolation) {
			log.Errorf("call %s: %v", c.id, err)
			c.terminate(context.Background(), StatusEnded, true)
		} else {
			log.Warnf("call %s: apply answer: %v", c.id, err)
		}
		return
	}
	c.setStatus(StatusConnecting)
}

// onRemoteStatus reacts to the authoritative status field. Regressions are
// ignored; a deleted record counts as the peer hanging up.
func (c *Call) onRemoteStatus(raw json.RawMessage) {
	if raw == nil {
		c.terminate(context.Background(), StatusEnded, false)
		return
	}
	var s Status
	if err := json.Unmarshal(raw, &s); err != nil {
		return
	}
	switch s {
	case StatusRejected:
		c.terminate(context.Background(), StatusRejected, false)
	case StatusEnded:
		c.terminate(context.Background(), StatusEnded, false)
	default:
		// Live phases are driven locally; the transport decides connected.
	}
}

// onCandidates applies the peer's full candidate set. The snapshot is an
// unordered map, so entries are replayed in the sender's seq order; the
// negotiator drops the ones it has already applied.
func (c *Call) onCandidates(raw json.RawMessage) {
	if raw == nil {
		return
	}
	var set map[string]Candidate
	if err := json.Unmarshal(raw, &set); err != nil {
		log.Debugf("call %s: malformed candidate set: %v", c.id, err)
		return
	}

	list := make([]Candidate, 0, len(set))
	for _, cand := range set {
		if cand.Candidate != "" {
			list = append(list, cand)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })

	for _, cand := range list {
		if err := c.neg.AddRemoteCandidate(cand); err != nil {
			// Candidate loss degrades connectivity but never aborts the call.
			log.Warnf("call %s: candidate dropped: %v", c.id, err)
		}
	}
}

func (c *Call) handleConnState(s ConnState) {
	switch s {
	case ConnConnected:
		if c.setStatus(StatusConnected) {
			ctx, cancel := context.WithTimeout(context.Background(), util.DefaultWriteTimeout)
			defer cancel()
			if err := c.writeStatus(ctx, StatusConnected); err != nil {
				log.Warnf("call %s: connected status not published: %v", c.id, err)
			}
		}
	case ConnFailed, ConnDisconnected:
		log.Warnf("call %s: transport %s", c.id, s)
		c.terminate(context.Background(), StatusEnded, true)
	case ConnClosed:
		// Follows our own Close during cleanup.
	}
}

// publishCandidate writes one local candidate under our participant branch.
// A single attempt: steady-state candidate loss is tolerated and never
// aborts the call.
func (c *Call) publishCandidate(cand Candidate) {
	c.mu.Lock()
	if c.cleaned {
		c.mu.Unlock()
		return
	}
	c.candSeq++
	cand.Seq = c.candSeq
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultWriteTimeout)
	defer cancel()
	path := signal.CandidatePath(c.id, c.selfID, uuid.NewString())
	if err := c.store.Write(ctx, path, cand); err != nil {
		log.Debugf("call %s: candidate publish skipped: %v", c.id, err)
	}
}

func (c *Call) writeField(ctx context.Context, path string, v any) error {
	return c.retry.Do(ctx, func() error {
		return c.store.Write(ctx, path, v)
	})
}

func (c *Call) writeStatus(ctx context.Context, s Status) error {
	return c.writeField(ctx, signal.StatusPath(c.id), s)
}

// setStatus applies a forward transition and notifies the observer. Returns
// false when the move would be a regression or the phase is unchanged.
func (c *Call) setStatus(s Status) bool {
	c.mu.Lock()
	if !c.status.forward(s) {
		c.mu.Unlock()
		return false
	}
	c.status = s
	c.mu.Unlock()
	c.notify(s)
	return true
}

func (c *Call) notify(s Status) {
	if c.onStatus != nil {
		c.onStatus(c.id, s)
	}
}

// terminate moves the call to a terminal phase and cleans up. When
// writeRemote is set the terminal status is published first; a failed write
// is logged and never blocks the teardown.
func (c *Call) terminate(ctx context.Context, s Status, writeRemote bool) {
	c.mu.Lock()
	if c.cleaned {
		c.mu.Unlock()
		return
	}
	changed := c.status.forward(s)
	if changed {
		c.status = s
	}
	c.mu.Unlock()

	if changed {
		c.notify(s)
	}
	if writeRemote && changed {
		wctx, cancel := context.WithTimeout(ctx, util.DefaultWriteTimeout)
		if err := c.writeStatus(wctx, s); err != nil {
			log.Warnf("call %s: %s status not published, cleaning up anyway: %v", c.id, s, err)
		}
		cancel()
	}
	c.cleanup(true)
}

// End hangs up. Safe to call from any phase, any number of times.
func (c *Call) End(ctx context.Context) {
	c.terminate(ctx, StatusEnded, true)
}

// Reject declines the call before it connects, informing the peer.
func (c *Call) Reject(ctx context.Context) {
	c.terminate(ctx, StatusRejected, true)
}

// cleanup releases media, closes the transport, drops subscriptions and,
// when deleteRecord is set, removes the call subtree. Runs at most once.
func (c *Call) cleanup(deleteRecord bool) {
	c.mu.Lock()
	if c.cleaned {
		c.mu.Unlock()
		return
	}
	c.cleaned = true
	media := c.media
	neg := c.neg
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	if media != nil {
		media.Stop()
	}
	if neg != nil {
		_ = neg.Close()
	}
	for _, u := range unsubs {
		u()
	}

	if deleteRecord {
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultWriteTimeout)
		defer cancel()
		if err := c.store.DeleteSubtree(ctx, signal.CallPath(c.id)); err != nil {
			// Leftover records are swept server-side by age.
			log.Debugf("call %s: record delete deferred: %v", c.id, err)
		}
	}
	log.Infof("call %s: cleaned up", c.id)
}

// Cleanup releases all resources without publishing a status. Normally End
// or Reject drive this; it exists for teardown on process exit.
func (c *Call) Cleanup() { c.cleanup(true) }

// ToggleMute flips the local audio flag. Returns the new muted state.
func (c *Call) ToggleMute() bool {
	c.mu.Lock()
	media := c.media
	c.mu.Unlock()
	if media == nil {
		return true
	}
	media.SetAudioEnabled(!media.AudioEnabled())
	muted := !media.AudioEnabled()
	log.Debugf("call %s: audio muted=%v", c.id, muted)
	return muted
}

// ToggleVideo flips the local video flag. Returns the new disabled state.
func (c *Call) ToggleVideo() bool {
	c.mu.Lock()
	media := c.media
	c.mu.Unlock()
	if media == nil {
		return true
	}
	media.SetVideoEnabled(!media.VideoEnabled())
	disabled := !media.VideoEnabled()
	log.Debugf("call %s: video disabled=%v", c.id, disabled)
	return disabled
}

// ToggleSpeaker flips the speaker routing flag. Returns the new state.
func (c *Call) ToggleSpeaker() bool {
	c.mu.Lock()
	c.speakerOn = !c.speakerOn
	on := c.speakerOn
	c.mu.Unlock()
	return on
}

func (c *Call) ID() string     { return c.id }
func (c *Call) Role() Role     { return c.role }
func (c *Call) PeerID() string { return c.peerID }
func (c *Call) Type() Type     { return c.ctype }

// Status returns the current local phase.
func (c *Call) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connected reports whether media is flowing.
func (c *Call) Connected() bool { return c.Status() == StatusConnected }

// RemoteTracks returns the inbound tracks seen so far.
func (c *Call) RemoteTracks() []RemoteTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RemoteTrack, len(c.tracks))
	copy(out, c.tracks)
	return out
}

// Media exposes the local capture controls, or nil before setup completes.
func (c *Call) Media() LocalMedia {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.media
}
