// Package call implements WebRTC call sessions coordinated through the
// rendezvous store: the outbound/inbound state machine, SDP and ICE
// negotiation via Pion, local media capture, and the incoming-call watcher.
package call

import (
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("call")

// Type distinguishes audio-only calls from calls with video.
type Type string

const (
	TypeVoice Type = "voice"
	TypeVideo Type = "video"
)

// Status is a call phase, shared between the rendezvous record and the local
// state machine. The record only ever holds the non-idle values.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusCalling    Status = "calling"
	StatusRinging    Status = "ringing"
	StatusAccepted   Status = "accepted"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusRejected   Status = "rejected"
	StatusEnded      Status = "ended"
)

// Terminal reports whether s is a final phase.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusEnded
}

// rank orders the forward progression of phases. Terminal phases are
// reachable from anywhere, so they sit above every live phase.
func (s Status) rank() int {
	switch s {
	case StatusIdle:
		return 0
	case StatusCalling:
		return 1
	case StatusRinging:
		return 2
	case StatusAccepted:
		return 3
	case StatusConnecting:
		return 4
	case StatusConnected:
		return 5
	case StatusRejected, StatusEnded:
		return 6
	default:
		return -1
	}
}

// forward reports whether moving from s to next is a legal progression:
// strictly forward, never out of a terminal phase.
func (s Status) forward(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next.Terminal() {
		return true
	}
	return next.rank() > s.rank()
}

// Record is the call object stored at calls/{id}. The offer, answer and
// candidates live under the same subtree but are not part of the flat record.
type Record struct {
	ID        string `json:"id"`
	CallerID  string `json:"callerId"`
	CalleeID  string `json:"calleeId"`
	Type      Type   `json:"type"`
	Status    Status `json:"status"`
	CreatedAt int64  `json:"createdAt"` // unix milliseconds
}

// Age returns how long ago the record was created, according to now.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(r.CreatedAt))
}

// Validate checks the fields every consumer of a foreign record depends on.
func (r Record) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("call record: missing id")
	case r.CallerID == "":
		return fmt.Errorf("call record %s: missing callerId", r.ID)
	case r.CalleeID == "":
		return fmt.Errorf("call record %s: missing calleeId", r.ID)
	case r.CreatedAt <= 0:
		return fmt.Errorf("call record %s: missing createdAt", r.ID)
	}
	return nil
}

// Description is a stored SDP session description (offer or answer).
type Description struct {
	SDPType string `json:"sdpType"`
	SDPBody string `json:"sdpBody"`
}

// Empty reports whether the description carries no SDP.
func (d Description) Empty() bool { return d.SDPBody == "" }

// Candidate is one trickled ICE candidate. Seq carries the sender's emission
// order: the store delivers candidate sets as unordered snapshots, so the
// order has to travel inside the value.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Seq           int64   `json:"seq"`
}

// Key is the dedup identity of a candidate, independent of Seq.
func (c Candidate) Key() string {
	mid := ""
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	idx := -1
	if c.SDPMLineIndex != nil {
		idx = int(*c.SDPMLineIndex)
	}
	return fmt.Sprintf("%s|%s|%d", c.Candidate, mid, idx)
}
