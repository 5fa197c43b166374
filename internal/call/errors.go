package call

import "errors"

// Error taxonomy for call setup and teardown. Store faults surface as
// signal.ErrUnavailable and caller lookups as directory.ErrLookupFailed;
// everything else a call can fail with is named here.
var (
	// ErrMediaAccess reports that local capture devices could not be opened.
	ErrMediaAccess = errors.New("call: media access failed")

	// ErrNegotiation reports an SDP operation attempted out of sequence,
	// such as creating an answer before a remote offer is applied.
	ErrNegotiation = errors.New("call: negotiation out of sequence")

	// ErrProtocolViolation reports a conflicting re-application of a session
	// description: same slot, different payload.
	ErrProtocolViolation = errors.New("call: protocol violation")

	// ErrOfferMissing reports an accepted call whose stored offer is absent
	// or empty. Accepting such a call must leave the callee idle.
	ErrOfferMissing = errors.New("call: stored offer missing")

	// ErrCallActive reports a second Start or Accept for a call id that
	// already has a live session.
	ErrCallActive = errors.New("call: call already active")

	// ErrNoIncoming reports an Accept or Reject for a call id that is not
	// the currently surfaced incoming call.
	ErrNoIncoming = errors.New("call: no matching incoming call")
)
