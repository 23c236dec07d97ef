package call

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by coordinator operations.
var (
	// ErrAlreadyInCall is returned by PlaceCall while another call is
	// current.
	ErrAlreadyInCall = errors.New("call: already in a call")

	// ErrNotCurrentCall is returned when an operation targets a session
	// that has been superseded.
	ErrNotCurrentCall = errors.New("call: not the current call")
)

// FailureReason classifies why a call ended in LocalFailure. It selects the
// record disposition and whether the engine is dropped or reset.
type FailureReason int

const (
	FailureInternal FailureReason = iota
	FailureTimeout
	FailureSignaling
	FailureDisconnected
	FailureNotRegistered
	FailureUntrustedIdentity
	FailureMissingKeys
	FailureNotPermitted
	FailureDoNotDisturb
)

var failureNames = map[FailureReason]string{
	FailureInternal:          "internal",
	FailureTimeout:           "timeout",
	FailureSignaling:         "signaling",
	FailureDisconnected:      "disconnected",
	FailureNotRegistered:     "not_registered",
	FailureUntrustedIdentity: "untrusted_identity",
	FailureMissingKeys:       "missing_keys",
	FailureNotPermitted:      "not_permitted",
	FailureDoNotDisturb:      "do_not_disturb",
}

func (r FailureReason) String() string {
	if s, ok := failureNames[r]; ok {
		return s
	}
	return "internal"
}

// CallError wraps the error that failed a call together with its reason.
type CallError struct {
	Reason FailureReason
	Err    error
}

func (e *CallError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("call failed: %s", e.Reason)
	}
	return fmt.Sprintf("call failed: %s: %v", e.Reason, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// shouldSilentlyDrop reports whether failing the call should drop the call
// id without sending a hangup. A hangup after a timeout or an expired offer
// would be misleading to the remote side.
func (e *CallError) shouldSilentlyDrop() bool {
	return e.Reason == FailureTimeout
}

func wrapCallError(reason FailureReason, err error) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	return &CallError{Reason: reason, Err: err}
}
