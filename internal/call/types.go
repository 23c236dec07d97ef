// Package call negotiates and tracks the lifecycle of one peer-to-peer call.
// The Coordinator owns at most one current Session and funnels local intents,
// media engine events and inbound signaling onto a single control sequence.
// Coupling to the media layer and the transport is via the MediaEngine and
// Signaler interfaces only.
package call

import (
	"context"

	"github.com/ringlink/ringlink/internal/signaling"
)

// PartyID is the opaque identity of a remote party.
type PartyID string

// Direction distinguishes who placed the call. Immutable per session.
type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

func (d Direction) String() string {
	if d == DirectionOutgoing {
		return "outgoing"
	}
	return "incoming"
}

// MediaKind is the media requested by an offer.
type MediaKind int

const (
	MediaAudio MediaKind = iota
	MediaVideo
)

func (k MediaKind) String() string {
	if k == MediaVideo {
		return "video"
	}
	return "audio"
}

// MediaKindFromString parses the wire form; anything unknown is audio.
func MediaKindFromString(s string) MediaKind {
	if s == "video" {
		return MediaVideo
	}
	return MediaAudio
}

// HangupType is the sub-reason carried by a hangup message.
type HangupType string

const (
	HangupNormal         HangupType = "normal"
	HangupAccepted       HangupType = "accepted"
	HangupDeclined       HangupType = "declined"
	HangupBusy           HangupType = "busy"
	HangupNeedPermission HangupType = "need_permission"
)

// Signaler sends outbound signaling envelopes through the transport. The
// coordinator serializes sends on its own queue; implementations only need
// to deliver one message and report the result.
type Signaler interface {
	Send(ctx context.Context, msg signaling.Message) error
}

// Directory answers the gate checks applied to inbound offers before a
// session is allowed to ring.
type Directory interface {
	// IsRegistered reports whether local onboarding has completed.
	IsRegistered() bool
	// IsIdentityTrusted reports whether the remote party's identity key is
	// trusted (no unverified identity change).
	IsIdentityTrusted(remote PartyID) bool
	// HasSessionKeys reports whether cryptographic material exists to
	// process a call from the remote party.
	HasSessionKeys(remote PartyID) bool
	// MayReceiveCallsFrom reports whether the relationship with the remote
	// party permits receiving calls.
	MayReceiveCallsFrom(remote PartyID) bool
}

// Delegate receives UI-facing notifications. All callbacks are invoked on
// the call-control sequence and must not block. Calling back into the
// coordinator's synchronous operations (PlaceCall, AcceptCall, HangUp,
// CurrentSession, Close) from a callback deadlocks the control sequence;
// dispatch such reactions to another goroutine.
type Delegate interface {
	OnStateChanged(sess *Session, state State)
	OnLocalAudioMuteChanged(sess *Session, muted bool)
	OnLocalVideoMuteChanged(sess *Session, enabled bool)
	OnHoldChanged(sess *Session, onHold bool)
	OnRemoteVideoMuteChanged(sess *Session, enabled bool)
	OnRemoteScreenShareChanged(sess *Session, sharing bool)

	// CallScreenVisible reports whether the call UI is currently presented;
	// polled by the presentation watchdog while a call is connected.
	CallScreenVisible() bool
}
