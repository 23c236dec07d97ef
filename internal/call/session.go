package call

import (
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/ringlink/ringlink/internal/callrecord"
)

var log = logging.Logger("call")

// State is the lifecycle state of a Session.
type State int

const (
	StateIdle State = iota
	StateDialing
	StateAnswering
	StateRemoteRinging

	// StateLocalRingingAnticipatory rings the user before the media engine
	// has validated the inbound offer, to meet wake latency for calls
	// delivered via background push. Distinct from ready because the user
	// may answer while still anticipatory.
	StateLocalRingingAnticipatory
	StateLocalRingingReady

	// StateAccepting buffers an answer tap that arrived before the engine
	// was ready; the buffered accept runs exactly once on readiness.
	StateAccepting

	StateConnected
	StateReconnecting

	// Terminal states.
	StateLocalFailure
	StateLocalHangup
	StateRemoteHangup
	StateRemoteHangupNeedPermission
	StateRemoteBusy
	StateAnsweredElsewhere
	StateDeclinedElsewhere
	StateBusyElsewhere
)

var stateNames = map[State]string{
	StateIdle:                       "idle",
	StateDialing:                    "dialing",
	StateAnswering:                  "answering",
	StateRemoteRinging:              "remoteRinging",
	StateLocalRingingAnticipatory:   "localRingingAnticipatory",
	StateLocalRingingReady:          "localRingingReady",
	StateAccepting:                  "accepting",
	StateConnected:                  "connected",
	StateReconnecting:               "reconnecting",
	StateLocalFailure:               "localFailure",
	StateLocalHangup:                "localHangup",
	StateRemoteHangup:               "remoteHangup",
	StateRemoteHangupNeedPermission: "remoteHangupNeedPermission",
	StateRemoteBusy:                 "remoteBusy",
	StateAnsweredElsewhere:          "answeredElsewhere",
	StateDeclinedElsewhere:          "declinedElsewhere",
	StateBusyElsewhere:              "busyElsewhere",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// IsTerminal reports whether no further transition is permitted from s.
func (s State) IsTerminal() bool {
	switch s {
	case StateLocalFailure, StateLocalHangup, StateRemoteHangup,
		StateRemoteHangupNeedPermission, StateRemoteBusy,
		StateAnsweredElsewhere, StateDeclinedElsewhere, StateBusyElsewhere:
		return true
	}
	return false
}

// transitions lists the permitted non-terminal edges. Every state may also
// move to any terminal state; terminal states accept nothing.
var transitions = map[State][]State{
	StateIdle:                     {StateDialing, StateAnswering},
	StateDialing:                  {StateRemoteRinging},
	StateAnswering:                {StateLocalRingingAnticipatory, StateLocalRingingReady},
	StateRemoteRinging:            {StateConnected},
	StateLocalRingingAnticipatory: {StateLocalRingingReady, StateAccepting, StateConnected},
	StateLocalRingingReady:        {StateAccepting, StateConnected},
	StateAccepting:                {StateConnected},
	StateConnected:                {StateReconnecting},
	StateReconnecting:             {StateConnected},
}

func transitionAllowed(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	if to.IsTerminal() {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// pendingAccept buffers a user's answer tap taken while the engine was not
// yet ready. Present only while the session is in StateAccepting and
// consumed exactly once.
type pendingAccept struct {
	requestedAt time.Time
}

// Session is one call attempt. It is pure data plus invariant checks; all
// mutation happens on the coordinator's control sequence, which is why no
// lock is needed. After the coordinator terminates a session it becomes
// inert and must never be mutated again.
type Session struct {
	id          string
	direction   Direction
	remoteParty PartyID
	offerKind   MediaKind
	sentAt      uint64
	createdAt   time.Time

	callID    *uint64
	state     State
	connected time.Time

	muted               bool
	onHold              bool
	localVideo          bool
	remoteAudioMuted    bool
	remoteVideoEnabled  bool
	remoteSharingScreen bool

	// recordType is the last record disposition this session proposed and
	// had accepted locally; the store revalidates against the durable row.
	recordType *callrecord.CallType

	deferred *pendingAccept
	failure  *CallError
	ended    bool
}

// NewOutgoingSession creates the session for a call this device places.
// Sessions are inert until a Coordinator drives them.
func NewOutgoingSession(remote PartyID, kind MediaKind) *Session {
	return &Session{
		id:          uuid.NewString(),
		direction:   DirectionOutgoing,
		remoteParty: remote,
		offerKind:   kind,
		sentAt:      uint64(time.Now().UnixMilli()),
		createdAt:   time.Now(),
		state:       StateDialing,
		localVideo:  kind == MediaVideo,
	}
}

// NewIncomingSession creates the session for an inbound offer. sentAt is the
// offer's origin timestamp in milliseconds.
func NewIncomingSession(remote PartyID, kind MediaKind, sentAt uint64) *Session {
	return &Session{
		id:          uuid.NewString(),
		direction:   DirectionIncoming,
		remoteParty: remote,
		offerKind:   kind,
		sentAt:      sentAt,
		createdAt:   time.Now(),
		state:       StateAnswering,
	}
}

// ID is a process-local identifier for logging.
func (s *Session) ID() string { return s.id }

// Direction reports who placed the call.
func (s *Session) Direction() Direction { return s.direction }

// RemoteParty is the other side of the call.
func (s *Session) RemoteParty() PartyID { return s.remoteParty }

// OfferKind is the media requested by the offer that created this session.
func (s *Session) OfferKind() MediaKind { return s.offerKind }

// SentAt is the origin timestamp of the offer, milliseconds since epoch.
func (s *Session) SentAt() uint64 { return s.sentAt }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// CallID returns the engine-assigned call id and whether it is set yet.
func (s *Session) CallID() (uint64, bool) {
	if s.callID == nil {
		return 0, false
	}
	return *s.callID, true
}

// Failure returns the error that moved the session to LocalFailure, if any.
func (s *Session) Failure() *CallError { return s.failure }

// IsMuted reports the local audio mute flag.
func (s *Session) IsMuted() bool { return s.muted }

// IsOnHold reports the hold flag.
func (s *Session) IsOnHold() bool { return s.onHold }

// HasLocalVideo reports whether local video is enabled.
func (s *Session) HasLocalVideo() bool { return s.localVideo }

// IsRemoteAudioMuted reports whether the remote side muted its audio.
func (s *Session) IsRemoteAudioMuted() bool { return s.remoteAudioMuted }

// IsRemoteVideoEnabled reports whether the remote side is sending video.
func (s *Session) IsRemoteVideoEnabled() bool { return s.remoteVideoEnabled }

// IsRemoteSharingScreen reports whether the remote side shares its screen.
func (s *Session) IsRemoteSharingScreen() bool { return s.remoteSharingScreen }

// RecordType returns the last locally accepted record disposition, if any.
func (s *Session) RecordType() (callrecord.CallType, bool) {
	if s.recordType == nil {
		return "", false
	}
	return *s.recordType, true
}

// setCallID assigns the engine-allocated call id. Reassignment is a defect;
// the first assignment wins.
func (s *Session) setCallID(id uint64) {
	if s.callID != nil {
		if *s.callID != id {
			log.Errorw("call id reassignment ignored", "session", s.id, "have", *s.callID, "got", id)
		}
		return
	}
	s.callID = &id
}

// setState applies a guarded transition. Illegal transitions are logged and
// ignored, never fatal. Returns whether the state changed.
func (s *Session) setState(to State) bool {
	if s.ended {
		log.Warnw("state write on terminated session ignored", "session", s.id, "to", to)
		return false
	}
	if s.state == to {
		return false
	}
	if !transitionAllowed(s.state, to) {
		log.Errorw("illegal state transition ignored", "session", s.id, "from", s.state, "to", to)
		return false
	}
	s.state = to
	if to == StateConnected && s.connected.IsZero() {
		s.connected = time.Now()
	}
	return true
}

// takeDeferredAccept consumes the buffered answer tap, if present.
func (s *Session) takeDeferredAccept() (*pendingAccept, bool) {
	if s.deferred == nil {
		return nil, false
	}
	p := s.deferred
	s.deferred = nil
	return p, true
}
