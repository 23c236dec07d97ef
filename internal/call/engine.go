package call

// MediaEngine is the surface this package needs from the real-time media
// layer. Implementations perform ICE/SDP negotiation and media transport;
// the coordinator only reacts to their events. The engine reports outcomes
// asynchronously through its EngineObserver.
type MediaEngine interface {
	// PlaceCall starts an outbound call. The engine allocates the call id
	// and reports it via OnStartCall.
	PlaceCall(sess *Session, kind MediaKind, localDeviceID uint32) error

	// ReceivedOffer hands an inbound offer to the engine. The engine either
	// adopts it (OnStartCall) or resolves it as expired/busy/glare via
	// OnEvent on sess.
	ReceivedOffer(sess *Session, callID uint64, sourceDevice uint32, opaque []byte,
		messageAgeSec uint64, kind MediaKind, localDeviceID uint32) error

	// Proceed lets the engine continue with an adopted call once the
	// coordinator has approved it and resolved ICE configuration.
	Proceed(callID uint64, iceServers []string, lowBandwidth bool) error

	// Accept answers the active incoming call.
	Accept(callID uint64) error

	// Hangup ends the active call, sending a hangup message.
	Hangup() error

	// Drop discards the call without sending a hangup. Used when sending
	// one would be misleading, e.g. after a timeout.
	Drop(callID uint64)

	// Reset returns the engine to a known-good idle state.
	Reset()

	ReceivedAnswer(callID uint64, sourceDevice uint32, opaque []byte) error
	ReceivedIceCandidates(callID uint64, sourceDevice uint32, candidates [][]byte) error
	ReceivedHangup(callID uint64, sourceDevice uint32, hangup HangupType, deviceID uint32) error
	ReceivedBusy(callID uint64, sourceDevice uint32) error

	// SignalingSent and SignalingFailed report the outcome of a send the
	// engine requested, so it can apply its own retry policy.
	SignalingSent(callID uint64)
	SignalingFailed(callID uint64)

	SetLocalAudioEnabled(enabled bool)
	SetLocalVideoEnabled(enabled bool)
}

// EngineObserver is implemented by the coordinator. Engines may invoke these
// from any goroutine; the coordinator re-dispatches onto its control
// sequence.
type EngineObserver interface {
	// OnStartCall reports the engine adopted a call and allocated its id.
	// earlyRing asks for an anticipatory ring before the engine is ready.
	OnStartCall(sess *Session, callID uint64, outgoing bool, kind MediaKind, earlyRing bool)

	// OnEvent delivers a lifecycle event for the session.
	OnEvent(sess *Session, ev EngineEvent)

	// ShouldSend* ask the coordinator to transmit a signaling message and
	// report back via SignalingSent/SignalingFailed. The session names the
	// destination; for busy it is the colliding offer's session, which never
	// became current.
	ShouldSendOffer(sess *Session, callID uint64, opaque []byte, kind MediaKind)
	ShouldSendAnswer(sess *Session, callID uint64, opaque []byte)
	ShouldSendIceCandidates(sess *Session, callID uint64, candidates [][]byte)
	ShouldSendHangup(sess *Session, callID uint64, hangup HangupType, deviceID uint32)
	ShouldSendBusy(sess *Session, callID uint64)
}

// EngineEvent is a media engine lifecycle event.
type EngineEvent int

const (
	EventRingingLocal EngineEvent = iota
	EventRingingRemote
	EventConnectedLocal
	EventConnectedRemote
	EventReconnecting
	EventReconnected

	EventEndedLocalHangup
	EventEndedRemoteHangup
	EventEndedRemoteHangupNeedPermission
	EventEndedRemoteHangupAccepted
	EventEndedRemoteHangupDeclined
	EventEndedRemoteHangupBusy
	EventEndedRemoteBusy
	EventEndedRemoteGlare
	EventEndedRemoteReCall
	EventEndedTimeout
	EventEndedSignalingFailure
	EventEndedGlareHandlingFailure
	EventEndedInternalFailure
	EventEndedConnectionFailure
	EventEndedDropped

	EventReceivedOfferExpired
	EventReceivedOfferWhileActive
	EventReceivedOfferWithGlare

	EventRemoteAudioEnable
	EventRemoteAudioDisable
	EventRemoteVideoEnable
	EventRemoteVideoDisable
	EventRemoteScreenShareEnable
	EventRemoteScreenShareDisable
)

var engineEventNames = map[EngineEvent]string{
	EventRingingLocal:                    "ringingLocal",
	EventRingingRemote:                   "ringingRemote",
	EventConnectedLocal:                  "connectedLocal",
	EventConnectedRemote:                 "connectedRemote",
	EventReconnecting:                    "reconnecting",
	EventReconnected:                     "reconnected",
	EventEndedLocalHangup:                "endedLocalHangup",
	EventEndedRemoteHangup:               "endedRemoteHangup",
	EventEndedRemoteHangupNeedPermission: "endedRemoteHangupNeedPermission",
	EventEndedRemoteHangupAccepted:       "endedRemoteHangupAccepted",
	EventEndedRemoteHangupDeclined:       "endedRemoteHangupDeclined",
	EventEndedRemoteHangupBusy:           "endedRemoteHangupBusy",
	EventEndedRemoteBusy:                 "endedRemoteBusy",
	EventEndedRemoteGlare:                "endedRemoteGlare",
	EventEndedRemoteReCall:               "endedRemoteReCall",
	EventEndedTimeout:                    "endedTimeout",
	EventEndedSignalingFailure:           "endedSignalingFailure",
	EventEndedGlareHandlingFailure:       "endedGlareHandlingFailure",
	EventEndedInternalFailure:            "endedInternalFailure",
	EventEndedConnectionFailure:          "endedConnectionFailure",
	EventEndedDropped:                    "endedDropped",
	EventReceivedOfferExpired:            "receivedOfferExpired",
	EventReceivedOfferWhileActive:        "receivedOfferWhileActive",
	EventReceivedOfferWithGlare:          "receivedOfferWithGlare",
	EventRemoteAudioEnable:               "remoteAudioEnable",
	EventRemoteAudioDisable:              "remoteAudioDisable",
	EventRemoteVideoEnable:               "remoteVideoEnable",
	EventRemoteVideoDisable:              "remoteVideoDisable",
	EventRemoteScreenShareEnable:         "remoteScreenShareEnable",
	EventRemoteScreenShareDisable:        "remoteScreenShareDisable",
}

func (e EngineEvent) String() string {
	if s, ok := engineEventNames[e]; ok {
		return s
	}
	return "unknown"
}
