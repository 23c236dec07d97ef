// Package pionengine implements the media engine on top of pion/webrtc.
// It negotiates a single peer connection per call and reports lifecycle
// through the observer; it never touches call state directly.
package pionengine

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/ringlink/ringlink/internal/call"
)

var log = logging.Logger("pionengine")

const defaultRingTimeout = 60 * time.Second

// Config tunes the engine.
type Config struct {
	// RingTimeout bounds how long an incoming call may ring unanswered
	// before the engine ends it with a timeout.
	RingTimeout time.Duration

	// MaxOfferAgeSec rejects offers older than this as expired; they only
	// leave a missed-call record.
	MaxOfferAgeSec uint64
}

// sdpPayload is the opaque offer/answer body carried in signaling envelopes.
type sdpPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type activeCall struct {
	sess         *call.Session
	callID       uint64
	outgoing     bool
	kind         call.MediaKind
	localDevice  uint32
	remoteDevice uint32

	pc        *webrtc.PeerConnection
	remoteSDP *webrtc.SessionDescription

	// Remote candidates that arrived before the remote description was set.
	earlyCandidates []webrtc.ICECandidateInit

	// Local candidates gathered before the offer or answer went out. They
	// must trail the description on the wire, so they queue here until
	// descSent flips.
	descSent     bool
	pendingLocal [][]byte

	accepted     bool
	wasConnected bool
	ringTimer    *time.Timer
}

// Engine is a single-call MediaEngine backed by pion. All public methods are
// safe for concurrent use; observer callbacks may fire from pion goroutines.
type Engine struct {
	cfg Config

	mu     sync.Mutex
	obs    call.EngineObserver
	active *activeCall
}

var _ call.MediaEngine = (*Engine)(nil)

// New creates an Engine. SetObserver must be called before use.
func New(cfg Config) *Engine {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = defaultRingTimeout
	}
	if cfg.MaxOfferAgeSec == 0 {
		cfg.MaxOfferAgeSec = 120
	}
	return &Engine{cfg: cfg}
}

// SetObserver registers the event sink.
func (e *Engine) SetObserver(obs call.EngineObserver) {
	e.mu.Lock()
	e.obs = obs
	e.mu.Unlock()
}

func newCallID() uint64 {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic(fmt.Sprintf("pionengine: rand failed: %v", err))
		}
		if id := binary.BigEndian.Uint64(b[:]); id != 0 {
			return id
		}
	}
}

// PlaceCall allocates a call id for an outbound call and reports it via
// OnStartCall. Negotiation starts on Proceed. The ring timer covers outgoing
// calls too: an offer the callee never answers must not dial forever.
func (e *Engine) PlaceCall(sess *call.Session, kind call.MediaKind, localDeviceID uint32) error {
	e.mu.Lock()
	if e.active != nil {
		e.mu.Unlock()
		return errors.New("pionengine: call already active")
	}
	ac := &activeCall{
		sess:        sess,
		callID:      newCallID(),
		outgoing:    true,
		kind:        kind,
		localDevice: localDeviceID,
	}
	ac.ringTimer = time.AfterFunc(e.cfg.RingTimeout, func() { e.ringTimedOut(ac.callID) })
	e.active = ac
	obs := e.obs
	e.mu.Unlock()

	log.Infow("placing call", "call_id", ac.callID, "kind", kind)
	obs.OnStartCall(sess, ac.callID, true, kind, false)
	return nil
}

// ReceivedOffer validates an inbound offer and either adopts it, expires it,
// replies busy, or resolves glare against the active call.
func (e *Engine) ReceivedOffer(sess *call.Session, callID uint64, sourceDevice uint32,
	opaque []byte, messageAgeSec uint64, kind call.MediaKind, localDeviceID uint32) error {

	var body sdpPayload
	if err := json.Unmarshal(opaque, &body); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}

	e.mu.Lock()
	obs := e.obs

	if messageAgeSec > e.cfg.MaxOfferAgeSec {
		e.mu.Unlock()
		log.Infow("offer expired", "call_id", callID, "age_sec", messageAgeSec)
		obs.OnEvent(sess, call.EventReceivedOfferExpired)
		return nil
	}

	if prev := e.active; prev != nil {
		glare := prev.outgoing && !prev.accepted &&
			prev.sess.RemoteParty() == sess.RemoteParty()
		if !glare {
			e.mu.Unlock()
			log.Infow("busy for inbound offer", "call_id", callID, "active", prev.callID)
			obs.ShouldSendBusy(sess, callID)
			obs.OnEvent(sess, call.EventReceivedOfferWhileActive)
			return nil
		}
		// Simultaneous calling with the same party: the higher call id wins.
		if callID <= prev.callID {
			e.mu.Unlock()
			log.Infow("glare, keeping local call", "call_id", callID, "active", prev.callID)
			obs.OnEvent(sess, call.EventReceivedOfferWithGlare)
			return nil
		}
		log.Infow("glare, remote call wins", "call_id", callID, "active", prev.callID)
		e.teardownLocked(prev)
		e.active = nil
		e.mu.Unlock()
		obs.OnEvent(prev.sess, call.EventEndedRemoteGlare)
		e.mu.Lock()
		if e.active != nil {
			// Coordinator raced a new placement in; treat the offer as busy.
			e.mu.Unlock()
			obs.ShouldSendBusy(sess, callID)
			obs.OnEvent(sess, call.EventReceivedOfferWhileActive)
			return nil
		}
	}

	remote := webrtc.SessionDescription{Type: webrtc.NewSDPType(body.Type), SDP: body.SDP}
	ac := &activeCall{
		sess:         sess,
		callID:       callID,
		outgoing:     false,
		kind:         kind,
		localDevice:  localDeviceID,
		remoteDevice: sourceDevice,
		remoteSDP:    &remote,
	}
	ac.ringTimer = time.AfterFunc(e.cfg.RingTimeout, func() { e.ringTimedOut(callID) })
	e.active = ac
	e.mu.Unlock()

	obs.OnStartCall(sess, callID, false, kind, false)
	return nil
}

func (e *Engine) ringTimedOut(callID uint64) {
	e.mu.Lock()
	ac := e.active
	if ac == nil || ac.callID != callID || ac.accepted || ac.wasConnected {
		e.mu.Unlock()
		return
	}
	obs := e.obs
	e.teardownLocked(ac)
	e.active = nil
	e.mu.Unlock()

	log.Infow("ring timed out", "call_id", callID)
	obs.OnEvent(ac.sess, call.EventEndedTimeout)
}

// Proceed builds the peer connection and starts negotiation: an offer for
// outgoing calls, an answer plus a local ring for incoming ones.
func (e *Engine) Proceed(callID uint64, iceServers []string, lowBandwidth bool) error {
	e.mu.Lock()
	ac := e.active
	obs := e.obs
	if ac == nil || ac.callID != callID {
		e.mu.Unlock()
		return fmt.Errorf("pionengine: proceed for unknown call %d", callID)
	}

	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("new peer connection: %w", err)
	}
	ac.pc = pc

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		pc.Close()
		ac.pc = nil
		e.mu.Unlock()
		return fmt.Errorf("add audio transceiver: %w", err)
	}
	if ac.kind == call.MediaVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			pc.Close()
			ac.pc = nil
			e.mu.Unlock()
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}

	sess := ac.sess
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Warnw("marshal candidate", "call_id", callID, "err", err)
			return
		}
		e.sendLocalCandidate(callID, payload)
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		e.connectionStateChanged(callID, st)
	})

	if ac.outgoing {
		offer, err := pc.CreateOffer(nil)
		if err != nil {
			e.mu.Unlock()
			return fmt.Errorf("create offer: %w", err)
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("set local description: %w", err)
		}
		opaque, err := json.Marshal(sdpPayload{Type: offer.Type.String(), SDP: offer.SDP})
		if err != nil {
			e.mu.Unlock()
			return fmt.Errorf("encode offer: %w", err)
		}
		kind := ac.kind
		e.mu.Unlock()
		obs.ShouldSendOffer(sess, callID, opaque, kind)
		e.flushLocalCandidates(callID)
		return nil
	}

	if err := pc.SetRemoteDescription(*ac.remoteSDP); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("set local description: %w", err)
	}
	e.drainEarlyCandidatesLocked(ac)
	opaque, err := json.Marshal(sdpPayload{Type: answer.Type.String(), SDP: answer.SDP})
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("encode answer: %w", err)
	}
	e.mu.Unlock()

	obs.ShouldSendAnswer(sess, callID, opaque)
	e.flushLocalCandidates(callID)
	obs.OnEvent(sess, call.EventRingingLocal)
	return nil
}

// sendLocalCandidate forwards one gathered candidate, queuing it while the
// local description has not been sent yet. Candidates must never overtake
// the offer or answer on the wire.
func (e *Engine) sendLocalCandidate(callID uint64, payload []byte) {
	e.mu.Lock()
	ac := e.active
	if ac == nil || ac.callID != callID {
		e.mu.Unlock()
		return
	}
	if !ac.descSent {
		ac.pendingLocal = append(ac.pendingLocal, payload)
		e.mu.Unlock()
		return
	}
	obs := e.obs
	sess := ac.sess
	e.mu.Unlock()

	obs.ShouldSendIceCandidates(sess, callID, [][]byte{payload})
}

func (e *Engine) flushLocalCandidates(callID uint64) {
	e.mu.Lock()
	ac := e.active
	if ac == nil || ac.callID != callID {
		e.mu.Unlock()
		return
	}
	ac.descSent = true
	pending := ac.pendingLocal
	ac.pendingLocal = nil
	obs := e.obs
	sess := ac.sess
	e.mu.Unlock()

	if len(pending) > 0 {
		obs.ShouldSendIceCandidates(sess, callID, pending)
	}
}

func (e *Engine) connectionStateChanged(callID uint64, st webrtc.PeerConnectionState) {
	e.mu.Lock()
	ac := e.active
	if ac == nil || ac.callID != callID {
		e.mu.Unlock()
		return
	}
	obs := e.obs
	sess := ac.sess

	switch st {
	case webrtc.PeerConnectionStateConnected:
		first := !ac.wasConnected
		ac.wasConnected = true
		if ac.ringTimer != nil {
			ac.ringTimer.Stop()
			ac.ringTimer = nil
		}
		outgoing := ac.outgoing
		e.mu.Unlock()
		switch {
		case !first:
			obs.OnEvent(sess, call.EventReconnected)
		case outgoing:
			obs.OnEvent(sess, call.EventConnectedRemote)
		default:
			obs.OnEvent(sess, call.EventConnectedLocal)
		}

	case webrtc.PeerConnectionStateDisconnected:
		e.mu.Unlock()
		obs.OnEvent(sess, call.EventReconnecting)

	case webrtc.PeerConnectionStateFailed:
		e.teardownLocked(ac)
		e.active = nil
		e.mu.Unlock()
		obs.OnEvent(sess, call.EventEndedConnectionFailure)

	default:
		e.mu.Unlock()
	}
}

// Accept marks the incoming call answered and stops the ring timer. The
// coordinator has already connected locally.
func (e *Engine) Accept(callID uint64) error {
	e.mu.Lock()
	ac := e.active
	if ac == nil || ac.callID != callID {
		e.mu.Unlock()
		return fmt.Errorf("pionengine: accept for unknown call %d", callID)
	}
	ac.accepted = true
	if ac.ringTimer != nil {
		ac.ringTimer.Stop()
		ac.ringTimer = nil
	}
	e.mu.Unlock()
	return nil
}

// Hangup ends the active call, asking for a hangup message to be sent.
func (e *Engine) Hangup() error {
	e.mu.Lock()
	ac := e.active
	if ac == nil {
		e.mu.Unlock()
		return nil
	}
	obs := e.obs
	e.teardownLocked(ac)
	e.active = nil
	e.mu.Unlock()

	obs.ShouldSendHangup(ac.sess, ac.callID, call.HangupNormal, ac.localDevice)
	return nil
}

// Drop discards the call without signaling the remote side.
func (e *Engine) Drop(callID uint64) {
	e.mu.Lock()
	ac := e.active
	if ac == nil || ac.callID != callID {
		e.mu.Unlock()
		return
	}
	obs := e.obs
	e.teardownLocked(ac)
	e.active = nil
	e.mu.Unlock()

	obs.OnEvent(ac.sess, call.EventEndedDropped)
}

// Reset discards any active call and returns the engine to idle.
func (e *Engine) Reset() {
	e.mu.Lock()
	if ac := e.active; ac != nil {
		e.teardownLocked(ac)
		e.active = nil
	}
	e.mu.Unlock()
}

// teardownLocked closes per-call resources. Callers hold e.mu.
func (e *Engine) teardownLocked(ac *activeCall) {
	if ac.ringTimer != nil {
		ac.ringTimer.Stop()
		ac.ringTimer = nil
	}
	if ac.pc != nil {
		if err := ac.pc.Close(); err != nil {
			log.Warnw("close peer connection", "call_id", ac.callID, "err", err)
		}
		ac.pc = nil
	}
}

// ReceivedAnswer applies the callee's answer. The callee producing an answer
// is what "remote ringing" means here.
func (e *Engine) ReceivedAnswer(callID uint64, sourceDevice uint32, opaque []byte) error {
	var body sdpPayload
	if err := json.Unmarshal(opaque, &body); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}

	e.mu.Lock()
	ac := e.active
	if ac == nil || ac.callID != callID {
		e.mu.Unlock()
		return fmt.Errorf("pionengine: answer for unknown call %d", callID)
	}
	if !ac.outgoing || ac.pc == nil {
		e.mu.Unlock()
		return errors.New("pionengine: unexpected answer")
	}
	obs := e.obs
	sess := ac.sess
	ac.remoteDevice = sourceDevice

	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(body.Type), SDP: body.SDP}
	if err := ac.pc.SetRemoteDescription(desc); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("set remote description: %w", err)
	}
	e.drainEarlyCandidatesLocked(ac)
	e.mu.Unlock()

	obs.OnEvent(sess, call.EventRingingRemote)
	return nil
}

// ReceivedIceCandidates applies a remote candidate batch, buffering any that
// arrive before the remote description.
func (e *Engine) ReceivedIceCandidates(callID uint64, sourceDevice uint32, candidates [][]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ac := e.active
	if ac == nil || ac.callID != callID {
		return fmt.Errorf("pionengine: candidates for unknown call %d", callID)
	}

	for _, raw := range candidates {
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal(raw, &init); err != nil {
			return fmt.Errorf("decode candidate: %w", err)
		}
		if ac.pc == nil || ac.pc.RemoteDescription() == nil {
			ac.earlyCandidates = append(ac.earlyCandidates, init)
			continue
		}
		if err := ac.pc.AddICECandidate(init); err != nil {
			log.Warnw("add ice candidate", "call_id", callID, "err", err)
		}
	}
	return nil
}

func (e *Engine) drainEarlyCandidatesLocked(ac *activeCall) {
	for _, init := range ac.earlyCandidates {
		if err := ac.pc.AddICECandidate(init); err != nil {
			log.Warnw("add buffered ice candidate", "call_id", ac.callID, "err", err)
		}
	}
	ac.earlyCandidates = nil
}

// ReceivedHangup ends the active call for a remote hangup, mapped by its
// sub-reason.
func (e *Engine) ReceivedHangup(callID uint64, sourceDevice uint32, hangup call.HangupType, deviceID uint32) error {
	e.mu.Lock()
	ac := e.active
	if ac == nil || ac.callID != callID {
		e.mu.Unlock()
		return fmt.Errorf("pionengine: hangup for unknown call %d", callID)
	}
	obs := e.obs
	e.teardownLocked(ac)
	e.active = nil
	e.mu.Unlock()

	ev := call.EventEndedRemoteHangup
	switch hangup {
	case call.HangupAccepted:
		ev = call.EventEndedRemoteHangupAccepted
	case call.HangupDeclined:
		ev = call.EventEndedRemoteHangupDeclined
	case call.HangupBusy:
		ev = call.EventEndedRemoteHangupBusy
	case call.HangupNeedPermission:
		ev = call.EventEndedRemoteHangupNeedPermission
	}
	obs.OnEvent(ac.sess, ev)
	return nil
}

// ReceivedBusy ends the active outgoing call: every callee device is busy.
func (e *Engine) ReceivedBusy(callID uint64, sourceDevice uint32) error {
	e.mu.Lock()
	ac := e.active
	if ac == nil || ac.callID != callID {
		e.mu.Unlock()
		return fmt.Errorf("pionengine: busy for unknown call %d", callID)
	}
	obs := e.obs
	e.teardownLocked(ac)
	e.active = nil
	e.mu.Unlock()

	obs.OnEvent(ac.sess, call.EventEndedRemoteBusy)
	return nil
}

// SignalingSent acknowledges a delivered message.
func (e *Engine) SignalingSent(callID uint64) {
	log.Debugw("signaling sent", "call_id", callID)
}

// SignalingFailed ends the active call when one of its messages could not be
// delivered.
func (e *Engine) SignalingFailed(callID uint64) {
	e.mu.Lock()
	ac := e.active
	if ac == nil || ac.callID != callID {
		e.mu.Unlock()
		return
	}
	obs := e.obs
	e.teardownLocked(ac)
	e.active = nil
	e.mu.Unlock()

	obs.OnEvent(ac.sess, call.EventEndedSignalingFailure)
}

// SetLocalAudioEnabled toggles outbound audio. With receive-only
// transceivers there is no local track to pause, so this only records intent.
func (e *Engine) SetLocalAudioEnabled(enabled bool) {
	log.Debugw("local audio", "enabled", enabled)
}

// SetLocalVideoEnabled toggles outbound video.
func (e *Engine) SetLocalVideoEnabled(enabled bool) {
	log.Debugw("local video", "enabled", enabled)
}
