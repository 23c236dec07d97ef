package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ringlink/ringlink/internal/callrecord"
	"github.com/ringlink/ringlink/internal/signaling"
	"github.com/ringlink/ringlink/internal/util"
)

const (
	sendTimeout         = 15 * time.Second
	historyDepth        = 64
	screenCheckEvery    = time.Second
	maxBufferedIceCalls = 8
)

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// RecordStore is the persistence surface the coordinator writes call
// dispositions to. Satisfied by callrecord.Store.
type RecordStore interface {
	EnqueueUpsert(req callrecord.UpsertRequest)
}

// Transition is one recorded state change, kept for diagnostics.
type Transition struct {
	SessionID string
	From, To  State
	At        time.Time
}

// Options configures a Coordinator.
type Options struct {
	Engine        MediaEngine
	Signaler      Signaler
	Records       RecordStore
	Directory     Directory
	Delegate      Delegate
	LocalDeviceID uint32

	// ICEServers returns the current ICE configuration; called on every
	// proceed so config reloads take effect without restart.
	ICEServers func() []string

	LowBandwidth bool

	// ConnectTimeout bounds how long an offer may take to reach Connected.
	ConnectTimeout time.Duration

	// ScreenGrace is how long a connected call may go without visible UI
	// before the presentation watchdog fails it.
	ScreenGrace time.Duration

	Clock Clock
}

// Coordinator owns zero-or-one current call and translates local intents,
// media engine events and inbound signaling into session transitions. All
// state lives behind a single serial control queue; events originating on
// other goroutines are re-dispatched onto it before touching any session.
type Coordinator struct {
	engine        MediaEngine
	signaler      Signaler
	records       RecordStore
	dir           Directory
	delegate      Delegate
	localDeviceID uint32
	iceServers    func() []string
	lowBandwidth  bool

	connectTimeout time.Duration
	screenGrace    time.Duration
	clock          Clock

	ctrl    *serialQueue
	sends   chan outboundMsg
	sendsWG chan struct{}

	sendMu      sync.Mutex
	sendsClosed bool

	// Control-sequence state. Only touched from ctrl tasks.
	current        *Session
	connectTimer   *time.Timer
	screenStop     chan struct{}
	screenSlopUsed bool
	pendingIce     map[uint64][][]byte

	history *util.RingBuffer[Transition]
}

type outboundMsg struct {
	callID uint64
	msg    signaling.Message
}

// NewCoordinator creates a Coordinator. The caller must register it as the
// engine's observer before placing or receiving calls.
func NewCoordinator(opts Options) *Coordinator {
	c := &Coordinator{
		engine:         opts.Engine,
		signaler:       opts.Signaler,
		records:        opts.Records,
		dir:            opts.Directory,
		delegate:       opts.Delegate,
		localDeviceID:  opts.LocalDeviceID,
		iceServers:     opts.ICEServers,
		lowBandwidth:   opts.LowBandwidth,
		connectTimeout: opts.ConnectTimeout,
		screenGrace:    opts.ScreenGrace,
		clock:          opts.Clock,
		ctrl:           newSerialQueue(256),
		sends:          make(chan outboundMsg, 64),
		sendsWG:        make(chan struct{}),
		pendingIce:     make(map[uint64][][]byte),
		history:        util.NewRingBuffer[Transition](historyDepth),
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = 2 * time.Minute
	}
	if c.screenGrace <= 0 {
		c.screenGrace = 5 * time.Second
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.iceServers == nil {
		c.iceServers = func() []string { return nil }
	}
	go c.sendLoop()
	return c
}

// Close hangs up any current call, drains the outbound queue and stops the
// control sequence.
func (c *Coordinator) Close() {
	c.ctrl.sync(func() {
		if c.current != nil {
			c.hangUp(c.current)
		}
	})
	c.sendMu.Lock()
	c.sendsClosed = true
	close(c.sends)
	c.sendMu.Unlock()
	<-c.sendsWG
	c.ctrl.close()
}

// CurrentSession returns the current call, if any.
func (c *Coordinator) CurrentSession() *Session {
	var sess *Session
	c.ctrl.sync(func() { sess = c.current })
	return sess
}

// RecentTransitions returns the most recent state transitions, oldest first.
func (c *Coordinator) RecentTransitions() []Transition {
	return c.history.Snapshot()
}

// PlaceCall initiates an outgoing call. Fails with ErrAlreadyInCall when a
// current call exists. If the engine rejects the placement synchronously the
// returned session is already failed and never became current.
func (c *Coordinator) PlaceCall(remote PartyID, kind MediaKind) (*Session, error) {
	var sess *Session
	var err error
	if ok := c.ctrl.sync(func() { sess, err = c.placeCall(remote, kind) }); !ok {
		return nil, errors.New("call: coordinator closed")
	}
	return sess, err
}

func (c *Coordinator) placeCall(remote PartyID, kind MediaKind) (*Session, error) {
	if c.current != nil {
		return nil, ErrAlreadyInCall
	}

	sess := NewOutgoingSession(remote, kind)
	log.Infow("placing call", "session", sess.ID(), "remote", remote, "kind", kind)

	// Provisional record; persisted once the engine assigns a call id.
	c.updateRecord(sess, callrecord.TypeOutgoingIncomplete)

	if err := c.engine.PlaceCall(sess, kind, c.localDeviceID); err != nil {
		c.handleFailed(sess, wrapCallError(FailureInternal, err), true)
		return sess, fmt.Errorf("place call: %w", err)
	}

	c.current = sess
	c.startScreenWatchdog(sess)
	c.delegate.OnStateChanged(sess, sess.State())
	return sess, nil
}

// AcceptCall answers the current incoming call. If the engine has not yet
// signaled readiness the accept is buffered (StateAccepting) and applied
// exactly once when readiness arrives.
func (c *Coordinator) AcceptCall(sess *Session) error {
	var err error
	if ok := c.ctrl.sync(func() { err = c.acceptCall(sess) }); !ok {
		return errors.New("call: coordinator closed")
	}
	return err
}

func (c *Coordinator) acceptCall(sess *Session) error {
	if sess != c.current {
		return ErrNotCurrentCall
	}

	switch sess.State() {
	case StateLocalRingingAnticipatory:
		// Engine not ready yet; buffer the answer tap.
		sess.deferred = &pendingAccept{requestedAt: c.clock()}
		c.setState(sess, StateAccepting)
		return nil
	case StateAccepting:
		return nil // already buffered
	case StateLocalRingingReady:
		c.performAccept(sess)
		return nil
	default:
		log.Warnw("accept in unexpected state ignored", "session", sess.ID(), "state", sess.State())
		return nil
	}
}

func (c *Coordinator) performAccept(sess *Session) {
	callID, ok := sess.CallID()
	if !ok {
		c.handleFailed(sess, wrapCallError(FailureInternal, errors.New("accept without call id")), true)
		return
	}

	c.updateRecord(sess, callrecord.TypeIncomingIncomplete)

	// Local audio/transport setup must precede media activation, otherwise
	// the engine can start operating on audio resources that are not yet
	// routed. Connect locally first, then ask the engine to accept.
	c.handleConnected(sess)

	c.updateRecord(sess, callrecord.TypeIncoming)

	if err := c.engine.Accept(callID); err != nil {
		c.handleFailed(sess, wrapCallError(FailureInternal, err), true)
	}
}

// HangUp ends the call locally. Hanging up a superseded session is a no-op,
// not an error.
func (c *Coordinator) HangUp(sess *Session) error {
	c.ctrl.sync(func() { c.hangUp(sess) })
	return nil
}

func (c *Coordinator) hangUp(sess *Session) {
	if sess != c.current {
		log.Infow("ignoring hangup for obsolete call", "session", sess.ID())
		return
	}
	log.Infow("local hangup", "session", sess.ID(), "state", sess.State())

	c.recordLocalHangupDisposition(sess)

	// Kill local audio before the state write so no residual audio leaks
	// through the teardown.
	c.engine.SetLocalAudioEnabled(false)

	c.setState(sess, StateLocalHangup)
	c.terminate(sess)

	// The user's intent has already been honored locally; an engine error
	// here is logged, not propagated.
	if err := c.engine.Hangup(); err != nil {
		log.Warnw("engine hangup failed", "session", sess.ID(), "err", err)
	}
}

func (c *Coordinator) recordLocalHangupDisposition(sess *Session) {
	rt, ok := sess.RecordType()
	switch {
	case ok && rt == callrecord.TypeOutgoingIncomplete:
		c.updateRecord(sess, callrecord.TypeOutgoingMissed)
	case ok:
		// Disposition already settled.
	default:
		switch sess.State() {
		case StateLocalRingingAnticipatory, StateLocalRingingReady, StateAccepting:
			c.updateRecord(sess, callrecord.TypeIncomingDeclined)
		default:
			log.Warnw("hangup with no call record", "session", sess.ID(), "state", sess.State())
		}
	}
}

// SetMuted toggles the local audio mute flag.
func (c *Coordinator) SetMuted(sess *Session, muted bool) {
	c.ctrl.async(func() {
		if sess != c.current {
			c.cleanUpStaleCall(sess)
			return
		}
		sess.muted = muted
		c.delegate.OnLocalAudioMuteChanged(sess, muted)
		c.ensureAudioState(sess)
	})
}

// SetOnHold toggles the hold flag.
func (c *Coordinator) SetOnHold(sess *Session, onHold bool) {
	c.ctrl.async(func() {
		if sess != c.current {
			c.cleanUpStaleCall(sess)
			return
		}
		sess.onHold = onHold
		c.delegate.OnHoldChanged(sess, onHold)
		c.ensureAudioState(sess)
	})
}

// SetLocalVideoEnabled toggles local video capture.
func (c *Coordinator) SetLocalVideoEnabled(sess *Session, enabled bool) {
	c.ctrl.async(func() {
		if sess != c.current {
			c.cleanUpStaleCall(sess)
			return
		}
		sess.localVideo = enabled
		c.delegate.OnLocalVideoMuteChanged(sess, enabled)
		c.engine.SetLocalVideoEnabled(enabled && sess.State() == StateConnected)
	})
}

// ensureAudioState derives local audio activation from the session: audio
// flows only while connected, un-muted and not on hold.
func (c *Coordinator) ensureAudioState(sess *Session) {
	enabled := sess.State() == StateConnected && !sess.IsMuted() && !sess.IsOnHold()
	c.engine.SetLocalAudioEnabled(enabled)
}

// HandleInbound routes one transport envelope to the typed handlers.
func (c *Coordinator) HandleInbound(msg signaling.Message) {
	switch msg.Kind {
	case signaling.KindOffer:
		c.HandleOffer(PartyID(msg.From), msg.SourceDevice, msg.CallID, msg.Opaque,
			MediaKindFromString(msg.MediaKind), msg.SentAt, msg.AgeSeconds())
	case signaling.KindAnswer:
		c.HandleAnswer(msg.CallID, msg.SourceDevice, msg.Opaque)
	case signaling.KindIce:
		c.HandleIceCandidates(msg.CallID, msg.SourceDevice, msg.Candidates)
	case signaling.KindHangup:
		c.HandleHangup(msg.CallID, msg.SourceDevice, HangupType(msg.HangupType), msg.HangupDevice)
	case signaling.KindBusy:
		c.HandleBusy(msg.CallID, msg.SourceDevice)
	default:
		log.Warnw("unknown signaling kind ignored", "kind", msg.Kind, "call_id", msg.CallID)
	}
}

// HandleOffer processes an inbound call offer. Rejection gates run before
// any session reaches the engine; each gate failure produces a terminal
// session whose record captures why the call never rang.
func (c *Coordinator) HandleOffer(remote PartyID, sourceDevice uint32, callID uint64,
	opaque []byte, kind MediaKind, sentAt, messageAgeSec uint64) {
	c.ctrl.async(func() {
		log.Infow("inbound offer", "remote", remote, "call_id", callID, "kind", kind)

		switch {
		case !c.dir.IsRegistered():
			c.rejectOffer(remote, callID, kind, sentAt, callrecord.TypeIncomingMissed, FailureNotRegistered)
			return
		case !c.dir.MayReceiveCallsFrom(remote):
			c.rejectOffer(remote, callID, kind, sentAt, callrecord.TypeIncomingMissed, FailureNotPermitted)
			return
		case !c.dir.IsIdentityTrusted(remote):
			c.rejectOffer(remote, callID, kind, sentAt, callrecord.TypeIncomingMissedIdentity, FailureUntrustedIdentity)
			return
		case !c.dir.HasSessionKeys(remote):
			c.rejectOffer(remote, callID, kind, sentAt, callrecord.TypeIncomingMissed, FailureMissingKeys)
			return
		}

		sess := NewIncomingSession(remote, kind, sentAt)
		sess.setCallID(callID)

		if err := c.engine.ReceivedOffer(sess, callID, sourceDevice, opaque,
			messageAgeSec, kind, c.localDeviceID); err != nil {
			c.handleFailed(sess, wrapCallError(FailureInternal, err), true)
		}
	})
}

// rejectOffer creates a terminal session for an offer that failed a gate.
// The engine is never told to proceed; only the record captures the reason.
func (c *Coordinator) rejectOffer(remote PartyID, callID uint64, kind MediaKind,
	sentAt uint64, recType callrecord.CallType, reason FailureReason) {
	log.Warnw("rejecting inbound offer", "remote", remote, "call_id", callID, "reason", reason)

	sess := NewIncomingSession(remote, kind, sentAt)
	sess.setCallID(callID)
	c.updateRecord(sess, recType)
	sess.failure = &CallError{Reason: reason}
	c.setState(sess, StateLocalFailure)
	sess.ended = true
}

// HandleAnswer forwards a callee's answer to the engine. Unknown call ids
// are logged and ignored.
func (c *Coordinator) HandleAnswer(callID uint64, sourceDevice uint32, opaque []byte) {
	c.ctrl.async(func() {
		sess, ok := c.currentWithCallID(callID)
		if !ok {
			return
		}
		if err := c.engine.ReceivedAnswer(callID, sourceDevice, opaque); err != nil {
			c.handleFailed(sess, wrapCallError(FailureInternal, err), true)
		}
	})
}

// HandleIceCandidates forwards remote ICE updates to the engine. Candidates
// can legitimately race ahead of the call they belong to, so unknown call ids
// are buffered briefly and flushed when the engine adopts the call. A bad
// candidate batch is not enough reason to fail the call.
func (c *Coordinator) HandleIceCandidates(callID uint64, sourceDevice uint32, candidates [][]byte) {
	c.ctrl.async(func() {
		if _, ok := c.currentWithCallID(callID); !ok {
			c.bufferIce(callID, candidates)
			return
		}
		if err := c.engine.ReceivedIceCandidates(callID, sourceDevice, candidates); err != nil {
			log.Warnw("engine rejected ice candidates", "call_id", callID, "err", err)
		}
	})
}

func (c *Coordinator) bufferIce(callID uint64, candidates [][]byte) {
	if len(c.pendingIce) >= maxBufferedIceCalls && c.pendingIce[callID] == nil {
		log.Debugw("dropping ice candidates for unknown call", "call_id", callID)
		return
	}
	c.pendingIce[callID] = append(c.pendingIce[callID], candidates...)
}

// flushBufferedIce hands any candidates that arrived before adoption to the
// engine.
func (c *Coordinator) flushBufferedIce(callID uint64) {
	candidates := c.pendingIce[callID]
	if candidates == nil {
		return
	}
	delete(c.pendingIce, callID)
	if err := c.engine.ReceivedIceCandidates(callID, 0, candidates); err != nil {
		log.Warnw("engine rejected buffered ice candidates", "call_id", callID, "err", err)
	}
}

// HandleHangup forwards a remote hangup to the engine.
func (c *Coordinator) HandleHangup(callID uint64, sourceDevice uint32, hangup HangupType, deviceID uint32) {
	c.ctrl.async(func() {
		sess, ok := c.currentWithCallID(callID)
		if !ok {
			return
		}
		if err := c.engine.ReceivedHangup(callID, sourceDevice, hangup, deviceID); err != nil {
			c.handleFailed(sess, wrapCallError(FailureInternal, err), true)
		}
	})
}

// HandleBusy forwards a remote busy signal to the engine.
func (c *Coordinator) HandleBusy(callID uint64, sourceDevice uint32) {
	c.ctrl.async(func() {
		sess, ok := c.currentWithCallID(callID)
		if !ok {
			return
		}
		if err := c.engine.ReceivedBusy(callID, sourceDevice); err != nil {
			c.handleFailed(sess, wrapCallError(FailureInternal, err), true)
		}
	})
}

func (c *Coordinator) currentWithCallID(callID uint64) (*Session, bool) {
	sess := c.current
	if sess == nil {
		log.Debugw("signal with no current call ignored", "call_id", callID)
		return nil, false
	}
	id, ok := sess.CallID()
	if !ok || id != callID {
		log.Debugw("signal for mismatched call id ignored", "call_id", callID)
		return nil, false
	}
	return sess, true
}
