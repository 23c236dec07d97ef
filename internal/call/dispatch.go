package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ringlink/ringlink/internal/callrecord"
	"github.com/ringlink/ringlink/internal/signaling"
)

// OnStartCall adopts an engine-started call: the id is bound to the session,
// an incoming session becomes current, and the engine is told to proceed.
func (c *Coordinator) OnStartCall(sess *Session, callID uint64, outgoing bool, kind MediaKind, earlyRing bool) {
	c.ctrl.async(func() {
		sess.setCallID(callID)

		if outgoing {
			if sess != c.current {
				c.cleanUpStaleCall(sess)
				return
			}
		} else {
			if c.current != nil && c.current != sess {
				// The engine resolves collisions itself (busy, glare); a
				// second adopted call is a defect on its side.
				log.Errorw("engine started incoming call while one is current",
					"session", sess.ID(), "current", c.current.ID())
				c.cleanUpStaleCall(sess)
				return
			}
			c.current = sess
			// The connection deadline starts at adoption, not at the offer:
			// a colliding offer that the engine resolves as busy or glare
			// must never touch the current call's timer.
			c.startConnectDeadline(sess)
			c.startScreenWatchdog(sess)
			c.delegate.OnStateChanged(sess, sess.State())
		}

		// The provisional record may predate the id assignment.
		c.persistRecord(sess)
		c.flushBufferedIce(callID)

		if earlyRing {
			if outgoing {
				log.Errorw("early ring on outgoing call ignored", "session", sess.ID())
			} else {
				c.handleRinging(sess, true)
			}
		}

		if err := c.engine.Proceed(callID, c.iceServers(), c.lowBandwidth); err != nil {
			c.engine.Drop(callID)
			c.handleFailed(sess, wrapCallError(FailureInternal, err), false)
		}
	})
}

// OnEvent re-dispatches an engine event onto the control sequence.
func (c *Coordinator) OnEvent(sess *Session, ev EngineEvent) {
	c.ctrl.async(func() { c.dispatchEvent(sess, ev) })
}

func (c *Coordinator) dispatchEvent(sess *Session, ev EngineEvent) {
	log.Debugw("engine event", "session", sess.ID(), "event", ev, "state", sess.State())

	switch ev {
	case EventRingingLocal, EventRingingRemote:
		c.handleRinging(sess, false)

	case EventConnectedLocal:
		// Local side was connected when the accept was performed.

	case EventConnectedRemote:
		if sess != c.current {
			c.cleanUpStaleCall(sess)
			return
		}
		c.handleConnected(sess)
		c.updateRecord(sess, callrecord.TypeOutgoing)

	case EventReconnecting:
		c.handleReconnecting(sess)

	case EventReconnected:
		if sess != c.current {
			c.cleanUpStaleCall(sess)
			return
		}
		if sess.State() == StateReconnecting {
			c.setState(sess, StateConnected)
		} else {
			log.Warnw("reconnected outside reconnecting", "session", sess.ID(), "state", sess.State())
		}

	case EventEndedLocalHangup:
		if sess != c.current {
			c.cleanUpStaleCall(sess)
			return
		}
		c.recordLocalHangupDisposition(sess)
		c.engine.SetLocalAudioEnabled(false)
		c.setState(sess, StateLocalHangup)
		c.terminate(sess)

	case EventEndedRemoteHangup:
		c.handleRemoteHangup(sess, StateRemoteHangup)

	case EventEndedRemoteHangupNeedPermission:
		c.handleRemoteHangup(sess, StateRemoteHangupNeedPermission)

	case EventEndedRemoteHangupAccepted:
		c.handleEndedElsewhere(sess, StateAnsweredElsewhere, callrecord.TypeIncomingAnsweredElsewhere)

	case EventEndedRemoteHangupDeclined:
		c.handleEndedElsewhere(sess, StateDeclinedElsewhere, callrecord.TypeIncomingDeclinedElsewhere)

	case EventEndedRemoteHangupBusy:
		c.handleEndedElsewhere(sess, StateBusyElsewhere, callrecord.TypeIncomingBusyElsewhere)

	case EventEndedRemoteBusy:
		if sess != c.current {
			c.cleanUpStaleCall(sess)
			return
		}
		c.updateRecord(sess, callrecord.TypeOutgoingMissed)
		c.engine.SetLocalAudioEnabled(false)
		c.setState(sess, StateRemoteBusy)
		c.terminate(sess)

	case EventEndedRemoteGlare, EventEndedRemoteReCall:
		if sess != c.current {
			c.cleanUpStaleCall(sess)
			return
		}
		c.handleGlare(sess)

	case EventEndedTimeout:
		c.handleFailed(sess, &CallError{Reason: FailureTimeout, Err: errors.New("engine timed out")}, false)

	case EventEndedSignalingFailure, EventEndedGlareHandlingFailure:
		c.handleFailed(sess, &CallError{Reason: FailureSignaling, Err: errors.New("signaling failure")}, false)

	case EventEndedInternalFailure:
		c.handleFailed(sess, &CallError{Reason: FailureInternal, Err: errors.New("engine internal failure")}, false)

	case EventEndedConnectionFailure:
		c.handleFailed(sess, &CallError{Reason: FailureDisconnected, Err: errors.New("media connection failed")}, false)

	case EventEndedDropped:
		log.Debugw("call dropped", "session", sess.ID())

	case EventReceivedOfferExpired, EventReceivedOfferWhileActive, EventReceivedOfferWithGlare:
		// The offer never becomes a live call; it only leaves a missed record.
		c.handleMissedCall(sess, nil)
		c.setState(sess, StateLocalFailure)
		c.terminate(sess)

	case EventRemoteAudioEnable:
		c.setRemoteFlag(sess, func(s *Session) { s.remoteAudioMuted = false })
	case EventRemoteAudioDisable:
		c.setRemoteFlag(sess, func(s *Session) { s.remoteAudioMuted = true })

	case EventRemoteVideoEnable:
		c.setRemoteFlag(sess, func(s *Session) {
			s.remoteVideoEnabled = true
			c.delegate.OnRemoteVideoMuteChanged(s, true)
		})
	case EventRemoteVideoDisable:
		c.setRemoteFlag(sess, func(s *Session) {
			s.remoteVideoEnabled = false
			c.delegate.OnRemoteVideoMuteChanged(s, false)
		})

	case EventRemoteScreenShareEnable:
		c.setRemoteFlag(sess, func(s *Session) {
			s.remoteSharingScreen = true
			c.delegate.OnRemoteScreenShareChanged(s, true)
		})
	case EventRemoteScreenShareDisable:
		c.setRemoteFlag(sess, func(s *Session) {
			s.remoteSharingScreen = false
			c.delegate.OnRemoteScreenShareChanged(s, false)
		})

	default:
		log.Warnw("unhandled engine event", "session", sess.ID(), "event", ev)
	}
}

func (c *Coordinator) setRemoteFlag(sess *Session, apply func(*Session)) {
	if sess != c.current {
		c.cleanUpStaleCall(sess)
		return
	}
	apply(sess)
}

// handleRinging advances the session when the engine (or an anticipatory
// push) reports ringing. A buffered accept taken while anticipatory is
// consumed here, exactly once.
func (c *Coordinator) handleRinging(sess *Session, anticipatory bool) {
	if anticipatory && sess.Direction() == DirectionOutgoing {
		log.Errorw("anticipatory ring on outgoing call", "session", sess.ID())
		return
	}
	if sess != c.current {
		c.cleanUpStaleCall(sess)
		return
	}

	switch sess.State() {
	case StateDialing:
		c.setState(sess, StateRemoteRinging)
	case StateAnswering:
		if anticipatory {
			c.setState(sess, StateLocalRingingAnticipatory)
		} else {
			c.setState(sess, StateLocalRingingReady)
		}
	case StateLocalRingingAnticipatory:
		if !anticipatory {
			c.setState(sess, StateLocalRingingReady)
		}
	case StateAccepting:
		// Engine is now ready; apply the buffered answer tap.
		if _, ok := sess.takeDeferredAccept(); ok {
			c.performAccept(sess)
		} else {
			log.Errorw("accepting with no buffered accept", "session", sess.ID())
		}
	case StateRemoteRinging:
		// Repeated ringing report.
	default:
		log.Warnw("ringing in unexpected state", "session", sess.ID(), "state", sess.State())
	}
}

func (c *Coordinator) handleConnected(sess *Session) {
	c.setState(sess, StateConnected)
	c.ensureAudioState(sess)
	c.engine.SetLocalVideoEnabled(sess.HasLocalVideo())
}

func (c *Coordinator) handleReconnecting(sess *Session) {
	if sess != c.current {
		c.cleanUpStaleCall(sess)
		return
	}
	switch sess.State() {
	case StateAnswering, StateLocalRingingAnticipatory, StateLocalRingingReady, StateAccepting:
		// ICE can flap before the user ever answers; keep ringing.
		log.Debugw("reconnect while ringing, ignoring", "session", sess.ID())
	case StateConnected:
		c.setState(sess, StateReconnecting)
	default:
		log.Warnw("reconnecting in unexpected state", "session", sess.ID(), "state", sess.State())
	}
}

func (c *Coordinator) handleRemoteHangup(sess *Session, terminal State) {
	if sess != c.current {
		c.cleanUpStaleCall(sess)
		return
	}
	c.engine.SetLocalAudioEnabled(false)

	switch sess.State() {
	case StateConnected, StateReconnecting:
		// The call happened; disposition is already settled.
	default:
		c.handleMissedCall(sess, nil)
	}

	c.setState(sess, terminal)
	c.terminate(sess)
}

// handleEndedElsewhere resolves a ringing call that another of the user's
// devices answered, declined, or was busy for.
func (c *Coordinator) handleEndedElsewhere(sess *Session, terminal State, recType callrecord.CallType) {
	if sess != c.current {
		c.cleanUpStaleCall(sess)
		return
	}
	c.engine.SetLocalAudioEnabled(false)

	switch sess.State() {
	case StateAnswering, StateLocalRingingAnticipatory, StateLocalRingingReady,
		StateAccepting, StateConnected, StateReconnecting:
		c.updateRecord(sess, recType)
		c.setState(sess, terminal)
		c.terminate(sess)
	case StateLocalFailure, StateLocalHangup:
		log.Debugw("elsewhere hangup after local end, ignoring", "session", sess.ID())
	default:
		c.handleFailed(sess, wrapCallError(FailureInternal,
			fmt.Errorf("elsewhere hangup in state %s", sess.State())), true)
	}
}

// handleMissedCall records a missed disposition for a call that never
// connected on this device. The transition graph makes it harmless to call
// when a richer disposition already exists.
func (c *Coordinator) handleMissedCall(sess *Session, reason *FailureReason) {
	var candidate callrecord.CallType
	switch {
	case reason != nil && *reason == FailureDoNotDisturb:
		candidate = callrecord.TypeIncomingMissedDND
	case reason != nil && *reason == FailureUntrustedIdentity:
		candidate = callrecord.TypeIncomingMissedIdentity
	case sess.Direction() == DirectionOutgoing:
		candidate = callrecord.TypeOutgoingMissed
	default:
		candidate = callrecord.TypeIncomingMissed
	}
	c.updateRecord(sess, candidate)
}

// handleGlare resolves simultaneous calling: the remote offer wins and the
// local attempt is torn down, with the record switched on what this session
// had already written.
func (c *Coordinator) handleGlare(sess *Session) {
	if rt, ok := sess.RecordType(); ok {
		switch rt {
		case callrecord.TypeOutgoingIncomplete, callrecord.TypeOutgoing:
			c.updateRecord(sess, callrecord.TypeOutgoingMissed)
		case callrecord.TypeIncomingIncomplete, callrecord.TypeIncoming:
			c.updateRecord(sess, callrecord.TypeIncomingMissed)
		default:
			// Missed, declined and elsewhere variants already say it all.
		}
	} else {
		c.handleMissedCall(sess, nil)
	}

	c.engine.SetLocalAudioEnabled(false)
	c.setState(sess, StateLocalHangup)
	c.terminate(sess)
}

// handleFailed moves a session to LocalFailure. A ringing call records a
// missed disposition first so the failure still shows up in history. Failing
// an already-ended session is a no-op.
func (c *Coordinator) handleFailed(sess *Session, callErr *CallError, resetEngine bool) {
	switch sess.State() {
	case StateAnswering, StateLocalRingingAnticipatory, StateLocalRingingReady, StateAccepting:
		reason := callErr.Reason
		c.handleMissedCall(sess, &reason)
	}

	if sess.ended {
		log.Debugw("failure on ended session ignored", "session", sess.ID(), "err", callErr)
		return
	}

	log.Warnw("call failed", "session", sess.ID(), "state", sess.State(), "err", callErr)
	sess.failure = callErr
	c.engine.SetLocalAudioEnabled(false)
	c.setState(sess, StateLocalFailure)

	if id, ok := sess.CallID(); ok && callErr.shouldSilentlyDrop() {
		c.engine.Drop(id)
	} else if resetEngine {
		c.engine.Reset()
	}

	c.terminate(sess)
}

// cleanUpStaleCall handles an event that arrived for a superseded session.
// With a current call in flight the stale one is failed so its record and
// terminal state are settled; with no current call the event is just late.
func (c *Coordinator) cleanUpStaleCall(sess *Session) {
	if sess.ended {
		return
	}
	if c.current != nil {
		log.Warnw("cleaning up stale call", "session", sess.ID(), "current", c.current.ID())
		c.handleFailed(sess, wrapCallError(FailureInternal, ErrNotCurrentCall), false)
		return
	}
	log.Debugw("event for superseded call ignored", "session", sess.ID())
}

// terminate retires a session. If it was current the coordinator is idle
// again and both timers stop. The session is inert afterward.
func (c *Coordinator) terminate(sess *Session) {
	sess.ended = true
	sess.deferred = nil
	if id, ok := sess.CallID(); ok {
		delete(c.pendingIce, id)
	}
	if c.current == sess {
		c.current = nil
		c.stopScreenWatchdog()
		c.stopConnectDeadline()
	}
}

// setState applies a guarded transition, records it in the history buffer
// and notifies the delegate.
func (c *Coordinator) setState(sess *Session, to State) {
	from := sess.State()
	if !sess.setState(to) {
		return
	}
	c.history.Push(Transition{SessionID: sess.ID(), From: from, To: to, At: c.clock()})
	if to == StateConnected {
		c.stopConnectDeadline()
	}
	c.delegate.OnStateChanged(sess, to)
}

// updateRecord validates the candidate disposition against what this session
// already wrote and, when accepted, persists it. The store's writer
// revalidates against the durable row, which may have moved via sync.
func (c *Coordinator) updateRecord(sess *Session, candidate callrecord.CallType) {
	accepted, ok := callrecord.Validate(candidate, sess.State() == StateConnected, sess.recordType)
	if !ok {
		log.Debugw("record transition rejected locally",
			"session", sess.ID(), "candidate", candidate, "existing", sess.recordType)
		return
	}
	sess.recordType = &accepted
	c.persistRecord(sess)
}

// persistRecord enqueues the session's current disposition. Before the
// engine assigns a call id there is nothing to key the row on; OnStartCall
// flushes the buffered disposition once the id lands. An attempt the engine
// rejects before assigning an id leaves no row.
func (c *Coordinator) persistRecord(sess *Session) {
	if sess.recordType == nil {
		return
	}
	id, ok := sess.CallID()
	if !ok {
		return
	}
	c.records.EnqueueUpsert(callrecord.UpsertRequest{
		CallID:      id,
		RemoteParty: string(sess.RemoteParty()),
		Candidate:   *sess.recordType,
		OfferKind:   sess.OfferKind().String(),
		SentAt:      sess.SentAt(),
		Connected:   sess.State() == StateConnected,
	})
}

// startConnectDeadline fails the session if it has not connected within the
// configured timeout.
func (c *Coordinator) startConnectDeadline(sess *Session) {
	c.stopConnectDeadline()
	c.connectTimer = time.AfterFunc(c.connectTimeout, func() {
		c.ctrl.async(func() {
			if sess != c.current || sess.State() == StateConnected || sess.State().IsTerminal() {
				return
			}
			c.handleFailed(sess, &CallError{
				Reason: FailureTimeout,
				Err:    fmt.Errorf("not connected within %s", c.connectTimeout),
			}, false)
		})
	})
}

func (c *Coordinator) stopConnectDeadline() {
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
}

// startScreenWatchdog polls once a second that the call UI is actually
// presented for the current call, with a grace period after connect and one
// tick of slop for UI teardown races.
func (c *Coordinator) startScreenWatchdog(sess *Session) {
	c.stopScreenWatchdog()
	stop := make(chan struct{})
	c.screenStop = stop
	c.screenSlopUsed = false

	go func() {
		t := time.NewTicker(screenCheckEvery)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				c.ctrl.async(func() { c.checkCallScreen(sess) })
			}
		}
	}()
}

func (c *Coordinator) stopScreenWatchdog() {
	if c.screenStop != nil {
		close(c.screenStop)
		c.screenStop = nil
	}
}

func (c *Coordinator) checkCallScreen(sess *Session) {
	if sess != c.current || sess.State().IsTerminal() {
		return
	}
	connectedAt := sess.connected
	if connectedAt.IsZero() || c.clock().Sub(connectedAt) <= c.screenGrace {
		return
	}
	if c.delegate.CallScreenVisible() {
		c.screenSlopUsed = false
		return
	}
	if !c.screenSlopUsed {
		// One missed tick is tolerated; UI dismissal and call teardown race.
		c.screenSlopUsed = true
		return
	}
	c.handleFailed(sess, wrapCallError(FailureInternal,
		fmt.Errorf("call connected for %s without visible call screen", c.screenGrace)), true)
}

// ShouldSendOffer queues an offer for ordered transmission.
func (c *Coordinator) ShouldSendOffer(sess *Session, callID uint64, opaque []byte, kind MediaKind) {
	c.enqueueSend(sess, callID, signaling.Message{
		Kind:      signaling.KindOffer,
		Opaque:    opaque,
		MediaKind: kind.String(),
		SentAt:    sess.SentAt(),
	})
}

// ShouldSendAnswer queues an answer for ordered transmission.
func (c *Coordinator) ShouldSendAnswer(sess *Session, callID uint64, opaque []byte) {
	c.enqueueSend(sess, callID, signaling.Message{
		Kind:   signaling.KindAnswer,
		Opaque: opaque,
	})
}

// ShouldSendIceCandidates queues a candidate batch for ordered transmission.
func (c *Coordinator) ShouldSendIceCandidates(sess *Session, callID uint64, candidates [][]byte) {
	c.enqueueSend(sess, callID, signaling.Message{
		Kind:       signaling.KindIce,
		Candidates: candidates,
	})
}

// ShouldSendHangup queues a hangup for ordered transmission.
func (c *Coordinator) ShouldSendHangup(sess *Session, callID uint64, hangup HangupType, deviceID uint32) {
	c.enqueueSend(sess, callID, signaling.Message{
		Kind:         signaling.KindHangup,
		HangupType:   string(hangup),
		HangupDevice: deviceID,
	})
}

// ShouldSendBusy queues a busy reply to an offer that collided with the
// current call.
func (c *Coordinator) ShouldSendBusy(sess *Session, callID uint64) {
	c.enqueueSend(sess, callID, signaling.Message{Kind: signaling.KindBusy})
}

func (c *Coordinator) enqueueSend(sess *Session, callID uint64, msg signaling.Message) {
	msg.CallID = callID
	msg.To = string(sess.RemoteParty())
	msg.SourceDevice = c.localDeviceID

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendsClosed {
		log.Debugw("dropping send after close", "call_id", callID, "kind", msg.Kind)
		return
	}
	select {
	case c.sends <- outboundMsg{callID: callID, msg: msg}:
	default:
		log.Errorw("outbound signaling queue full, dropping", "call_id", callID, "kind", msg.Kind)
		c.engine.SignalingFailed(callID)
	}
}

// sendLoop transmits queued signaling messages strictly in order and reports
// each outcome back to the engine.
func (c *Coordinator) sendLoop() {
	defer close(c.sendsWG)
	for ob := range c.sends {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := c.signaler.Send(ctx, ob.msg)
		cancel()
		if err != nil {
			log.Warnw("signaling send failed", "call_id", ob.callID, "kind", ob.msg.Kind, "err", err)
			c.engine.SignalingFailed(ob.callID)
			continue
		}
		c.engine.SignalingSent(ob.callID)
	}
}
