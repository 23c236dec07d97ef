package call

import "testing"

func TestStateTerminal(t *testing.T) {
	terminals := []State{
		StateLocalFailure, StateLocalHangup, StateRemoteHangup,
		StateRemoteHangupNeedPermission, StateRemoteBusy,
		StateAnsweredElsewhere, StateDeclinedElsewhere, StateBusyElsewhere,
	}
	for _, s := range terminals {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false", s)
		}
	}
	for _, s := range []State{StateIdle, StateDialing, StateAnswering, StateConnected, StateReconnecting} {
		if s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = true", s)
		}
	}
}

func TestSessionTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateDialing, StateRemoteRinging, true},
		{StateRemoteRinging, StateConnected, true},
		{StateAnswering, StateLocalRingingAnticipatory, true},
		{StateAnswering, StateLocalRingingReady, true},
		{StateLocalRingingAnticipatory, StateLocalRingingReady, true},
		{StateLocalRingingAnticipatory, StateAccepting, true},
		{StateLocalRingingReady, StateAccepting, true},
		{StateAccepting, StateConnected, true},
		{StateConnected, StateReconnecting, true},
		{StateReconnecting, StateConnected, true},

		{StateDialing, StateConnected, false},
		{StateDialing, StateAnswering, false},
		{StateAnswering, StateConnected, false},
		{StateConnected, StateDialing, false},
		{StateRemoteRinging, StateLocalRingingReady, false},

		// Any non-terminal state may fail or hang up.
		{StateDialing, StateLocalFailure, true},
		{StateAnswering, StateRemoteHangup, true},
		{StateConnected, StateLocalHangup, true},
		{StateReconnecting, StateRemoteBusy, true},
		{StateLocalRingingReady, StateAnsweredElsewhere, true},

		// Terminal states accept nothing.
		{StateLocalHangup, StateConnected, false},
		{StateLocalFailure, StateLocalHangup, false},
		{StateRemoteHangup, StateLocalFailure, false},
	}

	for _, c := range cases {
		if got := transitionAllowed(c.from, c.to); got != c.want {
			t.Errorf("transitionAllowed(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestSessionSetStateGuards(t *testing.T) {
	sess := NewOutgoingSession("alice", MediaAudio)
	if sess.State() != StateDialing {
		t.Fatalf("new outgoing state = %s, want dialing", sess.State())
	}

	if sess.setState(StateConnected) {
		t.Fatal("dialing -> connected accepted")
	}
	if !sess.setState(StateRemoteRinging) {
		t.Fatal("dialing -> remoteRinging rejected")
	}
	if !sess.setState(StateConnected) {
		t.Fatal("remoteRinging -> connected rejected")
	}
	if sess.connected.IsZero() {
		t.Fatal("connected timestamp not set")
	}

	if !sess.setState(StateLocalHangup) {
		t.Fatal("connected -> localHangup rejected")
	}
	if sess.setState(StateConnected) {
		t.Fatal("transition out of terminal state accepted")
	}
}

func TestSessionSetStateAfterEnd(t *testing.T) {
	sess := NewIncomingSession("bob", MediaAudio, 0)
	sess.ended = true
	if sess.setState(StateLocalRingingReady) {
		t.Fatal("state write on ended session accepted")
	}
}

func TestSessionCallIDFirstWins(t *testing.T) {
	sess := NewOutgoingSession("alice", MediaVideo)
	if _, ok := sess.CallID(); ok {
		t.Fatal("fresh session has call id")
	}
	sess.setCallID(10)
	sess.setCallID(20)
	if id, ok := sess.CallID(); !ok || id != 10 {
		t.Fatalf("CallID = %d, %v, want 10, true", id, ok)
	}
}

func TestSessionDeferredAcceptConsumedOnce(t *testing.T) {
	sess := NewIncomingSession("bob", MediaAudio, 0)
	sess.deferred = &pendingAccept{}
	if _, ok := sess.takeDeferredAccept(); !ok {
		t.Fatal("first take failed")
	}
	if _, ok := sess.takeDeferredAccept(); ok {
		t.Fatal("second take succeeded")
	}
}

func TestNewSessionDefaults(t *testing.T) {
	out := NewOutgoingSession("alice", MediaVideo)
	if out.Direction() != DirectionOutgoing || !out.HasLocalVideo() {
		t.Error("outgoing video session misconfigured")
	}
	in := NewIncomingSession("bob", MediaAudio, 123)
	if in.Direction() != DirectionIncoming || in.State() != StateAnswering || in.SentAt() != 123 {
		t.Error("incoming session misconfigured")
	}
	if in.ID() == out.ID() {
		t.Error("session ids collide")
	}
}
