package pionengine

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ringlink/ringlink/internal/call"
)

type startRec struct {
	sess     *call.Session
	callID   uint64
	outgoing bool
}

type eventRec struct {
	sess *call.Session
	ev   call.EngineEvent
}

type fakeObserver struct {
	mu      sync.Mutex
	starts  []startRec
	events  []eventRec
	offers  [][]byte
	answers [][]byte
	busy    []uint64
	hangups []call.HangupType
	ice     int
}

func (o *fakeObserver) OnStartCall(sess *call.Session, callID uint64, outgoing bool, kind call.MediaKind, earlyRing bool) {
	o.mu.Lock()
	o.starts = append(o.starts, startRec{sess: sess, callID: callID, outgoing: outgoing})
	o.mu.Unlock()
}

func (o *fakeObserver) OnEvent(sess *call.Session, ev call.EngineEvent) {
	o.mu.Lock()
	o.events = append(o.events, eventRec{sess: sess, ev: ev})
	o.mu.Unlock()
}

func (o *fakeObserver) ShouldSendOffer(sess *call.Session, callID uint64, opaque []byte, kind call.MediaKind) {
	o.mu.Lock()
	o.offers = append(o.offers, opaque)
	o.mu.Unlock()
}

func (o *fakeObserver) ShouldSendAnswer(sess *call.Session, callID uint64, opaque []byte) {
	o.mu.Lock()
	o.answers = append(o.answers, opaque)
	o.mu.Unlock()
}

func (o *fakeObserver) ShouldSendIceCandidates(sess *call.Session, callID uint64, candidates [][]byte) {
	o.mu.Lock()
	o.ice += len(candidates)
	o.mu.Unlock()
}

func (o *fakeObserver) ShouldSendHangup(sess *call.Session, callID uint64, hangup call.HangupType, deviceID uint32) {
	o.mu.Lock()
	o.hangups = append(o.hangups, hangup)
	o.mu.Unlock()
}

func (o *fakeObserver) ShouldSendBusy(sess *call.Session, callID uint64) {
	o.mu.Lock()
	o.busy = append(o.busy, callID)
	o.mu.Unlock()
}

func (o *fakeObserver) lastStart(t *testing.T) startRec {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.starts) == 0 {
		t.Fatal("no start reported")
	}
	return o.starts[len(o.starts)-1]
}

func (o *fakeObserver) startCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.starts)
}

func (o *fakeObserver) sawEvent(ev call.EngineEvent) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.events {
		if e.ev == ev {
			return true
		}
	}
	return false
}

func (o *fakeObserver) waitEvent(t *testing.T, ev call.EngineEvent) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if o.sawEvent(ev) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("event %s never observed", ev)
}

func newTestEngine(cfg Config) (*Engine, *fakeObserver) {
	e := New(cfg)
	obs := &fakeObserver{}
	e.SetObserver(obs)
	return e, obs
}

// offerPayload builds a real SDP offer body the engine can adopt.
func offerPayload(t *testing.T) []byte {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	defer pc.Close()
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		t.Fatalf("AddTransceiverFromKind: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	body, err := json.Marshal(sdpPayload{Type: offer.Type.String(), SDP: offer.SDP})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestPlaceCallAllocatesID(t *testing.T) {
	e, obs := newTestEngine(Config{})
	sess := call.NewOutgoingSession("bob", call.MediaAudio)

	if err := e.PlaceCall(sess, call.MediaAudio, 1); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	start := obs.lastStart(t)
	if start.sess != sess || !start.outgoing || start.callID == 0 {
		t.Fatalf("start = %+v", start)
	}
}

func TestSecondPlaceCallRejected(t *testing.T) {
	e, _ := newTestEngine(Config{})

	if err := e.PlaceCall(call.NewOutgoingSession("bob", call.MediaAudio), call.MediaAudio, 1); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if err := e.PlaceCall(call.NewOutgoingSession("eve", call.MediaAudio), call.MediaAudio, 1); err == nil {
		t.Fatal("second PlaceCall succeeded")
	}
}

func TestProceedOutgoingSendsOffer(t *testing.T) {
	e, obs := newTestEngine(Config{})
	sess := call.NewOutgoingSession("bob", call.MediaAudio)
	if err := e.PlaceCall(sess, call.MediaAudio, 1); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	callID := obs.lastStart(t).callID

	if err := e.Proceed(callID, nil, false); err != nil {
		t.Fatalf("Proceed: %v", err)
	}
	defer e.Reset()

	obs.mu.Lock()
	offers := len(obs.offers)
	var raw []byte
	if offers > 0 {
		raw = obs.offers[0]
	}
	obs.mu.Unlock()
	if offers != 1 {
		t.Fatalf("offers sent = %d, want 1", offers)
	}
	var body sdpPayload
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("offer body: %v", err)
	}
	if body.Type != "offer" || body.SDP == "" {
		t.Fatalf("offer payload = %+v", body)
	}
}

func TestReceivedOfferAdoptsAndAnswers(t *testing.T) {
	e, obs := newTestEngine(Config{})
	sess := call.NewIncomingSession("alice", call.MediaAudio, 1000)

	if err := e.ReceivedOffer(sess, 42, 2, offerPayload(t), 0, call.MediaAudio, 1); err != nil {
		t.Fatalf("ReceivedOffer: %v", err)
	}
	start := obs.lastStart(t)
	if start.outgoing || start.callID != 42 {
		t.Fatalf("start = %+v", start)
	}

	if err := e.Proceed(42, nil, false); err != nil {
		t.Fatalf("Proceed: %v", err)
	}
	defer e.Reset()

	obs.mu.Lock()
	answers := len(obs.answers)
	obs.mu.Unlock()
	if answers != 1 {
		t.Fatalf("answers sent = %d, want 1", answers)
	}
	if !obs.sawEvent(call.EventRingingLocal) {
		t.Fatal("no local ring after proceed")
	}
}

func TestReceivedOfferExpired(t *testing.T) {
	e, obs := newTestEngine(Config{MaxOfferAgeSec: 10})
	sess := call.NewIncomingSession("alice", call.MediaAudio, 1000)

	if err := e.ReceivedOffer(sess, 1, 2, offerPayload(t), 11, call.MediaAudio, 1); err != nil {
		t.Fatalf("ReceivedOffer: %v", err)
	}
	if !obs.sawEvent(call.EventReceivedOfferExpired) {
		t.Fatal("expired offer not reported")
	}
	if obs.startCount() != 0 {
		t.Fatal("expired offer adopted")
	}
}

func TestReceivedOfferBusy(t *testing.T) {
	e, obs := newTestEngine(Config{})
	if err := e.PlaceCall(call.NewOutgoingSession("bob", call.MediaAudio), call.MediaAudio, 1); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}

	// Offer from a third party while a call is in flight: busy.
	other := call.NewIncomingSession("carol", call.MediaAudio, 1000)
	if err := e.ReceivedOffer(other, 50, 2, offerPayload(t), 0, call.MediaAudio, 1); err != nil {
		t.Fatalf("ReceivedOffer: %v", err)
	}

	obs.mu.Lock()
	busy := len(obs.busy) == 1 && obs.busy[0] == 50
	obs.mu.Unlock()
	if !busy {
		t.Fatal("no busy reply sent")
	}
	if !obs.sawEvent(call.EventReceivedOfferWhileActive) {
		t.Fatal("offer-while-active not reported")
	}
}

func TestGlareRemoteWins(t *testing.T) {
	e, obs := newTestEngine(Config{})
	local := call.NewOutgoingSession("bob", call.MediaAudio)
	if err := e.PlaceCall(local, call.MediaAudio, 1); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	localID := obs.lastStart(t).callID

	remote := call.NewIncomingSession("bob", call.MediaAudio, 1000)
	if err := e.ReceivedOffer(remote, localID+1, 2, offerPayload(t), 0, call.MediaAudio, 1); err != nil {
		t.Fatalf("ReceivedOffer: %v", err)
	}

	if !obs.sawEvent(call.EventEndedRemoteGlare) {
		t.Fatal("losing local call not ended with glare")
	}
	start := obs.lastStart(t)
	if start.sess != remote || start.callID != localID+1 {
		t.Fatalf("winning offer not adopted: %+v", start)
	}
}

func TestGlareLocalWins(t *testing.T) {
	e, obs := newTestEngine(Config{})
	local := call.NewOutgoingSession("bob", call.MediaAudio)
	if err := e.PlaceCall(local, call.MediaAudio, 1); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	localID := obs.lastStart(t).callID
	if localID == 1 {
		t.Skip("allocated id too small to lose")
	}

	remote := call.NewIncomingSession("bob", call.MediaAudio, 1000)
	if err := e.ReceivedOffer(remote, localID-1, 2, offerPayload(t), 0, call.MediaAudio, 1); err != nil {
		t.Fatalf("ReceivedOffer: %v", err)
	}

	if !obs.sawEvent(call.EventReceivedOfferWithGlare) {
		t.Fatal("losing offer not reported as glare")
	}
	if obs.sawEvent(call.EventEndedRemoteGlare) {
		t.Fatal("winning local call was ended")
	}
	if obs.startCount() != 1 {
		t.Fatal("losing offer was adopted")
	}
}

func TestRingTimeout(t *testing.T) {
	e, obs := newTestEngine(Config{RingTimeout: 30 * time.Millisecond})
	sess := call.NewIncomingSession("alice", call.MediaAudio, 1000)

	if err := e.ReceivedOffer(sess, 60, 2, offerPayload(t), 0, call.MediaAudio, 1); err != nil {
		t.Fatalf("ReceivedOffer: %v", err)
	}
	obs.waitEvent(t, call.EventEndedTimeout)

	// The engine is idle again.
	if err := e.PlaceCall(call.NewOutgoingSession("bob", call.MediaAudio), call.MediaAudio, 1); err != nil {
		t.Fatalf("PlaceCall after timeout: %v", err)
	}
}

func TestOutgoingRingTimeout(t *testing.T) {
	e, obs := newTestEngine(Config{RingTimeout: 30 * time.Millisecond})
	sess := call.NewOutgoingSession("bob", call.MediaAudio)

	if err := e.PlaceCall(sess, call.MediaAudio, 1); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	obs.waitEvent(t, call.EventEndedTimeout)
}

func TestAcceptStopsRingTimer(t *testing.T) {
	e, obs := newTestEngine(Config{RingTimeout: 30 * time.Millisecond})
	sess := call.NewIncomingSession("alice", call.MediaAudio, 1000)

	if err := e.ReceivedOffer(sess, 61, 2, offerPayload(t), 0, call.MediaAudio, 1); err != nil {
		t.Fatalf("ReceivedOffer: %v", err)
	}
	if err := e.Accept(61); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	if obs.sawEvent(call.EventEndedTimeout) {
		t.Fatal("accepted call timed out")
	}
}

func TestReceivedHangupMapping(t *testing.T) {
	cases := []struct {
		hangup call.HangupType
		event  call.EngineEvent
	}{
		{call.HangupNormal, call.EventEndedRemoteHangup},
		{call.HangupAccepted, call.EventEndedRemoteHangupAccepted},
		{call.HangupDeclined, call.EventEndedRemoteHangupDeclined},
		{call.HangupBusy, call.EventEndedRemoteHangupBusy},
		{call.HangupNeedPermission, call.EventEndedRemoteHangupNeedPermission},
	}

	for _, c := range cases {
		t.Run(string(c.hangup), func(t *testing.T) {
			e, obs := newTestEngine(Config{})
			sess := call.NewOutgoingSession("bob", call.MediaAudio)
			if err := e.PlaceCall(sess, call.MediaAudio, 1); err != nil {
				t.Fatalf("PlaceCall: %v", err)
			}
			callID := obs.lastStart(t).callID

			if err := e.ReceivedHangup(callID, 2, c.hangup, 0); err != nil {
				t.Fatalf("ReceivedHangup: %v", err)
			}
			if !obs.sawEvent(c.event) {
				t.Fatalf("event %s not observed", c.event)
			}
		})
	}
}

func TestReceivedBusyEndsCall(t *testing.T) {
	e, obs := newTestEngine(Config{})
	sess := call.NewOutgoingSession("bob", call.MediaAudio)
	if err := e.PlaceCall(sess, call.MediaAudio, 1); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	callID := obs.lastStart(t).callID

	if err := e.ReceivedBusy(callID, 2); err != nil {
		t.Fatalf("ReceivedBusy: %v", err)
	}
	if !obs.sawEvent(call.EventEndedRemoteBusy) {
		t.Fatal("remote busy not reported")
	}
}

func TestHangupSendsNormalHangup(t *testing.T) {
	e, obs := newTestEngine(Config{})
	sess := call.NewOutgoingSession("bob", call.MediaAudio)
	if err := e.PlaceCall(sess, call.MediaAudio, 7); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}

	if err := e.Hangup(); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.hangups) != 1 || obs.hangups[0] != call.HangupNormal {
		t.Fatalf("hangups = %v", obs.hangups)
	}
}

func TestDropDiscardsSilently(t *testing.T) {
	e, obs := newTestEngine(Config{})
	sess := call.NewOutgoingSession("bob", call.MediaAudio)
	if err := e.PlaceCall(sess, call.MediaAudio, 1); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	callID := obs.lastStart(t).callID

	e.Drop(callID)
	if !obs.sawEvent(call.EventEndedDropped) {
		t.Fatal("drop not reported")
	}
	obs.mu.Lock()
	hangups := len(obs.hangups)
	obs.mu.Unlock()
	if hangups != 0 {
		t.Fatal("drop sent a hangup")
	}
}

func TestSignalingFailedEndsCall(t *testing.T) {
	e, obs := newTestEngine(Config{})
	sess := call.NewOutgoingSession("bob", call.MediaAudio)
	if err := e.PlaceCall(sess, call.MediaAudio, 1); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	callID := obs.lastStart(t).callID

	e.SignalingFailed(callID)
	if !obs.sawEvent(call.EventEndedSignalingFailure) {
		t.Fatal("signaling failure not reported")
	}
}

func TestSignalsForUnknownCallRejected(t *testing.T) {
	e, _ := newTestEngine(Config{})
	if err := e.ReceivedAnswer(404, 2, []byte("{}")); err == nil {
		t.Fatal("answer for unknown call accepted")
	}
	if err := e.ReceivedBusy(404, 2); err == nil {
		t.Fatal("busy for unknown call accepted")
	}
	if err := e.Accept(404); err == nil {
		t.Fatal("accept for unknown call succeeded")
	}
	if err := e.Proceed(404, nil, false); err == nil {
		t.Fatal("proceed for unknown call succeeded")
	}
}
